package api

import "github.com/gin-gonic/gin"

const (
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeUnavailable  = "store_unavailable"
	CodeInternal     = "internal"
)

type ErrorResponse struct {
	Error string `json:"error" example:"something went wrong"`
	Code  string `json:"code" example:"bad_request"`
}

type MessageResponse struct {
	Message string `json:"message" example:"ok"`
}

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
	Store  string `json:"store,omitempty" example:"memory"`
}

// Error writes an ErrorResponse and aborts the handler chain.
func Error(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: message, Code: code})
}
