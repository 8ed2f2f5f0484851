package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Rofiq02bae/coffeepoint/internal/api"
	"github.com/gin-gonic/gin"
)

const (
	ctxAccountID = "account_id"
	ctxRole      = "role"

	CodeTokenExpired = "token_expired"
)

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// AuthMiddleware accepts only access tokens and stores the account id and
// role on the context.
func AuthMiddleware(accessTokenSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			api.Error(c, http.StatusUnauthorized, api.CodeUnauthorized, "authorization header required")
			return
		}
		tokenString, ok := bearer(header)
		if !ok {
			api.Error(c, http.StatusUnauthorized, api.CodeUnauthorized, "expected a bearer token")
			return
		}

		claims, err := Parse(tokenString, accessTokenSecret, TypeAccess)
		switch {
		case errors.Is(err, ErrTokenExpired):
			api.Error(c, http.StatusUnauthorized, CodeTokenExpired, "token expired")
			return
		case errors.Is(err, ErrWrongTokenType):
			api.Error(c, http.StatusUnauthorized, api.CodeUnauthorized, "access token required")
			return
		case err != nil:
			api.Error(c, http.StatusUnauthorized, api.CodeUnauthorized, "invalid or malformed token")
			return
		}

		c.Set(ctxAccountID, claims.AccountID())
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

func RequireRole(requiredRole string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := c.Get(ctxRole)
		if !ok {
			api.Error(c, http.StatusUnauthorized, api.CodeUnauthorized, "role not found")
			return
		}
		if s, isString := role.(string); !isString {
			api.Error(c, http.StatusUnauthorized, api.CodeUnauthorized, "invalid role")
			return
		} else if s != requiredRole {
			api.Error(c, http.StatusForbidden, api.CodeForbidden, "insufficient permissions")
			return
		}
		c.Next()
	}
}

func GetAccountID(c *gin.Context) (string, bool) {
	id := c.GetString(ctxAccountID)
	return id, id != ""
}
