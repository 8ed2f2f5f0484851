package token

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/api"
	"github.com/Rofiq02bae/coffeepoint/internal/auth"
	"github.com/Rofiq02bae/coffeepoint/internal/ledger"
	"github.com/Rofiq02bae/coffeepoint/internal/logger"
	"github.com/Rofiq02bae/coffeepoint/internal/model"
	"github.com/Rofiq02bae/coffeepoint/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"
)

const (
	CodeTokenNotFound      = "token_not_found"
	CodeAlreadyUsedBySelf  = "already_used_by_self"
	CodeAlreadyUsedByOther = "already_used_by_other"

	defaultQRSize = 256
	maxQRSize     = 1024
	maxBatch      = 100
)

type Handler struct {
	engine Engine
	now    func() time.Time
}

func NewHandler(engine Engine) *Handler {
	return &Handler{engine: engine, now: time.Now}
}

type RedeemRequest struct {
	Token string `json:"token" binding:"required"`
}

type CreateTokensRequest struct {
	Count int `json:"count" binding:"omitempty,min=1,max=100" example:"10"`
}

// CreateTokensResponse lists the issued tokens. When the batch stops early,
// Error and Code describe the failure and Tokens holds what was already
// created; those tokens are live.
type CreateTokensResponse struct {
	Tokens []IssuedToken `json:"tokens"`
	Error  string        `json:"error,omitempty"`
	Code   string        `json:"code,omitempty"`
}

// RegisterRoutes mounts the member redemption endpoints.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/redeem", h.RedeemFromURL)
	r.POST("/redeem", h.Redeem)
}

// RegisterAdminRoutes mounts token issuance for operators.
func (h *Handler) RegisterAdminRoutes(r gin.IRoutes) {
	r.POST("/tokens", h.CreateScanTokens)
	r.GET("/tokens/:tokenID", h.GetToken)
	r.GET("/tokens/:tokenID/qr.png", h.QRCode)
}

// RedeemFromURL serves the redemption link encoded in a QR code.
// @Summary      Redeem from QR link
// @Tags         tokens
// @Security     BearerAuth
// @Produce      json
// @Param        token  query     string  true  "Token id"
// @Success      200    {object}  RedemptionResult
// @Success      202    {object}  RedemptionResult
// @Failure      404    {object}  api.ErrorResponse
// @Failure      409    {object}  api.ErrorResponse
// @Failure      429    {object}  api.ErrorResponse
// @Router       /redeem [get]
func (h *Handler) RedeemFromURL(c *gin.Context) {
	tokenID := c.Query("token")
	if tokenID == "" {
		api.Error(c, http.StatusBadRequest, api.CodeBadRequest, "token query parameter is required")
		return
	}
	h.redeem(c, tokenID)
}

// @Summary      Redeem token
// @Description  Claims a scan token for points or a voucher for its reward. 202 means the credit was queued.
// @Tags         tokens
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        request  body      RedeemRequest  true  "Token to redeem"
// @Success      200      {object}  RedemptionResult
// @Success      202      {object}  RedemptionResult
// @Failure      404      {object}  api.ErrorResponse
// @Failure      409      {object}  api.ErrorResponse
// @Failure      429      {object}  api.ErrorResponse
// @Failure      503      {object}  api.ErrorResponse
// @Router       /redeem [post]
func (h *Handler) Redeem(c *gin.Context) {
	var req RedeemRequest
	if !api.BindJSON(c, &req) {
		return
	}
	h.redeem(c, req.Token)
}

func (h *Handler) redeem(c *gin.Context, tokenID string) {
	accountID, ok := auth.GetAccountID(c)
	if !ok {
		api.Error(c, http.StatusUnauthorized, api.CodeUnauthorized, "account not authenticated")
		return
	}

	result, err := h.engine.Redeem(c.Request.Context(), tokenID, accountID, h.now())
	if err != nil {
		WriteError(c, err)
		return
	}

	status := http.StatusOK
	if result.Outcome == OutcomeCreditQueued {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

// CreateScanTokens issues one or more scan tokens with their redemption URLs.
// @Summary      Issue scan tokens
// @Tags         admin
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        request  body      CreateTokensRequest   false  "Batch size, default 1"
// @Success      201      {object}  CreateTokensResponse
// @Failure      400      {object}  api.ValidationResponse
// @Failure      403      {object}  api.ErrorResponse
// @Failure      503      {object}  CreateTokensResponse
// @Router       /admin/tokens [post]
func (h *Handler) CreateScanTokens(c *gin.Context) {
	var req CreateTokensRequest
	if c.Request.ContentLength > 0 && !api.BindJSON(c, &req) {
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}

	now := h.now()
	issued := make([]IssuedToken, 0, req.Count)
	for i := 0; i < req.Count && i < maxBatch; i++ {
		tok, err := h.engine.CreateToken(c.Request.Context(), model.KindScan, nil, now)
		if err != nil {
			if len(issued) == 0 {
				WriteError(c, err)
				return
			}
			h.partialBatch(c, issued, req.Count, err)
			return
		}
		issued = append(issued, IssuedToken{Token: tok, URL: h.engine.RedemptionURL(tok.ID)})
	}

	c.JSON(http.StatusCreated, CreateTokensResponse{Tokens: issued})
}

func (h *Handler) partialBatch(c *gin.Context, issued []IssuedToken, requested int, err error) {
	logger.Error("token batch stopped early", "issued", len(issued), "requested", requested, "error", err)

	status, code, msg := http.StatusInternalServerError, api.CodeInternal, "internal error"
	if store.IsRetryable(err) {
		status, code, msg = http.StatusServiceUnavailable, api.CodeUnavailable, "store temporarily unavailable"
	}
	c.AbortWithStatusJSON(status, CreateTokensResponse{Tokens: issued, Error: msg, Code: code})
}

// @Summary      Get token
// @Tags         admin
// @Security     BearerAuth
// @Produce      json
// @Param        tokenID  path      string  true  "Token id"
// @Success      200      {object}  IssuedToken
// @Failure      404      {object}  api.ErrorResponse
// @Router       /admin/tokens/{tokenID} [get]
func (h *Handler) GetToken(c *gin.Context) {
	tok, err := h.engine.Get(c.Request.Context(), c.Param("tokenID"))
	if err != nil {
		WriteError(c, err)
		return
	}

	c.JSON(http.StatusOK, IssuedToken{Token: tok, URL: h.engine.RedemptionURL(tok.ID)})
}

// QRCode renders the redemption URL of a token as a PNG.
// @Summary      Token QR code
// @Tags         admin
// @Security     BearerAuth
// @Produce      png
// @Param        tokenID  path      string  true   "Token id"
// @Param        size     query     int     false  "Edge length in pixels (64-1024)"
// @Success      200      {file}    binary
// @Failure      400      {object}  api.ErrorResponse
// @Failure      404      {object}  api.ErrorResponse
// @Router       /admin/tokens/{tokenID}/qr.png [get]
func (h *Handler) QRCode(c *gin.Context) {
	size := defaultQRSize
	if raw := c.Query("size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 64 || parsed > maxQRSize {
			api.Error(c, http.StatusBadRequest, api.CodeBadRequest, "size must be between 64 and 1024")
			return
		}
		size = parsed
	}

	tok, err := h.engine.Get(c.Request.Context(), c.Param("tokenID"))
	if err != nil {
		WriteError(c, err)
		return
	}

	png, err := qrcode.Encode(h.engine.RedemptionURL(tok.ID), qrcode.Medium, size)
	if err != nil {
		logger.Error("qr encoding failed", "token_id", tok.ID, "error", err)
		api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to render qr code")
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

// WriteError maps redemption errors, deferring to the ledger mapping for
// everything else.
func WriteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTokenNotFound):
		api.Error(c, http.StatusNotFound, CodeTokenNotFound, err.Error())
	case errors.Is(err, ErrAlreadyUsedBySelf):
		api.Error(c, http.StatusConflict, CodeAlreadyUsedBySelf, err.Error())
	case errors.Is(err, ErrAlreadyUsedByOther):
		api.Error(c, http.StatusConflict, CodeAlreadyUsedByOther, err.Error())
	case errors.Is(err, ErrInvalidKind), errors.Is(err, ErrIssuerRequired):
		api.Error(c, http.StatusBadRequest, api.CodeBadRequest, err.Error())
	default:
		ledger.WriteError(c, err)
	}
}
