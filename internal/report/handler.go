package report

import (
	"errors"
	"net/http"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/api"
	"github.com/Rofiq02bae/coffeepoint/internal/logger"
	"github.com/Rofiq02bae/coffeepoint/internal/model"
	"github.com/Rofiq02bae/coffeepoint/internal/store"
	"github.com/gin-gonic/gin"
)

type Handler struct {
	service Service
	now     func() time.Time
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service, now: time.Now}
}

type TokenQuery struct {
	Kind   string `form:"kind" binding:"omitempty,oneof=scan voucher"`
	Status string `form:"status" binding:"omitempty,oneof=unused used"`
}

type AccountsResponse struct {
	Accounts []AccountSummary `json:"accounts"`
}

type TokensResponse struct {
	Tokens []TokenSummary `json:"tokens"`
}

func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/stats", h.Stats)
	r.GET("/accounts", h.Accounts)
	r.GET("/tokens", h.Tokens)
}

// @Summary      Ledger statistics
// @Tags         admin
// @Security     BearerAuth
// @Produce      json
// @Success      200  {object}  Stats
// @Failure      503  {object}  api.ErrorResponse
// @Router       /admin/stats [get]
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context(), h.now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// @Summary      List accounts
// @Tags         admin
// @Security     BearerAuth
// @Produce      json
// @Success      200  {object}  AccountsResponse
// @Failure      503  {object}  api.ErrorResponse
// @Router       /admin/accounts [get]
func (h *Handler) Accounts(c *gin.Context) {
	accounts, err := h.service.Accounts(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, AccountsResponse{Accounts: accounts})
}

// @Summary      List tokens
// @Tags         admin
// @Security     BearerAuth
// @Produce      json
// @Param        kind    query     string  false  "scan or voucher"
// @Param        status  query     string  false  "unused or used"
// @Success      200     {object}  TokensResponse
// @Failure      400     {object}  api.ErrorResponse
// @Failure      503     {object}  api.ErrorResponse
// @Router       /admin/tokens [get]
func (h *Handler) Tokens(c *gin.Context) {
	var q TokenQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		api.Error(c, http.StatusBadRequest, api.CodeBadRequest, "kind must be scan or voucher, status must be unused or used")
		return
	}

	tokens, err := h.service.Tokens(c.Request.Context(), TokenFilter{
		Kind:   model.TokenKind(q.Kind),
		Status: TokenStatus(q.Status),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, TokensResponse{Tokens: tokens})
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrUnavailable) {
		logger.Error("store unavailable", "path", c.FullPath(), "error", err)
		api.Error(c, http.StatusServiceUnavailable, api.CodeUnavailable, "store temporarily unavailable")
		return
	}
	logger.Error("report failed", "path", c.FullPath(), "error", err)
	api.Error(c, http.StatusInternalServerError, api.CodeInternal, "internal error")
}
