package ledger

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/api"
	"github.com/Rofiq02bae/coffeepoint/internal/auth"
	"github.com/Rofiq02bae/coffeepoint/internal/identity"
	"github.com/Rofiq02bae/coffeepoint/internal/logger"
	"github.com/Rofiq02bae/coffeepoint/internal/model"
	"github.com/Rofiq02bae/coffeepoint/internal/store"
	"github.com/gin-gonic/gin"
)

const (
	CodeInsufficientBalance = "insufficient_balance"
	CodeThrottled           = "throttled"
)

type Handler struct {
	service Service
	now     func() time.Time
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service, now: time.Now}
}

type VouchersResponse struct {
	Vouchers []model.VoucherSummary `json:"vouchers"`
}

func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/me", h.GetAccount)
	r.GET("/vouchers", h.ListVouchers)
	r.POST("/vouchers", h.MintVoucher)
}

// GetAccount returns the caller's balance, vouchers and progress.
// @Summary      Current account
// @Tags         ledger
// @Security     BearerAuth
// @Produce      json
// @Success      200  {object}  AccountView
// @Failure      401  {object}  api.ErrorResponse
// @Failure      503  {object}  api.ErrorResponse
// @Router       /me [get]
func (h *Handler) GetAccount(c *gin.Context) {
	accountID, ok := auth.GetAccountID(c)
	if !ok {
		api.Error(c, http.StatusUnauthorized, api.CodeUnauthorized, "account not authenticated")
		return
	}

	view, err := h.service.Account(c.Request.Context(), accountID, h.now())
	if err != nil {
		WriteError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// @Summary      List my vouchers
// @Tags         ledger
// @Security     BearerAuth
// @Produce      json
// @Success      200  {object}  VouchersResponse
// @Failure      401  {object}  api.ErrorResponse
// @Failure      503  {object}  api.ErrorResponse
// @Router       /vouchers [get]
func (h *Handler) ListVouchers(c *gin.Context) {
	accountID, ok := auth.GetAccountID(c)
	if !ok {
		api.Error(c, http.StatusUnauthorized, api.CodeUnauthorized, "account not authenticated")
		return
	}

	vouchers, err := h.service.Vouchers(c.Request.Context(), accountID)
	if err != nil {
		WriteError(c, err)
		return
	}

	c.JSON(http.StatusOK, VouchersResponse{Vouchers: vouchers})
}

// MintVoucher exchanges the voucher threshold in points for a voucher.
// @Summary      Mint voucher
// @Description  Debits the voucher threshold and issues a voucher token owned by the caller.
// @Tags         ledger
// @Security     BearerAuth
// @Produce      json
// @Success      201  {object}  MintResult
// @Failure      401  {object}  api.ErrorResponse
// @Failure      422  {object}  api.ErrorResponse
// @Failure      503  {object}  api.ErrorResponse
// @Router       /vouchers [post]
func (h *Handler) MintVoucher(c *gin.Context) {
	accountID, ok := auth.GetAccountID(c)
	if !ok {
		api.Error(c, http.StatusUnauthorized, api.CodeUnauthorized, "account not authenticated")
		return
	}

	result, err := h.service.MintVoucher(c.Request.Context(), accountID, h.now())
	if err != nil {
		WriteError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// WriteError maps ledger and store errors onto HTTP responses.
func WriteError(c *gin.Context, err error) {
	var throttled *ThrottledError
	switch {
	case errors.As(err, &throttled):
		seconds := int(math.Ceil(throttled.Remaining.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		api.Error(c, http.StatusTooManyRequests, CodeThrottled, throttled.Error())
	case errors.Is(err, ErrInsufficientBalance):
		api.Error(c, http.StatusUnprocessableEntity, CodeInsufficientBalance, err.Error())
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, identity.ErrInvalidAccountID):
		api.Error(c, http.StatusBadRequest, api.CodeBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		api.Error(c, http.StatusNotFound, api.CodeNotFound, "account not found")
	case errors.Is(err, store.ErrUnavailable):
		logger.Error("store unavailable", "path", c.FullPath(), "error", err)
		api.Error(c, http.StatusServiceUnavailable, api.CodeUnavailable, "store temporarily unavailable")
	default:
		logger.Error("request failed", "path", c.FullPath(), "error", err)
		api.Error(c, http.StatusInternalServerError, api.CodeInternal, "internal error")
	}
}
