package identity

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/api"
	"github.com/Rofiq02bae/coffeepoint/internal/auth"
	"github.com/Rofiq02bae/coffeepoint/internal/logger"
	"github.com/Rofiq02bae/coffeepoint/internal/model"
	"github.com/Rofiq02bae/coffeepoint/internal/store"
	"github.com/gin-gonic/gin"
)

// AdminAccountID is the subject of operator tokens. It never names a ledger
// account.
const AdminAccountID = "admin"

// AccountResolver creates the ledger account on first sign-in.
type AccountResolver interface {
	ResolveAccount(ctx context.Context, id string, now time.Time) (*model.Account, error)
}

type Secrets struct {
	Access            string
	Refresh           string
	AdminPasswordHash string
}

type Handler struct {
	accounts AccountResolver
	secrets  Secrets
	now      func() time.Time
}

func NewHandler(accounts AccountResolver, secrets Secrets) *Handler {
	return &Handler{accounts: accounts, secrets: secrets, now: time.Now}
}

func (h *Handler) keys() auth.Keys {
	return auth.Keys{Access: h.secrets.Access, Refresh: h.secrets.Refresh}
}

type WalletRequest struct {
	Address string `json:"address" binding:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type AdminLoginRequest struct {
	Password string `json:"password" binding:"required"`
}

type SessionResponse struct {
	AccountID    string         `json:"account_id"`
	Kind         Kind           `json:"kind"`
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Account      *model.Account `json:"account,omitempty"`
}

func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/auth/device", h.RegisterDevice)
	r.POST("/auth/device/refresh", h.Refresh)
	r.POST("/auth/wallet", h.ConnectWallet)
	r.POST("/auth/admin", h.AdminLogin)
}

// RegisterDevice mints a new device identity with an empty account.
// @Summary      Register device
// @Description  Mints a device identity with an empty account and returns its tokens.
// @Tags         auth
// @Produce      json
// @Success      201  {object}  SessionResponse
// @Failure      429  {object}  api.ErrorResponse
// @Failure      503  {object}  api.ErrorResponse
// @Router       /auth/device [post]
func (h *Handler) RegisterDevice(c *gin.Context) {
	h.session(c, http.StatusCreated, NewDeviceID(), KindDevice)
}

// ConnectWallet signs in with a wallet address. Proving control of the
// address is the wallet connector's job.
// @Summary      Connect wallet
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        request  body      WalletRequest  true  "Wallet address"
// @Success      200      {object}  SessionResponse
// @Failure      400      {object}  api.ErrorResponse
// @Failure      503      {object}  api.ErrorResponse
// @Router       /auth/wallet [post]
func (h *Handler) ConnectWallet(c *gin.Context) {
	var req WalletRequest
	if !api.BindJSON(c, &req) {
		return
	}

	id, err := NormalizeWallet(req.Address)
	if err != nil {
		api.Error(c, http.StatusBadRequest, api.CodeBadRequest, err.Error())
		return
	}

	h.session(c, http.StatusOK, id, KindWallet)
}

func (h *Handler) session(c *gin.Context, status int, id string, kind Kind) {
	acc, err := h.accounts.ResolveAccount(c.Request.Context(), id, h.now())
	if err != nil {
		writeError(c, err)
		return
	}

	s, err := auth.NewSession(id, auth.RoleMember, h.keys())
	if err != nil {
		logger.Error("token signing failed", "account_id", id, "error", err)
		api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to generate tokens")
		return
	}

	c.JSON(status, SessionResponse{
		AccountID:    id,
		Kind:         kind,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.ExpiresAt,
		Account:      acc,
	})
}

// @Summary      Refresh access token
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        request  body      RefreshRequest  true  "Refresh token"
// @Success      200      {object}  SessionResponse
// @Failure      400      {object}  api.ValidationResponse
// @Failure      401      {object}  api.ErrorResponse
// @Router       /auth/device/refresh [post]
func (h *Handler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if !api.BindJSON(c, &req) {
		return
	}

	s, claims, err := auth.Refresh(req.RefreshToken, h.keys())
	if err != nil {
		code := api.CodeUnauthorized
		if errors.Is(err, auth.ErrTokenExpired) {
			code = auth.CodeTokenExpired
		}
		api.Error(c, http.StatusUnauthorized, code, "invalid refresh token")
		return
	}

	kind, _ := KindOf(claims.AccountID())
	c.JSON(http.StatusOK, SessionResponse{
		AccountID:   claims.AccountID(),
		Kind:        kind,
		AccessToken: s.AccessToken,
		ExpiresAt:   s.ExpiresAt,
	})
}

// AdminLogin exchanges the operator password for an admin token. It is
// disabled while no password hash is configured.
// @Summary      Admin login
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        request  body      AdminLoginRequest  true  "Operator password"
// @Success      200      {object}  SessionResponse
// @Failure      401      {object}  api.ErrorResponse
// @Failure      403      {object}  api.ErrorResponse
// @Router       /auth/admin [post]
func (h *Handler) AdminLogin(c *gin.Context) {
	if h.secrets.AdminPasswordHash == "" {
		api.Error(c, http.StatusForbidden, api.CodeForbidden, "admin login is disabled")
		return
	}

	var req AdminLoginRequest
	if !api.BindJSON(c, &req) {
		return
	}

	if !auth.CheckPassword(h.secrets.AdminPasswordHash, req.Password) {
		logger.Warn("admin login rejected", "client_ip", c.ClientIP())
		api.Error(c, http.StatusUnauthorized, api.CodeUnauthorized, "invalid password")
		return
	}

	s, err := auth.NewSession(AdminAccountID, auth.RoleAdmin, h.keys())
	if err != nil {
		api.Error(c, http.StatusInternalServerError, api.CodeInternal, "failed to generate tokens")
		return
	}

	c.JSON(http.StatusOK, SessionResponse{
		AccountID:   AdminAccountID,
		AccessToken: s.AccessToken,
		ExpiresAt:   s.ExpiresAt,
	})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidAccountID):
		api.Error(c, http.StatusBadRequest, api.CodeBadRequest, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		logger.Error("store unavailable", "path", c.FullPath(), "error", err)
		api.Error(c, http.StatusServiceUnavailable, api.CodeUnavailable, "store temporarily unavailable")
	default:
		logger.Error("sign-in failed", "path", c.FullPath(), "error", err)
		api.Error(c, http.StatusInternalServerError, api.CodeInternal, "internal error")
	}
}
