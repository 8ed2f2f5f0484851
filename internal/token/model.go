package token

import (
	"errors"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/model"
)

var (
	ErrTokenNotFound      = errors.New("token not found")
	ErrAlreadyUsedBySelf  = errors.New("token already redeemed by this account")
	ErrAlreadyUsedByOther = errors.New("token already redeemed by another account")
	ErrInvalidKind        = errors.New("invalid token kind")
	ErrIssuerRequired     = errors.New("voucher tokens require an issuing account")
	ErrIDExhausted        = errors.New("could not allocate a unique token id")
)

type Outcome string

const (
	// OutcomeCredited: a scan token was consumed and points were credited.
	OutcomeCredited Outcome = "credited"
	// OutcomeCreditQueued: a scan token was consumed and the credit was
	// handed to the compensation queue after a store failure.
	OutcomeCreditQueued Outcome = "credit_queued"
	// OutcomeFulfilled: a voucher was consumed for its reward.
	OutcomeFulfilled Outcome = "fulfilled"
)

type RedemptionResult struct {
	TokenID       string          `json:"token_id"`
	Kind          model.TokenKind `json:"kind"`
	AccountID     string          `json:"account_id"`
	Outcome       Outcome         `json:"outcome"`
	PointsAwarded int64           `json:"points_awarded"`
	Balance       *int64          `json:"balance,omitempty"`
	RedeemedAt    time.Time       `json:"redeemed_at"`
}

// IssuedToken pairs a token with the URL its QR code encodes.
type IssuedToken struct {
	Token *model.Token `json:"token"`
	URL   string       `json:"url"`
}
