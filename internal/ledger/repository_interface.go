package ledger

import (
	"context"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/model"
	"github.com/Rofiq02bae/coffeepoint/internal/reconcile"
	"github.com/Rofiq02bae/coffeepoint/internal/store"
)

type Repository interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	CreateAccount(ctx context.Context, acc *model.Account) (*model.Account, bool, error)
	AdjustBalance(ctx context.Context, adj store.Adjustment) (*model.Account, error)
	ListVouchers(ctx context.Context, issuerAccountID string) ([]model.VoucherSummary, error)
	GetToken(ctx context.Context, id string) (*model.Token, error)
}

// VoucherIssuer creates the voucher token for a successful debit. On a store
// failure it returns the token it last tried to write alongside the error.
type VoucherIssuer interface {
	CreateToken(ctx context.Context, kind model.TokenKind, issuerAccountID *string, now time.Time) (*model.Token, error)
}

// CompensationQueue durably records a compensating credit that could not be
// applied inline.
type CompensationQueue interface {
	Enqueue(ctx context.Context, job reconcile.Job) error
}
