package token

import (
	"context"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/model"
)

type Repository interface {
	CreateToken(ctx context.Context, tok *model.Token) error
	GetToken(ctx context.Context, id string) (*model.Token, error)
	ClaimToken(ctx context.Context, id, accountID, claimID string, at time.Time) (*model.Token, error)
	ListTokens(ctx context.Context) ([]model.Token, error)
}

// Ledger is the part of the account ledger a redemption drives.
type Ledger interface {
	ResolveAccount(ctx context.Context, id string, now time.Time) (*model.Account, error)
	CheckThrottle(ctx context.Context, id string, now time.Time) error
	CreditScan(ctx context.Context, id, tokenID string, amount int64, now time.Time) (*model.Account, error)
}
