// Package store defines the Ledger Store contract shared by the memory,
// postgres and redis backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/model"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrAlreadyExists      = errors.New("record already exists")
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrAlreadyApplied is returned for an adjustment whose Ref was applied
	// before. The balance is unchanged.
	ErrAlreadyApplied = errors.New("adjustment already applied")
	// ErrUnavailable marks transient infrastructure failures. It is the only
	// store error that callers may retry.
	ErrUnavailable = errors.New("store unavailable")
)

// Adjustment is an atomic balance change on a single account. A negative
// Delta only applies while the resulting balance stays non-negative.
type Adjustment struct {
	AccountID string
	Delta     int64
	// ScanAt, when set, is written as LastScanAt together with the increment.
	ScanAt *time.Time
	// NotAfter, when set, requires LastScanAt to be nil or not after it.
	NotAfter *time.Time
	// Ref, when set, makes the adjustment apply at most once. The ref is
	// recorded atomically with the balance change.
	Ref string
}

// Store is the full set of primitives the ledger and redemption engine rely
// on. Every mutating method is atomic on a single record.
type Store interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	// CreateAccount writes acc only if no account with that id exists and
	// returns the stored record along with whether it was created.
	CreateAccount(ctx context.Context, acc *model.Account) (*model.Account, bool, error)
	// AdjustBalance fails with ErrNotFound, ErrPreconditionFailed or
	// ErrAlreadyApplied.
	AdjustBalance(ctx context.Context, adj Adjustment) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// CreateToken fails with ErrAlreadyExists on an id collision.
	CreateToken(ctx context.Context, tok *model.Token) error
	GetToken(ctx context.Context, id string) (*model.Token, error)
	// ClaimToken adds accountID to UsedBy only while UsedBy is empty and
	// fails with ErrPreconditionFailed otherwise. claimID is stored with the
	// claim so the caller can recognise its own write after a lost reply.
	ClaimToken(ctx context.Context, id, accountID, claimID string, at time.Time) (*model.Token, error)
	ListTokens(ctx context.Context) ([]model.Token, error)
	ListVouchers(ctx context.Context, issuerAccountID string) ([]model.VoucherSummary, error)

	Ping(ctx context.Context) error
	Close() error
}

// IsRetryable reports whether err is a transient store failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
