package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/model"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrAlreadyCredited     = errors.New("scan already credited")
	// ErrThrottled matches any *ThrottledError through errors.Is.
	ErrThrottled = errors.New("scan throttled")
)

// ThrottledError is returned when a point-earning scan arrives before the
// minimum scan interval has elapsed.
type ThrottledError struct {
	Remaining time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("scan throttled: retry in %s", e.Remaining.Round(time.Second))
}

func (e *ThrottledError) Is(target error) bool {
	return target == ErrThrottled
}

// Policy holds the loyalty program parameters.
type Policy struct {
	PointsPerScan    int64
	VoucherThreshold int64
	MinScanInterval  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{PointsPerScan: 1, VoucherThreshold: 5}
}

// ThrottleRemaining is how long an account that last scanned at last must
// wait before its next scan earns points.
func (p Policy) ThrottleRemaining(last *time.Time, now time.Time) time.Duration {
	if p.MinScanInterval <= 0 || last == nil {
		return 0
	}
	remaining := last.Add(p.MinScanInterval).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// PointsToNextVoucher is never negative.
func (p Policy) PointsToNextVoucher(balance int64) int64 {
	if balance >= p.VoucherThreshold {
		return 0
	}
	return p.VoucherThreshold - balance
}

type AccountView struct {
	model.Account
	VoucherThreshold         int64   `json:"voucher_threshold"`
	PointsToNextVoucher      int64   `json:"points_to_next_voucher"`
	CanMintVoucher           bool    `json:"can_mint_voucher"`
	ThrottleRemainingSeconds float64 `json:"throttle_remaining_seconds"`
}

type MintResult struct {
	Voucher *model.Token `json:"voucher"`
	Balance int64        `json:"balance"`
}
