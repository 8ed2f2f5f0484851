package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/identity"
	"github.com/Rofiq02bae/coffeepoint/internal/logger"
	"github.com/Rofiq02bae/coffeepoint/internal/metrics"
	"github.com/Rofiq02bae/coffeepoint/internal/model"
	"github.com/Rofiq02bae/coffeepoint/internal/reconcile"
	"github.com/Rofiq02bae/coffeepoint/internal/retry"
	"github.com/Rofiq02bae/coffeepoint/internal/store"
	"github.com/google/uuid"
)

type Service interface {
	// ResolveAccount returns the account, creating an empty one on first
	// touch. Concurrent first touches observe the same record.
	ResolveAccount(ctx context.Context, id string, now time.Time) (*model.Account, error)
	CreditPoints(ctx context.Context, id string, amount int64, now time.Time) (*model.Account, error)
	// CreditScan credits a claimed scan token. The credit lands at most once
	// per token; a repeat yields ErrAlreadyCredited.
	CreditScan(ctx context.Context, id, tokenID string, amount int64, now time.Time) (*model.Account, error)
	// CheckThrottle evaluates the scan time-gate without writing.
	CheckThrottle(ctx context.Context, id string, now time.Time) error
	MintVoucher(ctx context.Context, id string, now time.Time) (*MintResult, error)
	// Compensate applies a queued credit without touching the scan time. A
	// credit whose ref already landed, or a refund whose voucher exists,
	// yields reconcile.ErrNotOwed.
	Compensate(ctx context.Context, job reconcile.Job) (*model.Account, error)
	Account(ctx context.Context, id string, now time.Time) (*AccountView, error)
	Vouchers(ctx context.Context, id string) ([]model.VoucherSummary, error)
	Policy() Policy
}

type service struct {
	repo     Repository
	issuer   VoucherIssuer
	queue    CompensationQueue
	policy   Policy
	retryCfg retry.Config
}

// NewService wires the ledger. queue may be nil, in which case a failed
// compensation is only logged.
func NewService(repo Repository, issuer VoucherIssuer, queue CompensationQueue, policy Policy, retryCfg retry.Config) Service {
	return &service{
		repo:     repo,
		issuer:   issuer,
		queue:    queue,
		policy:   policy,
		retryCfg: retryCfg,
	}
}

func (s *service) Policy() Policy {
	return s.policy
}

func (s *service) ResolveAccount(ctx context.Context, id string, now time.Time) (*model.Account, error) {
	acc, err := retry.Do(ctx, s.retryCfg, "get_account", func() (*model.Account, error) {
		return s.repo.GetAccount(ctx, id)
	})
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if err := identity.ValidateAccountID(id); err != nil {
		return nil, err
	}

	var created bool
	acc, err = retry.Do(ctx, s.retryCfg, "create_account", func() (*model.Account, error) {
		stored, ok, err := s.repo.CreateAccount(ctx, model.NewAccount(id, now))
		created = ok
		return stored, err
	})
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("account created", "account_id", id)
	}
	return acc, nil
}

func (s *service) CheckThrottle(ctx context.Context, id string, now time.Time) error {
	if s.policy.MinScanInterval <= 0 {
		return nil
	}

	acc, err := retry.Do(ctx, s.retryCfg, "get_account", func() (*model.Account, error) {
		return s.repo.GetAccount(ctx, id)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if remaining := s.policy.ThrottleRemaining(acc.LastScanAt, now); remaining > 0 {
		return &ThrottledError{Remaining: remaining}
	}
	return nil
}

// ScanRef is the adjustment ref of the credit earned by a scan token.
func ScanRef(tokenID string) string {
	return "scan:" + tokenID
}

func refundRef(attemptID string) string {
	return "refund:" + attemptID
}

func (s *service) CreditPoints(ctx context.Context, id string, amount int64, now time.Time) (*model.Account, error) {
	return s.credit(ctx, id, "", amount, now)
}

func (s *service) CreditScan(ctx context.Context, id, tokenID string, amount int64, now time.Time) (*model.Account, error) {
	return s.credit(ctx, id, ScanRef(tokenID), amount, now)
}

func (s *service) credit(ctx context.Context, id, ref string, amount int64, now time.Time) (*model.Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	scanAt := now
	adj := store.Adjustment{AccountID: id, Delta: amount, ScanAt: &scanAt, Ref: ref}
	if s.policy.MinScanInterval > 0 {
		cutoff := now.Add(-s.policy.MinScanInterval)
		adj.NotAfter = &cutoff
	}

	// Balance writes are not retried: an ambiguous failure could apply twice.
	acc, err := s.repo.AdjustBalance(ctx, adj)
	if errors.Is(err, store.ErrNotFound) {
		if _, err := s.ResolveAccount(ctx, id, now); err != nil {
			return nil, err
		}
		acc, err = s.repo.AdjustBalance(ctx, adj)
	}

	switch {
	case err == nil:
	case errors.Is(err, store.ErrAlreadyApplied):
		return nil, ErrAlreadyCredited
	case errors.Is(err, store.ErrPreconditionFailed):
		return nil, s.throttled(ctx, id, now)
	default:
		return nil, err
	}

	metrics.RecordPointsCredited(amount)
	logger.Info("points credited", "account_id", id, "points", amount, "balance", acc.Balance)
	return acc, nil
}

// throttled builds the error for a credit whose time-gate precondition
// failed, reading the scan time that beat it.
func (s *service) throttled(ctx context.Context, id string, now time.Time) error {
	acc, err := s.repo.GetAccount(ctx, id)
	if err != nil {
		return &ThrottledError{Remaining: s.policy.MinScanInterval}
	}
	return &ThrottledError{Remaining: s.policy.ThrottleRemaining(acc.LastScanAt, now)}
}

func (s *service) MintVoucher(ctx context.Context, id string, now time.Time) (*MintResult, error) {
	threshold := s.policy.VoucherThreshold

	acc, err := s.repo.AdjustBalance(ctx, store.Adjustment{AccountID: id, Delta: -threshold})
	if err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) || errors.Is(err, store.ErrNotFound) {
			return nil, ErrInsufficientBalance
		}
		return nil, err
	}

	issuer := id
	tok, err := s.issuer.CreateToken(ctx, model.KindVoucher, &issuer, now)
	if err != nil {
		tok, err = s.recoverMint(ctx, id, threshold, tok, err)
		if err != nil {
			return nil, fmt.Errorf("mint voucher: %w", err)
		}
	}

	metrics.RecordVoucherMinted()
	logger.Info("voucher minted", "account_id", id, "voucher_id", tok.ID, "balance", acc.Balance)
	return &MintResult{Voucher: tok, Balance: acc.Balance}, nil
}

// recoverMint settles a debit whose voucher write failed. attempted is the
// last token the issuer tried to write, or nil if nothing reached the store.
// The debit is refunded only once that token is known not to exist.
func (s *service) recoverMint(ctx context.Context, id string, points int64, attempted *model.Token, cause error) (*model.Token, error) {
	job := reconcile.Job{AccountID: id, Points: points, Reason: "voucher_mint_failed", Ref: refundRef(uuid.NewString())}
	if attempted == nil {
		logger.Error("voucher creation failed after debit", "account_id", id, "error", cause)
		s.compensate(ctx, job)
		return nil, cause
	}

	job.Ref = refundRef(attempted.ID)
	job.VoucherID = attempted.ID
	landed, err := s.voucherExists(ctx, id, attempted.ID)
	switch {
	case err != nil:
		logger.Error("voucher outcome unknown after debit", "account_id", id, "voucher_id", attempted.ID, "error", cause)
		s.enqueue(ctx, job)
		return nil, cause
	case landed:
		logger.Warn("voucher write landed despite error", "account_id", id, "voucher_id", attempted.ID, "error", cause)
		return attempted, nil
	}

	logger.Error("voucher creation failed after debit", "account_id", id, "voucher_id", attempted.ID, "error", cause)
	s.compensate(ctx, job)
	return nil, cause
}

// voucherExists reports whether the voucher with the given id was minted by
// the account.
func (s *service) voucherExists(ctx context.Context, id, voucherID string) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	tok, err := retry.Do(ctx, s.retryCfg, "get_token", func() (*model.Token, error) {
		return s.repo.GetToken(ctx, voucherID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tok.Kind == model.KindVoucher && tok.Issuer() == id, nil
}

// compensate returns debited points. It outlives the caller's context so a
// disconnected client cannot strand the debit.
func (s *service) compensate(ctx context.Context, job reconcile.Job) {
	ctx = context.WithoutCancel(ctx)

	_, err := s.repo.AdjustBalance(ctx, store.Adjustment{AccountID: job.AccountID, Delta: job.Points, Ref: job.Ref})
	if err == nil {
		metrics.RecordCompensation("applied")
		logger.Warn("compensating credit applied", "account_id", job.AccountID, "points", job.Points, "reason", job.Reason)
		return
	}
	if errors.Is(err, store.ErrAlreadyApplied) {
		metrics.RecordCompensation("skipped")
		return
	}

	logger.Error("compensating credit failed", "account_id", job.AccountID, "points", job.Points, "error", err)
	s.enqueue(ctx, job)
}

func (s *service) enqueue(ctx context.Context, job reconcile.Job) {
	if s.queue == nil {
		metrics.RecordCompensation("lost")
		logger.Error("compensation lost", "account_id", job.AccountID, "points", job.Points, "ref", job.Ref)
		return
	}

	job.Created = time.Now()
	if err := s.queue.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		metrics.RecordCompensation("lost")
		logger.Error("compensation could not be queued", "account_id", job.AccountID, "points", job.Points, "error", err)
	}
}

func (s *service) Compensate(ctx context.Context, job reconcile.Job) (*model.Account, error) {
	if job.Points <= 0 {
		return nil, ErrInvalidAmount
	}

	if job.VoucherID != "" {
		landed, err := s.voucherExists(ctx, job.AccountID, job.VoucherID)
		if err != nil {
			return nil, err
		}
		if landed {
			return nil, fmt.Errorf("voucher %s was minted: %w", job.VoucherID, reconcile.ErrNotOwed)
		}
	}

	acc, err := s.repo.AdjustBalance(ctx, store.Adjustment{AccountID: job.AccountID, Delta: job.Points, Ref: job.Ref})
	if errors.Is(err, store.ErrAlreadyApplied) {
		return nil, fmt.Errorf("%s already applied: %w", job.Ref, reconcile.ErrNotOwed)
	}
	return acc, err
}

func (s *service) Account(ctx context.Context, id string, now time.Time) (*AccountView, error) {
	acc, err := s.ResolveAccount(ctx, id, now)
	if err != nil {
		return nil, err
	}

	vouchers, err := s.Vouchers(ctx, id)
	if err != nil {
		return nil, err
	}
	acc.Vouchers = vouchers

	return &AccountView{
		Account:                  *acc,
		VoucherThreshold:         s.policy.VoucherThreshold,
		PointsToNextVoucher:      s.policy.PointsToNextVoucher(acc.Balance),
		CanMintVoucher:           acc.Balance >= s.policy.VoucherThreshold,
		ThrottleRemainingSeconds: s.policy.ThrottleRemaining(acc.LastScanAt, now).Seconds(),
	}, nil
}

func (s *service) Vouchers(ctx context.Context, id string) ([]model.VoucherSummary, error) {
	return retry.Do(ctx, s.retryCfg, "list_vouchers", func() ([]model.VoucherSummary, error) {
		return s.repo.ListVouchers(ctx, id)
	})
}
