package token

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/identity"
	"github.com/Rofiq02bae/coffeepoint/internal/ledger"
	"github.com/Rofiq02bae/coffeepoint/internal/logger"
	"github.com/Rofiq02bae/coffeepoint/internal/metrics"
	"github.com/Rofiq02bae/coffeepoint/internal/model"
	"github.com/Rofiq02bae/coffeepoint/internal/reconcile"
	"github.com/Rofiq02bae/coffeepoint/internal/retry"
	"github.com/Rofiq02bae/coffeepoint/internal/store"
	"github.com/google/uuid"
)

type Engine interface {
	CreateToken(ctx context.Context, kind model.TokenKind, issuerAccountID *string, now time.Time) (*model.Token, error)
	// Redeem moves a token from unused to used by redeemerID. Retrying with
	// the same pair after a failure yields ErrAlreadyUsedBySelf, never a
	// second credit.
	Redeem(ctx context.Context, tokenID, redeemerID string, now time.Time) (*RedemptionResult, error)
	Get(ctx context.Context, id string) (*model.Token, error)
	List(ctx context.Context) ([]model.Token, error)
	RedemptionURL(tokenID string) string
}

type Config struct {
	PointsPerScan int64
	PublicBaseURL string
	Retry         retry.Config
}

type engine struct {
	repo   Repository
	issuer *Issuer
	ledger Ledger
	queue  ledger.CompensationQueue
	cfg    Config
}

// NewEngine wires the redemption engine. queue may be nil.
func NewEngine(repo Repository, issuer *Issuer, l Ledger, queue ledger.CompensationQueue, cfg Config) Engine {
	return &engine{
		repo:   repo,
		issuer: issuer,
		ledger: l,
		queue:  queue,
		cfg:    cfg,
	}
}

func (e *engine) CreateToken(ctx context.Context, kind model.TokenKind, issuerAccountID *string, now time.Time) (*model.Token, error) {
	tok, err := e.issuer.CreateToken(ctx, kind, issuerAccountID, now)
	if err != nil {
		return nil, err
	}
	return tok, nil
}

func (e *engine) Get(ctx context.Context, id string) (*model.Token, error) {
	if !identity.ValidTokenID(id) {
		return nil, ErrTokenNotFound
	}

	tok, err := retry.Do(ctx, e.cfg.Retry, "get_token", func() (*model.Token, error) {
		return e.repo.GetToken(ctx, id)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTokenNotFound
	}
	return tok, err
}

func (e *engine) List(ctx context.Context) ([]model.Token, error) {
	return retry.Do(ctx, e.cfg.Retry, "list_tokens", func() ([]model.Token, error) {
		return e.repo.ListTokens(ctx)
	})
}

func (e *engine) RedemptionURL(tokenID string) string {
	u, err := url.Parse(e.cfg.PublicBaseURL)
	if err != nil {
		u = &url.URL{}
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/redeem"
	u.RawQuery = url.Values{"token": []string{tokenID}}.Encode()
	return u.String()
}

func (e *engine) Redeem(ctx context.Context, tokenID, redeemerID string, now time.Time) (*RedemptionResult, error) {
	tok, err := e.Get(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			metrics.RecordRedemption("unknown", "not_found")
		}
		return nil, err
	}

	if err := usedError(tok, redeemerID); err != nil {
		metrics.RecordRedemption(string(tok.Kind), outcomeLabel(err))
		return nil, err
	}

	if tok.Kind == model.KindScan {
		if _, err := e.ledger.ResolveAccount(ctx, redeemerID, now); err != nil {
			return nil, err
		}
		// A throttled scan must leave the token unused.
		if err := e.ledger.CheckThrottle(ctx, redeemerID, now); err != nil {
			metrics.RecordRedemption(string(tok.Kind), outcomeLabel(err))
			return nil, err
		}
	}

	if err := e.claim(ctx, tok.ID, redeemerID, now); err != nil {
		metrics.RecordRedemption(string(tok.Kind), outcomeLabel(err))
		return nil, err
	}

	result := &RedemptionResult{
		TokenID:    tok.ID,
		Kind:       tok.Kind,
		AccountID:  redeemerID,
		RedeemedAt: now,
	}

	if tok.Kind == model.KindVoucher {
		result.Outcome = OutcomeFulfilled
		metrics.RecordRedemption(string(tok.Kind), string(result.Outcome))
		logger.Info("voucher redeemed", "token_id", tok.ID, "account_id", redeemerID, "issuer", tok.Issuer())
		return result, nil
	}

	return e.credit(ctx, result, now)
}

// claim performs the compare-and-swap on the token's unused state. Each call
// writes its own claim id, so a retry can tell its own landed write from a
// concurrent claim by the same account.
func (e *engine) claim(ctx context.Context, tokenID, redeemerID string, now time.Time) error {
	claimID := uuid.NewString()
	attempts := 0
	_, err := retry.Do(ctx, e.cfg.Retry, "claim_token", func() (*model.Token, error) {
		attempts++
		return e.repo.ClaimToken(ctx, tokenID, redeemerID, claimID, now)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrTokenNotFound
	case !errors.Is(err, store.ErrPreconditionFailed):
		return err
	}

	winner, err := e.repo.GetToken(ctx, tokenID)
	if err != nil {
		return err
	}
	if !winner.UsedByAccount(redeemerID) {
		return ErrAlreadyUsedByOther
	}
	// An earlier attempt of this call landed before its reply was lost.
	if attempts > 1 && winner.ClaimID == claimID {
		return nil
	}
	return ErrAlreadyUsedBySelf
}

func (e *engine) credit(ctx context.Context, result *RedemptionResult, now time.Time) (*RedemptionResult, error) {
	points := e.cfg.PointsPerScan
	acc, err := e.ledger.CreditScan(ctx, result.AccountID, result.TokenID, points, now)
	switch {
	case err == nil:
		result.Outcome = OutcomeCredited
		result.PointsAwarded = points
		balance := acc.Balance
		result.Balance = &balance
		metrics.RecordRedemption(string(result.Kind), string(result.Outcome))
		logger.Info("scan redeemed", "token_id", result.TokenID, "account_id", result.AccountID, "points", points, "balance", balance)
		return result, nil

	case errors.Is(err, ledger.ErrAlreadyCredited):
		metrics.RecordRedemption(string(result.Kind), outcomeLabel(ErrAlreadyUsedBySelf))
		return nil, ErrAlreadyUsedBySelf

	case errors.Is(err, ledger.ErrThrottled):
		// Another scan by the same account won the time-gate between the
		// throttle check and the credit.
		metrics.RecordRedemption(string(result.Kind), outcomeLabel(err))
		logger.Warn("scan token consumed without credit", "token_id", result.TokenID, "account_id", result.AccountID, "error", err)
		return nil, err
	}

	logger.Error("credit after claim failed", "token_id", result.TokenID, "account_id", result.AccountID, "error", err)
	if e.queue == nil {
		metrics.RecordCompensation("lost")
		return nil, err
	}
	job := reconcile.Job{
		AccountID: result.AccountID,
		Points:    points,
		Reason:    "scan_credit_failed",
		Ref:       ledger.ScanRef(result.TokenID),
		Created:   time.Now(),
	}
	if qerr := e.queue.Enqueue(context.WithoutCancel(ctx), job); qerr != nil {
		metrics.RecordCompensation("lost")
		return nil, err
	}

	result.Outcome = OutcomeCreditQueued
	result.PointsAwarded = points
	metrics.RecordRedemption(string(result.Kind), string(result.Outcome))
	return result, nil
}

func usedError(tok *model.Token, redeemerID string) error {
	switch {
	case tok.UsedByAccount(redeemerID):
		return ErrAlreadyUsedBySelf
	case tok.Used():
		return ErrAlreadyUsedByOther
	}
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyUsedBySelf):
		return "already_used_by_self"
	case errors.Is(err, ErrAlreadyUsedByOther):
		return "already_used_by_other"
	case errors.Is(err, ErrTokenNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrThrottled):
		return "throttled"
	case errors.Is(err, store.ErrUnavailable):
		return "unavailable"
	}
	return "error"
}
