package token

import (
	"context"
	"errors"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/logger"
	"github.com/Rofiq02bae/coffeepoint/internal/metrics"
	"github.com/Rofiq02bae/coffeepoint/internal/model"
	"github.com/Rofiq02bae/coffeepoint/internal/retry"
	"github.com/Rofiq02bae/coffeepoint/internal/store"
	"github.com/google/uuid"
)

const maxIDAttempts = 3

// Issuer is the only place tokens are created. It is shared by the
// redemption engine and the ledger's voucher minting.
type Issuer struct {
	repo     Repository
	retryCfg retry.Config
	newID    func() string
}

func NewIssuer(repo Repository, retryCfg retry.Config) *Issuer {
	return &Issuer{repo: repo, retryCfg: retryCfg, newID: uuid.NewString}
}

// CreateToken writes a fresh unused token. Store failures are retried with
// the same id, so a write that landed before a lost reply is recognised
// instead of duplicated. When the store still fails, the token last tried is
// returned with the error; whether it was written is unknown.
func (i *Issuer) CreateToken(ctx context.Context, kind model.TokenKind, issuerAccountID *string, now time.Time) (*model.Token, error) {
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	if kind == model.KindVoucher && issuerAccountID == nil {
		return nil, ErrIssuerRequired
	}
	if kind == model.KindScan {
		issuerAccountID = nil
	}

	for n := 0; n < maxIDAttempts; n++ {
		tok := &model.Token{
			ID:        i.newID(),
			Kind:      kind,
			CreatedAt: now.UTC().Truncate(time.Millisecond),
			UsedBy:    []string{},
		}
		if issuerAccountID != nil {
			issuer := *issuerAccountID
			tok.IssuerAccountID = &issuer
		}

		attempts := 0
		_, err := retry.Do(ctx, i.retryCfg, "create_token", func() (struct{}, error) {
			attempts++
			err := i.repo.CreateToken(ctx, tok)
			if errors.Is(err, store.ErrAlreadyExists) && attempts > 1 && i.isOwn(ctx, tok) {
				return struct{}{}, nil
			}
			return struct{}{}, err
		})
		if err == nil {
			metrics.RecordTokenIssued(string(kind))
			logger.Info("token created", "token_id", tok.ID, "kind", kind, "issuer", tok.Issuer())
			return tok, nil
		}
		if !errors.Is(err, store.ErrAlreadyExists) {
			return tok, err
		}
		logger.Warn("token id collision, regenerating", "token_id", tok.ID)
	}
	return nil, ErrIDExhausted
}

func (i *Issuer) isOwn(ctx context.Context, tok *model.Token) bool {
	existing, err := i.repo.GetToken(ctx, tok.ID)
	if err != nil {
		return false
	}
	return existing.Kind == tok.Kind &&
		existing.Issuer() == tok.Issuer() &&
		existing.CreatedAt.Equal(tok.CreatedAt) &&
		!existing.Used()
}
