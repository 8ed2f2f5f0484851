// Package memory is an in-process Ledger Store guarded by a single mutex.
// It backs local development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/model"
	"github.com/Rofiq02bae/coffeepoint/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
	tokens   map[string]*model.Token
	// refs maps applied adjustment refs to their account.
	refs map[string]string
}

func New() *Store {
	return &Store{
		accounts: make(map[string]*model.Account),
		tokens:   make(map[string]*model.Token),
		refs:     make(map[string]string),
	}
}

func (s *Store) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return acc.Clone(), nil
}

func (s *Store) CreateAccount(_ context.Context, acc *model.Account) (*model.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.accounts[acc.ID]; ok {
		return existing.Clone(), false, nil
	}
	stored := acc.Clone()
	stored.Vouchers = nil
	s.accounts[acc.ID] = stored
	return stored.Clone(), true, nil
}

func (s *Store) AdjustBalance(_ context.Context, adj store.Adjustment) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[adj.AccountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if _, applied := s.refs[adj.Ref]; adj.Ref != "" && applied {
		return nil, store.ErrAlreadyApplied
	}
	if adj.NotAfter != nil && acc.LastScanAt != nil && acc.LastScanAt.After(*adj.NotAfter) {
		return nil, store.ErrPreconditionFailed
	}
	if acc.Balance+adj.Delta < 0 {
		return nil, store.ErrPreconditionFailed
	}

	acc.Balance += adj.Delta
	if adj.ScanAt != nil {
		at := *adj.ScanAt
		acc.LastScanAt = &at
	}
	if adj.Ref != "" {
		s.refs[adj.Ref] = adj.AccountID
	}
	return acc.Clone(), nil
}

func (s *Store) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, *acc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) CreateToken(_ context.Context, tok *model.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[tok.ID]; ok {
		return store.ErrAlreadyExists
	}
	s.tokens[tok.ID] = tok.Clone()
	return nil
}

func (s *Store) GetToken(_ context.Context, id string) (*model.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return tok.Clone(), nil
}

func (s *Store) ClaimToken(_ context.Context, id, accountID, claimID string, at time.Time) (*model.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tok.Used() {
		return nil, store.ErrPreconditionFailed
	}
	tok.UsedBy = []string{accountID}
	tok.ClaimID = claimID
	usedAt := at
	tok.UsedAt = &usedAt
	return tok.Clone(), nil
}

func (s *Store) ListTokens(_ context.Context) ([]model.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Token, 0, len(s.tokens))
	for _, tok := range s.tokens {
		out = append(out, *tok.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ListVouchers(_ context.Context, issuerAccountID string) ([]model.VoucherSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []model.VoucherSummary{}
	for _, tok := range s.tokens {
		if tok.Kind != model.KindVoucher || tok.Issuer() != issuerAccountID {
			continue
		}
		out = append(out, model.VoucherSummary{ID: tok.ID, CreatedAt: tok.CreatedAt, Used: tok.Used()})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}
