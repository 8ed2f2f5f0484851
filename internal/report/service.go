package report

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/identity"
	"github.com/Rofiq02bae/coffeepoint/internal/logger"
	"github.com/Rofiq02bae/coffeepoint/internal/model"
	"github.com/Rofiq02bae/coffeepoint/internal/retry"
)

type Repository interface {
	ListAccounts(ctx context.Context) ([]model.Account, error)
	ListTokens(ctx context.Context) ([]model.Token, error)
}

type Service interface {
	Stats(ctx context.Context, now time.Time) (*Stats, error)
	Accounts(ctx context.Context) ([]AccountSummary, error)
	Tokens(ctx context.Context, filter TokenFilter) ([]TokenSummary, error)
}

type service struct {
	repo     Repository
	retryCfg retry.Config
}

func NewService(repo Repository, retryCfg retry.Config) Service {
	return &service{repo: repo, retryCfg: retryCfg}
}

func (s *service) listAccounts(ctx context.Context) ([]model.Account, error) {
	return retry.Do(ctx, s.retryCfg, "list_accounts", func() ([]model.Account, error) {
		return s.repo.ListAccounts(ctx)
	})
}

func (s *service) listTokens(ctx context.Context) ([]model.Token, error) {
	return retry.Do(ctx, s.retryCfg, "list_tokens", func() ([]model.Token, error) {
		return s.repo.ListTokens(ctx)
	})
}

func (s *service) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	accounts, err := s.listAccounts(ctx)
	if err != nil {
		return nil, err
	}
	tokens, err := s.listTokens(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Accounts: len(accounts), GeneratedAt: now}
	for _, acc := range accounts {
		stats.OutstandingPoints += acc.Balance
	}
	for _, tok := range tokens {
		if len(tok.UsedBy) > 1 {
			stats.ConsistencyViolations++
			logger.Error("token has more than one redeemer", "token_id", tok.ID, "used_by", tok.UsedBy)
		}
		switch tok.Kind {
		case model.KindScan:
			stats.ScanTokensIssued++
			if tok.Used() {
				stats.ScanTokensUsed++
			}
		case model.KindVoucher:
			stats.VouchersMinted++
			if tok.Used() {
				stats.VouchersRedeemed++
			}
		}
	}
	return stats, nil
}

// Accounts lists every account, highest balance first, with voucher counts
// derived from the tokens each one issued.
func (s *service) Accounts(ctx context.Context) ([]AccountSummary, error) {
	accounts, err := s.listAccounts(ctx)
	if err != nil {
		return nil, err
	}
	tokens, err := s.listTokens(ctx)
	if err != nil {
		return nil, err
	}

	minted := map[string]int{}
	used := map[string]int{}
	for _, tok := range tokens {
		if tok.Kind != model.KindVoucher {
			continue
		}
		minted[tok.Issuer()]++
		if tok.Used() {
			used[tok.Issuer()]++
		}
	}

	out := make([]AccountSummary, 0, len(accounts))
	for _, acc := range accounts {
		kind, _ := identity.KindOf(acc.ID)
		out = append(out, AccountSummary{
			ID:             acc.ID,
			Kind:           kind,
			Balance:        acc.Balance,
			LastScanAt:     acc.LastScanAt,
			CreatedAt:      acc.CreatedAt,
			VouchersMinted: minted[acc.ID],
			VouchersUsed:   used[acc.ID],
		})
	}
	sortAccounts(out)
	return out, nil
}

func (s *service) Tokens(ctx context.Context, filter TokenFilter) ([]TokenSummary, error) {
	tokens, err := s.listTokens(ctx)
	if err != nil {
		return nil, err
	}

	out := []TokenSummary{}
	for _, tok := range tokens {
		if summary := summarizeToken(tok); filter.match(summary) {
			out = append(out, summary)
		}
	}
	return out, nil
}

func sortAccounts(accounts []AccountSummary) {
	slices.SortFunc(accounts, func(a, b AccountSummary) int {
		if c := cmp.Compare(b.Balance, a.Balance); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
