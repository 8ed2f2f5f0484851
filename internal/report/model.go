// Package report aggregates the ledger for operators. It never writes.
package report

import (
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/identity"
	"github.com/Rofiq02bae/coffeepoint/internal/model"
)

type TokenStatus string

const (
	StatusUnused TokenStatus = "unused"
	StatusUsed   TokenStatus = "used"
)

type Stats struct {
	Accounts          int   `json:"accounts"`
	OutstandingPoints int64 `json:"outstanding_points"`
	ScanTokensIssued  int   `json:"scan_tokens_issued"`
	ScanTokensUsed    int   `json:"scan_tokens_used"`
	VouchersMinted    int   `json:"vouchers_minted"`
	VouchersRedeemed  int   `json:"vouchers_redeemed"`
	// ConsistencyViolations counts tokens with more than one redeemer. It
	// must always be zero.
	ConsistencyViolations int       `json:"consistency_violations"`
	GeneratedAt           time.Time `json:"generated_at"`
}

type AccountSummary struct {
	ID             string        `json:"id"`
	Kind           identity.Kind `json:"kind,omitempty"`
	Balance        int64         `json:"balance"`
	LastScanAt     *time.Time    `json:"last_scan_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	VouchersMinted int           `json:"vouchers_minted"`
	VouchersUsed   int           `json:"vouchers_used"`
}

type TokenSummary struct {
	ID        string          `json:"id"`
	Kind      model.TokenKind `json:"kind"`
	Status    TokenStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UsedBy    string          `json:"used_by,omitempty"`
	UsedAt    *time.Time      `json:"used_at,omitempty"`
	Issuer    string          `json:"issuer,omitempty"`
}

// TokenFilter narrows a token listing. Zero values match everything.
type TokenFilter struct {
	Kind   model.TokenKind
	Status TokenStatus
}

func summarizeToken(tok model.Token) TokenSummary {
	s := TokenSummary{
		ID:        tok.ID,
		Kind:      tok.Kind,
		Status:    StatusUnused,
		CreatedAt: tok.CreatedAt,
		UsedAt:    tok.UsedAt,
		Issuer:    tok.Issuer(),
	}
	if tok.Used() {
		s.Status = StatusUsed
		s.UsedBy = tok.UsedBy[0]
	}
	return s
}

func (f TokenFilter) match(s TokenSummary) bool {
	if f.Kind != "" && f.Kind != s.Kind {
		return false
	}
	if f.Status != "" && f.Status != s.Status {
		return false
	}
	return true
}
