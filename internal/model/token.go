package model

import (
	"slices"
	"time"
)

type TokenKind string

const (
	// KindScan tokens are issued by the shop and grant points.
	KindScan TokenKind = "scan"
	// KindVoucher tokens are minted from points and redeem for a reward.
	KindVoucher TokenKind = "voucher"
)

func (k TokenKind) Valid() bool {
	return k == KindScan || k == KindVoucher
}

// Token is a single-use redeemable identifier. Once UsedBy is non-empty the
// token is terminal.
type Token struct {
	ID              string     `json:"id"`
	Kind            TokenKind  `json:"kind"`
	CreatedAt       time.Time  `json:"created_at"`
	UsedBy          []string   `json:"used_by"`
	UsedAt          *time.Time `json:"used_at,omitempty"`
	IssuerAccountID *string    `json:"issuer_account_id,omitempty"`
	// ClaimID identifies the redeem call that won the claim.
	ClaimID string `json:"-"`
}

func (t *Token) Used() bool {
	return len(t.UsedBy) > 0
}

func (t *Token) UsedByAccount(accountID string) bool {
	return slices.Contains(t.UsedBy, accountID)
}

// Issuer returns the issuing account id or "" for shop-issued tokens.
func (t *Token) Issuer() string {
	if t.IssuerAccountID == nil {
		return ""
	}
	return *t.IssuerAccountID
}

func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	c.UsedBy = append([]string{}, t.UsedBy...)
	if t.UsedAt != nil {
		u := *t.UsedAt
		c.UsedAt = &u
	}
	if t.IssuerAccountID != nil {
		id := *t.IssuerAccountID
		c.IssuerAccountID = &id
	}
	return &c
}
