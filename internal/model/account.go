package model

import "time"

// Account is the ledger record for one device or wallet identity.
type Account struct {
	ID         string     `db:"id" json:"id"`
	Balance    int64      `db:"balance" json:"balance"`
	LastScanAt *time.Time `db:"last_scan_at" json:"last_scan_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`

	// Vouchers is projected from the tokens this account issued. It is never
	// persisted on the account itself.
	Vouchers []VoucherSummary `db:"-" json:"vouchers"`
}

// VoucherSummary is the read-side view of a voucher token.
type VoucherSummary struct {
	ID        string    `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Used      bool      `db:"used" json:"used"`
}

func NewAccount(id string, now time.Time) *Account {
	return &Account{
		ID:        id,
		CreatedAt: now,
		Vouchers:  []VoucherSummary{},
	}
}

func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.LastScanAt != nil {
		t := *a.LastScanAt
		c.LastScanAt = &t
	}
	c.Vouchers = append([]VoucherSummary(nil), a.Vouchers...)
	return &c
}
