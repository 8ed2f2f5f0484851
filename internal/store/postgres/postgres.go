// Package postgres implements the Ledger Store on PostgreSQL. Every state
// transition is a single conditional statement, except a referenced balance
// adjustment, which records its ref in the same transaction.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/db"
	"github.com/Rofiq02bae/coffeepoint/internal/model"
	"github.com/Rofiq02bae/coffeepoint/internal/store"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var _ store.Store = (*Store)(nil)

const (
	accountColumns = `id, balance, last_scan_at, created_at`
	tokenColumns   = `id, kind, created_at, used_by, used_at, issuer_account_id, claim_id`
)

type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

type tokenRow struct {
	ID              string         `db:"id"`
	Kind            string         `db:"kind"`
	CreatedAt       time.Time      `db:"created_at"`
	UsedBy          pq.StringArray `db:"used_by"`
	UsedAt          *time.Time     `db:"used_at"`
	IssuerAccountID *string        `db:"issuer_account_id"`
	ClaimID         sql.NullString `db:"claim_id"`
}

func (r tokenRow) toModel() *model.Token {
	usedBy := []string(r.UsedBy)
	if usedBy == nil {
		usedBy = []string{}
	}
	return &model.Token{
		ID:              r.ID,
		Kind:            model.TokenKind(r.Kind),
		CreatedAt:       r.CreatedAt,
		UsedBy:          usedBy,
		UsedAt:          r.UsedAt,
		IssuerAccountID: r.IssuerAccountID,
		ClaimID:         r.ClaimID.String,
	}
}

func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	acc := &model.Account{}
	err := s.db.GetContext(ctx, acc, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	if err != nil {
		return nil, classify(err)
	}
	return acc, nil
}

func (s *Store) CreateAccount(ctx context.Context, acc *model.Account) (*model.Account, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, balance, last_scan_at, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		acc.ID, acc.Balance, acc.LastScanAt, acc.CreatedAt,
	)
	if err != nil {
		return nil, false, classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, classify(err)
	}

	stored, err := s.GetAccount(ctx, acc.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, affected == 1, nil
}

func (s *Store) AdjustBalance(ctx context.Context, adj store.Adjustment) (*model.Account, error) {
	if adj.Ref == "" {
		return adjust(ctx, s.db, adj)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (ref, account_id, delta)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (ref) DO NOTHING`,
		adj.Ref, adj.AccountID, adj.Delta,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, classify(err)
	}
	if affected == 0 {
		return nil, store.ErrAlreadyApplied
	}

	acc, err := adjust(ctx, tx, adj)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return acc, nil
}

func adjust(ctx context.Context, q sqlx.QueryerContext, adj store.Adjustment) (*model.Account, error) {
	acc := &model.Account{}
	err := q.QueryRowxContext(ctx,
		`UPDATE accounts
		 SET balance = balance + $2,
		     last_scan_at = COALESCE($3::timestamptz, last_scan_at)
		 WHERE id = $1
		   AND balance + $2 >= 0
		   AND ($4::timestamptz IS NULL OR last_scan_at IS NULL OR last_scan_at <= $4::timestamptz)
		 RETURNING `+accountColumns,
		adj.AccountID, adj.Delta, adj.ScanAt, adj.NotAfter,
	).StructScan(acc)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, classify(err)
	}

	exists, err := db.Exists(ctx, q, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, adj.AccountID)
	if err != nil {
		return nil, classify(err)
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrPreconditionFailed
}

func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	accounts := []model.Account{}
	err := s.db.SelectContext(ctx, &accounts,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, classify(err)
	}
	return accounts, nil
}

func (s *Store) CreateToken(ctx context.Context, tok *model.Token) error {
	usedBy := pq.StringArray(append([]string{}, tok.UsedBy...))
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (id, kind, created_at, used_by, used_at, issuer_account_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		tok.ID, string(tok.Kind), tok.CreatedAt, usedBy, tok.UsedAt, tok.IssuerAccountID,
	)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if affected == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, id string) (*model.Token, error) {
	var row tokenRow
	err := s.db.GetContext(ctx, &row, `SELECT `+tokenColumns+` FROM tokens WHERE id = $1`, id)
	if err != nil {
		return nil, classify(err)
	}
	return row.toModel(), nil
}

func (s *Store) ClaimToken(ctx context.Context, id, accountID, claimID string, at time.Time) (*model.Token, error) {
	var row tokenRow
	err := s.db.QueryRowxContext(ctx,
		`UPDATE tokens
		 SET used_by = array_append(used_by, $2), used_at = $3, claim_id = $4
		 WHERE id = $1 AND cardinality(used_by) = 0
		 RETURNING `+tokenColumns,
		id, accountID, at, claimID,
	).StructScan(&row)
	if err == nil {
		return row.toModel(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, classify(err)
	}

	exists, err := db.Exists(ctx, s.db, `SELECT EXISTS(SELECT 1 FROM tokens WHERE id = $1)`, id)
	if err != nil {
		return nil, classify(err)
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrPreconditionFailed
}

func (s *Store) ListTokens(ctx context.Context) ([]model.Token, error) {
	var rows []tokenRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+tokenColumns+` FROM tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, classify(err)
	}

	tokens := make([]model.Token, 0, len(rows))
	for _, r := range rows {
		tokens = append(tokens, *r.toModel())
	}
	return tokens, nil
}

func (s *Store) ListVouchers(ctx context.Context, issuerAccountID string) ([]model.VoucherSummary, error) {
	vouchers := []model.VoucherSummary{}
	err := s.db.SelectContext(ctx, &vouchers,
		`SELECT id, created_at, cardinality(used_by) > 0 AS used
		 FROM tokens
		 WHERE issuer_account_id = $1 AND kind = 'voucher'
		 ORDER BY created_at`,
		issuerAccountID,
	)
	if err != nil {
		return nil, classify(err)
	}
	return vouchers, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// classify maps driver errors onto store errors. Constraint and syntax
// errors are returned as is; only connection-level failures are retryable.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return store.ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		// connection_exception, transaction_rollback, operator_intervention
		case "08", "40", "57":
			return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
