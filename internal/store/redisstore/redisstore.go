// Package redisstore implements the Ledger Store on Redis. Conditional
// writes run as Lua scripts so each transition is atomic on the server.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/model"
	"github.com/Rofiq02bae/coffeepoint/internal/store"
	"github.com/redis/go-redis/v9"
)

var _ store.Store = (*Store)(nil)

var createAccountScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'balance', ARGV[2], 'created_at', ARGV[3])
if ARGV[4] ~= '' then
  redis.call('HSET', KEYS[1], 'last_scan_at', ARGV[4])
end
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

// Returns {status, balance, last_scan_at, created_at}; status is 1 on
// success, 0 when the account is missing, -1 on a failed precondition and
// -2 when the ref was already applied.
var adjustScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {0, 0, '', ''}
end
if ARGV[4] ~= '' and redis.call('HEXISTS', KEYS[2], ARGV[4]) == 1 then
  return {-2, 0, '', ''}
end
local balance = tonumber(redis.call('HGET', KEYS[1], 'balance'))
local delta = tonumber(ARGV[1])
if balance + delta < 0 then
  return {-1, balance, '', ''}
end
if ARGV[3] ~= '' then
  local last = redis.call('HGET', KEYS[1], 'last_scan_at')
  if last and tonumber(last) > tonumber(ARGV[3]) then
    return {-1, balance, '', ''}
  end
end
local updated = redis.call('HINCRBY', KEYS[1], 'balance', ARGV[1])
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[1], 'last_scan_at', ARGV[2])
end
if ARGV[4] ~= '' then
  redis.call('HSET', KEYS[2], ARGV[4], ARGV[5])
end
return {1, updated, redis.call('HGET', KEYS[1], 'last_scan_at') or '', redis.call('HGET', KEYS[1], 'created_at')}
`)

var createTokenScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'kind', ARGV[2], 'created_at', ARGV[3])
if ARGV[4] ~= '' then
  redis.call('HSET', KEYS[1], 'issuer_account_id', ARGV[4])
end
if ARGV[5] ~= '' then
  redis.call('HSET', KEYS[1], 'used_at', ARGV[5])
end
for i = 6, #ARGV do
  redis.call('SADD', KEYS[2], ARGV[i])
end
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
if #KEYS >= 4 then
  redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
end
return 1
`)

var claimTokenScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('SCARD', KEYS[2]) > 0 then
  return -1
end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'used_at', ARGV[2], 'claim_id', ARGV[3])
return 1
`)

type Store struct {
	client *redis.Client
	prefix string
}

func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) accountKey(id string) string  { return s.prefix + ":account:" + id }
func (s *Store) accountsKey() string          { return s.prefix + ":accounts" }
func (s *Store) vouchersKey(id string) string { return s.prefix + ":account:" + id + ":vouchers" }
func (s *Store) tokenKey(id string) string    { return s.prefix + ":token:" + id }
func (s *Store) usedByKey(id string) string   { return s.prefix + ":token:" + id + ":used_by" }
func (s *Store) tokensKey() string            { return s.prefix + ":tokens" }
func (s *Store) refsKey() string              { return s.prefix + ":ledger:refs" }

func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	fields, err := s.client.HGetAll(ctx, s.accountKey(id)).Result()
	if err != nil {
		return nil, classify(err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return decodeAccount(fields)
}

func (s *Store) CreateAccount(ctx context.Context, acc *model.Account) (*model.Account, bool, error) {
	created, err := createAccountScript.Run(ctx, s.client,
		[]string{s.accountKey(acc.ID), s.accountsKey()},
		acc.ID, acc.Balance, encodeTime(acc.CreatedAt), encodeOptionalTime(acc.LastScanAt),
	).Int()
	if err != nil {
		return nil, false, classify(err)
	}

	stored, err := s.GetAccount(ctx, acc.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, created == 1, nil
}

func (s *Store) AdjustBalance(ctx context.Context, adj store.Adjustment) (*model.Account, error) {
	res, err := adjustScript.Run(ctx, s.client,
		[]string{s.accountKey(adj.AccountID), s.refsKey()},
		adj.Delta, encodeOptionalTime(adj.ScanAt), encodeOptionalTime(adj.NotAfter), adj.Ref, adj.AccountID,
	).Slice()
	if err != nil {
		return nil, classify(err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("adjust balance: unexpected reply length %d", len(res))
	}

	switch res[0].(int64) {
	case 0:
		return nil, store.ErrNotFound
	case -1:
		return nil, store.ErrPreconditionFailed
	case -2:
		return nil, store.ErrAlreadyApplied
	}

	fields := map[string]string{
		"id":         adj.AccountID,
		"balance":    strconv.FormatInt(res[1].(int64), 10),
		"created_at": fmt.Sprint(res[3]),
	}
	if last := fmt.Sprint(res[2]); last != "" {
		fields["last_scan_at"] = last
	}
	return decodeAccount(fields)
}

func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	ids, err := s.client.SMembers(ctx, s.accountsKey()).Result()
	if err != nil {
		return nil, classify(err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.accountKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, classify(err)
		}
	}

	accounts := make([]model.Account, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		acc, err := decodeAccount(fields)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].ID < accounts[j].ID
		}
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})
	return accounts, nil
}

func (s *Store) CreateToken(ctx context.Context, tok *model.Token) error {
	keys := []string{s.tokenKey(tok.ID), s.usedByKey(tok.ID), s.tokensKey()}
	if tok.Kind == model.KindVoucher && tok.IssuerAccountID != nil {
		keys = append(keys, s.vouchersKey(*tok.IssuerAccountID))
	}
	args := []interface{}{tok.ID, string(tok.Kind), encodeTime(tok.CreatedAt), tok.Issuer(), encodeOptionalTime(tok.UsedAt)}
	for _, id := range tok.UsedBy {
		args = append(args, id)
	}

	created, err := createTokenScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return classify(err)
	}
	if created == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, id string) (*model.Token, error) {
	pipe := s.client.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, s.tokenKey(id))
	usedByCmd := pipe.SMembers(ctx, s.usedByKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, classify(err)
	}
	if len(fieldsCmd.Val()) == 0 {
		return nil, store.ErrNotFound
	}
	return decodeToken(fieldsCmd.Val(), usedByCmd.Val())
}

func (s *Store) ClaimToken(ctx context.Context, id, accountID, claimID string, at time.Time) (*model.Token, error) {
	status, err := claimTokenScript.Run(ctx, s.client,
		[]string{s.tokenKey(id), s.usedByKey(id)},
		accountID, encodeTime(at), claimID,
	).Int()
	if err != nil {
		return nil, classify(err)
	}

	switch status {
	case 0:
		return nil, store.ErrNotFound
	case -1:
		return nil, store.ErrPreconditionFailed
	}
	return s.GetToken(ctx, id)
}

func (s *Store) ListTokens(ctx context.Context) ([]model.Token, error) {
	ids, err := s.client.ZRevRange(ctx, s.tokensKey(), 0, -1).Result()
	if err != nil {
		return nil, classify(err)
	}
	return s.getTokens(ctx, ids)
}

func (s *Store) ListVouchers(ctx context.Context, issuerAccountID string) ([]model.VoucherSummary, error) {
	ids, err := s.client.ZRange(ctx, s.vouchersKey(issuerAccountID), 0, -1).Result()
	if err != nil {
		return nil, classify(err)
	}
	tokens, err := s.getTokens(ctx, ids)
	if err != nil {
		return nil, err
	}

	vouchers := make([]model.VoucherSummary, 0, len(tokens))
	for _, tok := range tokens {
		vouchers = append(vouchers, model.VoucherSummary{ID: tok.ID, CreatedAt: tok.CreatedAt, Used: tok.Used()})
	}
	return vouchers, nil
}

func (s *Store) getTokens(ctx context.Context, ids []string) ([]model.Token, error) {
	if len(ids) == 0 {
		return []model.Token{}, nil
	}

	pipe := s.client.Pipeline()
	fieldCmds := make([]*redis.MapStringStringCmd, len(ids))
	usedByCmds := make([]*redis.StringSliceCmd, len(ids))
	for i, id := range ids {
		fieldCmds[i] = pipe.HGetAll(ctx, s.tokenKey(id))
		usedByCmds[i] = pipe.SMembers(ctx, s.usedByKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, classify(err)
	}

	tokens := make([]model.Token, 0, len(ids))
	for i := range ids {
		if len(fieldCmds[i].Val()) == 0 {
			continue
		}
		tok, err := decodeToken(fieldCmds[i].Val(), usedByCmds[i].Val())
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *tok)
	}
	return tokens, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func decodeAccount(fields map[string]string) (*model.Account, error) {
	balance, err := strconv.ParseInt(fields["balance"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode account %s balance: %w", fields["id"], err)
	}
	createdAt, err := decodeTime(fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("decode account %s created_at: %w", fields["id"], err)
	}

	acc := &model.Account{ID: fields["id"], Balance: balance, CreatedAt: createdAt}
	if raw, ok := fields["last_scan_at"]; ok {
		last, err := decodeTime(raw)
		if err != nil {
			return nil, fmt.Errorf("decode account %s last_scan_at: %w", fields["id"], err)
		}
		acc.LastScanAt = &last
	}
	return acc, nil
}

func decodeToken(fields map[string]string, usedBy []string) (*model.Token, error) {
	createdAt, err := decodeTime(fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("decode token %s created_at: %w", fields["id"], err)
	}

	sort.Strings(usedBy)
	tok := &model.Token{
		ID:        fields["id"],
		Kind:      model.TokenKind(fields["kind"]),
		CreatedAt: createdAt,
		UsedBy:    append([]string{}, usedBy...),
		ClaimID:   fields["claim_id"],
	}
	if raw, ok := fields["used_at"]; ok {
		usedAt, err := decodeTime(raw)
		if err != nil {
			return nil, fmt.Errorf("decode token %s used_at: %w", fields["id"], err)
		}
		tok.UsedAt = &usedAt
	}
	if issuer, ok := fields["issuer_account_id"]; ok {
		tok.IssuerAccountID = &issuer
	}
	return tok, nil
}

// Timestamps are stored as unix milliseconds.
func encodeTime(t time.Time) int64 {
	return t.UnixMilli()
}

func encodeOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func decodeTime(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

var transientReplies = []string{"LOADING", "READONLY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN", "BUSY"}

// classify maps client errors onto store errors. Server replies such as
// script errors are returned as is; network failures are retryable.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return store.ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}

	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		msg := replyErr.Error()
		for _, prefix := range transientReplies {
			if strings.HasPrefix(msg, prefix) {
				return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
			}
		}
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
