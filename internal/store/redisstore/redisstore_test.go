package redisstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/model"
	"github.com/Rofiq02bae/coffeepoint/internal/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "test"), mr
}

func TestCreateAccount_IfAbsent(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	acc, created, err := s.CreateAccount(ctx, model.NewAccount("dev-1", t0))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, t0, acc.CreatedAt)
	assert.Nil(t, acc.LastScanAt)
	assert.Equal(t, "0", mr.HGet("test:account:dev-1", "balance"))

	_, err = s.AdjustBalance(ctx, store.Adjustment{AccountID: "dev-1", Delta: 2})
	require.NoError(t, err)

	again, created, err := s.CreateAccount(ctx, model.NewAccount("dev-1", t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(2), again.Balance)
	assert.Equal(t, t0, again.CreatedAt)
}

func TestGetAccount_NotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.GetAccount(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdjustBalance(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.CreateAccount(ctx, model.NewAccount("dev-1", t0))
	require.NoError(t, err)

	_, err = s.AdjustBalance(ctx, store.Adjustment{AccountID: "ghost", Delta: 1})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.AdjustBalance(ctx, store.Adjustment{AccountID: "dev-1", Delta: -1})
	assert.ErrorIs(t, err, store.ErrPreconditionFailed)

	scan := t0
	acc, err := s.AdjustBalance(ctx, store.Adjustment{AccountID: "dev-1", Delta: 5, ScanAt: &scan})
	require.NoError(t, err)
	assert.Equal(t, int64(5), acc.Balance)
	require.NotNil(t, acc.LastScanAt)
	assert.Equal(t, t0, *acc.LastScanAt)

	cutoff := t0.Add(-time.Hour)
	_, err = s.AdjustBalance(ctx, store.Adjustment{AccountID: "dev-1", Delta: 1, NotAfter: &cutoff})
	assert.ErrorIs(t, err, store.ErrPreconditionFailed)

	acc, err = s.AdjustBalance(ctx, store.Adjustment{AccountID: "dev-1", Delta: -5})
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.Balance)
	require.NotNil(t, acc.LastScanAt, "debit keeps the last scan time")
}

func TestAdjustBalance_RefAppliesOnce(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.CreateAccount(ctx, model.NewAccount("dev-1", t0))
	require.NoError(t, err)

	acc, err := s.AdjustBalance(ctx, store.Adjustment{AccountID: "dev-1", Delta: 2, Ref: "scan:tok-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), acc.Balance)
	assert.Equal(t, "dev-1", mr.HGet("test:ledger:refs", "scan:tok-1"))

	_, err = s.AdjustBalance(ctx, store.Adjustment{AccountID: "dev-1", Delta: 2, Ref: "scan:tok-1"})
	assert.ErrorIs(t, err, store.ErrAlreadyApplied)
	assert.Equal(t, "2", mr.HGet("test:account:dev-1", "balance"))

	_, err = s.AdjustBalance(ctx, store.Adjustment{AccountID: "dev-1", Delta: -5, Ref: "mint:v-1"})
	assert.ErrorIs(t, err, store.ErrPreconditionFailed)
	assert.Empty(t, mr.HGet("test:ledger:refs", "mint:v-1"), "a rejected adjustment keeps its ref free")
}

func TestListAccounts_SortedByCreation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.CreateAccount(ctx, model.NewAccount("b", t0.Add(time.Minute)))
	require.NoError(t, err)
	_, _, err = s.CreateAccount(ctx, model.NewAccount("a", t0))
	require.NoError(t, err)

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "a", accounts[0].ID)
	assert.Equal(t, "b", accounts[1].ID)
}

func TestCreateToken_Collision(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	tok := &model.Token{ID: "tok-1", Kind: model.KindScan, CreatedAt: t0}

	require.NoError(t, s.CreateToken(ctx, tok))
	assert.ErrorIs(t, s.CreateToken(ctx, tok), store.ErrAlreadyExists)

	got, err := s.GetToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, model.KindScan, got.Kind)
	assert.Empty(t, got.UsedBy)
	assert.Nil(t, got.UsedAt)
}

func TestClaimToken_SingleWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateToken(ctx, &model.Token{ID: "tok-1", Kind: model.KindScan, CreatedAt: t0}))

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ClaimToken(ctx, "tok-1", fmt.Sprintf("dev-%d", i), fmt.Sprintf("claim-%d", i), t0)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, store.ErrPreconditionFailed)
	}
	assert.Equal(t, 1, wins)

	tok, err := s.GetToken(ctx, "tok-1")
	require.NoError(t, err)
	require.Len(t, tok.UsedBy, 1)
	require.NotNil(t, tok.UsedAt)
	assert.Equal(t, t0, *tok.UsedAt)
	assert.Equal(t, "claim-"+strings.TrimPrefix(tok.UsedBy[0], "dev-"), tok.ClaimID)
}

func TestClaimToken_Missing(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.ClaimToken(context.Background(), "ghost", "dev-1", "claim-1", t0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListVouchers_ProjectsUsage(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	issuer := "dev-1"

	require.NoError(t, s.CreateToken(ctx, &model.Token{ID: "v-2", Kind: model.KindVoucher, CreatedAt: t0.Add(time.Minute), IssuerAccountID: &issuer}))
	require.NoError(t, s.CreateToken(ctx, &model.Token{ID: "v-1", Kind: model.KindVoucher, CreatedAt: t0, IssuerAccountID: &issuer}))
	require.NoError(t, s.CreateToken(ctx, &model.Token{ID: "s-1", Kind: model.KindScan, CreatedAt: t0}))

	_, err := s.ClaimToken(ctx, "v-1", "barista", "claim-1", t0.Add(time.Hour))
	require.NoError(t, err)

	vouchers, err := s.ListVouchers(ctx, issuer)
	require.NoError(t, err)
	require.Len(t, vouchers, 2)
	assert.Equal(t, "v-1", vouchers[0].ID)
	assert.True(t, vouchers[0].Used)
	assert.Equal(t, "v-2", vouchers[1].ID)
	assert.False(t, vouchers[1].Used)

	tokens, err := s.ListTokens(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 3)
	assert.Equal(t, "v-2", tokens[0].ID, "newest first")
}

func TestUnavailableServerIsRetryable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.GetAccount(context.Background(), "dev-1")
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Error(t, s.Ping(context.Background()))
}
