package token

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/ledger"
	"github.com/Rofiq02bae/coffeepoint/internal/logger"
	"github.com/Rofiq02bae/coffeepoint/internal/model"
	"github.com/Rofiq02bae/coffeepoint/internal/reconcile"
	"github.com/Rofiq02bae/coffeepoint/internal/retry"
	"github.com/Rofiq02bae/coffeepoint/internal/store"
	"github.com/Rofiq02bae/coffeepoint/internal/store/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	deviceA = "0b8e2f3a-5c1d-4e7f-8a9b-0c1d2e3f4a5b"
	deviceB = "7d6c5b4a-3f2e-4d1c-9b0a-8f7e6d5c4b3a"
)

var t0 = time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	logger.Init()

	code := m.Run()
	os.Exit(code)
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) ResolveAccount(ctx context.Context, id string, now time.Time) (*model.Account, error) {
	args := m.Called(ctx, id, now)
	if acc := args.Get(0); acc != nil {
		return acc.(*model.Account), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLedger) CheckThrottle(ctx context.Context, id string, now time.Time) error {
	args := m.Called(ctx, id, now)
	return args.Error(0)
}

func (m *MockLedger) CreditScan(ctx context.Context, id, tokenID string, amount int64, now time.Time) (*model.Account, error) {
	args := m.Called(ctx, id, tokenID, amount, now)
	if acc := args.Get(0); acc != nil {
		return acc.(*model.Account), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) Enqueue(ctx context.Context, job reconcile.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

// lostReplyRepo applies writes but reports the first n of them as failed.
type lostReplyRepo struct {
	*memory.Store
	lostClaims  int
	lostCreates int
}

func (r *lostReplyRepo) ClaimToken(ctx context.Context, id, accountID, claimID string, at time.Time) (*model.Token, error) {
	tok, err := r.Store.ClaimToken(ctx, id, accountID, claimID, at)
	if err == nil && r.lostClaims > 0 {
		r.lostClaims--
		return nil, fmt.Errorf("%w: reply lost", store.ErrUnavailable)
	}
	return tok, err
}

func (r *lostReplyRepo) CreateToken(ctx context.Context, tok *model.Token) error {
	err := r.Store.CreateToken(ctx, tok)
	if err == nil && r.lostCreates > 0 {
		r.lostCreates--
		return fmt.Errorf("%w: reply lost", store.ErrUnavailable)
	}
	return err
}

// interleavedClaimRepo fails the first claim without applying it and runs
// gap before returning.
type interleavedClaimRepo struct {
	*memory.Store
	gap  func()
	done bool
}

func (r *interleavedClaimRepo) ClaimToken(ctx context.Context, id, accountID, claimID string, at time.Time) (*model.Token, error) {
	if !r.done {
		r.done = true
		r.gap()
		return nil, fmt.Errorf("%w: connection reset", store.ErrUnavailable)
	}
	return r.Store.ClaimToken(ctx, id, accountID, claimID, at)
}

// lostCreditRepo applies balance changes but reports positive ones as failed.
type lostCreditRepo struct {
	*memory.Store
}

func (r *lostCreditRepo) AdjustBalance(ctx context.Context, adj store.Adjustment) (*model.Account, error) {
	acc, err := r.Store.AdjustBalance(ctx, adj)
	if err == nil && adj.Delta > 0 {
		return nil, fmt.Errorf("%w: reply lost", store.ErrUnavailable)
	}
	return acc, err
}

type testEnv struct {
	engine Engine
	ledger ledger.Service
	repo   *memory.Store
	issuer *Issuer
}

func newTestEnv(t *testing.T, policy ledger.Policy) *testEnv {
	t.Helper()
	repo := memory.New()
	return newTestEnvWithRepo(t, repo, repo, policy)
}

func newTestEnvWithRepo(t *testing.T, mem *memory.Store, repo Repository, policy ledger.Policy) *testEnv {
	t.Helper()
	issuer := NewIssuer(repo, fastRetry())
	led := ledger.NewService(mem, issuer, nil, policy, fastRetry())
	eng := NewEngine(repo, issuer, led, nil, Config{
		PointsPerScan: policy.PointsPerScan,
		PublicBaseURL: "https://coffee.example.com/app/",
		Retry:         fastRetry(),
	})
	return &testEnv{engine: eng, ledger: led, repo: mem, issuer: issuer}
}

func (e *testEnv) scanToken(t *testing.T) *model.Token {
	t.Helper()
	tok, err := e.engine.CreateToken(context.Background(), model.KindScan, nil, t0)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) balance(t *testing.T, id string) int64 {
	t.Helper()
	acc, err := e.repo.GetAccount(context.Background(), id)
	if err != nil {
		require.ErrorIs(t, err, store.ErrNotFound)
		return 0
	}
	return acc.Balance
}

func TestRedeem_ScanCreditsPoints(t *testing.T) {
	env := newTestEnv(t, ledger.DefaultPolicy())
	tok := env.scanToken(t)

	result, err := env.engine.Redeem(context.Background(), tok.ID, deviceA, t0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, result.Outcome)
	assert.Equal(t, int64(1), result.PointsAwarded)
	require.NotNil(t, result.Balance)
	assert.Equal(t, int64(1), *result.Balance)

	stored, err := env.repo.GetToken(context.Background(), tok.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{deviceA}, stored.UsedBy)
	require.NotNil(t, stored.UsedAt)
	assert.Equal(t, t0, *stored.UsedAt)
}

func TestRedeem_SameAccountTwice(t *testing.T) {
	env := newTestEnv(t, ledger.DefaultPolicy())
	tok := env.scanToken(t)

	_, err := env.engine.Redeem(context.Background(), tok.ID, deviceA, t0)
	require.NoError(t, err)

	_, err = env.engine.Redeem(context.Background(), tok.ID, deviceA, t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrAlreadyUsedBySelf)
	assert.Equal(t, int64(1), env.balance(t, deviceA))
}

func TestRedeem_OtherAccountAfterUse(t *testing.T) {
	env := newTestEnv(t, ledger.DefaultPolicy())
	tok := env.scanToken(t)

	_, err := env.engine.Redeem(context.Background(), tok.ID, deviceA, t0)
	require.NoError(t, err)

	_, err = env.engine.Redeem(context.Background(), tok.ID, deviceB, t0)
	assert.ErrorIs(t, err, ErrAlreadyUsedByOther)
	assert.Equal(t, int64(0), env.balance(t, deviceB))
}

func TestRedeem_ConcurrentRedeemersSingleWinner(t *testing.T) {
	env := newTestEnv(t, ledger.DefaultPolicy())
	tok := env.scanToken(t)

	const n = 24
	accounts := make([]string, n)
	for i := range accounts {
		accounts[i] = uuid.NewString()
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, others := 0, 0
	for _, id := range accounts {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := env.engine.Redeem(context.Background(), tok.ID, id, t0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case assert.ErrorIs(t, err, ErrAlreadyUsedByOther):
				others++
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, others)

	var total int64
	for _, id := range accounts {
		total += env.balance(t, id)
	}
	assert.Equal(t, int64(1), total)

	stored, err := env.repo.GetToken(context.Background(), tok.ID)
	require.NoError(t, err)
	assert.Len(t, stored.UsedBy, 1)
}

func TestRedeem_TwoDeviceRaceCreditsOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		env := newTestEnv(t, ledger.DefaultPolicy())
		tok := env.scanToken(t)

		var wg sync.WaitGroup
		for _, id := range []string{deviceA, deviceB} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, _ = env.engine.Redeem(context.Background(), tok.ID, id, t0)
			}(id)
		}
		wg.Wait()

		assert.Equal(t, int64(1), env.balance(t, deviceA)+env.balance(t, deviceB))
	}
}

func TestRedeem_ThrottledScanLeavesTokenUnused(t *testing.T) {
	env := newTestEnv(t, ledger.Policy{PointsPerScan: 1, VoucherThreshold: 5, MinScanInterval: 6 * time.Hour})
	first := env.scanToken(t)
	second := env.scanToken(t)

	_, err := env.engine.Redeem(context.Background(), first.ID, deviceA, t0)
	require.NoError(t, err)

	_, err = env.engine.Redeem(context.Background(), second.ID, deviceA, t0.Add(2*time.Hour))
	var throttled *ledger.ThrottledError
	require.ErrorAs(t, err, &throttled)
	assert.Equal(t, 4*time.Hour, throttled.Remaining)

	stored, err := env.repo.GetToken(context.Background(), second.ID)
	require.NoError(t, err)
	assert.False(t, stored.Used())

	result, err := env.engine.Redeem(context.Background(), second.ID, deviceA, t0.Add(6*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), *result.Balance)
}

func TestRedeem_VoucherFulfilled(t *testing.T) {
	env := newTestEnv(t, ledger.DefaultPolicy())
	ctx := context.Background()

	_, err := env.ledger.CreditPoints(ctx, deviceA, 5, t0)
	require.NoError(t, err)
	minted, err := env.ledger.MintVoucher(ctx, deviceA, t0)
	require.NoError(t, err)

	result, err := env.engine.Redeem(ctx, minted.Voucher.ID, deviceA, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFulfilled, result.Outcome)
	assert.Equal(t, int64(0), result.PointsAwarded)
	assert.Nil(t, result.Balance)
	assert.Equal(t, int64(0), env.balance(t, deviceA))

	vouchers, err := env.ledger.Vouchers(ctx, deviceA)
	require.NoError(t, err)
	require.Len(t, vouchers, 1)
	assert.True(t, vouchers[0].Used)

	_, err = env.engine.Redeem(ctx, minted.Voucher.ID, deviceA, t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrAlreadyUsedBySelf)
}

func TestRedeem_UnknownToken(t *testing.T) {
	env := newTestEnv(t, ledger.DefaultPolicy())

	_, err := env.engine.Redeem(context.Background(), "not-a-token", deviceA, t0)
	assert.ErrorIs(t, err, ErrTokenNotFound)

	_, err = env.engine.Redeem(context.Background(), uuid.NewString(), deviceA, t0)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestRedeem_LostClaimReplyStillCredits(t *testing.T) {
	mem := memory.New()
	repo := &lostReplyRepo{Store: mem, lostClaims: 1}
	env := newTestEnvWithRepo(t, mem, repo, ledger.DefaultPolicy())
	tok := env.scanToken(t)

	result, err := env.engine.Redeem(context.Background(), tok.ID, deviceA, t0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, result.Outcome)
	assert.Equal(t, int64(1), env.balance(t, deviceA))
}

func TestRedeem_SameAccountClaimDuringRetryIsNotOwnWin(t *testing.T) {
	mem := memory.New()
	repo := &interleavedClaimRepo{Store: mem}
	env := newTestEnvWithRepo(t, mem, repo, ledger.DefaultPolicy())
	tok := env.scanToken(t)

	var nested *RedemptionResult
	repo.gap = func() {
		var err error
		nested, err = env.engine.Redeem(context.Background(), tok.ID, deviceA, t0)
		require.NoError(t, err)
	}

	_, err := env.engine.Redeem(context.Background(), tok.ID, deviceA, t0)
	assert.ErrorIs(t, err, ErrAlreadyUsedBySelf)
	require.NotNil(t, nested)
	assert.Equal(t, OutcomeCredited, nested.Outcome)
	assert.Equal(t, int64(1), env.balance(t, deviceA), "one claim, one credit")
}

func TestRedeem_LostCreditReplyIsNotCreditedTwice(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	issuer := NewIssuer(mem, fastRetry())
	led := ledger.NewService(&lostCreditRepo{Store: mem}, issuer, nil, ledger.DefaultPolicy(), fastRetry())

	var queued reconcile.Job
	queue := new(MockQueue)
	queue.On("Enqueue", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		queued = args.Get(1).(reconcile.Job)
	}).Return(nil).Once()

	eng := NewEngine(mem, issuer, led, queue, Config{PointsPerScan: 1, Retry: fastRetry()})
	tok, err := eng.CreateToken(ctx, model.KindScan, nil, t0)
	require.NoError(t, err)

	result, err := eng.Redeem(ctx, tok.ID, deviceA, t0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreditQueued, result.Outcome)
	queue.AssertExpectations(t)

	// The worker replays the queued credit against a healthy store.
	worker := ledger.NewService(mem, issuer, nil, ledger.DefaultPolicy(), fastRetry())
	_, err = worker.Compensate(ctx, queued)
	assert.ErrorIs(t, err, reconcile.ErrNotOwed)

	acc, err := mem.GetAccount(ctx, deviceA)
	require.NoError(t, err)
	assert.Equal(t, int64(1), acc.Balance)
}

func TestRedeem_CreditFailureIsQueued(t *testing.T) {
	repo := memory.New()
	issuer := NewIssuer(repo, fastRetry())
	tok, err := issuer.CreateToken(context.Background(), model.KindScan, nil, t0)
	require.NoError(t, err)

	led := new(MockLedger)
	led.On("ResolveAccount", mock.Anything, deviceA, t0).Return(model.NewAccount(deviceA, t0), nil)
	led.On("CheckThrottle", mock.Anything, deviceA, t0).Return(nil)
	led.On("CreditScan", mock.Anything, deviceA, tok.ID, int64(1), t0).
		Return(nil, fmt.Errorf("%w: connection refused", store.ErrUnavailable))

	queue := new(MockQueue)
	queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(job reconcile.Job) bool {
		return job.AccountID == deviceA && job.Points == 1 && job.Reason == "scan_credit_failed" && job.Ref == ledger.ScanRef(tok.ID)
	})).Return(nil).Once()

	eng := NewEngine(repo, issuer, led, queue, Config{PointsPerScan: 1, Retry: fastRetry()})
	result, err := eng.Redeem(context.Background(), tok.ID, deviceA, t0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreditQueued, result.Outcome)
	assert.Nil(t, result.Balance)

	stored, err := repo.GetToken(context.Background(), tok.ID)
	require.NoError(t, err)
	assert.True(t, stored.UsedByAccount(deviceA))

	led.AssertExpectations(t)
	queue.AssertExpectations(t)
}

func TestRedeem_CreditFailureWithoutQueue(t *testing.T) {
	repo := memory.New()
	issuer := NewIssuer(repo, fastRetry())
	tok, err := issuer.CreateToken(context.Background(), model.KindScan, nil, t0)
	require.NoError(t, err)

	led := new(MockLedger)
	led.On("ResolveAccount", mock.Anything, deviceA, t0).Return(model.NewAccount(deviceA, t0), nil)
	led.On("CheckThrottle", mock.Anything, deviceA, t0).Return(nil)
	led.On("CreditScan", mock.Anything, deviceA, tok.ID, int64(1), t0).
		Return(nil, fmt.Errorf("%w: connection refused", store.ErrUnavailable))

	eng := NewEngine(repo, issuer, led, nil, Config{PointsPerScan: 1, Retry: fastRetry()})
	_, err = eng.Redeem(context.Background(), tok.ID, deviceA, t0)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestRedemptionURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{base: "https://coffee.example.com", want: "https://coffee.example.com/redeem?token=abc"},
		{base: "https://coffee.example.com/app/", want: "https://coffee.example.com/app/redeem?token=abc"},
		{base: "", want: "/redeem?token=abc"},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			eng := NewEngine(memory.New(), nil, nil, nil, Config{PublicBaseURL: tt.base})
			assert.Equal(t, tt.want, eng.RedemptionURL("abc"))
		})
	}
}

func TestList_NewestFirst(t *testing.T) {
	env := newTestEnv(t, ledger.DefaultPolicy())
	older, err := env.engine.CreateToken(context.Background(), model.KindScan, nil, t0)
	require.NoError(t, err)
	newer, err := env.engine.CreateToken(context.Background(), model.KindScan, nil, t0.Add(time.Minute))
	require.NoError(t, err)

	tokens, err := env.engine.List(context.Background())
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, newer.ID, tokens[0].ID)
	assert.Equal(t, older.ID, tokens[1].ID)
}
