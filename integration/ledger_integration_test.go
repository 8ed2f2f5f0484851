package integration_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rofiq02bae/coffeepoint/internal/bootstrap"
	"github.com/Rofiq02bae/coffeepoint/internal/config"
	"github.com/Rofiq02bae/coffeepoint/internal/db"
	"github.com/Rofiq02bae/coffeepoint/internal/ledger"
	"github.com/Rofiq02bae/coffeepoint/internal/logger"
	"github.com/Rofiq02bae/coffeepoint/internal/model"
	"github.com/Rofiq02bae/coffeepoint/internal/store/postgres"
	"github.com/Rofiq02bae/coffeepoint/internal/token"
)

var devices = []string{
	"0f1e2d3c-4b5a-4968-8776-a5b4c3d2e1f0",
	"1a2b3c4d-5e6f-4a7b-8c9d-0e1f2a3b4c5d",
	"2b3c4d5e-6f7a-4b8c-9d0e-1f2a3b4c5d6e",
	"3c4d5e6f-7a8b-4c9d-8e0f-2a3b4c5d6e7f",
	"4d5e6f7a-8b9c-4d0e-9f1a-3b4c5d6e7f8a",
	"5e6f7a8b-9c0d-4e1f-8a2b-4c5d6e7f8a9b",
	"6f7a8b9c-0d1e-4f2a-9b3c-5d6e7f8a9b0c",
	"7a8b9c0d-1e2f-4a3b-8c4d-6e7f8a9b0c1d",
}

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

func setupTestDB(t *testing.T) *sqlx.DB {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	dsn := os.Getenv("TEST_DSN")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		t.Skip("Skipping integration tests: TEST_DSN or DATABASE_URL not set")
	}

	database, err := db.Connect(dsn)
	if err != nil {
		t.Skipf("Skipping integration tests: cannot connect to test database: %v", err)
	}
	require.NoError(t, db.RunMigrations(database, "../migrations"))

	_, err = database.Exec("TRUNCATE ledger_entries, tokens, accounts")
	require.NoError(t, err, "Failed to clean ledger tables")

	t.Cleanup(func() { database.Close() })
	return database
}

func newApp(t *testing.T, database *sqlx.DB) *bootstrap.App {
	cfg := &config.Config{
		StoreBackend:     config.BackendPostgres,
		PublicBaseURL:    "https://coffee.example.com",
		PointsPerScan:    1,
		VoucherThreshold: 3,
	}
	return bootstrap.New(cfg, postgres.New(database), nil)
}

func TestMigrationVersion_Integration(t *testing.T) {
	database := setupTestDB(t)

	version, dirty, err := db.MigrationVersion(database, "../migrations")
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
}

func TestConcurrentScanRedeem_Integration(t *testing.T) {
	database := setupTestDB(t)
	app := newApp(t, database)
	ctx := context.Background()
	now := time.Now()

	tok, err := app.Engine.CreateToken(ctx, model.KindScan, nil, now)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	for _, device := range devices {
		wg.Add(1)
		go func(device string) {
			defer wg.Done()
			res, err := app.Engine.Redeem(ctx, tok.ID, device, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				assert.Equal(t, token.OutcomeCredited, res.Outcome)
				winners = append(winners, device)
			case errors.Is(err, token.ErrAlreadyUsedByOther):
				losers++
			default:
				t.Errorf("unexpected redeem error for %s: %v", device, err)
			}
		}(device)
	}
	wg.Wait()

	require.Len(t, winners, 1, "exactly one device must win the token")
	assert.Equal(t, len(devices)-1, losers)

	stored, err := app.Engine.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{winners[0]}, stored.UsedBy)

	view, err := app.Ledger.Account(ctx, winners[0], now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.Balance)

	stats, err := app.Reports.Stats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ScanTokensUsed)
	assert.Zero(t, stats.ConsistencyViolations)
}

func TestRedeemRetryIsIdempotent_Integration(t *testing.T) {
	database := setupTestDB(t)
	app := newApp(t, database)
	ctx := context.Background()
	now := time.Now()

	tok, err := app.Engine.CreateToken(ctx, model.KindScan, nil, now)
	require.NoError(t, err)

	_, err = app.Engine.Redeem(ctx, tok.ID, devices[0], now)
	require.NoError(t, err)

	_, err = app.Engine.Redeem(ctx, tok.ID, devices[0], now)
	assert.ErrorIs(t, err, token.ErrAlreadyUsedBySelf)

	view, err := app.Ledger.Account(ctx, devices[0], now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.Balance, "a repeated redeem must not credit twice")
}

func TestVoucherLifecycle_Integration(t *testing.T) {
	database := setupTestDB(t)
	app := newApp(t, database)
	ctx := context.Background()
	now := time.Now()
	holder := devices[1]

	_, err := app.Ledger.MintVoucher(ctx, holder, now)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	_, err = app.Ledger.CreditPoints(ctx, holder, 3, now)
	require.NoError(t, err)

	minted, err := app.Ledger.MintVoucher(ctx, holder, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), minted.Balance)
	assert.Equal(t, holder, minted.Voucher.Issuer())

	vouchers, err := app.Ledger.Vouchers(ctx, holder)
	require.NoError(t, err)
	require.Len(t, vouchers, 1)
	assert.Equal(t, minted.Voucher.ID, vouchers[0].ID)

	res, err := app.Engine.Redeem(ctx, minted.Voucher.ID, devices[2], now)
	require.NoError(t, err)
	assert.Equal(t, token.OutcomeFulfilled, res.Outcome)
	assert.Zero(t, res.PointsAwarded)

	view, err := app.Ledger.Account(ctx, devices[2], now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.Balance)
}

func TestConcurrentMint_Integration(t *testing.T) {
	database := setupTestDB(t)
	app := newApp(t, database)
	ctx := context.Background()
	now := time.Now()
	holder := devices[3]

	// Enough for exactly two vouchers.
	_, err := app.Ledger.CreditPoints(ctx, holder, 7, now)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		minted   int
		declined int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := app.Ledger.MintVoucher(ctx, holder, now)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ledger.ErrInsufficientBalance) {
				declined++
				return
			}
			if assert.NoError(t, err) {
				minted++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, minted)
	assert.Equal(t, 3, declined)

	view, err := app.Ledger.Account(ctx, holder, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.Balance)
}
