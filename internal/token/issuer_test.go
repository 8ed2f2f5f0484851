package token

import (
	"context"
	"fmt"
	"testing"

	"github.com/Rofiq02bae/coffeepoint/internal/model"
	"github.com/Rofiq02bae/coffeepoint/internal/store"
	"github.com/Rofiq02bae/coffeepoint/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	takenID = "11111111-1111-4111-8111-111111111111"
	freeID  = "22222222-2222-4222-8222-222222222222"
)

func sequence(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func TestIssuer_CreateToken(t *testing.T) {
	issuer := NewIssuer(memory.New(), fastRetry())
	account := deviceA

	scan, err := issuer.CreateToken(context.Background(), model.KindScan, &account, t0)
	require.NoError(t, err)
	assert.Equal(t, model.KindScan, scan.Kind)
	assert.Nil(t, scan.IssuerAccountID, "scan tokens are shop-issued")
	assert.False(t, scan.Used())

	voucher, err := issuer.CreateToken(context.Background(), model.KindVoucher, &account, t0)
	require.NoError(t, err)
	assert.Equal(t, deviceA, voucher.Issuer())
	assert.NotEqual(t, scan.ID, voucher.ID)
}

func TestIssuer_RejectsInvalidRequests(t *testing.T) {
	issuer := NewIssuer(memory.New(), fastRetry())

	_, err := issuer.CreateToken(context.Background(), model.TokenKind("coupon"), nil, t0)
	assert.ErrorIs(t, err, ErrInvalidKind)

	_, err = issuer.CreateToken(context.Background(), model.KindVoucher, nil, t0)
	assert.ErrorIs(t, err, ErrIssuerRequired)
}

func TestIssuer_RegeneratesOnCollision(t *testing.T) {
	repo := memory.New()
	require.NoError(t, repo.CreateToken(context.Background(), &model.Token{ID: takenID, Kind: model.KindScan, CreatedAt: t0, UsedBy: []string{}}))

	issuer := NewIssuer(repo, fastRetry())
	issuer.newID = sequence(takenID, freeID)

	tok, err := issuer.CreateToken(context.Background(), model.KindScan, nil, t0)
	require.NoError(t, err)
	assert.Equal(t, freeID, tok.ID)
}

func TestIssuer_GivesUpAfterRepeatedCollisions(t *testing.T) {
	repo := memory.New()
	require.NoError(t, repo.CreateToken(context.Background(), &model.Token{ID: takenID, Kind: model.KindScan, CreatedAt: t0, UsedBy: []string{}}))

	issuer := NewIssuer(repo, fastRetry())
	issuer.newID = sequence(takenID)

	_, err := issuer.CreateToken(context.Background(), model.KindScan, nil, t0)
	assert.ErrorIs(t, err, ErrIDExhausted)
}

func TestIssuer_RecognisesOwnWriteAfterLostReply(t *testing.T) {
	mem := memory.New()
	repo := &lostReplyRepo{Store: mem, lostCreates: 1}
	issuer := NewIssuer(repo, fastRetry())
	issuer.newID = sequence(freeID)

	tok, err := issuer.CreateToken(context.Background(), model.KindScan, nil, t0)
	require.NoError(t, err)
	assert.Equal(t, freeID, tok.ID)

	tokens, err := mem.ListTokens(context.Background())
	require.NoError(t, err)
	assert.Len(t, tokens, 1)
}

// downRepo rejects every token write.
type downRepo struct {
	*memory.Store
}

func (r *downRepo) CreateToken(context.Context, *model.Token) error {
	return fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}

func TestIssuer_ReportsAttemptedTokenOnFailure(t *testing.T) {
	issuer := NewIssuer(&downRepo{Store: memory.New()}, fastRetry())
	issuer.newID = sequence(freeID)
	account := deviceA

	tok, err := issuer.CreateToken(context.Background(), model.KindVoucher, &account, t0)
	require.ErrorIs(t, err, store.ErrUnavailable)
	require.NotNil(t, tok)
	assert.Equal(t, freeID, tok.ID)
	assert.Equal(t, deviceA, tok.Issuer())
}
