package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupNonceDB(t *testing.T) *GormNonceStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Nonce{}))
	return NewGormNonceStore(db)
}

func storedNonce(now time.Time, ttl time.Duration) *Nonce {
	token, _ := newToken()
	return &Nonce{
		ID:            uuid.New(),
		SubjectType:   SubjectAgent,
		SubjectID:     "agent-1",
		WalletAddress: "0x8ba1f109551bd432803012645ac136ddd64dba72",
		Token:         token,
		Operation:     OpStake,
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
	}
}

func TestGormNonceStoreRoundTrip(t *testing.T) {
	store := setupNonceDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	nonce := storedNonce(now, 5*time.Minute)
	require.NoError(t, store.Insert(ctx, nonce))

	found, err := store.Find(ctx, nonce.Token)
	require.NoError(t, err)
	require.Equal(t, nonce.ID, found.ID)
	require.True(t, found.Usable(now))

	_, err = store.Find(ctx, "missing-token")
	require.ErrorIs(t, err, ErrNonceNotFound)
}

func TestGormNonceStoreConsumeExactlyOnce(t *testing.T) {
	store := setupNonceDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	nonce := storedNonce(now, 5*time.Minute)
	require.NoError(t, store.Insert(ctx, nonce))

	require.NoError(t, store.Consume(ctx, nonce.Token, now))
	// The conditional update makes a second consume observe zero rows.
	require.ErrorIs(t, store.Consume(ctx, nonce.Token, now), ErrNonceNotFound)

	found, err := store.Find(ctx, nonce.Token)
	require.NoError(t, err)
	require.NotNil(t, found.ConsumedAt)
	require.False(t, found.Usable(now))
}

func TestGormNonceStoreConsumeExpired(t *testing.T) {
	store := setupNonceDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	nonce := storedNonce(now.Add(-10*time.Minute), 5*time.Minute)
	require.NoError(t, store.Insert(ctx, nonce))
	require.ErrorIs(t, store.Consume(ctx, nonce.Token, now), ErrNonceNotFound)
}

func TestGormNonceStorePruneExpired(t *testing.T) {
	store := setupNonceDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := storedNonce(now.Add(-time.Hour), 5*time.Minute)
	live := storedNonce(now, 5*time.Minute)
	require.NoError(t, store.Insert(ctx, expired))
	require.NoError(t, store.Insert(ctx, live))

	removed, err := store.PruneExpired(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	_, err = store.Find(ctx, expired.Token)
	require.ErrorIs(t, err, ErrNonceNotFound)
	_, err = store.Find(ctx, live.Token)
	require.NoError(t, err)
}

func TestAuthenticatorWithGormStore(t *testing.T) {
	store := setupNonceDB(t)
	a := NewAuthenticator(store, 0, nil)
	key, wallet := testKey(t)

	msg, sig := issueAndSign(t, a, key, wallet, "agent-1", OpUnstake)
	require.NoError(t, a.VerifyAndConsume(context.Background(), msg, sig, wallet))
	require.ErrorIs(t, a.VerifyAndConsume(context.Background(), msg, sig, wallet), ErrNonceNotFound)
}
