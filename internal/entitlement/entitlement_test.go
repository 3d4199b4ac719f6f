package entitlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"aigateway/internal/database"
	"aigateway/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteService(t *testing.T, limits Limits) (*Service, *SQLiteStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := NewSQLiteStore(repository.NewRateLimitRepository(db))
	return NewService(store, limits, 24*time.Hour), store
}

func TestAnonymousCapByIP(t *testing.T) {
	svc, _ := newSQLiteService(t, Limits{Anonymous: 2})
	ctx := context.Background()
	subj := IPSubject("10.0.0.1")

	for i := 0; i < 2; i++ {
		d, err := svc.Allow(ctx, subj)
		require.NoError(t, err)
		assert.Equal(t, int64(2-i-1), d.Remaining)
	}
	_, err := svc.Allow(ctx, subj)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	_, err = svc.Allow(ctx, IPSubject("10.0.0.2"))
	assert.NoError(t, err, "other addresses have their own window")
}

func TestPerUserTypeCaps(t *testing.T) {
	svc, _ := newSQLiteService(t, Limits{
		Anonymous:   1,
		PerUserType: map[string]int64{"regular": 1, "pro": 3},
	})
	ctx := context.Background()

	pro := UserSubject("u-pro", "pro")
	for i := 0; i < 3; i++ {
		_, err := svc.Allow(ctx, pro)
		require.NoError(t, err)
	}
	_, err := svc.Allow(ctx, pro)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	unknown := UserSubject("u-x", "enterprise")
	assert.Equal(t, int64(1), svc.LimitFor(unknown))
	_, err = svc.Allow(ctx, unknown)
	require.NoError(t, err)
	_, err = svc.Allow(ctx, unknown)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
}

func TestRollingWindow(t *testing.T) {
	svc, store := newSQLiteService(t, Limits{Anonymous: 1})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	subj := IPSubject("1.2.3.4")

	_, err := svc.Allow(ctx, subj)
	require.NoError(t, err)

	svc.now = func() time.Time { return base.Add(23 * time.Hour) }
	_, err = svc.Allow(ctx, subj)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	svc.now = func() time.Time { return base.Add(24*time.Hour + time.Second) }
	_, err = svc.Allow(ctx, subj)
	assert.NoError(t, err)

	store.Prune(ctx, 24*time.Hour, base.Add(48*time.Hour+2*time.Second))
	svc.now = func() time.Time { return base.Add(48*time.Hour + 3*time.Second) }
	_, err = svc.Allow(ctx, subj)
	assert.NoError(t, err)
}

func TestZeroLimitDisablesCap(t *testing.T) {
	svc, _ := newSQLiteService(t, Limits{})
	for i := 0; i < 5; i++ {
		_, err := svc.Allow(context.Background(), IPSubject("x"))
		require.NoError(t, err)
	}
}

type failingStore struct{}

func (failingStore) Hit(context.Context, string, int64, time.Duration, time.Time) (int64, bool, error) {
	return 0, false, errors.New("store down")
}

func TestStoreErrorIsNotRateLimit(t *testing.T) {
	svc := NewService(failingStore{}, Limits{Anonymous: 1}, time.Hour)
	_, err := svc.Allow(context.Background(), IPSubject("x"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRateLimitExceeded))
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "aigateway:ratelimit:user:u1", redisKey(UserSubject("u1", "pro").Key))
	assert.Equal(t, "aigateway:ratelimit:ip:127.0.0.1", redisKey(IPSubject("127.0.0.1").Key))
	assert.True(t, IPSubject("x").Anonymous())
	assert.False(t, UserSubject("u", "regular").Anonymous())
}
