package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client, "finmirror:", nil), mr
}

func TestWithLockRejectsConcurrentHolder(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	err := locker.WithLock(ctx, "sync:products", time.Minute, func(ctx context.Context) error {
		inner := locker.WithLock(ctx, "sync:products", time.Minute, func(context.Context) error {
			t.Fatal("inner callback must not run while the key is held")
			return nil
		})
		require.ErrorIs(t, inner, ErrLockHeld)
		return nil
	})
	require.NoError(t, err)
}

func TestWithLockReleasesAfterError(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := locker.WithLock(ctx, "journal:payment:7", time.Minute, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	require.False(t, mr.Exists("finmirror:journal:payment:7"))

	ran := false
	require.NoError(t, locker.WithLock(ctx, "journal:payment:7", time.Minute, func(context.Context) error {
		ran = true
		return nil
	}))
	require.True(t, ran)
}

func TestWithLockIndependentKeys(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()
	err := locker.WithLock(ctx, "sync:products", time.Minute, func(ctx context.Context) error {
		return locker.WithLock(ctx, "sync:contacts", time.Minute, func(context.Context) error { return nil })
	})
	require.NoError(t, err)
}
