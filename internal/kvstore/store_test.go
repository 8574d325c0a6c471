package kvstore

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/testutil"
)

func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("Create And Get", func(t *testing.T) {
		rev, err := s.Create(ctx, "agents.a1", []byte("one"))
		require.NoError(t, err)
		assert.NotZero(t, rev)

		_, err = s.Create(ctx, "agents.a1", []byte("again"))
		assert.ErrorIs(t, err, ErrExists)

		entry, err := s.Get(ctx, "agents.a1")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), entry.Value)
		assert.Equal(t, rev, entry.Revision)
	})

	t.Run("Update Requires Current Revision", func(t *testing.T) {
		entry, err := s.Get(ctx, "agents.a1")
		require.NoError(t, err)

		_, err = s.Update(ctx, "agents.a1", []byte("two"), entry.Revision)
		require.NoError(t, err)

		_, err = s.Update(ctx, "agents.a1", []byte("stale"), entry.Revision)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("Delete And Recreate", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "agents.a1", 0))

		_, err := s.Get(ctx, "agents.a1")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Create(ctx, "agents.a1", []byte("three"))
		require.NoError(t, err)
	})

	t.Run("Keys By Prefix", func(t *testing.T) {
		_, err := s.Put(ctx, "agents.a2", []byte("x"))
		require.NoError(t, err)
		_, err = s.Put(ctx, "idx.cap.code", []byte("y"))
		require.NoError(t, err)

		keys, err := s.Keys(ctx, "agents.")
		require.NoError(t, err)
		assert.Equal(t, []string{"agents.a1", "agents.a2"}, keys)
	})

	t.Run("Mutate Serializes Concurrent Writers", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := Mutate(ctx, s, "counter", func(cur []byte) ([]byte, error) {
					n := 0
					if cur != nil {
						n, _ = strconv.Atoi(string(cur))
					}
					return []byte(strconv.Itoa(n + 1)), nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		entry, err := s.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, "20", string(entry.Value))
	})

	t.Run("Lock Is Exclusive", func(t *testing.T) {
		locker := NewLocker(s, "lock", zap.NewNop())

		ok, err := locker.TryLock(ctx, "task-1", "dispatcher-a")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = locker.TryLock(ctx, "task-1", "dispatcher-b")
		require.NoError(t, err)
		assert.False(t, ok)

		assert.ErrorIs(t, locker.Unlock(ctx, "task-1", "dispatcher-b"), ErrNotOwner)
		require.NoError(t, locker.Unlock(ctx, "task-1", "dispatcher-a"))

		ok, err = locker.TryLock(ctx, "task-1", "dispatcher-b")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, locker.ForceUnlock(ctx, "task-1"))
		owner, err := locker.Owner(ctx, "task-1")
		require.NoError(t, err)
		assert.Empty(t, owner)
	})
}

func TestLocker_LeaseExpiresUnlessRenewed(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }
	locker := NewLocker(NewMemoryStore(0), "lock", zap.NewNop(), WithLease(time.Minute), WithLockClock(clock))

	ok, err := locker.TryLock(ctx, "task-1", "dispatcher-a/1")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(45 * time.Second)
	require.NoError(t, locker.Renew(ctx, "task-1", "dispatcher-a/1"))
	assert.ErrorIs(t, locker.Renew(ctx, "task-1", "dispatcher-b/2"), ErrNotOwner)

	// renewed 45s in, so still held at 90s
	now = now.Add(45 * time.Second)
	owner, err := locker.Owner(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "dispatcher-a/1", owner)
	ok, err = locker.TryLock(ctx, "task-1", "dispatcher-b/2")
	require.NoError(t, err)
	assert.False(t, ok)

	// lapsed: nobody owns it and the next attempt takes over
	now = now.Add(time.Minute)
	owner, err = locker.Owner(ctx, "task-1")
	require.NoError(t, err)
	assert.Empty(t, owner)

	ok, err = locker.TryLock(ctx, "task-1", "dispatcher-b/2")
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, locker.Renew(ctx, "task-1", "dispatcher-a/1"), ErrNotOwner)
	assert.ErrorIs(t, locker.Unlock(ctx, "task-1", "dispatcher-a/1"), ErrNotOwner)
	require.NoError(t, locker.Unlock(ctx, "task-1", "dispatcher-b/2"))
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore(0))
}

func TestMemoryStoreTTL(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	_, err := s.Create(context.Background(), "lock.t1", []byte("owner"))
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = s.Get(context.Background(), "lock.t1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Create(context.Background(), "lock.t1", []byte("next"))
	assert.NoError(t, err)
}

func TestNATSStore(t *testing.T) {
	env := testutil.StartJetStream(t)

	s, err := NewNATSStore(env.JS, BucketConfig{Name: "test", Storage: nats.MemoryStorage}, zap.NewNop())
	require.NoError(t, err)

	runStoreSuite(t, s)

	t.Run("Rebind Existing Bucket", func(t *testing.T) {
		again, err := NewNATSStore(env.JS, BucketConfig{Name: "test", Storage: nats.MemoryStorage}, zap.NewNop())
		require.NoError(t, err)

		entry, err := again.Get(context.Background(), "counter")
		require.NoError(t, err)
		assert.Equal(t, "20", string(entry.Value))
	})
}

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "code_generation", SanitizeKey("code_generation"))
	assert.Equal(t, "code_review_v2", SanitizeKey("code review.v2"))
	assert.Equal(t, "_", SanitizeKey(""))
	assert.Equal(t, "idx.cap.a_b", Join("idx", "cap", "a b"))
}
