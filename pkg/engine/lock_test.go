package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageLockAcquireRelease(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	lock := NewStageLock(store, store, "/srv/site", nil, nil)

	available, err := lock.IsAvailable(ctx)
	require.NoError(t, err)
	assert.True(t, available)

	handle, err := lock.Acquire(ctx, LockRequest{OwnerToken: "owner-1", StageID: "s1", StageDirectory: "/stages/s1"})
	require.NoError(t, err)
	assert.Equal(t, "owner-1", handle.OwnerToken)
	assert.Equal(t, "/srv/site", handle.ProjectRoot)

	record, err := store.GetLock(ctx, "/srv/site")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "s1", record.StageID)
	assert.Equal(t, "/stages/s1", record.StageDirectory)
	assert.NotZero(t, record.PID)
	assert.False(t, record.AcquiredAt.IsZero())

	// Same owner again is fine.
	again, err := lock.Acquire(ctx, LockRequest{OwnerToken: "owner-1", StageID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, handle, again)

	_, err = lock.Acquire(ctx, LockRequest{OwnerToken: "owner-2", StageID: "s2"})
	require.Error(t, err)
	assert.True(t, IsStageLocked(err))
	assert.True(t, IsConflict(err))

	require.NoError(t, lock.Release(ctx, handle))
	available, err = lock.IsAvailable(ctx)
	require.NoError(t, err)
	assert.True(t, available)

	// Releasing twice is a no-op.
	require.NoError(t, lock.Release(ctx, handle))
}

func TestStageLockReleaseWrongOwner(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	lock := NewStageLock(store, store, "/srv/site", nil, nil)

	_, err := lock.Acquire(ctx, LockRequest{OwnerToken: "owner-1", StageID: "s1"})
	require.NoError(t, err)

	err = lock.Release(ctx, LockHandle{ProjectRoot: "/srv/site", OwnerToken: "intruder"})
	require.Error(t, err)
	assert.Equal(t, ErrCodeOwnershipMismatch, ErrorCode(err))

	held, err := lock.IsAvailable(ctx)
	require.NoError(t, err)
	assert.False(t, held, "a mismatched release must not free the lock")
}

func TestStageLockInsertRace(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	lock := NewStageLock(store, store, "/srv/site", nil, nil)

	// Another process inserts between our read and our insert.
	racing := &racingLockStore{memStore: store, winner: LockRecord{ProjectRoot: "/srv/site", OwnerToken: "other", StageID: "s9"}}
	lock.store = racing

	_, err := lock.Acquire(ctx, LockRequest{OwnerToken: "owner-1", StageID: "s1"})
	require.Error(t, err)
	assert.True(t, IsStageLocked(err))
}

type racingLockStore struct {
	*memStore
	winner LockRecord
}

func (r *racingLockStore) InsertLock(ctx context.Context, record *LockRecord) error {
	_ = r.memStore.InsertLock(ctx, &r.winner)
	return r.memStore.InsertLock(ctx, record)
}

func TestStageLockInspectStale(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	lock := NewStageLock(store, store, "/srv/site", nil, nil)
	lock.processAlive = func(pid int) bool { return pid != 4242 }

	status, err := lock.Inspect(ctx)
	require.NoError(t, err)
	assert.False(t, status.Held())

	require.NoError(t, store.InsertLock(ctx, &LockRecord{
		ProjectRoot: "/srv/site",
		OwnerToken:  "crashed",
		StageID:     "s1",
		PID:         4242,
		Hostname:    lock.hostname,
	}))

	status, err = lock.Inspect(ctx)
	require.NoError(t, err)
	require.True(t, status.Held())
	assert.True(t, status.Stale)

	// Staleness is reported, never acted on.
	_, err = lock.Acquire(ctx, LockRequest{OwnerToken: "fresh", StageID: "s2"})
	assert.True(t, IsStageLocked(err))

	// A holder on another host is never considered stale.
	require.NoError(t, store.InsertLockOverwrite("/srv/site", LockRecord{
		ProjectRoot: "/srv/site", OwnerToken: "remote", PID: 4242, Hostname: "elsewhere",
	}))
	status, err = lock.Inspect(ctx)
	require.NoError(t, err)
	assert.False(t, status.Stale)
}

func (m *memStore) InsertLockOverwrite(root string, record LockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[root] = record
	return nil
}

func TestStageLockForceClear(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	lock := NewStageLock(store, store, "/srv/site", nil, nil)

	cleared, err := lock.ForceClear(ctx, "ops", "nothing held")
	require.NoError(t, err)
	assert.Nil(t, cleared)
	assert.Empty(t, store.audits)

	_, err = lock.Acquire(ctx, LockRequest{OwnerToken: "owner-1", StageID: "s1"})
	require.NoError(t, err)

	cleared, err = lock.ForceClear(ctx, "ops", "process crashed")
	require.NoError(t, err)
	require.NotNil(t, cleared)
	assert.Equal(t, "s1", cleared.StageID)

	available, err := lock.IsAvailable(ctx)
	require.NoError(t, err)
	assert.True(t, available)

	require.Len(t, store.audits, 1)
	entry := store.audits[0]
	assert.Equal(t, "lock.force_clear", entry.Action)
	assert.Equal(t, "ops", entry.Actor)
	assert.Equal(t, "s1", entry.StageID)
	assert.Equal(t, "process crashed", entry.Details["reason"])
}
