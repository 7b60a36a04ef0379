package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/classify-cli/internal/model"
	"github.com/sells-group/classify-cli/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "lock.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func foreignHolder(jobID, host string, pid int, heartbeat time.Time) model.ResumeLock {
	return model.ResumeLock{
		JobID:       jobID,
		OwnerID:     "other-owner",
		PID:         pid,
		Hostname:    host,
		AcquiredAt:  heartbeat,
		HeartbeatAt: heartbeat,
	}
}

func TestStoreLocker_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	l := NewStoreLocker(st, Options{})

	lease, err := l.Acquire(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", lease.JobID)
	assert.Equal(t, l.OwnerID(), lease.OwnerID)

	held, err := st.GetLock(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, os.Getpid(), held.PID)

	require.NoError(t, l.Release(ctx, lease))

	held, err = st.GetLock(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, held)

	// Second release is a no-op.
	require.NoError(t, l.Release(ctx, lease))
}

func TestStoreLocker_ContentionSameHostLiveProcess(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	first := NewStoreLocker(st, Options{})
	_, err := first.Acquire(ctx, "job-1")
	require.NoError(t, err)

	second := NewStoreLocker(st, Options{})
	_, err = second.Acquire(ctx, "job-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrContention))
}

func TestStoreLocker_OtherJobsIndependent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	a := NewStoreLocker(st, Options{})
	b := NewStoreLocker(st, Options{})
	_, err := a.Acquire(ctx, "job-1")
	require.NoError(t, err)
	_, err = b.Acquire(ctx, "job-2")
	require.NoError(t, err)
}

func TestStoreLocker_RemoteFreshHeartbeat(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	ok, err := st.InsertLock(ctx, foreignHolder("job-1", "other-host", 4242, time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	require.True(t, ok)

	l := NewStoreLocker(st, Options{StaleAfter: 10 * time.Minute})
	_, err = l.Acquire(ctx, "job-1")
	assert.ErrorIs(t, err, ErrContention)
	assert.Contains(t, err.Error(), "other-host")
}

func TestStoreLocker_RemoteStaleHeartbeatReclaimed(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	ok, err := st.InsertLock(ctx, foreignHolder("job-1", "other-host", 4242, time.Now().Add(-time.Hour)))
	require.NoError(t, err)
	require.True(t, ok)

	l := NewStoreLocker(st, Options{StaleAfter: 10 * time.Minute})
	lease, err := l.Acquire(ctx, "job-1")
	require.NoError(t, err)

	held, err := st.GetLock(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, lease.OwnerID, held.OwnerID)
}

func TestStoreLocker_Force(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	first := NewStoreLocker(st, Options{})
	_, err := first.Acquire(ctx, "job-1")
	require.NoError(t, err)

	forced := NewStoreLocker(st, Options{Force: true})
	lease, err := forced.Acquire(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, forced.OwnerID(), lease.OwnerID)
}

func TestStoreLocker_RefreshAfterTakeover(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	first := NewStoreLocker(st, Options{})
	lease, err := first.Acquire(ctx, "job-1")
	require.NoError(t, err)
	require.NoError(t, first.Refresh(ctx, lease))

	_, err = NewStoreLocker(st, Options{Force: true}).Acquire(ctx, "job-1")
	require.NoError(t, err)

	err = first.Refresh(ctx, lease)
	assert.ErrorIs(t, err, ErrNotHeld)

	// Releasing a lost lease must not remove the new holder's row.
	require.NoError(t, first.Release(ctx, lease))
	held, err := st.GetLock(ctx, "job-1")
	require.NoError(t, err)
	assert.NotNil(t, held)
}

func TestStoreLocker_RefreshMovesHeartbeat(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := NewStoreLocker(st, Options{})
	l.now = func() time.Time { return base }

	lease, err := l.Acquire(ctx, "job-1")
	require.NoError(t, err)

	l.now = func() time.Time { return base.Add(5 * time.Minute) }
	require.NoError(t, l.Refresh(ctx, lease))

	held, err := st.GetLock(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.True(t, held.HeartbeatAt.Equal(base.Add(5*time.Minute)))
	assert.True(t, held.AcquiredAt.Equal(base))
}

func TestStoreLocker_Unlock(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := NewStoreLocker(st, Options{}).Acquire(ctx, "job-1")
	require.NoError(t, err)

	l := NewStoreLocker(st, Options{})
	ok, err := l.Unlock(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Unlock(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.Acquire(ctx, "job-1")
	require.NoError(t, err)
}

func TestOptions_StaleAfterDefault(t *testing.T) {
	assert.Equal(t, DefaultStaleAfter, Options{}.staleAfter())
	assert.Equal(t, time.Minute, Options{StaleAfter: time.Minute}.staleAfter())
}
