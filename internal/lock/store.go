package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/classify-cli/internal/model"
	"github.com/sells-group/classify-cli/internal/store"
)

// StoreLocker keeps the lock as a row in the job_locks table of the durable
// store. It never waits: a live holder yields ErrContention immediately.
type StoreLocker struct {
	locks store.Locks
	opts  Options
	id    identity
	now   func() time.Time
}

// NewStoreLocker creates a StoreLocker with a fresh owner id for this process.
func NewStoreLocker(locks store.Locks, opts Options) *StoreLocker {
	return &StoreLocker{
		locks: locks,
		opts:  opts,
		id:    newIdentity(),
		now:   time.Now,
	}
}

// OwnerID returns the owner id this locker writes into lock rows.
func (l *StoreLocker) OwnerID() string { return l.id.ownerID }

// Acquire inserts the lock row. An existing row is reclaimed once if its
// holder is stale, otherwise ErrContention is returned.
func (l *StoreLocker) Acquire(ctx context.Context, jobID string) (*Lease, error) {
	log := zap.L().With(zap.String("job_id", jobID), zap.String("owner_id", l.id.ownerID))

	for attempt := 0; attempt < 2; attempt++ {
		now := l.now().UTC()
		ok, err := l.locks.InsertLock(ctx, model.ResumeLock{
			JobID:       jobID,
			OwnerID:     l.id.ownerID,
			PID:         l.id.pid,
			Hostname:    l.id.hostname,
			AcquiredAt:  now,
			HeartbeatAt: now,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "lock: acquire job %s", jobID)
		}
		if ok {
			log.Debug("lock acquired")
			return &Lease{JobID: jobID, OwnerID: l.id.ownerID, AcquiredAt: now}, nil
		}

		holder, err := l.locks.GetLock(ctx, jobID)
		if err != nil {
			return nil, eris.Wrapf(err, "lock: read holder of job %s", jobID)
		}
		if holder == nil {
			// Released between insert and read.
			continue
		}

		reason, stale := l.stale(holder)
		if !stale {
			return nil, eris.Wrapf(ErrContention, "job %s held by pid %d on %s since %s",
				jobID, holder.PID, holder.Hostname, holder.AcquiredAt.Format(time.RFC3339))
		}

		log.Warn("reclaiming stale lock",
			zap.String("holder", holder.OwnerID),
			zap.Int("holder_pid", holder.PID),
			zap.String("holder_host", holder.Hostname),
			zap.String("reason", reason),
		)
		if _, err := l.locks.DeleteLock(ctx, jobID, holder.OwnerID); err != nil {
			return nil, eris.Wrapf(err, "lock: reclaim job %s", jobID)
		}
	}

	return nil, eris.Wrapf(ErrContention, "job %s lock changed hands during acquire", jobID)
}

func (l *StoreLocker) stale(holder *model.ResumeLock) (string, bool) {
	if l.opts.Force {
		return "forced", true
	}
	if holder.Hostname == l.id.hostname {
		// After a container restart the pid is often reused, so our own pid
		// on a lock taken before we started belongs to a dead incarnation.
		if holder.PID == l.id.pid && holder.OwnerID != l.id.ownerID && holder.AcquiredAt.Before(l.id.started) {
			return fmt.Sprintf("pid %d was reused; lock predates this process", holder.PID), true
		}
		if alive, known := processAlive(holder.PID); known {
			if alive {
				return "", false
			}
			return fmt.Sprintf("process %d is not running", holder.PID), true
		}
	}
	age := l.now().Sub(holder.HeartbeatAt)
	if age > l.opts.staleAfter() {
		return fmt.Sprintf("heartbeat is %s old", age.Round(time.Second)), true
	}
	return "", false
}

// Refresh updates the heartbeat. ErrNotHeld means the row is gone or was
// reclaimed by another owner.
func (l *StoreLocker) Refresh(ctx context.Context, lease *Lease) error {
	ok, err := l.locks.TouchLock(ctx, lease.JobID, lease.OwnerID, l.now().UTC())
	if err != nil {
		return eris.Wrapf(err, "lock: refresh job %s", lease.JobID)
	}
	if !ok {
		return eris.Wrapf(ErrNotHeld, "job %s", lease.JobID)
	}
	return nil
}

// Release deletes the row if this owner still holds it.
func (l *StoreLocker) Release(ctx context.Context, lease *Lease) error {
	ok, err := l.locks.DeleteLock(ctx, lease.JobID, lease.OwnerID)
	if err != nil {
		return eris.Wrapf(err, "lock: release job %s", lease.JobID)
	}
	if !ok {
		zap.L().Debug("lock already released", zap.String("job_id", lease.JobID))
	}
	return nil
}

// Unlock removes any lock on the job regardless of owner. It reports whether
// a lock existed.
func (l *StoreLocker) Unlock(ctx context.Context, jobID string) (bool, error) {
	ok, err := l.locks.DeleteLock(ctx, jobID, "")
	if err != nil {
		return false, eris.Wrapf(err, "lock: unlock job %s", jobID)
	}
	return ok, nil
}
