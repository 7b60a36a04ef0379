// Package lock serialises execution of a job across processes. A lease is
// taken before any item is processed and released on every exit path.
package lock

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// DefaultStaleAfter is how old a heartbeat must be before a holder whose
// liveness cannot be probed is treated as gone.
const DefaultStaleAfter = 10 * time.Minute

var (
	// ErrContention means another live process holds the job.
	ErrContention = eris.New("lock: job is held by another process")
	// ErrNotHeld means the lease was lost or taken over.
	ErrNotHeld = eris.New("lock: lease not held")
)

// Locker acquires, refreshes and releases per-job leases.
type Locker interface {
	Acquire(ctx context.Context, jobID string) (*Lease, error)
	Refresh(ctx context.Context, lease *Lease) error
	Release(ctx context.Context, lease *Lease) error
}

// Unlocker removes a job's lock without owning it. Operator override only.
type Unlocker interface {
	Unlock(ctx context.Context, jobID string) (bool, error)
}

// Lease is a held lock on one job.
type Lease struct {
	JobID      string
	OwnerID    string
	AcquiredAt time.Time

	token string
}

// Options configures lock acquisition.
type Options struct {
	// StaleAfter overrides DefaultStaleAfter.
	StaleAfter time.Duration
	// Force reclaims any existing lock regardless of holder liveness.
	Force bool
}

func (o Options) staleAfter() time.Duration {
	if o.StaleAfter <= 0 {
		return DefaultStaleAfter
	}
	return o.StaleAfter
}

// RefreshInterval is how often a holder should refresh its lease: a third
// of the stale timeout, so two missed refreshes still leave it fresh.
func (o Options) RefreshInterval() time.Duration {
	return o.staleAfter() / 3
}

// processStart is when this process began, as near as the package can tell.
var processStart = time.Now()

// identity describes the current process as a lock holder.
type identity struct {
	ownerID  string
	pid      int
	hostname string
	started  time.Time
}

func newIdentity() identity {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return identity{
		ownerID:  uuid.NewString(),
		pid:      os.Getpid(),
		hostname: host,
		started:  processStart,
	}
}
