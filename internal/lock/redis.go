package lock

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/classify-cli/internal/model"
)

const defaultKeyPrefix = "classify:lock:"

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker holds leases as expiring redis keys. Liveness is the TTL: a
// holder that stops refreshing loses the lease after StaleAfter.
type RedisLocker struct {
	client redis.UniversalClient
	opts   Options
	prefix string
	id     identity
	now    func() time.Time
}

// NewRedisLocker creates a RedisLocker. An empty prefix uses "classify:lock:".
func NewRedisLocker(client redis.UniversalClient, prefix string, opts Options) *RedisLocker {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisLocker{
		client: client,
		opts:   opts,
		prefix: prefix,
		id:     newIdentity(),
		now:    time.Now,
	}
}

func (l *RedisLocker) key(jobID string) string { return l.prefix + jobID }

// Acquire sets the lease key if absent. With Options.Force an existing key is
// deleted first.
func (l *RedisLocker) Acquire(ctx context.Context, jobID string) (*Lease, error) {
	now := l.now().UTC()
	holder := model.ResumeLock{
		JobID:       jobID,
		OwnerID:     l.id.ownerID,
		PID:         l.id.pid,
		Hostname:    l.id.hostname,
		AcquiredAt:  now,
		HeartbeatAt: now,
	}
	token, err := json.Marshal(holder)
	if err != nil {
		return nil, eris.Wrap(err, "lock: encode lease")
	}

	key := l.key(jobID)
	if l.opts.Force {
		if err := l.client.Del(ctx, key).Err(); err != nil {
			return nil, eris.Wrapf(err, "lock: force release job %s", jobID)
		}
	}

	ok, err := l.client.SetNX(ctx, key, string(token), l.opts.staleAfter()).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "lock: acquire job %s", jobID)
	}
	if !ok {
		current, err := l.Holder(ctx, jobID)
		if err != nil || current == nil {
			return nil, eris.Wrapf(ErrContention, "job %s", jobID)
		}
		return nil, eris.Wrapf(ErrContention, "job %s held by pid %d on %s since %s",
			jobID, current.PID, current.Hostname, current.AcquiredAt.Format(time.RFC3339))
	}

	zap.L().Debug("redis lease acquired", zap.String("job_id", jobID), zap.String("key", key))
	return &Lease{JobID: jobID, OwnerID: l.id.ownerID, AcquiredAt: now, token: string(token)}, nil
}

// Holder decodes the current lease value, or nil when the job is unlocked.
func (l *RedisLocker) Holder(ctx context.Context, jobID string) (*model.ResumeLock, error) {
	raw, err := l.client.Get(ctx, l.key(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "lock: read holder of job %s", jobID)
	}
	var holder model.ResumeLock
	if err := json.Unmarshal([]byte(raw), &holder); err != nil {
		return nil, eris.Wrapf(err, "lock: decode holder of job %s", jobID)
	}
	return &holder, nil
}

// Refresh extends the TTL if the lease is still ours.
func (l *RedisLocker) Refresh(ctx context.Context, lease *Lease) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key(lease.JobID)},
		lease.token, l.opts.staleAfter().Milliseconds()).Int64()
	if err != nil {
		return eris.Wrapf(err, "lock: refresh job %s", lease.JobID)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotHeld, "job %s", lease.JobID)
	}
	return nil
}

// Release deletes the key if the lease is still ours.
func (l *RedisLocker) Release(ctx context.Context, lease *Lease) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key(lease.JobID)}, lease.token).Int64()
	if err != nil {
		return eris.Wrapf(err, "lock: release job %s", lease.JobID)
	}
	if n == 0 {
		zap.L().Debug("redis lease already gone", zap.String("job_id", lease.JobID))
	}
	return nil
}

// Unlock deletes the lease key regardless of owner.
func (l *RedisLocker) Unlock(ctx context.Context, jobID string) (bool, error) {
	n, err := l.client.Del(ctx, l.key(jobID)).Result()
	if err != nil {
		return false, eris.Wrapf(err, "lock: unlock job %s", jobID)
	}
	return n > 0, nil
}
