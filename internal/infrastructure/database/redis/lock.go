package redis

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/pkg/errors"
)

// ErrLockNotHeld is returned by Unlock when the lease expired or was taken
// over by another owner.
var ErrLockNotHeld = errors.New(errors.ErrCodeConflict, "run lock not held by this owner")

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

var renewScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
`)

// RunLock is a lease serializing one kind of job across processes. While it
// is held the lease is renewed in the background, so a run longer than the
// TTL keeps the lock; a crashed holder loses it after at most one TTL.
type RunLock struct {
	client *Client
	key    string
	ttl    time.Duration
	renew  time.Duration
	logger logging.Logger

	mu     sync.Mutex
	token  string
	cancel context.CancelFunc
	done   chan struct{}
}

type RunLockOption func(*RunLock)

// WithRenewInterval sets how often a held lease is extended. Zero disables
// renewal. Default: a third of the TTL.
func WithRenewInterval(d time.Duration) RunLockOption {
	return func(l *RunLock) { l.renew = d }
}

// NewRunLock returns the lock stored under <prefix>lock:<name>.
func NewRunLock(client *Client, name string, ttl time.Duration, log logging.Logger, opts ...RunLockOption) *RunLock {
	if ttl <= 0 {
		ttl = time.Minute
	}
	l := &RunLock{
		client: client,
		key:    client.Key("lock", name),
		ttl:    ttl,
		renew:  ttl / 3,
		logger: log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key is the redis key of the lease.
func (l *RunLock) Key() string { return l.key }

// TryLock takes the lease if it is free. It never waits.
func (l *RunLock) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token != "" {
		return false, nil
	}

	token := uuid.NewString()
	ok, err := l.client.GetUnderlyingClient().SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeCacheError, "failed to take run lock")
	}
	if !ok {
		return false, nil
	}
	l.token = token
	if l.renew > 0 {
		rctx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		l.done = make(chan struct{})
		go l.keepAlive(rctx, token, l.done)
	}
	return true, nil
}

// Unlock stops renewal and releases the lease if we still own it.
func (l *RunLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	token := l.token
	l.token = ""
	if l.cancel != nil {
		l.cancel()
		<-l.done
		l.cancel = nil
	}
	l.mu.Unlock()

	if token == "" {
		return ErrLockNotHeld
	}
	n, err := releaseScript.Run(ctx, l.client.GetUnderlyingClient(), []string{l.key}, token).Int64()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheError, "failed to release run lock")
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// TTL reports the remaining lease time as seen by redis.
func (l *RunLock) TTL(ctx context.Context) (time.Duration, error) {
	return l.client.GetUnderlyingClient().PTTL(ctx, l.key).Result()
}

func (l *RunLock) extend(ctx context.Context, token string) (bool, error) {
	n, err := renewScript.Run(ctx, l.client.GetUnderlyingClient(), []string{l.key}, token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RunLock) keepAlive(ctx context.Context, token string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.renew)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.extend(ctx, token)
			if err != nil {
				if ctx.Err() == nil {
					l.logger.Error("Failed to renew run lock", logging.String("key", l.key), logging.Err(err))
				}
				return
			}
			if !ok {
				l.logger.Warn("Run lock lost before the run finished", logging.String("key", l.key))
				return
			}
		}
	}
}
