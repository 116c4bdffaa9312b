// Package runlock keeps periodic jobs from running twice at once across
// replicas.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

var ErrHeld = errors.New("job is already running elsewhere")

type Locker struct {
	client *redislock.Client
	log    logrus.FieldLogger
}

// New returns a Locker. With a nil redis client every lock is granted
// locally, which is what single-replica and test setups want.
func New(rdb *redis.Client, log logrus.FieldLogger) *Locker {
	l := &Locker{log: log}
	if rdb != nil {
		l.client = redislock.New(rdb)
	}
	return l
}

// Run executes fn while holding the named lock.
func (l *Locker) Run(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error {
	if l.client == nil {
		return fn(ctx)
	}

	lock, err := l.client.Obtain(ctx, "lock:"+name, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return fmt.Errorf("%s: %w", name, ErrHeld)
	}
	if err != nil {
		l.log.WithField("lock", name).WithError(err).Warn("error obtaining redis lock; proceeding without redis lock")
		return fn(ctx)
	}
	defer func() {
		if releaseErr := lock.Release(context.Background()); releaseErr != nil && !errors.Is(releaseErr, redislock.ErrLockNotHeld) {
			l.log.WithField("lock", name).Warn("failed to release redis lock: " + releaseErr.Error())
		}
	}()

	return fn(ctx)
}
