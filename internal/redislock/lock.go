// Package redislock keeps replicas from running the same sweep at once.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const keyPrefix = "emi:lock:"

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a best-effort mutual exclusion over Redis. A nil *Lock runs every
// job unguarded, which is correct for single-replica deployments.
type Lock struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// New returns a Lock, or nil without a client.
func New(client redis.UniversalClient, ttl time.Duration) *Lock {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Lock{client: client, ttl: ttl}
}

// Run executes fn while holding the named lock. ran is false when another
// holder owns the lock.
func (l *Lock) Run(ctx context.Context, name string, fn func(ctx context.Context) error) (ran bool, err error) {
	if l == nil || l.client == nil {
		return true, fn(ctx)
	}

	key := keyPrefix + name
	token := uuid.NewString()
	acquired, errSet := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if errSet != nil {
		return false, fmt.Errorf("redislock: acquire %s: %w", name, errSet)
	}
	if !acquired {
		log.Debugf("redislock: %s held elsewhere, skipping", name)
		return false, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if errRelease := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); errRelease != nil {
			log.WithError(errRelease).Warnf("redislock: release %s", name)
		}
	}()
	return true, fn(ctx)
}
