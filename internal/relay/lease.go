package relay

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Coordinator decides which instance polls a processor's feed. Exactly one
// holder per processor name at a time; a lost lease pauses polling on the
// loser until it reacquires.
type Coordinator interface {
	// Acquire tries to take or refresh ownership. Idempotent for the holder.
	Acquire(ctx context.Context) (bool, error)
	// Renew extends ownership; false means the lease was lost.
	Renew(ctx context.Context) (bool, error)
	// Release gives the lease up if still held.
	Release(ctx context.Context) error
}

// renewScript extends the lease only while we still own it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only while we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLease coordinates processor ownership through a single Redis key per
// processor, owned by whoever set it first (SET NX PX). Poll intervals must
// stay under half the TTL so the holder renews before expiry.
type RedisLease struct {
	client redis.UniversalClient
	key    string
	owner  string
	ttl    time.Duration
}

func NewRedisLease(client redis.UniversalClient, processor string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{
		client: client,
		key:    "eventrail:lease:" + processor,
		owner:  uuid.NewString(),
		ttl:    ttl,
	}
}

func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// The key exists; it may already be ours from a previous tick.
	return l.Renew(ctx)
}

func (l *RedisLease) Renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
}

// SoleOwner is the coordinator for single-instance and test deployments; it
// always holds.
type SoleOwner struct{}

func (SoleOwner) Acquire(context.Context) (bool, error) { return true, nil }
func (SoleOwner) Renew(context.Context) (bool, error)   { return true, nil }
func (SoleOwner) Release(context.Context) error         { return nil }
