// utils/json_lock.go
package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LockOptions configures a Locker.
type LockOptions struct {
	// TTL bounds how long a crashed holder can block the key.
	TTL time.Duration
	// Backoff is the pause between acquire attempts.
	Backoff time.Duration
	// Timeout is the acquire budget. Exceeding it yields a conflict.
	Timeout time.Duration
	// ValueTTL expires committed values. Zero keeps them forever.
	ValueTTL time.Duration
}

// DefaultLockOptions mirrors DefaultConfig.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		TTL:     30 * time.Second,
		Backoff: 100 * time.Millisecond,
		Timeout: 10 * time.Second,
	}
}

// Locker hands out JSONLocks over values in the cache.
type Locker struct {
	cache  *Cache
	opts   LockOptions
	logger *zap.Logger
}

func NewLocker(cache *Cache, opts LockOptions, logger *zap.Logger) *Locker {
	return &Locker{cache: cache, opts: opts, logger: logger}
}

var errLockHeld = errors.New("lock is held by another owner")

// KEYS[1] lock key, KEYS[2..n] data keys (KEYS[2] is the locked value).
// ARGV[1] token, ARGV[2] value ttl in ms, then one (op, value) pair per data key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
local ttl = tonumber(ARGV[2])
for i = 2, #KEYS do
	local op = ARGV[(i - 2) * 2 + 3]
	local value = ARGV[(i - 2) * 2 + 4]
	if op == "set" then
		if i == 2 and ttl > 0 then
			redis.call("SET", KEYS[i], value, "PX", ttl)
		else
			redis.call("SET", KEYS[i], value)
		end
	elseif op == "del" then
		redis.call("DEL", KEYS[i])
	end
end
redis.call("DEL", KEYS[1])
return 1
`)

var discardScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const (
	opKeep   = "keep"
	opSet    = "set"
	opDelete = "del"
)

type write struct {
	key   string
	op    string
	value string
}

// JSONLock guards one JSON value. Changes are staged and only reach the
// cache on Release, and only if the fencing token still owns the lock.
type JSONLock struct {
	locker  *Locker
	key     string
	lockKey string
	token   string
	raw     []byte

	value  write
	writes []write
	closed bool
}

// Acquire polls until it owns the lock for key or the acquire budget runs out.
func (l *Locker) Acquire(ctx context.Context, key string) (*JSONLock, error) {
	token := uuid.NewString()
	lockKey := key + "lock:"

	acquireCtx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	attempts := int(l.opts.Timeout/l.opts.Backoff) + 1
	retrier := retry.NewRetrier(attempts, l.opts.Backoff, l.opts.Backoff)
	err := retrier.RunContext(acquireCtx, func(ctx context.Context) error {
		ok, err := l.cache.Client.SetNX(ctx, lockKey, token, l.opts.TTL).Result()
		if err != nil {
			return retry.Stop(err)
		}
		if !ok {
			return errLockHeld
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, errLockHeld) || errors.Is(err, context.DeadlineExceeded) {
			l.logger.Warn("timed out waiting for lock", zap.String("key", key), zap.Duration("timeout", l.opts.Timeout))
			return nil, Conflict("timed out waiting for %s", key)
		}
		return nil, fmt.Errorf("failed to acquire lock on %s: %w", key, err)
	}

	lock := &JSONLock{
		locker:  l,
		key:     key,
		lockKey: lockKey,
		token:   token,
		value:   write{key: key, op: opKeep},
	}

	raw, err := l.cache.Client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		_ = lock.Discard(ctx)
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	default:
		lock.raw = raw
	}

	return lock, nil
}

// WithLock runs fn while holding the lock on key. A nil return commits the
// staged changes; an error discards them.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(lock *JSONLock) error) error {
	lock, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	if err := fn(lock); err != nil {
		if derr := lock.Discard(ctx); derr != nil {
			l.logger.Warn("failed to discard lock", zap.String("key", key), zap.Error(derr))
		}
		return err
	}
	return lock.Release(ctx)
}

func (j *JSONLock) Key() string {
	return j.key
}

// Exists reports whether a value was stored at acquire time.
func (j *JSONLock) Exists() bool {
	return j.raw != nil
}

// Load decodes the value read at acquire time into v.
func (j *JSONLock) Load(v any) (bool, error) {
	if j.raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(j.raw, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", j.key, err)
	}
	return true, nil
}

// Set stages a full replacement of the locked value.
func (j *JSONLock) Set(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", j.key, err)
	}
	j.value.op = opSet
	j.value.value = string(data)
	return nil
}

// Delete stages removal of the locked value.
func (j *JSONLock) Delete() {
	j.value.op = opDelete
	j.value.value = ""
}

// SetKey stages a plain string write committed together with the value.
func (j *JSONLock) SetKey(key, value string) {
	j.writes = append(j.writes, write{key: key, op: opSet, value: value})
}

// DeleteKey stages a key removal committed together with the value.
func (j *JSONLock) DeleteKey(key string) {
	j.writes = append(j.writes, write{key: key, op: opDelete})
}

// Release commits staged changes and frees the lock. If the lock expired and
// someone else took it, nothing is written and a conflict is returned.
func (j *JSONLock) Release(ctx context.Context) error {
	if j.closed {
		return nil
	}
	j.closed = true
	ctx = context.WithoutCancel(ctx)

	writes := append([]write{j.value}, j.writes...)
	keys := make([]string, 0, len(writes)+1)
	args := make([]any, 0, len(writes)*2+2)
	keys = append(keys, j.lockKey)
	args = append(args, j.token, strconv.FormatInt(j.locker.opts.ValueTTL.Milliseconds(), 10))
	for _, w := range writes {
		keys = append(keys, w.key)
		args = append(args, w.op, w.value)
	}

	committed, err := releaseScript.Run(ctx, j.locker.cache.Client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", j.key, err)
	}
	if committed == 0 {
		j.locker.logger.Warn("lock expired before release, changes dropped", zap.String("key", j.key))
		return Conflict("lock on %s expired before the change could be saved", j.key)
	}
	return nil
}

// Discard frees the lock without writing anything.
func (j *JSONLock) Discard(ctx context.Context) error {
	if j.closed {
		return nil
	}
	j.closed = true
	return discardScript.Run(context.WithoutCancel(ctx), j.locker.cache.Client, []string{j.lockKey}, j.token).Err()
}
