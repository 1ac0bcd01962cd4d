// utils/watch_txn.go
package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrTxnRetry can be returned from a watch function to restart it from the
// top, e.g. after a nested operation changed one of the watched keys.
var ErrTxnRetry = errors.New("transaction must be retried")

// WatchFunc reads the watched keys through tx and queues its writes in
// tx.TxPipelined. It must derive every write from what it read.
type WatchFunc func(ctx context.Context, tx *redis.Tx) error

// Watcher runs optimistic multi-key transactions.
type Watcher struct {
	cache   *Cache
	timeout time.Duration
	logger  *zap.Logger
}

func NewWatcher(cache *Cache, timeout time.Duration, logger *zap.Logger) *Watcher {
	return &Watcher{cache: cache, timeout: timeout, logger: logger}
}

// Run watches keys and runs fn until it commits, fails with a non-retryable
// error, or the overall budget is spent (conflict).
func (w *Watcher) Run(ctx context.Context, fn WatchFunc, keys ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	attempts := 0
	retrier := retry.NewRetrier(int(w.timeout/time.Millisecond)+1, time.Millisecond, 50*time.Millisecond)
	err := retrier.RunContext(runCtx, func(ctx context.Context) error {
		attempts++
		err := w.cache.Client.Watch(ctx, func(tx *redis.Tx) error {
			return fn(ctx, tx)
		}, keys...)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr), errors.Is(err, ErrTxnRetry):
			return err
		default:
			return retry.Stop(err)
		}
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, redis.TxFailedErr) || errors.Is(err, ErrTxnRetry) || errors.Is(err, context.DeadlineExceeded) {
		w.logger.Warn("watch transaction gave up", zap.Strings("keys", keys), zap.Int("attempts", attempts))
		return Conflict("the operation kept conflicting with concurrent changes, try again")
	}
	var coordErr *CoordinationError
	if errors.As(err, &coordErr) {
		return err
	}
	return fmt.Errorf("watch transaction on %v failed: %w", keys, err)
}
