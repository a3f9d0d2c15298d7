package gograph

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"time"
)

// Recover returns node middleware that converts a panic inside a node into
// an error, so a misbehaving node fails its run instead of the process.
func Recover(logger Logger) NodeMiddleware {
	if logger == nil {
		logger = NewDefaultLogger()
	}
	return func(next NodeRunnerFunc) NodeRunnerFunc {
		return func(ctx context.Context, node NodeInfo) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Node %s panicked: %v\n%s", node.NodeName, r, debug.Stack())
					err = fmt.Errorf("%w: node %s: %v", ErrNodePanic, node.NodeName, r)
				}
			}()
			return next(ctx, node)
		}
	}
}

// Timeout returns node middleware that bounds every node invocation by d.
// A node that honours its context then fails with context.DeadlineExceeded.
func Timeout(d time.Duration) NodeMiddleware {
	return func(next NodeRunnerFunc) NodeRunnerFunc {
		return func(ctx context.Context, node NodeInfo) error {
			if d <= 0 {
				return next(ctx, node)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, node)
		}
	}
}

// Logging returns node middleware that logs the start, the duration and the
// outcome of every node invocation.
func Logging(logger Logger) NodeMiddleware {
	if logger == nil {
		logger = NewDefaultLogger()
	}
	return func(next NodeRunnerFunc) NodeRunnerFunc {
		return func(ctx context.Context, node NodeInfo) error {
			logger.Info("Node %s started (run %s)", node.NodeName, node.RunID)

			start := time.Now()
			err := next(ctx, node)
			elapsed := time.Since(start)

			if err != nil {
				logger.Error("Node %s failed after %s: %v", node.NodeName, elapsed, err)
			} else {
				logger.Info("Node %s completed in %s", node.NodeName, elapsed)
			}
			return err
		}
	}
}

// Backoff computes the delay before retry attempt n (1-indexed).
type Backoff func(attempt int) time.Duration

// ConstantBackoff always waits interval.
func ConstantBackoff(interval time.Duration) Backoff {
	return func(int) time.Duration {
		return interval
	}
}

// ExponentialBackoff waits initial * 2^(attempt-1), capped at maxDelay when
// maxDelay is positive.
func ExponentialBackoff(initial, maxDelay time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if initial <= 0 {
			return 0
		}
		if attempt < 1 {
			attempt = 1
		}
		d := float64(initial) * math.Pow(2, float64(attempt-1))
		switch {
		case maxDelay > 0 && d > float64(maxDelay):
			return maxDelay
		case d >= math.MaxInt64:
			return time.Duration(math.MaxInt64)
		}
		return time.Duration(d)
	}
}

// Retry returns node middleware that calls a failing node up to attempts
// times in total, waiting backoff between calls. It gives up early when the
// context is done. Store writes made by a failed attempt are not rolled
// back, so retried nodes should be idempotent.
func Retry(attempts int, backoff Backoff) NodeMiddleware {
	if attempts < 1 {
		attempts = 1
	}
	if backoff == nil {
		backoff = ConstantBackoff(0)
	}
	return func(next NodeRunnerFunc) NodeRunnerFunc {
		return func(ctx context.Context, node NodeInfo) error {
			var err error
			for attempt := 1; attempt <= attempts; attempt++ {
				if err = next(ctx, node); err == nil {
					return nil
				}
				if attempt == attempts || ctx.Err() != nil {
					break
				}

				timer := time.NewTimer(backoff(attempt))
				select {
				case <-ctx.Done():
					timer.Stop()
					return err
				case <-timer.C:
				}
			}
			return err
		}
	}
}
