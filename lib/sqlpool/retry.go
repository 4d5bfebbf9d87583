package sqlpool

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/segstore/observability"
)

// DialFactory decorates a factory with exponential-backoff retries for
// transient connection failures. maxTries bounds the attempts; the caller's
// context still aborts waiting between attempts.
func DialFactory(factory Factory, maxTries int) Factory {
	if maxTries < 1 {
		maxTries = 1
	}
	return func(ctx context.Context) (Conn, error) {
		backoffCfg := backoff.NewExponentialBackOff()
		var lastErr error
		for attempt := 1; attempt <= maxTries; attempt++ {
			conn, err := factory(ctx)
			if err == nil {
				return conn, nil
			}
			lastErr = err
			if attempt == maxTries {
				break
			}
			observability.Log().Debug("connection dial failed, retrying",
				observability.Field{Key: "attempt", Value: attempt},
				observability.Field{Key: "error", Value: err})
			sleep := backoffCfg.NextBackOff()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleep):
			}
		}
		return nil, lastErr
	}
}
