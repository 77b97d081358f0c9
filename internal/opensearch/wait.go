package opensearch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WaitPolicy bounds how long a long-running binary waits for the cluster on
// start.
type WaitPolicy struct {
	Attempts    uint64
	Initial     time.Duration
	Max         time.Duration
	PingTimeout time.Duration
}

// DefaultWaitPolicy retries ten times, doubling from 2s up to 30s.
var DefaultWaitPolicy = WaitPolicy{
	Attempts:    10,
	Initial:     2 * time.Second,
	Max:         30 * time.Second,
	PingTimeout: 5 * time.Second,
}

// WaitForCluster pings until the cluster answers, the policy is exhausted or
// ctx ends.
func WaitForCluster(ctx context.Context, ping func(context.Context) error, p WaitPolicy, log *slog.Logger) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.MaxInterval = p.Max
	exp.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, p.PingTimeout)
		defer cancel()
		return ping(pingCtx)
	}
	notify := func(err error, next time.Duration) {
		log.Warn("opensearch ping failed, retrying",
			slog.Any("err", err),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", next),
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(exp, p.Attempts), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return fmt.Errorf("opensearch not reachable after %d attempt(s): %w", attempt, err)
	}
	return nil
}
