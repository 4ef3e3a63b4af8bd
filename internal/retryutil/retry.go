// Package retryutil wraps github.com/cenkalti/backoff/v4 with the settings
// shape the rest of this repo's connection-retry loops use: an initial
// delay, a multiplier, and a ceiling.
package retryutil

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Settings configures an exponential backoff schedule.
type Settings struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// MaxElapsed bounds the total time spent retrying before giving up.
	// Zero means retry forever (until ctx is done).
	MaxElapsed time.Duration
}

// DefaultSettings matches sarama's own default reconnect backoff: start at
// one second, double, cap at thirty seconds.
func DefaultSettings() Settings {
	return Settings{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}
}

func (s Settings) build() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.InitialDelay
	b.Multiplier = s.Multiplier
	b.MaxInterval = s.MaxDelay
	b.MaxElapsedTime = s.MaxElapsed
	return b
}

// Do runs op, retrying with an exponential backoff per settings until it
// succeeds, ctx is done, or MaxElapsed is exceeded. The error returned is
// op's last error, wrapped by backoff's context-cancellation handling.
func Do(ctx context.Context, settings Settings, op func() error) error {
	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return op()
	}, backoff.WithContext(settings.build(), ctx))
}
