// Package retry wraps cart mutations in optimistic-concurrency retry.
// Only storage version conflicts are retried; every other error class is
// surfaced immediately per the propagation policy.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dukerupert/kurv/internal/domain"
)

// Profile names the retry aggressiveness chosen for a conflict.
type Profile string

const (
	// ProfileMinor is selected for small version gaps: another writer just
	// beat us, a quick re-read almost always succeeds.
	ProfileMinor Profile = "minor"

	// ProfileStandard is selected for large version gaps, which indicate
	// sustained contention worth backing off from.
	ProfileStandard Profile = "standard"
)

// Config tunes the retry behavior.
type Config struct {
	// MaxAttempts caps total tries (first call included) for the standard
	// profile.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff for the standard profile.
	BaseDelay time.Duration

	// MaxDelay caps a single backoff interval.
	MaxDelay time.Duration

	// MinorAttempts and MinorBaseDelay tune the more aggressive profile
	// used when the version gap is small.
	MinorAttempts  int
	MinorBaseDelay time.Duration

	// MajorVersionGap is the largest |current-attempted| still considered
	// a minor conflict.
	MajorVersionGap int64

	// Notify, if set, is invoked before each retry sleep with the attempt
	// number (1-based), the selected profile, and the conflict.
	Notify func(attempt int, profile Profile, err error)
}

// DefaultConfig matches the documented retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		BaseDelay:       50 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		MinorAttempts:   8,
		MinorBaseDelay:  10 * time.Millisecond,
		MajorVersionGap: 2,
	}
}

// Do runs fn, retrying on storage version conflicts with exponential
// backoff (multiplier 2, ±25% jitter, capped at MaxDelay). The profile is
// selected from the first conflict's version gap. When attempts exhaust,
// the last conflict is returned.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil || !domain.IsConflict(err) {
		return err
	}

	profile, attempts, base := classify(cfg, err)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.25
	bo.MaxInterval = cfg.MaxDelay
	bo.MaxElapsedTime = 0 // attempts are the budget, not wall time
	bo.Reset()

	for attempt := 1; attempt < attempts; attempt++ {
		if cfg.Notify != nil {
			cfg.Notify(attempt, profile, err)
		}

		select {
		case <-ctx.Done():
			return domain.WrapError(ctx.Err(), domain.EUNAVAILABLE, "retry", "context cancelled during conflict retry")
		case <-time.After(bo.NextBackOff()):
		}

		err = fn(ctx)
		if err == nil || !domain.IsConflict(err) {
			return err
		}
	}

	return err
}

// classify picks the retry profile from the conflict's version gap.
func classify(cfg Config, err error) (Profile, int, time.Duration) {
	ce, ok := domain.AsConflict(err)
	if ok {
		gap := ce.Current - ce.Attempted
		if gap < 0 {
			gap = -gap
		}
		if gap <= cfg.MajorVersionGap {
			return ProfileMinor, cfg.MinorAttempts, cfg.MinorBaseDelay
		}
	}
	return ProfileStandard, cfg.MaxAttempts, cfg.BaseDelay
}
