package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/kurv/internal/domain"
	"github.com/dukerupert/kurv/internal/retry"
)

func fastConfig() retry.Config {
	return retry.Config{
		MaxAttempts:     4,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		MinorAttempts:   6,
		MinorBaseDelay:  time.Millisecond,
		MajorVersionGap: 2,
	}
}

func conflict(gap int64) error {
	return &domain.ConflictError{Identifier: "u", Instance: "default", Attempted: 3, Current: 3 + gap}
}

func TestDo_SuccessFirstTry(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_NonConflictErrorsAreNotRetried(t *testing.T) {
	boom := domain.Invalid("cart.add", "bad input")
	calls := 0

	err := retry.Do(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		return boom
	})

	assert.Equal(t, boom, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesConflictUntilSuccess(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		if calls < 3 {
			return conflict(1)
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustionReturnsLastConflict(t *testing.T) {
	cfg := fastConfig()
	calls := 0

	err := retry.Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return conflict(10)
	})

	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
	// large gap selects the standard profile's attempt budget
	assert.Equal(t, cfg.MaxAttempts, calls)
}

func TestDo_MinorGapUsesMinorProfile(t *testing.T) {
	cfg := fastConfig()

	var profiles []retry.Profile
	cfg.Notify = func(attempt int, profile retry.Profile, err error) {
		profiles = append(profiles, profile)
	}

	calls := 0
	err := retry.Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return conflict(1)
	})

	require.Error(t, err)
	assert.Equal(t, cfg.MinorAttempts, calls)
	require.NotEmpty(t, profiles)
	for _, p := range profiles {
		assert.Equal(t, retry.ProfileMinor, p)
	}
}

func TestDo_MajorGapUsesStandardProfile(t *testing.T) {
	cfg := fastConfig()

	var profiles []retry.Profile
	cfg.Notify = func(attempt int, profile retry.Profile, err error) {
		profiles = append(profiles, profile)
	}

	_ = retry.Do(context.Background(), cfg, func(context.Context) error {
		return conflict(50)
	})

	require.NotEmpty(t, profiles)
	assert.Equal(t, retry.ProfileStandard, profiles[0])
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retry.Do(ctx, fastConfig(), func(context.Context) error {
		return conflict(1)
	})

	require.Error(t, err)
	assert.Equal(t, domain.EUNAVAILABLE, domain.ErrorCode(err))
	assert.True(t, errors.Is(err, context.Canceled))
}
