package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errPermanent = errors.New("permanent")

func testPolicy(maxAttempts int) (Policy, *[]time.Duration) {
	var delays []time.Duration
	p := New(maxAttempts, time.Second, 30*time.Second, func(err error) bool {
		return errors.Is(err, errTransient)
	})
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return p, &delays
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	p, delays := testPolicy(3)
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestDoRetriesTransientWithExponentialBackoff(t *testing.T) {
	p, delays := testPolicy(3)
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	// 1s, 2s — doubling schedule with no jitter.
	require.Len(t, *delays, 2)
	assert.Equal(t, time.Second, (*delays)[0])
	assert.Equal(t, 2*time.Second, (*delays)[1])
}

func TestDoStopsOnPermanentError(t *testing.T) {
	p, delays := testPolicy(3)
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errPermanent
	})
	require.ErrorIs(t, err, errPermanent)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestDoExhaustsBudget(t *testing.T) {
	p, _ := testPolicy(3)
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errTransient
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "exhausted 3 attempts")
}

func TestDoHonorsContextCancellation(t *testing.T) {
	p, _ := testPolicy(5)
	ctx, cancel := context.WithCancel(context.Background())
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	err := p.Do(ctx, func(ctx context.Context) error {
		return errTransient
	})
	require.ErrorIs(t, err, context.Canceled)
}
