package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:        3,
		InitialInterval:    time.Millisecond,
		MaxInterval:        5 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaxElapsedTime:     time.Second,
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), zap.NewNop(), func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	sentinel := errors.New("still failing")
	calls := 0
	err := Do(context.Background(), fastConfig(), zap.NewNop(), func() error {
		calls++
		return sentinel
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "max attempts reached")
	assert.Equal(t, 3, calls)
}

func TestDo_NonRetryableReturnedAsIs(t *testing.T) {
	permanent := errors.New("permanent")
	cfg := fastConfig().WithPredicate(func(err error) bool { return !errors.Is(err, permanent) })

	calls := 0
	err := Do(context.Background(), cfg, zap.NewNop(), func() error {
		calls++
		return permanent
	})

	assert.Same(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestDoWithResult_ReturnsValue(t *testing.T) {
	calls := 0
	v, err := DoWithResult(context.Background(), fastConfig(), zap.NewNop(), func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("first call fails")
		}
		return "pi_1", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "pi_1", v)
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastConfig(), zap.NewNop(), func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
