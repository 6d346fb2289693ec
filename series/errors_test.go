package series

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cyp0633/eventseries/recurrence"
)

func TestError_Is(t *testing.T) {
	err := fmt.Errorf("splitting: %w", InvalidState("event %q is not recurring", "talk"))

	assert.ErrorIs(t, err, ErrInvalidState)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.Equal(t, TypeInvalidState, TypeOf(err))
	assert.Equal(t, `invalid_state: event "talk" is not recurring`, errors.Unwrap(err).Error())
	assert.Equal(t, ErrorType(""), TypeOf(errors.New("plain")))
}

func TestDegraded(t *testing.T) {
	engineErr := &recurrence.EngineError{Op: "generate", Err: recurrence.ErrInvalidRule}
	err := degraded(engineErr)
	assert.ErrorIs(t, err, ErrEngineDegradation)
	assert.ErrorIs(t, err, recurrence.ErrInvalidRule)

	plain := errors.New("disk full")
	assert.Same(t, plain, degraded(plain))
}

func TestRetryOnConflict(t *testing.T) {
	ctx := context.Background()

	t.Run("retries a conflict once", func(t *testing.T) {
		calls := 0
		v, err := RetryOnConflict(ctx, func(context.Context) (int, error) {
			calls++
			if calls == 1 {
				return 0, Conflict(nil, "version changed")
			}
			return 42, nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 42, v)
		assert.Equal(t, 2, calls)
	})

	t.Run("gives up after the second conflict", func(t *testing.T) {
		calls := 0
		_, err := RetryOnConflict(ctx, func(context.Context) (int, error) {
			calls++
			return 0, Conflict(nil, "version changed")
		})
		assert.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, 2, calls)
	})

	t.Run("does not retry other failures", func(t *testing.T) {
		calls := 0
		_, err := RetryOnConflict(ctx, func(context.Context) (int, error) {
			calls++
			return 0, NotFound("missing")
		})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 1, calls)
	})

	t.Run("does not retry a cancelled request", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		calls := 0
		_, err := RetryOnConflict(cancelled, func(context.Context) (int, error) {
			calls++
			return 0, Conflict(nil, "version changed")
		})
		assert.True(t, IsRetryable(err))
		assert.Equal(t, 1, calls)
	})
}

func TestNewSlug(t *testing.T) {
	slug := NewSlug("  Yoga & Tea: Sunday Edition! ")
	assert.Regexp(t, `^yoga-tea-sunday-edition-[0-9a-f]{8}$`, slug)
	assert.NotEqual(t, slug, NewSlug("Yoga & Tea: Sunday Edition"))
	assert.Regexp(t, `^[0-9a-f]{8}$`, NewSlug("!!!"))
}
