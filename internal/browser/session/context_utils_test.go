package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCombineContext(t *testing.T) {
	type ctxKey string
	const key ctxKey = "target"

	t.Run("values come from primary", func(t *testing.T) {
		primary := context.WithValue(context.Background(), key, "tab-1")
		ctx, cancel := CombineContext(primary, context.Background())
		defer cancel()

		assert.Equal(t, "tab-1", ctx.Value(key))
		assert.NoError(t, ctx.Err())
	})

	t.Run("canceled by primary", func(t *testing.T) {
		primary, cancelPrimary := context.WithCancel(context.Background())
		ctx, cancel := CombineContext(primary, context.Background())
		defer cancel()

		cancelPrimary()
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})

	t.Run("canceled by secondary with its cause", func(t *testing.T) {
		secondary, cancelSecondary := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer cancelSecondary()
		ctx, cancel := CombineContext(context.Background(), secondary)
		defer cancel()

		assert.Eventually(t, func() bool { return ctx.Err() != nil }, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, context.Cause(ctx), context.DeadlineExceeded)
	})

	t.Run("cancel releases the secondary hook", func(t *testing.T) {
		secondary, cancelSecondary := context.WithCancel(context.Background())
		ctx, cancel := CombineContext(context.Background(), secondary)
		cancel()
		cancelSecondary()

		assert.ErrorIs(t, context.Cause(ctx), context.Canceled)
	})
}
