package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	r := Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, r.Delay(0))
	assert.Equal(t, 200*time.Millisecond, r.Delay(1))
	assert.Equal(t, 800*time.Millisecond, r.Delay(3))
	assert.Equal(t, time.Second, r.Delay(10), "delay is capped")

	r.Jitter = 0.5
	for i := 0; i < 50; i++ {
		d := r.Delay(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestDo(t *testing.T) {
	r := Config{MaxRetries: 3, BaseDelay: time.Millisecond, Multiplier: 1}
	boom := errors.New("boom")

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := r.Do(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return boom
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := r.Do(context.Background(), func(context.Context) error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 4, calls)
	})

	t.Run("permanent stops immediately", func(t *testing.T) {
		calls := 0
		err := r.Do(context.Background(), func(context.Context) error {
			calls++
			return Permanent(boom)
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancellation stops waiting", func(t *testing.T) {
		slow := Config{MaxRetries: 5, BaseDelay: time.Hour, Multiplier: 1}
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := slow.Do(ctx, func(context.Context) error {
			calls++
			cancel()
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})
}
