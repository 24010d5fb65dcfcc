package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNextAlignedWithOffset(t *testing.T) {
	s := New(Options{Interval: 24 * time.Hour, AlignToStart: true, Offset: 3 * time.Hour}, zerolog.Nop())

	now := time.Date(2026, 3, 10, 1, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC), s.Next(now))

	now = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC), s.Next(now))

	now = time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC), s.Next(now))
}

func TestNextSixHourCadence(t *testing.T) {
	s := New(Options{Interval: 6 * time.Hour, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), s.Next(now))
}

func TestNextUnaligned(t *testing.T) {
	s := New(Options{Interval: 30 * time.Minute}, zerolog.Nop())
	now := time.Date(2026, 3, 10, 7, 13, 0, 0, time.UTC)
	assert.Equal(t, now.Add(30*time.Minute), s.Next(now))
}

func TestRunImmediateAndStop(t *testing.T) {
	s := New(Options{Interval: time.Hour, Immediate: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			calls.Add(1)
			cancel()
			return nil
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	assert.Panics(t, func() { New(Options{}, zerolog.Nop()) })
}
