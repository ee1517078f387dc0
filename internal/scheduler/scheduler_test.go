package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewRejectsBadOptions(t *testing.T) {
	tick := func(context.Context, time.Time) error { return nil }
	if _, err := New(Options{Name: "x"}, tick, zerolog.Nop()); err == nil {
		t.Fatal("zero interval should fail")
	}
	if _, err := New(Options{Name: "x", Interval: time.Second}, nil, zerolog.Nop()); err == nil {
		t.Fatal("nil tick should fail")
	}
}

func TestNextTickAligned(t *testing.T) {
	s, err := New(Options{Interval: 15 * time.Minute, AlignToStart: true}, func(context.Context, time.Time) error { return nil }, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 7, 30, 0, time.UTC)
	if got, want := s.nextTick(now), time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("next tick: got %v want %v", got, want)
	}
	boundary := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)
	if got, want := s.nextTick(boundary), time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("next tick on boundary: got %v want %v", got, want)
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	var ticks atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(Options{Name: "items", Interval: 10 * time.Millisecond, RunOnStart: true}, func(ctx context.Context, _ time.Time) error {
		if ticks.Add(1) >= 3 {
			cancel()
		}
		return errors.New("tick errors are logged, not fatal")
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if ticks.Load() < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", ticks.Load())
	}
}

func TestRunAllStopsCleanly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var a, b atomic.Int32
	sa, _ := New(Options{Name: "a", Interval: 5 * time.Millisecond}, func(context.Context, time.Time) error { a.Add(1); return nil }, zerolog.Nop())
	sb, _ := New(Options{Name: "b", Interval: 5 * time.Millisecond}, func(context.Context, time.Time) error { b.Add(1); return nil }, zerolog.Nop())

	if err := RunAll(ctx, sa, sb); err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if a.Load() == 0 || b.Load() == 0 {
		t.Fatalf("both jobs should have ticked: a=%d b=%d", a.Load(), b.Load())
	}
}
