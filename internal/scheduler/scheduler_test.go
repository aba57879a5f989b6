package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNextWaitIntervalMode(t *testing.T) {
	s := New(ModeInterval, 0, 30*time.Second, discardLogger())
	now := time.Date(2025, 6, 1, 12, 17, 42, 0, time.UTC)
	if got := s.NextWait(now); got != 30*time.Second {
		t.Fatalf("NextWait = %v, want 30s", got)
	}
}

func TestNextWaitFundingWindow(t *testing.T) {
	s := New(ModeFundingWindow, 120, 0, discardLogger())

	cases := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{
			name: "mid hour",
			now:  time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC),
			want: 28 * time.Minute, // trigger at 12:58:00
		},
		{
			name: "just before the window",
			now:  time.Date(2025, 6, 1, 12, 57, 59, 0, time.UTC),
			want: time.Second,
		},
		{
			name: "inside the window",
			now:  time.Date(2025, 6, 1, 12, 58, 30, 0, time.UTC),
			want: 0,
		},
		{
			name: "top of the hour",
			now:  time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC),
			want: 58 * time.Minute, // next trigger at 13:58:00
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.NextWait(tc.now); got != tc.want {
				t.Errorf("NextWait(%v) = %v, want %v", tc.now, got, tc.want)
			}
		})
	}
}

func TestRunIntervalTicks(t *testing.T) {
	s := New(ModeInterval, 0, time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan struct{}, 8)

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context) {
			select {
			case ticks <- struct{}{}:
			default:
			}
		})
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(time.Second):
			t.Fatalf("tick %d never fired", i+1)
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunStopsWhileWaiting(t *testing.T) {
	s := New(ModeInterval, 0, time.Hour, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context) {
			t.Error("tick must not fire before the interval elapses")
		})
	}()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunFundingWindowFiresOncePerWindow(t *testing.T) {
	s := New(ModeFundingWindow, 5, 0, discardLogger())

	// Freeze time inside the window so the first trigger is immediate; the
	// post-tick sleep to the top of the hour then blocks until cancel.
	frozen := time.Date(2025, 6, 1, 12, 59, 58, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan struct{}, 8)

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context) { ticks <- struct{}{} })
	}()

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("window trigger never fired")
	}
	select {
	case <-ticks:
		t.Fatal("second tick fired inside the same window")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
