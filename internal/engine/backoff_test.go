package engine

import (
	"testing"
	"time"
)

func TestBackoffDelayBounded(t *testing.T) {
	p := BackoffPolicy{Base: 100 * time.Millisecond, MaxAttempts: 3}

	cases := []struct {
		attempt int
		delay   time.Duration
		ok      bool
	}{
		{1, 0, true},
		{2, 100 * time.Millisecond, true},
		{3, 200 * time.Millisecond, true},
		{4, 0, false},
		{5, 0, false},
	}
	for _, tc := range cases {
		delay, ok := p.Delay(tc.attempt)
		if delay != tc.delay || ok != tc.ok {
			t.Errorf("Delay(%d) = (%v, %v), want (%v, %v)", tc.attempt, delay, ok, tc.delay, tc.ok)
		}
	}
}

func TestBackoffDelayUnboundedWithCeiling(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Ceiling: 4 * time.Second}

	// Unbounded: never exhausts.
	for _, attempt := range []int{1, 10, 1000} {
		if _, ok := p.Delay(attempt); !ok {
			t.Fatalf("Delay(%d) exhausted an unbounded policy", attempt)
		}
	}

	want := []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, w := range want {
		delay, _ := p.Delay(i + 1)
		if delay != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, delay, w)
		}
	}
}

func TestBackoffDelayZeroBase(t *testing.T) {
	p := BackoffPolicy{MaxAttempts: 2}
	if delay, ok := p.Delay(2); delay != 0 || !ok {
		t.Errorf("Delay(2) with zero base = (%v, %v), want (0, true)", delay, ok)
	}
}
