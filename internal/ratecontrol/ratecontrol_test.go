package ratecontrol

import (
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	l := NewLimiter()
	for i := 0; i < 5; i++ {
		if !l.Allow("global", 5, 60_000) {
			t.Fatalf("request %d should be allowed within burst of 5", i)
		}
	}
	if l.Allow("global", 5, 60_000) {
		t.Fatal("6th request should exceed the burst of 5")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := NewLimiter()
	fakeNow := time.Now()
	l.clock = func() time.Time { return fakeNow }

	if !l.Allow("scoped", 2, 1000) {
		t.Fatal("first request should be allowed")
	}
	if !l.Allow("scoped", 2, 1000) {
		t.Fatal("second request should be allowed within burst")
	}
	if l.Allow("scoped", 2, 1000) {
		t.Fatal("third request should exceed burst before any time passes")
	}

	fakeNow = fakeNow.Add(1100 * time.Millisecond)
	if !l.Allow("scoped", 2, 1000) {
		t.Fatal("request after the window elapses should be allowed again")
	}
}

func TestAllowIsPerScope(t *testing.T) {
	l := NewLimiter()
	if !l.Allow("a", 1, 60_000) {
		t.Fatal("scope a first request should be allowed")
	}
	if !l.Allow("b", 1, 60_000) {
		t.Fatal("scope b is independent of scope a and should be allowed")
	}
}

func TestAllowZeroMaxNeverLimits(t *testing.T) {
	l := NewLimiter()
	for i := 0; i < 3; i++ {
		if !l.Allow("unbounded", 0, 60_000) {
			t.Fatal("max<=0 means no local burst gate")
		}
	}
}

func TestReset(t *testing.T) {
	l := NewLimiter()
	l.Allow("x", 1, 60_000)
	l.Allow("x", 1, 60_000) // exhausted
	l.Reset("x")
	if !l.Allow("x", 1, 60_000) {
		t.Fatal("reset should clear the bucket and allow again")
	}
}
