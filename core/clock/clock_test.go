package clock

import "testing"

func TestNowReturnsOverriddenValue(t *testing.T) {
	c := New()
	c.nowFn = func() uint64 { return 1000 }
	if got := c.Now(); got != 1000 {
		t.Fatalf("Now() = %d, want 1000", got)
	}
}

func TestNowUniqueAdvancesWithClock(t *testing.T) {
	c := New()
	t1 := uint64(1000)
	c.nowFn = func() uint64 { return t1 }

	if got := c.NowUnique(); got != 1000 {
		t.Fatalf("NowUnique() = %d, want 1000", got)
	}

	t1 = 1005
	if got := c.NowUnique(); got != 1005 {
		t.Fatalf("NowUnique() = %d, want 1005", got)
	}
}

func TestNowUniqueBumpsWhenClockStalls(t *testing.T) {
	c := New()
	c.nowFn = func() uint64 { return 2000 }

	first := c.NowUnique()
	second := c.NowUnique()
	third := c.NowUnique()

	if first != 2000 {
		t.Fatalf("first = %d, want 2000", first)
	}
	if second != 2001 {
		t.Fatalf("second = %d, want 2001 (clock stalled, counter should bump)", second)
	}
	if third != 2002 {
		t.Fatalf("third = %d, want 2002", third)
	}
}

func TestNowUniqueNeverGoesBackwardsWhenClockRegresses(t *testing.T) {
	c := New()
	c.nowFn = func() uint64 { return 5000 }
	first := c.NowUnique()

	c.nowFn = func() uint64 { return 4000 }
	second := c.NowUnique()

	if second <= first {
		t.Fatalf("second (%d) should be strictly greater than first (%d) even if the wall clock regressed", second, first)
	}
}
