package ratelimit

import (
	"testing"
	"time"
)

func TestSlidingWindowAllowUpToLimit(t *testing.T) {
	w := NewSlidingWindow(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !w.Allow("agent-1") {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if w.Allow("agent-1") {
		t.Fatal("call beyond limit should be denied")
	}
	// 不同 key 互不影响。
	if !w.Allow("agent-2") {
		t.Fatal("fresh key should be allowed")
	}
}

func TestSlidingWindowDecaysAcrossRotation(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	current := base
	w := NewSlidingWindow(10, time.Minute)
	w.now = func() time.Time { return current }

	for i := 0; i < 10; i++ {
		if !w.Allow("k") {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if w.Allow("k") {
		t.Fatal("limit reached, call should be denied")
	}

	// 进入下一个窗口一半处：估算值 = 10 * 0.5 = 5。
	current = base.Add(90 * time.Second)
	if got := w.Estimate("k"); got != 5 {
		t.Fatalf("estimate = %v, want 5", got)
	}
	if !w.Allow("k") {
		t.Fatal("decayed window should admit new calls")
	}

	// 超过两个窗口后历史完全清零。
	current = base.Add(4 * time.Minute)
	if got := w.Estimate("k"); got != 0 {
		t.Fatalf("estimate after full expiry = %v, want 0", got)
	}
}

func TestSlidingWindowEstimateMonotoneWithinWindow(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	current := base
	w := NewSlidingWindow(100, time.Minute)
	w.now = func() time.Time { return current }

	for i := 0; i < 6; i++ {
		w.Allow("k")
	}
	current = base.Add(time.Minute)

	// 没有新调用时估算值随时间单调不增。
	prev := w.Estimate("k")
	for i := 1; i <= 6; i++ {
		current = base.Add(time.Minute + time.Duration(i)*10*time.Second)
		got := w.Estimate("k")
		if got > prev {
			t.Fatalf("estimate rose from %v to %v at step %d", prev, got, i)
		}
		prev = got
	}
}
