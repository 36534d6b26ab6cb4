package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerRefusesUntilInitialized(t *testing.T) {
	breaker := NewCircuitBreaker(1000, 10000)
	if err := breaker.Allow(); !errors.Is(err, ErrCircuitNotReady) {
		t.Fatalf("Allow before Init = %v, want CIRCUIT_NOT_READY", err)
	}
	if err := breaker.Init(context.Background(), NewMemoryStore()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := breaker.Allow(); err != nil {
		t.Fatalf("Allow after Init = %v", err)
	}
}

func TestBreakerReconstructsSpendFromRelayLog(t *testing.T) {
	// 重启后的窗口必须带着日志里已花掉的 gas，而不是从零放行。
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		entry, err := store.Reserve(ctx, "agent-1", 1, 25, 0)
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if err := store.Promote(ctx, entry.ID, "0xabc", "0x12345678", "0xhash", 600); err != nil {
			t.Fatalf("Promote: %v", err)
		}
	}

	breaker := NewCircuitBreaker(1000, 10000)
	if err := breaker.Init(ctx, store); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := breaker.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow = %v, want CIRCUIT_OPEN after reconstruction", err)
	}
}

func TestBreakerTripsOnEitherBudget(t *testing.T) {
	breaker := NewCircuitBreaker(100, 1000)
	if err := breaker.Init(context.Background(), NewMemoryStore()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	breaker.Record(99)
	if err := breaker.Allow(); err != nil {
		t.Fatalf("Allow under budget = %v", err)
	}
	breaker.Record(1)
	if err := breaker.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow at hourly budget = %v, want CIRCUIT_OPEN", err)
	}
}

func TestBreakerHourRolloverClearsOnlyWithDailyHeadroom(t *testing.T) {
	base := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	current := base
	breaker := NewCircuitBreaker(100, 150)
	breaker.now = func() time.Time { return current }
	if err := breaker.Init(context.Background(), NewMemoryStore()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	breaker.Record(100)
	if err := breaker.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow = %v, want CIRCUIT_OPEN", err)
	}

	// 跨过小时边界：小时窗口清零，天窗口仍有余量，恢复放行。
	current = base.Add(time.Hour)
	if err := breaker.Allow(); err != nil {
		t.Fatalf("Allow after hour rollover = %v", err)
	}

	// 再花 50，天窗口累计 150 达到预算；下一个小时边界也不能放行。
	breaker.Record(50)
	current = base.Add(2 * time.Hour)
	if err := breaker.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow with exhausted daily budget = %v, want CIRCUIT_OPEN", err)
	}

	// 跨过天边界后两个窗口都清零。
	current = base.Add(24 * time.Hour)
	if err := breaker.Allow(); err != nil {
		t.Fatalf("Allow after day rollover = %v", err)
	}
}
