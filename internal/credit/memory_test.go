package credit

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryLedgerDeduct(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(0)
	if err := ledger.CreateAccount(ctx, "agent-1", 100); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	if err := ledger.DeductCredits(ctx, "agent-1", 60, "action", "a-1"); err != nil {
		t.Fatalf("DeductCredits: %v", err)
	}
	if err := ledger.DeductCredits(ctx, "agent-1", 60, "action", "a-2"); !stdErrors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("want ErrInsufficientCredits, got %v", err)
	}

	balance, err := ledger.GetBalance(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance.Balance != 40 {
		t.Fatalf("balance = %d, want 40", balance.Balance)
	}
	if balance.DailySpend != 60 {
		t.Fatalf("daily spend = %d, want 60", balance.DailySpend)
	}
}

func TestMemoryLedgerDailyLimit(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(50)
	if err := ledger.CreateAccount(ctx, "agent-1", 1000); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := ledger.DeductCredits(ctx, "agent-1", 40, "action", ""); err != nil {
		t.Fatalf("first deduction: %v", err)
	}
	if err := ledger.DeductCredits(ctx, "agent-1", 20, "action", ""); !stdErrors.Is(err, ErrDailySpendLimit) {
		t.Fatalf("want ErrDailySpendLimit, got %v", err)
	}
	// 拒绝的扣费不得留下任何变更。
	balance, _ := ledger.GetBalance(ctx, "agent-1")
	if balance.Balance != 960 || balance.DailySpend != 40 {
		t.Fatalf("rejected deduction mutated account: %+v", balance)
	}

	// 跨日后当日支出清零。
	ledger.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	if err := ledger.DeductCredits(ctx, "agent-1", 20, "action", ""); err != nil {
		t.Fatalf("deduction after rollover: %v", err)
	}
}

func TestMemoryLedgerPausedAndMissing(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(0)
	if err := ledger.DeductCredits(ctx, "ghost", 10, "action", ""); !stdErrors.Is(err, ErrAccountNotFound) {
		t.Fatalf("want ErrAccountNotFound, got %v", err)
	}
	if err := ledger.CreateAccount(ctx, "agent-1", 100); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	ledger.Pause("agent-1")
	if err := ledger.DeductCredits(ctx, "agent-1", 10, "action", ""); !stdErrors.Is(err, ErrAccountPaused) {
		t.Fatalf("want ErrAccountPaused, got %v", err)
	}
}

func TestMemoryLedgerPurchaseFlag(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(0)
	if err := ledger.CreateAccount(ctx, "agent-1", 0); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	purchased, err := ledger.HasPurchased(ctx, "agent-1")
	if err != nil || purchased {
		t.Fatalf("HasPurchased before purchase = %v, %v", purchased, err)
	}
	if err := ledger.AddCredits(ctx, "agent-1", 500, "purchase", "order-9"); err != nil {
		t.Fatalf("AddCredits: %v", err)
	}
	purchased, err = ledger.HasPurchased(ctx, "agent-1")
	if err != nil || !purchased {
		t.Fatalf("HasPurchased after purchase = %v, %v", purchased, err)
	}
}

func TestMemoryLedgerConcurrentDeductNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(0)
	if err := ledger.CreateAccount(ctx, "agent-1", 100); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ledger.DeductCredits(ctx, "agent-1", 10, "action", "")
		}()
	}
	wg.Wait()

	balance, err := ledger.GetBalance(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance.Balance != 0 {
		t.Fatalf("balance = %d, want exactly 0", balance.Balance)
	}
}
