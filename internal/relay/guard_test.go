package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nookplot-core/internal/credit"
)

type staticIdentity struct {
	registered bool
	err        error
}

func (s *staticIdentity) RegistrationCompleted(context.Context, string) (bool, error) {
	return s.registered, s.err
}

type staticFraud struct{ score float64 }

func (s *staticFraud) Score(context.Context, string) (float64, error) {
	return s.score, nil
}

func newReadyGuard(t *testing.T, ledger credit.Ledger, opts ...GuardOption) (*Guard, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	guard := NewGuard(DefaultConfig(), store, ledger, opts...)
	if err := guard.InitCircuitBreaker(context.Background()); err != nil {
		t.Fatalf("InitCircuitBreaker: %v", err)
	}
	return guard, store
}

func TestComputeTierLadder(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown agent is tier 0", func(t *testing.T) {
		guard, _ := newReadyGuard(t, credit.NewMemoryLedger(0))
		tier, err := guard.ComputeTier(ctx, "agent-1")
		if err != nil || tier != 0 {
			t.Fatalf("tier = %d, err = %v, want 0", tier, err)
		}
	})

	t.Run("registered identity is tier 1", func(t *testing.T) {
		guard, _ := newReadyGuard(t, credit.NewMemoryLedger(0),
			WithIdentityReader(&staticIdentity{registered: true}))
		tier, err := guard.ComputeTier(ctx, "agent-1")
		if err != nil || tier != 1 {
			t.Fatalf("tier = %d, err = %v, want 1", tier, err)
		}
	})

	t.Run("credit purchase is tier 2", func(t *testing.T) {
		ledger := credit.NewMemoryLedger(0)
		if err := ledger.CreateAccount(ctx, "agent-1", 100); err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
		if err := ledger.AddCredits(ctx, "agent-1", 500, "purchase", "order-1"); err != nil {
			t.Fatalf("AddCredits: %v", err)
		}
		guard, _ := newReadyGuard(t, ledger)
		tier, err := guard.ComputeTier(ctx, "agent-1")
		if err != nil || tier != 2 {
			t.Fatalf("tier = %d, err = %v, want 2", tier, err)
		}
	})

	t.Run("fraud score downgrades to tier 0", func(t *testing.T) {
		guard, _ := newReadyGuard(t, credit.NewMemoryLedger(0),
			WithIdentityReader(&staticIdentity{registered: true}),
			WithFraudScorer(&staticFraud{score: 0.95}))
		tier, err := guard.ComputeTier(ctx, "agent-1")
		if err != nil || tier != 0 {
			t.Fatalf("tier = %d, err = %v, want 0", tier, err)
		}
	})
}

func TestCapAdmitsExactlyTierQuota(t *testing.T) {
	// tier 0 每日上限 3：前三次放行，第四次拒绝且不留痕迹。
	ctx := context.Background()
	ledger := credit.NewMemoryLedger(0)
	guard, store := newReadyGuard(t, ledger)

	for i := 0; i < 3; i++ {
		if _, err := guard.CheckRelayCapAndCharge(ctx, "agent-1"); err != nil {
			t.Fatalf("relay %d: %v", i, err)
		}
	}
	if _, err := guard.CheckRelayCapAndCharge(ctx, "agent-1"); !errors.Is(err, ErrRelayCapExceeded) {
		t.Fatalf("fourth relay = %v, want RELAY_CAP_EXCEEDED", err)
	}
	count, err := store.CountSince(ctx, "agent-1", time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("CountSince: %v", err)
	}
	if count != 3 {
		t.Fatalf("rows = %d, want 3 (rejected attempt must leave no trace)", count)
	}
}

func TestCapHoldsUnderConcurrentRequests(t *testing.T) {
	// tier 0 上限 3：8 个并发请求恰好放行 3 个，其余拒绝且不留痕迹。
	ctx := context.Background()
	ledger := credit.NewMemoryLedger(0)
	if err := ledger.CreateAccount(ctx, "agent-1", 10_000); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	guard, store := newReadyGuard(t, ledger)

	const attempts = 8
	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := guard.CheckRelayCapAndCharge(ctx, "agent-1")
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrRelayCapExceeded):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != 3 || rejected.Load() != 5 {
		t.Fatalf("admitted/rejected = %d/%d, want 3/5", admitted.Load(), rejected.Load())
	}
	count, err := store.CountSince(ctx, "agent-1", time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("CountSince: %v", err)
	}
	if count != 3 {
		t.Fatalf("rows = %d, want 3", count)
	}
	// 每次放行扣 tier 0 费用 50。
	if balance, err := ledger.GetBalance(ctx, "agent-1"); err != nil || balance.Balance != 10_000-3*50 {
		t.Fatalf("balance = %+v, err = %v, want 9850", balance, err)
	}
}

func TestFirstRelayAutoProvisionsAccount(t *testing.T) {
	// 账户不存在时按层级初始额度开户，再扣费：100 - 50 = 50。
	ctx := context.Background()
	ledger := credit.NewMemoryLedger(0)
	guard, _ := newReadyGuard(t, ledger)

	if _, err := guard.CheckRelayCapAndCharge(ctx, "agent-new"); err != nil {
		t.Fatalf("CheckRelayCapAndCharge: %v", err)
	}
	balance, err := ledger.GetBalance(ctx, "agent-new")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance.Balance != 50 {
		t.Fatalf("balance = %d, want 50", balance.Balance)
	}
}

func TestDeductionFailureRemovesProvisionalRow(t *testing.T) {
	ctx := context.Background()
	ledger := credit.NewMemoryLedger(0)
	if err := ledger.CreateAccount(ctx, "agent-1", 10); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	guard, store := newReadyGuard(t, ledger)

	if _, err := guard.CheckRelayCapAndCharge(ctx, "agent-1"); !errors.Is(err, credit.ErrInsufficientCredits) {
		t.Fatalf("CheckRelayCapAndCharge = %v, want INSUFFICIENT_CREDITS", err)
	}
	count, err := store.CountSince(ctx, "agent-1", time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("CountSince: %v", err)
	}
	if count != 0 {
		t.Fatalf("rows = %d, want 0 after failed charge", count)
	}
	if balance, err := ledger.GetBalance(ctx, "agent-1"); err != nil || balance.Balance != 10 {
		t.Fatalf("balance = %+v, err = %v, want untouched 10", balance, err)
	}
}

func TestOpenBreakerBlocksAdmission(t *testing.T) {
	ctx := context.Background()
	guard, _ := newReadyGuard(t, credit.NewMemoryLedger(0))
	guard.breaker.Record(guard.cfg.HourlyGasBudgetGwei)
	if _, err := guard.CheckRelayCapAndCharge(ctx, "agent-1"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("CheckRelayCapAndCharge = %v, want CIRCUIT_OPEN", err)
	}
}

func TestPromoteFeedsBreakerAndNeverAddsRows(t *testing.T) {
	ctx := context.Background()
	guard, store := newReadyGuard(t, credit.NewMemoryLedger(0))

	entry, err := guard.CheckRelayCapAndCharge(ctx, "agent-1")
	if err != nil {
		t.Fatalf("CheckRelayCapAndCharge: %v", err)
	}
	if err := guard.PromoteProvisionalRelay(ctx, entry.ID, "0xcontract", "0xa9059cbb", "0xhash", 700); err != nil {
		t.Fatalf("PromoteProvisionalRelay: %v", err)
	}

	promoted, err := store.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if promoted.Status != StatusSubmitted || promoted.GasCostGwei != 700 {
		t.Fatalf("entry = %+v", promoted)
	}
	count, err := store.CountSince(ctx, "agent-1", time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("CountSince: %v", err)
	}
	if count != 1 {
		t.Fatalf("rows = %d, want 1 (promotion updates in place)", count)
	}
	hourly, daily := guard.breaker.Spent()
	if hourly != 700 || daily != 700 {
		t.Fatalf("breaker spent = %d/%d, want 700/700", hourly, daily)
	}
}

func TestRelayLifecycleMinedAndReverted(t *testing.T) {
	ctx := context.Background()
	guard, store := newReadyGuard(t, credit.NewMemoryLedger(0))

	entry, err := guard.CheckRelayCapAndCharge(ctx, "agent-1")
	if err != nil {
		t.Fatalf("CheckRelayCapAndCharge: %v", err)
	}
	if err := guard.MarkMined(ctx, entry.ID); err == nil {
		t.Fatal("MarkMined on reserved row must fail")
	}
	if err := guard.PromoteProvisionalRelay(ctx, entry.ID, "0xc", "0x12345678", "0xh", 10); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if err := guard.MarkMined(ctx, entry.ID); err != nil {
		t.Fatalf("MarkMined: %v", err)
	}
	got, err := store.Get(ctx, entry.ID)
	if err != nil || got.Status != StatusMined {
		t.Fatalf("status = %v, err = %v", got, err)
	}
}

func TestRelayLifecycleDroppedTransaction(t *testing.T) {
	// 已广播但被节点丢弃的交易收尾为 failed，随后退款。
	ctx := context.Background()
	ledger := credit.NewMemoryLedger(0)
	guard, store := newReadyGuard(t, ledger)

	entry, err := guard.CheckRelayCapAndCharge(ctx, "agent-1")
	if err != nil {
		t.Fatalf("CheckRelayCapAndCharge: %v", err)
	}
	if err := guard.MarkFailed(ctx, entry.ID); err == nil {
		t.Fatal("MarkFailed on reserved row must fail")
	}
	if err := guard.PromoteProvisionalRelay(ctx, entry.ID, "0xc", "0x12345678", "0xh", 10); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if err := guard.MarkFailed(ctx, entry.ID); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, err := store.Get(ctx, entry.ID)
	if err != nil || got.Status != StatusFailed {
		t.Fatalf("status = %v, err = %v", got, err)
	}
	guard.RefundRelayCredits(ctx, "agent-1", entry.ID, "dropped")
	if balance, err := ledger.GetBalance(ctx, "agent-1"); err != nil || balance.Balance != 100 {
		t.Fatalf("balance = %+v, err = %v, want 100 after refund", balance, err)
	}
}

func TestRefundFailureIsSwallowed(t *testing.T) {
	// 退款失败只记录与告警，调用方不感知错误。
	ctx := context.Background()
	guard, _ := newReadyGuard(t, credit.NewMemoryLedger(0))
	guard.RefundRelayCredits(ctx, "agent-1", "missing-relay-id", "reverted")
}

func TestRefundReturnsChargedAmount(t *testing.T) {
	ctx := context.Background()
	ledger := credit.NewMemoryLedger(0)
	guard, _ := newReadyGuard(t, ledger)

	entry, err := guard.CheckRelayCapAndCharge(ctx, "agent-1")
	if err != nil {
		t.Fatalf("CheckRelayCapAndCharge: %v", err)
	}
	if entry.Tier != 0 || entry.CreditsCharged != 50 {
		t.Fatalf("entry tier/cost = %d/%d, want 0/50", entry.Tier, entry.CreditsCharged)
	}
	guard.RefundRelayCredits(ctx, "agent-1", entry.ID, "submit_failed")

	balance, err := ledger.GetBalance(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	// 自动开户 100，扣 50，退 50。
	if balance.Balance != 100 {
		t.Fatalf("balance = %d, want 100", balance.Balance)
	}
}

func TestRefundIgnoresLaterTierChange(t *testing.T) {
	// 扣费与结算之间层级变动不影响退款金额：退当时实际扣掉的数。
	ctx := context.Background()
	ledger := credit.NewMemoryLedger(0)
	guard, _ := newReadyGuard(t, ledger)

	// tier 0 准入：自动开户 100，扣 50。
	entry, err := guard.CheckRelayCapAndCharge(ctx, "agent-1")
	if err != nil {
		t.Fatalf("CheckRelayCapAndCharge: %v", err)
	}
	// 结算前购买信用点，智能体升到 tier 2（费用 10）。
	if err := ledger.AddCredits(ctx, "agent-1", 500, "purchase", "order-1"); err != nil {
		t.Fatalf("AddCredits: %v", err)
	}
	if tier, err := guard.ComputeTier(ctx, "agent-1"); err != nil || tier != 2 {
		t.Fatalf("tier = %d, err = %v, want 2", tier, err)
	}

	guard.RefundRelayCredits(ctx, "agent-1", entry.ID, "reverted")

	balance, err := ledger.GetBalance(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	// 100 - 50 + 500 + 50：退的是当初扣的 50，不是 tier 2 的 10。
	if balance.Balance != 600 {
		t.Fatalf("balance = %d, want 600 (refund the 50 originally charged)", balance.Balance)
	}
}
