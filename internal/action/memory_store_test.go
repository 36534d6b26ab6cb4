package action

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func seedApproved(t *testing.T, store *MemoryStore, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		act := &Action{
			ID:      fmt.Sprintf("act-%03d", i),
			AgentID: "agent-1",
			Type:    "publish_post",
			Status:  StatusApproved,
		}
		if err := store.Create(ctx, act); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
}

func TestMemoryStoreClaimApprovedOldestFirst(t *testing.T) {
	store := NewMemoryStore()
	seedApproved(t, store, 5)

	claimed, err := store.ClaimApproved(context.Background(), "worker-a", 3)
	if err != nil {
		t.Fatalf("ClaimApproved: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d actions, want 3", len(claimed))
	}
	for i, act := range claimed {
		want := fmt.Sprintf("act-%03d", i)
		if act.ID != want {
			t.Fatalf("claimed[%d] = %s, want %s (oldest first)", i, act.ID, want)
		}
		if act.ClaimedBy != "worker-a" {
			t.Fatalf("claimed[%d].ClaimedBy = %q", i, act.ClaimedBy)
		}
	}
}

func TestMemoryStoreClaimExclusivity(t *testing.T) {
	store := NewMemoryStore()
	seedApproved(t, store, 40)

	var mu sync.Mutex
	seen := make(map[string]string)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		worker := fmt.Sprintf("worker-%d", w)
		go func() {
			defer wg.Done()
			for {
				claimed, err := store.ClaimApproved(context.Background(), worker, 5)
				if err != nil {
					t.Errorf("ClaimApproved: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, act := range claimed {
					if prev, dup := seen[act.ID]; dup {
						t.Errorf("action %s claimed by both %s and %s", act.ID, prev, worker)
					}
					seen[act.ID] = worker
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 40 {
		t.Fatalf("claimed %d distinct actions, want 40", len(seen))
	}
}

func TestMemoryStoreStateMachine(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	act := &Action{ID: "a1", AgentID: "agent-1", Type: "publish_post", Status: StatusPending}
	if err := store.Create(ctx, act); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// pending 不能直接执行。
	if err := store.MarkExecuting(ctx, "a1"); !stdErrors.Is(err, ErrActionConflict) {
		t.Fatalf("MarkExecuting on pending: want conflict, got %v", err)
	}
	if err := store.Approve(ctx, "a1", "reviewer"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	// 已批准的不能再次批准。
	if err := store.Approve(ctx, "a1", "reviewer"); !stdErrors.Is(err, ErrActionConflict) {
		t.Fatalf("double approve: want conflict, got %v", err)
	}
	if err := store.MarkExecuting(ctx, "a1"); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}
	if err := store.MarkCompleted(ctx, "a1", "done"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	// 终态不再迁移。
	if err := store.MarkFailed(ctx, "a1", "X", "late failure"); !stdErrors.Is(err, ErrActionConflict) {
		t.Fatalf("MarkFailed on completed: want conflict, got %v", err)
	}
	got, err := store.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted || got.CompletedAt == 0 {
		t.Fatalf("final state = %s completed_at=%d", got.Status, got.CompletedAt)
	}
}

func TestMemoryStoreSweepStaleIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return base }

	exec := &Action{ID: "stale-exec", AgentID: "agent-1", Type: "publish_post", Status: StatusApproved}
	if err := store.Create(ctx, exec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.MarkExecuting(ctx, "stale-exec"); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}
	appr := &Action{ID: "stale-appr", AgentID: "agent-1", Type: "publish_post", Status: StatusApproved}
	if err := store.Create(ctx, appr); err != nil {
		t.Fatalf("Create: %v", err)
	}
	fresh := &Action{ID: "fresh", AgentID: "agent-1", Type: "publish_post", Status: StatusApproved}

	// 时间推进 3 小时后再创建一条新的，不应被清理。
	store.now = func() time.Time { return base.Add(3 * time.Hour) }
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := store.now()
	swept, err := store.SweepStale(ctx, now.Add(-30*time.Minute), now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if len(swept) != 2 {
		t.Fatalf("swept %d, want 2", len(swept))
	}
	for _, act := range swept {
		if act.Status != StatusFailed || act.ErrorCode != string(CodeActionTimeout) {
			t.Fatalf("swept action %s: status=%s code=%s", act.ID, act.Status, act.ErrorCode)
		}
	}

	// 幂等：重复清理不会再次返回已处理的行。
	swept, err = store.SweepStale(ctx, now.Add(-30*time.Minute), now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("second SweepStale: %v", err)
	}
	if len(swept) != 0 {
		t.Fatalf("second sweep returned %d rows, want 0", len(swept))
	}

	got, _ := store.Get(ctx, "fresh")
	if got.Status != StatusApproved {
		t.Fatalf("fresh action swept unexpectedly: %s", got.Status)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedApproved(t, store, 3)
	other := &Action{ID: "other", AgentID: "agent-2", Type: "publish_post", Status: StatusPending}
	if err := store.Create(ctx, other); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.List(ctx, ListOptions{AgentID: "agent-1", Statuses: []Status{StatusApproved}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List returned %d, want 3", len(got))
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 4 || stats.Approved != 3 || stats.Pending != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}
