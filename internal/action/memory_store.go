package action

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "nookplot-core/internal/errors"
)

// MemoryStore 以内存方式保存动作状态，主要用于测试。
// 领取语义与 MySQL 实现保持一致：同一行只会被一个工作者领取成功。
type MemoryStore struct {
	mu      sync.Mutex
	actions map[string]*Action
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actions: make(map[string]*Action),
		now:     time.Now,
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, act *Action) error {
	if act == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "action 不能为空")
	}
	if act.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "动作 ID 不能为空")
	}
	if !IsValidStatus(act.Status) {
		return xerrors.New(CodeActionValidation, "非法的动作状态")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actions[act.ID]; ok {
		return ErrActionConflict
	}
	now := m.now().Unix()
	if act.CreatedAt == 0 {
		act.CreatedAt = now
	}
	act.UpdatedAt = now
	m.actions[act.ID] = cloneAction(act)
	return nil
}

// Get 返回动作。
func (m *MemoryStore) Get(_ context.Context, id string) (*Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	act, ok := m.actions[id]
	if !ok {
		return nil, ErrActionNotFound
	}
	return cloneAction(act), nil
}

// Approve 将 pending 动作标记为 approved。
func (m *MemoryStore) Approve(_ context.Context, id, _ string) error {
	return m.transition(id, StatusApproved, "", "")
}

// Reject 将 pending 动作标记为 rejected。
func (m *MemoryStore) Reject(_ context.Context, id, _, reason string) error {
	return m.transition(id, StatusRejected, string(CodeApprovalRequired), reason)
}

func (m *MemoryStore) transition(id string, to Status, code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	act, ok := m.actions[id]
	if !ok {
		return ErrActionNotFound
	}
	if !CanTransition(act.Status, to) {
		return ErrActionConflict
	}
	act.Status = to
	act.ErrorCode = code
	act.LastError = lastError
	act.UpdatedAt = m.now().Unix()
	if IsTerminal(to) {
		act.CompletedAt = act.UpdatedAt
	}
	return nil
}

// ClaimApproved 按创建时间领取未被占用的 approved 动作。
func (m *MemoryStore) ClaimApproved(_ context.Context, workerID string, limit int) ([]*Action, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*Action, 0, limit)
	for _, act := range m.actions {
		if act.Status == StatusApproved && act.ClaimedBy == "" && act.CompletedAt == 0 {
			candidates = append(candidates, act)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt == candidates[j].CreatedAt {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt < candidates[j].CreatedAt
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := m.now().Unix()
	claimed := make([]*Action, 0, len(candidates))
	for _, act := range candidates {
		act.ClaimedBy = workerID
		act.ClaimedAt = now
		act.UpdatedAt = now
		claimed = append(claimed, cloneAction(act))
	}
	return claimed, nil
}

// ReleaseClaim 清除领取标记。
func (m *MemoryStore) ReleaseClaim(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	act, ok := m.actions[id]
	if !ok {
		return ErrActionNotFound
	}
	act.ClaimedBy = ""
	act.ClaimedAt = 0
	act.UpdatedAt = m.now().Unix()
	return nil
}

// MarkExecuting 将 approved 动作推进到 executing。
func (m *MemoryStore) MarkExecuting(_ context.Context, id string) error {
	return m.transition(id, StatusExecuting, "", "")
}

// MarkCompleted 记录成功结果。
func (m *MemoryStore) MarkCompleted(_ context.Context, id, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	act, ok := m.actions[id]
	if !ok {
		return ErrActionNotFound
	}
	if !CanTransition(act.Status, StatusCompleted) {
		return ErrActionConflict
	}
	now := m.now().Unix()
	act.Status = StatusCompleted
	act.Result = result
	act.LastError = ""
	act.ErrorCode = ""
	act.UpdatedAt = now
	act.CompletedAt = now
	return nil
}

// MarkFailed 标记动作失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	act, ok := m.actions[id]
	if !ok {
		return ErrActionNotFound
	}
	if !CanTransition(act.Status, StatusFailed) {
		return ErrActionConflict
	}
	now := m.now().Unix()
	act.Status = StatusFailed
	act.ErrorCode = code
	act.LastError = lastError
	act.UpdatedAt = now
	act.CompletedAt = now
	return nil
}

// SweepStale 清理滞留的动作。幂等：已清理的行进入终态不再匹配。
func (m *MemoryStore) SweepStale(_ context.Context, executingBefore, approvedBefore time.Time) ([]*Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().Unix()
	swept := make([]*Action, 0)
	for _, act := range m.actions {
		stale := (act.Status == StatusExecuting && act.UpdatedAt < executingBefore.Unix()) ||
			(act.Status == StatusApproved && act.CompletedAt == 0 && act.UpdatedAt < approvedBefore.Unix())
		if !stale {
			continue
		}
		act.Status = StatusFailed
		act.ErrorCode = string(CodeActionTimeout)
		act.LastError = "action timed out"
		act.UpdatedAt = now
		act.CompletedAt = now
		swept = append(swept, cloneAction(act))
	}
	sort.Slice(swept, func(i, j int) bool { return swept[i].ID < swept[j].ID })
	return swept, nil
}

// List 返回符合过滤条件的动作。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	opts.applyDefaults()

	results := make([]*Action, 0, len(m.actions))
	for _, act := range m.actions {
		if !matchesListFilters(act, opts) {
			continue
		}
		results = append(results, cloneAction(act))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByCreatedAsc {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt < results[j].CreatedAt
		}
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID > results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Action{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的动作数量。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (ActionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	opts.applyDefaults()

	stats := ActionStats{}
	for _, act := range m.actions {
		if !matchesListFilters(act, opts) {
			continue
		}
		stats.Total++
		switch act.Status {
		case StatusPending:
			stats.Pending++
		case StatusApproved:
			stats.Approved++
		case StatusRejected:
			stats.Rejected++
		case StatusExecuting:
			stats.Executing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

func matchesListFilters(act *Action, opts ListOptions) bool {
	if opts.AgentID != "" && act.AgentID != opts.AgentID {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if act.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.CreatedGTE > 0 && act.CreatedAt < opts.CreatedGTE {
		return false
	}
	if opts.CreatedLTE > 0 && act.CreatedAt > opts.CreatedLTE {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)

// MemoryExecutionLog 以内存方式保存执行日志，主要用于测试。
type MemoryExecutionLog struct {
	mu      sync.Mutex
	entries []*ExecutionEntry
	nextID  int64
	now     func() time.Time
	// failCounts 供测试注入计数故障，模拟限流检查不可用。
	failCounts bool
}

// NewMemoryExecutionLog 创建 MemoryExecutionLog。
func NewMemoryExecutionLog() *MemoryExecutionLog {
	return &MemoryExecutionLog{now: time.Now, nextID: 1}
}

// Append 实现 ExecutionLog 接口。
func (l *MemoryExecutionLog) Append(_ context.Context, entry *ExecutionEntry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry 不能为空")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	clone := *entry
	clone.ID = l.nextID
	l.nextID++
	if clone.CreatedAt == 0 {
		clone.CreatedAt = l.now().Unix()
	}
	l.entries = append(l.entries, &clone)
	entry.ID = clone.ID
	return nil
}

// CountCompletedSince 实现 ExecutionLog 接口。
func (l *MemoryExecutionLog) CountCompletedSince(_ context.Context, agentID, actionType string, since time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failCounts {
		return 0, xerrors.New(xerrors.CodeStorageFailure, "执行日志计数不可用")
	}
	count := 0
	cutoff := since.Unix()
	for _, entry := range l.entries {
		if entry.AgentID == agentID && entry.ActionType == actionType &&
			entry.Status == ExecutionCompleted && entry.CreatedAt >= cutoff {
			count++
		}
	}
	return count, nil
}

// Recent 返回最近的执行记录，按时间从新到旧。
func (l *MemoryExecutionLog) Recent(_ context.Context, agentID string, limit int) ([]*ExecutionEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	results := make([]*ExecutionEntry, 0, limit)
	for i := len(l.entries) - 1; i >= 0 && len(results) < limit; i-- {
		if l.entries[i].AgentID == agentID {
			clone := *l.entries[i]
			results = append(results, &clone)
		}
	}
	return results, nil
}

// Close 对内存日志无需操作。
func (l *MemoryExecutionLog) Close() error { return nil }

var _ ExecutionLog = (*MemoryExecutionLog)(nil)
