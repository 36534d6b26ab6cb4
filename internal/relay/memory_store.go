package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "nookplot-core/internal/errors"
)

// MemoryStore 是 Store 的内存实现，语义与 MySQL 实现保持一致。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryStore 创建空的内存中继日志。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Reserve 实现 Store：插入预占行并在同一临界区内计数。
func (s *MemoryStore) Reserve(_ context.Context, agentID string, tier int, creditCost int64, capPerDay int) (*Entry, error) {
	if agentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent_id 为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry := &Entry{
		ID:             uuid.NewString(),
		AgentID:        agentID,
		Status:         StatusReserved,
		Tier:           tier,
		CreditsCharged: creditCost,
		CreatedAt:      now.Unix(),
		UpdatedAt:      now.Unix(),
	}
	s.entries[entry.ID] = entry

	// 计数包含新行本身；超额则撤销插入，不留痕迹。
	cutoff := now.Add(-24 * time.Hour).Unix()
	count := 0
	for _, e := range s.entries {
		if e.AgentID == agentID && e.CreatedAt >= cutoff {
			count++
		}
	}
	if capPerDay > 0 && count > capPerDay {
		delete(s.entries, entry.ID)
		return nil, ErrRelayCapExceeded
	}
	copied := *entry
	return &copied, nil
}

// Promote 实现 Store。
func (s *MemoryStore) Promote(_ context.Context, id, contract, selector, txHash string, gasCostGwei int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return ErrRelayNotFound
	}
	if entry.Status != StatusReserved {
		return xerrors.New(xerrors.CodeConflict, "中继记录不在预占状态")
	}
	entry.Status = StatusSubmitted
	entry.Contract = contract
	entry.Selector = selector
	entry.TxHash = txHash
	entry.GasCostGwei = gasCostGwei
	entry.UpdatedAt = s.now().Unix()
	return nil
}

func (s *MemoryStore) markFinal(id string, from, to RelayStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return ErrRelayNotFound
	}
	if entry.Status != from {
		return xerrors.New(xerrors.CodeConflict, "中继记录状态不允许该迁移")
	}
	entry.Status = to
	entry.UpdatedAt = s.now().Unix()
	return nil
}

// MarkMined 实现 Store。
func (s *MemoryStore) MarkMined(_ context.Context, id string) error {
	return s.markFinal(id, StatusSubmitted, StatusMined)
}

// MarkReverted 实现 Store。
func (s *MemoryStore) MarkReverted(_ context.Context, id string) error {
	return s.markFinal(id, StatusSubmitted, StatusReverted)
}

// MarkFailed 实现 Store。
func (s *MemoryStore) MarkFailed(_ context.Context, id string) error {
	return s.markFinal(id, StatusSubmitted, StatusFailed)
}

// Delete 实现 Store：仅允许删除预占行。
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return ErrRelayNotFound
	}
	if entry.Status != StatusReserved {
		return xerrors.New(xerrors.CodeConflict, "只能删除预占状态的中继记录")
	}
	delete(s.entries, id)
	return nil
}

// Get 实现 Store。
func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrRelayNotFound
	}
	copied := *entry
	return &copied, nil
}

// SumGasSince 实现 Store。
func (s *MemoryStore) SumGasSince(_ context.Context, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := since.Unix()
	var sum int64
	for _, e := range s.entries {
		if e.CreatedAt >= cutoff {
			sum += e.GasCostGwei
		}
	}
	return sum, nil
}

// CountSince 实现 Store。
func (s *MemoryStore) CountSince(_ context.Context, agentID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := since.Unix()
	count := 0
	for _, e := range s.entries {
		if e.AgentID == agentID && e.CreatedAt >= cutoff {
			count++
		}
	}
	return count, nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
