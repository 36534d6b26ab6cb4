package credit

import (
	"context"
	"sync"
	"time"

	xerrors "nookplot-core/internal/errors"
)

// MemoryLedger 以内存方式维护信用账户，主要用于测试。
type MemoryLedger struct {
	mu         sync.Mutex
	accounts   map[string]*memoryAccount
	dailyLimit int64
	now        func() time.Time
}

type memoryAccount struct {
	balance    int64
	status     AccountStatus
	dailySpend int64
	spendDay   string
	purchased  bool
}

// NewMemoryLedger 创建 MemoryLedger。dailyLimit <= 0 表示不限制当日支出。
func NewMemoryLedger(dailyLimit int64) *MemoryLedger {
	return &MemoryLedger{
		accounts:   make(map[string]*memoryAccount),
		dailyLimit: dailyLimit,
		now:        time.Now,
	}
}

func (m *MemoryLedger) account(agentID string) (*memoryAccount, error) {
	acct, ok := m.accounts[agentID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	day := m.now().UTC().Format("2006-01-02")
	if acct.spendDay != day {
		acct.spendDay = day
		acct.dailySpend = 0
	}
	return acct, nil
}

// GetBalance 实现 Ledger 接口。
func (m *MemoryLedger) GetBalance(_ context.Context, agentID string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, err := m.account(agentID)
	if err != nil {
		return nil, err
	}
	return &Balance{
		AgentID:    agentID,
		Balance:    acct.balance,
		Status:     acct.status,
		DailySpend: acct.dailySpend,
		DailyLimit: m.dailyLimit,
	}, nil
}

// DeductCredits 原子扣减，校验失败时不产生任何变更。
func (m *MemoryLedger) DeductCredits(_ context.Context, agentID string, amount int64, _, _ string) error {
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "扣减金额必须为正数")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, err := m.account(agentID)
	if err != nil {
		return err
	}
	if acct.status == StatusPaused {
		return ErrAccountPaused
	}
	if acct.balance < amount {
		return ErrInsufficientCredits
	}
	if m.dailyLimit > 0 && acct.dailySpend+amount > m.dailyLimit {
		return ErrDailySpendLimit
	}
	acct.balance -= amount
	acct.dailySpend += amount
	return nil
}

// AddCredits 增加余额。reason 为 purchase 时记录购买标记。
func (m *MemoryLedger) AddCredits(_ context.Context, agentID string, amount int64, reason, _ string) error {
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "增加金额必须为正数")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, err := m.account(agentID)
	if err != nil {
		return err
	}
	acct.balance += amount
	if reason == "purchase" {
		acct.purchased = true
	}
	return nil
}

// CreateAccount 建立新账户，重复创建返回冲突。
func (m *MemoryLedger) CreateAccount(_ context.Context, agentID string, initial int64) error {
	if agentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agentID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[agentID]; ok {
		return xerrors.New(xerrors.CodeConflict, "账户已存在")
	}
	m.accounts[agentID] = &memoryAccount{
		balance:  initial,
		status:   StatusActive,
		spendDay: m.now().UTC().Format("2006-01-02"),
	}
	return nil
}

// HasPurchased 实现 Ledger 接口。
func (m *MemoryLedger) HasPurchased(_ context.Context, agentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[agentID]
	if !ok {
		return false, ErrAccountNotFound
	}
	return acct.purchased, nil
}

// Pause 将账户置为暂停，供测试与运维使用。
func (m *MemoryLedger) Pause(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[agentID]; ok {
		acct.status = StatusPaused
	}
}

// Close 对内存账本无需操作。
func (m *MemoryLedger) Close() error { return nil }

var _ Ledger = (*MemoryLedger)(nil)
