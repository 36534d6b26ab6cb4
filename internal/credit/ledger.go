package credit

import (
	"context"

	xerrors "nookplot-core/internal/errors"
)

// AccountStatus 表示信用账户的状态。
type AccountStatus string

const (
	StatusActive AccountStatus = "active"
	StatusPaused AccountStatus = "paused"
)

// Balance 描述账户的余额快照。
type Balance struct {
	AgentID    string        `json:"agent_id"`
	Balance    int64         `json:"balance"`
	Status     AccountStatus `json:"status"`
	DailySpend int64         `json:"daily_spend"`
	DailyLimit int64         `json:"daily_limit"`
}

const (
	CodeAccountNotFound     xerrors.Code = "ACCOUNT_NOT_FOUND"
	CodeAccountPaused       xerrors.Code = "ACCOUNT_PAUSED"
	CodeInsufficientCredits xerrors.Code = "INSUFFICIENT_CREDITS"
	CodeDailySpendLimit     xerrors.Code = "DAILY_SPEND_LIMIT"
)

var (
	// ErrAccountNotFound 表示账户不存在。
	ErrAccountNotFound = xerrors.New(CodeAccountNotFound, "credit account not found")
	// ErrAccountPaused 表示账户被暂停，不允许扣费。
	ErrAccountPaused = xerrors.New(CodeAccountPaused, "credit account paused")
	// ErrInsufficientCredits 表示余额不足。
	ErrInsufficientCredits = xerrors.New(CodeInsufficientCredits, "insufficient credits")
	// ErrDailySpendLimit 表示当日支出已达上限。
	ErrDailySpendLimit = xerrors.New(CodeDailySpendLimit, "daily spend limit reached")
)

func init() {
	xerrors.Register(CodeAccountNotFound, xerrors.Attributes{
		Message:   "credit account not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAccountPaused, xerrors.Attributes{
		Message:   "credit account paused",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientCredits, xerrors.Attributes{
		Message:   "insufficient credits",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDailySpendLimit, xerrors.Attributes{
		Message:   "daily spend limit reached",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// Ledger 抽象信用账本。扣费必须是单次原子操作：
// 在同一条件更新里复核余额与当日限额，避免读改写竞态。
type Ledger interface {
	GetBalance(ctx context.Context, agentID string) (*Balance, error)
	// DeductCredits 扣减余额。余额不足、超出当日限额或账户不存在
	// 时返回对应的类型化错误，且不产生任何变更。
	DeductCredits(ctx context.Context, agentID string, amount int64, reason, refID string) error
	// AddCredits 增加余额，reason/refID 用于审计追溯（如退款）。
	AddCredits(ctx context.Context, agentID string, amount int64, reason, refID string) error
	CreateAccount(ctx context.Context, agentID string, initial int64) error
	// HasPurchased 报告账户是否发生过信用购买，用于中继层级判定。
	HasPurchased(ctx context.Context, agentID string) (bool, error)
	Close() error
}
