package relay

import (
	"context"
	"time"
)

// Store 是中继日志存储接口。
// Reserve 必须在单个事务内完成预占与滚动 24 小时计数，
// 超额时整体回滚、不留任何痕迹。
type Store interface {
	// Reserve 为智能体预占一个中继名额，行上同时落盘层级与本次应扣费用。
	// 计数包含新插入的行本身；超过 capPerDay 时返回 RELAY_CAP_EXCEEDED。
	Reserve(ctx context.Context, agentID string, tier int, creditCost int64, capPerDay int) (*Entry, error)
	// Promote 把预占行原地更新为 submitted 并补齐真实字段。
	Promote(ctx context.Context, id, contract, selector, txHash string, gasCostGwei int64) error
	// MarkMined / MarkReverted / MarkFailed 收尾行的生命周期。
	MarkMined(ctx context.Context, id string) error
	MarkReverted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	// Delete 删除一条从未推进的预占行。
	Delete(ctx context.Context, id string) error
	// Get 返回单条中继记录。
	Get(ctx context.Context, id string) (*Entry, error)
	// SumGasSince 汇总指定时间之后所有行的 gas 花费，供熔断器重建。
	SumGasSince(ctx context.Context, since time.Time) (int64, error)
	// CountSince 返回智能体在指定时间之后的中继行数。
	CountSince(ctx context.Context, agentID string, since time.Time) (int, error)
	Close() error
}
