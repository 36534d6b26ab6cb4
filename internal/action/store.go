package action

import (
	"context"
	"time"
)

// Store 抽象动作状态的持久化接口。
// 领取语义是互斥性的唯一来源：ClaimApproved 必须保证同一行
// 只会被一个工作者领取成功，其余工作者自动跳过。
type Store interface {
	Create(ctx context.Context, act *Action) error
	Get(ctx context.Context, id string) (*Action, error)
	// Approve 将 pending 动作标记为 approved。
	Approve(ctx context.Context, id, reviewer string) error
	// Reject 将 pending 动作标记为 rejected。
	Reject(ctx context.Context, id, reviewer, reason string) error
	// ClaimApproved 按创建时间从旧到新领取至多 limit 条 approved 且
	// 未被领取、未完成的动作。领取通过逐行条件更新完成，冲突行跳过。
	ClaimApproved(ctx context.Context, workerID string, limit int) ([]*Action, error)
	// ReleaseClaim 清除领取标记，让可重试的动作回到待领取状态。
	ReleaseClaim(ctx context.Context, id string) error
	MarkExecuting(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, result string) error
	MarkFailed(ctx context.Context, id string, code, lastError string) error
	// SweepStale 将执行中超过 executingBefore、或已批准超过
	// approvedBefore 仍未完成的动作置为 failed（超时），返回被清理的行。
	// 幂等：已清理的行不会再次出现。
	SweepStale(ctx context.Context, executingBefore, approvedBefore time.Time) ([]*Action, error)
	List(ctx context.Context, opts ListOptions) ([]*Action, error)
	Stats(ctx context.Context, opts ListOptions) (ActionStats, error)
	Close() error
}
