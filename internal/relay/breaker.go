package relay

import (
	"context"
	"sync"
	"time"

	xerrors "nookplot-core/internal/errors"
)

// CircuitBreaker 维护小时级与天级的 gas 花费滚动汇总，
// 任一预算耗尽即拒绝所有中继请求。
// 窗口在访问时按墙钟小时/天边界惰性清零；
// 某一窗口翻转只在另一窗口仍有余量时恢复放行。
type CircuitBreaker struct {
	mu sync.Mutex

	hourlyBudget int64
	dailyBudget  int64

	hourlySum int64
	dailySum  int64
	hourStart time.Time
	dayStart  time.Time

	// ready 在从中继日志重建完成前为 false，期间拒绝所有请求。
	ready bool
	now   func() time.Time
}

// NewCircuitBreaker 创建未就绪的熔断器；必须先调用 Init。
func NewCircuitBreaker(hourlyBudgetGwei, dailyBudgetGwei int64) *CircuitBreaker {
	return &CircuitBreaker{
		hourlyBudget: hourlyBudgetGwei,
		dailyBudget:  dailyBudgetGwei,
		now:          time.Now,
	}
}

// Init 从中继日志重建两个窗口的已花费汇总。
// 重启后的进程不能带着清零的窗口放行已超预算的流量。
func (b *CircuitBreaker) Init(ctx context.Context, store Store) error {
	if store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "熔断器缺少中继日志来源")
	}
	now := b.now()
	hourStart := now.Truncate(time.Hour)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	hourlySum, err := store.SumGasSince(ctx, hourStart)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "重建小时窗口失败")
	}
	dailySum, err := store.SumGasSince(ctx, dayStart)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "重建天窗口失败")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.hourStart = hourStart
	b.dayStart = dayStart
	b.hourlySum = hourlySum
	b.dailySum = dailySum
	b.ready = true
	return nil
}

// rotate 在墙钟边界惰性清零对应窗口。调用方必须持有锁。
func (b *CircuitBreaker) rotate() {
	now := b.now()
	if hourStart := now.Truncate(time.Hour); hourStart.After(b.hourStart) {
		b.hourStart = hourStart
		b.hourlySum = 0
	}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if dayStart.After(b.dayStart) {
		b.dayStart = dayStart
		b.dailySum = 0
	}
}

// Allow 报告当前是否放行：未就绪与任一预算耗尽都会拒绝。
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return ErrCircuitNotReady
	}
	b.rotate()
	if b.hourlyBudget > 0 && b.hourlySum >= b.hourlyBudget {
		return ErrCircuitOpen
	}
	if b.dailyBudget > 0 && b.dailySum >= b.dailyBudget {
		return ErrCircuitOpen
	}
	return nil
}

// Record 把一次中继的真实 gas 花费计入两个窗口。
func (b *CircuitBreaker) Record(gasCostGwei int64) {
	if gasCostGwei <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rotate()
	b.hourlySum += gasCostGwei
	b.dailySum += gasCostGwei
}

// Spent 返回两个窗口当前的累计花费，用于指标上报。
func (b *CircuitBreaker) Spent() (hourlyGwei, dailyGwei int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rotate()
	return b.hourlySum, b.dailySum
}

// Ready 报告重建是否完成。
func (b *CircuitBreaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}
