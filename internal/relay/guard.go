package relay

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"nookplot-core/internal/credit"
	xerrors "nookplot-core/internal/errors"
	"nookplot-core/internal/observability/alerting"
	"nookplot-core/internal/observability/metrics"
	"nookplot-core/pkg/logger"
)

// IdentityReader 报告智能体是否完成链上身份注册。
// 由 internal/web3 提供实现。
type IdentityReader interface {
	RegistrationCompleted(ctx context.Context, agentID string) (bool, error)
}

// FraudScorer 给智能体打欺诈风险分，[0,1]，越高越可疑。
type FraudScorer interface {
	Score(ctx context.Context, agentID string) (float64, error)
}

// Guard 是中继守卫：层级判定、熔断检查与名额预占+计费。
type Guard struct {
	cfg      *Config
	store    Store
	ledger   credit.Ledger
	identity IdentityReader
	fraud    FraudScorer
	breaker  *CircuitBreaker
	alerter  alerting.Dispatcher
	log      *slog.Logger
}

// GuardOption 定义可选配置。
type GuardOption func(*Guard)

// WithIdentityReader 配置链上身份来源，启用 tier 1 判定。
func WithIdentityReader(reader IdentityReader) GuardOption {
	return func(g *Guard) { g.identity = reader }
}

// WithFraudScorer 配置欺诈评分器，高风险账户降级到 tier 0。
func WithFraudScorer(scorer FraudScorer) GuardOption {
	return func(g *Guard) { g.fraud = scorer }
}

// WithAlertDispatcher 配置告警出口。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) GuardOption {
	return func(g *Guard) { g.alerter = dispatcher }
}

// NewGuard 构造中继守卫。熔断器初始未就绪，
// 需调用 InitCircuitBreaker 完成重建后才放行请求。
func NewGuard(cfg *Config, store Store, ledger credit.Ledger, opts ...GuardOption) *Guard {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	g := &Guard{
		cfg:     cfg,
		store:   store,
		ledger:  ledger,
		breaker: NewCircuitBreaker(cfg.HourlyGasBudgetGwei, cfg.DailyGasBudgetGwei),
		log:     logger.Named("relay"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// InitCircuitBreaker 从中继日志重建熔断器窗口。
func (g *Guard) InitCircuitBreaker(ctx context.Context) error {
	return g.breaker.Init(ctx, g.store)
}

// CheckCircuitBreaker 报告当前是否放行中继请求。
func (g *Guard) CheckCircuitBreaker() error {
	err := g.breaker.Allow()
	metrics.SetBreakerOpen(errors.Is(err, ErrCircuitOpen))
	if errors.Is(err, ErrCircuitOpen) && g.alerter != nil {
		hourly, daily := g.breaker.Spent()
		event := alerting.Event{
			Code:     CodeCircuitOpen,
			Message:  "gas circuit breaker is open",
			Severity: xerrors.SeverityCritical,
			Metadata: map[string]string{
				"hourly_spent_gwei": strconv.FormatInt(hourly, 10),
				"daily_spent_gwei":  strconv.FormatInt(daily, 10),
			},
			OccurredAt: time.Now(),
		}
		if notifyErr := g.alerter.Notify(context.Background(), event); notifyErr != nil {
			g.log.Error("熔断告警发送失败", slog.Any("error", notifyErr))
		}
	}
	return err
}

// ComputeTier 判定智能体的信任层级：
// 购买过信用点 ⇒ 2；完成链上身份注册 ⇒ 1；否则 0。
// 欺诈分超阈值时强制降级到 0。
func (g *Guard) ComputeTier(ctx context.Context, agentID string) (int, error) {
	tier := 0
	purchased, err := g.ledger.HasPurchased(ctx, agentID)
	if err != nil && !errors.Is(err, credit.ErrAccountNotFound) {
		return 0, err
	}
	if purchased {
		tier = 2
	} else if g.identity != nil {
		registered, err := g.identity.RegistrationCompleted(ctx, agentID)
		if err != nil {
			// 身份源不可用时按未注册处理，不阻断请求。
			g.log.Warn("链上身份查询失败，按 tier 0 处理",
				slog.String("agent_id", agentID), slog.Any("error", err))
		} else if registered {
			tier = 1
		}
	}
	if tier > 0 && g.fraud != nil {
		score, err := g.fraud.Score(ctx, agentID)
		if err == nil && score > g.cfg.FraudThreshold {
			g.log.Warn("欺诈分超阈值，降级到 tier 0",
				slog.String("agent_id", agentID), slog.Float64("score", score))
			tier = 0
		}
	}
	return tier, nil
}

// CheckRelayCapAndCharge 是中继准入的核心：
// 熔断检查 → 层级判定 → 事务内预占名额 → 扣减层级费用。
// 账户不存在时按层级初始额度自动开户并重试扣费一次；
// 扣费仍失败则删除预占行，整体无痕迹。
func (g *Guard) CheckRelayCapAndCharge(ctx context.Context, agentID string) (*Entry, error) {
	if err := g.CheckCircuitBreaker(); err != nil {
		metrics.ObserveRelay(0, "circuit_open")
		return nil, err
	}
	tier, err := g.ComputeTier(ctx, agentID)
	if err != nil {
		return nil, err
	}
	params := g.cfg.Params(tier)

	entry, err := g.store.Reserve(ctx, agentID, tier, params.CreditCost, params.CapPerDay)
	if err != nil {
		if errors.Is(err, ErrRelayCapExceeded) {
			metrics.ObserveRelay(tier, "cap_exceeded")
			logger.AuditRecord("relay_rejected",
				slog.String("agent_id", agentID),
				slog.Int("tier", tier),
				slog.String("reason", string(CodeRelayCapExceeded)))
		}
		return nil, err
	}

	if err := g.chargeWithProvision(ctx, agentID, params, entry.ID); err != nil {
		// 扣费失败时撤销预占，名额计数不留痕迹。
		if delErr := g.store.Delete(ctx, entry.ID); delErr != nil {
			g.log.Error("撤销中继预占行失败",
				slog.String("relay_id", entry.ID), slog.Any("error", delErr))
		}
		metrics.ObserveRelay(tier, "charge_failed")
		return nil, err
	}

	metrics.ObserveRelay(tier, "admitted")
	logger.AuditRecord("relay_admitted",
		slog.String("agent_id", agentID),
		slog.String("relay_id", entry.ID),
		slog.Int("tier", tier),
		slog.Int64("credit_cost", params.CreditCost))
	return entry, nil
}

// chargeWithProvision 扣减层级费用；账户不存在时自动开户后重试一次。
func (g *Guard) chargeWithProvision(ctx context.Context, agentID string, params TierParams, refID string) error {
	err := g.ledger.DeductCredits(ctx, agentID, params.CreditCost, "relay", refID)
	if !errors.Is(err, credit.ErrAccountNotFound) {
		return err
	}
	if err := g.ledger.CreateAccount(ctx, agentID, params.InitialGrant); err != nil {
		if xerrors.CodeOf(err) != xerrors.CodeConflict {
			return err
		}
		// 并发开户撞到已存在的账户，直接走重试扣费。
	}
	return g.ledger.DeductCredits(ctx, agentID, params.CreditCost, "relay", refID)
}

// PromoteProvisionalRelay 把预占行原地推进为 submitted，
// 并把真实 gas 花费计入熔断器。绝不产生第二行。
func (g *Guard) PromoteProvisionalRelay(ctx context.Context, id, contract, selector, txHash string, gasCostGwei int64) error {
	if err := g.store.Promote(ctx, id, contract, selector, txHash, gasCostGwei); err != nil {
		return err
	}
	g.breaker.Record(gasCostGwei)
	logger.AuditRecord("relay_submitted",
		slog.String("relay_id", id),
		slog.String("contract", contract),
		slog.String("selector", selector),
		slog.Int64("gas_cost_gwei", gasCostGwei))
	return nil
}

// DeleteProvisionalRelay 删除一条从未推进的预占行。
func (g *Guard) DeleteProvisionalRelay(ctx context.Context, id string) error {
	return g.store.Delete(ctx, id)
}

// MarkMined 标记中继交易已上链成功。
func (g *Guard) MarkMined(ctx context.Context, id string) error {
	return g.store.MarkMined(ctx, id)
}

// MarkReverted 标记中继交易执行回滚。
func (g *Guard) MarkReverted(ctx context.Context, id string) error {
	return g.store.MarkReverted(ctx, id)
}

// MarkFailed 标记已广播但被节点丢弃、未能上链的中继交易。
func (g *Guard) MarkFailed(ctx context.Context, id string) error {
	return g.store.MarkFailed(ctx, id)
}

// RefundRelayCredits 按原因退还中继费用。
// 退款金额取自记录上落盘的扣费额：层级在扣费之后变动不影响结算。
// 退款失败不向上返回错误：记录审计与告警，转人工跟进。
func (g *Guard) RefundRelayCredits(ctx context.Context, agentID, id, reason string) {
	entry, err := g.store.Get(ctx, id)
	if err != nil {
		g.refundFailed(ctx, agentID, id, reason, err)
		return
	}
	amount := entry.CreditsCharged
	if err := g.ledger.AddCredits(ctx, agentID, amount, "relay_refund:"+reason, entry.ID); err != nil {
		g.refundFailed(ctx, agentID, id, reason, err)
		return
	}
	logger.AuditRecord("relay_refunded",
		slog.String("agent_id", agentID),
		slog.String("relay_id", id),
		slog.String("reason", reason),
		slog.Int64("amount", amount))
}

func (g *Guard) refundFailed(ctx context.Context, agentID, id, reason string, cause error) {
	g.log.Error("中继退款失败，转人工处理",
		slog.String("agent_id", agentID),
		slog.String("relay_id", id),
		slog.String("reason", reason),
		slog.Any("error", cause))
	if g.alerter != nil {
		event := alerting.Event{
			Code:       CodeRefundFailed,
			Message:    "relay credit refund failed: " + reason,
			Severity:   xerrors.SeverityCritical,
			AgentID:    agentID,
			Metadata:   map[string]string{"relay_id": id},
			OccurredAt: time.Now(),
		}
		if notifyErr := g.alerter.Notify(ctx, event); notifyErr != nil {
			g.log.Error("退款告警发送失败", slog.Any("error", notifyErr))
		}
	}
}
