package decision

import (
	"context"
	"sort"
	"time"

	"nookplot-core/internal/action"
	"nookplot-core/internal/credit"
	xerrors "nookplot-core/internal/errors"
	"nookplot-core/internal/llm"
	"nookplot-core/internal/ratelimit"
)

const (
	CodeEvaluationFailed xerrors.Code = "EVALUATION_FAILED"
)

func init() {
	xerrors.Register(CodeEvaluationFailed, xerrors.Attributes{
		Message:   "opportunity evaluation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// AgentContext 描述参与评估的智能体画像。
// Boundaries 是智能体自行声明的禁区动作类型，
// autonomous 级别下触碰边界的动作需要人工审批。
type AgentContext struct {
	Mission       string               `json:"mission"`
	Domains       []string             `json:"domains"`
	Goals         []string             `json:"goals"`
	AutonomyLevel action.AutonomyLevel `json:"autonomy_level"`
	Boundaries    []string             `json:"boundaries"`
}

// Opportunity 是一次扫描发现的候选机会。
type Opportunity struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	EstimatedValue int64  `json:"estimated_value"`
}

// Candidate 是通过对齐度筛选后的机会，按效率降序排列。
type Candidate struct {
	Opportunity Opportunity `json:"opportunity"`
	Alignment   float64     `json:"alignment"`
	ActionType  string      `json:"action_type"`
	Cost        int64       `json:"cost"`
	Efficiency  float64     `json:"efficiency"`
	// RequiresApproval 标记该候选在当前自治级别下需要人工审批。
	RequiresApproval bool `json:"requires_approval"`
}

// Evaluation 汇总一次评估的结果。
type Evaluation struct {
	Candidates []Candidate `json:"candidates"`
	Skipped    int         `json:"skipped"`
}

// FeedbackSource 提供智能体在指定时间之后收到的正负反馈计数。
type FeedbackSource interface {
	Feedback(ctx context.Context, agentID string, since time.Time) (up, down int, err error)
}

// Engine 是决策引擎：对齐度筛选、效率排序与审批闸门。
type Engine struct {
	registry action.Registry
	ledger   credit.Ledger
	scorer   *alignmentScorer
	policy   *ApprovalPolicy
	feedback FeedbackSource
	service  *action.Service
	scanLog  ScanLog

	baseThreshold float64
	now           func() time.Time
}

// EngineOption 定义可选配置。
type EngineOption func(*Engine)

// WithLLMScoring 启用大模型打分层。window 为推理调用的软限流，
// reserve 为启用打分要求的最低余额。
func WithLLMScoring(client llm.Client, window *ratelimit.SlidingWindow, reserve int64, timeout time.Duration) EngineOption {
	return func(e *Engine) {
		e.scorer.client = client
		e.scorer.window = window
		e.scorer.reserve = reserve
		e.scorer.timeout = timeout
	}
}

// WithFeedbackSource 配置声誉反馈来源。
func WithFeedbackSource(source FeedbackSource) EngineOption {
	return func(e *Engine) {
		e.feedback = source
	}
}

// WithScanLog 配置扫描日志存储。
func WithScanLog(log ScanLog) EngineOption {
	return func(e *Engine) {
		e.scanLog = log
	}
}

// WithCycleBudget 覆盖半自治审批策略使用的单轮预算。
func WithCycleBudget(budget int64) EngineOption {
	return func(e *Engine) {
		if budget > 0 {
			e.policy.cycleBudget = budget
		}
	}
}

// NewEngine 构造决策引擎。
func NewEngine(registry action.Registry, ledger credit.Ledger, service *action.Service, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:      registry,
		ledger:        ledger,
		service:       service,
		scorer:        newAlignmentScorer(),
		policy:        NewApprovalPolicy(registry, defaultCycleBudget),
		baseThreshold: 0.3,
		now:           time.Now,
	}
	e.scorer.ledger = ledger
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// ApprovalPolicy 返回引擎的审批策略，供执行器作为回调注入。
func (e *Engine) ApprovalPolicy() *ApprovalPolicy {
	return e.policy
}

// Evaluate 为智能体评估一批机会：
// 按声誉调整对齐门槛，淘汰低对齐度机会，剩余按效率降序排列。
func (e *Engine) Evaluate(ctx context.Context, agentID string, agent AgentContext, opportunities []Opportunity) (*Evaluation, error) {
	if e.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "决策引擎未初始化")
	}

	multiplier := e.reputationMultiplier(ctx, agentID)
	minAlignment := e.baseThreshold / multiplier

	eval := &Evaluation{Candidates: make([]Candidate, 0, len(opportunities))}
	for _, opp := range opportunities {
		alignment := e.scorer.Score(ctx, agentID, agent, opp)
		if alignment < minAlignment {
			eval.Skipped++
			continue
		}
		actionType, ok := e.registry.ResolveOpportunity(opp.Type)
		if !ok {
			eval.Skipped++
			continue
		}
		policy, ok := e.registry.Policy(actionType)
		if !ok {
			eval.Skipped++
			continue
		}
		cost := policy.BaseCost
		denom := cost
		if denom < 1 {
			denom = 1
		}
		eval.Candidates = append(eval.Candidates, Candidate{
			Opportunity:      opp,
			Alignment:        alignment,
			ActionType:       actionType,
			Cost:             cost,
			Efficiency:       alignment * float64(opp.EstimatedValue) / float64(denom),
			RequiresApproval: e.policy.RequiresApprovalFor(agent.AutonomyLevel, actionType, cost, agent.Boundaries),
		})
	}

	// 稳定排序：效率相同的候选保持输入顺序。
	sort.SliceStable(eval.Candidates, func(i, j int) bool {
		return eval.Candidates[i].Efficiency > eval.Candidates[j].Efficiency
	})
	return eval, nil
}

// reputationMultiplier 把近 30 天的正负反馈比例线性映射到 [0.5, 1.5]。
// 无反馈时为 1.0。上限收紧到 1.5，保证对齐门槛不超过 0.6。
func (e *Engine) reputationMultiplier(ctx context.Context, agentID string) float64 {
	if e.feedback == nil {
		return 1.0
	}
	up, down, err := e.feedback.Feedback(ctx, agentID, e.now().Add(-30*24*time.Hour))
	if err != nil || up+down == 0 {
		return 1.0
	}
	ratio := float64(up) / float64(up+down)
	multiplier := 0.5 + ratio
	if multiplier < 0.5 {
		multiplier = 0.5
	}
	if multiplier > 1.5 {
		multiplier = 1.5
	}
	return multiplier
}

// CreateAction 把候选转化为持久化动作。
// 免审批的候选直接进入 approved 并触发唤醒；其余停在 pending。
func (e *Engine) CreateAction(ctx context.Context, agentID string, agent AgentContext, cand Candidate) (*action.Action, error) {
	if e.service == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "动作服务未配置")
	}
	requires := e.policy.RequiresApprovalFor(agent.AutonomyLevel, cand.ActionType, cand.Cost, agent.Boundaries)
	act := &action.Action{
		AgentID: agentID,
		Type:    cand.ActionType,
		Title:   cand.Opportunity.Title,
		Payload: map[string]any{
			"opportunity_id":   cand.Opportunity.ID,
			"opportunity_type": cand.Opportunity.Type,
			"description":      cand.Opportunity.Description,
		},
		EstimatedCost: cand.Cost,
	}
	return e.service.Create(ctx, act, !requires)
}

// RecordScan 持久化一轮扫描的汇总信息。
func (e *Engine) RecordScan(ctx context.Context, entry *ScanEntry) error {
	if e.scanLog == nil {
		return nil
	}
	return e.scanLog.Append(ctx, entry)
}
