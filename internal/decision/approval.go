package decision

import (
	"nookplot-core/internal/action"
)

// defaultCycleBudget 是半自治审批策略使用的单轮信用预算。
const defaultCycleBudget int64 = 5000

// ApprovalPolicy 实现 action.ApprovalDecider。
// 工具级 supervised 标记优先于一切自治级别。
type ApprovalPolicy struct {
	registry    action.Registry
	cycleBudget int64
}

// NewApprovalPolicy 构造审批策略。
func NewApprovalPolicy(registry action.Registry, cycleBudget int64) *ApprovalPolicy {
	if cycleBudget <= 0 {
		cycleBudget = defaultCycleBudget
	}
	return &ApprovalPolicy{registry: registry, cycleBudget: cycleBudget}
}

// RequiresApproval 回答给定动作是否需要人工审批。
// 直接执行路径没有智能体画像，边界检查退化为注册表的默认边界。
func (p *ApprovalPolicy) RequiresApproval(level action.AutonomyLevel, actionType string, cost int64) bool {
	return p.RequiresApprovalFor(level, actionType, cost, nil)
}

// RequiresApprovalFor 额外考虑智能体声明的边界列表：
// autonomous 级别下，声明在边界内的动作类型同样需要审批。
func (p *ApprovalPolicy) RequiresApprovalFor(level action.AutonomyLevel, actionType string, cost int64, boundaries []string) bool {
	policy, known := p.registry.Policy(actionType)
	if known && policy.Supervised {
		return true
	}
	switch level {
	case action.AutonomySupervised:
		return true
	case action.AutonomySemi:
		// 超过单轮预算一半的动作需要审批。
		return cost*2 > p.cycleBudget
	case action.AutonomyAutonomous:
		// 未注册、超出注册表默认边界或触碰智能体声明边界的工具需要审批。
		return !known || policy.Restricted || boundaryViolation(actionType, boundaries)
	case action.AutonomyFull:
		return false
	default:
		return true
	}
}

// boundaryViolation 报告动作类型是否出现在声明的边界列表里。
func boundaryViolation(actionType string, boundaries []string) bool {
	for _, boundary := range boundaries {
		if boundary == actionType {
			return true
		}
	}
	return false
}

var _ action.ApprovalDecider = (*ApprovalPolicy)(nil)
