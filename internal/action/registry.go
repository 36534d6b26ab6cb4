package action

import (
	"sync"
)

// RateLimit 描述工具级的调用频率上限。
type RateLimit struct {
	MaxPerHour int `json:"max_per_hour" yaml:"max_per_hour"`
	MaxPerDay  int `json:"max_per_day" yaml:"max_per_day"`
}

// ToolPolicy 描述一个可执行工具的成本、限流与审批属性。
type ToolPolicy struct {
	Name     string    `json:"name" yaml:"name"`
	BaseCost int64     `json:"base_cost" yaml:"base_cost"`
	Limit    RateLimit `json:"rate_limit" yaml:"rate_limit"`
	// Supervised 为 true 时该工具无视自治级别，一律需要人工审批。
	Supervised bool `json:"supervised" yaml:"supervised"`
	// Restricted 为 true 时该工具超出 autonomous 级别的默认边界。
	Restricted bool `json:"restricted" yaml:"restricted"`
}

// Registry 提供工具策略与机会类型映射的查询。
type Registry interface {
	// Policy 返回工具策略；未注册的工具返回 false。
	Policy(actionType string) (ToolPolicy, bool)
	// ResolveOpportunity 将机会类型映射到动作类型。
	ResolveOpportunity(opportunityType string) (string, bool)
	// Disabled 报告某智能体是否禁用了指定工具。
	Disabled(agentID, actionType string) bool
}

// ApprovalDecider 回答给定动作是否需要人工审批。
// 由决策引擎实现，执行器通过该接口回调，避免包间循环依赖。
type ApprovalDecider interface {
	RequiresApproval(level AutonomyLevel, actionType string, cost int64) bool
}

// StaticRegistry 是 Registry 的进程内实现，启动时装配完成后只读。
type StaticRegistry struct {
	mu            sync.RWMutex
	policies      map[string]ToolPolicy
	opportunities map[string]string
	disabled      map[string]map[string]struct{}
}

// NewStaticRegistry 创建空的 StaticRegistry。
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		policies:      make(map[string]ToolPolicy),
		opportunities: make(map[string]string),
		disabled:      make(map[string]map[string]struct{}),
	}
}

// RegisterTool 注册或覆盖一个工具策略。
func (r *StaticRegistry) RegisterTool(policy ToolPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[policy.Name] = policy
}

// MapOpportunity 建立机会类型到动作类型的映射。
func (r *StaticRegistry) MapOpportunity(opportunityType, actionType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opportunities[opportunityType] = actionType
}

// DisableTool 为指定智能体禁用某个工具。
func (r *StaticRegistry) DisableTool(agentID, actionType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.disabled[agentID]
	if !ok {
		set = make(map[string]struct{})
		r.disabled[agentID] = set
	}
	set[actionType] = struct{}{}
}

// Policy 实现 Registry 接口。
func (r *StaticRegistry) Policy(actionType string) (ToolPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	policy, ok := r.policies[actionType]
	return policy, ok
}

// ResolveOpportunity 实现 Registry 接口。
func (r *StaticRegistry) ResolveOpportunity(opportunityType string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actionType, ok := r.opportunities[opportunityType]
	return actionType, ok
}

// Disabled 实现 Registry 接口。
func (r *StaticRegistry) Disabled(agentID, actionType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.disabled[agentID]
	if !ok {
		return false
	}
	_, found := set[actionType]
	return found
}

var _ Registry = (*StaticRegistry)(nil)
