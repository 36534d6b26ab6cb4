package action

import (
	xerrors "nookplot-core/internal/errors"
)

// Status 表示动作在生命周期中的状态。
// 状态机：pending → {approved, rejected}；approved → {executing, failed}；
// executing → {completed, failed}。completed/failed/rejected 为终态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// AutonomyLevel 表示智能体的自治级别，决定审批策略。
type AutonomyLevel string

const (
	AutonomySupervised AutonomyLevel = "supervised"
	AutonomySemi       AutonomyLevel = "semi_autonomous"
	AutonomyAutonomous AutonomyLevel = "autonomous"
	AutonomyFull       AutonomyLevel = "fully_autonomous"
)

// Action 描述一条待执行或已执行的治理动作。
type Action struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agent_id"`
	Type          string         `json:"type"`
	Title         string         `json:"title"`
	Payload       map[string]any `json:"payload,omitempty"`
	EstimatedCost int64          `json:"estimated_cost"`
	Status        Status         `json:"status"`
	ClaimedBy     string         `json:"claimed_by,omitempty"`
	ClaimedAt     int64          `json:"claimed_at,omitempty"`
	Result        string         `json:"result,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	UpdatedAt     int64          `json:"updated_at"`
	CompletedAt   int64          `json:"completed_at,omitempty"`
}

const (
	CodeActionNotFound       xerrors.Code = "ACTION_NOT_FOUND"
	CodeActionConflict       xerrors.Code = "ACTION_CONFLICT"
	CodeActionRateLimited    xerrors.Code = "ACTION_RATE_LIMITED"
	CodeRateCheckUnavailable xerrors.Code = "RATE_CHECK_UNAVAILABLE"
	CodeHandlerNotFound      xerrors.Code = "HANDLER_NOT_FOUND"
	CodeToolDisabled         xerrors.Code = "TOOL_DISABLED"
	CodeApprovalRequired     xerrors.Code = "APPROVAL_REQUIRED"
	CodeActionTimeout        xerrors.Code = "ACTION_TIMEOUT"
	CodeExecutionFailed      xerrors.Code = "ACTION_EXECUTION_FAILED"
	CodeActionValidation     xerrors.Code = "ACTION_VALIDATION_FAILED"
)

var (
	// ErrActionNotFound 表示指定的动作不存在。
	ErrActionNotFound = xerrors.New(CodeActionNotFound, "action not found")
	// ErrActionConflict 表示动作在当前状态下无法进行所请求的操作。
	ErrActionConflict = xerrors.New(CodeActionConflict, "action conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRateLimited 表示动作触发了工具级限流。
	ErrRateLimited = xerrors.New(CodeActionRateLimited, "action rate limited")
	// ErrRateCheckUnavailable 表示限流计数不可用，按拒绝处理。
	ErrRateCheckUnavailable = xerrors.New(CodeRateCheckUnavailable, "rate check unavailable")
	// ErrHandlerNotFound 表示动作类型没有对应的处理器。
	ErrHandlerNotFound = xerrors.New(CodeHandlerNotFound, "handler not found")
	// ErrToolDisabled 表示工具被该智能体禁用。
	ErrToolDisabled = xerrors.New(CodeToolDisabled, "tool disabled for agent")
)

func init() {
	xerrors.Register(CodeActionNotFound, xerrors.Attributes{
		Message:   "action not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeActionConflict, xerrors.Attributes{
		Message:   "action conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeActionRateLimited, xerrors.Attributes{
		Message:   "action rate limited",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeRateCheckUnavailable, xerrors.Attributes{
		Message:   "rate check unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeHandlerNotFound, xerrors.Attributes{
		Message:   "handler not found",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeToolDisabled, xerrors.Attributes{
		Message:   "tool disabled for agent",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeApprovalRequired, xerrors.Attributes{
		Message:   "approval required",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeActionTimeout, xerrors.Attributes{
		Message:   "action timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeExecutionFailed, xerrors.Attributes{
		Message:   "action execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeActionValidation, xerrors.Attributes{
		Message:   "action validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusApproved, StatusRejected, StatusExecuting, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal 报告状态是否为终态。终态不允许再次迁移。
func IsTerminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusRejected:
		return true
	default:
		return false
	}
}

// CanTransition 校验状态迁移是否合法。
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusApproved || to == StatusRejected
	case StatusApproved:
		return to == StatusExecuting || to == StatusFailed
	case StatusExecuting:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	cloned := make(map[string]any, len(payload))
	for key, value := range payload {
		cloned[key] = value
	}
	return cloned
}

func cloneAction(act *Action) *Action {
	clone := *act
	clone.Payload = clonePayload(act.Payload)
	return &clone
}
