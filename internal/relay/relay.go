package relay

import (
	xerrors "nookplot-core/internal/errors"
)

// 中继守卫的错误码。
const (
	CodeRelayCapExceeded xerrors.Code = "RELAY_CAP_EXCEEDED"
	CodeCircuitOpen      xerrors.Code = "CIRCUIT_OPEN"
	CodeCircuitNotReady  xerrors.Code = "CIRCUIT_NOT_READY"
	CodeRefundFailed     xerrors.Code = "REFUND_FAILED"
	CodeRelayNotFound    xerrors.Code = "RELAY_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeRelayCapExceeded, xerrors.Attributes{
		Message:   "daily relay cap exceeded",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeCircuitOpen, xerrors.Attributes{
		Message:   "gas circuit breaker is open",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeCircuitNotReady, xerrors.Attributes{
		Message:   "gas circuit breaker not initialized",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeRefundFailed, xerrors.Attributes{
		Message:   "relay credit refund failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRelayNotFound, xerrors.Attributes{
		Message:   "relay entry not found",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

var (
	ErrRelayCapExceeded = xerrors.New(CodeRelayCapExceeded, "daily relay cap exceeded")
	ErrCircuitOpen      = xerrors.New(CodeCircuitOpen, "gas circuit breaker is open")
	ErrCircuitNotReady  = xerrors.New(CodeCircuitNotReady, "gas circuit breaker not initialized")
	ErrRelayNotFound    = xerrors.New(CodeRelayNotFound, "relay entry not found")
)

// RelayStatus 是中继记录的生命周期状态。
type RelayStatus string

const (
	// StatusReserved 是预占状态：名额已计入，交易尚未提交。
	StatusReserved RelayStatus = "reserved"
	// StatusSubmitted 表示交易已广播，等待上链。
	StatusSubmitted RelayStatus = "submitted"
	// StatusMined 表示交易已上链成功。
	StatusMined RelayStatus = "mined"
	// StatusReverted 表示交易上链但执行回滚。
	StatusReverted RelayStatus = "reverted"
	// StatusFailed 表示已广播的交易被节点丢弃、未能上链。
	StatusFailed RelayStatus = "failed"
)

// Entry 是中继日志中的一行。
// Contract 与 Selector 在预占阶段为空，提交时一次性补齐。
// Tier 与 CreditsCharged 在预占时落盘：
// 退款必须按当时实际扣除的金额执行，层级在事后变动不影响结算。
type Entry struct {
	ID             string      `json:"id"`
	AgentID        string      `json:"agent_id"`
	Status         RelayStatus `json:"status"`
	Tier           int         `json:"tier"`
	CreditsCharged int64       `json:"credits_charged"`
	Contract       string      `json:"contract"`
	Selector       string      `json:"selector"`
	GasCostGwei    int64       `json:"gas_cost_gwei"`
	TxHash         string      `json:"tx_hash"`
	CreatedAt      int64       `json:"created_at"`
	UpdatedAt      int64       `json:"updated_at"`
}
