package action

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// 执行日志的条目结果。rejected 表示动作在执行前被治理规则拒绝。
const (
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionRejected  = "rejected"
)

// ExecutionEntry 是执行日志中的一条只追加记录。
// 原始 payload 永远不落日志，只保留其 SHA-256 摘要。
type ExecutionEntry struct {
	ID             int64  `json:"id"`
	AgentID        string `json:"agent_id"`
	ActionID       string `json:"action_id,omitempty"`
	ActionType     string `json:"action_type"`
	Status         string `json:"status"`
	PayloadHash    string `json:"payload_hash"`
	CreditsCharged int64  `json:"credits_charged"`
	DurationMS     int64  `json:"duration_ms"`
	Error          string `json:"error,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// ExecutionLog 抽象只追加的执行日志。
// 限流依据来自 CountCompletedSince：只统计成功完成的执行。
type ExecutionLog interface {
	Append(ctx context.Context, entry *ExecutionEntry) error
	CountCompletedSince(ctx context.Context, agentID, actionType string, since time.Time) (int, error)
	Recent(ctx context.Context, agentID string, limit int) ([]*ExecutionEntry, error)
	Close() error
}

// HashPayload 计算 payload 的 SHA-256 摘要（十六进制）。
// JSON 编码失败时退化为对空串取摘要，保证日志写入不被阻断。
func HashPayload(payload map[string]any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
