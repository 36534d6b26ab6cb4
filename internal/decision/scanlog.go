package decision

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "nookplot-core/internal/errors"
)

// ScanEntry 记录一轮主动扫描的汇总。
type ScanEntry struct {
	ID                 string `json:"id"`
	AgentID            string `json:"agent_id"`
	OpportunitiesFound int    `json:"opportunities_found"`
	Proposed           int    `json:"proposed"`
	AutoExecuted       int    `json:"auto_executed"`
	CreditsSpent       int64  `json:"credits_spent"`
	DurationMS         int64  `json:"duration_ms"`
	CreatedAt          int64  `json:"created_at"`
}

// ScanLog 是扫描日志存储接口。
type ScanLog interface {
	Append(ctx context.Context, entry *ScanEntry) error
	Recent(ctx context.Context, agentID string, limit int) ([]*ScanEntry, error)
	Close() error
}

// MemoryScanLog 是内存实现，用于测试与单机部署。
type MemoryScanLog struct {
	mu      sync.RWMutex
	entries []*ScanEntry
	now     func() time.Time
}

// NewMemoryScanLog 创建内存扫描日志。
func NewMemoryScanLog() *MemoryScanLog {
	return &MemoryScanLog{now: time.Now}
}

// Append 追加一条扫描记录。
func (l *MemoryScanLog) Append(_ context.Context, entry *ScanEntry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "扫描记录为空")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	stored := *entry
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt == 0 {
		stored.CreatedAt = l.now().Unix()
	}
	l.entries = append(l.entries, &stored)
	entry.ID = stored.ID
	entry.CreatedAt = stored.CreatedAt
	return nil
}

// Recent 返回智能体最近的扫描记录，按时间倒序。
func (l *MemoryScanLog) Recent(_ context.Context, agentID string, limit int) ([]*ScanEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*ScanEntry, 0, limit)
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if agentID != "" && l.entries[i].AgentID != agentID {
			continue
		}
		copied := *l.entries[i]
		out = append(out, &copied)
	}
	return out, nil
}

// Close 实现 ScanLog。
func (l *MemoryScanLog) Close() error { return nil }

var _ ScanLog = (*MemoryScanLog)(nil)

// MySQLScanLog 把扫描日志持久化到 MySQL。
type MySQLScanLog struct {
	db *sql.DB
}

// NewMySQLScanLog 创建并确保 scan_log 表存在。
func NewMySQLScanLog(db *sql.DB) (*MySQLScanLog, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "数据库连接为空")
	}
	l := &MySQLScanLog{db: db}
	if err := l.ensureSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *MySQLScanLog) ensureSchema() error {
	const ddl = `CREATE TABLE IF NOT EXISTS scan_log (
		id VARCHAR(64) PRIMARY KEY,
		agent_id VARCHAR(64) NOT NULL,
		opportunities_found INT NOT NULL DEFAULT 0,
		proposed INT NOT NULL DEFAULT 0,
		auto_executed INT NOT NULL DEFAULT 0,
		credits_spent BIGINT NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		INDEX idx_scan_agent_created (agent_id, created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
	if _, err := l.db.Exec(ddl); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化扫描日志表失败")
	}
	return nil
}

// Append 写入一条扫描记录。
func (l *MySQLScanLog) Append(ctx context.Context, entry *ScanEntry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "扫描记录为空")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO scan_log (id, agent_id, opportunities_found, proposed, auto_executed, credits_spent, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AgentID, entry.OpportunitiesFound, entry.Proposed,
		entry.AutoExecuted, entry.CreditsSpent, entry.DurationMS, entry.CreatedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入扫描记录失败")
	}
	return nil
}

// Recent 查询智能体最近的扫描记录。
func (l *MySQLScanLog) Recent(ctx context.Context, agentID string, limit int) ([]*ScanEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, agent_id, opportunities_found, proposed, auto_executed, credits_spent, duration_ms, created_at
		FROM scan_log`
	args := make([]any, 0, 2)
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询扫描记录失败")
	}
	defer rows.Close()

	var out []*ScanEntry
	for rows.Next() {
		entry := &ScanEntry{}
		if err := rows.Scan(&entry.ID, &entry.AgentID, &entry.OpportunitiesFound, &entry.Proposed,
			&entry.AutoExecuted, &entry.CreditsSpent, &entry.DurationMS, &entry.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取扫描记录失败")
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历扫描记录失败")
	}
	return out, nil
}

// Close 实现 ScanLog。
func (l *MySQLScanLog) Close() error { return nil }

var _ ScanLog = (*MySQLScanLog)(nil)
