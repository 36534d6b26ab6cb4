package action

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "nookplot-core/internal/errors"
)

// MySQLStore 使用 MySQL 记录动作状态。
// 领取通过逐行条件 UPDATE 加 RowsAffected 判定完成，
// 等价于 SELECT ... FOR UPDATE SKIP LOCKED 的跳过语义。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已有连接池创建动作存储。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS actions (
        id VARCHAR(64) PRIMARY KEY,
        agent_id VARCHAR(64) NOT NULL,
        type VARCHAR(64) NOT NULL,
        title VARCHAR(255) DEFAULT '',
        payload TEXT,
        estimated_cost BIGINT NOT NULL DEFAULT 0,
        status VARCHAR(32) NOT NULL,
        claimed_by VARCHAR(64) DEFAULT NULL,
        claimed_at BIGINT DEFAULT NULL,
        result TEXT,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        completed_at BIGINT DEFAULT NULL,
        INDEX idx_action_status_created (status, created_at),
        INDEX idx_action_agent (agent_id, created_at)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 actions 表失败")
	}
	return nil
}

// Create 插入新的动作记录。
func (s *MySQLStore) Create(ctx context.Context, act *Action) error {
	if act == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "action 不能为空")
	}
	if strings.TrimSpace(act.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "动作 ID 不能为空")
	}
	if !IsValidStatus(act.Status) {
		return xerrors.New(CodeActionValidation, "非法的动作状态")
	}

	now := time.Now().Unix()
	act.CreatedAt = now
	act.UpdatedAt = now

	payloadValue, err := marshalPayload(act.Payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码动作 payload 失败")
	}

	const stmt = `INSERT INTO actions
        (id, agent_id, type, title, payload, estimated_cost, status, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		act.ID,
		act.AgentID,
		act.Type,
		act.Title,
		payloadValue,
		act.EstimatedCost,
		act.Status,
		act.CreatedAt,
		act.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrActionConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入动作失败")
	}
	return nil
}

const actionColumns = `id, agent_id, type, title, payload, estimated_cost, status,
        COALESCE(claimed_by, ''), COALESCE(claimed_at, 0), COALESCE(result, ''),
        COALESCE(last_error, ''), error_code, created_at, updated_at, COALESCE(completed_at, 0)`

func scanAction(row interface{ Scan(...any) error }) (*Action, error) {
	var act Action
	var payload sql.NullString
	if err := row.Scan(
		&act.ID,
		&act.AgentID,
		&act.Type,
		&act.Title,
		&payload,
		&act.EstimatedCost,
		&act.Status,
		&act.ClaimedBy,
		&act.ClaimedAt,
		&act.Result,
		&act.LastError,
		&act.ErrorCode,
		&act.CreatedAt,
		&act.UpdatedAt,
		&act.CompletedAt,
	); err != nil {
		return nil, err
	}
	decoded, err := unmarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	act.Payload = decoded
	return &act, nil
}

// Get 查询指定动作。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Action, error) {
	stmt := `SELECT ` + actionColumns + ` FROM actions WHERE id = ?`
	act, err := scanAction(s.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrActionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询动作失败")
	}
	return act, nil
}

// Approve 将 pending 动作标记为 approved。
func (s *MySQLStore) Approve(ctx context.Context, id, _ string) error {
	return s.conditionalTransition(ctx, id, StatusPending, StatusApproved, "", "")
}

// Reject 将 pending 动作标记为 rejected。
func (s *MySQLStore) Reject(ctx context.Context, id, _, reason string) error {
	return s.conditionalTransition(ctx, id, StatusPending, StatusRejected, string(CodeApprovalRequired), reason)
}

func (s *MySQLStore) conditionalTransition(ctx context.Context, id string, from, to Status, code, lastError string) error {
	stmt := `UPDATE actions SET status = ?, error_code = ?, last_error = ?, updated_at = ?`
	args := []any{to, code, lastError, time.Now().Unix()}
	if IsTerminal(to) {
		stmt += `, completed_at = ?`
		args = append(args, time.Now().Unix())
	}
	stmt += ` WHERE id = ? AND status = ?`
	args = append(args, id, from)

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新动作状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrActionConflict
	}
	return nil
}

// ClaimApproved 先选出候选行，再逐行条件更新领取；冲突行自动跳过。
func (s *MySQLStore) ClaimApproved(ctx context.Context, workerID string, limit int) ([]*Action, error) {
	if limit <= 0 {
		limit = 10
	}
	const selectStmt = `SELECT id FROM actions
        WHERE status = ? AND claimed_by IS NULL AND completed_at IS NULL
        ORDER BY created_at ASC, id ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, selectStmt, StatusApproved, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询候选动作失败")
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析候选动作失败")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历候选动作失败")
	}

	const claimStmt = `UPDATE actions SET claimed_by = ?, claimed_at = ?, updated_at = ?
        WHERE id = ? AND status = ? AND claimed_by IS NULL`
	now := time.Now().Unix()
	claimed := make([]*Action, 0, len(ids))
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, claimStmt, workerID, now, now, id, StatusApproved)
		if err != nil {
			return claimed, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取动作失败")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return claimed, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
		}
		if affected == 0 {
			// 被其他工作者抢先领取，跳过。
			continue
		}
		act, err := s.Get(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, act)
	}
	return claimed, nil
}

// ReleaseClaim 清除领取标记。
func (s *MySQLStore) ReleaseClaim(ctx context.Context, id string) error {
	const stmt = `UPDATE actions SET claimed_by = NULL, claimed_at = NULL, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放领取标记失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrActionNotFound
	}
	return nil
}

// MarkExecuting 将 approved 动作推进到 executing。
func (s *MySQLStore) MarkExecuting(ctx context.Context, id string) error {
	return s.conditionalTransition(ctx, id, StatusApproved, StatusExecuting, "", "")
}

// MarkCompleted 记录成功结果。
func (s *MySQLStore) MarkCompleted(ctx context.Context, id, result string) error {
	now := time.Now().Unix()
	const stmt = `UPDATE actions SET status = ?, result = ?, last_error = '', error_code = '',
        updated_at = ?, completed_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, StatusCompleted, result, now, now, id, StatusExecuting)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记动作完成失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrActionConflict
	}
	return nil
}

// MarkFailed 标记动作失败。approved 与 executing 两种来源状态都允许。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code, lastError string) error {
	now := time.Now().Unix()
	const stmt = `UPDATE actions SET status = ?, error_code = ?, last_error = ?,
        updated_at = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, StatusFailed, code, lastError, now, now, id, StatusApproved, StatusExecuting)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记动作失败失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrActionConflict
	}
	return nil
}

// SweepStale 清理滞留动作。终态行不再匹配，天然幂等。
func (s *MySQLStore) SweepStale(ctx context.Context, executingBefore, approvedBefore time.Time) ([]*Action, error) {
	selectStmt := `SELECT ` + actionColumns + ` FROM actions
        WHERE (status = ? AND updated_at < ?)
           OR (status = ? AND completed_at IS NULL AND updated_at < ?)
        ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, selectStmt,
		StatusExecuting, executingBefore.Unix(),
		StatusApproved, approvedBefore.Unix(),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询滞留动作失败")
	}
	stale := make([]*Action, 0)
	for rows.Next() {
		act, err := scanAction(rows)
		if err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析滞留动作失败")
		}
		stale = append(stale, act)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历滞留动作失败")
	}

	now := time.Now().Unix()
	const updateStmt = `UPDATE actions SET status = ?, error_code = ?, last_error = ?,
        updated_at = ?, completed_at = ? WHERE id = ? AND status = ?`
	swept := make([]*Action, 0, len(stale))
	for _, act := range stale {
		res, err := s.db.ExecContext(ctx, updateStmt,
			StatusFailed, string(CodeActionTimeout), "action timed out", now, now, act.ID, act.Status)
		if err != nil {
			return swept, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理滞留动作失败")
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			// 已被并发清理或完成，跳过。
			continue
		}
		act.Status = StatusFailed
		act.ErrorCode = string(CodeActionTimeout)
		act.LastError = "action timed out"
		act.UpdatedAt = now
		act.CompletedAt = now
		swept = append(swept, act)
	}
	return swept, nil
}

// List 返回符合过滤条件的动作。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Action, error) {
	opts.applyDefaults()

	query := `SELECT ` + actionColumns + ` FROM actions`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY created_at DESC, id DESC"
	if opts.Order == SortByCreatedAsc {
		order = " ORDER BY created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询动作列表失败")
	}
	defer rows.Close()

	actions := make([]*Action, 0, opts.Limit)
	for rows.Next() {
		act, err := scanAction(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析动作记录失败")
		}
		actions = append(actions, act)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历动作失败")
	}
	return actions, nil
}

// Stats 返回符合过滤条件的动作聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (ActionStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS approved,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS rejected,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS executing,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed
        FROM actions`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusPending), string(StatusApproved), string(StatusRejected),
		string(StatusExecuting), string(StatusCompleted), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats ActionStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Approved,
		&stats.Rejected,
		&stats.Executing,
		&stats.Completed,
		&stats.Failed,
	); err != nil {
		return ActionStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询动作统计失败")
	}
	return stats, nil
}

// Close 由共享连接池的持有方负责关闭。
func (s *MySQLStore) Close() error { return nil }

func marshalPayload(payload map[string]any) (sql.NullString, error) {
	if len(payload) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalPayload(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw.String), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.CreatedGTE > 0 {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.CreatedGTE)
	}
	if opts.CreatedLTE > 0 {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.CreatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)

// MySQLExecutionLog 使用 MySQL 保存只追加的执行日志。
type MySQLExecutionLog struct {
	db *sql.DB
}

// NewMySQLExecutionLog 基于已有连接池创建执行日志。
func NewMySQLExecutionLog(db *sql.DB) (*MySQLExecutionLog, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	log := &MySQLExecutionLog{db: db}
	if err := log.initSchema(); err != nil {
		return nil, err
	}
	return log, nil
}

func (l *MySQLExecutionLog) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS execution_log (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        agent_id VARCHAR(64) NOT NULL,
        action_id VARCHAR(64) DEFAULT '',
        action_type VARCHAR(64) NOT NULL,
        status VARCHAR(32) NOT NULL,
        payload_hash CHAR(64) NOT NULL,
        credits_charged BIGINT NOT NULL DEFAULT 0,
        duration_ms BIGINT NOT NULL DEFAULT 0,
        error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        created_at BIGINT NOT NULL,
        INDEX idx_exec_rate (agent_id, action_type, status, created_at),
        INDEX idx_exec_agent (agent_id, created_at)
)`
	if _, err := l.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 execution_log 表失败")
	}
	return nil
}

// Append 实现 ExecutionLog 接口。
func (l *MySQLExecutionLog) Append(ctx context.Context, entry *ExecutionEntry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry 不能为空")
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}
	const stmt = `INSERT INTO execution_log
        (agent_id, action_id, action_type, status, payload_hash, credits_charged, duration_ms, error, error_code, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := l.db.ExecContext(ctx, stmt,
		entry.AgentID,
		entry.ActionID,
		entry.ActionType,
		entry.Status,
		entry.PayloadHash,
		entry.CreditsCharged,
		entry.DurationMS,
		entry.Error,
		entry.ErrorCode,
		entry.CreatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入执行日志失败")
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// CountCompletedSince 实现 ExecutionLog 接口。
func (l *MySQLExecutionLog) CountCompletedSince(ctx context.Context, agentID, actionType string, since time.Time) (int, error) {
	const stmt = `SELECT COUNT(*) FROM execution_log
        WHERE agent_id = ? AND action_type = ? AND status = ? AND created_at >= ?`
	var count int
	if err := l.db.QueryRowContext(ctx, stmt, agentID, actionType, ExecutionCompleted, since.Unix()).Scan(&count); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计执行日志失败")
	}
	return count, nil
}

// Recent 返回最近的执行记录。
func (l *MySQLExecutionLog) Recent(ctx context.Context, agentID string, limit int) ([]*ExecutionEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	const stmt = `SELECT id, agent_id, action_id, action_type, status, payload_hash,
        credits_charged, duration_ms, COALESCE(error, ''), error_code, created_at
        FROM execution_log WHERE agent_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := l.db.QueryContext(ctx, stmt, agentID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行日志失败")
	}
	defer rows.Close()

	entries := make([]*ExecutionEntry, 0, limit)
	for rows.Next() {
		var entry ExecutionEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.AgentID,
			&entry.ActionID,
			&entry.ActionType,
			&entry.Status,
			&entry.PayloadHash,
			&entry.CreditsCharged,
			&entry.DurationMS,
			&entry.Error,
			&entry.ErrorCode,
			&entry.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行日志失败")
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行日志失败")
	}
	return entries, nil
}

// Close 由共享连接池的持有方负责关闭。
func (l *MySQLExecutionLog) Close() error { return nil }

var _ ExecutionLog = (*MySQLExecutionLog)(nil)
