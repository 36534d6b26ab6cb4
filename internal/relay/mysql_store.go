package relay

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	xerrors "nookplot-core/internal/errors"
)

// MySQLStore 是 Store 的 MySQL 实现。
// 预占与计数在同一事务内完成，保证并发下不会超过层级上限。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 创建并确保 relay_log 表存在。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "数据库连接为空")
	}
	s := &MySQLStore{db: db, now: time.Now}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) ensureSchema() error {
	const ddl = `CREATE TABLE IF NOT EXISTS relay_log (
		id VARCHAR(64) PRIMARY KEY,
		agent_id VARCHAR(64) NOT NULL,
		status VARCHAR(16) NOT NULL,
		tier INT NOT NULL DEFAULT 0,
		credits_charged BIGINT NOT NULL DEFAULT 0,
		contract VARCHAR(64) NOT NULL DEFAULT '',
		selector VARCHAR(16) NOT NULL DEFAULT '',
		gas_cost_gwei BIGINT NOT NULL DEFAULT 0,
		tx_hash VARCHAR(80) NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		INDEX idx_relay_agent_created (agent_id, created_at),
		INDEX idx_relay_created (created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
	if _, err := s.db.Exec(ddl); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化中继日志表失败")
	}
	return nil
}

// Reserve 实现 Store：插入预占行后在同一事务内计数，
// 计数包含新行；超额整体回滚。
func (s *MySQLStore) Reserve(ctx context.Context, agentID string, tier int, creditCost int64, capPerDay int) (*Entry, error) {
	if agentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent_id 为空")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启中继预占事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	entry := &Entry{
		ID:             uuid.NewString(),
		AgentID:        agentID,
		Status:         StatusReserved,
		Tier:           tier,
		CreditsCharged: creditCost,
		CreatedAt:      now.Unix(),
		UpdatedAt:      now.Unix(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO relay_log (id, agent_id, status, tier, credits_charged, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AgentID, string(entry.Status), entry.Tier, entry.CreditsCharged,
		entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入中继预占行失败")
	}

	cutoff := now.Add(-24 * time.Hour).Unix()
	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relay_log WHERE agent_id = ? AND created_at >= ? FOR UPDATE`,
		agentID, cutoff).Scan(&count)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计滚动窗口中继数失败")
	}
	if capPerDay > 0 && count > capPerDay {
		return nil, ErrRelayCapExceeded
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交中继预占事务失败")
	}
	return entry, nil
}

// Promote 实现 Store：条件更新，只有预占行能被推进。
func (s *MySQLStore) Promote(ctx context.Context, id, contract, selector, txHash string, gasCostGwei int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE relay_log SET status = ?, contract = ?, selector = ?, tx_hash = ?, gas_cost_gwei = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(StatusSubmitted), contract, selector, txHash, gasCostGwei, s.now().Unix(),
		id, string(StatusReserved))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "推进中继记录失败")
	}
	return s.requireAffected(ctx, result, id)
}

func (s *MySQLStore) markFinal(ctx context.Context, id string, from, to RelayStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE relay_log SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), s.now().Unix(), id, string(from))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新中继状态失败")
	}
	return s.requireAffected(ctx, result, id)
}

// MarkMined 实现 Store。
func (s *MySQLStore) MarkMined(ctx context.Context, id string) error {
	return s.markFinal(ctx, id, StatusSubmitted, StatusMined)
}

// MarkReverted 实现 Store。
func (s *MySQLStore) MarkReverted(ctx context.Context, id string) error {
	return s.markFinal(ctx, id, StatusSubmitted, StatusReverted)
}

// MarkFailed 实现 Store。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string) error {
	return s.markFinal(ctx, id, StatusSubmitted, StatusFailed)
}

// Delete 实现 Store：仅删除预占行。
func (s *MySQLStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM relay_log WHERE id = ? AND status = ?`, id, string(StatusReserved))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除中继预占行失败")
	}
	return s.requireAffected(ctx, result, id)
}

// requireAffected 把 RowsAffected=0 区分为行不存在或状态冲突。
func (s *MySQLStore) requireAffected(ctx context.Context, result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取受影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		if errors.Is(err, ErrRelayNotFound) {
			return ErrRelayNotFound
		}
		return err
	}
	return xerrors.New(xerrors.CodeConflict, "中继记录状态不允许该迁移")
}

// Get 实现 Store。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Entry, error) {
	entry := &Entry{}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, status, tier, credits_charged, contract, selector, gas_cost_gwei, tx_hash, created_at, updated_at
		 FROM relay_log WHERE id = ?`, id).
		Scan(&entry.ID, &entry.AgentID, &status, &entry.Tier, &entry.CreditsCharged,
			&entry.Contract, &entry.Selector,
			&entry.GasCostGwei, &entry.TxHash, &entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRelayNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询中继记录失败")
	}
	entry.Status = RelayStatus(status)
	return entry, nil
}

// SumGasSince 实现 Store。
func (s *MySQLStore) SumGasSince(ctx context.Context, since time.Time) (int64, error) {
	var sum sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(gas_cost_gwei) FROM relay_log WHERE created_at >= ?`, since.Unix()).Scan(&sum)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "汇总中继 gas 花费失败")
	}
	return sum.Int64, nil
}

// CountSince 实现 Store。
func (s *MySQLStore) CountSince(ctx context.Context, agentID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relay_log WHERE agent_id = ? AND created_at >= ?`,
		agentID, since.Unix()).Scan(&count)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计中继记录失败")
	}
	return count, nil
}

// Close 实现 Store。
func (s *MySQLStore) Close() error { return nil }

var _ Store = (*MySQLStore)(nil)
