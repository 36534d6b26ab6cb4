package credit

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "nookplot-core/internal/errors"
)

// MySQLLedger 使用 MySQL 持久化信用账户。
// 扣费通过单条条件 UPDATE 完成，余额与当日限额在同一语句内复核。
type MySQLLedger struct {
	db         *sql.DB
	dailyLimit int64
}

// NewMySQLLedger 基于已有连接池创建账本。dailyLimit <= 0 表示不限制当日支出。
func NewMySQLLedger(db *sql.DB, dailyLimit int64) (*MySQLLedger, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	ledger := &MySQLLedger{db: db, dailyLimit: dailyLimit}
	if err := ledger.initSchema(); err != nil {
		return nil, err
	}
	return ledger, nil
}

func (l *MySQLLedger) initSchema() error {
	const accounts = `CREATE TABLE IF NOT EXISTS credit_accounts (
        agent_id VARCHAR(64) PRIMARY KEY,
        balance BIGINT NOT NULL DEFAULT 0,
        status VARCHAR(16) NOT NULL DEFAULT 'active',
        daily_spend BIGINT NOT NULL DEFAULT 0,
        spend_day CHAR(10) NOT NULL DEFAULT '',
        purchased TINYINT(1) NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL
)`
	if _, err := l.db.Exec(accounts); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 credit_accounts 表失败")
	}
	const movements = `CREATE TABLE IF NOT EXISTS credit_movements (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        agent_id VARCHAR(64) NOT NULL,
        amount BIGINT NOT NULL,
        reason VARCHAR(64) NOT NULL,
        ref_id VARCHAR(64) DEFAULT '',
        created_at BIGINT NOT NULL,
        INDEX idx_movement_agent (agent_id, created_at)
)`
	if _, err := l.db.Exec(movements); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 credit_movements 表失败")
	}
	return nil
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

// rolloverDay 在跨日后把 daily_spend 清零。幂等，可在任意读写前调用。
func (l *MySQLLedger) rolloverDay(ctx context.Context, agentID string) error {
	const stmt = `UPDATE credit_accounts SET daily_spend = 0, spend_day = ?, updated_at = ?
        WHERE agent_id = ? AND spend_day <> ?`
	day := today()
	if _, err := l.db.ExecContext(ctx, stmt, day, time.Now().Unix(), agentID, day); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "重置当日支出失败")
	}
	return nil
}

// GetBalance 实现 Ledger 接口。
func (l *MySQLLedger) GetBalance(ctx context.Context, agentID string) (*Balance, error) {
	if err := l.rolloverDay(ctx, agentID); err != nil {
		return nil, err
	}
	const stmt = `SELECT balance, status, daily_spend FROM credit_accounts WHERE agent_id = ?`
	var b Balance
	b.AgentID = agentID
	b.DailyLimit = l.dailyLimit
	var status string
	err := l.db.QueryRowContext(ctx, stmt, agentID).Scan(&b.Balance, &status, &b.DailySpend)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账户余额失败")
	}
	b.Status = AccountStatus(status)
	return &b, nil
}

// DeductCredits 以单条条件 UPDATE 完成扣费，RowsAffected = 0 时再区分失败原因。
func (l *MySQLLedger) DeductCredits(ctx context.Context, agentID string, amount int64, reason, refID string) error {
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "扣减金额必须为正数")
	}
	if err := l.rolloverDay(ctx, agentID); err != nil {
		return err
	}

	stmt := `UPDATE credit_accounts
        SET balance = balance - ?, daily_spend = daily_spend + ?, updated_at = ?
        WHERE agent_id = ? AND status = 'active' AND balance >= ?`
	args := []any{amount, amount, time.Now().Unix(), agentID, amount}
	if l.dailyLimit > 0 {
		stmt += ` AND daily_spend + ? <= ?`
		args = append(args, amount, l.dailyLimit)
	}

	res, err := l.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扣减信用失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		balance, getErr := l.GetBalance(ctx, agentID)
		if getErr != nil {
			return getErr
		}
		switch {
		case balance.Status == StatusPaused:
			return ErrAccountPaused
		case balance.Balance < amount:
			return ErrInsufficientCredits
		default:
			return ErrDailySpendLimit
		}
	}
	return l.recordMovement(ctx, agentID, -amount, reason, refID)
}

// AddCredits 增加余额。reason 为 purchase 时记录购买标记。
func (l *MySQLLedger) AddCredits(ctx context.Context, agentID string, amount int64, reason, refID string) error {
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "增加金额必须为正数")
	}
	purchased := 0
	if reason == "purchase" {
		purchased = 1
	}
	const stmt = `UPDATE credit_accounts SET balance = balance + ?, purchased = purchased | ?, updated_at = ?
        WHERE agent_id = ?`
	res, err := l.db.ExecContext(ctx, stmt, amount, purchased, time.Now().Unix(), agentID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "增加信用失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrAccountNotFound
	}
	return l.recordMovement(ctx, agentID, amount, reason, refID)
}

// CreateAccount 建立新账户，重复创建返回冲突。
func (l *MySQLLedger) CreateAccount(ctx context.Context, agentID string, initial int64) error {
	if strings.TrimSpace(agentID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agentID 不能为空")
	}
	now := time.Now().Unix()
	const stmt = `INSERT INTO credit_accounts (agent_id, balance, status, daily_spend, spend_day, purchased, created_at, updated_at)
        VALUES (?, ?, 'active', 0, ?, 0, ?, ?)`
	if _, err := l.db.ExecContext(ctx, stmt, agentID, initial, today(), now, now); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "账户已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建账户失败")
	}
	if initial > 0 {
		return l.recordMovement(ctx, agentID, initial, "initial_grant", "")
	}
	return nil
}

// HasPurchased 实现 Ledger 接口。
func (l *MySQLLedger) HasPurchased(ctx context.Context, agentID string) (bool, error) {
	const stmt = `SELECT purchased FROM credit_accounts WHERE agent_id = ?`
	var purchased bool
	if err := l.db.QueryRowContext(ctx, stmt, agentID).Scan(&purchased); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return false, ErrAccountNotFound
		}
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询购买记录失败")
	}
	return purchased, nil
}

func (l *MySQLLedger) recordMovement(ctx context.Context, agentID string, amount int64, reason, refID string) error {
	const stmt = `INSERT INTO credit_movements (agent_id, amount, reason, ref_id, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := l.db.ExecContext(ctx, stmt, agentID, amount, reason, refID, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录信用流水失败")
	}
	return nil
}

// Close 由共享连接池的持有方负责关闭。
func (l *MySQLLedger) Close() error { return nil }

var _ Ledger = (*MySQLLedger)(nil)
