package trade

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "Walta-Core/internal/errors"
	"Walta-Core/internal/ledger"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录交易状态与结算回执。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const tradeSchema = `CREATE TABLE IF NOT EXISTS trades (
        id VARCHAR(64) PRIMARY KEY,
        proposal_id VARCHAR(64) NOT NULL DEFAULT '',
        payer VARCHAR(255) NOT NULL,
        payee VARCHAR(255) NOT NULL,
        amount BIGINT NOT NULL,
        status VARCHAR(32) NOT NULL,
        reason TEXT,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_trade_status (status),
        INDEX idx_trade_payer (payer),
        INDEX idx_trade_payee (payee),
        INDEX idx_trade_updated (updated_at)
)`
	if _, err := s.db.Exec(tradeSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 trades 表失败")
	}

	const receiptSchema = `CREATE TABLE IF NOT EXISTS settlement_receipts (
        trade_id VARCHAR(64) PRIMARY KEY,
        ledger_tx_id VARCHAR(128) NOT NULL,
        amount BIGINT NOT NULL,
        settled_at BIGINT NOT NULL
)`
	if _, err := s.db.Exec(receiptSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 settlement_receipts 表失败")
	}
	return nil
}

// CreateTrade 插入新的交易记录。
func (s *MySQLStore) CreateTrade(ctx context.Context, t *Trade) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "trade 不能为空")
	}
	if strings.TrimSpace(t.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}

	now := time.Now().Unix()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusPending
	}

	const stmt = `INSERT INTO trades
        (id, proposal_id, payer, payee, amount, status, reason, attempts, max_retries, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		t.ID,
		t.ProposalID,
		t.Payer,
		t.Payee,
		int64(t.Amount),
		t.Status,
		t.Attempts,
		t.MaxRetries,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTradeConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易失败")
	}
	return nil
}

// GetTrade 查询指定交易。
func (s *MySQLStore) GetTrade(ctx context.Context, id string) (*Trade, error) {
	const stmt = `SELECT id, proposal_id, payer, payee, amount, status, reason, attempts, max_retries, created_at, updated_at
        FROM trades WHERE id = ?`

	return scanTrade(s.db.QueryRowContext(ctx, stmt, id))
}

// Transition 以条件更新实现原子的检查并更新。
func (s *MySQLStore) Transition(ctx context.Context, id string, from []Status, to Status, reason string, bumpAttempt bool) (*Trade, error) {
	if len(from) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "必须指定期望的当前状态")
	}
	for _, status := range from {
		if !CanTransition(status, to) {
			return nil, xerrors.New(CodeTradeConflict,
				fmt.Sprintf("不允许从 %s 迁移到 %s", status, to))
		}
	}

	placeholders := make([]string, len(from))
	args := make([]any, 0, len(from)+4)
	args = append(args, string(to), reason, time.Now().Unix(), id)
	for i, status := range from {
		placeholders[i] = "?"
		args = append(args, string(status))
	}

	bump := ""
	if bumpAttempt {
		bump = ", attempts = attempts + 1"
	}
	stmt := fmt.Sprintf(`UPDATE trades SET status = ?, reason = ?, updated_at = ?%s
        WHERE id = ? AND status IN (%s)`, bump, strings.Join(placeholders, ","))

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		current, getErr := s.GetTrade(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, xerrors.Wrap(CodeTradeConflict, ErrTradeConflict,
			"交易状态不允许迁移",
			xerrors.WithMetadata("trade_id", id),
			xerrors.WithMetadata("current", string(current.Status)),
			xerrors.WithMetadata("target", string(to)),
		)
	}
	return s.GetTrade(ctx, id)
}

// RecordAttempt 累加指定交易的尝试计数。
func (s *MySQLStore) RecordAttempt(ctx context.Context, id string) error {
	const stmt = `UPDATE trades SET attempts = attempts + 1, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "累加尝试计数失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return ErrTradeNotFound
	}
	return nil
}

// SaveReceipt 以主键冲突实现不存在才写入。
func (s *MySQLStore) SaveReceipt(ctx context.Context, r *SettlementReceipt) error {
	if r == nil || strings.TrimSpace(r.TradeID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "回执不完整")
	}

	const stmt = `INSERT INTO settlement_receipts (trade_id, ledger_tx_id, amount, settled_at) VALUES (?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		r.TradeID,
		r.LedgerTxID,
		int64(r.Amount),
		r.SettledAt.Unix(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrReceiptExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存结算回执失败")
	}
	return nil
}

// GetReceipt 查询交易的结算回执。
func (s *MySQLStore) GetReceipt(ctx context.Context, tradeID string) (*SettlementReceipt, error) {
	const stmt = `SELECT trade_id, ledger_tx_id, amount, settled_at FROM settlement_receipts WHERE trade_id = ?`

	var r SettlementReceipt
	var amount int64
	var settledAt int64
	if err := s.db.QueryRowContext(ctx, stmt, tradeID).Scan(&r.TradeID, &r.LedgerTxID, &amount, &settledAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询结算回执失败")
	}
	r.Amount = ledger.Amount(amount)
	r.SettledAt = time.Unix(settledAt, 0).UTC()
	return &r, nil
}

// List 返回最近的交易。
func (s *MySQLStore) List(ctx context.Context, opts ...ListOption) ([]*Trade, error) {
	options := buildListOptions(opts)

	query := `SELECT id, proposal_id, payer, payee, amount, status, reason, attempts, max_retries, created_at, updated_at FROM trades`

	conditions := make([]string, 0, 2)
	args := make([]any, 0, 6)
	if len(options.Statuses) > 0 {
		placeholders := make([]string, len(options.Statuses))
		for i, status := range options.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if options.Party != "" {
		conditions = append(conditions, "(payer = ? OR payee = ?)")
		args = append(args, options.Party, options.Party)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, options.Limit, options.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易列表失败")
	}
	defer rows.Close()

	trades := make([]*Trade, 0, options.Limit)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易失败")
	}
	return trades, nil
}

// Stats 返回交易状态的聚合信息。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	const query = `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS funded,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS settled,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS compensated
        FROM trades`

	row := s.db.QueryRowContext(ctx, query,
		string(StatusPending),
		string(StatusFunded),
		string(StatusSettled),
		string(StatusFailed),
		string(StatusCompensated),
	)

	var stats Stats
	var pending, funded, settled, failed, compensated sql.NullInt64
	if err := row.Scan(&stats.Total, &pending, &funded, &settled, &failed, &compensated); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易统计失败")
	}
	stats.Pending = int(pending.Int64)
	stats.Funded = int(funded.Int64)
	stats.Settled = int(settled.Int64)
	stats.Failed = int(failed.Int64)
	stats.Compensated = int(compensated.Int64)
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*Trade, error) {
	var t Trade
	var amount int64
	var reason sql.NullString
	if err := row.Scan(
		&t.ID,
		&t.ProposalID,
		&t.Payer,
		&t.Payee,
		&amount,
		&t.Status,
		&reason,
		&t.Attempts,
		&t.MaxRetries,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
	}
	t.Amount = ledger.Amount(amount)
	t.Reason = reason.String
	return &t, nil
}

var _ Store = (*MySQLStore)(nil)
