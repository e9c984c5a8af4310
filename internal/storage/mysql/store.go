package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"AgentTaskEscrow/deploy/migrations"
	"AgentTaskEscrow/internal/bank"
	xerrors "AgentTaskEscrow/internal/errors"
	"AgentTaskEscrow/internal/escrow"
	"AgentTaskEscrow/internal/storage"
)

const (
	errDuplicateEntry = 1062
	errLockWait       = 1205
	errDeadlock       = 1213
)

const upsertTaskSQL = `INSERT INTO escrow_tasks (` + storage.TaskColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE
    agent = VALUES(agent),
    stake_amount = VALUES(stake_amount),
    dispute_bond = VALUES(dispute_bond),
    result_hash = VALUES(result_hash),
    assertion_evidence_uri = VALUES(assertion_evidence_uri),
    client_evidence_uri = VALUES(client_evidence_uri),
    cooldown_ends_at = VALUES(cooldown_ends_at),
    status = VALUES(status),
    outcome = VALUES(outcome),
    reason = VALUES(reason),
    updated_at = VALUES(updated_at)`

const selectTasksSQL = `SELECT ` + storage.TaskColumns + `
    FROM escrow_tasks ORDER BY id ASC`

const upsertPositionSQL = `INSERT INTO escrow_balances (` + storage.PositionColumns + `)
    VALUES (?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE
    balance = VALUES(balance),
    allowance = VALUES(allowance),
    updated_at = VALUES(updated_at)`

const selectPositionsSQL = `SELECT ` + storage.PositionColumns + `
    FROM escrow_balances ORDER BY token ASC, holder ASC`

// Store 实现 escrow.PositionStore，每次保存写入整条任务快照；移动资金的动作连同
// 受影响账户的余额在同一事务中提交。
type Store struct {
	db *sql.DB
}

var _ escrow.PositionStore = (*Store)(nil)

// Open 建立连接池，并在 AutoMigrate 开启时执行嵌入式迁移。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := NewStore(db)
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewStore 使用已有连接创建存储。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate 执行 deploy/migrations/mysql 下尚未应用的迁移。
func (s *Store) Migrate(ctx context.Context) error {
	files, err := migrations.Dialect("mysql")
	if err != nil {
		return err
	}
	return storage.Migrate(ctx, s.db, files)
}

// Save 以 upsert 方式写入任务。创建时确定的字段不会被后续更新覆盖。
func (s *Store) Save(ctx context.Context, task *escrow.Task) error {
	if _, err := s.db.ExecContext(ctx, upsertTaskSQL, storage.TaskValues(task)...); err != nil {
		return classify(err, "写入托管任务失败", task.ID)
	}
	return nil
}

// SaveWithPositions 在同一事务中写入任务与受影响账户的余额。
func (s *Store) SaveWithPositions(ctx context.Context, task *escrow.Task, positions []bank.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "开启事务失败", task.ID)
	}
	if _, err := tx.ExecContext(ctx, upsertTaskSQL, storage.TaskValues(task)...); err != nil {
		tx.Rollback()
		return classify(err, "写入托管任务失败", task.ID)
	}
	if err := upsertPositions(ctx, tx, positions, task.UpdatedAt); err != nil {
		tx.Rollback()
		return classify(err, "写入账户余额失败", task.ID)
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "提交事务失败", task.ID)
	}
	return nil
}

// SavePositions 写入账户余额，用于初始注资。
func (s *Store) SavePositions(ctx context.Context, positions []bank.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if err := upsertPositions(ctx, tx, positions, time.Now().Unix()); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账户余额失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// LoadPositions 读取全部账户余额。
func (s *Store) LoadPositions(ctx context.Context) ([]bank.Position, error) {
	rows, err := s.db.QueryContext(ctx, selectPositionsSQL)
	if err != nil {
		return nil, fmt.Errorf("查询账户余额失败: %w", err)
	}
	defer rows.Close()

	var positions []bank.Position
	for rows.Next() {
		p, err := storage.ScanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("解析账户余额失败: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历账户余额失败: %w", err)
	}
	return positions, nil
}

func upsertPositions(ctx context.Context, tx *sql.Tx, positions []bank.Position, updatedAt int64) error {
	for _, p := range positions {
		if _, err := tx.ExecContext(ctx, upsertPositionSQL, storage.PositionValues(p, updatedAt)...); err != nil {
			return fmt.Errorf("%s/%s: %w", p.Token.Hex(), p.Holder.Hex(), err)
		}
	}
	return nil
}

// LoadAll 按 ID 升序读取全部任务。
func (s *Store) LoadAll(ctx context.Context) ([]*escrow.Task, error) {
	rows, err := s.db.QueryContext(ctx, selectTasksSQL)
	if err != nil {
		return nil, fmt.Errorf("查询托管任务失败: %w", err)
	}
	defer rows.Close()

	var tasks []*escrow.Task
	for rows.Next() {
		task, err := storage.ScanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("解析托管任务失败: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历托管任务失败: %w", err)
	}
	return tasks, nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func classify(err error, message string, id uint64) error {
	meta := xerrors.WithMetadata("task_id", strconv.FormatUint(id, 10))

	var mysqlErr *mysql.MySQLError
	if !stdErrors.As(err, &mysqlErr) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, message, meta)
	}

	errno := xerrors.WithMetadata("mysql_errno", strconv.Itoa(int(mysqlErr.Number)))
	switch mysqlErr.Number {
	case errDuplicateEntry:
		return xerrors.Wrap(xerrors.CodeConflict, err, message, meta, errno)
	case errLockWait, errDeadlock:
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, message, meta, errno, xerrors.WithRetryable(true), xerrors.WithAlert(false))
	default:
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, message, meta, errno, xerrors.WithRetryable(false))
	}
}
