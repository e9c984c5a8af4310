// Package sqlite 提供基于纯 Go SQLite 驱动的托管任务存储，适合单机部署。
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"AgentTaskEscrow/deploy/migrations"
	"AgentTaskEscrow/internal/bank"
	xerrors "AgentTaskEscrow/internal/errors"
	"AgentTaskEscrow/internal/escrow"
	"AgentTaskEscrow/internal/storage"
)

const upsertTaskSQL = `INSERT INTO escrow_tasks (` + storage.TaskColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(id) DO UPDATE SET
    agent = excluded.agent,
    stake_amount = excluded.stake_amount,
    dispute_bond = excluded.dispute_bond,
    result_hash = excluded.result_hash,
    assertion_evidence_uri = excluded.assertion_evidence_uri,
    client_evidence_uri = excluded.client_evidence_uri,
    cooldown_ends_at = excluded.cooldown_ends_at,
    status = excluded.status,
    outcome = excluded.outcome,
    reason = excluded.reason,
    updated_at = excluded.updated_at`

const selectTasksSQL = `SELECT ` + storage.TaskColumns + `
    FROM escrow_tasks ORDER BY id ASC`

const upsertPositionSQL = `INSERT INTO escrow_balances (` + storage.PositionColumns + `)
    VALUES (?, ?, ?, ?, ?)
    ON CONFLICT(token, holder) DO UPDATE SET
    balance = excluded.balance,
    allowance = excluded.allowance,
    updated_at = excluded.updated_at`

const selectPositionsSQL = `SELECT ` + storage.PositionColumns + `
    FROM escrow_balances ORDER BY token ASC, holder ASC`

// Store 实现 escrow.PositionStore。
type Store struct {
	db *sql.DB
}

var _ escrow.PositionStore = (*Store)(nil)

// Open 打开（必要时创建）数据库文件并执行迁移。
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("SQLite 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 失败: %w", err)
	}
	// SQLite 同一时刻只允许一个写者。
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法打开 SQLite: %w", err)
	}

	store := &Store{db: db}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// DSN 为文件路径附加 WAL、忙等待与同步级别设置。
func DSN(path string) string {
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
}

// Migrate 执行 deploy/migrations/sqlite 下的迁移。
func (s *Store) Migrate(ctx context.Context) error {
	files, err := migrations.Dialect("sqlite")
	if err != nil {
		return err
	}
	if err := storage.Migrate(ctx, s.db, files); err != nil {
		return fmt.Errorf("迁移 SQLite 失败: %w", err)
	}
	return nil
}

// Save 实现 escrow.Store。
func (s *Store) Save(ctx context.Context, task *escrow.Task) error {
	if _, err := s.db.ExecContext(ctx, upsertTaskSQL, storage.TaskValues(task)...); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入托管任务失败",
			xerrors.WithMetadata("task_id", fmt.Sprint(task.ID)))
	}
	return nil
}

// SaveWithPositions 在同一事务中写入任务与受影响账户的余额。
func (s *Store) SaveWithPositions(ctx context.Context, task *escrow.Task, positions []bank.Position) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertTaskSQL, storage.TaskValues(task)...); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入托管任务失败",
				xerrors.WithMetadata("task_id", fmt.Sprint(task.ID)))
		}
		return upsertPositions(ctx, tx, positions, task.UpdatedAt)
	})
}

// SavePositions 写入账户余额，用于初始注资。
func (s *Store) SavePositions(ctx context.Context, positions []bank.Position) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return upsertPositions(ctx, tx, positions, time.Now().Unix())
	})
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

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

func upsertPositions(ctx context.Context, tx *sql.Tx, positions []bank.Position, updatedAt int64) error {
	for _, p := range positions {
		if _, err := tx.ExecContext(ctx, upsertPositionSQL, storage.PositionValues(p, updatedAt)...); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账户余额失败",
				xerrors.WithMetadata("token", p.Token.Hex()),
				xerrors.WithMetadata("holder", p.Holder.Hex()))
		}
	}
	return nil
}

// LoadAll 实现 escrow.Store。
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

// Ping 检查数据库连接。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 关闭数据库。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
