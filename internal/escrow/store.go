package escrow

import (
	"context"
	"sort"
	"sync"

	"AgentTaskEscrow/internal/bank"
)

// Store 抽象了任务记录的持久化接口。账本在启动时通过 LoadAll 恢复全部任务，
// 之后每次成功的状态迁移都会调用 Save 写入完整记录。
type Store interface {
	Save(ctx context.Context, task *Task) error
	LoadAll(ctx context.Context) ([]*Task, error)
	Close() error
}

// PositionStore 是同时保存账户余额的 Store。移动资金的动作通过 SaveWithPositions
// 把任务记录与受影响账户写入同一个事务，重启后余额与任务状态保持一致。
type PositionStore interface {
	Store
	SaveWithPositions(ctx context.Context, task *Task, positions []bank.Position) error
	SavePositions(ctx context.Context, positions []bank.Position) error
	LoadPositions(ctx context.Context) ([]bank.Position, error)
}

// MemoryStore 以内存方式保存任务记录，主要用于测试与单机运行。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[uint64]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[uint64]*Task)}
}

// Save 实现 Store 接口。
func (m *MemoryStore) Save(ctx context.Context, task *Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task.Clone()
	return nil
}

// LoadAll 实现 Store 接口，按 ID 升序返回。
func (m *MemoryStore) LoadAll(ctx context.Context) ([]*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }
