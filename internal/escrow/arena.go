package escrow

import (
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

// slot 保存单个任务。mu 串行化针对该任务的写动作；current 指向最近一次提交的
// 不可变快照，读操作无需加锁。
type slot struct {
	mu      sync.Mutex
	current atomic.Pointer[Task]
}

// arena 是以递增整数 ID 为下标的任务表。任务只追加、从不删除。
//
// 加锁顺序：slot.mu 先于 arena.mu。查询在 arena.mu 下复制 slot 指针后立即释放。
type arena struct {
	mu       sync.RWMutex
	slots    []*slot
	byClient map[common.Address][]uint64
	byAgent  map[common.Address][]uint64
}

func newArena() *arena {
	return &arena{
		byClient: make(map[common.Address][]uint64),
		byAgent:  make(map[common.Address][]uint64),
	}
}

func (a *arena) next() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return uint64(len(a.slots))
}

func (a *arena) append(t *Task) {
	s := &slot{}
	s.current.Store(t)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.slots = append(a.slots, s)
	a.byClient[t.Client] = append(a.byClient[t.Client], t.ID)
	if t.HasAgent() {
		a.byAgent[t.Agent] = append(a.byAgent[t.Agent], t.ID)
	}
}

func (a *arena) get(id uint64) (*slot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if id >= uint64(len(a.slots)) {
		return nil, false
	}
	return a.slots[id], true
}

func (a *arena) indexAgent(agent common.Address, id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byAgent[agent] = append(a.byAgent[agent], id)
}

func (a *arena) idsByClient(addr common.Address) []*slot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.collect(a.byClient[addr])
}

func (a *arena) idsByAgent(addr common.Address) []*slot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.collect(a.byAgent[addr])
}

func (a *arena) all() []*slot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*slot, len(a.slots))
	copy(out, a.slots)
	return out
}

func (a *arena) collect(ids []uint64) []*slot {
	out := make([]*slot, 0, len(ids))
	for _, id := range ids {
		out = append(out, a.slots[id])
	}
	return out
}

func snapshots(slots []*slot) []*Task {
	out := make([]*Task, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.current.Load().Clone())
	}
	return out
}
