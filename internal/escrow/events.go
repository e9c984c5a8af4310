package escrow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"AgentTaskEscrow/internal/bank"
)

// EventType 标识生命周期事件。
type EventType string

const (
	EventTaskCreated      EventType = "task_created"
	EventTaskAccepted     EventType = "task_accepted"
	EventPaymentDeposited EventType = "payment_deposited"
	EventResultAsserted   EventType = "result_asserted"
	EventTaskDisputed     EventType = "task_disputed"
	EventTaskResolved     EventType = "task_resolved"
	EventTaskCancelled    EventType = "task_cancelled"
	EventTaskAbandoned    EventType = "task_abandoned"
)

// Event 在状态迁移提交之后发布，携带迁移后的任务快照与本次资金流向。
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	TaskID     uint64          `json:"task_id"`
	Actor      common.Address  `json:"actor"`
	Task       *Task           `json:"task"`
	Transfers  []bank.Transfer `json:"transfers,omitempty"`
	OccurredAt int64           `json:"occurred_at"`
}

func newEvent(typ EventType, actor common.Address, task *Task, transfers []bank.Transfer, at int64) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		TaskID:     task.ID,
		Actor:      actor,
		Task:       task.Clone(),
		Transfers:  transfers,
		OccurredAt: at,
	}
}

// Publisher 接收已提交的生命周期事件。发布失败不会影响已经完成的状态迁移。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc 将普通函数适配为 Publisher。
type PublisherFunc func(ctx context.Context, event Event) error

// Publish 实现 Publisher 接口。
func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
