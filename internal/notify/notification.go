package notify

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"AgentTaskEscrow/internal/bank"
	"AgentTaskEscrow/internal/escrow"
)

// Notification 是推送给外部协作方的消息体。
type Notification struct {
	EventID    string           `json:"event_id"`
	Type       escrow.EventType `json:"type"`
	TaskID     uint64           `json:"task_id"`
	Recipients []common.Address `json:"recipients"`
	Summary    string           `json:"summary"`
	Task       *escrow.Task     `json:"task"`
	Transfers  []bank.Transfer  `json:"transfers,omitempty"`
	OccurredAt int64            `json:"occurred_at"`
}

// Build 根据事件类型确定需要知会的参与方。
func Build(event escrow.Event) Notification {
	t := event.Task
	n := Notification{
		EventID:    event.ID,
		Type:       event.Type,
		TaskID:     event.TaskID,
		Task:       t,
		Transfers:  event.Transfers,
		OccurredAt: event.OccurredAt,
	}

	switch event.Type {
	case escrow.EventTaskCreated:
		n.Recipients = []common.Address{t.Client}
		n.Summary = fmt.Sprintf("task %d is open for agents", t.ID)
	case escrow.EventTaskAccepted:
		n.Recipients = []common.Address{t.Client}
		n.Summary = fmt.Sprintf("task %d accepted by %s, waiting for payment", t.ID, t.Agent.Hex())
	case escrow.EventPaymentDeposited:
		n.Recipients = []common.Address{t.Agent}
		n.Summary = fmt.Sprintf("payment for task %d is escrowed, work can start", t.ID)
	case escrow.EventResultAsserted:
		n.Recipients = []common.Address{t.Client}
		n.Summary = fmt.Sprintf("task %d completed, dispute window closes at %d", t.ID, t.CooldownEndsAt)
	case escrow.EventTaskDisputed:
		n.Recipients = []common.Address{t.Agent}
		n.Summary = fmt.Sprintf("task %d disputed by client", t.ID)
	case escrow.EventTaskResolved:
		n.Recipients = []common.Address{t.Client, t.Agent}
		n.Summary = fmt.Sprintf("task %d resolved: %s", t.ID, t.Outcome)
	case escrow.EventTaskCancelled:
		n.Recipients = []common.Address{t.Client, t.Agent}
		n.Summary = fmt.Sprintf("task %d cancelled after deadline", t.ID)
	case escrow.EventTaskAbandoned:
		n.Recipients = []common.Address{t.Client}
		n.Summary = fmt.Sprintf("agent cannot complete task %d", t.ID)
	default:
		n.Summary = fmt.Sprintf("task %d: %s", t.ID, event.Type)
	}
	return n
}

// Slashed 判断事件是否意味着代理人质押被罚没给客户。
func Slashed(event escrow.Event) bool {
	return event.Type == escrow.EventTaskResolved &&
		event.Task != nil &&
		event.Task.Outcome == escrow.OutcomeClientRefunded &&
		event.Task.StakeAmount != nil &&
		event.Task.StakeAmount.Sign() > 0
}
