package escrow

import (
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// GetTask 返回任务的快照。
func (l *Ledger) GetTask(id uint64) (*Task, error) {
	s, ok := l.arena.get(id)
	if !ok {
		return nil, ErrTaskNotFound.With(taskMeta(id))
	}
	return s.current.Load().Clone(), nil
}

// TasksByClient 返回客户创建的全部任务，按 ID 升序。
func (l *Ledger) TasksByClient(client common.Address) []*Task {
	return snapshots(l.arena.idsByClient(client))
}

// TasksByAgent 返回代理接下的全部任务，按接单顺序。
func (l *Ledger) TasksByAgent(agent common.Address) []*Task {
	return snapshots(l.arena.idsByAgent(agent))
}

// Tasks 返回全部任务，按 ID 升序。
func (l *Ledger) Tasks() []*Task {
	return snapshots(l.arena.all())
}

// NextTaskID 返回下一个将被分配的任务 ID。
func (l *Ledger) NextTaskID() uint64 {
	return l.arena.next()
}

// ExpectedDisputeBond 返回客户此刻发起争议需要缴纳的保证金。
func (l *Ledger) ExpectedDisputeBond(id uint64) (*big.Int, error) {
	t, err := l.GetTask(id)
	if err != nil {
		return nil, err
	}
	return l.params.DisputeBond(t.PaymentAmount), nil
}

// Stats 聚合了任务状态的统计信息。
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[Status]int `json:"by_status"`
	InProgress int            `json:"in_progress"`
	Contested  int            `json:"contested"`
	Resolved   int            `json:"resolved"`
}

// Stats 统计各状态的任务数量。
func (l *Ledger) Stats() Stats {
	stats := Stats{ByStatus: make(map[Status]int, len(Statuses))}
	for _, s := range Statuses {
		stats.ByStatus[s] = 0
	}
	for _, s := range l.arena.all() {
		t := s.current.Load()
		stats.Total++
		stats.ByStatus[t.Status]++
		switch {
		case t.Status.IsInProgress():
			stats.InProgress++
		case t.Status.IsContested():
			stats.Contested++
		case t.Status.IsResolved():
			stats.Resolved++
		}
	}
	return stats
}

// ContestationMode 描述任务在争议流程中的位置。
type ContestationMode string

const (
	ModeDisputeWindow         ContestationMode = "dispute_window"
	ModeAwaitingAgentResponse ContestationMode = "awaiting_agent_response"
	ModeReadyToSettleConceded ContestationMode = "ready_to_settle_conceded"
	ModeNotContestable        ContestationMode = "not_contestable"
)

// Timing 是任务争议时间线在某一时刻的视图。Deadline 为 0 表示没有待决的时间点。
type Timing struct {
	TaskID           uint64           `json:"task_id"`
	Status           Status           `json:"status"`
	Mode             ContestationMode `json:"mode"`
	Label            string           `json:"label"`
	Now              int64            `json:"now"`
	Deadline         int64            `json:"deadline,omitempty"`
	SecondsRemaining int64            `json:"seconds_remaining"`
}

// Timing 计算任务在 now 时刻的争议时间线。
func (l *Ledger) Timing(id uint64, now time.Time) (Timing, error) {
	t, err := l.GetTask(id)
	if err != nil {
		return Timing{}, err
	}
	return ContestationTiming(t, now.Unix(), l.params.ResponseWindowSeconds()), nil
}

// ContestationTiming 是 Timing 的纯函数版本。
func ContestationTiming(t *Task, now, responseWindow int64) Timing {
	view := Timing{TaskID: t.ID, Status: t.Status, Now: now}
	switch t.Status {
	case StatusResultAsserted:
		view.Deadline = t.CooldownEndsAt
		if remaining := t.CooldownEndsAt - now; remaining > 0 {
			view.Mode = ModeDisputeWindow
			view.Label = "dispute window is open"
			view.SecondsRemaining = remaining
		} else {
			view.Mode = ModeNotContestable
			view.Label = "dispute window has closed"
		}
	case StatusDisputedAwaitingAgent:
		settleAt := t.CooldownEndsAt + responseWindow
		view.Deadline = settleAt
		if remaining := settleAt - now; remaining > 0 {
			view.Mode = ModeAwaitingAgentResponse
			view.Label = "waiting for agent response window to end"
			view.SecondsRemaining = remaining
		} else {
			view.Mode = ModeReadyToSettleConceded
			view.Label = "agent response window ended, client can settle"
		}
	default:
		view.Mode = ModeNotContestable
		view.Label = "task is not in a contestable state"
	}
	return view
}

// AvailableActions 返回 caller 在 now 时刻可以对任务提交的动作。
func AvailableActions(t *Task, caller common.Address, now int64, params Params) []ActionKind {
	var kinds []ActionKind
	isClient := caller == t.Client
	isAgent := t.HasAgent() && caller == t.Agent
	switch t.Status {
	case StatusCreated:
		if !isClient && caller != (common.Address{}) {
			kinds = append(kinds, KindAccept)
		}
	case StatusAccepted, StatusPaymentDeposited:
		if t.Status == StatusAccepted && isClient {
			kinds = append(kinds, KindDeposit)
		}
		if t.Status == StatusPaymentDeposited && isAgent {
			kinds = append(kinds, KindAssert)
		}
		if isAgent {
			kinds = append(kinds, KindCannotComplete)
		}
		if now > t.Deadline {
			kinds = append(kinds, KindTimeout)
		}
	case StatusResultAsserted:
		if now < t.CooldownEndsAt {
			if isClient {
				kinds = append(kinds, KindDispute)
			}
		} else {
			kinds = append(kinds, KindSettleNoContest)
		}
	case StatusDisputedAwaitingAgent:
		if isClient && now >= t.CooldownEndsAt+params.ResponseWindowSeconds() {
			kinds = append(kinds, KindSettleAgentConceded)
		}
	}
	return kinds
}

// ActionableTask 是某个地址当前可以推进的任务。
type ActionableTask struct {
	Task    *Task        `json:"task"`
	Actions []ActionKind `json:"actions"`
}

// TasksNeedingAction 返回 addr 作为客户或代理、此刻可以提交动作的任务。
func (l *Ledger) TasksNeedingAction(addr common.Address, now time.Time) []ActionableTask {
	seen := make(map[uint64]struct{})
	var out []ActionableTask
	candidates := append(l.TasksByClient(addr), l.TasksByAgent(addr)...)
	for _, t := range candidates {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		if kinds := AvailableActions(t, addr, now.Unix(), l.params); len(kinds) > 0 {
			out = append(out, ActionableTask{Task: t, Actions: kinds})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task.ID < out[j].Task.ID })
	return out
}

func formatUnix(ts int64) string {
	return strconv.FormatInt(ts, 10)
}
