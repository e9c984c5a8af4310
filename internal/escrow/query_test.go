package escrow

import (
	"context"
	"math/big"
	"testing"
	"time"
)

func TestStatusHelpers(t *testing.T) {
	cases := []struct {
		status                                    Status
		terminal, inProgress, contested, resolved bool
	}{
		{StatusCreated, false, true, false, false},
		{StatusResultAsserted, false, true, false, false},
		{StatusDisputedAwaitingAgent, false, false, true, false},
		{StatusResolved, true, false, false, true},
		{StatusCancelledTimeout, true, false, false, true},
		{StatusCannotComplete, true, false, false, true},
	}
	for _, tc := range cases {
		if tc.status.IsTerminal() != tc.terminal ||
			tc.status.IsInProgress() != tc.inProgress ||
			tc.status.IsContested() != tc.contested ||
			tc.status.IsResolved() != tc.resolved {
			t.Fatalf("unexpected helper results for %s", tc.status)
		}
	}
	if IsValidStatus("paused") || !IsValidStatus(StatusAccepted) {
		t.Fatalf("IsValidStatus mismatch")
	}
}

func TestTimingModes(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()
	task := f.funded(t, 100, 10, 86400)

	view, err := f.ledger.Timing(task.ID, f.at(3))
	if err != nil {
		t.Fatalf("timing: %v", err)
	}
	if view.Mode != ModeNotContestable || view.Deadline != 0 {
		t.Fatalf("deposited task is not contestable: %+v", view)
	}

	asserted := f.assert(t, task.ID, f.at(10))
	view, _ = f.ledger.Timing(task.ID, f.at(10))
	if view.Mode != ModeDisputeWindow || view.SecondsRemaining != 3600 || view.Deadline != asserted.CooldownEndsAt {
		t.Fatalf("unexpected dispute window view: %+v", view)
	}
	view, _ = f.ledger.Timing(task.ID, time.Unix(asserted.CooldownEndsAt, 0))
	if view.Mode != ModeNotContestable || view.SecondsRemaining != 0 {
		t.Fatalf("window should be closed at the boundary: %+v", view)
	}

	if _, err := f.ledger.DisputeTask(ctx, task.ID, f.client, "ipfs://bafy", f.at(11)); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	settleAt := asserted.CooldownEndsAt + 7200
	view, _ = f.ledger.Timing(task.ID, time.Unix(settleAt-5, 0))
	if view.Mode != ModeAwaitingAgentResponse || view.SecondsRemaining != 5 || view.Deadline != settleAt {
		t.Fatalf("unexpected awaiting view: %+v", view)
	}
	view, _ = f.ledger.Timing(task.ID, time.Unix(settleAt, 0))
	if view.Mode != ModeReadyToSettleConceded {
		t.Fatalf("unexpected ready view: %+v", view)
	}

	if _, err := f.ledger.Timing(99, f.at(0)); err == nil {
		t.Fatalf("expected not found")
	}
}

func TestTasksNeedingAction(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()
	agent := f.agent.Address()

	accepted := f.create(t, 100, 60, stakeToken)
	if _, err := f.ledger.AcceptTask(ctx, accepted.ID, agent, big.NewInt(10), f.at(1)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	deposited := f.funded(t, 100, 10, 86400)

	clientView := f.ledger.TasksNeedingAction(f.client, f.at(5))
	if len(clientView) != 1 || clientView[0].Task.ID != accepted.ID || clientView[0].Actions[0] != KindDeposit {
		t.Fatalf("client should only need to deposit on task %d: %+v", accepted.ID, clientView)
	}

	agentView := f.ledger.TasksNeedingAction(agent, f.at(5))
	if len(agentView) != 2 {
		t.Fatalf("agent should see both tasks: %+v", agentView)
	}
	if agentView[1].Task.ID != deposited.ID || agentView[1].Actions[0] != KindAssert {
		t.Fatalf("agent should assert on the funded task: %+v", agentView[1])
	}

	late := f.ledger.TasksNeedingAction(f.client, f.at(61))
	found := false
	for _, item := range late {
		if item.Task.ID != accepted.ID {
			continue
		}
		for _, k := range item.Actions {
			if k == KindTimeout {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("timeout should be offered after the deadline: %+v", late)
	}

	if got := f.ledger.TasksNeedingAction(outsider, f.at(5)); len(got) != 0 {
		t.Fatalf("outsider is not a party: %+v", got)
	}
}

func TestStatsCountsByStatus(t *testing.T) {
	f := newFixture(t, Params{})
	ctx := context.Background()
	f.create(t, 100, 3600, stakeToken)
	funded := f.funded(t, 100, 10, 3600)
	if _, err := f.ledger.CannotComplete(ctx, funded.ID, f.agent.Address(), "", f.at(3)); err != nil {
		t.Fatalf("cannot complete: %v", err)
	}

	stats := f.ledger.Stats()
	if stats.Total != 2 || stats.InProgress != 1 || stats.Resolved != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.ByStatus[StatusCreated] != 1 || stats.ByStatus[StatusCannotComplete] != 1 || stats.ByStatus[StatusAccepted] != 0 {
		t.Fatalf("unexpected per-status counts: %+v", stats.ByStatus)
	}
}

func TestAvailableActionsAfterCooldown(t *testing.T) {
	task := &Task{ID: 1, Client: clientAddr, Agent: outsider, Status: StatusResultAsserted, CooldownEndsAt: 100}
	params := Params{AgentResponseWindow: 50 * time.Second}

	if kinds := AvailableActions(task, clientAddr, 99, params); len(kinds) != 1 || kinds[0] != KindDispute {
		t.Fatalf("client should be able to dispute: %v", kinds)
	}
	if kinds := AvailableActions(task, clientAddr, 100, params); len(kinds) != 1 || kinds[0] != KindSettleNoContest {
		t.Fatalf("anyone can settle after cooldown: %v", kinds)
	}

	task.Status = StatusDisputedAwaitingAgent
	if kinds := AvailableActions(task, clientAddr, 149, params); len(kinds) != 0 {
		t.Fatalf("too early to settle conceded: %v", kinds)
	}
	if kinds := AvailableActions(task, clientAddr, 150, params); len(kinds) != 1 || kinds[0] != KindSettleAgentConceded {
		t.Fatalf("client can settle conceded at the boundary: %v", kinds)
	}
}
