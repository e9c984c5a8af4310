package escrow

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"AgentTaskEscrow/internal/bank"
	xerrors "AgentTaskEscrow/internal/errors"
	"AgentTaskEscrow/internal/proofs"
)

// effect 是一次合法迁移的结果：新的任务快照、需要原子执行的转账以及对应事件。
type effect struct {
	next      *Task
	transfers []bank.Transfer
	event     EventType
}

func (l *Ledger) transition(t *Task, action Action, now int64) (effect, error) {
	switch a := action.(type) {
	case AcceptTask:
		return l.accept(t, a)
	case DepositPayment:
		return l.deposit(t, a)
	case AssertCompletion:
		return l.assert(t, a, now)
	case DisputeTask:
		return l.dispute(t, a, now)
	case SettleNoContest:
		return l.settleNoContest(t, now)
	case SettleAgentConceded:
		return l.settleAgentConceded(t, a, now)
	case TimeoutCancellation:
		return l.timeout(t, a, now)
	case CannotComplete:
		return l.cannotComplete(t, a)
	default:
		return effect{}, invalidParameters("action", "unsupported action type")
	}
}

func (l *Ledger) accept(t *Task, a AcceptTask) (effect, error) {
	if t.Status != StatusCreated {
		return effect{}, stateError(t, StatusCreated)
	}
	if a.Caller == (common.Address{}) {
		return effect{}, invalidParameters("caller", "required")
	}
	if a.Caller == t.Client {
		return effect{}, unauthorized(t, "agent other than client")
	}
	if err := l.policy.CheckStake(t, a.StakeAmount); err != nil {
		return effect{}, err
	}

	next := t.Clone()
	next.Agent = a.Caller
	next.StakeAmount = new(big.Int).Set(a.StakeAmount)
	next.Status = StatusAccepted
	return effect{
		next:      next,
		transfers: []bank.Transfer{l.into(t.StakeToken, a.Caller, next.StakeAmount)},
		event:     EventTaskAccepted,
	}, nil
}

func (l *Ledger) deposit(t *Task, a DepositPayment) (effect, error) {
	if t.Status != StatusAccepted {
		return effect{}, stateError(t, StatusAccepted)
	}
	if a.Caller != t.Client {
		return effect{}, unauthorized(t, "client")
	}

	next := t.Clone()
	next.Status = StatusPaymentDeposited
	return effect{
		next:      next,
		transfers: []bank.Transfer{l.into(t.PaymentToken, t.Client, t.PaymentAmount)},
		event:     EventPaymentDeposited,
	}, nil
}

func (l *Ledger) assert(t *Task, a AssertCompletion, now int64) (effect, error) {
	if t.Status != StatusPaymentDeposited {
		return effect{}, stateError(t, StatusPaymentDeposited)
	}
	if a.Caller != t.Agent {
		return effect{}, unauthorized(t, "agent")
	}
	evidence := strings.TrimSpace(a.EvidenceURI)
	if evidence != "" {
		if err := ValidateEvidenceURI(evidence); err != nil {
			return effect{}, err
		}
	}
	digest := proofs.ResultDigest(t.ID, a.ResultHash)
	signer, err := l.verifier.Recover(digest.Bytes(), a.Signature)
	if err != nil {
		return effect{}, xerrors.Wrap(CodeBadSignature, err, "", taskMeta(t.ID))
	}
	if signer != t.Agent {
		return effect{}, ErrBadSignature.With(taskMeta(t.ID), xerrors.WithMetadata("recovered", signer.Hex()))
	}

	next := t.Clone()
	next.ResultHash = a.ResultHash
	next.AssertionEvidenceURI = evidence
	next.CooldownEndsAt = now + l.params.CooldownSeconds()
	next.Status = StatusResultAsserted
	return effect{next: next, event: EventResultAsserted}, nil
}

func (l *Ledger) dispute(t *Task, a DisputeTask, now int64) (effect, error) {
	if t.Status != StatusResultAsserted {
		return effect{}, stateError(t, StatusResultAsserted)
	}
	if a.Caller != t.Client {
		return effect{}, unauthorized(t, "client")
	}
	if now >= t.CooldownEndsAt {
		return effect{}, ErrWindowClosed.With(taskMeta(t.ID), xerrors.WithMetadata("closed_at", formatUnix(t.CooldownEndsAt)))
	}
	evidence := strings.TrimSpace(a.EvidenceURI)
	if err := ValidateEvidenceURI(evidence); err != nil {
		return effect{}, err
	}

	next := t.Clone()
	next.ClientEvidenceURI = evidence
	next.DisputeBond = l.params.DisputeBond(t.PaymentAmount)
	next.Status = StatusDisputedAwaitingAgent

	var transfers []bank.Transfer
	if next.DisputeBond.Sign() > 0 {
		transfers = append(transfers, l.into(t.PaymentToken, t.Client, next.DisputeBond))
	}
	return effect{next: next, transfers: transfers, event: EventTaskDisputed}, nil
}

func (l *Ledger) settleNoContest(t *Task, now int64) (effect, error) {
	if t.Status != StatusResultAsserted {
		return effect{}, stateError(t, StatusResultAsserted)
	}
	if now < t.CooldownEndsAt {
		return effect{}, tooEarly(t, t.CooldownEndsAt)
	}

	next := t.Clone()
	next.Status = StatusResolved
	next.Outcome = OutcomeAgentPaid
	return effect{
		next: next,
		transfers: []bank.Transfer{
			l.out(t.PaymentToken, t.Agent, t.PaymentAmount),
			l.out(t.StakeToken, t.Agent, t.StakeAmount),
		},
		event: EventTaskResolved,
	}, nil
}

func (l *Ledger) settleAgentConceded(t *Task, a SettleAgentConceded, now int64) (effect, error) {
	if t.Status != StatusDisputedAwaitingAgent {
		return effect{}, stateError(t, StatusDisputedAwaitingAgent)
	}
	if a.Caller != t.Client {
		return effect{}, unauthorized(t, "client")
	}
	settleAt := t.CooldownEndsAt + l.params.ResponseWindowSeconds()
	if now < settleAt {
		return effect{}, tooEarly(t, settleAt)
	}

	next := t.Clone()
	next.Status = StatusResolved
	next.Outcome = OutcomeClientRefunded
	transfers := []bank.Transfer{
		l.out(t.PaymentToken, t.Client, t.PaymentAmount),
		l.out(t.StakeToken, t.Client, t.StakeAmount),
	}
	if t.DisputeBond != nil && t.DisputeBond.Sign() > 0 {
		transfers = append(transfers, l.out(t.PaymentToken, t.Client, t.DisputeBond))
	}
	return effect{next: next, transfers: transfers, event: EventTaskResolved}, nil
}

func (l *Ledger) timeout(t *Task, a TimeoutCancellation, now int64) (effect, error) {
	if t.Status != StatusAccepted && t.Status != StatusPaymentDeposited {
		return effect{}, stateError(t, StatusAccepted, StatusPaymentDeposited)
	}
	if now <= t.Deadline {
		return effect{}, tooEarly(t, t.Deadline+1)
	}

	next := t.Clone()
	next.Status = StatusCancelledTimeout
	next.Outcome = OutcomeCancelledTimeout
	next.Reason = a.Reason
	return effect{next: next, transfers: l.unwind(t), event: EventTaskCancelled}, nil
}

func (l *Ledger) cannotComplete(t *Task, a CannotComplete) (effect, error) {
	if t.Status != StatusAccepted && t.Status != StatusPaymentDeposited {
		return effect{}, stateError(t, StatusAccepted, StatusPaymentDeposited)
	}
	if a.Caller != t.Agent {
		return effect{}, unauthorized(t, "agent")
	}

	next := t.Clone()
	next.Status = StatusCannotComplete
	next.Outcome = OutcomeCannotComplete
	next.Reason = a.Reason
	return effect{next: next, transfers: l.unwind(t), event: EventTaskAbandoned}, nil
}

// unwind 把每一方的资产原路退回：质押退给代理，已存入的支付款退给客户。
func (l *Ledger) unwind(t *Task) []bank.Transfer {
	transfers := []bank.Transfer{l.out(t.StakeToken, t.Agent, t.StakeAmount)}
	if t.Status.PaymentHeld() {
		transfers = append(transfers, l.out(t.PaymentToken, t.Client, t.PaymentAmount))
	}
	return transfers
}

func (l *Ledger) into(token, from common.Address, amount *big.Int) bank.Transfer {
	return bank.Transfer{Token: token, From: from, To: l.params.Custody, Amount: new(big.Int).Set(amount)}
}

func (l *Ledger) out(token, to common.Address, amount *big.Int) bank.Transfer {
	return bank.Transfer{Token: token, From: l.params.Custody, To: to, Amount: cloneInt(amount)}
}
