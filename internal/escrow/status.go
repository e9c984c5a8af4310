package escrow

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusCreated               Status = "created"
	StatusAccepted              Status = "accepted"
	StatusPaymentDeposited      Status = "payment_deposited"
	StatusResultAsserted        Status = "result_asserted"
	StatusDisputedAwaitingAgent Status = "disputed_awaiting_agent"
	StatusResolved              Status = "resolved"
	StatusCancelledTimeout      Status = "cancelled_timeout"
	StatusCannotComplete        Status = "cannot_complete"
)

// Statuses 按生命周期顺序列出全部状态。
var Statuses = []Status{
	StatusCreated,
	StatusAccepted,
	StatusPaymentDeposited,
	StatusResultAsserted,
	StatusDisputedAwaitingAgent,
	StatusResolved,
	StatusCancelledTimeout,
	StatusCannotComplete,
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	for _, s := range Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// IsTerminal 判断状态是否为终态。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusResolved, StatusCancelledTimeout, StatusCannotComplete:
		return true
	default:
		return false
	}
}

// IsInProgress 判断任务是否仍在执行阶段。
func (s Status) IsInProgress() bool {
	switch s {
	case StatusCreated, StatusAccepted, StatusPaymentDeposited, StatusResultAsserted:
		return true
	default:
		return false
	}
}

// IsContested 判断任务是否处于争议中。
func (s Status) IsContested() bool {
	return s == StatusDisputedAwaitingAgent
}

// IsResolved 判断任务是否已经结算完毕。
func (s Status) IsResolved() bool {
	return s.IsTerminal()
}

// StakeHeld 判断该状态下质押是否仍由托管账户持有。
func (s Status) StakeHeld() bool {
	switch s {
	case StatusAccepted, StatusPaymentDeposited, StatusResultAsserted, StatusDisputedAwaitingAgent:
		return true
	default:
		return false
	}
}

// PaymentHeld 判断该状态下支付款是否仍由托管账户持有。
func (s Status) PaymentHeld() bool {
	switch s {
	case StatusPaymentDeposited, StatusResultAsserted, StatusDisputedAwaitingAgent:
		return true
	default:
		return false
	}
}

// Outcome 记录任务终态的结算结果。
type Outcome string

const (
	OutcomeNone             Outcome = ""
	OutcomeAgentPaid        Outcome = "agent_paid"
	OutcomeClientRefunded   Outcome = "client_refunded"
	OutcomeCancelledTimeout Outcome = "cancelled_timeout"
	OutcomeCannotComplete   Outcome = "cannot_complete"
)
