package escrow

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ActionKind 标识动作类型，用于日志、指标与 HTTP 编解码。
type ActionKind string

const (
	KindAccept              ActionKind = "accept"
	KindDeposit             ActionKind = "deposit"
	KindAssert              ActionKind = "assert"
	KindDispute             ActionKind = "dispute"
	KindSettleNoContest     ActionKind = "settle_no_contest"
	KindSettleAgentConceded ActionKind = "settle_agent_conceded"
	KindTimeout             ActionKind = "timeout"
	KindCannotComplete      ActionKind = "cannot_complete"
)

// ActionKinds 列出所有动作类型。
var ActionKinds = []ActionKind{
	KindAccept,
	KindDeposit,
	KindAssert,
	KindDispute,
	KindSettleNoContest,
	KindSettleAgentConceded,
	KindTimeout,
	KindCannotComplete,
}

// Action 是针对已存在任务的动作。该接口是封闭的，只有本包中的变体实现它。
type Action interface {
	Target() uint64
	Kind() ActionKind
	Actor() common.Address
	sealed()
}

// AcceptTask 由代理提交，附带自行决定的质押金额。
type AcceptTask struct {
	TaskID      uint64
	Caller      common.Address
	StakeAmount *big.Int
}

// DepositPayment 由客户提交，将支付款转入托管。
type DepositPayment struct {
	TaskID uint64
	Caller common.Address
}

// AssertCompletion 由代理提交，声明结果并附带签名。
type AssertCompletion struct {
	TaskID      uint64
	Caller      common.Address
	ResultHash  common.Hash
	Signature   []byte
	EvidenceURI string
}

// DisputeTask 由客户在冷静期内提交。
type DisputeTask struct {
	TaskID      uint64
	Caller      common.Address
	EvidenceURI string
}

// SettleNoContest 在冷静期结束后由任何人触发，资金只会流向代理。
type SettleNoContest struct {
	TaskID uint64
	Caller common.Address
}

// SettleAgentConceded 在代理响应窗口结束后由客户提交。
type SettleAgentConceded struct {
	TaskID uint64
	Caller common.Address
}

// TimeoutCancellation 在截止时间之后由任何人提交。
type TimeoutCancellation struct {
	TaskID uint64
	Caller common.Address
	Reason string
}

// CannotComplete 由代理主动放弃任务。
type CannotComplete struct {
	TaskID uint64
	Caller common.Address
	Reason string
}

func (a AcceptTask) Target() uint64          { return a.TaskID }
func (a DepositPayment) Target() uint64      { return a.TaskID }
func (a AssertCompletion) Target() uint64    { return a.TaskID }
func (a DisputeTask) Target() uint64         { return a.TaskID }
func (a SettleNoContest) Target() uint64     { return a.TaskID }
func (a SettleAgentConceded) Target() uint64 { return a.TaskID }
func (a TimeoutCancellation) Target() uint64 { return a.TaskID }
func (a CannotComplete) Target() uint64      { return a.TaskID }

func (AcceptTask) Kind() ActionKind          { return KindAccept }
func (DepositPayment) Kind() ActionKind      { return KindDeposit }
func (AssertCompletion) Kind() ActionKind    { return KindAssert }
func (DisputeTask) Kind() ActionKind         { return KindDispute }
func (SettleNoContest) Kind() ActionKind     { return KindSettleNoContest }
func (SettleAgentConceded) Kind() ActionKind { return KindSettleAgentConceded }
func (TimeoutCancellation) Kind() ActionKind { return KindTimeout }
func (CannotComplete) Kind() ActionKind      { return KindCannotComplete }

func (a AcceptTask) Actor() common.Address          { return a.Caller }
func (a DepositPayment) Actor() common.Address      { return a.Caller }
func (a AssertCompletion) Actor() common.Address    { return a.Caller }
func (a DisputeTask) Actor() common.Address         { return a.Caller }
func (a SettleNoContest) Actor() common.Address     { return a.Caller }
func (a SettleAgentConceded) Actor() common.Address { return a.Caller }
func (a TimeoutCancellation) Actor() common.Address { return a.Caller }
func (a CannotComplete) Actor() common.Address      { return a.Caller }

func (AcceptTask) sealed()          {}
func (DepositPayment) sealed()      {}
func (AssertCompletion) sealed()    {}
func (DisputeTask) sealed()         {}
func (SettleNoContest) sealed()     {}
func (SettleAgentConceded) sealed() {}
func (TimeoutCancellation) sealed() {}
func (CannotComplete) sealed()      {}

// CreateTaskRequest 描述创建任务所需的参数。Deadline 为 Unix 秒。
type CreateTaskRequest struct {
	Client        common.Address
	Description   string
	PaymentToken  common.Address
	PaymentAmount *big.Int
	Deadline      int64
	StakeToken    common.Address
}
