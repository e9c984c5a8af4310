package escrow

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Task 是账本中唯一的持久化实体。任务从不删除，终态记录作为审计轨迹保留。
type Task struct {
	ID                   uint64         `json:"id"`
	Client               common.Address `json:"client"`
	Agent                common.Address `json:"agent"`
	Description          string         `json:"description"`
	PaymentToken         common.Address `json:"payment_token"`
	PaymentAmount        *big.Int       `json:"payment_amount"`
	StakeToken           common.Address `json:"stake_token"`
	StakeAmount          *big.Int       `json:"stake_amount"`
	DisputeBond          *big.Int       `json:"dispute_bond"`
	Deadline             int64          `json:"deadline"`
	ResultHash           common.Hash    `json:"result_hash"`
	AssertionEvidenceURI string         `json:"assertion_evidence_uri,omitempty"`
	ClientEvidenceURI    string         `json:"client_evidence_uri,omitempty"`
	CooldownEndsAt       int64          `json:"cooldown_ends_at"`
	Status               Status         `json:"status"`
	Outcome              Outcome        `json:"outcome,omitempty"`
	Reason               string         `json:"reason,omitempty"`
	CreatedAt            int64          `json:"created_at"`
	UpdatedAt            int64          `json:"updated_at"`
}

// Clone 返回任务的深拷贝。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.PaymentAmount = cloneInt(t.PaymentAmount)
	clone.StakeAmount = cloneInt(t.StakeAmount)
	clone.DisputeBond = cloneInt(t.DisputeBond)
	return &clone
}

// HasAgent 判断任务是否已被接单。
func (t *Task) HasAgent() bool {
	return t.Agent != (common.Address{})
}

// IsParty 判断地址是否为任务的客户或代理。
func (t *Task) IsParty(addr common.Address) bool {
	return addr == t.Client || (t.HasAgent() && addr == t.Agent)
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
