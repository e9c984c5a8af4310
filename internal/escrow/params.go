package escrow

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BpsDenominator 是基点的分母。
const BpsDenominator = 10_000

const (
	DefaultCooldownDuration    = 24 * time.Hour
	DefaultAgentResponseWindow = 48 * time.Hour
)

// Params 是账本运行期间只读的全局参数。
type Params struct {
	CooldownDuration    time.Duration  `json:"cooldown_duration"`
	AgentResponseWindow time.Duration  `json:"agent_response_window"`
	DisputeBondBps      uint32         `json:"dispute_bond_bps"`
	Custody             common.Address `json:"custody"`
}

// DefaultParams 返回默认参数，托管地址需要调用方补充。
func DefaultParams() Params {
	return Params{
		CooldownDuration:    DefaultCooldownDuration,
		AgentResponseWindow: DefaultAgentResponseWindow,
	}
}

// Validate 检查参数是否自洽。
func (p Params) Validate() error {
	if p.CooldownDuration < time.Second {
		return fmt.Errorf("cooldown duration must be at least 1s, got %s", p.CooldownDuration)
	}
	if p.AgentResponseWindow < 0 {
		return fmt.Errorf("agent response window must not be negative, got %s", p.AgentResponseWindow)
	}
	if p.DisputeBondBps > BpsDenominator {
		return fmt.Errorf("dispute bond bps must not exceed %d, got %d", BpsDenominator, p.DisputeBondBps)
	}
	if p.Custody == (common.Address{}) {
		return fmt.Errorf("custody address is required")
	}
	return nil
}

// CooldownSeconds 返回以秒计的冷静期。
func (p Params) CooldownSeconds() int64 {
	return int64(p.CooldownDuration / time.Second)
}

// ResponseWindowSeconds 返回以秒计的代理响应窗口。
func (p Params) ResponseWindowSeconds() int64 {
	return int64(p.AgentResponseWindow / time.Second)
}

// DisputeBond 计算 paymentAmount * disputeBondBps / 10000。
func (p Params) DisputeBond(paymentAmount *big.Int) *big.Int {
	if paymentAmount == nil || p.DisputeBondBps == 0 {
		return new(big.Int)
	}
	bond := new(big.Int).Mul(paymentAmount, big.NewInt(int64(p.DisputeBondBps)))
	return bond.Quo(bond, big.NewInt(BpsDenominator))
}

// StakePolicy 决定代理接单时提交的质押是否可接受。
type StakePolicy interface {
	CheckStake(task *Task, amount *big.Int) error
}

// AnyPositiveStake 接受任意正数质押，质押金额完全由代理决定。
type AnyPositiveStake struct{}

// CheckStake 实现 StakePolicy 接口。
func (AnyPositiveStake) CheckStake(_ *Task, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return invalidParameters("stake_amount", "must be positive")
	}
	return nil
}

// MinimumStake 要求质押不低于按质押代币配置的下限，未配置的代币使用 Default。
type MinimumStake struct {
	Default  *big.Int
	PerToken map[common.Address]*big.Int
}

// CheckStake 实现 StakePolicy 接口。
func (m MinimumStake) CheckStake(task *Task, amount *big.Int) error {
	if err := (AnyPositiveStake{}).CheckStake(task, amount); err != nil {
		return err
	}
	floor := m.Default
	if v, ok := m.PerToken[task.StakeToken]; ok {
		floor = v
	}
	if floor != nil && amount.Cmp(floor) < 0 {
		return invalidParameters("stake_amount", "below minimum "+floor.String())
	}
	return nil
}
