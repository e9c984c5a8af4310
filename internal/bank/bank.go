// Package bank 提供托管资金的记账层：一次动作产生的多笔转账以原子批次执行，
// 任一转账失败时整批回滚。
package bank

import (
	"bytes"
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentTaskEscrow/internal/errors"
)

const (
	CodeInsufficientBalance   xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientAllowance xerrors.Code = "INSUFFICIENT_ALLOWANCE"
)

func init() {
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:  "insufficient token balance",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientAllowance, xerrors.Attributes{
		Message:  "insufficient token allowance",
		Severity: xerrors.SeverityInfo,
	})
}

// Transfer 描述一笔代币转账。
type Transfer struct {
	Token  common.Address `json:"token"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
}

// Bank 抽象了托管账户背后的资产账本。
type Bank interface {
	// Execute 原子地执行一批转账，要么全部成功，要么全部不生效。
	Execute(ctx context.Context, batch []Transfer) error
	// Revert 撤销一批此前由 Execute 成功执行的转账。
	Revert(ctx context.Context, batch []Transfer) error
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
}

type ledgerKey struct {
	token  common.Address
	holder common.Address
}

// MemoryBank 是带授权语义的内存账本。从非托管账户转出需要事先授权给托管地址，
// 托管账户自身转出不受限制。
type MemoryBank struct {
	mu         sync.Mutex
	custody    common.Address
	balances   map[ledgerKey]*big.Int
	allowances map[ledgerKey]*big.Int
}

// NewMemoryBank 创建以 custody 作为托管地址的内存账本。
func NewMemoryBank(custody common.Address) *MemoryBank {
	return &MemoryBank{
		custody:    custody,
		balances:   make(map[ledgerKey]*big.Int),
		allowances: make(map[ledgerKey]*big.Int),
	}
}

// Custody 返回托管地址。
func (b *MemoryBank) Custody() common.Address {
	return b.custody
}

// Mint 为 holder 增发余额。
func (b *MemoryBank) Mint(token, holder common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := ledgerKey{token, holder}
	b.balances[key] = new(big.Int).Add(b.balanceLocked(key), amount)
}

// Approve 设置 holder 对托管地址的授权额度。
func (b *MemoryBank) Approve(token, holder common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowances[ledgerKey{token, holder}] = new(big.Int).Set(amount)
}

// Allowance 返回 holder 剩余的授权额度。
func (b *MemoryBank) Allowance(token, holder common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.allowances[ledgerKey{token, holder}]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// BalanceOf 实现 Bank 接口。
func (b *MemoryBank) BalanceOf(_ context.Context, token, holder common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.balanceLocked(ledgerKey{token, holder})), nil
}

// Execute 实现 Bank 接口。
func (b *MemoryBank) Execute(ctx context.Context, batch []Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	// 在副本上演算整批转账，全部通过后再写回。
	balances := make(map[ledgerKey]*big.Int)
	allowances := make(map[ledgerKey]*big.Int)
	balance := func(k ledgerKey) *big.Int {
		if v, ok := balances[k]; ok {
			return v
		}
		v := new(big.Int).Set(b.balanceLocked(k))
		balances[k] = v
		return v
	}
	allowance := func(k ledgerKey) *big.Int {
		if v, ok := allowances[k]; ok {
			return v
		}
		v := new(big.Int)
		if cur, ok := b.allowances[k]; ok {
			v.Set(cur)
		}
		allowances[k] = v
		return v
	}

	for _, t := range batch {
		if t.Amount == nil || t.Amount.Sign() == 0 {
			continue
		}
		if t.Amount.Sign() < 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "negative transfer amount")
		}
		from := ledgerKey{t.Token, t.From}
		if t.From != b.custody {
			allowed := allowance(from)
			if allowed.Cmp(t.Amount) < 0 {
				return xerrors.New(CodeInsufficientAllowance, "",
					xerrors.WithMetadata("token", t.Token.Hex()),
					xerrors.WithMetadata("owner", t.From.Hex()),
					xerrors.WithMetadata("required", t.Amount.String()),
					xerrors.WithMetadata("allowance", allowed.String()))
			}
			allowed.Sub(allowed, t.Amount)
		}
		src := balance(from)
		if src.Cmp(t.Amount) < 0 {
			return xerrors.New(CodeInsufficientBalance, "",
				xerrors.WithMetadata("token", t.Token.Hex()),
				xerrors.WithMetadata("holder", t.From.Hex()),
				xerrors.WithMetadata("required", t.Amount.String()),
				xerrors.WithMetadata("balance", src.String()))
		}
		src.Sub(src, t.Amount)
		dst := balance(ledgerKey{t.Token, t.To})
		dst.Add(dst, t.Amount)
	}

	for k, v := range balances {
		b.balances[k] = v
	}
	for k, v := range allowances {
		b.allowances[k] = v
	}
	return nil
}

// Revert 撤销一批已经成功执行的转账：余额按相反方向搬回，被消耗的授权额度一并恢复。
// 反向批次同样先在副本上演算，收款方余额已不足以退回时整批不生效并返回错误。
func (b *MemoryBank) Revert(ctx context.Context, batch []Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	balances := make(map[ledgerKey]*big.Int)
	balance := func(k ledgerKey) *big.Int {
		if v, ok := balances[k]; ok {
			return v
		}
		v := new(big.Int).Set(b.balanceLocked(k))
		balances[k] = v
		return v
	}
	refunds := make(map[ledgerKey]*big.Int)

	for i := len(batch) - 1; i >= 0; i-- {
		t := batch[i]
		if t.Amount == nil || t.Amount.Sign() <= 0 {
			continue
		}
		to := balance(ledgerKey{t.Token, t.To})
		if to.Cmp(t.Amount) < 0 {
			return xerrors.New(CodeInsufficientBalance, "cannot revert transfer",
				xerrors.WithMetadata("token", t.Token.Hex()),
				xerrors.WithMetadata("holder", t.To.Hex()),
				xerrors.WithMetadata("required", t.Amount.String()),
				xerrors.WithMetadata("balance", to.String()))
		}
		to.Sub(to, t.Amount)
		from := ledgerKey{t.Token, t.From}
		src := balance(from)
		src.Add(src, t.Amount)
		if t.From != b.custody {
			if refunds[from] == nil {
				refunds[from] = new(big.Int)
			}
			refunds[from].Add(refunds[from], t.Amount)
		}
	}

	for k, v := range balances {
		b.balances[k] = v
	}
	for k, v := range refunds {
		cur := b.allowances[k]
		if cur == nil {
			cur = new(big.Int)
		}
		b.allowances[k] = new(big.Int).Add(cur, v)
	}
	return nil
}

// Position 是某个账户在某种代币上的余额与授权额度。
type Position struct {
	Token     common.Address
	Holder    common.Address
	Balance   *big.Int
	Allowance *big.Int
}

// Snapshotter 由能导出账户状态的账本实现，供持久化层与任务记录在同一事务中写入余额。
type Snapshotter interface {
	Positions(batch []Transfer) []Position
}

// Positions 返回 batch 涉及的全部账户的当前状态，按代币与地址排序。
func (b *MemoryBank) Positions(batch []Transfer) []Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make(map[ledgerKey]struct{}, 2*len(batch))
	for _, t := range batch {
		keys[ledgerKey{t.Token, t.From}] = struct{}{}
		keys[ledgerKey{t.Token, t.To}] = struct{}{}
	}
	return b.positionsLocked(keys)
}

// Snapshot 返回账本中所有出现过的账户。
func (b *MemoryBank) Snapshot() []Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make(map[ledgerKey]struct{}, len(b.balances)+len(b.allowances))
	for k := range b.balances {
		keys[k] = struct{}{}
	}
	for k := range b.allowances {
		keys[k] = struct{}{}
	}
	return b.positionsLocked(keys)
}

// Restore 用持久化的账户状态替换当前内容。
func (b *MemoryBank) Restore(positions []Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances = make(map[ledgerKey]*big.Int, len(positions))
	b.allowances = make(map[ledgerKey]*big.Int, len(positions))
	for _, p := range positions {
		key := ledgerKey{p.Token, p.Holder}
		if p.Balance != nil {
			b.balances[key] = new(big.Int).Set(p.Balance)
		}
		if p.Allowance != nil && p.Allowance.Sign() != 0 {
			b.allowances[key] = new(big.Int).Set(p.Allowance)
		}
	}
}

func (b *MemoryBank) positionsLocked(keys map[ledgerKey]struct{}) []Position {
	out := make([]Position, 0, len(keys))
	for k := range keys {
		allowance := new(big.Int)
		if v, ok := b.allowances[k]; ok {
			allowance.Set(v)
		}
		out = append(out, Position{
			Token:     k.token,
			Holder:    k.holder,
			Balance:   new(big.Int).Set(b.balanceLocked(k)),
			Allowance: allowance,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Token.Bytes(), out[j].Token.Bytes()); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Holder.Bytes(), out[j].Holder.Bytes()) < 0
	})
	return out
}

func (b *MemoryBank) balanceLocked(k ledgerKey) *big.Int {
	if v, ok := b.balances[k]; ok {
		return v
	}
	return new(big.Int)
}
