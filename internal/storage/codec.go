package storage

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"AgentTaskEscrow/internal/bank"
	"AgentTaskEscrow/internal/escrow"
)

// TaskColumns 是 escrow_tasks 表的列顺序，与 TaskValues 和 ScanTask 保持一致。
const TaskColumns = `id, client, agent, description, payment_token, payment_amount, stake_token, stake_amount,
    dispute_bond, deadline, result_hash, assertion_evidence_uri, client_evidence_uri, cooldown_ends_at,
    status, outcome, reason, created_at, updated_at`

// Scanner 是 *sql.Row 与 *sql.Rows 的公共子集。
type Scanner interface {
	Scan(dest ...any) error
}

// TaskValues 按 TaskColumns 的顺序展开任务字段。金额以十进制字符串保存，避免精度损失。
func TaskValues(t *escrow.Task) []any {
	return []any{
		int64(t.ID),
		t.Client.Hex(),
		t.Agent.Hex(),
		t.Description,
		t.PaymentToken.Hex(),
		amountString(t.PaymentAmount),
		t.StakeToken.Hex(),
		amountString(t.StakeAmount),
		amountString(t.DisputeBond),
		t.Deadline,
		t.ResultHash.Hex(),
		t.AssertionEvidenceURI,
		t.ClientEvidenceURI,
		t.CooldownEndsAt,
		string(t.Status),
		string(t.Outcome),
		t.Reason,
		t.CreatedAt,
		t.UpdatedAt,
	}
}

// ScanTask 从一行结果中解码任务。
func ScanTask(row Scanner) (*escrow.Task, error) {
	var (
		id                                           int64
		client, agent, paymentToken, stakeToken      string
		paymentAmount, stakeAmount, disputeBond      string
		resultHash, status, outcome                  string
		t                                            escrow.Task
	)
	if err := row.Scan(
		&id,
		&client,
		&agent,
		&t.Description,
		&paymentToken,
		&paymentAmount,
		&stakeToken,
		&stakeAmount,
		&disputeBond,
		&t.Deadline,
		&resultHash,
		&t.AssertionEvidenceURI,
		&t.ClientEvidenceURI,
		&t.CooldownEndsAt,
		&status,
		&outcome,
		&t.Reason,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if id < 0 {
		return nil, fmt.Errorf("invalid task id %d", id)
	}
	t.ID = uint64(id)
	t.Client = common.HexToAddress(client)
	t.Agent = common.HexToAddress(agent)
	t.PaymentToken = common.HexToAddress(paymentToken)
	t.StakeToken = common.HexToAddress(stakeToken)
	t.ResultHash = common.HexToHash(resultHash)
	t.Status = escrow.Status(status)
	t.Outcome = escrow.Outcome(outcome)
	if !escrow.IsValidStatus(t.Status) {
		return nil, fmt.Errorf("task %d has unknown status %q", t.ID, status)
	}

	var err error
	if t.PaymentAmount, err = parseAmount("payment_amount", paymentAmount); err != nil {
		return nil, err
	}
	if t.StakeAmount, err = parseAmount("stake_amount", stakeAmount); err != nil {
		return nil, err
	}
	if t.DisputeBond, err = parseAmount("dispute_bond", disputeBond); err != nil {
		return nil, err
	}
	return &t, nil
}

// PositionColumns 是 escrow_balances 表的列顺序，与 PositionValues 和 ScanPosition 保持一致。
const PositionColumns = `token, holder, balance, allowance, updated_at`

// PositionValues 按 PositionColumns 的顺序展开账户状态。
func PositionValues(p bank.Position, updatedAt int64) []any {
	return []any{
		p.Token.Hex(),
		p.Holder.Hex(),
		amountString(p.Balance),
		amountString(p.Allowance),
		updatedAt,
	}
}

// ScanPosition 从一行结果中解码账户状态。
func ScanPosition(row Scanner) (bank.Position, error) {
	var (
		token, holder, balance, allowance string
		updatedAt                         int64
	)
	if err := row.Scan(&token, &holder, &balance, &allowance, &updatedAt); err != nil {
		return bank.Position{}, err
	}
	if !common.IsHexAddress(token) || !common.IsHexAddress(holder) {
		return bank.Position{}, fmt.Errorf("invalid balance key %q/%q", token, holder)
	}
	p := bank.Position{Token: common.HexToAddress(token), Holder: common.HexToAddress(holder)}
	var err error
	if p.Balance, err = parseAmount("balance", balance); err != nil {
		return bank.Position{}, err
	}
	if p.Balance.Sign() < 0 {
		return bank.Position{}, fmt.Errorf("negative balance for %s/%s", token, holder)
	}
	if p.Allowance, err = parseAmount("allowance", allowance); err != nil {
		return bank.Position{}, err
	}
	return p, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(column, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("column %s holds invalid amount %q", column, s)
	}
	return v, nil
}
