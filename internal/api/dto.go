package api

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentTaskEscrow/internal/errors"
	"AgentTaskEscrow/internal/escrow"
	"AgentTaskEscrow/internal/proofs"
)

// CreateTaskBody 是 POST /api/v1/tasks 的请求体。金额使用十进制字符串。
type CreateTaskBody struct {
	Client        string `json:"client"`
	Description   string `json:"description"`
	PaymentToken  string `json:"payment_token"`
	PaymentAmount string `json:"payment_amount"`
	Deadline      int64  `json:"deadline"`
	StakeToken    string `json:"stake_token"`
}

// ActionBody 是 POST /api/v1/tasks/{id}/actions 的请求体，按 type 区分动作。
type ActionBody struct {
	Type        escrow.ActionKind `json:"type"`
	Caller      string            `json:"caller"`
	StakeAmount string            `json:"stake_amount,omitempty"`
	ResultHash  string            `json:"result_hash,omitempty"`
	Signature   string            `json:"signature,omitempty"`
	EvidenceURI string            `json:"evidence_uri,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

// ConfigResponse 描述只读的账本参数。
type ConfigResponse struct {
	CooldownSeconds       int64  `json:"cooldown_seconds"`
	ResponseWindowSeconds int64  `json:"agent_response_window_seconds"`
	DisputeBondBps        uint32 `json:"dispute_bond_bps"`
	Custody               string `json:"custody"`
}

// DisputeBondResponse 返回客户发起争议需要缴纳的保证金。
type DisputeBondResponse struct {
	TaskID uint64   `json:"task_id"`
	Amount *big.Int `json:"amount"`
}

// NextIDResponse 返回下一个任务 ID。
type NextIDResponse struct {
	NextTaskID uint64 `json:"next_task_id"`
}

func (b CreateTaskBody) toRequest() (escrow.CreateTaskRequest, error) {
	client, err := parseAddress("client", b.Client)
	if err != nil {
		return escrow.CreateTaskRequest{}, err
	}
	paymentToken, err := parseAddress("payment_token", b.PaymentToken)
	if err != nil {
		return escrow.CreateTaskRequest{}, err
	}
	stakeToken, err := parseAddress("stake_token", b.StakeToken)
	if err != nil {
		return escrow.CreateTaskRequest{}, err
	}
	amount, err := parseAmount("payment_amount", b.PaymentAmount)
	if err != nil {
		return escrow.CreateTaskRequest{}, err
	}
	return escrow.CreateTaskRequest{
		Client:        client,
		Description:   b.Description,
		PaymentToken:  paymentToken,
		PaymentAmount: amount,
		Deadline:      b.Deadline,
		StakeToken:    stakeToken,
	}, nil
}

func (b ActionBody) toAction(id uint64) (escrow.Action, error) {
	caller, err := parseAddress("caller", b.Caller)
	if err != nil {
		return nil, err
	}
	switch b.Type {
	case escrow.KindAccept:
		stake, err := parseAmount("stake_amount", b.StakeAmount)
		if err != nil {
			return nil, err
		}
		return escrow.AcceptTask{TaskID: id, Caller: caller, StakeAmount: stake}, nil
	case escrow.KindDeposit:
		return escrow.DepositPayment{TaskID: id, Caller: caller}, nil
	case escrow.KindAssert:
		hash, err := parseHash("result_hash", b.ResultHash)
		if err != nil {
			return nil, err
		}
		sig, err := proofs.DecodeSignature(b.Signature)
		if err != nil {
			return nil, escrow.ErrBadSignature.With(xerrors.WithMetadata("reason", err.Error()))
		}
		return escrow.AssertCompletion{TaskID: id, Caller: caller, ResultHash: hash, Signature: sig, EvidenceURI: b.EvidenceURI}, nil
	case escrow.KindDispute:
		return escrow.DisputeTask{TaskID: id, Caller: caller, EvidenceURI: b.EvidenceURI}, nil
	case escrow.KindSettleNoContest:
		return escrow.SettleNoContest{TaskID: id, Caller: caller}, nil
	case escrow.KindSettleAgentConceded:
		return escrow.SettleAgentConceded{TaskID: id, Caller: caller}, nil
	case escrow.KindTimeout:
		return escrow.TimeoutCancellation{TaskID: id, Caller: caller, Reason: b.Reason}, nil
	case escrow.KindCannotComplete:
		return escrow.CannotComplete{TaskID: id, Caller: caller, Reason: b.Reason}, nil
	default:
		return nil, badRequest("type", "unknown action type")
	}
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequest(field, "expected a 0x-prefixed 20 byte hex address")
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, badRequest(field, "amount is required")
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, badRequest(field, "expected a decimal integer")
	}
	return v, nil
}

func parseHash(field, raw string) (common.Hash, error) {
	raw = strings.TrimSpace(raw)
	b := common.FromHex(raw)
	if !strings.HasPrefix(raw, "0x") || len(b) != common.HashLength {
		return common.Hash{}, badRequest(field, "expected a 0x-prefixed 32 byte hex value")
	}
	return common.BytesToHash(b), nil
}
