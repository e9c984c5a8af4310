package escrow

import (
	"strconv"

	xerrors "AgentTaskEscrow/internal/errors"
)

const (
	CodeInvalidParameters xerrors.Code = "INVALID_PARAMETERS"
	CodeTaskNotFound      xerrors.Code = "TASK_NOT_FOUND"
	CodeInvalidState      xerrors.Code = "INVALID_STATE"
	CodeUnauthorized                   = xerrors.CodeUnauthorized
	CodeTooEarly          xerrors.Code = "TOO_EARLY"
	CodeWindowClosed      xerrors.Code = "WINDOW_CLOSED"
	CodeBadSignature      xerrors.Code = "BAD_SIGNATURE"
	CodeTransferFailed    xerrors.Code = "TRANSFER_FAILED"
	CodeInvalidEvidence   xerrors.Code = "INVALID_EVIDENCE"
	CodeStorageFailure                 = xerrors.CodeStorageFailure
)

var (
	// ErrInvalidParameters 表示创建或接单参数不合法。
	ErrInvalidParameters = xerrors.New(CodeInvalidParameters, "invalid parameters")
	// ErrTaskNotFound 表示任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrInvalidState 表示任务当前状态不允许该动作。
	ErrInvalidState = xerrors.New(CodeInvalidState, "action not allowed in current state")
	// ErrUnauthorized 表示调用方不是该动作要求的参与方。
	ErrUnauthorized = xerrors.New(CodeUnauthorized, "caller is not the required party")
	// ErrTooEarly 表示时间窗口尚未结束。
	ErrTooEarly = xerrors.New(CodeTooEarly, "time window has not elapsed")
	// ErrWindowClosed 表示争议窗口已经关闭。
	ErrWindowClosed = xerrors.New(CodeWindowClosed, "dispute window closed")
	// ErrBadSignature 表示签名无法恢复出任务的代理地址。
	ErrBadSignature = xerrors.New(CodeBadSignature, "signature does not recover to agent")
	// ErrTransferFailed 表示资产转账未完成，整个动作已回滚。
	ErrTransferFailed = xerrors.New(CodeTransferFailed, "token transfer failed")
	// ErrInvalidEvidence 表示证据 URI 格式不合法。
	ErrInvalidEvidence = xerrors.New(CodeInvalidEvidence, "invalid evidence uri")
)

func init() {
	xerrors.Register(CodeInvalidParameters, xerrors.Attributes{
		Message:  "invalid parameters",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidState, xerrors.Attributes{
		Message:  "action not allowed in current state",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTooEarly, xerrors.Attributes{
		Message:  "time window has not elapsed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeWindowClosed, xerrors.Attributes{
		Message:  "dispute window closed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeBadSignature, xerrors.Attributes{
		Message:  "signature does not recover to agent",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTransferFailed, xerrors.Attributes{
		Message:   "token transfer failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeInvalidEvidence, xerrors.Attributes{
		Message:  "invalid evidence uri",
		Severity: xerrors.SeverityInfo,
	})
}

func taskMeta(id uint64) xerrors.Option {
	return xerrors.WithMetadata("task_id", strconv.FormatUint(id, 10))
}

func stateError(t *Task, want ...Status) error {
	opts := []xerrors.Option{taskMeta(t.ID), xerrors.WithMetadata("status", string(t.Status))}
	if len(want) > 0 {
		expected := ""
		for i, s := range want {
			if i > 0 {
				expected += "|"
			}
			expected += string(s)
		}
		opts = append(opts, xerrors.WithMetadata("expected", expected))
	}
	return ErrInvalidState.With(opts...)
}

func unauthorized(t *Task, role string) error {
	return ErrUnauthorized.With(taskMeta(t.ID), xerrors.WithMetadata("required", role))
}

func tooEarly(t *Task, at int64) error {
	return ErrTooEarly.With(taskMeta(t.ID), xerrors.WithMetadata("required_at", strconv.FormatInt(at, 10)))
}

func invalidParameters(field, reason string) error {
	return ErrInvalidParameters.With(xerrors.WithMetadata("field", field), xerrors.WithMetadata("reason", reason))
}
