package api

import (
	"encoding/json"
	"net/http"

	"AgentTaskEscrow/internal/auth"
	xerrors "AgentTaskEscrow/internal/errors"
	"AgentTaskEscrow/internal/escrow"
)

// errorBody 是统一的错误响应。
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      xerrors.Code      `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// StatusFor 将错误码映射为 HTTP 状态码。
func StatusFor(code xerrors.Code) int {
	switch code {
	case escrow.CodeInvalidParameters, escrow.CodeInvalidEvidence, escrow.CodeBadSignature, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case auth.CodeUnauthenticated:
		return http.StatusUnauthorized
	case escrow.CodeUnauthorized:
		return http.StatusForbidden
	case escrow.CodeTaskNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case escrow.CodeInvalidState, escrow.CodeWindowClosed, xerrors.CodeConflict:
		return http.StatusConflict
	case escrow.CodeTooEarly:
		return http.StatusTooEarly
	case escrow.CodeTransferFailed:
		return http.StatusPaymentRequired
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	e, ok := xerrors.From(err)
	if !ok {
		e = xerrors.Wrap(xerrors.CodeUnknown, err, "")
	}
	body := errorBody{Error: errorDetail{
		Code:      e.Code(),
		Message:   e.Message(),
		Retryable: e.Retryable(),
		Metadata:  e.Metadata(),
	}}
	writeJSON(w, StatusFor(e.Code()), body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func badRequest(field, reason string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, "invalid request",
		xerrors.WithMetadata("field", field),
		xerrors.WithMetadata("reason", reason))
}
