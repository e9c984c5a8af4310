package auth

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentTaskEscrow/internal/errors"
)

// 请求签名使用的 HTTP 头。
const (
	HeaderAddress   = "X-Escrow-Address"
	HeaderTimestamp = "X-Escrow-Timestamp"
	HeaderSignature = "X-Escrow-Signature"
)

// CodeUnauthenticated 表示请求缺少签名或签名无效。
const CodeUnauthenticated xerrors.Code = "UNAUTHENTICATED"

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:  "request authentication failed",
		Severity: xerrors.SeverityWarning,
	})
}

// 认证失败时返回的错误，均使用 CodeUnauthenticated。
var (
	ErrMissingSignature = xerrors.New(CodeUnauthenticated, "request signature is required")
	ErrStaleRequest     = xerrors.New(CodeUnauthenticated, "request timestamp outside the accepted window")
	ErrInvalidSignature = xerrors.New(CodeUnauthenticated, "request signature does not match the address")
)

// Subject 是通过认证的调用方。
type Subject struct {
	Address  common.Address
	SignedAt time.Time
}
