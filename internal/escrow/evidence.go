package escrow

import (
	"strings"
	"unicode"

	xerrors "AgentTaskEscrow/internal/errors"
)

// MaxEvidenceURILength 限制证据 URI 的长度。
const MaxEvidenceURILength = 2048

// EvidenceSchemes 列出允许的证据 URI 协议。
var EvidenceSchemes = []string{"ipfs://", "https://", "http://", "ar://"}

// ValidateEvidenceURI 只检查语法：协议受支持、协议之后非空、不含空白字符。
// 内容从不被解析或拉取。
func ValidateEvidenceURI(uri string) error {
	if uri == "" {
		return ErrInvalidEvidence.With(xerrors.WithMetadata("reason", "empty"))
	}
	if len(uri) > MaxEvidenceURILength {
		return ErrInvalidEvidence.With(xerrors.WithMetadata("reason", "too long"))
	}
	if strings.IndexFunc(uri, unicode.IsSpace) >= 0 {
		return ErrInvalidEvidence.With(xerrors.WithMetadata("reason", "contains whitespace"))
	}
	lower := strings.ToLower(uri)
	for _, scheme := range EvidenceSchemes {
		if strings.HasPrefix(lower, scheme) {
			if len(uri) == len(scheme) {
				return ErrInvalidEvidence.With(xerrors.WithMetadata("reason", "missing location"))
			}
			return nil
		}
	}
	return ErrInvalidEvidence.With(xerrors.WithMetadata("reason", "unsupported scheme"))
}
