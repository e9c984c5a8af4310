package auth

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentTaskEscrow/internal/errors"
	"AgentTaskEscrow/internal/proofs"
	loggerpkg "AgentTaskEscrow/pkg/logger"
)

const (
	defaultMaxSkew      = 5 * time.Minute
	defaultMaxBodyBytes = 1 << 20
)

// Authenticator 校验请求签名。
type Authenticator struct {
	verifier proofs.EIP191Verifier
	maxSkew  time.Duration
	now      func() time.Time
	audit    *slog.Logger
}

// Option 定义 Authenticator 的可选配置。
type Option func(*Authenticator)

// WithMaxSkew 设置请求时间戳与服务端时间允许的最大偏差。
func WithMaxSkew(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.maxSkew = d
		}
	}
}

// WithNow 替换时间来源，主要用于测试。
func WithNow(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithAuditLogger 指定审计日志输出，默认使用全局审计日志。
func WithAuditLogger(log *slog.Logger) Option {
	return func(a *Authenticator) { a.audit = log }
}

// New 创建 Authenticator。
func New(opts ...Option) *Authenticator {
	a := &Authenticator{maxSkew: defaultMaxSkew, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Authenticate 校验 r 的签名头，body 为已读出的请求体。
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (Subject, error) {
	rawAddr := strings.TrimSpace(r.Header.Get(HeaderAddress))
	rawTS := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	rawSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if rawAddr == "" || rawTS == "" || rawSig == "" {
		return Subject{}, ErrMissingSignature
	}
	if !common.IsHexAddress(rawAddr) {
		return Subject{}, ErrInvalidSignature.With(xerrors.WithMetadata("reason", "malformed address"))
	}
	claimed := common.HexToAddress(rawAddr)

	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return Subject{}, ErrStaleRequest.With(xerrors.WithMetadata("reason", "malformed timestamp"))
	}
	signedAt := time.Unix(ts, 0)
	skew := a.now().Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.maxSkew {
		return Subject{}, ErrStaleRequest.With(xerrors.WithMetadata("max_skew", a.maxSkew.String()))
	}

	sig, err := proofs.DecodeSignature(rawSig)
	if err != nil {
		return Subject{}, ErrInvalidSignature.With(xerrors.WithMetadata("reason", err.Error()))
	}
	recovered, err := a.verifier.Recover(RequestMessage(r.Method, r.URL.Path, ts, body), sig)
	if err != nil {
		return Subject{}, ErrInvalidSignature.With(xerrors.WithMetadata("reason", err.Error()))
	}
	if recovered != claimed {
		return Subject{}, ErrInvalidSignature.With(xerrors.WithMetadata("address", claimed.Hex()))
	}
	return Subject{Address: recovered, SignedAt: signedAt}, nil
}

// MiddlewareConfig 配置认证中间件的行为。
type MiddlewareConfig struct {
	// Deny 负责写出拒绝响应，为空时返回纯文本状态。
	Deny func(w http.ResponseWriter, r *http.Request, err error)
	// MaxBodyBytes 限制为计算签名而读入内存的请求体大小。
	MaxBodyBytes int64
	// AuditEvent 指定审计日志中的事件名称，默认为请求路径。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件：校验请求签名，把 Subject 放入上下文，并记录审计日志。
func (a *Authenticator) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	limit := cfg.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
			if err != nil {
				a.deny(w, r, cfg, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体读取失败"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			subject, err := a.Authenticate(r, body)
			if err != nil {
				a.deny(w, r, cfg, err)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			a.auditLogger().Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"address", subject.Address.Hex(),
			)
		})
	}
}

func (a *Authenticator) deny(w http.ResponseWriter, r *http.Request, cfg MiddlewareConfig, err error) {
	a.auditLogger().Warn("access_denied",
		"path", r.URL.Path,
		"method", r.Method,
		"address", r.Header.Get(HeaderAddress),
		"code", string(xerrors.CodeOf(err)),
		"error", err.Error(),
	)
	if cfg.Deny != nil {
		cfg.Deny(w, r, err)
		return
	}
	status := http.StatusUnauthorized
	if xerrors.CodeOf(err) == xerrors.CodeInvalidArgument {
		status = http.StatusBadRequest
	}
	http.Error(w, http.StatusText(status), status)
}

func (a *Authenticator) auditLogger() *slog.Logger {
	if a.audit != nil {
		return a.audit
	}
	return loggerpkg.Audit()
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
