package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"AgentTaskEscrow/internal/auth"
	"AgentTaskEscrow/internal/clock"
	xerrors "AgentTaskEscrow/internal/errors"
	"AgentTaskEscrow/internal/escrow"
	"AgentTaskEscrow/internal/observability/metrics"
	"AgentTaskEscrow/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Server 负责暴露账本的 REST 接口。
type Server struct {
	addr            string
	ledger          *escrow.Ledger
	clock           clock.Clock
	metrics         *metrics.Registry
	metricsPath     string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	auth            *auth.Authenticator
	logger          *slog.Logger
	mux             *http.ServeMux
}

// Option 定义可选配置。
type Option func(*Server)

// WithAddress 设置监听地址。
func WithAddress(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithClock 指定时间来源，默认使用系统时钟。
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithMetrics 启用请求指标，并在 path 上暴露 Prometheus 端点。path 为空时只记录不暴露。
func WithMetrics(reg *metrics.Registry, path string) Option {
	return func(s *Server) {
		s.metrics = reg
		s.metricsPath = path
	}
}

// WithTimeouts 配置读写与优雅关闭超时。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		s.shutdownTimeout = shutdown
	}
}

// WithAuthenticator 替换写接口使用的请求签名校验器。
func WithAuthenticator(a *auth.Authenticator) Option {
	return func(s *Server) {
		if a != nil {
			s.auth = a
		}
	}
}

// WithoutAuthentication 关闭写接口的请求签名校验，请求体中的 caller 与 client 将被直接采信。
// 仅用于本地开发与测试。
func WithoutAuthentication() Option {
	return func(s *Server) { s.auth = nil }
}

// NewServer 构造 API 服务实例。写接口默认要求请求签名。
func NewServer(ledger *escrow.Ledger, opts ...Option) *Server {
	s := &Server{
		addr:            ":8080",
		ledger:          ledger,
		clock:           clock.System{},
		readTimeout:     15 * time.Second,
		writeTimeout:    15 * time.Second,
		shutdownTimeout: 5 * time.Second,
		auth:            auth.New(),
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.auth == nil {
		s.logger.Warn("写接口未启用请求签名，caller 字段将被直接采信")
	}
	s.mux = s.routes()
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", s.instrument("create_task", s.authenticated("create_task", s.handleCreateTask)))
	mux.HandleFunc("GET /api/v1/tasks", s.instrument("list_tasks", s.handleListTasks))
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.instrument("get_task", s.handleGetTask))
	mux.HandleFunc("POST /api/v1/tasks/{id}/actions", s.instrument("apply_action", s.authenticated("apply_action", s.handleAction)))
	mux.HandleFunc("GET /api/v1/tasks/{id}/timing", s.instrument("task_timing", s.handleTiming))
	mux.HandleFunc("GET /api/v1/tasks/{id}/dispute-bond", s.instrument("dispute_bond", s.handleDisputeBond))
	mux.HandleFunc("GET /api/v1/actions", s.instrument("needing_action", s.handleNeedingAction))
	mux.HandleFunc("GET /api/v1/next-id", s.instrument("next_id", s.handleNextID))
	mux.HandleFunc("GET /api/v1/config", s.instrument("config", s.handleConfig))
	mux.HandleFunc("GET /api/v1/stats", s.instrument("stats", s.handleStats))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil && s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, s.metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body CreateTaskBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.checkParty(r, "client", req.Client); err != nil {
		writeError(w, err)
		return
	}
	now, err := s.now(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.ledger.CreateTask(r.Context(), req, now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var tasks []*escrow.Task
	switch {
	case query.Get("client") != "":
		client, err := parseAddress("client", query.Get("client"))
		if err != nil {
			writeError(w, err)
			return
		}
		tasks = s.ledger.TasksByClient(client)
	case query.Get("agent") != "":
		agent, err := parseAddress("agent", query.Get("agent"))
		if err != nil {
			writeError(w, err)
			return
		}
		tasks = s.ledger.TasksByAgent(agent)
	default:
		tasks = s.ledger.Tasks()
	}

	if raw := query.Get("status"); raw != "" {
		status := escrow.Status(raw)
		if !escrow.IsValidStatus(status) {
			writeError(w, badRequest("status", "unknown status"))
			return
		}
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.Status == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if tasks == nil {
		tasks = []*escrow.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.ledger.GetTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	// 任务不存在时优先报告 TASK_NOT_FOUND，而不是请求体里的格式问题。
	if _, err := s.ledger.GetTask(id); err != nil {
		writeError(w, err)
		return
	}
	var body ActionBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if subject, ok := auth.SubjectFromContext(r.Context()); ok && body.Caller == "" {
		body.Caller = subject.Address.Hex()
	}
	action, err := body.toAction(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.checkParty(r, "caller", action.Actor()); err != nil {
		writeError(w, err)
		return
	}
	now, err := s.now(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.ledger.Apply(r.Context(), action, now)
	if s.metrics != nil {
		s.metrics.ObserveAction(string(action.Kind()), err)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTiming(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	now, err := s.now(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	timing, err := s.ledger.Timing(id, now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, timing)
}

func (s *Server) handleDisputeBond(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	bond, err := s.ledger.ExpectedDisputeBond(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DisputeBondResponse{TaskID: id, Amount: bond})
}

func (s *Server) handleNeedingAction(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	now, err := s.now(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	items := s.ledger.TasksNeedingAction(addr, now)
	if items == nil {
		items = []escrow.ActionableTask{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleNextID(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, NextIDResponse{NextTaskID: s.ledger.NextTaskID()})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	p := s.ledger.Params()
	writeJSON(w, http.StatusOK, ConfigResponse{
		CooldownSeconds:       p.CooldownSeconds(),
		ResponseWindowSeconds: p.ResponseWindowSeconds(),
		DisputeBondBps:        p.DisputeBondBps,
		Custody:               p.Custody.Hex(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Stats())
}

// authenticated 为写接口挂载请求签名校验，未配置校验器时原样返回。
func (s *Server) authenticated(name string, next http.HandlerFunc) http.HandlerFunc {
	if s.auth == nil {
		return next
	}
	h := s.auth.Middleware(auth.MiddlewareConfig{
		Deny:         func(w http.ResponseWriter, _ *http.Request, err error) { writeError(w, err) },
		MaxBodyBytes: maxBodyBytes,
		AuditEvent:   name,
	})(next)
	return h.ServeHTTP
}

// checkParty 要求请求中声明的参与方地址与签名者一致。
func (s *Server) checkParty(r *http.Request, field string, claimed common.Address) error {
	if s.auth == nil {
		return nil
	}
	subject, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		return auth.ErrMissingSignature
	}
	if subject.Address == claimed {
		return nil
	}
	logger.Audit().Warn("caller_mismatch",
		"path", r.URL.Path,
		"field", field,
		"claimed", claimed.Hex(),
		"address", subject.Address.Hex(),
	)
	return escrow.ErrUnauthorized.With(
		xerrors.WithMetadata("field", field),
		xerrors.WithMetadata("claimed", claimed.Hex()),
		xerrors.WithMetadata("signer", subject.Address.Hex()),
	)
}

func (s *Server) now(ctx context.Context) (time.Time, error) {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return time.Time{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "time source unavailable")
	}
	return now, nil
}

// instrument 为处理器附加请求 ID、访问日志与指标。
func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveHTTPRequest(name, r.Method, rec.status, elapsed)
		}
		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "request handled",
			slog.String("handler", name),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", elapsed),
			slog.String("request_id", requestID),
		)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func taskID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, badRequest("id", "task id must be a non-negative integer")
	}
	return id, nil
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

