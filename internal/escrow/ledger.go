package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentTaskEscrow/internal/bank"
	xerrors "AgentTaskEscrow/internal/errors"
	"AgentTaskEscrow/internal/observability/alerting"
	"AgentTaskEscrow/internal/proofs"
	"AgentTaskEscrow/pkg/logger"
)

// Verifier 从签名中恢复签名者地址，账本据此校验结果声明。
type Verifier interface {
	Recover(message, signature []byte) (common.Address, error)
}

// Ledger 是任务托管账本。针对同一任务的动作互斥执行，不同任务之间可以并发。
type Ledger struct {
	params   Params
	policy   StakePolicy
	verifier Verifier
	bank     bank.Bank
	store    Store
	pub      Publisher
	alerts   alerting.Dispatcher
	log      *slog.Logger
	arena    *arena
	createMu sync.Mutex
	// fundsMu 串行化“转账、持久化、补偿”这一段，保证补偿时账户未被其他任务改动，
	// 也保证写入存储的余额快照按执行顺序落盘。
	fundsMu sync.Mutex
}

// Option 定义账本的可选配置。
type Option func(*Ledger)

// WithStore 指定持久化后端，默认为 MemoryStore。
func WithStore(store Store) Option {
	return func(l *Ledger) {
		if store != nil {
			l.store = store
		}
	}
}

// WithPublisher 指定生命周期事件的发布者。
func WithPublisher(pub Publisher) Option {
	return func(l *Ledger) {
		if pub != nil {
			l.pub = pub
		}
	}
}

// WithStakePolicy 指定质押校验策略，默认为 AnyPositiveStake。
func WithStakePolicy(policy StakePolicy) Option {
	return func(l *Ledger) {
		if policy != nil {
			l.policy = policy
		}
	}
}

// WithVerifier 替换签名校验实现，默认为 EIP-191 个人消息签名。
func WithVerifier(verifier Verifier) Option {
	return func(l *Ledger) {
		if verifier != nil {
			l.verifier = verifier
		}
	}
}

// WithAlerts 指定告警分发器，补偿转账失败等需要人工介入的情况会通过它上报。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(l *Ledger) {
		if d != nil {
			l.alerts = d
		}
	}
}

// WithLogger 指定运行日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// NewLedger 构造账本，并从 Store 中恢复已有任务。
func NewLedger(ctx context.Context, params Params, custody bank.Bank, opts ...Option) (*Ledger, error) {
	if err := params.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "invalid escrow parameters", xerrors.WithRetryable(false))
	}
	if custody == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "custody bank is required", xerrors.WithRetryable(false))
	}
	l := &Ledger{
		params:   params,
		policy:   AnyPositiveStake{},
		verifier: proofs.EIP191Verifier{},
		bank:     custody,
		store:    NewMemoryStore(),
		pub:      nopPublisher{},
		arena:    newArena(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.log == nil {
		l.log = logger.Named("escrow")
	}

	tasks, err := l.store.LoadAll(ctx)
	if err != nil {
		return nil, xerrors.Wrap(CodeStorageFailure, err, "load tasks failed")
	}
	for i, t := range tasks {
		if t.ID != uint64(i) {
			return nil, xerrors.New(xerrors.CodeInitializationFailure,
				fmt.Sprintf("task ids are not contiguous: expected %d, got %d", i, t.ID),
				xerrors.WithRetryable(false))
		}
		l.arena.append(t)
	}
	if len(tasks) > 0 {
		l.log.Info("restored tasks", slog.Int("count", len(tasks)))
	}
	return l, nil
}

// Params 返回只读的全局参数。
func (l *Ledger) Params() Params {
	return l.params
}

// Close 释放持久化资源。
func (l *Ledger) Close() error {
	return l.store.Close()
}

// CreateTask 分配一个新任务，处于 Created 状态，不移动任何资金。
func (l *Ledger) CreateTask(ctx context.Context, req CreateTaskRequest, now time.Time) (*Task, error) {
	zero := common.Address{}
	switch {
	case req.Client == zero:
		return nil, invalidParameters("client", "required")
	case req.PaymentToken == zero:
		return nil, invalidParameters("payment_token", "required")
	case req.StakeToken == zero:
		return nil, invalidParameters("stake_token", "required")
	case req.PaymentAmount == nil || req.PaymentAmount.Sign() <= 0:
		return nil, invalidParameters("payment_amount", "must be positive")
	case req.Deadline <= now.Unix():
		return nil, invalidParameters("deadline", "must be in the future")
	}

	l.createMu.Lock()
	task := &Task{
		ID:            l.arena.next(),
		Client:        req.Client,
		Description:   req.Description,
		PaymentToken:  req.PaymentToken,
		PaymentAmount: new(big.Int).Set(req.PaymentAmount),
		StakeToken:    req.StakeToken,
		StakeAmount:   new(big.Int),
		DisputeBond:   new(big.Int),
		Deadline:      req.Deadline,
		Status:        StatusCreated,
		CreatedAt:     now.Unix(),
		UpdatedAt:     now.Unix(),
	}
	if err := l.store.Save(ctx, task); err != nil {
		l.createMu.Unlock()
		return nil, xerrors.Wrap(CodeStorageFailure, err, "persist task failed")
	}
	l.arena.append(task)
	l.createMu.Unlock()

	l.log.Info("task created",
		slog.Uint64("task_id", task.ID),
		slog.String("client", task.Client.Hex()),
		slog.String("payment_amount", task.PaymentAmount.String()),
		slog.Int64("deadline", task.Deadline),
	)
	l.publish(ctx, newEvent(EventTaskCreated, req.Client, task, nil, now.Unix()))
	return task.Clone(), nil
}

// Apply 对任务执行一个动作。校验、资金转移与持久化作为一个整体完成：任一环节失败，
// 任务状态与余额都保持动作之前的样子。事件在释放任务锁之后发布。
func (l *Ledger) Apply(ctx context.Context, action Action, now time.Time) (*Task, error) {
	if action == nil {
		return nil, invalidParameters("action", "required")
	}
	s, ok := l.arena.get(action.Target())
	if !ok {
		return nil, ErrTaskNotFound.With(taskMeta(action.Target()))
	}

	next, event, err := l.commit(ctx, s, action, now)
	if err != nil {
		return nil, err
	}
	l.publish(ctx, event)
	return next.Clone(), nil
}

func (l *Ledger) commit(ctx context.Context, s *slot, action Action, now time.Time) (*Task, Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.current.Load()
	eff, err := l.transition(current, action, now.Unix())
	if err != nil {
		l.log.Debug("action rejected",
			slog.Uint64("task_id", current.ID),
			slog.String("action", string(action.Kind())),
			slog.String("caller", action.Actor().Hex()),
			slog.String("code", string(xerrors.CodeOf(err))),
		)
		return nil, Event{}, err
	}
	next := eff.next
	next.UpdatedAt = now.Unix()

	if err := l.persist(ctx, action, next, eff.transfers); err != nil {
		return nil, Event{}, err
	}

	s.current.Store(next)
	if !current.HasAgent() && next.HasAgent() {
		l.arena.indexAgent(next.Agent, next.ID)
	}
	l.audit(action, current, next, eff.transfers)
	return next, newEvent(eff.event, action.Actor(), next, eff.transfers, now.Unix()), nil
}

// persist 执行转账并保存任务。存储支持余额持久化时，任务与受影响账户在同一事务中写入；
// 保存失败时撤销已执行的转账。
func (l *Ledger) persist(ctx context.Context, action Action, next *Task, transfers []bank.Transfer) error {
	if len(transfers) == 0 {
		if err := l.store.Save(ctx, next); err != nil {
			return xerrors.Wrap(CodeStorageFailure, err, "persist task failed", taskMeta(next.ID))
		}
		return nil
	}

	l.fundsMu.Lock()
	defer l.fundsMu.Unlock()

	if err := l.bank.Execute(ctx, transfers); err != nil {
		return xerrors.Wrap(CodeTransferFailed, err, "",
			taskMeta(next.ID), xerrors.WithMetadata("action", string(action.Kind())))
	}

	var err error
	ps, persistent := l.store.(PositionStore)
	snap, snapshots := l.bank.(bank.Snapshotter)
	if persistent && snapshots {
		err = ps.SaveWithPositions(ctx, next, snap.Positions(transfers))
	} else {
		err = l.store.Save(ctx, next)
	}
	if err == nil {
		return nil
	}

	if rerr := l.bank.Revert(context.WithoutCancel(ctx), transfers); rerr != nil {
		l.log.Error("compensating transfers failed",
			slog.Uint64("task_id", next.ID),
			slog.String("action", string(action.Kind())),
			slog.Any("error", rerr),
		)
		if l.alerts != nil {
			alert := alerting.FromError(next.ID, "compensate", xerrors.Wrap(CodeTransferFailed, rerr, "compensating transfers failed",
				taskMeta(next.ID), xerrors.WithMetadata("action", string(action.Kind())), xerrors.WithAlert(true)))
			if aerr := l.alerts.Notify(context.WithoutCancel(ctx), alert); aerr != nil {
				l.log.Warn("dispatch alert failed", slog.Any("error", aerr))
			}
		}
	}
	return xerrors.Wrap(CodeStorageFailure, err, "persist task failed", taskMeta(next.ID))
}

// AcceptTask 是 Apply(AcceptTask{...}) 的便捷封装。
func (l *Ledger) AcceptTask(ctx context.Context, id uint64, agent common.Address, stake *big.Int, now time.Time) (*Task, error) {
	return l.Apply(ctx, AcceptTask{TaskID: id, Caller: agent, StakeAmount: stake}, now)
}

// DepositPayment 是 Apply(DepositPayment{...}) 的便捷封装。
func (l *Ledger) DepositPayment(ctx context.Context, id uint64, client common.Address, now time.Time) (*Task, error) {
	return l.Apply(ctx, DepositPayment{TaskID: id, Caller: client}, now)
}

// AssertCompletion 是 Apply(AssertCompletion{...}) 的便捷封装。
func (l *Ledger) AssertCompletion(ctx context.Context, id uint64, agent common.Address, resultHash common.Hash, signature []byte, evidence string, now time.Time) (*Task, error) {
	return l.Apply(ctx, AssertCompletion{TaskID: id, Caller: agent, ResultHash: resultHash, Signature: signature, EvidenceURI: evidence}, now)
}

// DisputeTask 是 Apply(DisputeTask{...}) 的便捷封装。
func (l *Ledger) DisputeTask(ctx context.Context, id uint64, client common.Address, evidence string, now time.Time) (*Task, error) {
	return l.Apply(ctx, DisputeTask{TaskID: id, Caller: client, EvidenceURI: evidence}, now)
}

// SettleNoContest 是 Apply(SettleNoContest{...}) 的便捷封装。
func (l *Ledger) SettleNoContest(ctx context.Context, id uint64, caller common.Address, now time.Time) (*Task, error) {
	return l.Apply(ctx, SettleNoContest{TaskID: id, Caller: caller}, now)
}

// SettleAgentConceded 是 Apply(SettleAgentConceded{...}) 的便捷封装。
func (l *Ledger) SettleAgentConceded(ctx context.Context, id uint64, client common.Address, now time.Time) (*Task, error) {
	return l.Apply(ctx, SettleAgentConceded{TaskID: id, Caller: client}, now)
}

// TimeoutCancellation 是 Apply(TimeoutCancellation{...}) 的便捷封装。
func (l *Ledger) TimeoutCancellation(ctx context.Context, id uint64, caller common.Address, reason string, now time.Time) (*Task, error) {
	return l.Apply(ctx, TimeoutCancellation{TaskID: id, Caller: caller, Reason: reason}, now)
}

// CannotComplete 是 Apply(CannotComplete{...}) 的便捷封装。
func (l *Ledger) CannotComplete(ctx context.Context, id uint64, agent common.Address, reason string, now time.Time) (*Task, error) {
	return l.Apply(ctx, CannotComplete{TaskID: id, Caller: agent, Reason: reason}, now)
}

func (l *Ledger) audit(action Action, before, after *Task, transfers []bank.Transfer) {
	audit := logger.Audit()
	audit.Info("task transition",
		slog.Uint64("task_id", after.ID),
		slog.String("action", string(action.Kind())),
		slog.String("caller", action.Actor().Hex()),
		slog.String("from", string(before.Status)),
		slog.String("to", string(after.Status)),
		slog.String("outcome", string(after.Outcome)),
	)
	for _, t := range transfers {
		if t.Amount == nil || t.Amount.Sign() == 0 {
			continue
		}
		audit.Info("funds moved",
			slog.Uint64("task_id", after.ID),
			slog.String("token", t.Token.Hex()),
			slog.String("from", t.From.Hex()),
			slog.String("to", t.To.Hex()),
			slog.String("amount", t.Amount.String()),
		)
	}
}

func (l *Ledger) publish(ctx context.Context, event Event) {
	if err := l.pub.Publish(ctx, event); err != nil {
		l.log.Warn("publish event failed",
			slog.String("event_id", event.ID),
			slog.String("type", string(event.Type)),
			slog.Uint64("task_id", event.TaskID),
			slog.Any("error", err),
		)
	}
}
