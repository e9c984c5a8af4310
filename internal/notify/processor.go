package notify

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"AgentTaskEscrow/internal/events"
	xerrors "AgentTaskEscrow/internal/errors"
	"AgentTaskEscrow/internal/observability/alerting"
	"AgentTaskEscrow/internal/observability/metrics"
	"AgentTaskEscrow/pkg/logger"
)

// Processor 从事件队列消费账本事件并投递通知。
type Processor struct {
	consumer    events.Consumer
	notifier    Notifier
	alerter     alerting.Dispatcher
	metrics     *metrics.Registry
	workerCount int
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithMetrics 记录通知投递指标。
func WithMetrics(reg *metrics.Registry) ProcessorOption {
	return func(p *Processor) {
		p.metrics = reg
	}
}

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = log
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(consumer events.Consumer, notifier Notifier, opts ...ProcessorOption) *Processor {
	p := &Processor{
		consumer:    consumer,
		notifier:    notifier,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("notify")
	}
	return p
}

// Start 启动消费循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.notifier == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "notification processor is not configured")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理一条队列消息。可重试的投递失败会返回错误，由队列决定是否重投。
func (p *Processor) Handle(ctx context.Context, payload []byte) error {
	event, err := events.Decode(payload)
	if err != nil {
		p.logger.Warn("丢弃无法解析的事件", slog.Any("error", err))
		return err
	}

	if Slashed(event) {
		p.emitAlert(ctx, alerting.Event{
			Code:     CodeStakeSlashed,
			Message:  xerrors.AttributesOf(CodeStakeSlashed).Message,
			Severity: xerrors.AttributesOf(CodeStakeSlashed).Severity,
			TaskID:   event.TaskID,
			Stage:    "settlement",
			Metadata: map[string]string{
				"agent":        event.Task.Agent.Hex(),
				"stake_token":  event.Task.StakeToken.Hex(),
				"stake_amount": event.Task.StakeAmount.String(),
			},
			OccurredAt: time.Unix(event.OccurredAt, 0),
		})
	}

	notification := Build(event)
	err = p.notifier.Notify(ctx, notification)
	if p.metrics != nil {
		p.metrics.ObserveNotification(p.notifier.Name(), err)
	}
	if err != nil {
		p.logger.Error("通知投递失败",
			slog.String("event_id", event.ID),
			slog.String("type", string(event.Type)),
			slog.Uint64("task_id", event.TaskID),
			slog.Bool("retryable", xerrors.RetryableError(err)),
			slog.Any("error", err),
		)
		if xerrors.ShouldAlert(err) {
			p.emitAlert(ctx, alerting.FromError(event.TaskID, "deliver", err))
		}
		return err
	}
	p.logger.Debug("通知已投递",
		slog.String("event_id", event.ID),
		slog.String("type", string(event.Type)),
		slog.String("task_id", strconv.FormatUint(event.TaskID, 10)),
	)
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, event alerting.Event) {
	if p.alerter == nil {
		return
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Warn("发送告警失败", slog.Any("error", err), slog.Uint64("task_id", event.TaskID))
	}
}
