package events

import (
	"context"

	xerrors "AgentTaskEscrow/internal/errors"
)

const (
	// CodeQueueClosed 表示向已关闭的队列投递消息。
	CodeQueueClosed xerrors.Code = "EVENT_QUEUE_CLOSED"
	// CodeQueueFull 表示内存队列缓冲区已满，消息被丢弃。
	CodeQueueFull xerrors.Code = "EVENT_QUEUE_FULL"
)

func init() {
	xerrors.Register(CodeQueueClosed, xerrors.Attributes{
		Message:  "event queue is closed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeQueueFull, xerrors.Attributes{
		Message:   "event queue is full",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

var (
	// ErrQueueClosed 在队列关闭后调用 Publish 时返回。
	ErrQueueClosed = xerrors.New(CodeQueueClosed, "")
	// ErrQueueFull 在内存队列写满时由 Publish 立即返回。
	ErrQueueFull = xerrors.New(CodeQueueFull, "")
)

// Handler 处理一条队列消息。返回可重试错误时，支持重投的队列会把消息放回队列。
type Handler func(ctx context.Context, payload []byte) error

// Producer 负责向队列投递消息。
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer 负责从队列中消费消息。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

func shouldRequeue(err error) bool {
	return err != nil && xerrors.RetryableError(err)
}
