package events

import (
	"context"
	"encoding/json"
	"fmt"

	xerrors "AgentTaskEscrow/internal/errors"
	"AgentTaskEscrow/internal/escrow"
)

// QueuePublisher 将账本事件编码为 JSON 后写入队列，实现 escrow.Publisher。
type QueuePublisher struct {
	producer Producer
}

var _ escrow.Publisher = (*QueuePublisher)(nil)

// NewQueuePublisher 创建 QueuePublisher。
func NewQueuePublisher(producer Producer) *QueuePublisher {
	return &QueuePublisher{producer: producer}
}

// Publish 实现 escrow.Publisher。
func (p *QueuePublisher) Publish(ctx context.Context, event escrow.Event) error {
	payload, err := Encode(event)
	if err != nil {
		return err
	}
	if err := p.producer.Publish(ctx, payload); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "publish event failed",
			xerrors.WithMetadata("event_id", event.ID),
			xerrors.WithMetadata("event_type", string(event.Type)))
	}
	return nil
}

// Encode 序列化事件。
func Encode(event escrow.Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return payload, nil
}

// Decode 反序列化队列消息。损坏的消息返回 INVALID_ARGUMENT，消费端不会重投。
func Decode(payload []byte) (escrow.Event, error) {
	var event escrow.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return escrow.Event{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed event payload")
	}
	if event.Type == "" || event.Task == nil {
		return escrow.Event{}, xerrors.New(xerrors.CodeInvalidArgument, "event payload missing type or task")
	}
	return event, nil
}
