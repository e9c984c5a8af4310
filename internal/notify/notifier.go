package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"AgentTaskEscrow/pkg/logger"
)

// Notifier 把通知投递到一个渠道。
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Fanout 依次调用所有通知器并汇总错误。
type Fanout []Notifier

// Name 实现 Notifier。
func (f Fanout) Name() string { return "fanout" }

// Notify 实现 Notifier。
func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range f {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 把通知写入结构化日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Name 实现 Notifier。
func (LogNotifier) Name() string { return "log" }

// Notify 实现 Notifier。
func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	log := l.Logger
	if log == nil {
		log = logger.Named("notify")
	}
	recipients := make([]string, 0, len(n.Recipients))
	for _, r := range n.Recipients {
		recipients = append(recipients, r.Hex())
	}
	log.InfoContext(ctx, n.Summary,
		slog.String("event_id", n.EventID),
		slog.String("type", string(n.Type)),
		slog.Uint64("task_id", n.TaskID),
		slog.Any("recipients", recipients),
	)
	return nil
}
