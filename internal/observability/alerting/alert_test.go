package alerting

import (
	"context"
	"errors"
	"testing"

	xerrors "AgentTaskEscrow/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	first := &recordingNotifier{channel: ChannelLog}
	second := &recordingNotifier{channel: ChannelWebhook, err: errors.New("boom")}
	fanout := NewFanout(first, nil, second)

	err := fanout.Notify(context.Background(), Event{Code: xerrors.CodeStorageFailure, TaskID: 2})
	if err == nil {
		t.Fatalf("expected joined error from failing channel")
	}
	if len(first.events) != 1 || len(second.events) != 1 {
		t.Fatalf("every channel should receive the event: %d %d", len(first.events), len(second.events))
	}
	if got := fanout.Channels(); len(got) != 2 || got[0] != ChannelLog {
		t.Fatalf("unexpected channels: %v", got)
	}
}

func TestFromErrorCopiesRegistryAttributes(t *testing.T) {
	cause := xerrors.New(xerrors.CodeStorageFailure, "disk full", xerrors.WithMetadata("task_id", "9"))
	event := FromError(9, "persist", cause)
	if event.Severity != xerrors.SeverityCritical || event.Code != xerrors.CodeStorageFailure {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Metadata["task_id"] != "9" {
		t.Fatalf("metadata not copied: %v", event.Metadata)
	}
}

func TestNilFanoutIsNoop(t *testing.T) {
	var fanout *FanoutDispatcher
	if err := fanout.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should ignore events: %v", err)
	}
}

func TestWebhookNotifierSkipsWhenUnconfigured(t *testing.T) {
	var n *WebhookNotifier
	if err := n.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured notifier should skip: %v", err)
	}
}
