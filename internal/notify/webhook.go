package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	xerrors "AgentTaskEscrow/internal/errors"
	"AgentTaskEscrow/internal/observability/alerting"
)

// CodeDeliveryFailed 表示通知未能送达，可重试。
const CodeDeliveryFailed xerrors.Code = "NOTIFY_DELIVERY_FAILED"

// CodeStakeSlashed 标记代理人质押被罚没的告警。
const CodeStakeSlashed xerrors.Code = "STAKE_SLASHED"

func init() {
	xerrors.Register(CodeDeliveryFailed, xerrors.Attributes{
		Message:   "notification delivery failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeStakeSlashed, xerrors.Attributes{
		Message:  "agent stake slashed to client",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// WebhookClient 以 JSON POST 方式推送消息。
type WebhookClient struct {
	httpClient *http.Client
}

var _ alerting.Poster = (*WebhookClient)(nil)

// NewWebhookClient 创建客户端，timeout 为单次请求的超时时间。
func NewWebhookClient(timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookClient{httpClient: &http.Client{Timeout: timeout}}
}

// PostJSON 发送 JSON 请求。网络错误与 5xx 视为可重试，4xx 不重试。
func (c *WebhookClient) PostJSON(ctx context.Context, url string, body any) error {
	return c.post(ctx, url, body, nil)
}

func (c *WebhookClient) post(ctx context.Context, url string, body any, headers map[string]string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid webhook url")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(CodeDeliveryFailed, err, "webhook request failed", xerrors.WithMetadata("url", url))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	meta := []xerrors.Option{
		xerrors.WithMetadata("url", url),
		xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)),
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return xerrors.New(CodeDeliveryFailed, "webhook returned "+resp.Status, meta...)
	}
	return xerrors.New(CodeDeliveryFailed, "webhook rejected notification: "+resp.Status,
		append(meta, xerrors.WithRetryable(false))...)
}

// WebhookNotifier 把通知推送到一组 URL。
type WebhookNotifier struct {
	client *WebhookClient
	urls   []string
}

// NewWebhookNotifier 创建 WebhookNotifier。
func NewWebhookNotifier(client *WebhookClient, urls ...string) *WebhookNotifier {
	return &WebhookNotifier{client: client, urls: append([]string(nil), urls...)}
}

// Name 实现 Notifier。
func (w *WebhookNotifier) Name() string { return "webhook" }

// Notify 实现 Notifier。接收方可以用 Idempotency-Key 去重重复投递。
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	headers := map[string]string{
		"X-Escrow-Event":  string(n.Type),
		"Idempotency-Key": n.EventID,
	}
	var errs []error
	for _, url := range w.urls {
		if err := w.client.post(ctx, url, n, headers); err != nil {
			errs = append(errs, err)
		}
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		// 只要有一个可重试，整体就值得重投。
		retry := false
		for _, err := range errs {
			retry = retry || xerrors.RetryableError(err)
		}
		return xerrors.Wrap(CodeDeliveryFailed, errors.Join(errs...), "multiple webhooks failed", xerrors.WithRetryable(retry))
	}
}
