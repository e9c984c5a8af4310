package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"AgentTaskEscrow/internal/auth"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Action types accepted by the actions endpoint.
const (
	ActionAccept              = "accept"
	ActionDeposit             = "deposit"
	ActionAssert              = "assert"
	ActionDispute             = "dispute"
	ActionSettleNoContest     = "settle_no_contest"
	ActionSettleAgentConceded = "settle_agent_conceded"
	ActionTimeout             = "timeout"
	ActionCannotComplete      = "cannot_complete"
)

// Task statuses reported by the ledger.
const (
	StatusCreated               = "created"
	StatusAccepted              = "accepted"
	StatusPaymentDeposited      = "payment_deposited"
	StatusResultAsserted        = "result_asserted"
	StatusDisputedAwaitingAgent = "disputed_awaiting_agent"
	StatusResolved              = "resolved"
	StatusCancelledTimeout      = "cancelled_timeout"
	StatusCannotComplete        = "cannot_complete"
)

// Client wraps the HTTP interactions with the escrow REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
	signer      Signer
}

// Signer signs write requests on behalf of an account. *proofs.Signer
// satisfies it.
type Signer = auth.MessageSigner

// Task mirrors the ledger's task record.
type Task struct {
	ID                   uint64         `json:"id"`
	Client               common.Address `json:"client"`
	Agent                common.Address `json:"agent"`
	Description          string         `json:"description"`
	PaymentToken         common.Address `json:"payment_token"`
	PaymentAmount        *big.Int       `json:"payment_amount"`
	StakeToken           common.Address `json:"stake_token"`
	StakeAmount          *big.Int       `json:"stake_amount"`
	DisputeBond          *big.Int       `json:"dispute_bond"`
	Deadline             int64          `json:"deadline"`
	ResultHash           common.Hash    `json:"result_hash"`
	AssertionEvidenceURI string         `json:"assertion_evidence_uri,omitempty"`
	ClientEvidenceURI    string         `json:"client_evidence_uri,omitempty"`
	CooldownEndsAt       int64          `json:"cooldown_ends_at"`
	Status               string         `json:"status"`
	Outcome              string         `json:"outcome,omitempty"`
	Reason               string         `json:"reason,omitempty"`
	CreatedAt            int64          `json:"created_at"`
	UpdatedAt            int64          `json:"updated_at"`
}

// InProgress reports whether the task has an agent and has not reached a terminal status.
func (t Task) InProgress() bool {
	switch t.Status {
	case StatusAccepted, StatusPaymentDeposited, StatusResultAsserted, StatusDisputedAwaitingAgent:
		return true
	}
	return false
}

// Terminal reports whether no further action can change the task.
func (t Task) Terminal() bool {
	switch t.Status {
	case StatusResolved, StatusCancelledTimeout, StatusCannotComplete:
		return true
	}
	return false
}

// TaskSubmission is the payload required to create a new task.
type TaskSubmission struct {
	Client        common.Address
	Description   string
	PaymentToken  common.Address
	PaymentAmount *big.Int
	Deadline      int64
	StakeToken    common.Address
}

// ActionRequest is the body of an action call. Only the fields relevant to
// Type are sent.
type ActionRequest struct {
	Type        string `json:"type"`
	Caller      string `json:"caller"`
	StakeAmount string `json:"stake_amount,omitempty"`
	ResultHash  string `json:"result_hash,omitempty"`
	Signature   string `json:"signature,omitempty"`
	EvidenceURI string `json:"evidence_uri,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// TaskFilter narrows ListTasks. Client takes precedence over Agent.
type TaskFilter struct {
	Client *common.Address
	Agent  *common.Address
	Status string
}

// Timing describes the contestation window of a task at the server's current time.
type Timing struct {
	TaskID           uint64 `json:"task_id"`
	Status           string `json:"status"`
	Mode             string `json:"mode"`
	Label            string `json:"label"`
	Now              int64  `json:"now"`
	Deadline         int64  `json:"deadline,omitempty"`
	SecondsRemaining int64  `json:"seconds_remaining"`
}

// ActionableTask is a task paired with the actions the queried address may take.
type ActionableTask struct {
	Task    Task     `json:"task"`
	Actions []string `json:"actions"`
}

// Config holds the read-only ledger parameters.
type Config struct {
	CooldownSeconds       int64  `json:"cooldown_seconds"`
	ResponseWindowSeconds int64  `json:"agent_response_window_seconds"`
	DisputeBondBps        uint32 `json:"dispute_bond_bps"`
	Custody               string `json:"custody"`
}

// Stats aggregates task counts.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	InProgress int            `json:"in_progress"`
	Contested  int            `json:"contested"`
	Resolved   int            `json:"resolved"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Retryable  bool              `json:"retryable"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("escrow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("escrow api error (%d): %s", e.StatusCode, e.Message)
}

// ErrorCode returns the API error code carried by err, or "" when err did not
// come from the server.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// NewClient instantiates a client for the escrow API. When httpClient is nil,
// a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets a bearer token sent with every request. Useful when the
// API sits behind an authenticating gateway.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetSigner makes the client sign every write request with signer. The
// server rejects actions whose caller differs from the signing account.
func (c *Client) SetSigner(signer Signer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signer = signer
}

// Address returns the signing account, or the zero address when the client
// does not sign.
func (c *Client) Address() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

// CreateTask registers a new task and returns it with its assigned ID.
func (c *Client) CreateTask(ctx context.Context, sub TaskSubmission) (Task, error) {
	if sub.PaymentAmount == nil {
		return Task{}, errors.New("escrow: payment amount is required")
	}
	body := struct {
		Client        string `json:"client"`
		Description   string `json:"description"`
		PaymentToken  string `json:"payment_token"`
		PaymentAmount string `json:"payment_amount"`
		Deadline      int64  `json:"deadline"`
		StakeToken    string `json:"stake_token"`
	}{
		Client:        sub.Client.Hex(),
		Description:   sub.Description,
		PaymentToken:  sub.PaymentToken.Hex(),
		PaymentAmount: sub.PaymentAmount.String(),
		Deadline:      sub.Deadline,
		StakeToken:    sub.StakeToken.Hex(),
	}
	var task Task
	if err := c.post(ctx, "/api/v1/tasks", body, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches a task by ID.
func (c *Client) GetTask(ctx context.Context, id uint64) (Task, error) {
	var task Task
	if err := c.get(ctx, taskPath(id, ""), nil, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, ordered by ID.
func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	query := url.Values{}
	if filter.Client != nil {
		query.Set("client", filter.Client.Hex())
	} else if filter.Agent != nil {
		query.Set("agent", filter.Agent.Hex())
	}
	if filter.Status != "" {
		query.Set("status", filter.Status)
	}
	var tasks []Task
	if err := c.get(ctx, "/api/v1/tasks", query, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Act applies an action to a task and returns the updated task.
func (c *Client) Act(ctx context.Context, id uint64, req ActionRequest) (Task, error) {
	var task Task
	if err := c.post(ctx, taskPath(id, "actions"), req, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Accept binds the caller as agent with the given stake.
func (c *Client) Accept(ctx context.Context, id uint64, agent common.Address, stake *big.Int) (Task, error) {
	if stake == nil {
		return Task{}, errors.New("escrow: stake amount is required")
	}
	return c.Act(ctx, id, ActionRequest{Type: ActionAccept, Caller: agent.Hex(), StakeAmount: stake.String()})
}

// Deposit moves the client's payment into custody.
func (c *Client) Deposit(ctx context.Context, id uint64, client common.Address) (Task, error) {
	return c.Act(ctx, id, ActionRequest{Type: ActionDeposit, Caller: client.Hex()})
}

// Assert submits the agent's signed result claim.
func (c *Client) Assert(ctx context.Context, id uint64, agent common.Address, resultHash common.Hash, signature []byte, evidenceURI string) (Task, error) {
	return c.Act(ctx, id, ActionRequest{
		Type:        ActionAssert,
		Caller:      agent.Hex(),
		ResultHash:  resultHash.Hex(),
		Signature:   hexutil.Encode(signature),
		EvidenceURI: evidenceURI,
	})
}

// Dispute contests an asserted result and escrows the dispute bond.
func (c *Client) Dispute(ctx context.Context, id uint64, client common.Address, evidenceURI string) (Task, error) {
	return c.Act(ctx, id, ActionRequest{Type: ActionDispute, Caller: client.Hex(), EvidenceURI: evidenceURI})
}

// SettleNoContest pays the agent once the cooldown has elapsed.
func (c *Client) SettleNoContest(ctx context.Context, id uint64, caller common.Address) (Task, error) {
	return c.Act(ctx, id, ActionRequest{Type: ActionSettleNoContest, Caller: caller.Hex()})
}

// SettleAgentConceded refunds the client after the agent response window lapses.
func (c *Client) SettleAgentConceded(ctx context.Context, id uint64, client common.Address) (Task, error) {
	return c.Act(ctx, id, ActionRequest{Type: ActionSettleAgentConceded, Caller: client.Hex()})
}

// TimeoutCancellation cancels a task whose deadline passed without an assertion.
func (c *Client) TimeoutCancellation(ctx context.Context, id uint64, caller common.Address, reason string) (Task, error) {
	return c.Act(ctx, id, ActionRequest{Type: ActionTimeout, Caller: caller.Hex(), Reason: reason})
}

// CannotComplete lets the agent withdraw from a task.
func (c *Client) CannotComplete(ctx context.Context, id uint64, agent common.Address, reason string) (Task, error) {
	return c.Act(ctx, id, ActionRequest{Type: ActionCannotComplete, Caller: agent.Hex(), Reason: reason})
}

// Timing reports the contestation window of a task.
func (c *Client) Timing(ctx context.Context, id uint64) (Timing, error) {
	var timing Timing
	if err := c.get(ctx, taskPath(id, "timing"), nil, &timing); err != nil {
		return Timing{}, err
	}
	return timing, nil
}

// DisputeBond returns the bond a client must post to dispute the task.
func (c *Client) DisputeBond(ctx context.Context, id uint64) (*big.Int, error) {
	var resp struct {
		TaskID uint64   `json:"task_id"`
		Amount *big.Int `json:"amount"`
	}
	if err := c.get(ctx, taskPath(id, "dispute-bond"), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Amount == nil {
		return new(big.Int), nil
	}
	return resp.Amount, nil
}

// NeedingAction lists tasks on which addr can act right now.
func (c *Client) NeedingAction(ctx context.Context, addr common.Address) ([]ActionableTask, error) {
	var items []ActionableTask
	if err := c.get(ctx, "/api/v1/actions", url.Values{"address": {addr.Hex()}}, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// NextTaskID returns the ID the next created task will receive.
func (c *Client) NextTaskID(ctx context.Context) (uint64, error) {
	var resp struct {
		NextTaskID uint64 `json:"next_task_id"`
	}
	if err := c.get(ctx, "/api/v1/next-id", nil, &resp); err != nil {
		return 0, err
	}
	return resp.NextTaskID, nil
}

// Config returns the ledger parameters.
func (c *Client) Config(ctx context.Context) (Config, error) {
	var cfg Config
	if err := c.get(ctx, "/api/v1/config", nil, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Stats returns aggregate task counts.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", nil, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func taskPath(id uint64, suffix string) string {
	return path.Join("/api/v1/tasks", strconv.FormatUint(id, 10), suffix)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.RLock()
	signer := c.signer
	c.mu.RUnlock()
	if signer != nil {
		if err := auth.SignRequest(req, body, signer, time.Now()); err != nil {
			return err
		}
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			envelope := struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}
			if err := json.Unmarshal(data, &envelope); err != nil || (apiErr.Code == "" && apiErr.Message == "") {
				// 兼容网关返回的扁平错误体
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
