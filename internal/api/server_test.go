package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"AgentTaskEscrow/internal/auth"
	"AgentTaskEscrow/internal/bank"
	"AgentTaskEscrow/internal/clock"
	xerrors "AgentTaskEscrow/internal/errors"
	"AgentTaskEscrow/internal/escrow"
	"AgentTaskEscrow/internal/observability/metrics"
	"AgentTaskEscrow/internal/proofs"
)

var (
	custodyAddr  = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	clientAddr   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	paymentToken = common.HexToAddress("0x0000000000000000000000000000000000000a00")
	stakeToken   = common.HexToAddress("0x0000000000000000000000000000000000000b00")
)

var signedAt = time.Unix(1_700_000_000, 0)

type harness struct {
	srv    *httptest.Server
	bank   *bank.MemoryBank
	clock  *clock.Manual
	agent  *proofs.Signer
	ledger *escrow.Ledger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, WithoutAuthentication())
}

func newHarnessWith(t *testing.T, opts ...Option) *harness {
	t.Helper()
	agent, err := proofs.GenerateSigner()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	b := bank.NewMemoryBank(custodyAddr)
	for _, token := range []common.Address{paymentToken, stakeToken} {
		for _, holder := range []common.Address{clientAddr, agent.Address()} {
			b.Mint(token, holder, big.NewInt(1000))
			b.Approve(token, holder, big.NewInt(1000))
		}
	}
	params := escrow.DefaultParams()
	params.Custody = custodyAddr
	params.CooldownDuration = time.Hour
	params.AgentResponseWindow = 2 * time.Hour

	ledger, err := escrow.NewLedger(context.Background(), params, b)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	server := NewServer(ledger, append([]Option{WithClock(clk), WithMetrics(metrics.New(), "/metrics")}, opts...)...)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, bank: b, clock: clk, agent: agent, ledger: ledger}
}

func (h *harness) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// signed 发送带请求签名的 POST。
func (h *harness) signed(t *testing.T, signer auth.MessageSigner, path string, body any, out any) int {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if err := auth.SignRequest(req, payload, signer, signedAt); err != nil {
		t.Fatalf("sign request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (h *harness) createTask(t *testing.T) escrow.Task {
	t.Helper()
	var task escrow.Task
	status := h.do(t, http.MethodPost, "/api/v1/tasks", CreateTaskBody{
		Client:        clientAddr.Hex(),
		Description:   "classify support tickets",
		PaymentToken:  paymentToken.Hex(),
		PaymentAmount: "400",
		Deadline:      1_700_000_000 + 86_400,
		StakeToken:    stakeToken.Hex(),
	}, &task)
	if status != http.StatusCreated {
		t.Fatalf("create task: status %d", status)
	}
	return task
}

func (h *harness) act(t *testing.T, id uint64, body ActionBody) (escrow.Task, errorBody, int) {
	t.Helper()
	var raw json.RawMessage
	status := h.do(t, http.MethodPost, "/api/v1/tasks/"+itoa(id)+"/actions", body, &raw)
	var task escrow.Task
	var failure errorBody
	if status == http.StatusOK {
		if err := json.Unmarshal(raw, &task); err != nil {
			t.Fatalf("decode task: %v", err)
		}
	} else if err := json.Unmarshal(raw, &failure); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return task, failure, status
}

func (h *harness) assertBody(t *testing.T, id uint64) ActionBody {
	t.Helper()
	hash := proofs.ResultHash([]byte("labels.csv"))
	sig, err := h.agent.SignResult(id, hash)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return ActionBody{
		Type:        escrow.KindAssert,
		Caller:      h.agent.Address().Hex(),
		ResultHash:  hash.Hex(),
		Signature:   hexutil.Encode(sig),
		EvidenceURI: "ipfs://bafyresult",
	}
}

func itoa(id uint64) string {
	return new(big.Int).SetUint64(id).String()
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	if task.ID != 0 || task.Status != escrow.StatusCreated {
		t.Fatalf("unexpected created task: %+v", task)
	}

	agent := h.agent.Address().Hex()
	steps := []ActionBody{
		{Type: escrow.KindAccept, Caller: agent, StakeAmount: "50"},
		{Type: escrow.KindDeposit, Caller: clientAddr.Hex()},
		h.assertBody(t, task.ID),
	}
	for _, step := range steps {
		if _, failure, status := h.act(t, task.ID, step); status != http.StatusOK {
			t.Fatalf("%s failed: %d %+v", step.Type, status, failure)
		}
	}

	h.clock.Advance(time.Hour)
	settled, failure, status := h.act(t, task.ID, ActionBody{Type: escrow.KindSettleNoContest, Caller: clientAddr.Hex()})
	if status != http.StatusOK {
		t.Fatalf("settle failed: %d %+v", status, failure)
	}
	if settled.Status != escrow.StatusResolved || settled.Outcome != escrow.OutcomeAgentPaid {
		t.Fatalf("unexpected settled task: %+v", settled)
	}

	payout, _ := h.bank.BalanceOf(context.Background(), paymentToken, h.agent.Address())
	if payout.Int64() != 1400 {
		t.Fatalf("agent should receive payment, balance %s", payout)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	agent := h.agent.Address().Hex()

	cases := []struct {
		name   string
		id     uint64
		body   ActionBody
		status int
		code   xerrors.Code
	}{
		{"unknown task", 99, ActionBody{Type: escrow.KindDeposit, Caller: clientAddr.Hex()}, http.StatusNotFound, escrow.CodeTaskNotFound},
		{"bad caller address", task.ID, ActionBody{Type: escrow.KindDeposit, Caller: "nobody"}, http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"unknown type", task.ID, ActionBody{Type: "teleport", Caller: agent}, http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"wrong state", task.ID, ActionBody{Type: escrow.KindDeposit, Caller: clientAddr.Hex()}, http.StatusConflict, escrow.CodeInvalidState},
		{"stake beyond balance", task.ID, ActionBody{Type: escrow.KindAccept, Caller: agent, StakeAmount: "5000"}, http.StatusPaymentRequired, escrow.CodeTransferFailed},
		{"client accepts own task", task.ID, ActionBody{Type: escrow.KindAccept, Caller: clientAddr.Hex(), StakeAmount: "1"}, http.StatusForbidden, escrow.CodeUnauthorized},
		{"timeout before deadline", task.ID, ActionBody{Type: escrow.KindTimeout, Caller: clientAddr.Hex()}, http.StatusConflict, escrow.CodeInvalidState},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, failure, status := h.act(t, tc.id, tc.body)
			if status != tc.status || failure.Error.Code != tc.code {
				t.Fatalf("expected %d/%s, got %d/%s (%s)", tc.status, tc.code, status, failure.Error.Code, failure.Error.Message)
			}
		})
	}
}

func TestTooEarlyAndWindowClosed(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	agent := h.agent.Address().Hex()
	h.act(t, task.ID, ActionBody{Type: escrow.KindAccept, Caller: agent, StakeAmount: "10"})
	h.act(t, task.ID, ActionBody{Type: escrow.KindDeposit, Caller: clientAddr.Hex()})
	h.act(t, task.ID, h.assertBody(t, task.ID))

	_, failure, status := h.act(t, task.ID, ActionBody{Type: escrow.KindSettleNoContest, Caller: agent})
	if status != http.StatusTooEarly || failure.Error.Metadata["required_at"] == "" {
		t.Fatalf("expected 425 with required_at, got %d %+v", status, failure)
	}

	h.clock.Advance(time.Hour)
	_, failure, status = h.act(t, task.ID, ActionBody{Type: escrow.KindDispute, Caller: clientAddr.Hex(), EvidenceURI: "https://evidence.example/1"})
	if status != http.StatusConflict || failure.Error.Code != escrow.CodeWindowClosed {
		t.Fatalf("expected window closed, got %d %+v", status, failure)
	}
}

func TestMalformedSignatureIsBadRequest(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	h.act(t, task.ID, ActionBody{Type: escrow.KindAccept, Caller: h.agent.Address().Hex(), StakeAmount: "10"})
	h.act(t, task.ID, ActionBody{Type: escrow.KindDeposit, Caller: clientAddr.Hex()})

	body := h.assertBody(t, task.ID)
	body.Signature = "0x1234"
	_, failure, status := h.act(t, task.ID, body)
	if status != http.StatusBadRequest || failure.Error.Code != escrow.CodeBadSignature {
		t.Fatalf("expected bad signature, got %d %+v", status, failure)
	}
}

func TestUnknownTaskReportedBeforeBodyErrors(t *testing.T) {
	h := newHarness(t)
	h.createTask(t)

	_, failure, status := h.act(t, 99, ActionBody{
		Type:       escrow.KindAssert,
		Caller:     h.agent.Address().Hex(),
		ResultHash: proofs.ResultHash([]byte("x")).Hex(),
		Signature:  "0xnothex",
	})
	if status != http.StatusNotFound || failure.Error.Code != escrow.CodeTaskNotFound {
		t.Fatalf("expected task not found, got %d %+v", status, failure)
	}
}

func newSignedHarness(t *testing.T) (*harness, *proofs.Signer) {
	t.Helper()
	h := newHarnessWith(t, WithAuthenticator(auth.New(auth.WithNow(func() time.Time { return signedAt }))))
	client, err := proofs.GenerateSigner()
	if err != nil {
		t.Fatalf("generate client: %v", err)
	}
	for _, token := range []common.Address{paymentToken, stakeToken} {
		h.bank.Mint(token, client.Address(), big.NewInt(1000))
		h.bank.Approve(token, client.Address(), big.NewInt(1000))
	}
	return h, client
}

func signedTaskBody(client common.Address) CreateTaskBody {
	return CreateTaskBody{
		Client:        client.Hex(),
		Description:   "classify support tickets",
		PaymentToken:  paymentToken.Hex(),
		PaymentAmount: "400",
		Deadline:      1_700_000_000 + 86_400,
		StakeToken:    stakeToken.Hex(),
	}
}

func TestWritesRequireSignature(t *testing.T) {
	h, client := newSignedHarness(t)

	var failure errorBody
	status := h.do(t, http.MethodPost, "/api/v1/tasks", signedTaskBody(client.Address()), &failure)
	if status != http.StatusUnauthorized || failure.Error.Code != auth.CodeUnauthenticated {
		t.Fatalf("unsigned create should be rejected, got %d %+v", status, failure)
	}

	var task escrow.Task
	if status := h.signed(t, client, "/api/v1/tasks", signedTaskBody(client.Address()), &task); status != http.StatusCreated {
		t.Fatalf("signed create: status %d", status)
	}

	var listed []escrow.Task
	if status := h.do(t, http.MethodGet, "/api/v1/tasks", nil, &listed); status != http.StatusOK || len(listed) != 1 {
		t.Fatalf("reads stay public, got %d %d", status, len(listed))
	}
}

func TestSignerMustMatchClaimedParty(t *testing.T) {
	h, client := newSignedHarness(t)
	outsider, err := proofs.GenerateSigner()
	if err != nil {
		t.Fatalf("generate outsider: %v", err)
	}

	var failure errorBody
	if status := h.signed(t, outsider, "/api/v1/tasks", signedTaskBody(client.Address()), &failure); status != http.StatusForbidden || failure.Error.Code != escrow.CodeUnauthorized {
		t.Fatalf("creating a task for someone else should be forbidden, got %d %+v", status, failure)
	}

	var task escrow.Task
	if status := h.signed(t, client, "/api/v1/tasks", signedTaskBody(client.Address()), &task); status != http.StatusCreated {
		t.Fatalf("create: status %d", status)
	}
	path := "/api/v1/tasks/" + itoa(task.ID) + "/actions"
	if status := h.signed(t, h.agent, path, ActionBody{Type: escrow.KindAccept, StakeAmount: "10"}, nil); status != http.StatusOK {
		t.Fatalf("accept with caller taken from signature: status %d", status)
	}

	failure = errorBody{}
	status := h.signed(t, outsider, path, ActionBody{Type: escrow.KindCannotComplete, Caller: h.agent.Address().Hex()}, &failure)
	if status != http.StatusForbidden || failure.Error.Code != escrow.CodeUnauthorized || failure.Error.Metadata["field"] != "caller" {
		t.Fatalf("impersonating the agent should be forbidden, got %d %+v", status, failure)
	}
	current, _ := h.ledger.GetTask(task.ID)
	if current.Status != escrow.StatusAccepted || current.Agent != h.agent.Address() {
		t.Fatalf("task must be untouched: %+v", current)
	}

	var deposited escrow.Task
	if status := h.signed(t, client, path, ActionBody{Type: escrow.KindDeposit, Caller: client.Address().Hex()}, &deposited); status != http.StatusOK {
		t.Fatalf("deposit by the signing client: status %d", status)
	}
	if deposited.Status != escrow.StatusPaymentDeposited {
		t.Fatalf("unexpected status %s", deposited.Status)
	}
}

func TestQueriesOverHTTP(t *testing.T) {
	h := newHarness(t)
	first := h.createTask(t)
	h.createTask(t)
	agent := h.agent.Address()
	h.act(t, first.ID, ActionBody{Type: escrow.KindAccept, Caller: agent.Hex(), StakeAmount: "10"})

	var byClient []escrow.Task
	if status := h.do(t, http.MethodGet, "/api/v1/tasks?client="+clientAddr.Hex(), nil, &byClient); status != http.StatusOK || len(byClient) != 2 {
		t.Fatalf("list by client: %d %d", status, len(byClient))
	}
	var accepted []escrow.Task
	h.do(t, http.MethodGet, "/api/v1/tasks?status=accepted", nil, &accepted)
	if len(accepted) != 1 || accepted[0].ID != first.ID {
		t.Fatalf("status filter returned %+v", accepted)
	}
	var byAgent []escrow.Task
	h.do(t, http.MethodGet, "/api/v1/tasks?agent="+agent.Hex(), nil, &byAgent)
	if len(byAgent) != 1 {
		t.Fatalf("list by agent returned %d", len(byAgent))
	}

	var next NextIDResponse
	h.do(t, http.MethodGet, "/api/v1/next-id", nil, &next)
	if next.NextTaskID != 2 {
		t.Fatalf("unexpected next id %d", next.NextTaskID)
	}

	var needing []escrow.ActionableTask
	h.do(t, http.MethodGet, "/api/v1/actions?address="+clientAddr.Hex(), nil, &needing)
	if len(needing) != 1 || needing[0].Task.ID != first.ID {
		t.Fatalf("client should only need to act on the accepted task: %+v", needing)
	}

	var timing escrow.Timing
	h.do(t, http.MethodGet, "/api/v1/tasks/0/timing", nil, &timing)
	if timing.Mode != escrow.ModeNotContestable {
		t.Fatalf("unexpected timing mode %s", timing.Mode)
	}

	var cfg ConfigResponse
	h.do(t, http.MethodGet, "/api/v1/config", nil, &cfg)
	if cfg.CooldownSeconds != 3600 || cfg.ResponseWindowSeconds != 7200 || cfg.Custody != custodyAddr.Hex() {
		t.Fatalf("unexpected config %+v", cfg)
	}

	var bond DisputeBondResponse
	if status := h.do(t, http.MethodGet, "/api/v1/tasks/0/dispute-bond", nil, &bond); status != http.StatusOK || bond.Amount.Sign() != 0 {
		t.Fatalf("unexpected bond %d %+v", status, bond)
	}

	var stats escrow.Stats
	h.do(t, http.MethodGet, "/api/v1/stats", nil, &stats)
	if stats.Total != 2 || stats.InProgress != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Post(h.srv.URL+"/api/v1/tasks", "application/json", strings.NewReader(`{"client":`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("truncated body should be rejected, got %d", resp.StatusCode)
	}

	var failure errorBody
	status := h.do(t, http.MethodPost, "/api/v1/tasks", CreateTaskBody{
		Client:        clientAddr.Hex(),
		PaymentToken:  paymentToken.Hex(),
		PaymentAmount: "0",
		Deadline:      1_700_000_000 + 10,
		StakeToken:    stakeToken.Hex(),
	}, &failure)
	if status != http.StatusBadRequest || failure.Error.Code != escrow.CodeInvalidParameters {
		t.Fatalf("zero payment should be invalid, got %d %+v", status, failure)
	}

	if status := h.do(t, http.MethodGet, "/api/v1/tasks/abc", nil, &failure); status != http.StatusBadRequest {
		t.Fatalf("non-numeric id should be rejected, got %d", status)
	}
	if status := h.do(t, http.MethodGet, "/api/v1/tasks?status=paused", nil, &failure); status != http.StatusBadRequest {
		t.Fatalf("unknown status filter should be rejected, got %d", status)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	h.createTask(t)

	resp, err := http.Get(h.srv.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", err, resp)
	}
	resp.Body.Close()

	resp, err = http.Get(h.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `escrow_http_requests_total{code="201",handler="create_task",method="POST"} 1`) {
		t.Fatalf("request metric missing:\n%s", body)
	}
	if resp.Header.Get("X-Request-ID") != "" {
		t.Fatalf("metrics endpoint is not instrumented")
	}
}

func TestStatusForDefaultsToInternalError(t *testing.T) {
	if StatusFor(xerrors.CodeStorageFailure) != http.StatusInternalServerError {
		t.Fatalf("storage failures map to 500")
	}
	if StatusFor(auth.CodeUnauthenticated) != http.StatusUnauthorized {
		t.Fatalf("unauthenticated maps to 401")
	}
	if StatusFor(escrow.CodeTooEarly) != http.StatusTooEarly {
		t.Fatalf("too early maps to 425")
	}
}
