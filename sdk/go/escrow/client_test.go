package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentTaskEscrow/internal/api"
	"AgentTaskEscrow/internal/bank"
	"AgentTaskEscrow/internal/clock"
	ledgerpkg "AgentTaskEscrow/internal/escrow"
	"AgentTaskEscrow/internal/proofs"
)

var (
	custodyAddr  = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	clientAddr   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	paymentToken = common.HexToAddress("0x0000000000000000000000000000000000000a00")
	stakeToken   = common.HexToAddress("0x0000000000000000000000000000000000000b00")
)

const startUnix = 1_700_000_000

type fixture struct {
	client *Client
	bank   *bank.MemoryBank
	clock  *clock.Manual
	agent  *proofs.Signer
}

func newFixture(t *testing.T) *fixture {
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
	params := ledgerpkg.DefaultParams()
	params.Custody = custodyAddr
	params.CooldownDuration = time.Hour
	params.AgentResponseWindow = 2 * time.Hour
	params.DisputeBondBps = 1000

	ledger, err := ledgerpkg.NewLedger(context.Background(), params, b)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	clk := clock.NewManual(time.Unix(startUnix, 0))
	srv := httptest.NewServer(api.NewServer(ledger, api.WithClock(clk), api.WithoutAuthentication()).Handler())
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return &fixture{client: client, bank: b, clock: clk, agent: agent}
}

func (f *fixture) create(t *testing.T) Task {
	t.Helper()
	task, err := f.client.CreateTask(context.Background(), TaskSubmission{
		Client:        clientAddr,
		Description:   "translate release notes",
		PaymentToken:  paymentToken,
		PaymentAmount: big.NewInt(400),
		Deadline:      startUnix + 86_400,
		StakeToken:    stakeToken,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (f *fixture) assert(t *testing.T, id uint64) Task {
	t.Helper()
	hash := proofs.ResultHash([]byte("notes-fr.md"))
	sig, err := f.agent.SignResult(id, hash)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	task, err := f.client.Assert(context.Background(), id, f.agent.Address(), hash, sig, "ipfs://bafynotes")
	if err != nil {
		t.Fatalf("assert: %v", err)
	}
	return task
}

func TestClientHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	next, err := f.client.NextTaskID(ctx)
	if err != nil || next != 0 {
		t.Fatalf("next id: %d %v", next, err)
	}

	task := f.create(t)
	if task.Status != StatusCreated || task.PaymentAmount.Int64() != 400 {
		t.Fatalf("unexpected task: %+v", task)
	}
	if _, err := f.client.Accept(ctx, task.ID, f.agent.Address(), big.NewInt(75)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.client.Deposit(ctx, task.ID, clientAddr); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	asserted := f.assert(t, task.ID)
	if asserted.Status != StatusResultAsserted || asserted.CooldownEndsAt != startUnix+3600 {
		t.Fatalf("unexpected asserted task: %+v", asserted)
	}

	timing, err := f.client.Timing(ctx, task.ID)
	if err != nil || timing.Mode != "dispute_window" || timing.SecondsRemaining != 3600 {
		t.Fatalf("timing: %+v %v", timing, err)
	}

	f.clock.Advance(time.Hour)
	settled, err := f.client.SettleNoContest(ctx, task.ID, f.agent.Address())
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !settled.Terminal() || settled.Outcome != "agent_paid" {
		t.Fatalf("unexpected settled task: %+v", settled)
	}
	balance, _ := f.bank.BalanceOf(ctx, paymentToken, f.agent.Address())
	if balance.Int64() != 1400 {
		t.Fatalf("agent payment balance %s", balance)
	}
}

func TestClientDisputeConceded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.create(t)
	f.client.Accept(ctx, task.ID, f.agent.Address(), big.NewInt(100))
	f.client.Deposit(ctx, task.ID, clientAddr)
	f.assert(t, task.ID)

	bond, err := f.client.DisputeBond(ctx, task.ID)
	if err != nil || bond.Int64() != 40 {
		t.Fatalf("dispute bond: %v %v", bond, err)
	}
	disputed, err := f.client.Dispute(ctx, task.ID, clientAddr, "https://evidence.example/diff")
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if disputed.Status != StatusDisputedAwaitingAgent || !disputed.InProgress() {
		t.Fatalf("unexpected disputed task: %+v", disputed)
	}

	_, err = f.client.SettleAgentConceded(ctx, task.ID, clientAddr)
	if ErrorCode(err) != "TOO_EARLY" {
		t.Fatalf("expected TOO_EARLY, got %v", err)
	}

	f.clock.Advance(2 * time.Hour)
	resolved, err := f.client.SettleAgentConceded(ctx, task.ID, clientAddr)
	if err != nil {
		t.Fatalf("concede: %v", err)
	}
	if resolved.Outcome != "client_refunded" {
		t.Fatalf("unexpected outcome %q", resolved.Outcome)
	}
	stake, _ := f.bank.BalanceOf(ctx, stakeToken, clientAddr)
	if stake.Int64() != 1100 {
		t.Fatalf("client should receive the slashed stake, balance %s", stake)
	}
}

func TestClientQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.create(t)
	f.create(t)
	if _, err := f.client.Accept(ctx, first.ID, f.agent.Address(), big.NewInt(10)); err != nil {
		t.Fatalf("accept: %v", err)
	}

	agent := f.agent.Address()
	byAgent, err := f.client.ListTasks(ctx, TaskFilter{Agent: &agent})
	if err != nil || len(byAgent) != 1 || byAgent[0].ID != first.ID {
		t.Fatalf("list by agent: %+v %v", byAgent, err)
	}
	created, err := f.client.ListTasks(ctx, TaskFilter{Client: &clientAddr, Status: StatusCreated})
	if err != nil || len(created) != 1 {
		t.Fatalf("list created: %+v %v", created, err)
	}

	items, err := f.client.NeedingAction(ctx, clientAddr)
	if err != nil {
		t.Fatalf("needing action: %v", err)
	}
	found := false
	for _, item := range items {
		if item.Task.ID == first.ID {
			for _, action := range item.Actions {
				if action == ActionDeposit {
					found = true
				}
			}
		}
	}
	if !found {
		t.Fatalf("client should be asked to deposit on task %d: %+v", first.ID, items)
	}

	cfg, err := f.client.Config(ctx)
	if err != nil || cfg.CooldownSeconds != 3600 || cfg.DisputeBondBps != 1000 {
		t.Fatalf("config: %+v %v", cfg, err)
	}
	stats, err := f.client.Stats(ctx)
	if err != nil || stats.Total != 2 || stats.ByStatus[StatusAccepted] != 1 {
		t.Fatalf("stats: %+v %v", stats, err)
	}
}

func TestClientSurfacesAPIError(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.GetTask(context.Background(), 42)
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T %v", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "TASK_NOT_FOUND" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestClientSendsBearerAndDecodesFlatErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gateway-token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if r.URL.Path != "/escrow/api/v1/tasks/7" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "UPSTREAM", "message": "ledger offline", "retryable": true})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/escrow", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("gateway-token")
	_, err = client.GetTask(context.Background(), 7)
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Code != "UPSTREAM" || !apiErr.Retryable || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("unexpected error: %#v", err)
	}
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost:8080", nil); err == nil {
		t.Fatalf("expected error for url without scheme")
	}
}

func TestSignedClients(t *testing.T) {
	ctx := context.Background()
	clientKey, err := proofs.GenerateSigner()
	if err != nil {
		t.Fatalf("generate client: %v", err)
	}
	agentKey, err := proofs.GenerateSigner()
	if err != nil {
		t.Fatalf("generate agent: %v", err)
	}
	b := bank.NewMemoryBank(custodyAddr)
	for _, token := range []common.Address{paymentToken, stakeToken} {
		for _, holder := range []common.Address{clientKey.Address(), agentKey.Address()} {
			b.Mint(token, holder, big.NewInt(1000))
			b.Approve(token, holder, big.NewInt(1000))
		}
	}
	params := ledgerpkg.DefaultParams()
	params.Custody = custodyAddr
	ledger, err := ledgerpkg.NewLedger(ctx, params, b)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	srv := httptest.NewServer(api.NewServer(ledger, api.WithClock(clock.NewManual(time.Unix(startUnix, 0)))).Handler())
	t.Cleanup(srv.Close)

	newSigned := func(signer Signer) *Client {
		c, err := NewClient(srv.URL, srv.Client())
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		c.SetSigner(signer)
		return c
	}
	client, agent := newSigned(clientKey), newSigned(agentKey)
	if client.Address() != clientKey.Address() {
		t.Fatalf("unexpected signing address %s", client.Address().Hex())
	}

	task, err := client.CreateTask(ctx, TaskSubmission{
		Client:        clientKey.Address(),
		PaymentToken:  paymentToken,
		PaymentAmount: big.NewInt(400),
		Deadline:      startUnix + 86_400,
		StakeToken:    stakeToken,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := agent.Accept(ctx, task.ID, agentKey.Address(), big.NewInt(10)); err != nil {
		t.Fatalf("accept: %v", err)
	}

	_, err = client.CannotComplete(ctx, task.ID, agentKey.Address(), "")
	if ErrorCode(err) != "UNAUTHORIZED" {
		t.Fatalf("client must not act as the agent, got %v", err)
	}

	unsigned, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = unsigned.Deposit(ctx, task.ID, clientKey.Address())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned write should be rejected with 401, got %v", err)
	}

	deposited, err := client.Deposit(ctx, task.ID, clientKey.Address())
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if deposited.Status != "payment_deposited" {
		t.Fatalf("unexpected status %s", deposited.Status)
	}
}
