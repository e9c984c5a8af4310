package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http/httptest"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentTaskEscrow/internal/api"
	"AgentTaskEscrow/internal/bank"
	"AgentTaskEscrow/internal/clock"
	"AgentTaskEscrow/internal/escrow"
	"AgentTaskEscrow/internal/proofs"
	sdk "AgentTaskEscrow/sdk/go/escrow"
)

func main() {
	custody := common.HexToAddress("0x00000000000000000000000000000000000000e5")
	usdc := common.HexToAddress("0x0000000000000000000000000000000000000a00")

	clientKey, err := proofs.GenerateSigner()
	if err != nil {
		panic(err)
	}
	agent, err := proofs.GenerateSigner()
	if err != nil {
		panic(err)
	}
	client := clientKey.Address()

	b := bank.NewMemoryBank(custody)
	for _, holder := range []common.Address{client, agent.Address()} {
		b.Mint(usdc, holder, big.NewInt(1_000_000))
		b.Approve(usdc, holder, big.NewInt(1_000_000))
	}
	params := escrow.DefaultParams()
	params.Custody = custody
	params.CooldownDuration = time.Minute

	ledger, err := escrow.NewLedger(context.Background(), params, b)
	if err != nil {
		panic(err)
	}
	start := time.Now().UTC()
	clk := clock.NewManual(start)
	srv := httptest.NewServer(api.NewServer(ledger, api.WithClock(clk)).Handler())
	defer srv.Close()

	// Writes are signed, so client and agent each get their own SDK client.
	c, err := sdk.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	c.SetSigner(clientKey)
	a, err := sdk.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	a.SetSigner(agent)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task, err := c.CreateTask(ctx, sdk.TaskSubmission{
		Client:        client,
		Description:   "summarise quarterly report",
		PaymentToken:  usdc,
		PaymentAmount: big.NewInt(250_000),
		Deadline:      start.Unix() + 3600,
		StakeToken:    usdc,
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created task %d (status=%s)\n", task.ID, task.Status)

	if _, err := a.Accept(ctx, task.ID, agent.Address(), big.NewInt(50_000)); err != nil {
		panic(err)
	}
	if _, err := c.Deposit(ctx, task.ID, client); err != nil {
		panic(err)
	}

	hash := proofs.ResultHash([]byte("summary.md"))
	sig, err := agent.SignResult(task.ID, hash)
	if err != nil {
		panic(err)
	}
	if _, err := a.Assert(ctx, task.ID, agent.Address(), hash, sig, "ipfs://bafysummary"); err != nil {
		panic(err)
	}

	timing, err := c.Timing(ctx, task.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %d: %s (%ds left)\n", task.ID, timing.Label, timing.SecondsRemaining)

	clk.Advance(time.Minute)
	settled, err := a.SettleNoContest(ctx, task.ID, agent.Address())
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %d settled: outcome=%s\n", settled.ID, settled.Outcome)
}
