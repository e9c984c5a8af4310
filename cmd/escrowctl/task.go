package main

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"AgentTaskEscrow/internal/proofs"
	"AgentTaskEscrow/sdk/go/escrow"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage escrow tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new task",
	RunE:  runTaskCreate,
}

var taskGetCmd = &cobra.Command{
	Use:   "get [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskGet,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskActCmd = &cobra.Command{
	Use:   "act [task-id]",
	Short: "Apply an action (accept, deposit, assert, dispute, settle_no_contest, settle_agent_conceded, timeout, cannot_complete)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskAct,
}

var taskAssertCmd = &cobra.Command{
	Use:   "assert [task-id]",
	Short: "Hash a result file, sign it with the agent key and assert completion",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskAssert,
}

var taskTimingCmd = &cobra.Command{
	Use:   "timing [task-id]",
	Short: "Show the contestation window of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskTiming,
}

var taskBondCmd = &cobra.Command{
	Use:   "bond [task-id]",
	Short: "Show the dispute bond a client must post",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskBond,
}

var (
	createClient       string
	createDesc         string
	createPaymentToken string
	createAmount       string
	createStakeToken   string
	createDeadline     string

	listClient string
	listAgent  string
	listStatus string

	actType       string
	actCaller     string
	actStake      string
	actResultHash string
	actSignature  string
	actEvidence   string
	actReason     string

	assertKey        string
	assertResultFile string
	assertEvidence   string
)

func init() {
	taskCmd.AddCommand(taskCreateCmd, taskGetCmd, taskListCmd, taskActCmd, taskAssertCmd, taskTimingCmd, taskBondCmd)

	taskCreateCmd.Flags().StringVar(&createClient, "client", "", "Client address (required)")
	taskCreateCmd.Flags().StringVar(&createDesc, "desc", "", "Task description")
	taskCreateCmd.Flags().StringVar(&createPaymentToken, "payment-token", "", "Payment token address (required)")
	taskCreateCmd.Flags().StringVar(&createAmount, "amount", "", "Payment amount in base units (required)")
	taskCreateCmd.Flags().StringVar(&createStakeToken, "stake-token", "", "Stake token address (required)")
	taskCreateCmd.Flags().StringVar(&createDeadline, "deadline", "", "Deadline as unix seconds or a duration from now, e.g. 72h (required)")
	for _, name := range []string{"client", "payment-token", "amount", "stake-token", "deadline"} {
		taskCreateCmd.MarkFlagRequired(name)
	}

	taskListCmd.Flags().StringVar(&listClient, "client", "", "Only tasks created by this address")
	taskListCmd.Flags().StringVar(&listAgent, "agent", "", "Only tasks accepted by this address")
	taskListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")

	taskActCmd.Flags().StringVar(&actType, "type", "", "Action type (required)")
	taskActCmd.Flags().StringVar(&actCaller, "caller", "", "Caller address (defaults to the --key address)")
	taskActCmd.Flags().StringVar(&actStake, "stake", "", "Stake amount for accept")
	taskActCmd.Flags().StringVar(&actResultHash, "result-hash", "", "Result hash for assert")
	taskActCmd.Flags().StringVar(&actSignature, "signature", "", "Hex signature for assert")
	taskActCmd.Flags().StringVar(&actEvidence, "evidence", "", "Evidence URI for assert or dispute")
	taskActCmd.Flags().StringVar(&actReason, "reason", "", "Reason for timeout or cannot_complete")
	taskActCmd.MarkFlagRequired("type")

	taskAssertCmd.Flags().StringVar(&assertKey, "key", os.Getenv("ESCROW_AGENT_KEY"), "Agent private key in hex (defaults to ESCROW_AGENT_KEY)")
	taskAssertCmd.Flags().StringVar(&assertResultFile, "result-file", "", "File whose keccak256 is the result hash (required)")
	taskAssertCmd.Flags().StringVar(&assertEvidence, "evidence", "", "Evidence URI")
	taskAssertCmd.MarkFlagRequired("result-file")
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	sub := escrow.TaskSubmission{Description: createDesc}
	if sub.Client, err = parseAddress("client", createClient); err != nil {
		return err
	}
	if sub.PaymentToken, err = parseAddress("payment-token", createPaymentToken); err != nil {
		return err
	}
	if sub.StakeToken, err = parseAddress("stake-token", createStakeToken); err != nil {
		return err
	}
	if sub.PaymentAmount, err = parseAmount("amount", createAmount); err != nil {
		return err
	}
	if sub.Deadline, err = parseDeadline(createDeadline, time.Now()); err != nil {
		return err
	}

	task, err := client.CreateTask(cmd.Context(), sub)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(task)
	}
	fmt.Printf("Created task: %d\n", task.ID)
	return nil
}

func runTaskGet(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	task, err := client.GetTask(cmd.Context(), id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(task)
	}
	printTask(task)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	filter := escrow.TaskFilter{Status: listStatus}
	if listClient != "" {
		addr, err := parseAddress("client", listClient)
		if err != nil {
			return err
		}
		filter.Client = &addr
	}
	if listAgent != "" {
		addr, err := parseAddress("agent", listAgent)
		if err != nil {
			return err
		}
		filter.Agent = &addr
	}

	tasks, err := client.ListTasks(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(tasks)
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPAYMENT\tSTAKE\tDEADLINE\tDESCRIPTION")
	for _, t := range tasks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, amountString(t.PaymentAmount), amountString(t.StakeAmount),
			formatUnix(t.Deadline), truncate(t.Description, 40))
	}
	return w.Flush()
}

func runTaskAct(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	caller := actCaller
	if caller == "" {
		if apiKey == "" {
			return fmt.Errorf("--caller or --key is required")
		}
		caller = client.Address().Hex()
	}
	task, err := client.Act(cmd.Context(), id, escrow.ActionRequest{
		Type:        actType,
		Caller:      caller,
		StakeAmount: actStake,
		ResultHash:  actResultHash,
		Signature:   actSignature,
		EvidenceURI: actEvidence,
		Reason:      actReason,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(task)
	}
	fmt.Printf("Task %d is now %s\n", task.ID, task.Status)
	if task.Outcome != "" {
		fmt.Printf("Outcome: %s\n", task.Outcome)
	}
	return nil
}

func runTaskAssert(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	if assertKey == "" {
		assertKey = apiKey
	}
	if assertKey == "" {
		return fmt.Errorf("--key, ESCROW_AGENT_KEY or ESCROW_KEY is required")
	}
	signer, err := proofs.NewSignerFromHex(assertKey)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(assertResultFile)
	if err != nil {
		return fmt.Errorf("read result file: %w", err)
	}
	hash := proofs.ResultHash(data)
	sig, err := signer.SignResult(id, hash)
	if err != nil {
		return err
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	client.SetSigner(signer)
	task, err := client.Assert(cmd.Context(), id, signer.Address(), hash, sig, assertEvidence)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(task)
	}
	fmt.Printf("Asserted task %d with result %s\n", task.ID, hash.Hex())
	fmt.Printf("Dispute window closes: %s\n", formatUnix(task.CooldownEndsAt))
	return nil
}

func runTaskTiming(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	timing, err := client.Timing(cmd.Context(), id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(timing)
	}
	fmt.Printf("Status:    %s\n", timing.Status)
	fmt.Printf("Mode:      %s\n", timing.Mode)
	fmt.Printf("Label:     %s\n", timing.Label)
	if timing.Deadline > 0 {
		fmt.Printf("Deadline:  %s\n", formatUnix(timing.Deadline))
	}
	if timing.SecondsRemaining > 0 {
		fmt.Printf("Remaining: %s\n", time.Duration(timing.SecondsRemaining)*time.Second)
	}
	return nil
}

func runTaskBond(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	bond, err := client.DisputeBond(cmd.Context(), id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"task_id": id, "amount": bond})
	}
	fmt.Printf("Dispute bond for task %d: %s\n", id, bond)
	return nil
}

func printTask(t escrow.Task) {
	fmt.Printf("ID:            %d\n", t.ID)
	fmt.Printf("Status:        %s\n", t.Status)
	if t.Outcome != "" {
		fmt.Printf("Outcome:       %s\n", t.Outcome)
	}
	fmt.Printf("Description:   %s\n", t.Description)
	fmt.Printf("Client:        %s\n", t.Client.Hex())
	if t.Agent != (common.Address{}) {
		fmt.Printf("Agent:         %s\n", t.Agent.Hex())
	}
	fmt.Printf("Payment:       %s of %s\n", amountString(t.PaymentAmount), t.PaymentToken.Hex())
	fmt.Printf("Stake:         %s of %s\n", amountString(t.StakeAmount), t.StakeToken.Hex())
	if t.DisputeBond != nil && t.DisputeBond.Sign() > 0 {
		fmt.Printf("Dispute bond:  %s\n", t.DisputeBond)
	}
	fmt.Printf("Deadline:      %s\n", formatUnix(t.Deadline))
	if t.ResultHash != (common.Hash{}) {
		fmt.Printf("Result hash:   %s\n", t.ResultHash.Hex())
		fmt.Printf("Cooldown ends: %s\n", formatUnix(t.CooldownEndsAt))
	}
	if t.AssertionEvidenceURI != "" {
		fmt.Printf("Agent proof:   %s\n", t.AssertionEvidenceURI)
	}
	if t.ClientEvidenceURI != "" {
		fmt.Printf("Client proof:  %s\n", t.ClientEvidenceURI)
	}
	if t.Reason != "" {
		fmt.Printf("Reason:        %s\n", t.Reason)
	}
	fmt.Printf("Created:       %s\n", formatUnix(t.CreatedAt))
	fmt.Printf("Updated:       %s\n", formatUnix(t.UpdatedAt))
}

func parseTaskID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", raw)
	}
	return id, nil
}

func parseAddress(name, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("--%s: invalid address %q", name, raw)
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(name, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("--%s: invalid amount %q", name, raw)
	}
	return v, nil
}

// parseDeadline accepts unix seconds or a Go duration relative to now.
func parseDeadline(raw string, now time.Time) (int64, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ts, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("--deadline: expected unix seconds or a duration, got %q", raw)
	}
	return now.Add(d).Unix(), nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
