package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var needingActionCmd = &cobra.Command{
	Use:   "needing-action [address]",
	Short: "List tasks the address can act on right now",
	Args:  cobra.ExactArgs(1),
	RunE:  runNeedingAction,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task counts by status",
	RunE:  runStats,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the ledger parameters",
	RunE:  runConfig,
}

func runNeedingAction(cmd *cobra.Command, args []string) error {
	addr, err := parseAddress("address", args[0])
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	items, err := client.NeedingAction(cmd.Context(), addr)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(items)
	}
	if len(items) == 0 {
		fmt.Println("Nothing to do")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tACTIONS\tDESCRIPTION")
	for _, item := range items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", item.Task.ID, item.Task.Status, strings.Join(item.Actions, ","), truncate(item.Task.Description, 40))
	}
	return w.Flush()
}

func runStats(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	stats, err := client.Stats(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(stats)
	}
	fmt.Printf("Total:       %d\n", stats.Total)
	fmt.Printf("In progress: %d\n", stats.InProgress)
	fmt.Printf("Contested:   %d\n", stats.Contested)
	fmt.Printf("Resolved:    %d\n", stats.Resolved)

	statuses := make([]string, 0, len(stats.ByStatus))
	for s := range stats.ByStatus {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%d\n", s, stats.ByStatus[s])
	}
	return w.Flush()
}

func runConfig(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	cfg, err := client.Config(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cfg)
	}
	fmt.Printf("Custody:          %s\n", cfg.Custody)
	fmt.Printf("Cooldown:         %s\n", time.Duration(cfg.CooldownSeconds)*time.Second)
	fmt.Printf("Response window:  %s\n", time.Duration(cfg.ResponseWindowSeconds)*time.Second)
	fmt.Printf("Dispute bond:     %d bps\n", cfg.DisputeBondBps)
	return nil
}
