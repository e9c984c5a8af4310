package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"AgentTaskEscrow/internal/proofs"
	"AgentTaskEscrow/sdk/go/escrow"
)

var rootCmd = &cobra.Command{
	Use:           "escrowctl",
	Short:         "escrowctl - agent task escrow CLI",
	Long:          `escrowctl talks to an escrowd API server: create tasks, drive them through the escrow lifecycle and sign result assertions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	apiAddr    string
	apiToken   string
	apiTimeout time.Duration
	apiKey     string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", envOr("ESCROW_API", "http://127.0.0.1:8080"), "API server address")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("ESCROW_TOKEN"), "Bearer token for gateways in front of the API")
	rootCmd.PersistentFlags().StringVar(&apiKey, "key", os.Getenv("ESCROW_KEY"), "Hex private key used to sign write requests (defaults to ESCROW_KEY)")
	rootCmd.PersistentFlags().DurationVar(&apiTimeout, "timeout", escrow.DefaultHTTPTimeout, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON responses")

	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(signResultCmd)
	rootCmd.AddCommand(digestCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(needingActionCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newClient builds an SDK client from the persistent flags. Writes are
// signed with --key when it is set; the server rejects unsigned writes
// unless authentication is disabled.
func newClient() (*escrow.Client, error) {
	client, err := escrow.NewClient(apiAddr, &http.Client{Timeout: apiTimeout})
	if err != nil {
		return nil, err
	}
	if apiToken != "" {
		client.SetAccessToken(apiToken)
	}
	if apiKey != "" {
		signer, err := proofs.NewSignerFromHex(apiKey)
		if err != nil {
			return nil, fmt.Errorf("--key: %w", err)
		}
		client.SetSigner(signer)
	}
	return client, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
