package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"AgentTaskEscrow/internal/proofs"
)

var signResultCmd = &cobra.Command{
	Use:   "sign-result [task-id]",
	Short: "Sign a result hash for a task with the agent key",
	Args:  cobra.ExactArgs(1),
	RunE:  runSignResult,
}

var digestCmd = &cobra.Command{
	Use:   "digest [task-id]",
	Short: "Print the message digest an agent signs for a task result",
	Args:  cobra.ExactArgs(1),
	RunE:  runDigest,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a throwaway agent key pair",
	RunE:  runKeygen,
}

var (
	proofKey        string
	proofResultHash string
	proofResultFile string
)

func init() {
	for _, c := range []*cobra.Command{signResultCmd, digestCmd} {
		c.Flags().StringVar(&proofResultHash, "result-hash", "", "Result hash (0x-prefixed, 32 bytes)")
		c.Flags().StringVar(&proofResultFile, "result-file", "", "File whose keccak256 is the result hash")
		c.MarkFlagsMutuallyExclusive("result-hash", "result-file")
	}
	signResultCmd.Flags().StringVar(&proofKey, "key", os.Getenv("ESCROW_AGENT_KEY"), "Agent private key in hex (defaults to ESCROW_AGENT_KEY)")
}

func runSignResult(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	hash, err := resolveResultHash()
	if err != nil {
		return err
	}
	if proofKey == "" {
		return fmt.Errorf("--key or ESCROW_AGENT_KEY is required")
	}
	signer, err := proofs.NewSignerFromHex(proofKey)
	if err != nil {
		return err
	}
	sig, err := signer.SignResult(id, hash)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]string{
			"task_id":     args[0],
			"agent":       signer.Address().Hex(),
			"result_hash": hash.Hex(),
			"signature":   hexutil.Encode(sig),
		})
	}
	fmt.Printf("Agent:       %s\n", signer.Address().Hex())
	fmt.Printf("Result hash: %s\n", hash.Hex())
	fmt.Printf("Signature:   %s\n", hexutil.Encode(sig))
	return nil
}

func runDigest(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	hash, err := resolveResultHash()
	if err != nil {
		return err
	}
	digest := proofs.ResultDigest(id, hash)
	if jsonOutput {
		return printJSON(map[string]string{"result_hash": hash.Hex(), "digest": digest.Hex()})
	}
	fmt.Println(digest.Hex())
	return nil
}

func runKeygen(cmd *cobra.Command, args []string) error {
	signer, err := proofs.GenerateSigner()
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]string{"address": signer.Address().Hex(), "private_key": signer.PrivateKeyHex()})
	}
	fmt.Printf("Address:     %s\n", signer.Address().Hex())
	fmt.Printf("Private key: %s\n", signer.PrivateKeyHex())
	return nil
}

func resolveResultHash() (common.Hash, error) {
	switch {
	case proofResultFile != "":
		data, err := os.ReadFile(proofResultFile)
		if err != nil {
			return common.Hash{}, fmt.Errorf("read result file: %w", err)
		}
		return proofs.ResultHash(data), nil
	case proofResultHash != "":
		raw, err := hexutil.Decode(proofResultHash)
		if err != nil || len(raw) != common.HashLength {
			return common.Hash{}, fmt.Errorf("--result-hash: expected 32 bytes of 0x-prefixed hex")
		}
		return common.BytesToHash(raw), nil
	default:
		return common.Hash{}, fmt.Errorf("one of --result-hash or --result-file is required")
	}
}
