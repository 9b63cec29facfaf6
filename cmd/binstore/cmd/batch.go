package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/binstore/internal/directupload"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Manage direct upload batches",
	Long:  "Issue and refresh credentials for uploading straight to the object store, then complete the uploads.",
}

var batchNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a batch",
	Args:  cobra.NoArgs,
	RunE: withBroker(func(cmd *cobra.Command, b *directupload.Broker, args []string) (any, error) {
		return b.NewBatch(cmd.Context())
	}),
}

var batchGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a batch",
	Args:  cobra.ExactArgs(1),
	RunE: withBroker(func(cmd *cobra.Command, b *directupload.Broker, args []string) (any, error) {
		return b.GetBatch(cmd.Context(), args[0])
	}),
}

var batchRefreshCmd = &cobra.Command{
	Use:   "refresh <id>",
	Short: "Renew the batch credential",
	Args:  cobra.ExactArgs(1),
	RunE: withBroker(func(cmd *cobra.Command, b *directupload.Broker, args []string) (any, error) {
		return b.RefreshToken(cmd.Context(), args[0])
	}),
}

var batchCompleteCmd = &cobra.Command{
	Use:   "complete <id> <key>",
	Short: "Move an uploaded file into storage",
	Args:  cobra.ExactArgs(2),
	RunE: withBroker(func(cmd *cobra.Command, b *directupload.Broker, args []string) (any, error) {
		length, _ := cmd.Flags().GetInt64("length")
		digest, _ := cmd.Flags().GetString("digest")
		algorithm, _ := cmd.Flags().GetString("digest-algorithm")
		temporary, _ := cmd.Flags().GetBool("temporary-digest")
		return b.CompleteUpload(cmd.Context(), args[0], args[1], directupload.FileInfo{
			Length:          length,
			Digest:          digest,
			DigestAlgorithm: algorithm,
			TemporaryDigest: temporary,
		})
	}),
}

func init() {
	batchCompleteCmd.Flags().Int64("length", 0, "declared length in bytes")
	batchCompleteCmd.Flags().String("digest", "", "declared digest")
	batchCompleteCmd.Flags().String("digest-algorithm", "", "algorithm of the declared digest")
	batchCompleteCmd.Flags().Bool("temporary-digest", false, "the declared digest is a placeholder")
	batchCompleteCmd.MarkFlagRequired("length")

	batchCmd.AddCommand(batchNewCmd, batchGetCmd, batchRefreshCmd, batchCompleteCmd)
	rootCmd.AddCommand(batchCmd)
}

type brokerFunc func(cmd *cobra.Command, b *directupload.Broker, args []string) (any, error)

// withBroker runs fn against the manager's broker and prints its result
// as JSON.
func withBroker(fn brokerFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		m, err := openManager(cmd.Context())
		if err != nil {
			return err
		}
		defer closeManager(m, &err)

		broker, err := m.DirectUpload()
		if err != nil {
			return err
		}
		out, err := fn(cmd, broker, args)
		if err != nil {
			return fmt.Errorf("%s: %w", cmd.Name(), err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
}
