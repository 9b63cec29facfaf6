package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/binstore"
)

var getCmd = &cobra.Command{
	Use:   "get <digest> [out]",
	Short: "Fetch a binary",
	Long:  "Write the binary with the given digest to a file, or to stdout when no file is given.",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	m, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer closeManager(m, &err)

	b, err := m.ReadBlob(ctx, binstore.BlobInfo{Key: args[0]})
	if err != nil {
		return err
	}
	rc, err := b.Open(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()

	var w io.Writer = os.Stdout
	if len(args) > 1 {
		f, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		w = f
	}
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("get %s: %w", args[0], err)
	}
	return nil
}
