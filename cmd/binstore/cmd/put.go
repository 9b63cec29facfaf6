package cmd

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aweris/binstore"
)

var putCmd = &cobra.Command{
	Use:   "put <file>...",
	Short: "Store files",
	Long:  "Store files by content digest and print the key of each.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPut,
}

func init() {
	rootCmd.AddCommand(putCmd)
}

func runPut(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	m, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer closeManager(m, &err)

	for _, path := range args {
		name := filepath.Base(path)
		b := binstore.NewFileBlob(path, binstore.BlobInfo{
			Filename: name,
			MimeType: mime.TypeByExtension(filepath.Ext(name)),
		})
		key, err := m.WriteBlob(ctx, b)
		if err != nil {
			return fmt.Errorf("put %s: %w", path, err)
		}
		fmt.Fprintf(os.Stderr, "%s (%s)\n", path, humanize.IBytes(uint64(b.Length)))
		fmt.Println(key)
	}
	return nil
}
