package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/binstore"
)

const contentSubpath = "content"

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Read and write per-record blobs",
	Long:  "Manage blobs stored under record ids. Each command commits on its own.",
}

var recordPutCmd = &cobra.Command{
	Use:   "put <id> <file>",
	Short: "Store a file as the content of a record",
	Args:  cobra.ExactArgs(2),
	RunE:  runRecordPut,
}

var recordGetCmd = &cobra.Command{
	Use:   "get <id> [out]",
	Short: "Fetch the content of a record",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runRecordGet,
}

var recordDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete the content of a record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordDelete,
}

func init() {
	recordCmd.PersistentFlags().String("record-dir", "", "record store directory (default: <dir>/records)")
	viper.BindPFlag("record_dir", recordCmd.PersistentFlags().Lookup("record-dir"))

	recordCmd.AddCommand(recordPutCmd, recordGetCmd, recordDeleteCmd)
	rootCmd.AddCommand(recordCmd)
}

func openRecordStore() (*binstore.RecordStore, error) {
	dir := viper.GetString("record_dir")
	if dir == "" {
		dir = filepath.Join(viper.GetString("dir"), "records")
	}
	return binstore.OpenRecordStore(binstore.RecordStoreConfig{
		Name: viper.GetString("name"),
		Dir:  dir,
	})
}

func runRecordPut(cmd *cobra.Command, args []string) error {
	rs, err := openRecordStore()
	if err != nil {
		return err
	}
	b := binstore.NewFileBlob(args[1], binstore.BlobInfo{Filename: filepath.Base(args[1])})
	if _, err := rs.WriteBlob(cmd.Context(), nil, b, args[0], contentSubpath); err != nil {
		if errors.Is(err, binstore.ErrConflict) {
			return fmt.Errorf("record %s is being updated concurrently: %w", args[0], err)
		}
		return err
	}
	fmt.Println(b.Digest)
	return nil
}

func runRecordGet(cmd *cobra.Command, args []string) (err error) {
	rs, err := openRecordStore()
	if err != nil {
		return err
	}
	b, err := rs.ReadBlob(cmd.Context(), nil, binstore.BlobInfo{Key: args[0]})
	if err != nil {
		return err
	}
	rc, err := b.Open(cmd.Context())
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
	_, err = io.Copy(w, rc)
	return err
}

func runRecordDelete(cmd *cobra.Command, args []string) error {
	rs, err := openRecordStore()
	if err != nil {
		return err
	}
	return rs.DeleteBlob(cmd.Context(), nil, args[0], contentSubpath)
}
