package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Collect unreferenced binaries",
	Long: `Run a garbage collection over the storage. Digests listed in the marks
file, one per line, are kept. Without --delete only the counts are reported.
Deleting without a marks file removes every binary older than the grace
period, so it needs --force.`,
	Args: cobra.NoArgs,
	RunE: runGC,
}

func init() {
	gcCmd.Flags().Bool("delete", false, "delete unreferenced binaries")
	gcCmd.Flags().String("marks", "", "file listing referenced digests, - for stdin")
	gcCmd.Flags().Bool("force", false, "allow --delete without --marks")
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	del, _ := cmd.Flags().GetBool("delete")
	marks, _ := cmd.Flags().GetString("marks")
	force, _ := cmd.Flags().GetBool("force")
	if err := checkDelete(del, marks, force); err != nil {
		return err
	}

	m, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer closeManager(m, &err)

	collector := m.GarbageCollector()
	if err := collector.Start(); err != nil {
		return err
	}
	marked, err := markFrom(marks, collector.Mark)
	if err != nil {
		collector.Stop(ctx, false)
		return err
	}
	status, err := collector.Stop(ctx, del)
	if err != nil {
		return fmt.Errorf("gc failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Marked %d digests.\n", marked)
	fmt.Printf("live:\t%d\t%s\n", status.NumBinaries, humanize.IBytes(uint64(status.SizeBinaries)))
	verb := "unreferenced"
	if del {
		verb = "deleted"
	}
	fmt.Printf("%s:\t%d\t%s\n", verb, status.NumBinariesGC, humanize.IBytes(uint64(status.SizeBinariesGC)))
	if status.NumDeleteErrors > 0 {
		return fmt.Errorf("%d deletions failed", status.NumDeleteErrors)
	}
	return nil
}

// checkDelete refuses a deleting run that marks nothing unless forced.
func checkDelete(del bool, marks string, force bool) error {
	if del && marks == "" && !force {
		return errors.New("--delete without --marks would delete every binary, add --force to confirm")
	}
	return nil
}

func markFrom(path string, mark func(string) error) (int, error) {
	if path == "" {
		return 0, nil
	}
	f := os.Stdin
	if path != "-" {
		var err error
		if f, err = os.Open(path); err != nil {
			return 0, err
		}
		defer f.Close()
	}
	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key := strings.TrimSpace(scanner.Text())
		if key == "" || strings.HasPrefix(key, "#") {
			continue
		}
		if err := mark(key); err != nil {
			return n, err
		}
		n++
	}
	return n, scanner.Err()
}
