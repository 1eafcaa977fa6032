// numbat-inspect is a small operator tool for numbat index files:
// it decodes headers, verifies checksums, builds an index from a raw
// vector file, and watches a file for changes. The library itself has
// no CLI surface; this binary lives beside it the way a disk
// inspector lives beside a cache.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "numbat-inspect",
	Short: "Inspect, verify, and build numbat vector index files",
	Long: `numbat-inspect works with the numbat binary index format.

Commands:
  info    - decode and print a saved index header
  verify  - check both CRCs and report the decoded counts
  build   - build an index from a raw f32 vector file and save it
  watch   - re-print header info whenever the file changes`,
	Version: "1.0.0",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// exitError prints an error message and exits.
func exitError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
