// Command shard runs one MCAS shard process: a single-threaded event loop
// serving PUT/GET/LOCATE/RELEASE and ADO-invocation requests against one
// backend instance, matching the role cmd/serve and cmd/root play for a
// dKV node, collapsed onto a single binary since a shard has no
// distributed-store subcommands of its own.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "shard",
	Short: "run an MCAS shard",
	Long: fmt.Sprintf(`shard (v%s)

Runs one shard of a persistent-memory key-value store with in-store
compute: a single-threaded event loop dispatching PUT/GET/LOCATE/RELEASE
and ADO-invocation requests against one backend instance.`, version),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the shard binary's version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("shard v%s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command. Called by main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}
