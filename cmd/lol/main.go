// Command lol is a thin CLI wrapper around the replication engine (spec
// §4.7): "node run" and "cluster bootstrap" start a server process over the
// gRPC transport, and the "client" subcommands exercise Write/Read/
// AddServer/RemoveServer against a running node. It carries no algorithm
// logic of its own - everything here delegates to pkg/config and
// pkg/raft/process. Grounded in the teacher's cmd/warren/main.go: a cobra
// root command, PersistentFlags for logging, cobra.OnInitialize wiring
// logging before any subcommand runs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lol",
	Short: "lol - a small Raft-style replication engine",
	Long: `lol runs a single-server-change Raft variant over gRPC: a node
logs and replicates opaque commands, applies them to a pluggable App state
machine, and serves linearizable reads via the read-index technique.`,
}

func main() {
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(clientCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
