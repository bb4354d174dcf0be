package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/AdamLeyshon/lol/pkg/config"
	"github.com/AdamLeyshon/lol/pkg/kvapp"
	"github.com/AdamLeyshon/lol/pkg/metrics"
	"github.com/AdamLeyshon/lol/pkg/raft/process"
	"github.com/AdamLeyshon/lol/pkg/raft/storage"
	"github.com/AdamLeyshon/lol/pkg/raft/transport/grpctransport"
	"github.com/AdamLeyshon/lol/pkg/raft/types"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a single cluster node",
}

var nodeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a node from its config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		return runNode(cfgPath)
	},
}

// clusterCmd's "bootstrap" is an alias for "node run": process.New already
// treats its peerAddresses argument as the initial static membership, so
// starting the first node of a cluster is no different from starting any
// other one (spec §4.7 names this a thin wrapper, not its own code path).
var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Cluster-wide operations",
}

var clusterBootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Start the first node of a new cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		return runNode(cfgPath)
	},
}

func init() {
	nodeCmd.AddCommand(nodeRunCmd)
	nodeRunCmd.Flags().String("config", "lol.yaml", "Path to the node config file")

	clusterCmd.AddCommand(clusterBootstrapCmd)
	clusterBootstrapCmd.Flags().String("config", "lol.yaml", "Path to the node config file")
}

func runNode(cfgPath string) error {
	node, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	node.InitLogging()

	store, closeStore, err := openStorage(node)
	if err != nil {
		return err
	}
	defer closeStore()

	app := kvapp.New()

	resolve := func(peer types.NodeID) (string, error) {
		if addr, ok := node.PeerAddresses()[peer]; ok {
			return addr, nil
		}
		return "", fmt.Errorf("cmd/lol: no address known for peer %s", peer)
	}
	client := grpctransport.NewClient(resolve, grpc.WithTransportCredentials(insecure.NewCredentials()))
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc, err := process.New(ctx, node.ProcessConfig(), types.NodeID(node.ID), store, app, client, node.PeerAddresses())
	if err != nil {
		return fmt.Errorf("cmd/lol: %w", err)
	}
	proc.Start(ctx)
	defer proc.Shutdown()

	if node.MetricsOn {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			_ = http.ListenAndServe(node.MetricsAddr, mux)
		}()
	}

	srv := grpctransport.NewServer(proc, grpc.Creds(insecure.NewCredentials()))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(node.BindAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		return fmt.Errorf("cmd/lol: serve: %w", err)
	}

	srv.Stop()
	return nil
}

func openStorage(node *config.Node) (types.Storage, func(), error) {
	switch node.Storage.Backend {
	case "memory":
		return storage.NewMemory(), func() {}, nil
	default:
		b, err := storage.OpenBolt(node.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("cmd/lol: open storage %s: %w", node.Storage.Path, err)
		}
		return b, func() { _ = b.Close() }, nil
	}
}
