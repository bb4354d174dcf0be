package main

import (
	"context"
	"fmt"

	"github.com/AdamLeyshon/lol/pkg/raft/transport/grpctransport"
	"github.com/AdamLeyshon/lol/pkg/raft/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Talk to a running node over gRPC",
}

// dialOne builds a grpctransport.Client that always resolves to addr,
// regardless of the NodeID the Transport interface asks for - the CLI
// knows nothing about cluster membership beyond the node it was pointed at.
func dialOne(addr string) *grpctransport.Client {
	resolve := func(types.NodeID) (string, error) { return addr, nil }
	return grpctransport.NewClient(resolve, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

var clientFetchAddCmd = &cobra.Command{
	Use:   "fetch-add",
	Short: "Submit a write command and block for its applied response",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		command, _ := cmd.Flags().GetString("command")
		requestID, _ := cmd.Flags().GetString("request-id")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c := dialOne(addr)
		defer c.Close()

		reply, err := c.Write(context.Background(), "target", types.WriteRequest{
			RequestID: requestID,
			Command:   []byte(command),
		})
		if err != nil {
			return err
		}
		fmt.Printf("request_id: %s\nresponse: %s\n", requestID, reply.Response)
		return nil
	},
}

var clientReadCmd = &cobra.Command{
	Use:   "read",
	Short: "Submit a linearizable read query",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		query, _ := cmd.Flags().GetString("query")

		c := dialOne(addr)
		defer c.Close()

		reply, err := c.Read(context.Background(), "target", types.ReadRequest{Query: []byte(query)})
		if err != nil {
			return err
		}
		fmt.Printf("response: %s\n", reply.Response)
		return nil
	},
}

var clientAddServerCmd = &cobra.Command{
	Use:   "add-server",
	Short: "Add a node to the cluster's membership",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		id, _ := cmd.Flags().GetString("id")
		newAddr, _ := cmd.Flags().GetString("new-address")

		c := dialOne(addr)
		defer c.Close()

		_, err := c.AddServer(context.Background(), "target", types.AddServerRequest{
			NodeID:  types.NodeID(id),
			Address: newAddr,
		})
		if err != nil {
			return err
		}
		fmt.Printf("added %s (%s)\n", id, newAddr)
		return nil
	},
}

var clientRemoveServerCmd = &cobra.Command{
	Use:   "remove-server",
	Short: "Remove a node from the cluster's membership",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		id, _ := cmd.Flags().GetString("id")

		c := dialOne(addr)
		defer c.Close()

		_, err := c.RemoveServer(context.Background(), "target", types.RemoveServerRequest{NodeID: types.NodeID(id)})
		if err != nil {
			return err
		}
		fmt.Printf("removed %s\n", id)
		return nil
	},
}

var clientMakeSnapshotCmd = &cobra.Command{
	Use:   "make-snapshot",
	Short: "Ask a node to snapshot its current applied state and compact its log",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		c := dialOne(addr)
		defer c.Close()

		if _, err := c.MakeSnapshot(context.Background(), "target", types.MakeSnapshotRequest{}); err != nil {
			return err
		}
		fmt.Println("snapshot created")
		return nil
	},
}

func init() {
	clientCmd.AddCommand(clientFetchAddCmd, clientReadCmd, clientAddServerCmd, clientRemoveServerCmd, clientMakeSnapshotCmd)

	clientFetchAddCmd.Flags().String("addr", "127.0.0.1:9001", "Node gRPC address")
	clientFetchAddCmd.Flags().String("command", "", "Command payload to append")
	clientFetchAddCmd.Flags().String("request-id", "", "Idempotency key; a random UUID if omitted")
	_ = clientFetchAddCmd.MarkFlagRequired("command")

	clientReadCmd.Flags().String("addr", "127.0.0.1:9001", "Node gRPC address")
	clientReadCmd.Flags().String("query", "", "Query payload")
	_ = clientReadCmd.MarkFlagRequired("query")

	clientAddServerCmd.Flags().String("addr", "127.0.0.1:9001", "Node gRPC address (must be the leader)")
	clientAddServerCmd.Flags().String("id", "", "New node's ID")
	clientAddServerCmd.Flags().String("new-address", "", "New node's gRPC address")
	_ = clientAddServerCmd.MarkFlagRequired("id")
	_ = clientAddServerCmd.MarkFlagRequired("new-address")

	clientRemoveServerCmd.Flags().String("addr", "127.0.0.1:9001", "Node gRPC address (must be the leader)")
	clientRemoveServerCmd.Flags().String("id", "", "Node ID to remove")
	_ = clientRemoveServerCmd.MarkFlagRequired("id")

	clientMakeSnapshotCmd.Flags().String("addr", "127.0.0.1:9001", "Node gRPC address")
}
