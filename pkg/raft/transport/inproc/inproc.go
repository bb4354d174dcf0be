// Package inproc is a loopback Transport/Handler pair for deterministic
// single-process tests (spec §8's S1, S2, S4, S6 scenarios): every "RPC" is a
// direct call into the target node's process.Process, no sockets, no codec.
//
// Grounded in the teacher's test/framework style of driving a cluster
// in-process for scenario tests (cuemby-warren's manager tests exercise
// raft.Raft directly rather than over the network); generalized here into a
// small shared Network a test wires every node's Handler into.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/AdamLeyshon/lol/pkg/raft/transport"
	"github.com/AdamLeyshon/lol/pkg/raft/types"
)

// Network is a process-wide registry of node id -> Handler. Tests construct
// one Network and hand every node a *Transport bound to it.
type Network struct {
	mu       sync.RWMutex
	handlers map[types.NodeID]transport.Handler
	// partitioned, when set true for a node id, makes every call addressed
	// to that node fail with types.ErrTransport - used to simulate a network
	// partition without tearing down goroutines. Calls the node itself makes
	// to other nodes are not blocked.
	partitioned map[types.NodeID]bool
}

func NewNetwork() *Network {
	return &Network{
		handlers:    make(map[types.NodeID]transport.Handler),
		partitioned: make(map[types.NodeID]bool),
	}
}

// Register binds id's inbound RPC processing to h.
func (n *Network) Register(id types.NodeID, h transport.Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// SetPartitioned toggles simulated unreachability for id.
func (n *Network) SetPartitioned(id types.NodeID, partitioned bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned[id] = partitioned
}

func (n *Network) handlerFor(id types.NodeID) (transport.Handler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.partitioned[id] {
		return nil, fmt.Errorf("%w: %s is partitioned", types.ErrTransport, id)
	}
	h, ok := n.handlers[id]
	if !ok {
		return nil, fmt.Errorf("%w: no handler registered for %s", types.ErrTransport, id)
	}
	return h, nil
}

// Transport is a transport.Transport bound to one Network, used by every
// node in a test cluster.
type Transport struct {
	net *Network
}

func New(net *Network) *Transport { return &Transport{net: net} }

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) RequestVote(ctx context.Context, peer types.NodeID, req types.RequestVoteRequest) (types.RequestVoteReply, error) {
	h, err := t.net.handlerFor(peer)
	if err != nil {
		return types.RequestVoteReply{}, err
	}
	return h.HandleRequestVote(ctx, req)
}

func (t *Transport) SendLogStream(ctx context.Context, peer types.NodeID, req types.LogStreamRequest) (types.LogStreamReply, error) {
	h, err := t.net.handlerFor(peer)
	if err != nil {
		return types.LogStreamReply{}, err
	}
	return h.HandleLogStream(ctx, req)
}

func (t *Transport) Heartbeat(ctx context.Context, peer types.NodeID, req types.HeartbeatRequest) (types.HeartbeatReply, error) {
	h, err := t.net.handlerFor(peer)
	if err != nil {
		return types.HeartbeatReply{}, err
	}
	return h.HandleHeartbeat(ctx, req)
}

func (t *Transport) InstallSnapshot(ctx context.Context, peer types.NodeID, req types.InstallSnapshotRequest) (types.InstallSnapshotReply, error) {
	h, err := t.net.handlerFor(peer)
	if err != nil {
		return types.InstallSnapshotReply{}, err
	}
	return h.HandleInstallSnapshot(ctx, req)
}

func (t *Transport) Write(ctx context.Context, peer types.NodeID, req types.WriteRequest) (types.WriteReply, error) {
	h, err := t.net.handlerFor(peer)
	if err != nil {
		return types.WriteReply{}, err
	}
	return h.HandleWrite(ctx, req)
}

func (t *Transport) Read(ctx context.Context, peer types.NodeID, req types.ReadRequest) (types.ReadReply, error) {
	h, err := t.net.handlerFor(peer)
	if err != nil {
		return types.ReadReply{}, err
	}
	return h.HandleRead(ctx, req)
}

func (t *Transport) AddServer(ctx context.Context, peer types.NodeID, req types.AddServerRequest) (types.MembershipReply, error) {
	h, err := t.net.handlerFor(peer)
	if err != nil {
		return types.MembershipReply{}, err
	}
	return h.HandleAddServer(ctx, req)
}

func (t *Transport) RemoveServer(ctx context.Context, peer types.NodeID, req types.RemoveServerRequest) (types.MembershipReply, error) {
	h, err := t.net.handlerFor(peer)
	if err != nil {
		return types.MembershipReply{}, err
	}
	return h.HandleRemoveServer(ctx, req)
}

func (t *Transport) MakeSnapshot(ctx context.Context, peer types.NodeID, req types.MakeSnapshotRequest) (types.MakeSnapshotReply, error) {
	h, err := t.net.handlerFor(peer)
	if err != nil {
		return types.MakeSnapshotReply{}, err
	}
	return h.HandleMakeSnapshot(ctx, req)
}
