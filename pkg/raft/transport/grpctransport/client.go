package grpctransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/AdamLeyshon/lol/pkg/raft/transport"
	"github.com/AdamLeyshon/lol/pkg/raft/types"
	"google.golang.org/grpc"
)

var _ transport.Transport = (*Client)(nil)

// Resolver maps a peer NodeID to a dialable address; Client asks it once per
// peer and caches the resulting connection.
type Resolver func(peer types.NodeID) (string, error)

// Client implements transport.Transport over gRPC, dialing and caching one
// ClientConn per peer the first time it's addressed.
type Client struct {
	resolve  Resolver
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[types.NodeID]*grpc.ClientConn
}

// NewClient builds a Client. dialOpts is appended to every dial - callers
// supply transport credentials here (grpc.WithTransportCredentials); this
// package never picks insecure-vs-TLS on its own.
func NewClient(resolve Resolver, dialOpts ...grpc.DialOption) *Client {
	return &Client{
		resolve:  resolve,
		dialOpts: dialOpts,
		conns:    make(map[types.NodeID]*grpc.ClientConn),
	}
}

func (c *Client) connFor(peer types.NodeID) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[peer]; ok {
		return cc, nil
	}
	addr, err := c.resolve(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", types.ErrTransport, peer, err)
	}
	opts := append([]grpc.DialOption{grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName))}, c.dialOpts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s at %s: %v", types.ErrTransport, peer, addr, err)
	}
	c.conns[peer] = cc
	return cc, nil
}

// Close tears down every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for id, cc := range c.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, id)
	}
	return firstErr
}

func (c *Client) RequestVote(ctx context.Context, peer types.NodeID, req types.RequestVoteRequest) (types.RequestVoteReply, error) {
	var reply types.RequestVoteReply
	cc, err := c.connFor(peer)
	if err != nil {
		return reply, err
	}
	if err := cc.Invoke(ctx, "/"+raftServiceName+"/RequestVote", &req, &reply); err != nil {
		return reply, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	return reply, nil
}

func (c *Client) Heartbeat(ctx context.Context, peer types.NodeID, req types.HeartbeatRequest) (types.HeartbeatReply, error) {
	var reply types.HeartbeatReply
	cc, err := c.connFor(peer)
	if err != nil {
		return reply, err
	}
	if err := cc.Invoke(ctx, "/"+raftServiceName+"/Heartbeat", &req, &reply); err != nil {
		return reply, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	return reply, nil
}

func (c *Client) Write(ctx context.Context, peer types.NodeID, req types.WriteRequest) (types.WriteReply, error) {
	var reply types.WriteReply
	cc, err := c.connFor(peer)
	if err != nil {
		return reply, err
	}
	if err := cc.Invoke(ctx, "/"+clientServiceName+"/Write", &req, &reply); err != nil {
		return reply, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	return reply, nil
}

func (c *Client) Read(ctx context.Context, peer types.NodeID, req types.ReadRequest) (types.ReadReply, error) {
	var reply types.ReadReply
	cc, err := c.connFor(peer)
	if err != nil {
		return reply, err
	}
	if err := cc.Invoke(ctx, "/"+clientServiceName+"/Read", &req, &reply); err != nil {
		return reply, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	return reply, nil
}

func (c *Client) AddServer(ctx context.Context, peer types.NodeID, req types.AddServerRequest) (types.MembershipReply, error) {
	var reply types.MembershipReply
	cc, err := c.connFor(peer)
	if err != nil {
		return reply, err
	}
	if err := cc.Invoke(ctx, "/"+clientServiceName+"/AddServer", &req, &reply); err != nil {
		return reply, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	return reply, nil
}

func (c *Client) RemoveServer(ctx context.Context, peer types.NodeID, req types.RemoveServerRequest) (types.MembershipReply, error) {
	var reply types.MembershipReply
	cc, err := c.connFor(peer)
	if err != nil {
		return reply, err
	}
	if err := cc.Invoke(ctx, "/"+clientServiceName+"/RemoveServer", &req, &reply); err != nil {
		return reply, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	return reply, nil
}

func (c *Client) MakeSnapshot(ctx context.Context, peer types.NodeID, req types.MakeSnapshotRequest) (types.MakeSnapshotReply, error) {
	var reply types.MakeSnapshotReply
	cc, err := c.connFor(peer)
	if err != nil {
		return reply, err
	}
	if err := cc.Invoke(ctx, "/"+clientServiceName+"/MakeSnapshot", &req, &reply); err != nil {
		return reply, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	return reply, nil
}

// SendLogStream streams a header frame followed by one frame per entry,
// then reads the single reply - the client side of sendLogStreamHandler.
func (c *Client) SendLogStream(ctx context.Context, peer types.NodeID, req types.LogStreamRequest) (types.LogStreamReply, error) {
	var reply types.LogStreamReply
	cc, err := c.connFor(peer)
	if err != nil {
		return reply, err
	}
	stream, err := cc.NewStream(ctx, &sendLogStreamDesc, "/"+raftServiceName+"/SendLogStream")
	if err != nil {
		return reply, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}

	header := req
	header.Entries = nil
	if err := stream.SendMsg(&logStreamFrame{Header: &header}); err != nil {
		return reply, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	for i := range req.Entries {
		entry := req.Entries[i]
		if err := stream.SendMsg(&logStreamFrame{Entry: &entry}); err != nil {
			return reply, fmt.Errorf("%w: %v", types.ErrTransport, err)
		}
	}
	if err := stream.CloseSend(); err != nil {
		return reply, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	if err := stream.RecvMsg(&reply); err != nil {
		return reply, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	return reply, nil
}

// InstallSnapshot streams a header frame followed by fixed-size payload
// chunks, then reads the single reply - the client side of
// installSnapshotHandler.
func (c *Client) InstallSnapshot(ctx context.Context, peer types.NodeID, req types.InstallSnapshotRequest) (types.InstallSnapshotReply, error) {
	var reply types.InstallSnapshotReply
	cc, err := c.connFor(peer)
	if err != nil {
		return reply, err
	}
	stream, err := cc.NewStream(ctx, &installSnapshotDesc, "/"+raftServiceName+"/InstallSnapshot")
	if err != nil {
		return reply, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}

	header := &installSnapshotHeader{Term: req.Term, LeaderID: req.LeaderID, Index: req.Index, Tag: req.Tag}
	if err := stream.SendMsg(&installSnapshotFrame{Header: header}); err != nil {
		return reply, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	for offset := 0; offset < len(req.Payload); offset += snapshotChunkSize {
		end := offset + snapshotChunkSize
		if end > len(req.Payload) {
			end = len(req.Payload)
		}
		if err := stream.SendMsg(&installSnapshotFrame{Chunk: req.Payload[offset:end]}); err != nil {
			return reply, fmt.Errorf("%w: %v", types.ErrTransport, err)
		}
	}
	if err := stream.CloseSend(); err != nil {
		return reply, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	if err := stream.RecvMsg(&reply); err != nil {
		return reply, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	return reply, nil
}
