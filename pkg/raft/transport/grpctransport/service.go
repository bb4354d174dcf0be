package grpctransport

import (
	"context"
	"io"

	"github.com/AdamLeyshon/lol/pkg/raft/transport"
	"github.com/AdamLeyshon/lol/pkg/raft/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// These two ServiceDesc values are hand-written instead of protoc-generated
// (spec §4.8): the HandlerType is transport.Handler itself, so
// grpc.Server.RegisterService just needs any value implementing it - no
// generated *_ServiceServer interface or registration shim required.

const (
	raftServiceName   = "lol.RaftService"
	clientServiceName = "lol.ClientService"
)

var sendLogStreamDesc = grpc.StreamDesc{StreamName: "SendLogStream", Handler: sendLogStreamHandler, ClientStreams: true}
var installSnapshotDesc = grpc.StreamDesc{StreamName: "InstallSnapshot", Handler: installSnapshotHandler, ClientStreams: true}

var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: raftServiceName,
	HandlerType: (*transport.Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
	},
	Streams: []grpc.StreamDesc{sendLogStreamDesc, installSnapshotDesc},
}

var clientServiceDesc = grpc.ServiceDesc{
	ServiceName: clientServiceName,
	HandlerType: (*transport.Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Write", Handler: writeHandler},
		{MethodName: "Read", Handler: readHandler},
		{MethodName: "AddServer", Handler: addServerHandler},
		{MethodName: "RemoveServer", Handler: removeServerHandler},
		{MethodName: "MakeSnapshot", Handler: makeSnapshotHandler},
	},
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.RequestVoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transport.Handler).HandleRequestVote(ctx, *in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + raftServiceName + "/RequestVote"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transport.Handler).HandleRequestVote(ctx, *req.(*types.RequestVoteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func heartbeatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transport.Handler).HandleHeartbeat(ctx, *in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + raftServiceName + "/Heartbeat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transport.Handler).HandleHeartbeat(ctx, *req.(*types.HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func writeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.WriteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transport.Handler).HandleWrite(ctx, *in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + clientServiceName + "/Write"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transport.Handler).HandleWrite(ctx, *req.(*types.WriteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func readHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.ReadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transport.Handler).HandleRead(ctx, *in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + clientServiceName + "/Read"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transport.Handler).HandleRead(ctx, *req.(*types.ReadRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func addServerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.AddServerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transport.Handler).HandleAddServer(ctx, *in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + clientServiceName + "/AddServer"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transport.Handler).HandleAddServer(ctx, *req.(*types.AddServerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func removeServerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.RemoveServerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transport.Handler).HandleRemoveServer(ctx, *in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + clientServiceName + "/RemoveServer"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transport.Handler).HandleRemoveServer(ctx, *req.(*types.RemoveServerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func makeSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.MakeSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transport.Handler).HandleMakeSnapshot(ctx, *in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + clientServiceName + "/MakeSnapshot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transport.Handler).HandleMakeSnapshot(ctx, *req.(*types.MakeSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// sendLogStreamHandler accumulates the header frame and every entry frame
// before calling into the Handler once, then replies and lets the caller's
// return close the stream - the client-streaming shape generated code gets
// from a single SendAndClose call, written by hand here since there is no
// generated server struct to hang that method off.
func sendLogStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	h := srv.(transport.Handler)
	var header *types.LogStreamRequest
	var entries []types.Entry
	for {
		var frame logStreamFrame
		if err := stream.RecvMsg(&frame); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		if frame.Header != nil {
			header = frame.Header
		}
		if frame.Entry != nil {
			entries = append(entries, *frame.Entry)
		}
	}
	if header == nil {
		return status.Error(codes.InvalidArgument, "grpctransport: log stream had no header frame")
	}
	header.Entries = entries
	reply, err := h.HandleLogStream(stream.Context(), *header)
	if err != nil {
		return err
	}
	return stream.SendMsg(&reply)
}

func installSnapshotHandler(srv interface{}, stream grpc.ServerStream) error {
	h := srv.(transport.Handler)
	var header *installSnapshotHeader
	var payload []byte
	for {
		var frame installSnapshotFrame
		if err := stream.RecvMsg(&frame); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		if frame.Header != nil {
			header = frame.Header
		}
		payload = append(payload, frame.Chunk...)
	}
	if header == nil {
		return status.Error(codes.InvalidArgument, "grpctransport: install snapshot had no header frame")
	}
	req := types.InstallSnapshotRequest{
		Term:     header.Term,
		LeaderID: header.LeaderID,
		Index:    header.Index,
		Tag:      header.Tag,
		Payload:  payload,
	}
	reply, err := h.HandleInstallSnapshot(stream.Context(), req)
	if err != nil {
		return err
	}
	return stream.SendMsg(&reply)
}
