// Package api exposes the core over gRPC (JSON codec) plus a small HTTP shim
// for health checks and a metrics endpoint.
package api

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/abergmeier/fabaccess-server/internal/bus"
	"github.com/abergmeier/fabaccess-server/internal/machine"
	"github.com/abergmeier/fabaccess-server/internal/models"
	"github.com/abergmeier/fabaccess-server/internal/server"
)

// ServiceName is the fully qualified gRPC service.
const ServiceName = "fabaccess.v1.AccessService"

// IdentityKey is the metadata key carrying the authenticated user.
const IdentityKey = "fab-user"

// Core is the slice of the server the transport needs.
type Core interface {
	Claim(ctx context.Context, user models.UserID, resource models.ResourceID) (uint64, error)
	Release(ctx context.Context, user models.UserID, resource models.ResourceID) (uint64, error)
	ForceSet(ctx context.Context, user models.UserID, resource models.ResourceID, target models.MachineState) (uint64, error)
	Block(ctx context.Context, user models.UserID, resource models.ResourceID, reason string) (uint64, error)
	Unblock(ctx context.Context, user models.UserID, resource models.ResourceID) (uint64, error)
	Subscribe(ctx context.Context, user models.UserID, resource models.ResourceID) (machine.SubscribeAck, error)
	List(ctx context.Context, user models.UserID) []server.ResourceInfo
}

// accessService is the method set RegisterService checks implementations
// against.
type accessService interface {
	Claim(context.Context, *ClaimRequest) (*ActionReply, error)
	Release(context.Context, *ReleaseRequest) (*ActionReply, error)
	ForceSet(context.Context, *ForceSetRequest) (*ActionReply, error)
	Block(context.Context, *BlockRequest) (*ActionReply, error)
	Unblock(context.Context, *UnblockRequest) (*ActionReply, error)
	List(context.Context, *ListRequest) (*ListReply, error)
	Subscribe(*SubscribeRequest, grpc.ServerStream) error
}

// AccessServer implements fabaccess.v1.AccessService.
type AccessServer struct {
	core Core
	log  *zap.Logger
}

func NewAccessServer(core Core, log *zap.Logger) *AccessServer {
	return &AccessServer{core: core, log: log.Named("api")}
}

// Register attaches the service to a gRPC server.
func (a *AccessServer) Register(reg grpc.ServiceRegistrar) {
	reg.RegisterService(&accessServiceDesc, a)
}

// identity pulls the caller from request metadata.
func identity(ctx context.Context) (models.UserID, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		if vals := md.Get(IdentityKey); len(vals) > 0 && vals[0] != "" {
			return vals[0], nil
		}
	}
	return "", status.Error(codes.Unauthenticated, "missing "+IdentityKey+" metadata")
}

// rpcError maps core errors onto gRPC status codes.
func rpcError(err error) error {
	if err == nil {
		return nil
	}
	var denied *machine.DeniedError
	switch {
	case errors.As(err, &denied):
		return status.Errorf(codes.PermissionDenied, "missing permission %s", denied.Missing)
	case errors.Is(err, server.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, machine.ErrOverload), errors.Is(err, machine.ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, machine.ErrShutdown):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func (a *AccessServer) Claim(ctx context.Context, req *ClaimRequest) (*ActionReply, error) {
	user, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	seq, err := a.core.Claim(ctx, user, req.Resource)
	if err != nil {
		return nil, rpcError(err)
	}
	return &ActionReply{Seq: seq}, nil
}

func (a *AccessServer) Release(ctx context.Context, req *ReleaseRequest) (*ActionReply, error) {
	user, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	seq, err := a.core.Release(ctx, user, req.Resource)
	if err != nil {
		return nil, rpcError(err)
	}
	return &ActionReply{Seq: seq}, nil
}

func (a *AccessServer) ForceSet(ctx context.Context, req *ForceSetRequest) (*ActionReply, error) {
	user, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	target, err := stateFromWire(req.Status, req.User, req.Reason)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	seq, err := a.core.ForceSet(ctx, user, req.Resource, target)
	if err != nil {
		return nil, rpcError(err)
	}
	return &ActionReply{Seq: seq}, nil
}

func (a *AccessServer) Block(ctx context.Context, req *BlockRequest) (*ActionReply, error) {
	user, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	seq, err := a.core.Block(ctx, user, req.Resource, req.Reason)
	if err != nil {
		return nil, rpcError(err)
	}
	return &ActionReply{Seq: seq}, nil
}

func (a *AccessServer) Unblock(ctx context.Context, req *UnblockRequest) (*ActionReply, error) {
	user, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	seq, err := a.core.Unblock(ctx, user, req.Resource)
	if err != nil {
		return nil, rpcError(err)
	}
	return &ActionReply{Seq: seq}, nil
}

func (a *AccessServer) List(ctx context.Context, _ *ListRequest) (*ListReply, error) {
	user, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	return &ListReply{Resources: a.core.List(ctx, user)}, nil
}

// Subscribe streams a snapshot followed by live state events until the
// client hangs up or falls too far behind.
func (a *AccessServer) Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	user, err := identity(ctx)
	if err != nil {
		return err
	}
	ack, err := a.core.Subscribe(ctx, user, req.Resource)
	if err != nil {
		return rpcError(err)
	}
	defer ack.Sub.Close()

	first := &StateEvent{
		Type:     EventSnapshot,
		Resource: req.Resource,
		State:    ack.State,
		Seq:      ack.Seq,
		Verified: ack.Verified,
	}
	if err := stream.SendMsg(first); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ack.Sub.Events():
			if !ok {
				if errors.Is(ack.Sub.Err(), bus.ErrEvicted) {
					return status.Error(codes.ResourceExhausted, "subscription evicted: consumer too slow")
				}
				return nil
			}
			out := &StateEvent{
				Type:     string(ev.Type),
				Resource: ev.Resource,
				State:    ev.State,
				Seq:      ev.Seq,
				Cause:    string(ev.Cause),
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}

// stateFromWire validates and assembles a target state for ForceSet.
func stateFromWire(statusName, user, reason string) (models.MachineState, error) {
	st := models.Status(statusName)
	if !models.ValidStatus(st) {
		return models.MachineState{}, errors.New("unknown status " + statusName)
	}
	switch st {
	case models.StatusFree:
		return models.Free(), nil
	case models.StatusInUse:
		return models.InUse(user), nil
	case models.StatusToCheck:
		return models.ToCheck(user), nil
	case models.StatusBlocked:
		return models.Blocked(reason), nil
	case models.StatusDisabled:
		return models.Disabled(reason), nil
	default:
		return models.Reserved(user), nil
	}
}

// Hand-rolled service descriptor; the wire schema is the JSON structs in
// types.go, so there is no generated stub to lean on.

func claimHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ClaimRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*AccessServer).Claim(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Claim"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(*AccessServer).Claim(ctx, req.(*ClaimRequest))
	})
}

func releaseHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReleaseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*AccessServer).Release(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Release"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(*AccessServer).Release(ctx, req.(*ReleaseRequest))
	})
}

func forceSetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ForceSetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*AccessServer).ForceSet(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ForceSet"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(*AccessServer).ForceSet(ctx, req.(*ForceSetRequest))
	})
}

func blockHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(BlockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*AccessServer).Block(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Block"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(*AccessServer).Block(ctx, req.(*BlockRequest))
	})
}

func unblockHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(UnblockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*AccessServer).Unblock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Unblock"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(*AccessServer).Unblock(ctx, req.(*UnblockRequest))
	})
}

func listHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*AccessServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/List"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(*AccessServer).List(ctx, req.(*ListRequest))
	})
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*AccessServer).Subscribe(in, stream)
}

var accessServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*accessService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Claim", Handler: claimHandler},
		{MethodName: "Release", Handler: releaseHandler},
		{MethodName: "ForceSet", Handler: forceSetHandler},
		{MethodName: "Block", Handler: blockHandler},
		{MethodName: "Unblock", Handler: unblockHandler},
		{MethodName: "List", Handler: listHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "fabaccess/v1/access.json",
}
