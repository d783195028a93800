package ducobox

import (
	"context"
	"errors"

	"github.com/joshp123/ducohome/internal/core"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "ducohome.plugins.ducobox.v1.DucoBoxService"

// DucoBoxServer is the server side of the DucoBox gRPC service. Device ids
// are a serial number or a configured device name; empty selects the only
// device.
type DucoBoxServer interface {
	ListDevices(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetDevice(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	GetState(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	SetVentilationState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Refresh(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Reload(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DucoBoxServer)(nil),
	Methods: []grpc.MethodDesc{
		core.UnaryMethod(ServiceName, "ListDevices", DucoBoxServer.ListDevices),
		core.UnaryMethod(ServiceName, "GetDevice", DucoBoxServer.GetDevice),
		core.UnaryMethod(ServiceName, "GetState", DucoBoxServer.GetState),
		core.UnaryMethod(ServiceName, "SetVentilationState", DucoBoxServer.SetVentilationState),
		core.UnaryMethod(ServiceName, "Refresh", DucoBoxServer.Refresh),
		core.UnaryMethod(ServiceName, "Reload", DucoBoxServer.Reload),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ducohome/plugins/ducobox/v1/ducobox.proto",
}

type fleet interface {
	deviceSource
	Lookup(id string) (*Device, error)
	Reload(ctx context.Context) error
}

type service struct {
	fleet fleet
}

func RegisterDucoBoxService(server grpc.ServiceRegistrar, f fleet) {
	server.RegisterService(&serviceDesc, &service{fleet: f})
}

func (s *service) ListDevices(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.fleet == nil {
		return nil, status.Error(codes.FailedPrecondition, "ducobox not configured")
	}
	devices := make([]any, 0)
	for _, d := range s.fleet.Devices() {
		devices = append(devices, deviceView(d))
	}
	return toStruct(map[string]any{"devices": devices})
}

func (s *service) GetDevice(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	d, err := s.lookup(req.GetValue())
	if err != nil {
		return nil, err
	}
	return toStruct(deviceView(d))
}

func (s *service) GetState(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	d, err := s.lookup(req.GetValue())
	if err != nil {
		return nil, err
	}
	if d.Coordinator == nil || d.Coordinator.Phase() != PhaseReady {
		return nil, grpcError("get state", ErrNotReady)
	}
	return toStruct(stateView(d))
}

// SetVentilationState takes {"device": id, "state": state} and returns the
// refreshed state.
func (s *service) SetVentilationState(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	state := fields["state"].GetStringValue()
	if state == "" {
		return nil, status.Error(codes.InvalidArgument, "state is required")
	}
	d, err := s.lookup(fields["device"].GetStringValue())
	if err != nil {
		return nil, err
	}
	if d.Coordinator == nil {
		return nil, grpcError("set ventilation state", ErrNotReady)
	}
	if err := d.Coordinator.SetVentilationState(ctx, state); err != nil {
		return nil, grpcError("set ventilation state", err)
	}
	return toStruct(stateView(d))
}

func (s *service) Refresh(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	d, err := s.lookup(req.GetValue())
	if err != nil {
		return nil, err
	}
	if d.Coordinator == nil {
		return nil, grpcError("refresh", ErrNotReady)
	}
	if err := d.Coordinator.Refresh(ctx); err != nil {
		return nil, grpcError("refresh", err)
	}
	return toStruct(stateView(d))
}

func (s *service) Reload(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if s.fleet == nil {
		return nil, status.Error(codes.FailedPrecondition, "ducobox not configured")
	}
	if err := s.fleet.Reload(ctx); err != nil {
		return nil, status.Errorf(codes.Internal, "reload: %v", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *service) lookup(id string) (*Device, error) {
	if s.fleet == nil {
		return nil, status.Error(codes.FailedPrecondition, "ducobox not configured")
	}
	d, err := s.fleet.Lookup(id)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	return d, nil
}

func toStruct(view map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(view)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func grpcError(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, ErrNotReady):
		code = codes.FailedPrecondition
	case errors.Is(err, ErrInvalidState):
		code = codes.InvalidArgument
	case errors.Is(err, ErrCommandRejected):
		code = codes.Aborted
	case errors.Is(err, ErrTimeout):
		code = codes.DeadlineExceeded
	case errors.Is(err, ErrConnectivity):
		code = codes.Unavailable
	}
	return status.Errorf(code, "%s: %v", op, err)
}
