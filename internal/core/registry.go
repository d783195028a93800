package core

import (
	context "context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const RegistryServiceName = "ducohome.registry.v1.Registry"

// RegistryServer is the server side of the plugin registry.
type RegistryServer interface {
	ListPlugins(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	DescribePlugin(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

var registryServiceDesc = grpc.ServiceDesc{
	ServiceName: RegistryServiceName,
	HandlerType: (*RegistryServer)(nil),
	Methods: []grpc.MethodDesc{
		UnaryMethod(RegistryServiceName, "ListPlugins", RegistryServer.ListPlugins),
		UnaryMethod(RegistryServiceName, "DescribePlugin", RegistryServer.DescribePlugin),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ducohome/registry/v1/registry.proto",
}

// RegisterRegistryServer registers the registry on a gRPC server.
func RegisterRegistryServer(server grpc.ServiceRegistrar, srv RegistryServer) {
	server.RegisterService(&registryServiceDesc, srv)
}

// RegistryService provides plugin discovery to clients.
type RegistryService struct {
	plugins []Plugin
	mu      sync.RWMutex
}

func NewRegistryService(plugins []Plugin) *RegistryService {
	return &RegistryService{plugins: plugins}
}

func (r *RegistryService) ListPlugins(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	plugins := make([]any, 0, len(r.plugins))
	for _, p := range r.plugins {
		manifest := p.Manifest()
		plugins = append(plugins, map[string]any{
			"plugin_id":    manifest.PluginID,
			"display_name": manifest.DisplayName,
			"version":      manifest.Version,
			"status":       string(p.Health()),
		})
	}

	resp, err := structpb.NewStruct(map[string]any{"plugins": plugins})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode plugins: %v", err)
	}
	return resp, nil
}

func (r *RegistryService) DescribePlugin(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		manifest := p.Manifest()
		if manifest.PluginID != req.GetValue() {
			continue
		}

		services := make([]any, 0, len(manifest.Services))
		for _, svc := range manifest.Services {
			services = append(services, svc)
		}
		dashboards := make([]any, 0, len(p.Dashboards()))
		for _, d := range p.Dashboards() {
			dashboards = append(dashboards, map[string]any{
				"name": d.Name,
				"path": DashboardPath(manifest.PluginID, d.Name),
			})
		}

		resp, err := structpb.NewStruct(map[string]any{
			"plugin_id":      manifest.PluginID,
			"display_name":   manifest.DisplayName,
			"version":        manifest.Version,
			"services":       services,
			"agents_md":      p.AgentsMD(),
			"status":         string(p.Health()),
			"health_message": p.HealthMessage(),
			"dashboards":     dashboards,
		})
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode plugin: %v", err)
		}
		return resp, nil
	}

	return nil, status.Errorf(codes.NotFound, "plugin %q not found", req.GetValue())
}
