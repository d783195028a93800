package core

import (
	"context"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type stubPlugin struct {
	id            string
	name          string
	version       string
	services      []string
	dashboards    []Dashboard
	agents        string
	health        HealthStatus
	healthMessage string
}

func (s stubPlugin) ID() string { return s.id }

func (s stubPlugin) Manifest() Manifest {
	return Manifest{
		PluginID:    s.id,
		DisplayName: s.name,
		Version:     s.version,
		Services:    s.services,
	}
}

func (s stubPlugin) AgentsMD() string { return s.agents }

func (s stubPlugin) Dashboards() []Dashboard { return s.dashboards }

func (s stubPlugin) RegisterGRPC(*grpc.Server) {}

func (s stubPlugin) Collectors() []prometheus.Collector { return nil }

func (s stubPlugin) Health() HealthStatus { return s.health }

func (s stubPlugin) HealthMessage() string { return s.healthMessage }

func newStubPlugin(id string) stubPlugin {
	return stubPlugin{
		id:         id,
		name:       "Demo",
		version:    "0.1.0",
		services:   []string{"ducohome.plugins.demo.v1.DemoService"},
		agents:     "demo agents",
		health:     HealthHealthy,
		dashboards: []Dashboard{{Name: "demo", JSON: []byte("{}")}},
	}
}

func TestRegistryListPlugins(t *testing.T) {
	plugin := newStubPlugin("demo")
	svc := NewRegistryService([]Plugin{plugin})

	resp, err := svc.ListPlugins(context.Background(), &emptypb.Empty{})
	require.NoError(t, err)

	plugins := resp.AsMap()["plugins"].([]any)
	require.Len(t, plugins, 1)
	got := plugins[0].(map[string]any)
	assert.Equal(t, "demo", got["plugin_id"])
	assert.Equal(t, "Demo", got["display_name"])
	assert.Equal(t, "0.1.0", got["version"])
	assert.Equal(t, string(HealthHealthy), got["status"])
}

func TestRegistryDescribePlugin(t *testing.T) {
	plugin := newStubPlugin("demo")
	svc := NewRegistryService([]Plugin{plugin})

	resp, err := svc.DescribePlugin(context.Background(), wrapperspb.String("demo"))
	require.NoError(t, err)

	got := resp.AsMap()
	assert.Equal(t, "demo", got["plugin_id"])
	assert.Equal(t, "demo agents", got["agents_md"])
	dashboards := got["dashboards"].([]any)
	require.Len(t, dashboards, 1)
	assert.Equal(t, "/dashboards/demo/demo.json", dashboards[0].(map[string]any)["path"])

	_, err = svc.DescribePlugin(context.Background(), wrapperspb.String("missing"))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestRegistryOverGRPC(t *testing.T) {
	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	RegisterRegistryServer(server, NewRegistryService([]Plugin{newStubPlugin("demo")}))
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	resp, err := Invoke[structpb.Struct](context.Background(), conn, RegistryServiceName, "DescribePlugin", wrapperspb.String("demo"))
	require.NoError(t, err)
	assert.Equal(t, "Demo", resp.AsMap()["display_name"])
}

func TestFilterPlugins(t *testing.T) {
	compiled := []Plugin{newStubPlugin("demo"), newStubPlugin("extra")}

	active := FilterPlugins(compiled, map[string]bool{"demo": true}, false)
	if len(active) != 1 || active[0].ID() != "demo" {
		t.Fatalf("unexpected active plugins: %v", active)
	}

	active = FilterPlugins(compiled, map[string]bool{}, true)
	if len(active) != 2 {
		t.Fatalf("expected all plugins, got %d", len(active))
	}
}

func TestValidateEnabledPlugins(t *testing.T) {
	compiled := []Plugin{newStubPlugin("demo")}

	if err := ValidateEnabledPlugins(compiled, map[string]bool{"demo": true}, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := ValidateEnabledPlugins(compiled, map[string]bool{"missing": true}, false); err == nil {
		t.Fatalf("expected error for missing plugin")
	}
}

func TestValidatePlugins(t *testing.T) {
	require.NoError(t, ValidatePlugins([]Plugin{newStubPlugin("demo")}))
	assert.Error(t, ValidatePlugins([]Plugin{newStubPlugin("demo"), newStubPlugin("demo")}))
	assert.Error(t, ValidatePlugins([]Plugin{newStubPlugin("Demo")}))
}
