package router

import (
	"github.com/gorilla/mux"
	"google.golang.org/grpc"

	"github.com/joshp123/ducohome/internal/core"
)

// RegisterPlugins registers plugin services and core services on the gRPC server.
func RegisterPlugins(server *grpc.Server, plugins []core.Plugin) {
	core.RegisterRegistryServer(server, core.NewRegistryService(plugins))

	for _, p := range plugins {
		p.RegisterGRPC(server)
	}
}

// RegisterHTTP mounts the routes of plugins that expose REST endpoints.
func RegisterHTTP(router *mux.Router, plugins []core.Plugin) {
	for _, p := range plugins {
		if registrant, ok := p.(core.HTTPRegistrant); ok {
			registrant.RegisterHTTP(router)
		}
	}
}
