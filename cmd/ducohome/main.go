package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joshp123/ducohome/internal/config"
	"github.com/joshp123/ducohome/internal/core"
	"github.com/joshp123/ducohome/internal/logging"
	"github.com/joshp123/ducohome/internal/plugins"
	"github.com/joshp123/ducohome/internal/router"
	"github.com/joshp123/ducohome/internal/server"
	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shimmeringbee/logwrap"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx := context.Background()

	boot, err := logging.New(logging.Options{Level: config.DefaultLogLevel})
	if err != nil {
		panic(err)
	}

	fs := flag.NewFlagSet("ducohome", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath, "path to the JSON config file")
	grpcAddr := fs.String("grpc-addr", "", "gRPC listen address (overrides core.grpc_addr)")
	httpAddr := fs.String("http-addr", "", "HTTP listen address (overrides core.http_addr)")
	logLevel := fs.String("log-level", "", "log level (overrides logging.level)")
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("DUCOHOME")); err != nil {
		boot.LogFatal(ctx, "Failed to parse environment/command line arguments.", logwrap.Err(err))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.LogFatal(ctx, "Failed to load configuration.", logwrap.Datum("path", *configPath), logwrap.Err(err))
	}
	if *grpcAddr != "" {
		cfg.Core.GRPCAddr = *grpcAddr
	}
	if *httpAddr != "" {
		cfg.Core.HTTPAddr = *httpAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	l, err := newLogger(cfg.Logging)
	if err != nil {
		boot.LogFatal(ctx, "Failed to initialise logging.", logwrap.Err(err))
	}
	l.LogInfo(ctx, "ducohome starting.", logwrap.Datum("config", *configPath))

	l.LogDebug(ctx, "Compiled plugins.", logwrap.Datum("available", plugins.Available()))
	compiled := plugins.Compiled(cfg, logging.Named(l, "plugins"))
	enabled := config.EnabledPlugins(cfg)
	if err := core.ValidateEnabledPlugins(compiled, enabled, false); err != nil {
		l.LogFatal(ctx, "Plugin configuration mismatch.", logwrap.Err(err))
	}
	active := core.FilterPlugins(compiled, enabled, false)
	if err := core.ValidatePlugins(active); err != nil {
		l.LogFatal(ctx, "Invalid plugin set.", logwrap.Err(err))
	}
	for _, p := range active {
		l.LogInfo(ctx, "Plugin loaded.", logwrap.Datum("plugin", p.ID()), logwrap.Datum("status", string(p.Health())))
	}

	if err := core.WriteDashboards(cfg.Core.DashboardDir, active); err != nil {
		l.LogWarn(ctx, "Failed to write dashboards.", logwrap.Datum("dir", cfg.Core.DashboardDir), logwrap.Err(err))
	}

	metricsRegistry := core.MetricsRegistry(active)
	metricsRegistry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ducohome_build_info",
		Help: "Build information",
	}, func() float64 { return 1 }))

	grpcServer, err := server.NewGRPCServer(cfg.Core.GRPCAddr, logging.Named(l, "grpc"))
	if err != nil {
		l.LogFatal(ctx, "Failed to listen for gRPC.", logwrap.Datum("addr", cfg.Core.GRPCAddr), logwrap.Err(err))
	}
	router.RegisterPlugins(grpcServer.Server, active)

	httpRouter := server.NewRouter(active, metricsRegistry)
	router.RegisterHTTP(httpRouter, active)
	httpServer := server.NewHTTPServer(cfg.Core.HTTPAddr, httpRouter)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, p := range active {
		runner, ok := p.(core.Runner)
		if !ok {
			continue
		}
		if err := runner.Start(runCtx); err != nil {
			l.LogError(ctx, "Plugin failed to start.", logwrap.Datum("plugin", p.ID()), logwrap.Err(err))
		}
	}

	serveErr := make(chan error, 2)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	go func() {
		if err := grpcServer.Serve(); err != nil {
			serveErr <- err
		}
	}()
	l.LogInfo(ctx, "ducohome ready.", logwrap.Datum("grpc", cfg.Core.GRPCAddr), logwrap.Datum("http", cfg.Core.HTTPAddr))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

loop:
	for {
		select {
		case s := <-signals:
			if s == syscall.SIGHUP {
				reload(ctx, l, active)
				continue
			}
			l.LogInfo(ctx, "Signal received, shutting down.", logwrap.Datum("signal", s.String()))
			break loop
		case err := <-serveErr:
			l.LogError(ctx, "Server failed, shutting down.", logwrap.Err(err))
			break loop
		}
	}

	cancel()
	for _, p := range active {
		if runner, ok := p.(core.Runner); ok {
			runner.Stop()
		}
	}

	shutdownCtx, done := context.WithTimeout(ctx, shutdownTimeout)
	defer done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		l.LogWarn(ctx, "HTTP shutdown incomplete.", logwrap.Err(err))
	}
	grpcServer.Stop(shutdownTimeout)
	l.LogInfo(ctx, "Shut down complete.")
}

func reload(ctx context.Context, l logwrap.Logger, active []core.Plugin) {
	for _, p := range active {
		reloader, ok := p.(core.Reloader)
		if !ok {
			continue
		}
		l.LogInfo(ctx, "Reloading plugin.", logwrap.Datum("plugin", p.ID()))
		if err := reloader.Reload(ctx); err != nil {
			l.LogError(ctx, "Plugin reload failed.", logwrap.Datum("plugin", p.ID()), logwrap.Err(err))
		}
	}
}

func newLogger(cfg *config.LoggingConfig) (logwrap.Logger, error) {
	opts := logging.Options{Level: cfg.Level}
	if cfg.File != nil {
		opts.File = &logging.FileOptions{
			Filename:   cfg.File.Filename,
			MaxSizeMB:  cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			Compress:   cfg.File.Compress,
		}
	}
	return logging.New(opts)
}
