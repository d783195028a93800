package ducobox

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/joshp123/ducohome/internal/config"
	"github.com/joshp123/ducohome/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/nest"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

//go:embed AGENTS.md
var agentsMD string

//go:embed dashboard.json
var dashboardJSON []byte

// Device is one configured box. Coordinator is nil when the client could not
// be built or the serial was already taken by another entry.
type Device struct {
	Name        string
	Host        string
	Client      *Client
	Coordinator *Coordinator
	Err         error

	detach func()
}

// Serial is empty until setup succeeds.
func (d *Device) Serial() string {
	if d.Coordinator == nil || d.Coordinator.Phase() != PhaseReady {
		return ""
	}
	return d.Coordinator.DeviceInfo().SerialNumber
}

// Dialer opens the broker connection used by the MQTT bridge.
type Dialer func(ctx context.Context, cfg BridgeConfig) (Publisher, func(), error)

func dialMQTT(logger logwrap.Logger) Dialer {
	return func(ctx context.Context, cfg BridgeConfig) (Publisher, func(), error) {
		client, err := ConnectMQTT(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	}
}

// Plugin implements the ducohome plugin contract for DucoBox units.
type Plugin struct {
	cfg       Config
	bridgeCfg *BridgeConfig
	log       logwrap.Logger
	dial      Dialer
	collector *MetricsCollector

	health        core.HealthStatus
	healthMessage string

	reloadMu    sync.Mutex
	mu          sync.RWMutex
	devices     []*Device
	bridge      *Bridge
	closeBroker func()
	bridgeErr   error
	runCtx      context.Context
	started     bool
}

// NewPlugin constructs the plugin from config. MQTT is optional.
func NewPlugin(cfg *config.DucoboxConfig, mqttCfg *config.MQTTConfig, logger logwrap.Logger) (*Plugin, bool) {
	if cfg == nil {
		return nil, false
	}

	l := logwrap.New(nest.Wrap(logger))
	l.AddOptionsToLogger(logwrap.Source("ducobox"))

	p := &Plugin{log: l, health: core.HealthHealthy}
	p.dial = dialMQTT(l)
	p.collector = NewMetricsCollector(p)

	runtimeCfg, err := ConfigFromFile(cfg)
	if err != nil {
		p.health, p.healthMessage = core.HealthError, err.Error()
		return p, true
	}
	p.cfg = runtimeCfg

	if mqttCfg != nil {
		bridgeCfg, err := BridgeConfigFromFile(mqttCfg)
		if err != nil {
			p.health, p.healthMessage = core.HealthError, err.Error()
			return p, true
		}
		p.bridgeCfg = &bridgeCfg
	}
	return p, true
}

// WithDialer replaces the MQTT connection factory.
func (p *Plugin) WithDialer(dial Dialer) *Plugin {
	p.dial = dial
	return p
}

func (p *Plugin) ID() string {
	return "ducobox"
}

func (p *Plugin) Manifest() core.Manifest {
	return core.Manifest{
		PluginID:    "ducobox",
		DisplayName: "DucoBox",
		Version:     "0.1.0",
		Services:    []string{ServiceName},
	}
}

func (p *Plugin) AgentsMD() string {
	return agentsMD
}

func (p *Plugin) Dashboards() []core.Dashboard {
	return []core.Dashboard{{Name: "ducobox-overview", JSON: dashboardJSON}}
}

func (p *Plugin) RegisterGRPC(server *grpc.Server) {
	RegisterDucoBoxService(server, p)
}

func (p *Plugin) RegisterHTTP(router *mux.Router) {
	registerRoutes(router, p)
}

func (p *Plugin) Collectors() []prometheus.Collector {
	return []prometheus.Collector{p.collector}
}

// Start connects the bridge, sets up every device and begins polling. Device
// failures are reported through Health, not returned.
func (p *Plugin) Start(ctx context.Context) error {
	if p.health == core.HealthError {
		return errors.New(p.healthMessage)
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.runCtx = ctx
	p.mu.Unlock()

	if p.bridgeCfg != nil {
		p.startBridge(ctx)
	}

	devices := p.setupDevices(ctx, ctx)

	p.mu.Lock()
	p.devices = devices
	p.mu.Unlock()
	return nil
}

func (p *Plugin) startBridge(ctx context.Context) {
	pub, closer, err := p.dial(ctx, *p.bridgeCfg)
	if err != nil {
		p.log.LogError(ctx, "MQTT bridge unavailable.", logwrap.Err(err))
		p.mu.Lock()
		p.bridgeErr = err
		p.mu.Unlock()
		return
	}
	bridge := NewBridge(pub, *p.bridgeCfg, &p.log)
	if err := bridge.Start(ctx); err != nil {
		p.log.LogError(ctx, "Failed to subscribe to MQTT commands.", logwrap.Err(err))
	}
	p.mu.Lock()
	p.bridge = bridge
	p.closeBroker = closer
	p.mu.Unlock()
}

// setupDevices runs setup for every configured box in parallel. Polling
// runs on runCtx.
func (p *Plugin) setupDevices(setupCtx, runCtx context.Context) []*Device {
	devices := make([]*Device, len(p.cfg.Devices))
	var g errgroup.Group
	for i, dc := range p.cfg.Devices {
		i, dc := i, dc
		g.Go(func() error {
			devices[i] = p.setupDevice(setupCtx, dc)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.RLock()
	bridge := p.bridge
	p.mu.RUnlock()

	claimed := make(map[string]string)
	for _, d := range devices {
		serial := d.Serial()
		if serial == "" {
			continue
		}
		if other, taken := claimed[serial]; taken {
			d.Err = fmt.Errorf("ducobox %s already configured as %s", serial, other)
			d.Coordinator = nil
			p.log.LogError(setupCtx, "Duplicate device.", logwrap.Datum("device", d.Name), logwrap.Err(d.Err))
			continue
		}
		claimed[serial] = d.Name

		if err := d.Coordinator.Start(runCtx); err != nil {
			d.Err = err
			continue
		}
		if bridge != nil {
			detach, err := bridge.Attach(runCtx, d)
			if err != nil {
				p.log.LogWarn(setupCtx, "Failed to publish device to MQTT.", logwrap.Datum("device", d.Name), logwrap.Err(err))
			} else {
				d.detach = detach
			}
		}
		p.log.LogInfo(setupCtx, "Device ready.", logwrap.Datum("device", d.Name), logwrap.Datum("serial", serial))
	}
	return devices
}

func (p *Plugin) setupDevice(ctx context.Context, dc DeviceConfig) *Device {
	d := &Device{Name: dc.Name, Host: dc.Host}

	client, err := NewClient(ClientConfig{Host: dc.Host, Timeout: p.cfg.RequestTimeout})
	if err != nil {
		d.Err = err
		return d
	}
	d.Client = client
	d.Host = client.Host()

	l := logwrap.New(nest.Wrap(p.log))
	l.AddOptionsToLogger(logwrap.Datum("device", dc.Name))

	d.Coordinator = NewCoordinator(client, CoordinatorConfig{
		PollInterval: p.cfg.PollInterval,
		StateOptions: p.cfg.StateOptions,
		Logger:       &l,
	})
	if err := d.Coordinator.Setup(ctx); err != nil {
		d.Err = err
	}
	return d
}

// Stop ends polling for every device and closes the broker connection.
func (p *Plugin) Stop() {
	p.mu.Lock()
	devices := p.devices
	closer := p.closeBroker
	p.devices = nil
	p.bridge = nil
	p.closeBroker = nil
	p.started = false
	p.mu.Unlock()

	teardown(devices)
	if closer != nil {
		closer()
	}
}

// Reload tears down every coordinator and runs setup again. Devices whose
// setup failed get a fresh attempt.
func (p *Plugin) Reload(ctx context.Context) error {
	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()

	p.mu.RLock()
	started, runCtx, old := p.started, p.runCtx, p.devices
	p.mu.RUnlock()
	if !started {
		return errors.New("ducobox not started")
	}

	p.log.LogInfo(ctx, "Reloading devices.", logwrap.Datum("count", len(p.cfg.Devices)))
	teardown(old)
	devices := p.setupDevices(ctx, runCtx)

	p.mu.Lock()
	p.devices = devices
	p.mu.Unlock()
	return nil
}

func teardown(devices []*Device) {
	for _, d := range devices {
		if d.detach != nil {
			d.detach()
			d.detach = nil
		}
		if d.Coordinator != nil {
			d.Coordinator.Stop()
		}
	}
}

// Devices returns the current device set.
func (p *Plugin) Devices() []*Device {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Device(nil), p.devices...)
}

// Lookup finds a device by serial or name. An empty id matches when exactly
// one device is configured.
func (p *Plugin) Lookup(id string) (*Device, error) {
	devices := p.Devices()
	if id == "" {
		if len(devices) == 1 {
			return devices[0], nil
		}
		return nil, fmt.Errorf("device id is required when %d devices are configured", len(devices))
	}
	for _, d := range devices {
		if d.Name == id || (d.Serial() != "" && d.Serial() == id) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device %q not found", id)
}

func (p *Plugin) Health() core.HealthStatus {
	if p.health == core.HealthError {
		return p.health
	}
	devices := p.Devices()
	if len(devices) == 0 {
		return core.HealthDegraded
	}
	ready, failing := 0, 0
	for _, d := range devices {
		if d.Serial() == "" {
			failing++
			continue
		}
		ready++
		if !d.Coordinator.Available() {
			failing++
		}
	}
	switch {
	case ready == 0:
		return core.HealthError
	case failing > 0:
		return core.HealthDegraded
	default:
		return core.HealthHealthy
	}
}

func (p *Plugin) HealthMessage() string {
	if p.health == core.HealthError {
		return p.healthMessage
	}
	devices := p.Devices()
	if len(devices) == 0 {
		return "not started"
	}
	var problems []string
	for _, d := range devices {
		err := d.Err
		if d.Coordinator != nil && d.Coordinator.LastError() != nil {
			err = d.Coordinator.LastError()
		}
		if err != nil {
			problems = append(problems, d.Name+": "+err.Error())
		}
	}
	p.mu.RLock()
	if p.bridgeErr != nil {
		problems = append(problems, "mqtt: "+p.bridgeErr.Error())
	}
	p.mu.RUnlock()
	return strings.Join(problems, "; ")
}
