package ducobox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"golang.org/x/sync/singleflight"
)

const DefaultPollInterval = 30 * time.Second

// Phase is the setup lifecycle of a coordinator.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseReady
	PhaseSetupFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseReady:
		return "ready"
	case PhaseSetupFailed:
		return "setup_failed"
	default:
		return "uninitialized"
	}
}

// StateOptionsSource picks where the accepted ventilation states come from.
type StateOptionsSource string

const (
	// StateOptionsDevice asks the device. Only a 404 falls back to the
	// static list; any other failure aborts setup.
	StateOptionsDevice StateOptionsSource = "device"
	// StateOptionsStatic never asks the device.
	StateOptionsStatic StateOptionsSource = "static"
)

type deviceAPI interface {
	DeviceInfo(ctx context.Context) (DeviceInfo, error)
	State(ctx context.Context) (StateSnapshot, error)
	ValidStates(ctx context.Context) ([]string, error)
	SetVentilationState(ctx context.Context, state string) (bool, error)
}

// CoordinatorConfig tunes a Coordinator. Zero values get defaults.
type CoordinatorConfig struct {
	PollInterval time.Duration
	StateOptions StateOptionsSource
	Logger       *logwrap.Logger
	Now          func() time.Time
}

// Update is delivered to listeners after every refresh attempt. Err is nil
// on success; Snapshot is the last good snapshot either way.
type Update struct {
	Snapshot StateSnapshot
	Err      error
	At       time.Time
}

// Stats counts refresh attempts since setup.
type Stats struct {
	Polls        uint64
	Failures     uint64
	SkippedTicks uint64
}

// Coordinator owns the polling cadence and the last known state of one
// device.
type Coordinator struct {
	api      deviceAPI
	interval time.Duration
	source   StateOptionsSource
	log      logwrap.Logger
	now      func() time.Time

	// flight serializes device I/O: polls, on-demand refreshes and
	// write-then-refresh commands.
	flight sync.Mutex
	group  singleflight.Group

	mu          sync.RWMutex
	phase       Phase
	info        DeviceInfo
	states      []string
	snapshot    StateSnapshot
	hasSnapshot bool
	lastErr     error
	lastSuccess time.Time
	stats       Stats
	refreshes   uint64
	listeners   map[int]func(Update)
	nextID      int
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewCoordinator(api deviceAPI, cfg CoordinatorConfig) *Coordinator {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	source := cfg.StateOptions
	if source == "" {
		source = StateOptionsDevice
	}
	logger := logwrap.New(discard.Discard())
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		api:       api,
		interval:  interval,
		source:    source,
		log:       logger,
		now:       now,
		listeners: make(map[int]func(Update)),
	}
}

// Setup reads the static device data and the first snapshot. A failure is
// terminal for this coordinator; build a new one to retry.
func (c *Coordinator) Setup(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseUninitialized {
		phase := c.phase
		c.mu.Unlock()
		return fmt.Errorf("ducobox setup already ran (phase %s)", phase)
	}
	c.mu.Unlock()

	c.flight.Lock()
	defer c.flight.Unlock()

	info, err := c.api.DeviceInfo(ctx)
	if err != nil {
		return c.failSetup(ctx, "Failed to get device info", err)
	}
	c.log.LogDebug(ctx, "Fetched device info.",
		logwrap.Datum("model", info.Model),
		logwrap.Datum("api_version", info.APIVersion),
		logwrap.Datum("serial", info.SerialNumber),
		logwrap.Datum("mac", info.MACAddress))

	states, err := c.loadStates(ctx)
	if err != nil {
		return c.failSetup(ctx, "Failed to get ventilation state options", err)
	}

	snapshot, err := c.api.State(ctx)
	if err != nil {
		return c.failSetup(ctx, "Failed to get data", err)
	}
	c.log.LogDebug(ctx, "Fetched data.", logwrap.Datum("state", StateDocument(snapshot)))

	at := c.now()
	c.mu.Lock()
	c.phase = PhaseReady
	c.info = info
	c.states = states
	c.snapshot = snapshot
	c.hasSnapshot = true
	c.lastSuccess = at
	c.stats.Polls++
	listeners := c.listenersLocked()
	c.mu.Unlock()

	notify(listeners, Update{Snapshot: snapshot, At: at})
	return nil
}

func (c *Coordinator) loadStates(ctx context.Context) ([]string, error) {
	if c.source == StateOptionsStatic {
		return slices.Clone(StaticVentilationStates), nil
	}
	states, err := c.api.ValidStates(ctx)
	if errors.Is(err, ErrIntrospectionUnsupported) {
		c.log.LogWarn(ctx, "Device does not list ventilation states, using built-in list.", logwrap.Err(err))
		return slices.Clone(StaticVentilationStates), nil
	}
	if err != nil {
		return nil, err
	}
	c.log.LogDebug(ctx, "Fetched ventilation state options.", logwrap.Datum("states", states))
	return states, nil
}

func (c *Coordinator) failSetup(ctx context.Context, cause string, err error) error {
	updateErr := &UpdateFailedError{Cause: fmt.Sprintf("%s: %v", cause, err), Err: err}
	c.mu.Lock()
	c.phase = PhaseSetupFailed
	c.lastErr = updateErr
	c.mu.Unlock()
	c.log.LogError(ctx, "Setup failed.", logwrap.Err(updateErr))
	return updateErr
}

// Start polls every interval until Stop or ctx is done. Ticks that find a
// refresh already running are skipped.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseReady {
		return ErrNotReady
	}
	if c.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.poll(ctx)
			}
		}
	}(c.done)
	return nil
}

// Stop ends polling and waits for an in-progress poll to return.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Coordinator) poll(ctx context.Context) {
	if !c.flight.TryLock() {
		c.mu.Lock()
		c.stats.SkippedTicks++
		c.mu.Unlock()
		c.log.LogDebug(ctx, "Skipping poll, refresh already in flight.")
		return
	}
	defer c.flight.Unlock()
	_ = c.refreshLocked(ctx)
}

// Refresh fetches a new snapshot now. Concurrent callers share one fetch,
// and a caller that waited out a poll or a write takes that result instead
// of fetching again. Cancelling ctx abandons the wait, not the shared fetch,
// which the client bounds with its request timeout.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if c.Phase() != PhaseReady {
		return ErrNotReady
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	seen := c.refreshCount()
	fetchCtx := context.WithoutCancel(ctx)
	result := c.group.DoChan("refresh", func() (any, error) {
		c.flight.Lock()
		defer c.flight.Unlock()
		if c.refreshCount() != seen {
			return nil, c.LastError()
		}
		return nil, c.refreshLocked(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-result:
		return res.Err
	}
}

func (c *Coordinator) refreshCount() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshes
}

// refreshLocked must be called with flight held.
func (c *Coordinator) refreshLocked(ctx context.Context) error {
	snapshot, err := c.api.State(ctx)
	if err != nil && ctx.Err() != nil {
		// The caller gave up; the device is not at fault.
		c.log.LogDebug(ctx, "Poll cancelled.", logwrap.Err(err))
		return ctx.Err()
	}
	at := c.now()

	c.mu.Lock()
	c.stats.Polls++
	c.refreshes++
	var update Update
	if err != nil {
		c.stats.Failures++
		err = &UpdateFailedError{Cause: fmt.Sprintf("Failed to get data: %v", err), Err: err}
		c.lastErr = err
		update = Update{Snapshot: c.snapshot, Err: err, At: at}
	} else {
		c.snapshot = snapshot
		c.hasSnapshot = true
		c.lastErr = nil
		c.lastSuccess = at
		update = Update{Snapshot: snapshot, At: at}
	}
	listeners := c.listenersLocked()
	c.mu.Unlock()

	if err != nil {
		c.log.LogWarn(ctx, "Poll failed.", logwrap.Err(err))
	} else {
		c.log.LogDebug(ctx, "Fetched data.", logwrap.Datum("state", StateDocument(snapshot)))
	}
	notify(listeners, update)
	return err
}

// SetVentilationState writes a new state and refreshes before returning.
// No poll can run between the write and the refresh. The device decides
// which states it accepts: anything but SUCCESS yields ErrCommandRejected.
// Only blank input is refused without asking it.
func (c *Coordinator) SetVentilationState(ctx context.Context, state string) error {
	if c.Phase() != PhaseReady {
		return ErrNotReady
	}
	want := strings.ToLower(strings.TrimSpace(state))
	if want == "" {
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}

	c.flight.Lock()
	defer c.flight.Unlock()

	ok, err := c.api.SetVentilationState(ctx, want)
	if err != nil {
		c.log.LogError(ctx, "Failed to set ventilation state.", logwrap.Datum("state", want), logwrap.Err(err))
		return fmt.Errorf("set ventilation state to %s: %w", want, err)
	}

	refreshErr := c.refreshLocked(ctx)
	if !ok {
		c.log.LogWarn(ctx, "Device rejected ventilation state.", logwrap.Datum("state", want))
		return fmt.Errorf("set ventilation state to %s: %w", want, ErrCommandRejected)
	}
	if refreshErr != nil {
		c.log.LogWarn(ctx, "Refresh after ventilation state change failed.", logwrap.Datum("state", want), logwrap.Err(refreshErr))
	}
	return nil
}

// Listen registers fn for every refresh attempt. The returned func removes it.
func (c *Coordinator) Listen(fn func(Update)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) listenersLocked() []func(Update) {
	out := make([]func(Update), 0, len(c.listeners))
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.listeners[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func notify(listeners []func(Update), update Update) {
	for _, fn := range listeners {
		fn(update)
	}
}

func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

func (c *Coordinator) DeviceInfo() DeviceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

func (c *Coordinator) ValidStates() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.states)
}

// Snapshot returns the last good snapshot. ok is false before the first
// successful poll.
func (c *Coordinator) Snapshot() (StateSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot, c.hasSnapshot
}

// LastError is nil when the most recent attempt succeeded.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Coordinator) LastSuccess() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}

// Available is false after setup failed or while the last poll failed.
func (c *Coordinator) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase == PhaseReady && c.lastErr == nil
}

func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Coordinator) Interval() time.Duration {
	return c.interval
}
