package ducobox

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAPI struct {
	mu         sync.Mutex
	info       DeviceInfo
	states     []string
	statesErr  error
	snapshot   StateSnapshot
	stateErr   error
	stateCalls int
	setOK      bool
	setErr     error
	sets       []string
	// entered receives once per State call when non-nil; release gates it.
	entered chan struct{}
	release chan struct{}
}

func newStubAPI() *stubAPI {
	return &stubAPI{
		info:     DeviceInfo{Model: "Silent Connect", APIVersion: "2.5", SerialNumber: "S1"},
		states:   []string{"auto", "man1", "man2"},
		snapshot: StateSnapshot{VentilationState: ptr("auto")},
		setOK:    true,
	}
}

func (s *stubAPI) DeviceInfo(context.Context) (DeviceInfo, error) {
	return s.info, nil
}

func (s *stubAPI) ValidStates(context.Context) ([]string, error) {
	return s.states, s.statesErr
}

func (s *stubAPI) State(ctx context.Context) (StateSnapshot, error) {
	s.mu.Lock()
	s.stateCalls++
	entered, release := s.entered, s.release
	s.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot, s.stateErr
}

func (s *stubAPI) SetVentilationState(_ context.Context, state string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets = append(s.sets, state)
	return s.setOK, s.setErr
}

func (s *stubAPI) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateCalls
}

func ptr[T any](v T) *T { return &v }

func readyCoordinator(t *testing.T, api deviceAPI, cfg CoordinatorConfig) *Coordinator {
	t.Helper()
	c := NewCoordinator(api, cfg)
	require.NoError(t, c.Setup(context.Background()))
	return c
}

func TestSetup(t *testing.T) {
	device := newFakeDevice(t)
	c := readyCoordinator(t, device.client(t), CoordinatorConfig{})

	assert.Equal(t, PhaseReady, c.Phase())
	assert.True(t, c.Available())
	assert.Equal(t, "RS2105000123", c.DeviceInfo().SerialNumber)
	states := c.ValidStates()
	assert.Len(t, states, 17)
	assert.Equal(t, "auto", states[0])
	assert.Contains(t, states, "man3x3")

	snapshot, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "auto", *snapshot.VentilationState)
	assert.False(t, c.LastSuccess().IsZero())
	assert.NoError(t, c.LastError())
}

func TestSetupUnreachable(t *testing.T) {
	device := newFakeDevice(t)
	client := device.client(t)
	device.server.Close()

	c := NewCoordinator(client, CoordinatorConfig{})
	err := c.Setup(context.Background())
	require.Error(t, err)

	var updateErr *UpdateFailedError
	require.True(t, errors.As(err, &updateErr))
	assert.True(t, strings.HasPrefix(updateErr.Cause, "Failed to get device info: "))
	assert.ErrorIs(t, err, ErrConnectivity)

	assert.Equal(t, PhaseSetupFailed, c.Phase())
	assert.False(t, c.Available())
	_, ok := c.Snapshot()
	assert.False(t, ok)

	_, err = NewEntities(c, device.host())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, c.Refresh(context.Background()), ErrNotReady)
	assert.ErrorIs(t, c.Start(context.Background()), ErrNotReady)
	assert.Error(t, c.Setup(context.Background()))
}

func TestSetupMalformedInfoAborts(t *testing.T) {
	device := newFakeDevice(t)
	device.set(func(d *fakeDevice) { d.info = `{"General":{}}` })

	c := NewCoordinator(device.client(t), CoordinatorConfig{})
	err := c.Setup(context.Background())
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.Equal(t, PhaseSetupFailed, c.Phase())
}

func TestSetupFallsBackWhenIntrospectionMissing(t *testing.T) {
	device := newFakeDevice(t)
	device.set(func(d *fakeDevice) { d.actStatus = http.StatusNotFound })

	c := readyCoordinator(t, device.client(t), CoordinatorConfig{})
	assert.Equal(t, StaticVentilationStates, c.ValidStates())
}

func TestSetupIntrospectionFailureAborts(t *testing.T) {
	device := newFakeDevice(t)
	device.set(func(d *fakeDevice) { d.actStatus = http.StatusInternalServerError })

	c := NewCoordinator(device.client(t), CoordinatorConfig{})
	err := c.Setup(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectivity)
	assert.Contains(t, err.Error(), "Failed to get ventilation state options")
	assert.Equal(t, PhaseSetupFailed, c.Phase())
}

func TestSetupStaticOptionsSkipsIntrospection(t *testing.T) {
	device := newFakeDevice(t)
	device.set(func(d *fakeDevice) { d.actStatus = http.StatusInternalServerError })

	c := readyCoordinator(t, device.client(t), CoordinatorConfig{StateOptions: StateOptionsStatic})
	assert.Equal(t, StaticVentilationStates, c.ValidStates())
}

func TestSetupFirstPollFailureAborts(t *testing.T) {
	device := newFakeDevice(t)
	device.set(func(d *fakeDevice) { d.stateStatus = http.StatusServiceUnavailable })

	c := NewCoordinator(device.client(t), CoordinatorConfig{})
	err := c.Setup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to get data")
	assert.Equal(t, PhaseSetupFailed, c.Phase())
}

func TestPollTimeoutKeepsLastSnapshot(t *testing.T) {
	device := newFakeDevice(t)
	client, err := NewClient(ClientConfig{Host: device.host(), Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	c := readyCoordinator(t, client, CoordinatorConfig{})
	before, _ := c.Snapshot()
	infoBefore, statesBefore := c.DeviceInfo(), c.ValidStates()

	var updates []Update
	cancel := c.Listen(func(u Update) { updates = append(updates, u) })
	defer cancel()

	device.set(func(d *fakeDevice) { d.stateDelay = time.Second })
	err = c.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	var updateErr *UpdateFailedError
	require.True(t, errors.As(err, &updateErr))
	assert.True(t, strings.HasPrefix(updateErr.Cause, "Failed to get data: "))

	assert.Equal(t, PhaseReady, c.Phase())
	assert.False(t, c.Available())
	assert.Equal(t, err, c.LastError())
	after, ok := c.Snapshot()
	require.True(t, ok)
	assert.True(t, before.Equal(after))

	device.set(func(d *fakeDevice) {
		d.stateDelay = 0
		d.state = stateBody("MAN1", 600, 0, "MANU", 50, 40)
	})
	require.NoError(t, c.Refresh(context.Background()))
	assert.True(t, c.Available())
	assert.NoError(t, c.LastError())
	after, _ = c.Snapshot()
	assert.Equal(t, "man1", *after.VentilationState)

	assert.Equal(t, infoBefore, c.DeviceInfo())
	assert.Equal(t, statesBefore, c.ValidStates())

	require.Len(t, updates, 2)
	assert.Error(t, updates[0].Err)
	assert.True(t, before.Equal(updates[0].Snapshot))
	assert.NoError(t, updates[1].Err)

	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.Polls)
	assert.Equal(t, uint64(1), stats.Failures)
}

func TestConsecutivePollsAreEqual(t *testing.T) {
	device := newFakeDevice(t)
	c := readyCoordinator(t, device.client(t), CoordinatorConfig{})

	require.NoError(t, c.Refresh(context.Background()))
	first, _ := c.Snapshot()
	require.NoError(t, c.Refresh(context.Background()))
	second, _ := c.Snapshot()

	assert.True(t, first.Equal(second))
	assert.Equal(t, first, second)
}

func TestSetVentilationStateRoundTrip(t *testing.T) {
	device := newFakeDevice(t)
	device.set(func(d *fakeDevice) {
		d.state = stateBody("MAN1", 600, 0, "MANU", 50, 40)
		d.onSet = func(state string) {
			d.set(func(d *fakeDevice) { d.state = stateBody(state, 0, 0, "AUTO", 25, 40) })
		}
	})
	c := readyCoordinator(t, device.client(t), CoordinatorConfig{})

	require.NoError(t, c.SetVentilationState(context.Background(), "auto"))

	assert.Equal(t, []string{"AUTO"}, device.commandLog())
	snapshot, _ := c.Snapshot()
	assert.Equal(t, "auto", *snapshot.VentilationState)
	assert.Equal(t, "auto", *snapshot.Mode)
}

func TestSetVentilationStateRejected(t *testing.T) {
	device := newFakeDevice(t)
	device.set(func(d *fakeDevice) { d.setResult = "FAIL" })
	c := readyCoordinator(t, device.client(t), CoordinatorConfig{})
	require.NotContains(t, c.ValidStates(), "manu")
	callsBefore := device.stateCallCount()

	err := c.SetVentilationState(context.Background(), "manu")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandRejected)
	assert.NotErrorIs(t, err, ErrInvalidState)
	assert.NotErrorIs(t, err, ErrConnectivity)

	assert.Equal(t, []string{"MANU"}, device.commandLog())
	assert.Equal(t, callsBefore+1, device.stateCallCount())
	snapshot, _ := c.Snapshot()
	assert.Equal(t, "auto", *snapshot.VentilationState)
	assert.True(t, c.Available())
}

func TestSetVentilationStateBlank(t *testing.T) {
	api := newStubAPI()
	c := readyCoordinator(t, api, CoordinatorConfig{})

	for _, state := range []string{"", "  ", "\n"} {
		assert.ErrorIs(t, c.SetVentilationState(context.Background(), state), ErrInvalidState)
	}
	assert.Empty(t, api.sets)

	require.NoError(t, c.SetVentilationState(context.Background(), " MAN2 "))
	require.NoError(t, c.SetVentilationState(context.Background(), "turbo"))
	assert.Equal(t, []string{"man2", "turbo"}, api.sets)
}

func TestSetVentilationStateTransportFailure(t *testing.T) {
	api := newStubAPI()
	c := readyCoordinator(t, api, CoordinatorConfig{})
	callsBefore := api.calls()

	api.setErr = &Error{Op: "set ventilation state", Kind: ErrConnectivity}
	err := c.SetVentilationState(context.Background(), "man1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectivity)
	assert.NotErrorIs(t, err, ErrCommandRejected)
	assert.Equal(t, callsBefore, api.calls())
	assert.NoError(t, c.LastError())
}

func TestPollSkipsWhileRefreshInFlight(t *testing.T) {
	api := newStubAPI()
	c := readyCoordinator(t, api, CoordinatorConfig{})

	api.mu.Lock()
	api.entered = make(chan struct{}, 1)
	api.release = make(chan struct{})
	api.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background()) }()
	<-api.entered

	c.poll(context.Background())
	assert.Equal(t, uint64(1), c.Stats().SkippedTicks)

	close(api.release)
	require.NoError(t, <-done)
	assert.Equal(t, 2, api.calls())
}

func TestRefreshWaitingOnPollUsesItsResult(t *testing.T) {
	api := newStubAPI()
	c := readyCoordinator(t, api, CoordinatorConfig{})

	api.mu.Lock()
	api.entered = make(chan struct{}, 1)
	api.release = make(chan struct{})
	api.mu.Unlock()

	polled := make(chan struct{})
	go func() {
		defer close(polled)
		c.poll(context.Background())
	}()
	<-api.entered

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	api.mu.Lock()
	api.entered = nil
	api.stateErr = errors.New("connection refused")
	api.mu.Unlock()
	close(api.release)
	<-polled

	err := <-done
	require.Error(t, err)
	assert.Equal(t, c.LastError(), err)
	assert.Equal(t, 2, api.calls())
	assert.Equal(t, uint64(2), c.Stats().Polls)
}

func TestRefreshWithCancelledContext(t *testing.T) {
	api := newStubAPI()
	c := readyCoordinator(t, api, CoordinatorConfig{})
	updates := 0
	c.Listen(func(Update) { updates++ })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Refresh(ctx), context.Canceled)

	assert.True(t, c.Available())
	assert.NoError(t, c.LastError())
	assert.Equal(t, uint64(0), c.Stats().Failures)
	assert.Equal(t, 0, updates)
}

func TestRefreshCallerCancelDoesNotAbortFetch(t *testing.T) {
	api := newStubAPI()
	c := readyCoordinator(t, api, CoordinatorConfig{})

	api.mu.Lock()
	api.entered = make(chan struct{}, 1)
	api.release = make(chan struct{})
	api.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Refresh(ctx) }()
	<-api.entered
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	api.mu.Lock()
	api.entered = nil
	api.snapshot = StateSnapshot{VentilationState: ptr("man1")}
	api.mu.Unlock()
	close(api.release)

	require.Eventually(t, func() bool { return c.Stats().Polls == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, c.Available())
	assert.Equal(t, uint64(0), c.Stats().Failures)
	snapshot, _ := c.Snapshot()
	assert.Equal(t, "man1", *snapshot.VentilationState)
}

func TestCancelledPollIsNotAFailure(t *testing.T) {
	api := newStubAPI()
	c := readyCoordinator(t, api, CoordinatorConfig{})
	var updates []Update
	c.Listen(func(u Update) { updates = append(updates, u) })

	api.mu.Lock()
	api.entered = make(chan struct{}, 1)
	api.release = make(chan struct{})
	api.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		c.poll(ctx)
	}()
	<-api.entered
	cancel()

	api.mu.Lock()
	api.stateErr = &Error{Op: "get state", Kind: ErrConnectivity, Err: context.Canceled}
	api.mu.Unlock()
	close(api.release)
	<-polled

	assert.True(t, c.Available())
	assert.NoError(t, c.LastError())
	assert.Equal(t, Stats{Polls: 1}, c.Stats())
	assert.Empty(t, updates)
}

func TestConcurrentRefreshesShareOneFetch(t *testing.T) {
	api := newStubAPI()
	c := readyCoordinator(t, api, CoordinatorConfig{})

	api.mu.Lock()
	api.entered = make(chan struct{}, 8)
	api.release = make(chan struct{})
	api.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Refresh(context.Background())
		}()
	}
	<-api.entered
	time.Sleep(100 * time.Millisecond)
	close(api.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 2, api.calls())
}

func TestStartPollsUntilStopped(t *testing.T) {
	api := newStubAPI()
	c := readyCoordinator(t, api, CoordinatorConfig{PollInterval: 10 * time.Millisecond})

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return api.calls() >= 4 }, time.Second, 5*time.Millisecond)

	c.Stop()
	stopped := api.calls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, api.calls())
	c.Stop()
}

func TestPollFailureDoesNotStopPolling(t *testing.T) {
	api := newStubAPI()
	c := readyCoordinator(t, api, CoordinatorConfig{PollInterval: 10 * time.Millisecond})

	api.mu.Lock()
	api.stateErr = &Error{Op: "state", Kind: ErrConnectivity, Err: ErrTimeout}
	api.mu.Unlock()

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.Eventually(t, func() bool { return c.Stats().Failures >= 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, c.Available())

	api.mu.Lock()
	api.stateErr = nil
	api.mu.Unlock()
	require.Eventually(t, c.Available, time.Second, 5*time.Millisecond)
}

func TestListenCancel(t *testing.T) {
	api := newStubAPI()
	c := readyCoordinator(t, api, CoordinatorConfig{})

	var mu sync.Mutex
	count := 0
	cancel := c.Listen(func(Update) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, c.Refresh(context.Background()))
	cancel()
	require.NoError(t, c.Refresh(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}
