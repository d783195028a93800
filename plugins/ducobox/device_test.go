package ducobox

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const infoBody = `{
  "General": {
    "Board": {
      "BoxName": {"Val": "SILENT_CONNECT"},
      "PublicApiVersion": {"Val": "2.5"},
      "SerialDucoBox": {"Val": "RS2105000123"}
    },
    "Lan": {"Mac": {"Val": "a8:03:2a:00:11:22"}}
  }
}`

const actionsBody = `{"Node":1,"Actions":[{"Action":"SetVentilationState","ValType":"Enum","Enum":["AUTO","AUT1","AUT2","AUT3","MAN1","MAN2","MAN3","EMPT","CNT1","CNT2","CNT3","MAN1x2","MAN2x2","MAN3x2","MAN1x3","MAN2x3","MAN3x3"]}]}`

func stateBody(state string, remain, end int64, mode string, flow, rh int) string {
	return fmt.Sprintf(`{
  "Node": 1,
  "Ventilation": {
    "State": {"Val": %q},
    "TimeStateRemain": {"Val": %d},
    "TimeStateEnd": {"Val": %d},
    "Mode": {"Val": %q},
    "FlowLvlTgt": {"Val": %d}
  },
  "Sensor": {"IaqRh": {"Val": %d}}
}`, state, remain, end, mode, flow, rh)
}

// fakeDevice serves the connectivity board endpoints from canned bodies.
type fakeDevice struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	info        string
	state       string
	actions     string
	infoStatus  int
	stateStatus int
	actStatus   int
	setResult   string
	stateDelay  time.Duration
	commands    []string
	stateCalls  int
	// onSet runs after a write is accepted, before the response is sent.
	onSet func(state string)
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	d := &fakeDevice{
		t:         t,
		info:      infoBody,
		state:     stateBody("AUTO", 0, 0, "AUTO", 25, 48),
		actions:   actionsBody,
		setResult: "SUCCESS",
	}
	d.server = httptest.NewServer(http.HandlerFunc(d.serve))
	t.Cleanup(d.server.Close)
	return d
}

func (d *fakeDevice) host() string {
	return strings.TrimPrefix(d.server.URL, "http://")
}

func (d *fakeDevice) client(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{Host: d.host(), Timeout: 2 * time.Second})
	require.NoError(t, err)
	return client
}

func (d *fakeDevice) set(fn func(d *fakeDevice)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

func (d *fakeDevice) commandLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func (d *fakeDevice) stateCallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateCalls
}

func (d *fakeDevice) serve(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/info":
		status, body := d.infoStatus, d.info
		d.mu.Unlock()
		write(w, status, body)
	case r.Method == http.MethodGet && r.URL.Path == "/info/nodes/1":
		d.stateCalls++
		status, body, delay := d.stateStatus, d.state, d.stateDelay
		d.mu.Unlock()
		if r.URL.Query().Get("parameter") != stateParameters {
			d.t.Errorf("unexpected parameter query %q", r.URL.RawQuery)
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		write(w, status, body)
	case r.Method == http.MethodGet && r.URL.Path == "/action/nodes/1":
		status, body := d.actStatus, d.actions
		d.mu.Unlock()
		write(w, status, body)
	case r.Method == http.MethodPost && r.URL.Path == "/action/nodes/1":
		d.mu.Unlock()
		payload, _ := io.ReadAll(r.Body)
		var cmd struct {
			Action string
			Val    string
		}
		if err := json.Unmarshal(payload, &cmd); err != nil || cmd.Action != "SetVentilationState" {
			d.t.Errorf("unexpected command body %s", payload)
		}
		d.mu.Lock()
		d.commands = append(d.commands, cmd.Val)
		result, onSet := d.setResult, d.onSet
		d.mu.Unlock()
		if onSet != nil && result == "SUCCESS" {
			onSet(cmd.Val)
		}
		write(w, 0, fmt.Sprintf(`{"Result":%q}`, result))
	default:
		d.mu.Unlock()
		http.NotFound(w, r)
	}
}

func write(w http.ResponseWriter, status int, body string) {
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
