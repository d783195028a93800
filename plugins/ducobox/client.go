package ducobox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultRequestTimeout = 10 * time.Second

	boxNode         = 1
	infoParameters  = "BoxName,PublicApiVersion,SerialDucoBox,Mac"
	stateParameters = "State,TimeStateRemain,TimeStateEnd,Mode,FlowLvlTgt,IaqRh"
	actionSetState  = "SetVentilationState"
)

// All clients in the process share one connection pool.
var sharedTransport = http.DefaultTransport.(*http.Transport).Clone()

// ClientConfig configures a Client. HTTPClient is optional.
type ClientConfig struct {
	Host       string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the local API of a Duco connectivity board. It holds no
// device state.
type Client struct {
	baseURL    string
	host       string
	timeout    time.Duration
	httpClient *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, fmt.Errorf("ducobox host is required")
	}
	baseURL := host
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("ducobox host %q is not a valid address", cfg.Host)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: sharedTransport, Timeout: timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		host:       parsed.Host,
		timeout:    timeout,
		httpClient: httpClient,
	}, nil
}

// Host returns the host[:port] the client addresses.
func (c *Client) Host() string {
	return c.host
}

// BaseURL returns the scheme and host used for requests.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) DeviceInfo(ctx context.Context) (DeviceInfo, error) {
	const op = "device info"
	payload, err := c.get(ctx, op, "/info", url.Values{"parameter": {infoParameters}})
	if err != nil {
		return DeviceInfo{}, err
	}
	if !gjson.ValidBytes(payload) {
		return DeviceInfo{}, c.malformed(op, "/info", "", errors.New("invalid json"))
	}

	var info DeviceInfo
	required := []struct {
		path string
		dest *string
	}{
		{"General.Board.BoxName", &info.Model},
		{"General.Board.PublicApiVersion", &info.APIVersion},
		{"General.Board.SerialDucoBox", &info.SerialNumber},
	}
	for _, field := range required {
		value, ok := stringVal(payload, field.path)
		if !ok {
			return DeviceInfo{}, c.malformed(op, "/info", field.path, nil)
		}
		*field.dest = value
	}
	info.Model = ModelName(info.Model)
	if mac, ok := stringVal(payload, "General.Lan.Mac"); ok {
		info.MACAddress = mac
	}
	return info, nil
}

func (c *Client) State(ctx context.Context) (StateSnapshot, error) {
	const op = "state"
	path := nodePath("/info/nodes")
	payload, err := c.get(ctx, op, path, url.Values{"parameter": {stateParameters}})
	if err != nil {
		return StateSnapshot{}, err
	}
	if !gjson.ValidBytes(payload) {
		return StateSnapshot{}, c.malformed(op, path, "", errors.New("invalid json"))
	}

	var snapshot StateSnapshot
	if value, ok := stringVal(payload, "Ventilation.State"); ok {
		state := strings.ToLower(value)
		snapshot.VentilationState = &state
	}
	if value, ok := intVal(payload, "Ventilation.TimeStateRemain"); ok {
		remain := int(value)
		snapshot.TimeRemainingSeconds = &remain
	}
	if value, ok := intVal(payload, "Ventilation.TimeStateEnd"); ok {
		snapshot.StateEndEpoch = &value
	}
	if value, ok := stringVal(payload, "Ventilation.Mode"); ok {
		mode := strings.ToLower(value)
		snapshot.Mode = &mode
	}
	if value, ok := intVal(payload, "Ventilation.FlowLvlTgt"); ok {
		flow := int(value)
		snapshot.TargetFlowPercent = &flow
	}
	if value, ok := intVal(payload, "Sensor.IaqRh"); ok {
		rh := int(value)
		snapshot.RelativeHumidityPercent = &rh
	}
	return snapshot, nil
}

// ValidStates asks the device which values SetVentilationState accepts.
// A 404 is reported as ErrIntrospectionUnsupported.
func (c *Client) ValidStates(ctx context.Context) ([]string, error) {
	const op = "valid states"
	path := nodePath("/action/nodes")
	payload, err := c.get(ctx, op, path, url.Values{"action": {actionSetState}})
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(payload) {
		return nil, c.malformed(op, path, "", errors.New("invalid json"))
	}

	actions := gjson.GetBytes(payload, "Actions")
	if !actions.IsArray() || len(actions.Array()) == 0 {
		return nil, c.malformed(op, path, "Actions", nil)
	}
	enum := actions.Array()[0].Get("Enum")
	if !enum.IsArray() {
		return nil, c.malformed(op, path, "Actions.0.Enum", nil)
	}
	raw := make([]string, 0, len(enum.Array()))
	for _, item := range enum.Array() {
		if item.Type == gjson.String {
			raw = append(raw, item.String())
		}
	}
	states := normalizeStates(raw)
	if len(states) == 0 {
		return nil, c.malformed(op, path, "Actions.0.Enum", nil)
	}
	return states, nil
}

// SetVentilationState reports whether the device accepted the new state. A
// false result with a nil error is a soft failure.
func (c *Client) SetVentilationState(ctx context.Context, state string) (bool, error) {
	const op = "set ventilation state"
	body, err := json.Marshal(map[string]string{
		"Action": actionSetState,
		"Val":    strings.ToUpper(state),
	})
	if err != nil {
		return false, fmt.Errorf("encode command: %w", err)
	}
	payload, err := c.do(ctx, op, http.MethodPost, nodePath("/action/nodes"), nil, body)
	if err != nil {
		return false, err
	}
	return gjson.GetBytes(payload, "Result").String() == "SUCCESS", nil
}

func (c *Client) get(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	return c.do(ctx, op, http.MethodGet, path, query, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body []byte) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.connectivity(op, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.connectivity(op, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := ErrConnectivity
		if resp.StatusCode == http.StatusNotFound && method == http.MethodGet && strings.HasPrefix(path, "/action/") {
			kind = ErrIntrospectionUnsupported
		}
		return nil, &Error{
			Op:   op,
			URL:  c.baseURL + path,
			Kind: kind,
			Err:  fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))),
		}
	}

	return payload, nil
}

func (c *Client) connectivity(op, path string, err error) error {
	if isTimeout(err) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return &Error{Op: op, URL: c.baseURL + path, Kind: ErrConnectivity, Err: err}
}

func (c *Client) malformed(op, path, field string, err error) error {
	return &Error{Op: op, URL: c.baseURL + path, Field: field, Kind: ErrMalformedResponse, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func nodePath(prefix string) string {
	return fmt.Sprintf("%s/%d", prefix, boxNode)
}

// Leaf values on the wire are wrapped as {"Val": ...}. A missing wrapper or
// Val key reads as absent.
func nestedVal(payload []byte, path string) gjson.Result {
	return gjson.GetBytes(payload, path+".Val")
}

func stringVal(payload []byte, path string) (string, bool) {
	res := nestedVal(payload, path)
	switch res.Type {
	case gjson.String:
		return res.String(), true
	case gjson.Number:
		return res.Raw, true
	default:
		return "", false
	}
}

func intVal(payload []byte, path string) (int64, bool) {
	res := nestedVal(payload, path)
	if res.Type != gjson.Number {
		return 0, false
	}
	return res.Int(), true
}
