package ducobox

import (
	"context"
	"errors"
)

// ProbeResult is what a host check learns before a device is configured.
type ProbeResult struct {
	Title    string
	UniqueID string
	Info     DeviceInfo
}

// Probe checks that host answers as a DucoBox. Connectivity problems match
// ErrConnectivity and a body that is not a DucoBox info document matches
// ErrMalformedResponse.
func Probe(ctx context.Context, host string) (ProbeResult, error) {
	client, err := NewClient(ClientConfig{Host: host})
	if err != nil {
		return ProbeResult{}, err
	}
	info, err := client.DeviceInfo(ctx)
	if err != nil {
		return ProbeResult{}, err
	}
	return ProbeResult{Title: info.Model, UniqueID: info.SerialNumber, Info: info}, nil
}

// ProbeErrorCode classifies a Probe failure as cannot_connect or unknown.
// Any failure talking to the device, including a garbled reply, is
// cannot_connect.
func ProbeErrorCode(err error) string {
	if errors.Is(err, ErrConnectivity) || errors.Is(err, ErrMalformedResponse) {
		return "cannot_connect"
	}
	return "unknown"
}
