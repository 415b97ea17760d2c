package upstream

import (
	"context"
	"fmt"
	"sync"
)

// FakeClient is an in-memory Client used by tests for the polling
// reconciler and the session-cache CRUD stub. cmd/ingressd also runs on it,
// since no real HTTP-backed Client is part of this core.
type FakeClient struct {
	mu      sync.Mutex
	devices map[string]DeviceInfo
	states  map[string][]AttributeState
	fail    map[string]error
}

// NewFakeClient creates an empty FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		devices: make(map[string]DeviceInfo),
		states:  make(map[string][]AttributeState),
		fail:    make(map[string]error),
	}
}

// SetDevice registers or replaces a device and its current attribute state.
func (f *FakeClient) SetDevice(d DeviceInfo, states []AttributeState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[d.ID] = d
	f.states[d.ID] = states
}

// FailNext makes the next GetDeviceStatus call for deviceID return err.
func (f *FakeClient) FailNext(deviceID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[deviceID] = err
}

// ListDevices returns every registered device matching any of the given
// capabilities (all devices if capabilities is empty).
func (f *FakeClient) ListDevices(_ context.Context, capabilities []string) ([]DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []DeviceInfo
	for _, d := range f.devices {
		if len(capabilities) == 0 || hasAny(d.Capabilities, capabilities) {
			out = append(out, d)
		}
	}
	return out, nil
}

// GetDeviceStatus returns the current attribute state for deviceID.
func (f *FakeClient) GetDeviceStatus(_ context.Context, deviceID string, _ []string) ([]AttributeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[deviceID]; err != nil {
		delete(f.fail, deviceID)
		return nil, err
	}
	return f.states[deviceID], nil
}

// ExecuteCommand is a no-op for the fake; it succeeds for any registered
// device and returns an error for an unknown deviceID.
func (f *FakeClient) ExecuteCommand(_ context.Context, deviceID, capability, command string, _ map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[deviceID]; !ok {
		return fmt.Errorf("unknown device %q", deviceID)
	}
	_ = capability
	_ = command
	return nil
}

func hasAny(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}
