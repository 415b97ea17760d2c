// Package upstream declares the boundary interface to the device-platform
// cloud (SmartThings being the primary). The concrete authenticated HTTP
// client is out of scope for this core (spec.md §1) — only the shape the
// polling reconciler and the CRUD pass-through need is declared here.
package upstream

import "context"

// DeviceInfo is the upstream's device directory entry.
type DeviceInfo struct {
	ID           string
	Name         string
	RoomID       string
	Capabilities []string
	Online       bool
}

// AttributeState is a single (capability, attribute) reading.
type AttributeState struct {
	Capability string
	Attribute  string
	Value      interface{}
}

// Client is the subset of the device-platform REST client this core
// depends on: listing devices and reading their current attribute state.
// ExecuteCommand is declared for completeness; nothing in this module calls
// it (the CRUD pass-through only lists devices and rooms).
type Client interface {
	ListDevices(ctx context.Context, capabilities []string) ([]DeviceInfo, error)
	GetDeviceStatus(ctx context.Context, deviceID string, capabilities []string) ([]AttributeState, error)
	ExecuteCommand(ctx context.Context, deviceID, capability, command string, args map[string]interface{}) error
}
