package domain

import (
	"strings"
	"time"
)

// DeviceType classifies the client device behind a connection.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceUnknown DeviceType = "unknown"
)

// ParseDeviceType normalizes a client-supplied device type string. Anything
// outside the known set, including the empty string, maps to DeviceUnknown.
func ParseDeviceType(s string) DeviceType {
	switch DeviceType(strings.ToLower(strings.TrimSpace(s))) {
	case DeviceDesktop:
		return DeviceDesktop
	case DeviceMobile:
		return DeviceMobile
	case DeviceTablet:
		return DeviceTablet
	default:
		return DeviceUnknown
	}
}

// Metadata is what the transport knows about a connection at admission time.
type Metadata struct {
	DeviceType DeviceType
	DeviceID   string
	Extra      map[string]string
}

// Connection describes one admitted socket. The ID is the primary key
// everywhere; sockets themselves are never used as keys.
type Connection struct {
	ID          string     `json:"connection_id"`
	UserID      string     `json:"user_id"`
	DeviceType  DeviceType `json:"device_type"`
	DeviceID    string     `json:"device_id,omitempty"`
	ConnectedAt time.Time  `json:"connected_at"`
}

// Socket is the transport-agnostic write side of a client connection.
// Implementations must be safe for concurrent use: fan-out calls Send from
// many goroutines, and the reaper calls Ping concurrently with delivery.
type Socket interface {
	// Send queues payload for delivery. Must not block; a full client
	// buffer is an error, and callers treat any error as a dead socket.
	Send(payload []byte) error

	// Ping probes liveness at the transport level.
	Ping() error

	// Close tears the connection down, telling the peer why. Idempotent.
	Close(reason string) error
}

// HeldConnection pairs a connection descriptor with its live socket.
type HeldConnection struct {
	Connection Connection
	Socket     Socket
}
