package domain

// Bus channel names. User messages and presence changes travel on separate
// channels so a slow consumer of one never delays the other.
const (
	ChannelMessages = "fanout:messages"
	ChannelPresence = "fanout:presence"
)

// Target selects the recipients of an envelope. Resolution priority on the
// receiving instance: ConnectionID exact match, then UserID+DeviceType,
// then all of the user's connections.
type Target struct {
	UserID       string     `json:"user_id,omitempty"`
	ConnectionID string     `json:"connection_id,omitempty"`
	DeviceType   DeviceType `json:"device_type,omitempty"`
}

// Envelope is the transient fan-out message published on the bus. Every
// instance, including the origin, evaluates it against its own local
// registry; InstanceID is carried for diagnostics only, never filtering.
type Envelope struct {
	Target     Target `json:"target"`
	Payload    []byte `json:"payload"`
	InstanceID string `json:"instance_id"`
	Timestamp  int64  `json:"ts"`
}

// Presence event types published on ChannelPresence.
const (
	EventUserOnline         = "user_online"
	EventUserOffline        = "user_offline"
	EventDeviceConnected    = "device_connected"
	EventDeviceDisconnected = "device_disconnected"
)

// PresenceEvent announces a presence or device transition to the cluster.
type PresenceEvent struct {
	Type         string     `json:"type"`
	UserID       string     `json:"user_id"`
	ConnectionID string     `json:"connection_id,omitempty"`
	DeviceType   DeviceType `json:"device_type,omitempty"`
	InstanceID   string     `json:"instance_id"`
	Timestamp    int64      `json:"ts"`
}
