package cluster

// Member tags
const (
	TagRole = "role"
	TagHTTP = "http"
)

// Node roles
const (
	RoleStore  = "store"
	RoleDevice = "device"
)

// Event types for device status broadcasts
const (
	EventDeviceStatus = "sync:status"
)

// Query types for cluster communication
const (
	QueryQueueDepth = "sync:queue-depth"
)

// DeviceStatusEvent is broadcast by a device when items are dead-lettered
// or its circuit breaker changes state.
type DeviceStatusEvent struct {
	Kind      string `json:"kind"`
	ItemID    string `json:"item_id,omitempty"`
	Operation string `json:"operation,omitempty"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Pending   int    `json:"pending"`
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
}

// QueueDepth is a device's answer to a queue-depth query
type QueueDepth struct {
	NodeID  string `json:"node_id"`
	Pending int    `json:"pending"`
	Breaker string `json:"breaker"`
}
