// Package controlplane carries the out-of-band control messages and
// persisted configuration keys spec.md §6 describes, over a concrete
// transport: Redis pub/sub for "watch" notifications and a Redis list
// per direction for the request/response control messages themselves.
// This stands in for the xenstore configuration store spec.md treats
// as an external collaborator.
package controlplane

// Handle identifies one frontend/backend interface pair, the same
// integer both sides persist under the "handle" configuration key.
type Handle uint32

// MessageType discriminates the control messages of spec.md §6.
type MessageType string

const (
	MsgDriverStatusUp   MessageType = "DriverStatusUp"
	MsgDriverStatusDown MessageType = "DriverStatusDown"
	MsgInterfaceConnect MessageType = "InterfaceConnect"
	MsgInterfaceStatus  MessageType = "InterfaceStatus"
	MsgDisconnect       MessageType = "Disconnect"
	MsgCreditLimit      MessageType = "CreditLimit"
)

// Status mirrors ifstate.State as seen over the wire (the control
// plane only ever carries Disconnected/Connected/Closed/Changed, never
// the backend-local Disconnecting state).
type Status string

const (
	StatusClosed       Status = "Closed"
	StatusDisconnected Status = "Disconnected"
	StatusConnected    Status = "Connected"
	StatusChanged      Status = "Changed"
)

// Message is the envelope carried over the control channel. Exactly
// one of the typed payload fields is populated, selected by Type —
// modeled as a flat struct rather than an interface{} payload so it
// round-trips through JSON without a registry.
type Message struct {
	Type MessageType `json:"type"`

	Handle Handle `json:"handle"`

	// InterfaceConnect payload.
	RingFrame uint64 `json:"ring_frame,omitempty"`
	RingGref  uint16 `json:"ring_gref,omitempty"`

	// InterfaceStatus payload.
	Status    Status `json:"status,omitempty"`
	Evtchn    uint32 `json:"evtchn,omitempty"`
	PeerDomID uint16 `json:"peer_domid,omitempty"`
	MAC       string `json:"mac,omitempty"`

	// CreditLimit payload.
	CreditBytes uint64 `json:"credit_bytes,omitempty"`
	CreditUsec  uint64 `json:"credit_usec,omitempty"`
}

// ConfigKeys are the persisted string key-value pairs of spec.md §6.
const (
	KeyHandle           = "handle"
	KeyMAC               = "mac"
	KeyRate              = "rate" // "bytes,usec"
	KeyFeatureSG         = "feature-sg"
	KeyFeatureRXNotify   = "feature-rx-notify"
	KeyTXRingRef         = "tx-ring-ref"
	KeyRXRingRef         = "rx-ring-ref"
	KeyEventChannel      = "event-channel"
)
