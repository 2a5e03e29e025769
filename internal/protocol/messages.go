// Package protocol defines the wire messages exchanged between node agents
// and the core over a persistent WebSocket session.
package protocol

import "encoding/json"

// Version is the protocol version the core currently speaks.
const Version = "1.1.0"

// SupportedVersions lists the versions a node may present at register time.
var SupportedVersions = []string{"1.0.0", "1.1.0"}

// Supported reports whether v is an accepted protocol version.
func Supported(v string) bool {
	for _, s := range SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}

// Message is the envelope for all wire messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Host statuses carried in host events.
const (
	HostStatusAwake  = "awake"
	HostStatusAsleep = "asleep"
)

// Message types (node → core)
const (
	TypeRegister       = "register"
	TypeHeartbeat      = "heartbeat"
	TypeHostDiscovered = "host-discovered"
	TypeHostUpdated    = "host-updated"
	TypeHostRemoved    = "host-removed"
	TypeScanComplete   = "scan-complete"
	TypeCommandResult  = "command-result"
)

// Message types (core → node)
const (
	TypeRegistered    = "registered"
	TypeWake          = "wake"
	TypeScan          = "scan"
	TypeScanHostPorts = "scan-host-ports"
	TypeUpdateHost    = "update-host"
	TypeDeleteHost    = "delete-host"
	TypePingHost      = "ping-host"
	TypeSleepHost     = "sleep-host"
	TypeShutdownHost  = "shutdown-host"
	TypePing          = "ping"
	TypeError         = "error"
)

// Inbound is implemented by every message a node sends to the core.
// The set is closed; dispatch is an exhaustive type switch.
type Inbound interface {
	inboundType() string
	validate() error
}

// Outbound is implemented by every message the core sends to a node.
type Outbound interface {
	outboundType() string
	validate() error
}

// InboundType returns the wire type tag of an inbound message.
func InboundType(m Inbound) string { return m.inboundType() }

// OutboundType returns the wire type tag of an outbound message.
func OutboundType(m Outbound) string { return m.outboundType() }

// RegisterMetadata carries versioning info presented at register time.
type RegisterMetadata struct {
	ProtocolVersion string `json:"protocolVersion"`
	AgentVersion    string `json:"agentVersion,omitempty"`
	Platform        string `json:"platform,omitempty"`
}

// RegisterPayload is sent by a node when connecting.
type RegisterPayload struct {
	NodeID       string           `json:"nodeId"`
	Name         string           `json:"name"`
	Location     string           `json:"location"` // free-form, e.g. "Home Office"
	AuthToken    string           `json:"authToken,omitempty"`
	PublicURL    string           `json:"publicUrl,omitempty"` // enables HTTP tunnel dispatch
	Capabilities []string         `json:"capabilities,omitempty"`
	Metadata     RegisterMetadata `json:"metadata"`
}

// RegisteredPayload is sent by the core to confirm registration.
type RegisteredPayload struct {
	HeartbeatInterval int    `json:"heartbeatInterval"` // seconds
	ProtocolVersion   string `json:"protocolVersion"`
}

// HeartbeatPayload is sent periodically by a registered node.
type HeartbeatPayload struct {
	NodeID    string `json:"nodeId"`
	Timestamp string `json:"timestamp,omitempty"` // RFC 3339
	Status    string `json:"status,omitempty"`
}

// Host describes one machine on a node's network segment.
type Host struct {
	Name           string   `json:"name"`
	Mac            string   `json:"mac"`
	SecondaryMacs  []string `json:"secondaryMacs,omitempty"`
	IP             string   `json:"ip,omitempty"`
	WolPort        int      `json:"wolPort,omitempty"` // 0 means agent default
	Status         string   `json:"status"`            // "awake" or "asleep"
	LastSeen       string   `json:"lastSeen,omitempty"`
	Discovered     bool     `json:"discovered"`
	PingResponsive *bool    `json:"pingResponsive,omitempty"` // nil when unknown
	Notes          string   `json:"notes,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// HostDiscoveredPayload is sent when a node finds a host it did not know.
type HostDiscoveredPayload struct {
	NodeID string `json:"nodeId"`
	Host   Host   `json:"host"`
}

// HostUpdatedPayload is sent when an already-known host changes.
type HostUpdatedPayload struct {
	NodeID string `json:"nodeId"`
	Host   Host   `json:"host"`
}

// HostRemovedPayload is sent when a node drops a host from its inventory.
type HostRemovedPayload struct {
	NodeID string `json:"nodeId"`
	Name   string `json:"name"`
}

// ScanCompletePayload is sent after a network scan finishes.
type ScanCompletePayload struct {
	NodeID     string `json:"nodeId"`
	HostsFound int    `json:"hostsFound"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// PingResult reports a host reachability probe.
type PingResult struct {
	Reachable bool    `json:"reachable"`
	LatencyMs float64 `json:"latencyMs,omitempty"`
}

// PortScanResult reports open TCP ports found on a host.
type PortScanResult struct {
	OpenPorts []int  `json:"openPorts"`
	ScannedAt string `json:"scannedAt,omitempty"`
}

// WakeVerification reports whether a host came up after a wake.
type WakeVerification struct {
	Awake      bool   `json:"awake"`
	Attempts   int    `json:"attempts,omitempty"`
	VerifiedAt string `json:"verifiedAt,omitempty"`
}

// CommandResultPayload correlates a node's answer to an issued command.
type CommandResultPayload struct {
	CommandID        string            `json:"commandId"`
	NodeID           string            `json:"nodeId,omitempty"`
	Success          bool              `json:"success"`
	Message          string            `json:"message,omitempty"`
	Error            string            `json:"error,omitempty"`
	HostPing         *PingResult       `json:"hostPing,omitempty"`
	HostPortScan     *PortScanResult   `json:"hostPortScan,omitempty"`
	WakeVerification *WakeVerification `json:"wakeVerification,omitempty"`
}

// WakePayload instructs a node to emit a Wake-on-LAN packet.
type WakePayload struct {
	CommandID string `json:"commandId"`
	Mac       string `json:"mac"`
	Name      string `json:"name,omitempty"`
	Port      int    `json:"port,omitempty"` // WoL port, 0 means agent default
	IP        string `json:"ip,omitempty"`   // broadcast hint
}

// ScanPayload instructs a node to scan its network segment.
type ScanPayload struct {
	CommandID string `json:"commandId"`
	Subnet    string `json:"subnet,omitempty"` // CIDR, empty means agent default
}

// ScanHostPortsPayload instructs a node to port-scan one host.
type ScanHostPortsPayload struct {
	CommandID string `json:"commandId"`
	Name      string `json:"name"`
	Mac       string `json:"mac,omitempty"`
	Ports     []int  `json:"ports,omitempty"` // empty means agent default set
}

// HostUpdates carries the mutable host fields for update-host.
// Nil fields are left unchanged by the agent.
type HostUpdates struct {
	Name    *string   `json:"name,omitempty"`
	Mac     *string   `json:"mac,omitempty"`
	IP      *string   `json:"ip,omitempty"`
	WolPort *int      `json:"wolPort,omitempty"`
	Notes   *string   `json:"notes,omitempty"`
	Tags    *[]string `json:"tags,omitempty"`
}

// UpdateHostPayload instructs a node to change a host's stored fields.
type UpdateHostPayload struct {
	CommandID string      `json:"commandId"`
	Name      string      `json:"name"`
	Updates   HostUpdates `json:"updates"`
}

// DeleteHostPayload instructs a node to drop a host from its inventory.
type DeleteHostPayload struct {
	CommandID string `json:"commandId"`
	Name      string `json:"name"`
}

// PingHostPayload instructs a node to probe a host.
type PingHostPayload struct {
	CommandID string `json:"commandId"`
	Name      string `json:"name"`
	IP        string `json:"ip,omitempty"`
}

// SleepHostPayload instructs a node to put a host to sleep.
type SleepHostPayload struct {
	CommandID string `json:"commandId"`
	Name      string `json:"name"`
}

// ShutdownHostPayload instructs a node to shut a host down.
type ShutdownHostPayload struct {
	CommandID string `json:"commandId"`
	Name      string `json:"name"`
}

// PingPayload is an application-level keepalive from the core.
type PingPayload struct {
	Timestamp string `json:"timestamp"` // RFC 3339
}

// ErrorPayload notifies a node of a protocol-level problem.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (*RegisterPayload) inboundType() string       { return TypeRegister }
func (*HeartbeatPayload) inboundType() string      { return TypeHeartbeat }
func (*HostDiscoveredPayload) inboundType() string { return TypeHostDiscovered }
func (*HostUpdatedPayload) inboundType() string    { return TypeHostUpdated }
func (*HostRemovedPayload) inboundType() string    { return TypeHostRemoved }
func (*ScanCompletePayload) inboundType() string   { return TypeScanComplete }
func (*CommandResultPayload) inboundType() string  { return TypeCommandResult }

func (*RegisteredPayload) outboundType() string    { return TypeRegistered }
func (*WakePayload) outboundType() string          { return TypeWake }
func (*ScanPayload) outboundType() string          { return TypeScan }
func (*ScanHostPortsPayload) outboundType() string { return TypeScanHostPorts }
func (*UpdateHostPayload) outboundType() string    { return TypeUpdateHost }
func (*DeleteHostPayload) outboundType() string    { return TypeDeleteHost }
func (*PingHostPayload) outboundType() string      { return TypePingHost }
func (*SleepHostPayload) outboundType() string     { return TypeSleepHost }
func (*ShutdownHostPayload) outboundType() string  { return TypeShutdownHost }
func (*PingPayload) outboundType() string          { return TypePing }
func (*ErrorPayload) outboundType() string         { return TypeError }
