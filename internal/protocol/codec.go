package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Directions for InvalidPayloadError.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Payload bounds. Frames exceeding these fail validation.
const (
	maxNameLen       = 256
	maxNotesLen      = 1024
	maxSecondaryMacs = 8
	maxTags          = 64
	maxTagLen        = 64
	maxCapabilities  = 32
	maxOpenPorts     = 4096
)

// InvalidPayloadError reports a frame that failed schema validation.
type InvalidPayloadError struct {
	Direction string // "inbound" or "outbound"
	Type      string // wire type tag, or "unknown" if the envelope did not parse
	Err       error
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid %s payload %q: %v", e.Direction, e.Type, e.Err)
}

func (e *InvalidPayloadError) Unwrap() error { return e.Err }

// DecodeInbound parses and validates a frame received from a node.
func DecodeInbound(data []byte) (Inbound, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &InvalidPayloadError{Direction: DirectionInbound, Type: "unknown", Err: err}
	}

	var target Inbound
	switch msg.Type {
	case TypeRegister:
		target = &RegisterPayload{}
	case TypeHeartbeat:
		target = &HeartbeatPayload{}
	case TypeHostDiscovered:
		target = &HostDiscoveredPayload{}
	case TypeHostUpdated:
		target = &HostUpdatedPayload{}
	case TypeHostRemoved:
		target = &HostRemovedPayload{}
	case TypeScanComplete:
		target = &ScanCompletePayload{}
	case TypeCommandResult:
		target = &CommandResultPayload{}
	default:
		return nil, &InvalidPayloadError{Direction: DirectionInbound, Type: msg.Type, Err: errors.New("unknown message type")}
	}

	if err := unmarshalPayload(msg.Payload, target); err != nil {
		return nil, &InvalidPayloadError{Direction: DirectionInbound, Type: msg.Type, Err: err}
	}
	if err := target.validate(); err != nil {
		return nil, &InvalidPayloadError{Direction: DirectionInbound, Type: msg.Type, Err: err}
	}
	return target, nil
}

// DecodeOutbound parses and validates a frame addressed to a node.
func DecodeOutbound(data []byte) (Outbound, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &InvalidPayloadError{Direction: DirectionOutbound, Type: "unknown", Err: err}
	}
	return OutboundPayload(msg.Type, msg.Payload)
}

// OutboundPayload validates a raw payload against the rules for msgType.
// Used when replaying stored commands, where type and payload travel apart.
func OutboundPayload(msgType string, raw json.RawMessage) (Outbound, error) {
	var target Outbound
	switch msgType {
	case TypeRegistered:
		target = &RegisteredPayload{}
	case TypeWake:
		target = &WakePayload{}
	case TypeScan:
		target = &ScanPayload{}
	case TypeScanHostPorts:
		target = &ScanHostPortsPayload{}
	case TypeUpdateHost:
		target = &UpdateHostPayload{}
	case TypeDeleteHost:
		target = &DeleteHostPayload{}
	case TypePingHost:
		target = &PingHostPayload{}
	case TypeSleepHost:
		target = &SleepHostPayload{}
	case TypeShutdownHost:
		target = &ShutdownHostPayload{}
	case TypePing:
		target = &PingPayload{}
	case TypeError:
		target = &ErrorPayload{}
	default:
		return nil, &InvalidPayloadError{Direction: DirectionOutbound, Type: msgType, Err: errors.New("unknown message type")}
	}

	if err := unmarshalPayload(raw, target); err != nil {
		return nil, &InvalidPayloadError{Direction: DirectionOutbound, Type: msgType, Err: err}
	}
	if err := target.validate(); err != nil {
		return nil, &InvalidPayloadError{Direction: DirectionOutbound, Type: msgType, Err: err}
	}
	return target, nil
}

// Encode validates an outbound message and marshals its wire envelope.
func Encode(out Outbound) ([]byte, error) {
	if err := out.validate(); err != nil {
		return nil, &InvalidPayloadError{Direction: DirectionOutbound, Type: out.outboundType(), Err: err}
	}
	msg, err := NewMessage(out.outboundType(), out)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// EncodeInbound validates a node-side message and marshals its envelope.
func EncodeInbound(in Inbound) ([]byte, error) {
	if err := in.validate(); err != nil {
		return nil, &InvalidPayloadError{Direction: DirectionInbound, Type: in.inboundType(), Err: err}
	}
	msg, err := NewMessage(in.inboundType(), in)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func unmarshalPayload(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	return json.Unmarshal(raw, target)
}

func requireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	if len(value) > maxNameLen {
		return fmt.Errorf("%s exceeds %d bytes", name, maxNameLen)
	}
	return nil
}

func validMac(mac string) error {
	if _, err := net.ParseMAC(mac); err != nil {
		return fmt.Errorf("invalid mac %q", mac)
	}
	return nil
}

// validTimestamp checks an RFC 3339 string; empty is allowed unless required.
func validTimestamp(name, value string, required bool) error {
	if value == "" {
		if required {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
	if _, err := time.Parse(time.RFC3339, value); err != nil {
		return fmt.Errorf("%s is not a valid timestamp: %v", name, err)
	}
	return nil
}

func validPort(name string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s out of range: %d", name, port)
	}
	return nil
}

func validPorts(ports []int) error {
	if len(ports) > maxOpenPorts {
		return fmt.Errorf("port list exceeds %d entries", maxOpenPorts)
	}
	for _, p := range ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("port out of range: %d", p)
		}
	}
	return nil
}

func (p *RegisterPayload) validate() error {
	if err := requireField("nodeId", p.NodeID); err != nil {
		return err
	}
	if err := requireField("name", p.Name); err != nil {
		return err
	}
	if len(p.Location) > maxNameLen {
		return fmt.Errorf("location exceeds %d bytes", maxNameLen)
	}
	if len(p.Capabilities) > maxCapabilities {
		return fmt.Errorf("capabilities exceed %d entries", maxCapabilities)
	}
	for _, c := range p.Capabilities {
		if c == "" || len(c) > maxTagLen {
			return errors.New("invalid capability entry")
		}
	}
	// protocolVersion membership is a session-level concern (close 4406),
	// not a schema failure.
	return nil
}

func (p *HeartbeatPayload) validate() error {
	if err := requireField("nodeId", p.NodeID); err != nil {
		return err
	}
	return validTimestamp("timestamp", p.Timestamp, false)
}

func (h *Host) validate() error {
	if err := requireField("name", h.Name); err != nil {
		return err
	}
	if err := validMac(h.Mac); err != nil {
		return err
	}
	if len(h.SecondaryMacs) > maxSecondaryMacs {
		return fmt.Errorf("secondaryMacs exceed %d entries", maxSecondaryMacs)
	}
	for _, m := range h.SecondaryMacs {
		if err := validMac(m); err != nil {
			return err
		}
	}
	if h.IP != "" && net.ParseIP(h.IP) == nil {
		return fmt.Errorf("invalid ip %q", h.IP)
	}
	if err := validPort("wolPort", h.WolPort); err != nil {
		return err
	}
	if h.Status != HostStatusAwake && h.Status != HostStatusAsleep {
		return fmt.Errorf("invalid status %q", h.Status)
	}
	if err := validTimestamp("lastSeen", h.LastSeen, false); err != nil {
		return err
	}
	if len(h.Notes) > maxNotesLen {
		return fmt.Errorf("notes exceed %d bytes", maxNotesLen)
	}
	if len(h.Tags) > maxTags {
		return fmt.Errorf("tags exceed %d entries", maxTags)
	}
	for _, t := range h.Tags {
		if t == "" || len(t) > maxTagLen {
			return errors.New("invalid tag entry")
		}
	}
	return nil
}

func (p *HostDiscoveredPayload) validate() error {
	if err := requireField("nodeId", p.NodeID); err != nil {
		return err
	}
	return p.Host.validate()
}

func (p *HostUpdatedPayload) validate() error {
	if err := requireField("nodeId", p.NodeID); err != nil {
		return err
	}
	return p.Host.validate()
}

func (p *HostRemovedPayload) validate() error {
	if err := requireField("nodeId", p.NodeID); err != nil {
		return err
	}
	return requireField("name", p.Name)
}

func (p *ScanCompletePayload) validate() error {
	if err := requireField("nodeId", p.NodeID); err != nil {
		return err
	}
	if p.HostsFound < 0 {
		return errors.New("hostsFound is negative")
	}
	return validTimestamp("timestamp", p.Timestamp, false)
}

func (p *CommandResultPayload) validate() error {
	if err := requireField("commandId", p.CommandID); err != nil {
		return err
	}
	if p.HostPortScan != nil {
		if err := validPorts(p.HostPortScan.OpenPorts); err != nil {
			return err
		}
		if err := validTimestamp("scannedAt", p.HostPortScan.ScannedAt, false); err != nil {
			return err
		}
	}
	if p.WakeVerification != nil {
		if err := validTimestamp("verifiedAt", p.WakeVerification.VerifiedAt, false); err != nil {
			return err
		}
	}
	return nil
}

func (p *RegisteredPayload) validate() error {
	if p.HeartbeatInterval <= 0 {
		return errors.New("heartbeatInterval must be positive")
	}
	return requireField("protocolVersion", p.ProtocolVersion)
}

func (p *WakePayload) validate() error {
	if err := requireField("commandId", p.CommandID); err != nil {
		return err
	}
	if err := validMac(p.Mac); err != nil {
		return err
	}
	if p.IP != "" && net.ParseIP(p.IP) == nil {
		return fmt.Errorf("invalid ip %q", p.IP)
	}
	return validPort("port", p.Port)
}

func (p *ScanPayload) validate() error {
	if err := requireField("commandId", p.CommandID); err != nil {
		return err
	}
	if p.Subnet != "" {
		if _, _, err := net.ParseCIDR(p.Subnet); err != nil {
			return fmt.Errorf("invalid subnet %q", p.Subnet)
		}
	}
	return nil
}

func (p *ScanHostPortsPayload) validate() error {
	if err := requireField("commandId", p.CommandID); err != nil {
		return err
	}
	if err := requireField("name", p.Name); err != nil {
		return err
	}
	if p.Mac != "" {
		if err := validMac(p.Mac); err != nil {
			return err
		}
	}
	return validPorts(p.Ports)
}

func (p *UpdateHostPayload) validate() error {
	if err := requireField("commandId", p.CommandID); err != nil {
		return err
	}
	if err := requireField("name", p.Name); err != nil {
		return err
	}
	u := p.Updates
	if u.Name != nil {
		if err := requireField("updates.name", *u.Name); err != nil {
			return err
		}
	}
	if u.Mac != nil {
		if err := validMac(*u.Mac); err != nil {
			return err
		}
	}
	if u.IP != nil && *u.IP != "" && net.ParseIP(*u.IP) == nil {
		return fmt.Errorf("invalid ip %q", *u.IP)
	}
	if u.WolPort != nil {
		if err := validPort("updates.wolPort", *u.WolPort); err != nil {
			return err
		}
	}
	if u.Notes != nil && len(*u.Notes) > maxNotesLen {
		return fmt.Errorf("notes exceed %d bytes", maxNotesLen)
	}
	if u.Tags != nil {
		if len(*u.Tags) > maxTags {
			return fmt.Errorf("tags exceed %d entries", maxTags)
		}
		for _, t := range *u.Tags {
			if t == "" || len(t) > maxTagLen {
				return errors.New("invalid tag entry")
			}
		}
	}
	return nil
}

func (p *DeleteHostPayload) validate() error {
	if err := requireField("commandId", p.CommandID); err != nil {
		return err
	}
	return requireField("name", p.Name)
}

func (p *PingHostPayload) validate() error {
	if err := requireField("commandId", p.CommandID); err != nil {
		return err
	}
	if err := requireField("name", p.Name); err != nil {
		return err
	}
	if p.IP != "" && net.ParseIP(p.IP) == nil {
		return fmt.Errorf("invalid ip %q", p.IP)
	}
	return nil
}

func (p *SleepHostPayload) validate() error {
	if err := requireField("commandId", p.CommandID); err != nil {
		return err
	}
	return requireField("name", p.Name)
}

func (p *ShutdownHostPayload) validate() error {
	if err := requireField("commandId", p.CommandID); err != nil {
		return err
	}
	return requireField("name", p.Name)
}

func (p *PingPayload) validate() error {
	return validTimestamp("timestamp", p.Timestamp, true)
}

func (p *ErrorPayload) validate() error {
	if p.Message == "" {
		return errors.New("message is required")
	}
	if len(p.Message) > maxNotesLen {
		return fmt.Errorf("message exceeds %d bytes", maxNotesLen)
	}
	return nil
}
