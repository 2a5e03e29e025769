package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestInboundRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Inbound
	}{
		{
			name: "register",
			msg: &RegisterPayload{
				NodeID:       "n1",
				Name:         "Office Node",
				Location:     "Home Office",
				AuthToken:    "secret",
				PublicURL:    "https://n1.example.com",
				Capabilities: []string{"wake", "scan"},
				Metadata:     RegisterMetadata{ProtocolVersion: "1.1.0", AgentVersion: "0.4.2", Platform: "linux/arm64"},
			},
		},
		{
			name: "heartbeat",
			msg:  &HeartbeatPayload{NodeID: "n1", Timestamp: "2026-02-15T09:00:00Z", Status: "online"},
		},
		{
			name: "host discovered",
			msg: &HostDiscoveredPayload{
				NodeID: "n1",
				Host: Host{
					Name:           "nas",
					Mac:            "aa:bb:cc:dd:ee:10",
					SecondaryMacs:  []string{"aa:bb:cc:dd:ee:11"},
					IP:             "192.168.1.20",
					WolPort:        9,
					Status:         HostStatusAwake,
					LastSeen:       "2026-02-15T09:00:00Z",
					Discovered:     true,
					PingResponsive: boolPtr(true),
					Tags:           []string{"storage"},
				},
			},
		},
		{
			name: "host updated",
			msg: &HostUpdatedPayload{
				NodeID: "n1",
				Host:   Host{Name: "nas", Mac: "aa:bb:cc:dd:ee:10", Status: HostStatusAsleep},
			},
		},
		{
			name: "host removed",
			msg:  &HostRemovedPayload{NodeID: "n1", Name: "nas"},
		},
		{
			name: "scan complete",
			msg:  &ScanCompletePayload{NodeID: "n1", HostsFound: 12, DurationMs: 4300, Timestamp: "2026-02-15T09:00:00Z"},
		},
		{
			name: "command result",
			msg: &CommandResultPayload{
				CommandID:        "c1",
				NodeID:           "n1",
				Success:          true,
				Message:          "woken",
				HostPing:         &PingResult{Reachable: true, LatencyMs: 1.4},
				HostPortScan:     &PortScanResult{OpenPorts: []int{22, 445}, ScannedAt: "2026-02-15T09:00:00Z"},
				WakeVerification: &WakeVerification{Awake: true, Attempts: 2, VerifiedAt: "2026-02-15T09:00:10Z"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeInbound(tt.msg)
			if err != nil {
				t.Fatalf("EncodeInbound: %v", err)
			}
			got, err := DecodeInbound(data)
			if err != nil {
				t.Fatalf("DecodeInbound: %v", err)
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, tt.msg)
			}
		})
	}
}

func TestOutboundRoundTrip(t *testing.T) {
	newName := "Router"
	tests := []struct {
		name string
		msg  Outbound
	}{
		{name: "registered", msg: &RegisteredPayload{HeartbeatInterval: 30, ProtocolVersion: "1.1.0"}},
		{name: "wake", msg: &WakePayload{CommandID: "c1", Mac: "aa:bb:cc:dd:ee:10", Name: "nas", Port: 9, IP: "192.168.1.255"}},
		{name: "scan", msg: &ScanPayload{CommandID: "c2", Subnet: "192.168.1.0/24"}},
		{name: "scan host ports", msg: &ScanHostPortsPayload{CommandID: "c3", Name: "nas", Mac: "aa:bb:cc:dd:ee:10", Ports: []int{22, 80, 443}}},
		{name: "update host", msg: &UpdateHostPayload{CommandID: "c4", Name: "nas", Updates: HostUpdates{Name: &newName}}},
		{name: "delete host", msg: &DeleteHostPayload{CommandID: "c5", Name: "nas"}},
		{name: "ping host", msg: &PingHostPayload{CommandID: "c6", Name: "nas", IP: "192.168.1.20"}},
		{name: "sleep host", msg: &SleepHostPayload{CommandID: "c7", Name: "nas"}},
		{name: "shutdown host", msg: &ShutdownHostPayload{CommandID: "c8", Name: "nas"}},
		{name: "ping", msg: &PingPayload{Timestamp: "2026-02-15T09:00:00Z"}},
		{name: "error", msg: &ErrorPayload{Message: "Invalid message format"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := DecodeOutbound(data)
			if err != nil {
				t.Fatalf("DecodeOutbound: %v", err)
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, tt.msg)
			}
		})
	}
}

func TestDecodeInboundRejects(t *testing.T) {
	longName := strings.Repeat("x", maxNameLen+1)
	tests := []struct {
		name     string
		frame    string
		wantType string
	}{
		{name: "not json", frame: `{{{`, wantType: "unknown"},
		{name: "unknown type", frame: `{"type":"bogus","payload":{}}`, wantType: "bogus"},
		{name: "outbound type on inbound path", frame: `{"type":"wake","payload":{"commandId":"c1","mac":"aa:bb:cc:dd:ee:10"}}`, wantType: "wake"},
		{name: "register missing nodeId", frame: `{"type":"register","payload":{"name":"x","metadata":{"protocolVersion":"1.1.0"}}}`, wantType: "register"},
		{name: "register name too long", frame: `{"type":"register","payload":{"nodeId":"n1","name":"` + longName + `","metadata":{}}}`, wantType: "register"},
		{name: "heartbeat bad timestamp", frame: `{"type":"heartbeat","payload":{"nodeId":"n1","timestamp":"yesterday"}}`, wantType: "heartbeat"},
		{name: "host bad mac", frame: `{"type":"host-discovered","payload":{"nodeId":"n1","host":{"name":"nas","mac":"zz:zz","status":"awake"}}}`, wantType: "host-discovered"},
		{name: "host bad status", frame: `{"type":"host-discovered","payload":{"nodeId":"n1","host":{"name":"nas","mac":"aa:bb:cc:dd:ee:10","status":"gone"}}}`, wantType: "host-discovered"},
		{name: "host bad ip", frame: `{"type":"host-updated","payload":{"nodeId":"n1","host":{"name":"nas","mac":"aa:bb:cc:dd:ee:10","status":"awake","ip":"999.1.1.1"}}}`, wantType: "host-updated"},
		{name: "result missing commandId", frame: `{"type":"command-result","payload":{"success":true}}`, wantType: "command-result"},
		{name: "result port out of range", frame: `{"type":"command-result","payload":{"commandId":"c1","success":true,"hostPortScan":{"openPorts":[70000]}}}`, wantType: "command-result"},
		{name: "missing payload", frame: `{"type":"host-removed"}`, wantType: "host-removed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(tt.frame))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var invalid *InvalidPayloadError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidPayloadError, got %T: %v", err, err)
			}
			if invalid.Direction != DirectionInbound {
				t.Errorf("direction = %q, want %q", invalid.Direction, DirectionInbound)
			}
			if invalid.Type != tt.wantType {
				t.Errorf("type = %q, want %q", invalid.Type, tt.wantType)
			}
		})
	}
}

func TestEncodeRejectsInvalidOutbound(t *testing.T) {
	_, err := Encode(&WakePayload{CommandID: "c1", Mac: "not-a-mac"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var invalid *InvalidPayloadError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidPayloadError, got %T", err)
	}
	if invalid.Direction != DirectionOutbound || invalid.Type != TypeWake {
		t.Errorf("got %s/%s, want outbound/wake", invalid.Direction, invalid.Type)
	}
}

func TestOutboundPayloadReplay(t *testing.T) {
	raw := json.RawMessage(`{"commandId":"c1","mac":"aa:bb:cc:dd:ee:10","name":"nas"}`)
	out, err := OutboundPayload(TypeWake, raw)
	if err != nil {
		t.Fatalf("OutboundPayload: %v", err)
	}
	wake, ok := out.(*WakePayload)
	if !ok {
		t.Fatalf("expected *WakePayload, got %T", out)
	}
	if wake.CommandID != "c1" || wake.Mac != "aa:bb:cc:dd:ee:10" {
		t.Errorf("unexpected payload: %+v", wake)
	}
}

func TestSupported(t *testing.T) {
	if !Supported(Version) {
		t.Errorf("current version %q must be supported", Version)
	}
	if !Supported("1.0.0") {
		t.Error("1.0.0 should be supported")
	}
	if Supported("0.9.0") {
		t.Error("0.9.0 should not be supported")
	}
	if Supported("") {
		t.Error("empty version should not be supported")
	}
}

func TestMessageTypeTags(t *testing.T) {
	if got := InboundType(&RegisterPayload{}); got != TypeRegister {
		t.Errorf("InboundType = %q, want %q", got, TypeRegister)
	}
	if got := OutboundType(&WakePayload{}); got != TypeWake {
		t.Errorf("OutboundType = %q, want %q", got, TypeWake)
	}
}
