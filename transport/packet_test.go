package transport

import (
	"bytes"
	"errors"
	"testing"

	"github.com/opd-ai/xfer/limits"
)

// TestPacketSerialize tests the Packet.Serialize method.
func TestPacketSerialize(t *testing.T) {
	tests := []struct {
		name    string
		packet  *Packet
		wantErr bool
	}{
		{
			name:    "valid packet",
			packet:  &Packet{PacketType: PacketReadRequest, Data: []byte{1, 2, 3, 4}},
			wantErr: false,
		},
		{
			name:    "empty data",
			packet:  &Packet{PacketType: PacketWriteResponse, Data: []byte{}},
			wantErr: false,
		},
		{
			name:    "nil data",
			packet:  &Packet{PacketType: PacketReadRequest, Data: nil},
			wantErr: true,
		},
		{
			name:    "oversized",
			packet:  &Packet{PacketType: PacketReadRequest, Data: make([]byte, limits.MaxPacketSize)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.packet.Serialize()
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			if len(result) != 1+len(tt.packet.Data) {
				t.Errorf("Expected length %d, got %d", 1+len(tt.packet.Data), len(result))
			}
			if result[0] != byte(tt.packet.PacketType) {
				t.Errorf("Expected packet type %d, got %d", tt.packet.PacketType, result[0])
			}
			if !bytes.Equal(result[1:], tt.packet.Data) {
				t.Errorf("Data mismatch: got %v, want %v", result[1:], tt.packet.Data)
			}
		})
	}
}

func TestPacketSerializeOversizedError(t *testing.T) {
	p := &Packet{PacketType: PacketReadRequest, Data: make([]byte, limits.MaxPacketSize)}
	if _, err := p.Serialize(); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("expected ErrPacketTooLarge, got %v", err)
	}
}

// TestParsePacket verifies parsing copies the payload out of the input.
func TestParsePacket(t *testing.T) {
	raw := []byte{byte(PacketWriteRequest), 9, 8, 7}
	packet, err := ParsePacket(raw)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	if packet.PacketType != PacketWriteRequest {
		t.Errorf("Expected %v, got %v", PacketWriteRequest, packet.PacketType)
	}

	raw[1] = 0
	if packet.Data[0] != 9 {
		t.Error("Parsed packet shares memory with input buffer")
	}

	if _, err := ParsePacket(nil); err == nil {
		t.Error("Expected error for empty input")
	}
}

func TestPacketTypeString(t *testing.T) {
	if got := PacketReadResponse.String(); got != "ReadResponse" {
		t.Errorf("got %q", got)
	}
	if got := PacketType(77).String(); got != "PacketType(77)" {
		t.Errorf("got %q", got)
	}
}
