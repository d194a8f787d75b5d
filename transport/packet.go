// Package transport carries encoded transfer chunks between endpoints.
//
// Chunks travel on four logical streams that mirror a bidirectional RPC
// service: read and write transfers each have a request direction (client to
// server) and a response direction (server to client).
//
// Example:
//
//	t, err := transport.NewUDPTransport(":9000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	t.RegisterHandler(transport.PacketReadRequest, func(p *transport.Packet, addr net.Addr) error {
//	    w := transport.NewStreamWriter(t, transport.PacketReadResponse, addr)
//	    return thread.ProcessServerChunk(transfer.Transmit, p.Data, w)
//	})
package transport

import (
	"errors"
	"fmt"

	"github.com/opd-ai/xfer/limits"
)

// PacketType identifies the stream a packet belongs to.
type PacketType byte

const (
	// PacketReadRequest carries chunks from a reading client to the server.
	PacketReadRequest PacketType = iota + 1
	// PacketReadResponse carries chunks from the server to a reading client.
	PacketReadResponse
	// PacketWriteRequest carries chunks from a writing client to the server.
	PacketWriteRequest
	// PacketWriteResponse carries chunks from the server to a writing client.
	PacketWriteResponse
)

// String returns the stream name.
func (t PacketType) String() string {
	switch t {
	case PacketReadRequest:
		return "ReadRequest"
	case PacketReadResponse:
		return "ReadResponse"
	case PacketWriteRequest:
		return "WriteRequest"
	case PacketWriteResponse:
		return "WriteResponse"
	default:
		return fmt.Sprintf("PacketType(%d)", byte(t))
	}
}

// Packet is one framed chunk.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// ErrPacketTooLarge is returned when a packet does not fit in a datagram.
var ErrPacketTooLarge = errors.New("packet exceeds maximum size")

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}
	if len(p.Data)+limits.PacketHeaderSize > limits.MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(p.Data)+limits.PacketHeaderSize)
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, limits.PacketHeaderSize+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[limits.PacketHeaderSize:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet. The returned packet owns its
// data.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < limits.PacketHeaderSize {
		return nil, errors.New("packet too short")
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-limits.PacketHeaderSize),
	}
	copy(packet.Data, data[limits.PacketHeaderSize:])

	return packet, nil
}
