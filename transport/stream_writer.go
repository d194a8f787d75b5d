package transport

import (
	"net"
)

// StreamWriter sends every Write as one packet of a fixed type to a fixed
// peer. It satisfies the chunk writer contract of the transfer package.
type StreamWriter struct {
	transport  Transport
	packetType PacketType
	addr       net.Addr
}

// NewStreamWriter binds a transport, stream and peer address.
func NewStreamWriter(t Transport, packetType PacketType, addr net.Addr) *StreamWriter {
	return &StreamWriter{transport: t, packetType: packetType, addr: addr}
}

// Write sends data as a single packet.
func (w *StreamWriter) Write(data []byte) error {
	return w.transport.Send(&Packet{PacketType: w.packetType, Data: data}, w.addr)
}

// Addr returns the peer address.
func (w *StreamWriter) Addr() net.Addr { return w.addr }

// PacketType returns the stream the writer sends on.
func (w *StreamWriter) PacketType() PacketType { return w.packetType }
