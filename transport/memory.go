package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrTransportClosed is returned by Send on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// MemoryAddr is the address of a MemoryTransport endpoint.
type MemoryAddr string

// Network implements net.Addr.
func (a MemoryAddr) Network() string { return "memory" }

// String implements net.Addr.
func (a MemoryAddr) String() string { return string(a) }

// MemoryTransport is one end of an in-process transport pair. Packets sent
// on one end are delivered to the other end's handlers in order, on a
// dedicated goroutine, so a handler may itself send without deadlocking.
type MemoryTransport struct {
	addr MemoryAddr
	peer *MemoryTransport

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []queuedPacket
	closed   bool
	handlers map[PacketType]PacketHandler
	drop     func(*Packet) bool
	done     chan struct{}
}

type queuedPacket struct {
	packet *Packet
	from   net.Addr
}

// NewMemoryPair returns two connected transports.
func NewMemoryPair(a, b string) (*MemoryTransport, *MemoryTransport) {
	left := newMemoryTransport(MemoryAddr(a))
	right := newMemoryTransport(MemoryAddr(b))
	left.peer = right
	right.peer = left
	go left.deliver()
	go right.deliver()
	return left, right
}

func newMemoryTransport(addr MemoryAddr) *MemoryTransport {
	t := &MemoryTransport{
		addr:     addr,
		handlers: make(map[PacketType]PacketHandler),
		done:     make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// SetDropFunc installs a filter deciding which outbound packets are lost.
// Passing nil delivers everything.
func (t *MemoryTransport) SetDropFunc(drop func(*Packet) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drop = drop
}

// Send copies the packet and queues it for the peer.
func (t *MemoryTransport) Send(packet *Packet, addr net.Addr) error {
	if packet.Data == nil {
		return errors.New("packet data is nil")
	}
	if addr == nil || addr.String() != t.peer.addr.String() {
		return fmt.Errorf("unknown memory address %v", addr)
	}

	t.mu.Lock()
	closed, drop := t.closed, t.drop
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	copied := &Packet{PacketType: packet.PacketType, Data: append([]byte(nil), packet.Data...)}
	if drop != nil && drop(copied) {
		return nil
	}
	t.peer.enqueue(copied, t.addr)
	return nil
}

func (t *MemoryTransport) enqueue(packet *Packet, from net.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.queue = append(t.queue, queuedPacket{packet: packet, from: from})
	t.cond.Signal()
}

func (t *MemoryTransport) deliver() {
	defer close(t.done)
	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.closed {
			t.cond.Wait()
		}
		if t.closed {
			t.mu.Unlock()
			return
		}
		next := t.queue[0]
		t.queue = t.queue[1:]
		handler := t.handlers[next.packet.PacketType]
		t.mu.Unlock()

		if handler != nil {
			_ = handler(next.packet, next.from)
		}
	}
}

// Close stops delivery on this end.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.queue = nil
	t.cond.Broadcast()
	t.mu.Unlock()
	<-t.done
	return nil
}

// LocalAddr returns this end's address.
func (t *MemoryTransport) LocalAddr() net.Addr { return t.addr }

// RegisterHandler registers a handler for a specific packet type.
func (t *MemoryTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}
