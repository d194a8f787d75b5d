package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type packetRecorder struct {
	mu      sync.Mutex
	packets []*Packet
	from    []net.Addr
}

func (r *packetRecorder) handle(p *Packet, addr net.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, p)
	r.from = append(r.from, addr)
	return nil
}

func (r *packetRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets)
}

func TestMemoryPairDeliversInOrder(t *testing.T) {
	client, server := NewMemoryPair("client", "server")
	defer client.Close()
	defer server.Close()

	rec := &packetRecorder{}
	server.RegisterHandler(PacketReadRequest, rec.handle)

	buf := make([]byte, 1)
	for i := 0; i < 50; i++ {
		buf[0] = byte(i)
		require.NoError(t, client.Send(&Packet{PacketType: PacketReadRequest, Data: buf}, server.LocalAddr()))
	}

	require.Eventually(t, func() bool { return rec.count() == 50 }, time.Second, time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, p := range rec.packets {
		assert.Equal(t, byte(i), p.Data[0], "packet %d out of order or aliased", i)
		assert.Equal(t, "client", rec.from[i].String())
	}
}

func TestMemoryTransportDropFunc(t *testing.T) {
	client, server := NewMemoryPair("client", "server")
	defer client.Close()
	defer server.Close()

	rec := &packetRecorder{}
	server.RegisterHandler(PacketWriteRequest, rec.handle)

	dropped := 0
	client.SetDropFunc(func(p *Packet) bool {
		if p.Data[0]%2 == 0 {
			dropped++
			return true
		}
		return false
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, client.Send(&Packet{PacketType: PacketWriteRequest, Data: []byte{byte(i)}}, server.LocalAddr()))
	}

	require.Eventually(t, func() bool { return rec.count() == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, 5, dropped)
}

func TestMemoryTransportRejectsUnknownAddress(t *testing.T) {
	client, server := NewMemoryPair("client", "server")
	defer client.Close()
	defer server.Close()

	err := client.Send(&Packet{PacketType: PacketReadRequest, Data: []byte{1}}, MemoryAddr("elsewhere"))
	assert.Error(t, err)
}

func TestMemoryTransportSendAfterClose(t *testing.T) {
	client, server := NewMemoryPair("client", "server")
	defer server.Close()

	require.NoError(t, client.Close())
	err := client.Send(&Packet{PacketType: PacketReadRequest, Data: []byte{1}}, server.LocalAddr())
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.NoError(t, client.Close())
}

func TestStreamWriter(t *testing.T) {
	client, server := NewMemoryPair("client", "server")
	defer client.Close()
	defer server.Close()

	rec := &packetRecorder{}
	server.RegisterHandler(PacketWriteRequest, rec.handle)

	w := NewStreamWriter(client, PacketWriteRequest, server.LocalAddr())
	assert.Equal(t, PacketWriteRequest, w.PacketType())
	assert.Equal(t, "server", w.Addr().String())
	require.NoError(t, w.Write([]byte("chunk")))

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []byte("chunk"), rec.packets[0].Data)
}
