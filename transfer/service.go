package transfer

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xfer/transport"
)

// Service exposes a thread's registered handlers to remote clients over a
// transport. Chunks arriving on the read request stream open transfers the
// server transmits; chunks on the write request stream open transfers it
// receives.
type Service struct {
	thread    *Thread
	transport transport.Transport
}

// NewService registers the server streams on t.
func NewService(th *Thread, t transport.Transport) *Service {
	s := &Service{thread: th, transport: t}
	t.RegisterHandler(transport.PacketReadRequest, s.handleReadRequest)
	t.RegisterHandler(transport.PacketWriteRequest, s.handleWriteRequest)

	logrus.WithFields(logrus.Fields{
		"function":   "NewService",
		"local_addr": t.LocalAddr().String(),
	}).Info("Transfer service listening")

	return s
}

// RegisterHandler makes a resource available to clients.
func (s *Service) RegisterHandler(h Handler) error {
	return s.thread.AddHandler(h)
}

// UnregisterHandler withdraws a resource, aborting its transfers.
func (s *Service) UnregisterHandler(resourceID uint32) error {
	return s.thread.RemoveHandler(resourceID)
}

func (s *Service) handleReadRequest(p *transport.Packet, addr net.Addr) error {
	w := transport.NewStreamWriter(s.transport, transport.PacketReadResponse, addr)
	return s.thread.ProcessServerChunk(Transmit, p.Data, w)
}

func (s *Service) handleWriteRequest(p *transport.Packet, addr net.Addr) error {
	w := transport.NewStreamWriter(s.transport, transport.PacketWriteResponse, addr)
	return s.thread.ProcessServerChunk(Receive, p.Data, w)
}
