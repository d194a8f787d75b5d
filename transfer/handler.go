package transfer

import "io"

// Handler serves one resource on the server side of a transfer.
//
// Prepare is called when a client opens a transfer. The TransferType is the
// server's role: Transmit when the client reads the resource, Receive when
// the client writes it. After a successful Prepare the context uses Reader
// (Transmit) or Writer (Receive) exclusively until Finalize, which is called
// exactly once with the transfer's outcome (nil on success). A Finalize error
// on a successful transfer turns its status into DataLoss.
//
// Prepare may return an error carrying status.PermissionDenied to reject a
// direction; any other error is reported to the client as DataLoss.
//
// All methods are called from the transfer thread's goroutine.
type Handler interface {
	ID() uint32
	Prepare(t TransferType) error
	Finalize(t TransferType, err error) error
	Reader() io.Reader
	Writer() io.Writer
}

// ConservativeWriteLimiter is implemented by writers that can report how many
// more bytes they are certain to accept. Receivers never advertise a window
// larger than this limit.
type ConservativeWriteLimiter interface {
	ConservativeWriteLimit() int
}

// ChunkWriter sends one encoded chunk to the peer. The slice is only valid
// for the duration of the call.
type ChunkWriter interface {
	Write(data []byte) error
}
