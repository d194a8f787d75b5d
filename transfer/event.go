package transfer

import (
	"fmt"
	"io"
	"time"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/status"
)

// TransferType is the local endpoint's role in moving data.
type TransferType uint8

const (
	// Transmit sends the resource to the peer.
	Transmit TransferType = iota
	// Receive accepts the resource from the peer.
	Receive
)

func (t TransferType) String() string {
	if t == Transmit {
		return "transmit"
	}
	return "receive"
}

// Role distinguishes client-initiated from server-side contexts.
type Role uint8

const (
	// RoleClient contexts report their result through a completion callback.
	RoleClient Role = iota
	// RoleServer contexts are bound to a Handler.
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// EventType enumerates everything a Thread processes.
type EventType uint8

const (
	EventNewClientTransfer EventType = iota
	EventNewServerTransfer
	EventClientChunk
	EventServerChunk
	EventClientTimeout
	EventServerTimeout
	EventClientEndTransfer
	EventServerEndTransfer

	// The remaining events are handled by the Thread itself and never reach
	// a Context.
	EventSendStatusChunk
	EventSetStream
	EventAddTransferHandler
	EventRemoveTransferHandler
	EventTerminate
)

var eventNames = [...]string{
	EventNewClientTransfer:     "NewClientTransfer",
	EventNewServerTransfer:     "NewServerTransfer",
	EventClientChunk:           "ClientChunk",
	EventServerChunk:           "ServerChunk",
	EventClientTimeout:         "ClientTimeout",
	EventServerTimeout:         "ServerTimeout",
	EventClientEndTransfer:     "ClientEndTransfer",
	EventServerEndTransfer:     "ServerEndTransfer",
	EventSendStatusChunk:       "SendStatusChunk",
	EventSetStream:             "SetStream",
	EventAddTransferHandler:    "AddTransferHandler",
	EventRemoveTransferHandler: "RemoveTransferHandler",
	EventTerminate:             "Terminate",
}

func (e EventType) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("EventType(%d)", uint8(e))
}

// TransferOptions are the per-transfer timing and protocol knobs.
type TransferOptions struct {
	ProtocolVersion     chunk.ProtocolVersion
	ChunkTimeout        time.Duration
	InitialChunkTimeout time.Duration
	MaxRetries          int
	MaxLifetimeRetries  int
	Parameters          *Parameters
}

// NewTransferEvent starts a client transfer or a server transfer.
type NewTransferEvent struct {
	Type       TransferType
	SessionID  uint32
	ResourceID uint32
	Options    TransferOptions

	// ChunkWriter sends this transfer's outbound chunks.
	ChunkWriter ChunkWriter

	// Reader is the data source of a client Transmit transfer.
	Reader io.Reader
	// Writer is the data sink of a client Receive transfer.
	Writer io.Writer
	// OnCompletion is invoked once with a client transfer's result.
	OnCompletion func(error)

	// Handler serves a server transfer; resolved by the Thread.
	Handler Handler
	// InitialChunk is the chunk that opened a server transfer.
	InitialChunk *chunk.Chunk
}

// ChunkEvent delivers a parsed inbound chunk.
type ChunkEvent struct {
	Chunk *chunk.Chunk
	// Type is the server role implied by the stream the chunk arrived on.
	Type TransferType
	// ChunkWriter replies to the peer that sent the chunk.
	ChunkWriter ChunkWriter
}

// EndTransferEvent cancels a transfer locally.
type EndTransferEvent struct {
	// ID is a session id, or a resource id when ByResource is set.
	ID         uint32
	ByResource bool
	Status     status.Code
	// SendStatusChunk selects a graceful termination that notifies the
	// peer over an abort that does not.
	SendStatusChunk bool
}

// SendStatusChunkEvent replies to a chunk no context could take.
type SendStatusChunkEvent struct {
	SessionID       uint32
	ResourceID      *uint32
	ProtocolVersion chunk.ProtocolVersion
	Status          status.Code
	ChunkWriter     ChunkWriter
}

// SetStreamEvent binds the default chunk writer for client transfers of a type.
type SetStreamEvent struct {
	Type        TransferType
	ChunkWriter ChunkWriter
}

// Event is the unit of work of a Thread. Only the member matching Type is set.
type Event struct {
	Type EventType

	NewTransfer     *NewTransferEvent
	Chunk           *ChunkEvent
	EndTransfer     *EndTransferEvent
	SendStatusChunk *SendStatusChunkEvent
	SetStream       *SetStreamEvent
	Handler         Handler
	HandlerID       uint32
	// SessionID addresses timeout events raised from outside the thread.
	SessionID uint32
}
