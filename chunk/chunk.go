// Package chunk defines the messages exchanged by transfer endpoints.
//
// A Chunk is a flat value object. The transfer state machine reads and writes
// its fields; the wire representation is produced by Encode and consumed by
// Parse (see codec.go).
package chunk

import (
	"fmt"

	"github.com/opd-ai/xfer/status"
)

// Type identifies the purpose of a chunk.
type Type uint8

const (
	// TypeData carries a slice of the resource.
	TypeData Type = iota
	// TypeStart opens a transfer.
	TypeStart
	// TypeParametersRetransmit asks the transmitter to (re)send from Offset.
	TypeParametersRetransmit
	// TypeParametersContinue extends the window without rewinding.
	TypeParametersContinue
	// TypeCompletion carries the final status of a transfer.
	TypeCompletion
	// TypeCompletionAck acknowledges a Completion.
	TypeCompletionAck
	// TypeStartAck is the server's reply to Start.
	TypeStartAck
	// TypeStartAckConfirmation is the client's reply to StartAck.
	TypeStartAckConfirmation
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "Data"
	case TypeStart:
		return "Start"
	case TypeParametersRetransmit:
		return "ParametersRetransmit"
	case TypeParametersContinue:
		return "ParametersContinue"
	case TypeCompletion:
		return "Completion"
	case TypeCompletionAck:
		return "CompletionAck"
	case TypeStartAck:
		return "StartAck"
	case TypeStartAckConfirmation:
		return "StartAckConfirmation"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

func (t Type) valid() bool { return t <= TypeStartAckConfirmation }

// ProtocolVersion is the transfer protocol revision a chunk was written for.
type ProtocolVersion uint8

const (
	// VersionUnknown means no version has been negotiated yet.
	VersionUnknown ProtocolVersion = iota
	// VersionLegacy is the protocol without a handshake or completion ack.
	VersionLegacy
	// VersionTwo adds the Start/StartAck/StartAckConfirmation handshake and
	// acknowledged completion.
	VersionTwo

	// VersionLatest is the newest revision this package speaks.
	VersionLatest = VersionTwo
)

func (v ProtocolVersion) String() string {
	switch v {
	case VersionUnknown:
		return "Unknown"
	case VersionLegacy:
		return "Legacy"
	case VersionTwo:
		return "VersionTwo"
	default:
		return fmt.Sprintf("Version(%d)", uint8(v))
	}
}

// UnassignedSessionID is the session id of a client transfer before the
// server has assigned one.
const UnassignedSessionID uint32 = 0

// Chunk is one protocol message. Optional fields are nil when absent.
type Chunk struct {
	ProtocolVersion      ProtocolVersion `cbor:"1,keyasint"`
	Type                 Type            `cbor:"2,keyasint"`
	SessionID            uint32          `cbor:"3,keyasint"`
	ResourceID           *uint32         `cbor:"4,keyasint,omitempty"`
	Offset               uint32          `cbor:"5,keyasint,omitempty"`
	WindowEndOffset      uint32          `cbor:"6,keyasint,omitempty"`
	MaxChunkSizeBytes    *uint32         `cbor:"7,keyasint,omitempty"`
	MinDelayMicroseconds *uint32         `cbor:"8,keyasint,omitempty"`
	RemainingBytes       *uint64         `cbor:"9,keyasint,omitempty"`
	Status               *status.Code    `cbor:"10,keyasint,omitempty"`
	Payload              []byte          `cbor:"11,keyasint,omitempty"`
}

// New returns a chunk of the given type and version.
func New(version ProtocolVersion, t Type) *Chunk {
	return &Chunk{ProtocolVersion: version, Type: t}
}

// Final builds the terminating chunk reporting code for a session.
func Final(version ProtocolVersion, sessionID uint32, code status.Code) *Chunk {
	c := New(version, TypeCompletion)
	c.SessionID = sessionID
	c.Status = &code
	return c
}

// IsLegacy reports whether the chunk was written for the legacy protocol.
func (c *Chunk) IsLegacy() bool { return c.ProtocolVersion == VersionLegacy }

// IsInitialChunk reports whether the chunk opens a transfer. Legacy peers do
// not always mark their first chunk as Start, so an offset-zero chunk with no
// payload, no status and no completion marker also counts.
func (c *Chunk) IsInitialChunk() bool {
	if c.ProtocolVersion >= VersionTwo {
		return c.Type == TypeStart
	}
	if c.Type == TypeStart {
		return true
	}
	if c.Type == TypeCompletion || c.Type == TypeCompletionAck {
		return false
	}
	return c.Offset == 0 && len(c.Payload) == 0 && c.Status == nil && c.RemainingBytes == nil
}

// IsTerminatingChunk reports whether the chunk ends the transfer.
func (c *Chunk) IsTerminatingChunk() bool {
	return c.Type == TypeCompletion || c.Status != nil
}

// IsFinalTransmitChunk reports whether the transmitter has no more data.
func (c *Chunk) IsFinalTransmitChunk() bool {
	return c.RemainingBytes != nil && *c.RemainingBytes == 0
}

// RequestsTransmissionFromOffset reports whether the receiver wants data
// starting exactly at Offset, rewinding the transmitter if necessary.
func (c *Chunk) RequestsTransmissionFromOffset() bool {
	return c.Type == TypeParametersRetransmit || c.Type == TypeStart || c.Type == TypeStartAckConfirmation
}

// StatusCode returns the chunk status, or OK when none is present.
func (c *Chunk) StatusCode() status.Code {
	if c.Status == nil {
		return status.OK
	}
	return *c.Status
}

// String summarizes the chunk for logs.
func (c *Chunk) String() string {
	return fmt.Sprintf("%s{v=%s session=%d offset=%d window_end=%d payload=%d}",
		c.Type, c.ProtocolVersion, c.SessionID, c.Offset, c.WindowEndOffset, len(c.Payload))
}
