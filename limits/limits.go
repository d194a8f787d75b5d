package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPacketSize is the largest datagram a transport will read.
	MaxPacketSize = 2048

	// PacketHeaderSize is the transport framing added in front of a chunk.
	PacketHeaderSize = 1

	// DefaultEncodeBufferSize leaves room for the packet header inside
	// MaxPacketSize.
	DefaultEncodeBufferSize = MaxPacketSize - PacketHeaderSize

	// MinChunkSize is the smallest payload a data chunk may be limited to.
	MinChunkSize = 16

	// DefaultMaxChunkSize is the payload cap used when none is configured.
	DefaultMaxChunkSize = 1024

	// DefaultPendingBytes is the default receive window.
	DefaultPendingBytes = 8 * DefaultMaxChunkSize

	// MaxPendingBytes caps the receive window to keep offsets well inside
	// the 32-bit wire representation.
	MaxPendingBytes = 1 << 30
)

var (
	// ErrSizeTooSmall indicates a configured size below its minimum.
	ErrSizeTooSmall = errors.New("size too small")

	// ErrSizeTooLarge indicates a configured size above its maximum.
	ErrSizeTooLarge = errors.New("size too large")
)

// ValidateSize checks that size lies in [minSize, maxSize].
func ValidateSize(name string, size, minSize, maxSize int) error {
	if size < minSize {
		return fmt.Errorf("%w: %s %d below minimum %d", ErrSizeTooSmall, name, size, minSize)
	}
	if size > maxSize {
		return fmt.Errorf("%w: %s %d exceeds limit %d", ErrSizeTooLarge, name, size, maxSize)
	}
	return nil
}

// ValidateEncodeBufferSize checks a transfer thread's encode buffer size. The
// buffer must hold at least one minimum-size chunk plus its overhead.
func ValidateEncodeBufferSize(size, overhead int) error {
	return ValidateSize("encode buffer size", size, MinChunkSize+overhead, MaxPacketSize-PacketHeaderSize)
}

// ValidateChunkSize checks a configured maximum chunk payload size.
func ValidateChunkSize(size int) error {
	return ValidateSize("max chunk size", size, MinChunkSize, MaxPacketSize)
}

// ValidatePendingBytes checks a configured receive window.
func ValidatePendingBytes(size int) error {
	return ValidateSize("pending bytes", size, 1, MaxPendingBytes)
}

// MaxPayloadForBuffer returns how many payload bytes fit into a buffer of
// bufferSize after reserving overhead, or 0 if none do.
func MaxPayloadForBuffer(bufferSize, overhead int) int {
	if bufferSize <= overhead {
		return 0
	}
	return bufferSize - overhead
}
