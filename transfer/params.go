package transfer

import (
	"github.com/opd-ai/xfer/limits"
	"github.com/opd-ai/xfer/status"
)

// DefaultExtendWindowDivisor extends the receive window once half of it has
// been consumed.
const DefaultExtendWindowDivisor = 2

// Parameters bounds the window a receiver advertises. A single Parameters
// value is shared by every transfer a thread runs and is only touched from
// the thread's goroutine.
type Parameters struct {
	pendingBytes        uint32
	maxChunkSizeBytes   uint32
	extendWindowDivisor uint32
}

// NewParameters validates and returns transfer parameters.
func NewParameters(pendingBytes, maxChunkSizeBytes, extendWindowDivisor uint32) (*Parameters, error) {
	p := &Parameters{pendingBytes: pendingBytes, maxChunkSizeBytes: maxChunkSizeBytes}
	if err := p.SetExtendWindowDivisor(extendWindowDivisor); err != nil {
		return nil, err
	}
	return p, nil
}

// DefaultParameters returns the limits package defaults.
func DefaultParameters() *Parameters {
	return &Parameters{
		pendingBytes:        limits.DefaultPendingBytes,
		maxChunkSizeBytes:   limits.DefaultMaxChunkSize,
		extendWindowDivisor: DefaultExtendWindowDivisor,
	}
}

// PendingBytes is the largest window a receiver grants.
func (p *Parameters) PendingBytes() uint32 { return p.pendingBytes }

// MaxChunkSizeBytes is the largest payload of a single data chunk.
func (p *Parameters) MaxChunkSizeBytes() uint32 { return p.maxChunkSizeBytes }

// ExtendWindowDivisor controls proactive window extension: the window is
// extended once the bytes remaining in it drop to window/divisor or below.
func (p *Parameters) ExtendWindowDivisor() uint32 { return p.extendWindowDivisor }

// SetPendingBytes sets the window size.
func (p *Parameters) SetPendingBytes(n uint32) { p.pendingBytes = n }

// SetMaxChunkSizeBytes sets the maximum chunk payload.
func (p *Parameters) SetMaxChunkSizeBytes(n uint32) { p.maxChunkSizeBytes = n }

// SetExtendWindowDivisor sets the divisor. Values of 1 or less are rejected
// with InvalidArgument and leave the current value unchanged.
func (p *Parameters) SetExtendWindowDivisor(d uint32) error {
	if d <= 1 {
		return status.Errorf(status.InvalidArgument, "extend window divisor must be greater than 1, got %d", d)
	}
	p.extendWindowDivisor = d
	return nil
}
