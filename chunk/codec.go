package chunk

import (
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/opd-ai/xfer/status"
)

// MaxOverhead is the number of bytes an encoded chunk may need beyond its
// payload. Transmitters reserve it when sizing data chunks against a scratch
// buffer.
const MaxOverhead = 80

// ErrEmptyChunk is returned by Parse for zero-length input.
var ErrEmptyChunk = errors.New("empty chunk")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 32,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes c into dst and returns the used prefix of dst. It fails
// with ResourceExhausted when the encoding does not fit.
func (c *Chunk) Encode(dst []byte) ([]byte, error) {
	data, err := encMode.Marshal(c)
	if err != nil {
		return nil, status.Wrap(status.Internal, err)
	}
	if len(data) > len(dst) {
		return nil, status.Errorf(status.ResourceExhausted,
			"encoded %s chunk is %d bytes, buffer holds %d", c.Type, len(data), len(dst))
	}
	return dst[:copy(dst, data)], nil
}

// Parse decodes a chunk. Malformed input yields a DataLoss error.
func Parse(data []byte) (*Chunk, error) {
	if len(data) == 0 {
		return nil, status.Wrap(status.DataLoss, ErrEmptyChunk)
	}

	var c Chunk
	if err := decMode.Unmarshal(data, &c); err != nil {
		return nil, status.Wrap(status.DataLoss, err)
	}
	if !c.Type.valid() {
		return nil, status.Errorf(status.DataLoss, "unknown chunk type %d", uint8(c.Type))
	}
	if c.ProtocolVersion > VersionLatest {
		// A newer peer still understands everything we do.
		c.ProtocolVersion = VersionLatest
	}
	if c.ProtocolVersion == VersionUnknown {
		c.ProtocolVersion = VersionLegacy
	}
	return &c, nil
}
