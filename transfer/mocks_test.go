package transfer

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/status"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// chunkRecorder is a ChunkWriter that keeps every chunk it is given.
type chunkRecorder struct {
	chunks []*chunk.Chunk
	raw    [][]byte
	err    error
}

func (r *chunkRecorder) Write(data []byte) error {
	if r.err != nil {
		return r.err
	}
	c, err := chunk.Parse(data)
	if err != nil {
		return err
	}
	r.chunks = append(r.chunks, c)
	r.raw = append(r.raw, append([]byte(nil), data...))
	return nil
}

func (r *chunkRecorder) last() *chunk.Chunk {
	if len(r.chunks) == 0 {
		return nil
	}
	return r.chunks[len(r.chunks)-1]
}

func (r *chunkRecorder) ofType(t chunk.Type) []*chunk.Chunk {
	var out []*chunk.Chunk
	for _, c := range r.chunks {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

// drain returns the raw chunks written since the last call.
func (r *chunkRecorder) drain() [][]byte {
	out := r.raw
	r.raw = nil
	return out
}

// completion records the results passed to a completion callback.
type completion struct {
	calls []error
}

func (c *completion) callback(err error) { c.calls = append(c.calls, err) }

func (c *completion) code() status.Code {
	if len(c.calls) == 0 {
		return status.Unknown
	}
	return status.CodeOf(c.calls[len(c.calls)-1])
}

// testHandler serves an in-memory resource and records its lifecycle.
type testHandler struct {
	id         uint32
	reader     *bytes.Reader
	sink       bytes.Buffer
	prepareErr error
	finalizeFn func(TransferType, error) error

	prepared  []TransferType
	finalized []error
}

func newTestHandler(id uint32, data []byte) *testHandler {
	return &testHandler{id: id, reader: bytes.NewReader(data)}
}

func (h *testHandler) ID() uint32 { return h.id }

func (h *testHandler) Prepare(t TransferType) error {
	h.prepared = append(h.prepared, t)
	if h.prepareErr != nil {
		return h.prepareErr
	}
	if t == Transmit {
		_, err := h.reader.Seek(0, io.SeekStart)
		return err
	}
	h.sink.Reset()
	return nil
}

func (h *testHandler) Finalize(t TransferType, err error) error {
	h.finalized = append(h.finalized, err)
	if h.finalizeFn != nil {
		return h.finalizeFn(t, err)
	}
	return nil
}

func (h *testHandler) Reader() io.Reader { return h.reader }

func (h *testHandler) Writer() io.Writer { return &h.sink }

// failingWriter rejects every write.
type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrShortWrite }

// forwardOnlyReader hides the Seek method of the wrapped reader.
type forwardOnlyReader struct {
	r io.Reader
}

func (f forwardOnlyReader) Read(p []byte) (int, error) { return f.r.Read(p) }

// brokenReader fails every read.
type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("disk failure") }

// stalledReader never produces data and never reports an error.
type stalledReader struct{}

func (stalledReader) Read([]byte) (int, error) { return 0, nil }

// seekFailReader reads normally but every Seek fails with err.
type seekFailReader struct {
	*bytes.Reader
	err error
}

func (r seekFailReader) Seek(int64, int) (int64, error) { return 0, r.err }

func testBuffers() Buffers {
	return Buffers{Staging: make([]byte, 512), Encode: make([]byte, 512)}
}

func testOptions(version chunk.ProtocolVersion, params *Parameters) TransferOptions {
	return TransferOptions{
		ProtocolVersion:     version,
		ChunkTimeout:        time.Second,
		InitialChunkTimeout: 2 * time.Second,
		MaxRetries:          3,
		MaxLifetimeRetries:  100,
		Parameters:          params,
	}
}

func mustParameters(pending, maxChunk, divisor uint32) *Parameters {
	p, err := NewParameters(pending, maxChunk, divisor)
	if err != nil {
		panic(err)
	}
	return p
}

func u32(v uint32) *uint32 { return &v }
func u64(v uint64) *uint64 { return &v }

func chunkEvent(role Role, c *chunk.Chunk) *Event {
	t := EventClientChunk
	if role == RoleServer {
		t = EventServerChunk
	}
	return &Event{Type: t, Chunk: &ChunkEvent{Chunk: c}}
}

func timeoutEvent(role Role) *Event {
	if role == RoleServer {
		return &Event{Type: EventServerTimeout}
	}
	return &Event{Type: EventClientTimeout}
}
