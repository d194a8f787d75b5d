package handler

import (
	"bytes"
	"io"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/opd-ai/xfer/status"
	"github.com/opd-ai/xfer/transfer"
)

// MemoryHandler holds a resource in memory. Reads serve the current
// contents; a successful write replaces them. A failed write leaves the
// previous contents in place.
type MemoryHandler struct {
	id      uint32
	maxSize int

	mu     sync.RWMutex
	data   []byte
	digest [blake2b.Size256]byte

	reader  *bytes.Reader
	pending *memoryWriter
}

// MemoryOption configures a MemoryHandler.
type MemoryOption func(*MemoryHandler)

// WithMaxSize caps the size of a written resource. Receivers never grant a
// window past the cap, and writes beyond it fail with ResourceExhausted.
func WithMaxSize(n int) MemoryOption {
	return func(h *MemoryHandler) { h.maxSize = n }
}

// NewMemoryHandler serves a copy of data as resource id.
func NewMemoryHandler(id uint32, data []byte, opts ...MemoryOption) *MemoryHandler {
	h := &MemoryHandler{id: id, data: append([]byte(nil), data...)}
	h.digest = blake2b.Sum256(h.data)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ID returns the resource id.
func (h *MemoryHandler) ID() uint32 { return h.id }

// Data returns a copy of the current contents.
func (h *MemoryHandler) Data() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]byte(nil), h.data...)
}

// Digest returns the BLAKE2b-256 digest of the current contents.
func (h *MemoryHandler) Digest() [blake2b.Size256]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.digest
}

// Prepare snapshots the contents for a read, or starts an empty buffer for
// a write.
func (h *MemoryHandler) Prepare(t transfer.TransferType) error {
	if t == transfer.Transmit {
		h.mu.RLock()
		h.reader = bytes.NewReader(h.data)
		h.mu.RUnlock()
		return nil
	}
	h.pending = &memoryWriter{maxSize: h.maxSize}
	return nil
}

// Finalize commits a successful write.
func (h *MemoryHandler) Finalize(t transfer.TransferType, err error) error {
	logFinalize("MemoryHandler.Finalize", h.id, t, err)

	if t == transfer.Transmit {
		h.reader = nil
		return nil
	}

	w := h.pending
	h.pending = nil
	if err != nil || w == nil {
		return nil
	}

	h.mu.Lock()
	h.data = w.buf.Bytes()
	h.digest = blake2b.Sum256(h.data)
	h.mu.Unlock()
	return nil
}

// Reader returns the snapshot taken by Prepare.
func (h *MemoryHandler) Reader() io.Reader {
	if h.reader == nil {
		return nil
	}
	return h.reader
}

// Writer returns the buffer started by Prepare.
func (h *MemoryHandler) Writer() io.Writer {
	if h.pending == nil {
		return nil
	}
	return h.pending
}

type memoryWriter struct {
	buf     bytes.Buffer
	maxSize int
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	if w.maxSize > 0 && w.buf.Len()+len(p) > w.maxSize {
		return 0, status.Errorf(status.ResourceExhausted, "resource limited to %d bytes", w.maxSize)
	}
	return w.buf.Write(p)
}

// ConservativeWriteLimit reports the remaining capacity, or -1 when
// unbounded.
func (w *memoryWriter) ConservativeWriteLimit() int {
	if w.maxSize <= 0 {
		return -1
	}
	return w.maxSize - w.buf.Len()
}
