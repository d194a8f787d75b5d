package handler

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xfer/status"
	"github.com/opd-ai/xfer/transfer"
)

// ReadHandler lets clients read a resource from an io.Reader. If the reader
// implements io.Seeker it is rewound for every transfer and can serve
// retransmissions; otherwise it can be read once.
type ReadHandler struct {
	id     uint32
	reader io.Reader
}

// NewReadHandler serves r as resource id.
func NewReadHandler(id uint32, r io.Reader) *ReadHandler {
	return &ReadHandler{id: id, reader: r}
}

// ID returns the resource id.
func (h *ReadHandler) ID() uint32 { return h.id }

// Prepare rewinds the reader. Writes are refused.
func (h *ReadHandler) Prepare(t transfer.TransferType) error {
	if t != transfer.Transmit {
		return status.Errorf(status.PermissionDenied, "resource %d is read-only", h.id)
	}
	if s, ok := h.reader.(io.Seeker); ok {
		if _, err := s.Seek(0, io.SeekStart); err != nil {
			return status.Wrap(status.DataLoss, err)
		}
	}
	return nil
}

// Finalize logs the outcome.
func (h *ReadHandler) Finalize(t transfer.TransferType, err error) error {
	logFinalize("ReadHandler.Finalize", h.id, t, err)
	return nil
}

// Reader returns the wrapped reader.
func (h *ReadHandler) Reader() io.Reader { return h.reader }

// Writer returns nil.
func (h *ReadHandler) Writer() io.Writer { return nil }

// WriteHandler lets clients write a resource into an io.Writer.
type WriteHandler struct {
	id     uint32
	writer io.Writer
}

// NewWriteHandler stores data written to resource id into w.
func NewWriteHandler(id uint32, w io.Writer) *WriteHandler {
	return &WriteHandler{id: id, writer: w}
}

// ID returns the resource id.
func (h *WriteHandler) ID() uint32 { return h.id }

// Prepare refuses reads.
func (h *WriteHandler) Prepare(t transfer.TransferType) error {
	if t != transfer.Receive {
		return status.Errorf(status.PermissionDenied, "resource %d is write-only", h.id)
	}
	return nil
}

// Finalize logs the outcome.
func (h *WriteHandler) Finalize(t transfer.TransferType, err error) error {
	logFinalize("WriteHandler.Finalize", h.id, t, err)
	return nil
}

// Reader returns nil.
func (h *WriteHandler) Reader() io.Reader { return nil }

// Writer returns the wrapped writer.
func (h *WriteHandler) Writer() io.Writer { return h.writer }

func logFinalize(function string, id uint32, t transfer.TransferType, err error) {
	entry := logrus.WithFields(logrus.Fields{
		"function":    function,
		"resource_id": id,
		"type":        t.String(),
		"status":      status.CodeOf(err).String(),
	})
	if err != nil {
		entry.Warn("Transfer finished with error")
		return
	}
	entry.Debug("Transfer finished")
}
