package handler

import (
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/opd-ai/xfer/status"
	"github.com/opd-ai/xfer/transfer"
)

// ErrDirectoryTraversal is returned for paths that try to escape with "..".
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// ErrInvalidMode is returned by ParseMode for unknown mode names.
var ErrInvalidMode = errors.New("invalid access mode")

// Mode selects which directions a FileHandler allows.
type Mode uint8

const (
	// ModeReadWrite allows both reads and writes.
	ModeReadWrite Mode = iota
	// ModeRead allows clients to read the file only.
	ModeRead
	// ModeWrite allows clients to write the file only.
	ModeWrite
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return "readwrite"
	}
}

// ParseMode parses "read", "write" or "readwrite". An empty string selects
// ModeReadWrite.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "readwrite", "rw":
		return ModeReadWrite, nil
	case "read", "r":
		return ModeRead, nil
	case "write", "w":
		return ModeWrite, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

func (m Mode) allows(t transfer.TransferType) bool {
	switch m {
	case ModeRead:
		return t == transfer.Transmit
	case ModeWrite:
		return t == transfer.Receive
	default:
		return true
	}
}

// ValidatePath checks if a file path is safe from directory traversal attacks.
// It returns the cleaned path or an error if the path contains traversal attempts.
func ValidatePath(path string) (string, error) {
	cleanedPath := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(cleanedPath), "/") {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}
	return cleanedPath, nil
}

// FileHandler serves a file on disk. Writes land in a temporary file next
// to the target and replace it only when the transfer succeeds.
type FileHandler struct {
	id   uint32
	path string
	mode Mode

	file *os.File
	temp *os.File
	hash hash.Hash
	sink io.Writer

	mu     sync.RWMutex
	digest []byte
	moved  int64
}

// NewFileHandler serves path as resource id in ModeReadWrite.
func NewFileHandler(id uint32, path string) (*FileHandler, error) {
	return NewFileHandlerWithMode(id, path, ModeReadWrite)
}

// NewFileHandlerWithMode serves path as resource id in the given mode.
func NewFileHandlerWithMode(id uint32, path string, mode Mode) (*FileHandler, error) {
	safePath, err := ValidatePath(path)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "NewFileHandler",
			"resource_id": id,
			"path":        path,
			"error":       err.Error(),
		}).Error("File path validation failed")
		return nil, err
	}
	return &FileHandler{id: id, path: safePath, mode: mode}, nil
}

// ID returns the resource id.
func (h *FileHandler) ID() uint32 { return h.id }

// Path returns the served file path.
func (h *FileHandler) Path() string { return h.path }

// Mode returns the allowed directions.
func (h *FileHandler) Mode() Mode { return h.mode }

// Digest returns the BLAKE2b-256 digest of the file as last read or
// written, or nil before the first transfer.
func (h *FileHandler) Digest() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]byte(nil), h.digest...)
}

// BytesMoved returns the size of the last completed transfer.
func (h *FileHandler) BytesMoved() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.moved
}

// Prepare opens the file for reading, or a temporary file for writing.
func (h *FileHandler) Prepare(t transfer.TransferType) error {
	if !h.mode.allows(t) {
		return status.Errorf(status.PermissionDenied, "resource %d does not allow %s", h.id, t)
	}
	h.closeAll()

	if t == transfer.Transmit {
		return h.prepareRead()
	}
	return h.prepareWrite()
}

func (h *FileHandler) prepareRead() error {
	logrus.WithFields(logrus.Fields{
		"function":    "Prepare",
		"resource_id": h.id,
		"path":        h.path,
		"operation":   "opening file for reading",
	}).Debug("Opening file for outgoing transfer")

	f, err := os.Open(h.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return status.Wrap(status.NotFound, err)
		}
		return status.Wrap(status.DataLoss, err)
	}

	hasher, _ := blake2b.New256(nil)
	n, err := io.Copy(hasher, f)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		return status.Wrap(status.DataLoss, err)
	}

	h.file = f
	h.mu.Lock()
	h.digest = hasher.Sum(nil)
	h.moved = n
	h.mu.Unlock()
	return nil
}

func (h *FileHandler) prepareWrite() error {
	logrus.WithFields(logrus.Fields{
		"function":    "Prepare",
		"resource_id": h.id,
		"path":        h.path,
		"operation":   "creating file for writing",
	}).Debug("Creating file for incoming transfer")

	temp, err := os.CreateTemp(filepath.Dir(h.path), "."+filepath.Base(h.path)+".xfer-*")
	if err != nil {
		return status.Wrap(status.DataLoss, err)
	}
	h.temp = temp
	h.hash, _ = blake2b.New256(nil)
	h.sink = io.MultiWriter(temp, h.hash)
	return nil
}

// Finalize closes the file. A successful write replaces the target file.
func (h *FileHandler) Finalize(t transfer.TransferType, err error) error {
	logFinalize("FileHandler.Finalize", h.id, t, err)

	if t == transfer.Transmit {
		h.closeAll()
		return nil
	}

	temp := h.temp
	h.temp = nil
	if temp == nil {
		return nil
	}
	if err != nil {
		temp.Close()
		os.Remove(temp.Name())
		return nil
	}

	size, serr := temp.Seek(0, io.SeekCurrent)
	if serr == nil {
		serr = temp.Sync()
	}
	if cerr := temp.Close(); serr == nil {
		serr = cerr
	}
	if serr == nil {
		serr = os.Rename(temp.Name(), h.path)
	}
	if serr != nil {
		os.Remove(temp.Name())
		logrus.WithFields(logrus.Fields{
			"function":    "Finalize",
			"resource_id": h.id,
			"path":        h.path,
			"error":       serr.Error(),
		}).Error("Failed to commit received file")
		return fmt.Errorf("commit %s: %w", h.path, serr)
	}

	h.mu.Lock()
	h.digest = h.hash.Sum(nil)
	h.moved = size
	h.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Finalize",
		"resource_id": h.id,
		"path":        h.path,
		"bytes":       size,
	}).Info("Received file committed")
	return nil
}

// Reader returns the file opened by Prepare.
func (h *FileHandler) Reader() io.Reader {
	if h.file == nil {
		return nil
	}
	return h.file
}

// Writer returns the temporary file writer opened by Prepare.
func (h *FileHandler) Writer() io.Writer {
	if h.temp == nil {
		return nil
	}
	return h.sink
}

func (h *FileHandler) closeAll() {
	if h.file != nil {
		if err := h.file.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "closeAll",
				"resource_id": h.id,
				"error":       err.Error(),
			}).Warn("Failed to close file handle")
		}
		h.file = nil
	}
	if h.temp != nil {
		h.temp.Close()
		os.Remove(h.temp.Name())
		h.temp = nil
	}
}
