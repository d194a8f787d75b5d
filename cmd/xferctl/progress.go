package main

import (
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

const progressThrottle = 65 * time.Millisecond

func newProgress(size int64, description string, quiet bool) *progressbar.ProgressBar {
	if quiet {
		return progressbar.DefaultBytesSilent(size, description)
	}
	return progressbar.NewOptions64(size,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(progressThrottle),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { _, _ = os.Stderr.WriteString("\n") }),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// progressReader reports reads from f on bar. Seeks move the bar back so
// retransmitted bytes are not counted twice. Len lets the transfer flag
// its last data chunk.
type progressReader struct {
	f    *os.File
	size int64
	pos  int64
	bar  *progressbar.ProgressBar
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	r.pos += int64(n)
	_ = r.bar.Set64(r.pos)
	return n, err
}

func (r *progressReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := r.f.Seek(offset, whence)
	if err != nil {
		return pos, err
	}
	r.pos = pos
	_ = r.bar.Set64(pos)
	return pos, nil
}

func (r *progressReader) Len() int {
	if r.pos >= r.size {
		return 0
	}
	return int(r.size - r.pos)
}

var _ io.ReadSeeker = (*progressReader)(nil)
