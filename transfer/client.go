package transfer

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/status"
	"github.com/opd-ai/xfer/transport"
)

// TransferOption overrides a thread default for one client transfer.
type TransferOption func(*TransferOptions)

// WithProtocolVersion selects the protocol version to request.
func WithProtocolVersion(v chunk.ProtocolVersion) TransferOption {
	return func(o *TransferOptions) { o.ProtocolVersion = v }
}

// WithChunkTimeout sets how long to wait for the peer before retrying.
func WithChunkTimeout(d time.Duration) TransferOption {
	return func(o *TransferOptions) { o.ChunkTimeout = d }
}

// WithInitialChunkTimeout sets the timeout for the server's first reply.
func WithInitialChunkTimeout(d time.Duration) TransferOption {
	return func(o *TransferOptions) { o.InitialChunkTimeout = d }
}

// WithMaxRetries sets the consecutive retry limit.
func WithMaxRetries(n int) TransferOption {
	return func(o *TransferOptions) { o.MaxRetries = n }
}

// WithMaxLifetimeRetries sets the retry limit over the whole transfer.
func WithMaxLifetimeRetries(n int) TransferOption {
	return func(o *TransferOptions) { o.MaxLifetimeRetries = n }
}

// WithParameters sets the receive window parameters.
func WithParameters(p *Parameters) TransferOption {
	return func(o *TransferOptions) { o.Parameters = p }
}

// Client starts transfers against one server over a transport.
type Client struct {
	thread    *Thread
	transport transport.Transport
	server    net.Addr
}

// NewClient binds the thread's client streams to server over t.
func NewClient(th *Thread, t transport.Transport, server net.Addr) (*Client, error) {
	c := &Client{thread: th, transport: t, server: server}

	t.RegisterHandler(transport.PacketReadResponse, c.handleResponse)
	t.RegisterHandler(transport.PacketWriteResponse, c.handleResponse)

	if err := th.SetClientStream(Receive, transport.NewStreamWriter(t, transport.PacketReadRequest, server)); err != nil {
		return nil, err
	}
	if err := th.SetClientStream(Transmit, transport.NewStreamWriter(t, transport.PacketWriteRequest, server)); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewClient",
		"server":   server.String(),
	}).Info("Transfer client ready")

	return c, nil
}

func (c *Client) handleResponse(p *transport.Packet, addr net.Addr) error {
	if addr.String() != c.server.String() {
		logrus.WithFields(logrus.Fields{
			"function": "handleResponse",
			"from":     addr.String(),
		}).Warn("Ignoring chunk from unexpected peer")
		return nil
	}
	return c.thread.ProcessClientChunk(p.Data)
}

// Read fetches resourceID into w. onCompletion is called once, on the
// transfer thread, with nil on success or an error carrying a status code.
func (c *Client) Read(resourceID uint32, w io.Writer, onCompletion func(error), opts ...TransferOption) error {
	nt := &NewTransferEvent{
		Type:         Receive,
		ResourceID:   resourceID,
		Writer:       w,
		OnCompletion: onCompletion,
	}
	for _, opt := range opts {
		opt(&nt.Options)
	}
	return c.thread.StartClientTransfer(nt)
}

// Write sends the contents of r to resourceID. Retransmission requires r to
// implement io.Seeker.
func (c *Client) Write(resourceID uint32, r io.Reader, onCompletion func(error), opts ...TransferOption) error {
	nt := &NewTransferEvent{
		Type:         Transmit,
		ResourceID:   resourceID,
		Reader:       r,
		OnCompletion: onCompletion,
	}
	for _, opt := range opts {
		opt(&nt.Options)
	}
	return c.thread.StartClientTransfer(nt)
}

// Cancel terminates the transfer of resourceID with Cancelled and informs
// the server.
func (c *Client) Cancel(resourceID uint32) error {
	return c.thread.EndClientTransfer(resourceID, status.Cancelled, true)
}

// ReadSync is Read that blocks until the transfer finishes or ctx ends, in
// which case the transfer is cancelled.
func (c *Client) ReadSync(ctx context.Context, resourceID uint32, w io.Writer, opts ...TransferOption) error {
	done := make(chan error, 1)
	if err := c.Read(resourceID, w, func(err error) { done <- err }, opts...); err != nil {
		return err
	}
	return c.wait(ctx, resourceID, done)
}

// WriteSync is Write that blocks until the transfer finishes or ctx ends.
func (c *Client) WriteSync(ctx context.Context, resourceID uint32, r io.Reader, opts ...TransferOption) error {
	done := make(chan error, 1)
	if err := c.Write(resourceID, r, func(err error) { done <- err }, opts...); err != nil {
		return err
	}
	return c.wait(ctx, resourceID, done)
}

func (c *Client) wait(ctx context.Context, resourceID uint32, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-c.thread.Done():
		return ErrThreadStopped
	case <-ctx.Done():
		if err := c.Cancel(resourceID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "wait",
				"resource_id": resourceID,
				"error":       err.Error(),
			}).Warn("Failed to cancel transfer")
		}
		return ctx.Err()
	}
}
