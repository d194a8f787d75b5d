// Package transfer implements a reliable, windowed, chunked transfer
// protocol for moving a resource between a client and a server over an
// unreliable datagram transport.
//
// # Architecture
//
// Every transfer is driven by a Context, a state machine that reacts to
// events: a new transfer, an inbound chunk, a timeout, or a local request to
// end the transfer. Contexts never run on their own. A Thread owns a fixed
// number of client and server contexts, one shared encode buffer, and the
// registry of server Handlers, and processes one event at a time on the
// goroutine running Thread.Run:
//
//	th, err := transfer.NewThread(transfer.DefaultThreadOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go th.Run(ctx)
//
// # Protocol
//
// A transfer starts with a handshake (Start, StartAck, StartAckConfirmation)
// that negotiates the protocol version and assigns a session id. Peers that
// only speak the legacy protocol skip the handshake; a client that gets data
// or parameters in reply to its Start falls back to legacy automatically.
//
// The receiver grants the transmitter a window of bytes and extends it once
// the remaining part drops below window/ExtendWindowDivisor. Data arriving at
// an unexpected offset puts the receiver into recovery, where it asks for a
// retransmission and ignores everything until the expected offset returns.
// The transmitter rewinds its reader with io.Seeker to serve the request.
//
// Timeouts retry the last request; after MaxRetries consecutive retries, or
// MaxLifetimeRetries over the whole transfer, the transfer ends with
// DeadlineExceeded. The final status is acknowledged with a CompletionAck in
// protocol version two.
//
// # RPC surface
//
// Service and Client bind a Thread to a transport.Transport using four
// packet streams: read request and response, write request and response.
//
//	svc := transfer.NewService(th, udp)
//	svc.RegisterHandler(handler.NewMemoryHandler(7, data))
//
//	cli, err := transfer.NewClient(th, udp, serverAddr)
//	err = cli.ReadSync(ctx, 7, &buf)
//
// # Deterministic Testing
//
// ThreadOptions.TimeProvider replaces the clock so that timeout behavior can
// be exercised without sleeping.
package transfer
