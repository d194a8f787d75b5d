package transfer

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/limits"
	"github.com/opd-ai/xfer/status"
)

// State is the protocol state of a Context.
type State uint8

const (
	// StateInactive marks an idle slot.
	StateInactive State = iota
	// StateCompleted holds a finished transfer so its final status can be
	// re-sent; the slot is reusable.
	StateCompleted
	// StateInitiating runs the Start/StartAck/StartAckConfirmation handshake.
	StateInitiating
	// StateWaiting waits for the peer's next chunk.
	StateWaiting
	// StateTransmitting paces out the data window.
	StateTransmitting
	// StateRecovery waits for the transmitter to rewind to the expected offset.
	StateRecovery
	// StateTerminating waits for the peer to acknowledge the final status.
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateCompleted:
		return "completed"
	case StateInitiating:
		return "initiating"
	case StateWaiting:
		return "waiting"
	case StateTransmitting:
		return "transmitting"
	case StateRecovery:
		return "recovery"
	case StateTerminating:
		return "terminating"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// DefaultInterchunkDelay paces consecutive data chunks within a window.
const DefaultInterchunkDelay = 2 * time.Millisecond

const (
	flagContactMade uint8 = 1 << iota
	flagDataSent
)

type transmitAction uint8

const (
	actionBegin transmitAction = iota
	actionRetransmit
	actionExtend
)

// Buffers is the scratch memory a Thread lends to a Context while it handles
// one event. Contexts must not retain it.
type Buffers struct {
	// Staging receives payload bytes read from the transmit stream.
	Staging []byte
	// Encode receives outbound encoded chunks.
	Encode []byte
}

// Context is the state machine of one transfer session. Contexts are owned by
// a Thread and are reused across transfers; all methods must be called from
// the owning thread's goroutine.
type Context struct {
	role Role

	// Role-specific cleanup targets.
	onCompletion func(error)
	handler      Handler

	initialized bool
	sessionID   uint32
	resourceID  uint32
	xferType    TransferType
	flags       uint8

	desiredVersion    chunk.ProtocolVersion
	configuredVersion chunk.ProtocolVersion

	state  State
	status status.Code

	offset            uint32
	windowSize        uint32
	windowEndOffset   uint32
	maxChunkSizeBytes uint32
	params            *Parameters

	chunkTimeout        time.Duration
	initialChunkTimeout time.Duration
	interchunkDelay     time.Duration
	nextTimeout         time.Time

	retries            int
	maxRetries         int
	lifetimeRetries    int
	maxLifetimeRetries int

	lastChunkSent   chunk.Type
	lastChunkOffset uint32

	rpcWriter ChunkWriter
	reader    io.Reader
	writer    io.Writer
	clock     TimeProvider

	buf Buffers
}

func newContext(role Role, clock TimeProvider) *Context {
	return &Context{role: role, clock: clock}
}

// Role reports whether this is a client or a server context.
func (c *Context) Role() Role { return c.role }

// SessionID is the current session id.
func (c *Context) SessionID() uint32 { return c.sessionID }

// ResourceID is the resource being transferred.
func (c *Context) ResourceID() uint32 { return c.resourceID }

// Type is the local endpoint's role in moving data.
func (c *Context) Type() TransferType { return c.xferType }

// State is the current protocol state.
func (c *Context) State() State { return c.state }

// Status is the local outcome, valid once the transfer has finished.
func (c *Context) Status() status.Code { return c.status }

// Offset is the number of bytes transferred so far.
func (c *Context) Offset() uint32 { return c.offset }

// WindowEndOffset is the exclusive end of the current window.
func (c *Context) WindowEndOffset() uint32 { return c.windowEndOffset }

// ConfiguredProtocolVersion is the negotiated protocol version.
func (c *Context) ConfiguredProtocolVersion() chunk.ProtocolVersion { return c.configuredVersion }

// NextTimeout is the armed deadline, or the zero time when none is armed.
func (c *Context) NextTimeout() time.Time { return c.nextTimeout }

// Active reports whether the transfer is still in progress.
func (c *Context) Active() bool { return c.state >= StateInitiating }

// HandleEvent advances the state machine. buf is only used for the duration
// of the call.
func (c *Context) HandleEvent(ev *Event, buf Buffers) {
	c.buf = buf
	defer func() { c.buf = Buffers{} }()

	switch ev.Type {
	case EventNewClientTransfer, EventNewServerTransfer:
		if c.Active() {
			c.abort(status.Aborted)
		}
		c.initialize(ev.NewTransfer)
		if ev.Type == EventNewClientTransfer {
			c.initiateTransferAsClient()
		} else if c.startTransferAsServer(ev.NewTransfer) {
			c.handleChunkEvent(ev.NewTransfer.InitialChunk)
		}

	case EventClientChunk, EventServerChunk:
		if !c.initialized {
			panic("transfer: chunk event delivered to an uninitialized context")
		}
		c.handleChunkEvent(ev.Chunk.Chunk)

	case EventClientTimeout, EventServerTimeout:
		c.handleTimeout()

	case EventClientEndTransfer, EventServerEndTransfer:
		if !c.Active() {
			return
		}
		if ev.EndTransfer.SendStatusChunk {
			c.terminateTransfer(ev.EndTransfer.Status, false)
		} else {
			c.abort(ev.EndTransfer.Status)
		}

	default:
		panic(fmt.Sprintf("transfer: dispatcher event %s reached a transfer context", ev.Type))
	}
}

func (c *Context) log(function string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"function":    function,
		"role":        c.role.String(),
		"type":        c.xferType.String(),
		"session_id":  c.sessionID,
		"resource_id": c.resourceID,
	})
}

func (c *Context) initialize(nt *NewTransferEvent) {
	opts := nt.Options

	c.initialized = true
	c.sessionID = nt.SessionID
	c.resourceID = nt.ResourceID
	c.xferType = nt.Type
	c.flags = 0
	c.status = status.OK

	c.desiredVersion = opts.ProtocolVersion
	if c.desiredVersion == chunk.VersionUnknown {
		c.desiredVersion = chunk.VersionLatest
	}
	if c.desiredVersion == chunk.VersionLegacy {
		// No handshake: go straight to the data phase.
		c.configuredVersion = chunk.VersionLegacy
		c.state = StateWaiting
	} else {
		c.configuredVersion = chunk.VersionUnknown
		c.state = StateInitiating
	}

	c.rpcWriter = nt.ChunkWriter
	c.reader = nt.Reader
	c.writer = nt.Writer
	c.onCompletion = nt.OnCompletion
	c.handler = nil

	c.params = opts.Parameters
	c.offset = 0
	c.windowSize = 0
	c.windowEndOffset = 0
	c.maxChunkSizeBytes = c.params.MaxChunkSizeBytes()

	c.chunkTimeout = opts.ChunkTimeout
	c.initialChunkTimeout = opts.InitialChunkTimeout
	if c.initialChunkTimeout == 0 {
		c.initialChunkTimeout = c.chunkTimeout
	}
	c.interchunkDelay = DefaultInterchunkDelay
	c.nextTimeout = time.Time{}

	c.retries = 0
	c.maxRetries = opts.MaxRetries
	c.lifetimeRetries = 0
	c.maxLifetimeRetries = opts.MaxLifetimeRetries

	c.lastChunkSent = chunk.TypeStart
	c.lastChunkOffset = 0
}

func (c *Context) initiateTransferAsClient() {
	c.setTimeout(c.initialChunkTimeout)

	c.log("initiateTransferAsClient").WithFields(logrus.Fields{
		"protocol_version": c.desiredVersion.String(),
	}).Info("Starting transfer")

	if c.xferType == Receive {
		c.updateTransferParameters()
	}

	if c.desiredVersion == chunk.VersionLegacy {
		if c.xferType == Receive {
			c.sendTransferParameters(actionBegin)
		} else {
			c.sendInitialLegacyTransmitChunk()
		}
		return
	}

	start := chunk.New(c.desiredVersion, chunk.TypeStart)
	start.ResourceID = ptr(c.resourceID)
	if c.xferType == Receive {
		// Parameters ride along so a legacy server can start sending at once.
		c.setTransferParameters(start)
	}
	c.encodeAndSendChunk(start)
}

func (c *Context) startTransferAsServer(nt *NewTransferEvent) bool {
	c.log("startTransferAsServer").WithFields(logrus.Fields{
		"protocol_version": c.desiredVersion.String(),
	}).Info("Starting transfer")

	c.flags |= flagContactMade

	h := nt.Handler
	if err := h.Prepare(c.xferType); err != nil {
		code := status.DataLoss
		if status.CodeOf(err) == status.PermissionDenied {
			code = status.PermissionDenied
		}
		c.log("startTransferAsServer").WithFields(logrus.Fields{
			"error":  err.Error(),
			"status": code.String(),
		}).Warn("Transfer handler prepare failed")
		c.terminateTransfer(code, true)
		return false
	}

	c.handler = h
	if c.xferType == Transmit {
		c.reader = h.Reader()
	} else {
		c.writer = h.Writer()
	}
	if (c.xferType == Transmit && c.reader == nil) || (c.xferType == Receive && c.writer == nil) {
		c.log("startTransferAsServer").Error("Transfer handler has no stream for this direction")
		c.terminateTransfer(status.DataLoss, true)
		return false
	}
	return true
}

func (c *Context) handleChunkEvent(ch *chunk.Chunk) {
	// Hearing from the peer resets the per-attempt retry budget.
	c.retries = 0
	c.flags |= flagContactMade

	if ch.IsTerminatingChunk() {
		if c.Active() {
			c.handleTermination(ch.StatusCode())
		} else {
			c.log("handleChunkEvent").WithField("status", ch.StatusCode().String()).
				Debug("Got final status for completed transfer")
		}
		return
	}

	if ch.Type == chunk.TypeCompletionAck && c.state != StateTerminating {
		c.log("handleChunkEvent").WithField("state", c.state.String()).Debug("Ignoring unexpected completion ack")
		return
	}

	if c.state == StateInactive {
		c.log("handleChunkEvent").Warn("Dropping chunk for inactive transfer")
		return
	}

	c.processDataPhaseChunk(ch)
}

func (c *Context) processDataPhaseChunk(ch *chunk.Chunk) {
	if c.xferType == Transmit {
		c.handleTransmitChunk(ch)
	} else {
		c.handleReceiveChunk(ch)
	}
}

func (c *Context) performInitialHandshake(ch *chunk.Chunk) {
	switch ch.Type {
	case chunk.TypeStart:
		// Server side; also answers retried Start chunks.
		c.updateLocalProtocolConfigurationFromPeer(ch)
		ack := chunk.New(c.configuredVersion, chunk.TypeStartAck)
		ack.SessionID = c.sessionID
		ack.ResourceID = ptr(c.resourceID)
		c.setTimeout(c.chunkTimeout)
		c.encodeAndSendChunk(ack)

	case chunk.TypeStartAck:
		c.updateLocalProtocolConfigurationFromPeer(ch)
		c.sessionID = ch.SessionID
		c.log("performInitialHandshake").Debug("Adopted server-assigned session id")

		confirm := chunk.New(c.configuredVersion, chunk.TypeStartAckConfirmation)
		confirm.SessionID = c.sessionID
		if c.xferType == Receive {
			c.updateTransferParameters()
			c.setTransferParameters(confirm)
		}
		c.state = StateWaiting
		c.setTimeout(c.chunkTimeout)
		c.encodeAndSendChunk(confirm)

	case chunk.TypeStartAckConfirmation:
		c.state = StateWaiting
		c.processDataPhaseChunk(ch)

	case chunk.TypeData, chunk.TypeParametersRetransmit, chunk.TypeParametersContinue:
		// The peer skipped the handshake, so it only speaks the legacy protocol.
		c.sessionID = ch.SessionID
		c.configuredVersion = chunk.VersionLegacy
		c.state = StateWaiting
		c.log("performInitialHandshake").Info("Peer does not support the handshake; reverting to legacy protocol")
		c.processDataPhaseChunk(ch)

	case chunk.TypeCompletion, chunk.TypeCompletionAck:
		panic("transfer: completion chunks must be handled before the handshake")
	}
}

func (c *Context) updateLocalProtocolConfigurationFromPeer(ch *chunk.Chunk) {
	c.configuredVersion = min(c.desiredVersion, ch.ProtocolVersion)
	c.log("updateLocalProtocolConfigurationFromPeer").WithFields(logrus.Fields{
		"desired_version": c.desiredVersion.String(),
		"peer_version":    ch.ProtocolVersion.String(),
		"configured":      c.configuredVersion.String(),
	}).Info("Negotiated protocol version")
}

func (c *Context) handleTransmitChunk(ch *chunk.Chunk) {
	switch c.state {
	case StateInactive, StateRecovery:
		c.log("handleTransmitChunk").WithField("state", c.state.String()).Error("Transmit chunk in invalid state")

	case StateCompleted:
		// The transfer is over; tell the peer again.
		if !ch.IsInitialChunk() {
			c.status = status.FailedPrecondition
		}
		c.sendFinalStatusChunk(false)

	case StateInitiating:
		c.performInitialHandshake(ch)

	case StateWaiting, StateTransmitting:
		if ch.ProtocolVersion != c.configuredVersion {
			c.log("handleTransmitChunk").WithFields(logrus.Fields{
				"configured_version": c.configuredVersion.String(),
				"chunk_version":      ch.ProtocolVersion.String(),
			}).Error("Received chunk with unexpected protocol version")
			c.terminateTransfer(status.Internal, false)
			return
		}

		switch ch.Type {
		case chunk.TypeParametersRetransmit, chunk.TypeParametersContinue,
			chunk.TypeStart, chunk.TypeStartAckConfirmation:
			c.handleTransferParametersUpdate(ch)

		case chunk.TypeStartAck:
			// The server repeats StartAck until it sees our confirmation.
			if c.lastChunkSent == chunk.TypeStartAckConfirmation {
				c.log("handleTransmitChunk").Debug("Duplicate StartAck; resending confirmation")
				c.retryHandshake()
			} else {
				c.log("handleTransmitChunk").Debug("Dropping late StartAck")
			}

		default:
			c.log("handleTransmitChunk").WithField("chunk_type", ch.Type.String()).
				Warn("Dropping chunk that does not carry transfer parameters")
		}

	case StateTerminating:
		c.handleTerminatingChunk(ch)
	}
}

func (c *Context) handleTransferParametersUpdate(ch *chunk.Chunk) {
	retransmit := ch.RequestsTransmissionFromOffset()

	if retransmit {
		if c.offset != ch.Offset {
			if err := c.seekReader(ch.Offset); err != nil {
				// Internal: the peer asked for an impossible offset.
				// Unimplemented: the stream cannot seek.
				// DataLoss: the stream is broken.
				code := status.CodeOf(err)
				switch code {
				case status.OutOfRange:
					code = status.Internal
				case status.Unimplemented:
				default:
					code = status.DataLoss
				}
				c.log("handleTransferParametersUpdate").WithFields(logrus.Fields{
					"offset": ch.Offset,
					"error":  err.Error(),
				}).Warn("Seek failed")
				c.terminateTransfer(code, false)
				return
			}
		}
		c.offset = ch.Offset
	}

	c.windowEndOffset = ch.WindowEndOffset

	// A zero chunk size would stall the transmit loop; keep the current one.
	if ch.MaxChunkSizeBytes != nil && *ch.MaxChunkSizeBytes > 0 {
		c.maxChunkSizeBytes = min(*ch.MaxChunkSizeBytes, c.params.MaxChunkSizeBytes())
	}
	if ch.MinDelayMicroseconds != nil {
		c.interchunkDelay = time.Duration(*ch.MinDelayMicroseconds) * time.Microsecond
	}

	c.log("handleTransferParametersUpdate").WithFields(logrus.Fields{
		"chunk_type":        ch.Type.String(),
		"offset":            c.offset,
		"window_end_offset": c.windowEndOffset,
		"max_chunk_size":    c.maxChunkSizeBytes,
	}).Debug("Received transfer parameters")

	c.transmitNextChunk(retransmit)
}

func (c *Context) seekReader(offset uint32) error {
	seeker, ok := c.reader.(io.Seeker)
	if !ok {
		return status.New(status.Unimplemented, "reader does not support seeking")
	}
	if _, err := seeker.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}
	return nil
}

func (c *Context) transmitNextChunk(retransmitRequested bool) {
	ch := chunk.New(c.configuredVersion, chunk.TypeData)
	ch.SessionID = c.sessionID
	ch.Offset = c.offset

	var windowRemaining uint32
	if c.windowEndOffset > c.offset {
		windowRemaining = c.windowEndOffset - c.offset
	}
	maxBytes := min(windowRemaining, c.maxChunkSizeBytes)
	if room := limits.MaxPayloadForBuffer(len(c.buf.Encode), chunk.MaxOverhead); uint32(room) < maxBytes {
		maxBytes = uint32(room)
	}
	if int(maxBytes) > len(c.buf.Staging) {
		maxBytes = uint32(len(c.buf.Staging))
	}

	n, err := c.reader.Read(c.buf.Staging[:maxBytes])
	switch {
	case n > 0:
		ch.Payload = c.buf.Staging[:n]
		c.lastChunkOffset = c.offset
		c.offset += uint32(n)
		if lr, ok := c.reader.(lengthReader); ok && lr.Len() == 0 {
			// Flag the end now instead of sending an empty final chunk.
			ch.RemainingBytes = ptr(uint64(0))
		}

	case errors.Is(err, io.EOF):
		ch.RemainingBytes = ptr(uint64(0))
		c.windowEndOffset = c.offset
		ch.WindowEndOffset = c.offset
		c.lastChunkOffset = c.offset
		c.log("transmitNextChunk").WithField("offset", c.offset).Info("Sending final chunk")

	case err != nil:
		c.log("transmitNextChunk").WithField("error", err.Error()).Error("Read from transfer stream failed")
		c.terminateTransfer(status.DataLoss, false)
		return

	case windowRemaining == 0:
		if retransmitRequested {
			c.log("transmitNextChunk").WithField("offset", c.offset).
				Error("Received an empty retransmit request while data remains")
			c.terminateTransfer(status.ResourceExhausted, false)
		} else {
			c.log("transmitNextChunk").Debug("Ignoring continuation for a window that has already been sent")
			c.state = StateWaiting
			c.setTimeout(c.chunkTimeout)
		}
		return

	default:
		// The reader made no progress. Each empty read spends a retry so a
		// stalled stream cannot keep the transfer open.
		if c.retries == c.maxRetries || c.lifetimeRetries == c.maxLifetimeRetries {
			c.log("transmitNextChunk").WithField("offset", c.offset).
				Error("Transfer stream stopped producing data")
			c.terminateTransfer(status.DeadlineExceeded, false)
			return
		}
		c.retries++
		c.lifetimeRetries++
		c.log("transmitNextChunk").WithField("retries", c.retries).Warn("Transfer stream returned no data")
		c.state = StateTransmitting
		c.setTimeout(c.chunkTimeout)
		return
	}

	data, err := ch.Encode(c.buf.Encode)
	if err != nil {
		c.log("transmitNextChunk").WithField("error", err.Error()).Error("Failed to encode data chunk")
		c.terminateTransfer(status.Internal, false)
		return
	}
	if err := c.rpcWriter.Write(data); err != nil {
		c.log("transmitNextChunk").WithField("error", err.Error()).Error("Failed to send data chunk")
		c.terminateTransfer(status.DataLoss, false)
		return
	}

	c.lastChunkSent = chunk.TypeData
	c.flags |= flagDataSent

	if c.offset >= c.windowEndOffset || ch.IsFinalTransmitChunk() {
		c.state = StateWaiting
		c.setTimeout(c.chunkTimeout)
	} else {
		c.state = StateTransmitting
		c.setTimeout(c.interchunkDelay)
	}
}

func (c *Context) handleReceiveChunk(ch *chunk.Chunk) {
	if c.state == StateInitiating {
		c.performInitialHandshake(ch)
		return
	}

	if ch.ProtocolVersion != c.configuredVersion {
		c.log("handleReceiveChunk").WithFields(logrus.Fields{
			"configured_version": c.configuredVersion.String(),
			"chunk_version":      ch.ProtocolVersion.String(),
		}).Error("Received chunk with unexpected protocol version")
		c.terminateTransfer(status.Internal, false)
		return
	}

	switch c.state {
	case StateInactive, StateTransmitting, StateInitiating:
		c.log("handleReceiveChunk").WithField("state", c.state.String()).Error("Receive chunk in invalid state")

	case StateCompleted:
		c.sendFinalStatusChunk(false)

	case StateTerminating:
		c.handleTerminatingChunk(ch)

	case StateRecovery:
		if ch.Type == chunk.TypeStart || ch.Type == chunk.TypeStartAckConfirmation {
			c.handleReceivedData(ch)
			return
		}
		if ch.Offset != c.offset {
			if c.lastChunkOffset == ch.Offset {
				c.log("handleReceiveChunk").WithField("offset", ch.Offset).
					Debug("Repeated offset; retry detected, resending transfer parameters")
				c.updateAndSendTransferParameters(actionRetransmit)
			} else {
				c.log("handleReceiveChunk").WithFields(logrus.Fields{
					"expected": c.offset,
					"got":      ch.Offset,
				}).Debug("Waiting for expected offset")
			}
			c.lastChunkOffset = ch.Offset
			c.setTimeout(c.chunkTimeout)
			return
		}

		c.log("handleReceiveChunk").WithField("offset", c.offset).Info("Received expected offset, resuming transfer")
		c.state = StateWaiting
		c.handleReceivedData(ch)

	case StateWaiting:
		c.handleReceivedData(ch)
	}
}

func (c *Context) handleReceivedData(ch *chunk.Chunk) {
	if ch.Type == chunk.TypeStart || ch.Type == chunk.TypeStartAckConfirmation {
		// The transmitter is (re)opening the data phase and waits for a window.
		c.setTimeout(c.chunkTimeout)
		c.updateAndSendTransferParameters(actionRetransmit)
		return
	}

	if ch.Offset != c.offset {
		c.log("handleReceivedData").WithFields(logrus.Fields{
			"expected": c.offset,
			"got":      ch.Offset,
		}).Debug("Received chunk with unexpected offset, entering recovery")
		c.state = StateRecovery
		c.setTimeout(c.chunkTimeout)
		c.updateAndSendTransferParameters(actionRetransmit)
		return
	}

	payloadLen := uint32(len(ch.Payload))
	if uint64(ch.Offset)+uint64(payloadLen) > uint64(c.windowEndOffset) {
		c.log("handleReceivedData").WithFields(logrus.Fields{
			"offset":            ch.Offset,
			"payload":           payloadLen,
			"window_end_offset": c.windowEndOffset,
		}).Error("Received more data than was requested")
		c.terminateTransfer(status.Internal, false)
		return
	}

	c.lastChunkOffset = ch.Offset

	if payloadLen > 0 {
		if _, err := c.writer.Write(ch.Payload); err != nil {
			c.log("handleReceivedData").WithFields(logrus.Fields{
				"payload": payloadLen,
				"error":   err.Error(),
			}).Error("Write to transfer stream failed")
			c.terminateTransfer(status.DataLoss, false)
			return
		}
	}
	c.offset += payloadLen

	if ch.IsFinalTransmitChunk() {
		c.log("handleReceivedData").WithField("offset", c.offset).Info("Received final chunk")
		c.terminateTransfer(status.OK, false)
		return
	}

	if ch.WindowEndOffset != 0 {
		if ch.WindowEndOffset < c.offset {
			c.log("handleReceivedData").WithFields(logrus.Fields{
				"window_end_offset": ch.WindowEndOffset,
				"offset":            c.offset,
			}).Error("Transmitter sent a window end before the current offset")
			c.terminateTransfer(status.Internal, false)
			return
		}
		if ch.WindowEndOffset > c.windowEndOffset {
			c.log("handleReceivedData").WithFields(logrus.Fields{
				"window_end_offset": ch.WindowEndOffset,
				"advertised":        c.windowEndOffset,
			}).Error("Transmitter sent a window end beyond the advertised window")
			c.terminateTransfer(status.Internal, false)
			return
		}
		c.windowEndOffset = ch.WindowEndOffset
	}

	c.setTimeout(c.chunkTimeout)

	if c.offset == c.windowEndOffset {
		c.updateAndSendTransferParameters(actionRetransmit)
		return
	}

	// Extend early so the transmitter never idles waiting for a window.
	remaining := c.windowEndOffset - c.offset
	if remaining <= c.windowSize/c.params.ExtendWindowDivisor() {
		c.updateAndSendTransferParameters(actionExtend)
	}
}

func (c *Context) handleTerminatingChunk(ch *chunk.Chunk) {
	switch ch.Type {
	case chunk.TypeCompletion:
		panic("transfer: completion chunks must be handled by handleChunkEvent")
	case chunk.TypeCompletionAck:
		c.log("handleTerminatingChunk").WithField("status", c.status.String()).Info("Transfer completed")
		c.state = StateInactive
		c.clearTimeout()
	default:
		c.sendFinalStatusChunk(false)
	}
}

func (c *Context) handleTimeout() {
	c.clearTimeout()

	switch c.state {
	case StateCompleted:
		// Nobody asked for the final status again; release the slot.
		c.state = StateInactive

	case StateTransmitting:
		// Pacing delay elapsed.
		c.transmitNextChunk(false)

	case StateInitiating, StateWaiting, StateRecovery, StateTerminating:
		c.setTimeout(c.chunkTimeout)
		c.retry()

	case StateInactive:
		c.log("handleTimeout").Debug("Timeout in inactive state")
	}
}

func (c *Context) retry() {
	if c.retries == c.maxRetries || c.lifetimeRetries == c.maxLifetimeRetries {
		if c.state == StateTerminating {
			c.log("retry").Info("Timed out waiting for completion ack")
			c.state = StateInactive
			c.clearTimeout()
			return
		}
		c.log("retry").WithFields(logrus.Fields{
			"retries":          c.retries,
			"lifetime_retries": c.lifetimeRetries,
		}).Error("Peer stopped responding; cancelling transfer")
		c.terminateTransfer(status.DeadlineExceeded, false)
		return
	}

	c.retries++
	c.lifetimeRetries++

	c.log("retry").WithFields(logrus.Fields{
		"retries": c.retries,
		"state":   c.state.String(),
		"resend":  c.lastChunkSent.String(),
	}).Warn("Retrying after timeout")

	if c.state == StateInitiating || (c.configuredVersion >= chunk.VersionTwo && isHandshakeChunk(c.lastChunkSent)) {
		c.retryHandshake()
		return
	}

	if c.state == StateTerminating {
		c.sendFinalStatusChunk(false)
		return
	}

	if c.xferType == Receive {
		c.sendTransferParameters(actionRetransmit)
		return
	}

	if c.flags&flagDataSent == 0 {
		// The receiver's first parameters never arrived.
		c.sendInitialLegacyTransmitChunk()
		return
	}

	if err := c.seekReader(c.lastChunkOffset); err != nil {
		c.log("retry").WithField("error", err.Error()).Error("Cannot rewind transfer stream to retry")
		c.terminateTransfer(status.DeadlineExceeded, false)
		return
	}
	c.offset = c.lastChunkOffset
	c.transmitNextChunk(false)
}

// lengthReader is implemented by readers that know how many unread bytes
// remain, such as bytes.Reader and strings.Reader.
type lengthReader interface {
	Len() int
}

func isHandshakeChunk(t chunk.Type) bool {
	return t == chunk.TypeStart || t == chunk.TypeStartAck || t == chunk.TypeStartAckConfirmation
}

func (c *Context) retryHandshake() {
	ch := chunk.New(c.configuredVersion, c.lastChunkSent)

	switch c.lastChunkSent {
	case chunk.TypeStart:
		// Nothing is negotiated yet; offer the desired version again.
		ch.ProtocolVersion = c.desiredVersion
		ch.ResourceID = ptr(c.resourceID)
		if c.xferType == Receive {
			c.setTransferParameters(ch)
		}
	case chunk.TypeStartAck:
		ch.SessionID = c.sessionID
		ch.ResourceID = ptr(c.resourceID)
	case chunk.TypeStartAckConfirmation:
		ch.SessionID = c.sessionID
		if c.xferType == Receive {
			c.setTransferParameters(ch)
		}
	default:
		panic(fmt.Sprintf("transfer: retryHandshake after %s", c.lastChunkSent))
	}

	c.encodeAndSendChunk(ch)
}

// terminateTransfer ends the transfer with code, notifying the peer when it
// has been heard from. It is a no-op once the transfer has finished.
func (c *Context) terminateTransfer(code status.Code, withResourceID bool) {
	if c.state == StateTerminating || c.state == StateCompleted || c.state == StateInactive {
		return
	}

	skipHandshake := c.shouldSkipCompletionHandshake()
	c.finish(code)

	entry := c.log("terminateTransfer").WithField("status", c.status.String())
	if c.status == status.OK {
		entry.Info("Transfer finished")
	} else {
		entry.Error("Transfer terminated")
	}

	if skipHandshake {
		c.state = StateCompleted
	} else {
		c.state = StateTerminating
	}
	c.setTimeout(c.chunkTimeout)

	if c.flags&flagContactMade != 0 {
		c.sendFinalStatusChunk(withResourceID)
	}
}

// handleTermination processes a final status sent by the peer.
func (c *Context) handleTermination(code status.Code) {
	entry := c.log("handleTermination").WithField("status", code.String())
	if code == status.OK {
		entry.Info("Peer completed transfer")
	} else {
		entry.Warn("Peer terminated transfer")
	}

	skipHandshake := c.shouldSkipCompletionHandshake()
	if c.state != StateTerminating {
		c.finish(code)
	}

	c.state = StateInactive
	c.clearTimeout()

	if !skipHandshake {
		ack := chunk.New(c.configuredVersion, chunk.TypeCompletionAck)
		ack.SessionID = c.sessionID
		c.encodeAndSendChunk(ack)
	}
}

// abort ends the transfer locally without telling the peer.
func (c *Context) abort(code status.Code) {
	c.finish(code)
	c.log("abort").WithField("status", c.status.String()).Warn("Transfer aborted")
	c.state = StateInactive
	c.clearTimeout()
}

func (c *Context) finish(code status.Code) {
	c.status = status.Update(code, c.finalCleanup(code))
}

// finalCleanup hands the outcome to the role-specific owner exactly once.
func (c *Context) finalCleanup(code status.Code) status.Code {
	switch c.role {
	case RoleClient:
		if cb := c.onCompletion; cb != nil {
			c.onCompletion = nil
			cb(status.Errorf(code, "transfer of resource %d", c.resourceID))
		}
		return status.OK

	case RoleServer:
		h := c.handler
		if h == nil {
			// Prepare never succeeded.
			return status.OK
		}
		c.handler = nil
		if err := h.Finalize(c.xferType, status.FromCode(code)); err != nil {
			c.log("finalCleanup").WithField("error", err.Error()).Error("Transfer handler finalize failed")
			return status.DataLoss
		}
		return status.OK
	}
	return status.OK
}

func (c *Context) shouldSkipCompletionHandshake() bool {
	return c.configuredVersion <= chunk.VersionLegacy || c.state == StateInitiating
}

func (c *Context) sendFinalStatusChunk(withResourceID bool) {
	version := c.configuredVersion
	if version == chunk.VersionUnknown {
		version = c.desiredVersion
	}
	final := chunk.Final(version, c.sessionID, c.status)
	if withResourceID {
		final.ResourceID = ptr(c.resourceID)
	}
	c.encodeAndSendChunk(final)
}

func (c *Context) sendInitialLegacyTransmitChunk() {
	// Legacy transfers are keyed by resource id.
	ch := chunk.New(chunk.VersionLegacy, chunk.TypeStart)
	ch.SessionID = c.resourceID
	ch.ResourceID = ptr(c.resourceID)
	c.encodeAndSendChunk(ch)
}

// updateTransferParameters recomputes the receive window from the current
// offset, bounded by what the sink is certain to accept.
func (c *Context) updateTransferParameters() {
	pending := c.params.PendingBytes()
	if limiter, ok := c.writer.(ConservativeWriteLimiter); ok {
		if limit := limiter.ConservativeWriteLimit(); limit >= 0 && uint64(limit) < uint64(pending) {
			pending = uint32(limit)
		}
	}

	c.windowSize = pending
	c.windowEndOffset = c.offset + pending

	c.maxChunkSizeBytes = c.params.MaxChunkSizeBytes()
	if room := limits.MaxPayloadForBuffer(len(c.buf.Encode), chunk.MaxOverhead); room > 0 && uint32(room) < c.maxChunkSizeBytes {
		c.maxChunkSizeBytes = uint32(room)
	}
}

func (c *Context) setTransferParameters(ch *chunk.Chunk) {
	ch.Offset = c.offset
	ch.WindowEndOffset = c.windowEndOffset
	ch.MaxChunkSizeBytes = ptr(c.maxChunkSizeBytes)
}

func (c *Context) sendTransferParameters(action transmitAction) {
	t := chunk.TypeParametersRetransmit
	switch action {
	case actionBegin:
		t = chunk.TypeStart
	case actionExtend:
		t = chunk.TypeParametersContinue
	}

	ch := chunk.New(c.configuredVersion, t)
	ch.SessionID = c.sessionID
	if action == actionBegin {
		ch.ResourceID = ptr(c.resourceID)
	}
	c.setTransferParameters(ch)

	c.log("sendTransferParameters").WithFields(logrus.Fields{
		"chunk_type":        t.String(),
		"offset":            c.offset,
		"window_end_offset": c.windowEndOffset,
	}).Debug("Sending transfer parameters")

	c.encodeAndSendChunk(ch)
}

func (c *Context) updateAndSendTransferParameters(action transmitAction) {
	c.updateTransferParameters()
	c.sendTransferParameters(action)
}

func (c *Context) encodeAndSendChunk(ch *chunk.Chunk) {
	c.lastChunkSent = ch.Type

	data, err := ch.Encode(c.buf.Encode)
	if err != nil {
		c.log("encodeAndSendChunk").WithFields(logrus.Fields{
			"chunk_type": ch.Type.String(),
			"error":      err.Error(),
		}).Error("Failed to encode chunk")
		if c.Active() {
			c.terminateTransfer(status.Internal, false)
		}
		return
	}

	if err := c.rpcWriter.Write(data); err != nil {
		c.log("encodeAndSendChunk").WithFields(logrus.Fields{
			"chunk_type": ch.Type.String(),
			"error":      err.Error(),
		}).Error("Failed to send chunk")
		if c.Active() {
			c.terminateTransfer(status.Internal, false)
		}
	}
}

func (c *Context) setTimeout(d time.Duration) {
	c.nextTimeout = c.clock.Now().Add(d)
}

func (c *Context) clearTimeout() {
	c.nextTimeout = time.Time{}
}

func ptr[T any](v T) *T { return &v }
