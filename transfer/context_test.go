package transfer

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/status"
)

const testResource = 7

type contextHarness struct {
	ctx   *Context
	rec   *chunkRecorder
	done  *completion
	clock *mockTimeProvider
	buf   Buffers
}

func (h *contextHarness) deliver(c *chunk.Chunk) {
	h.ctx.HandleEvent(chunkEvent(h.ctx.role, c), h.buf)
}

func (h *contextHarness) timeout() {
	h.clock.advance(time.Second)
	h.ctx.HandleEvent(timeoutEvent(h.ctx.role), h.buf)
}

func startClientContext(t *testing.T, xferType TransferType, version chunk.ProtocolVersion, params *Parameters, r *bytes.Reader, w *bytes.Buffer) *contextHarness {
	t.Helper()

	var reader io.Reader
	var writer io.Writer
	if r != nil {
		reader = r
	}
	if w != nil {
		writer = w
	}
	return startClientContextWith(t, xferType, testOptions(version, params), reader, writer)
}

func startClientContextWith(t *testing.T, xferType TransferType, opts TransferOptions, r io.Reader, w io.Writer) *contextHarness {
	t.Helper()

	h := &contextHarness{
		rec:   &chunkRecorder{},
		done:  &completion{},
		clock: newMockTimeProvider(),
		buf:   testBuffers(),
	}
	h.ctx = newContext(RoleClient, h.clock)

	nt := &NewTransferEvent{
		Type:         xferType,
		ResourceID:   testResource,
		Options:      opts,
		ChunkWriter:  h.rec,
		Reader:       r,
		Writer:       w,
		OnCompletion: h.done.callback,
	}
	if opts.ProtocolVersion == chunk.VersionLegacy {
		nt.SessionID = testResource
	}
	h.ctx.HandleEvent(&Event{Type: EventNewClientTransfer, NewTransfer: nt}, h.buf)
	require.NotEmpty(t, h.rec.chunks, "client must send an initial chunk")
	return h
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func legacyChunk(t chunk.Type, offset uint32) *chunk.Chunk {
	c := chunk.New(chunk.VersionLegacy, t)
	c.SessionID = testResource
	c.Offset = offset
	return c
}

func legacyData(offset uint32, payload []byte) *chunk.Chunk {
	c := legacyChunk(chunk.TypeData, offset)
	c.Payload = payload
	return c
}

func TestContextLegacyClientInitialChunks(t *testing.T) {
	rx := startClientContext(t, Receive, chunk.VersionLegacy, mustParameters(64, 32, 2), nil, &bytes.Buffer{})
	start := rx.rec.last()
	assert.Equal(t, chunk.TypeStart, start.Type)
	assert.Equal(t, uint32(testResource), start.SessionID)
	assert.Equal(t, uint32(64), start.WindowEndOffset)
	require.NotNil(t, start.MaxChunkSizeBytes)
	assert.Equal(t, uint32(32), *start.MaxChunkSizeBytes)
	assert.Equal(t, StateWaiting, rx.ctx.State())

	tx := startClientContext(t, Transmit, chunk.VersionLegacy, DefaultParameters(), bytes.NewReader(pattern(10)), nil)
	start = tx.rec.last()
	assert.Equal(t, chunk.TypeStart, start.Type)
	assert.Equal(t, uint32(testResource), start.SessionID)
	assert.Nil(t, start.MaxChunkSizeBytes)
}

func TestContextTransmitRetryEndsWithDeadlineExceeded(t *testing.T) {
	data := pattern(1000)
	h := startClientContext(t, Transmit, chunk.VersionLegacy, DefaultParameters(), bytes.NewReader(data), nil)

	params := legacyChunk(chunk.TypeParametersRetransmit, 100)
	params.WindowEndOffset = 200
	params.MaxChunkSizeBytes = u32(100)
	h.deliver(params)

	sent := h.rec.last()
	require.Equal(t, chunk.TypeData, sent.Type)
	assert.Equal(t, uint32(100), sent.Offset)
	assert.Equal(t, data[100:200], sent.Payload)
	assert.Equal(t, StateWaiting, h.ctx.State())

	for i := 0; i < 3; i++ {
		h.timeout()
		retry := h.rec.last()
		require.Equal(t, chunk.TypeData, retry.Type, "retry %d", i+1)
		assert.Equal(t, uint32(100), retry.Offset)
		assert.Equal(t, data[100:200], retry.Payload)
		assert.LessOrEqual(t, retry.Offset+uint32(len(retry.Payload)), uint32(200))
		assert.True(t, h.ctx.Active())
	}
	assert.Empty(t, h.done.calls)

	h.timeout()
	assert.Equal(t, status.DeadlineExceeded, h.ctx.Status())
	assert.NotEqual(t, StateTransmitting, h.ctx.State())
	assert.False(t, h.ctx.Active())
	require.Len(t, h.done.calls, 1)
	assert.Equal(t, status.DeadlineExceeded, h.done.code())
	assert.Len(t, h.rec.ofType(chunk.TypeData), 4)

	final := h.rec.last()
	assert.Equal(t, chunk.TypeCompletion, final.Type)
	assert.Equal(t, status.DeadlineExceeded, final.StatusCode())

	// The completed slot expires without sending anything else.
	sentBefore := len(h.rec.chunks)
	h.timeout()
	assert.Equal(t, StateInactive, h.ctx.State())
	assert.Len(t, h.rec.chunks, sentBefore)
}

func TestContextReceiveWindowViolation(t *testing.T) {
	sink := &bytes.Buffer{}
	h := startClientContext(t, Receive, chunk.VersionLegacy, mustParameters(50, 40, 10), nil, sink)
	assert.Equal(t, uint32(50), h.ctx.WindowEndOffset())

	data := pattern(60)
	h.deliver(legacyData(0, data[:40]))
	assert.Equal(t, uint32(40), h.ctx.Offset())
	assert.True(t, h.ctx.Active())

	h.deliver(legacyData(40, data[40:60]))
	assert.Equal(t, status.Internal, h.ctx.Status())
	assert.Equal(t, status.Internal, h.done.code())
	assert.Equal(t, data[:40], sink.Bytes(), "nothing from the violating chunk may be written")
	assert.Equal(t, uint32(40), h.ctx.Offset())

	final := h.rec.last()
	assert.Equal(t, chunk.TypeCompletion, final.Type)
	assert.Equal(t, status.Internal, final.StatusCode())
}

func TestContextTerminateIsIdempotent(t *testing.T) {
	h := startClientContext(t, Receive, chunk.VersionLegacy, mustParameters(64, 32, 2), nil, &bytes.Buffer{})
	h.deliver(legacyData(0, pattern(8)))

	h.ctx.terminateTransfer(status.Cancelled, false)
	state := h.ctx.State()
	sent := len(h.rec.chunks)

	h.ctx.terminateTransfer(status.Internal, false)
	assert.Equal(t, state, h.ctx.State())
	assert.Len(t, h.rec.chunks, sent)
	assert.Equal(t, status.Cancelled, h.ctx.Status())
	assert.Len(t, h.done.calls, 1)
}

func TestContextReceiveOffsetIsMonotonic(t *testing.T) {
	sink := &bytes.Buffer{}
	h := startClientContext(t, Receive, chunk.VersionLegacy, mustParameters(256, 32, 2), nil, sink)
	data := pattern(128)

	steps := []uint32{0, 64, 96, 32, 64, 96}
	var last uint32
	for _, off := range steps {
		h.deliver(legacyData(off, data[off:off+32]))
		assert.GreaterOrEqual(t, h.ctx.Offset(), last)
		assert.Equal(t, uint32(sink.Len()), h.ctx.Offset())
		last = h.ctx.Offset()
	}

	assert.Equal(t, uint32(128), h.ctx.Offset())
	assert.Equal(t, data, sink.Bytes())
	assert.Equal(t, StateWaiting, h.ctx.State())
}

func TestContextRecoveryResendsParametersOnRepeatedOffset(t *testing.T) {
	h := startClientContext(t, Receive, chunk.VersionLegacy, mustParameters(256, 32, 2), nil, &bytes.Buffer{})
	data := pattern(128)

	h.deliver(legacyData(0, data[:32]))
	h.deliver(legacyData(64, data[64:96]))
	require.Equal(t, StateRecovery, h.ctx.State())
	retransmits := h.rec.ofType(chunk.TypeParametersRetransmit)
	require.Len(t, retransmits, 1)
	assert.Equal(t, uint32(32), retransmits[0].Offset)

	h.deliver(legacyData(96, data[96:128]))
	assert.Len(t, h.rec.ofType(chunk.TypeParametersRetransmit), 1)

	h.deliver(legacyData(96, data[96:128]))
	assert.Len(t, h.rec.ofType(chunk.TypeParametersRetransmit), 2)
	assert.Equal(t, StateRecovery, h.ctx.State())

	h.deliver(legacyData(32, data[32:64]))
	assert.Equal(t, StateWaiting, h.ctx.State())
	assert.Equal(t, uint32(64), h.ctx.Offset())
}

func TestContextReceiveExtendsWindow(t *testing.T) {
	h := startClientContext(t, Receive, chunk.VersionLegacy, mustParameters(64, 32, 2), nil, &bytes.Buffer{})

	h.deliver(legacyData(0, pattern(32)))
	ext := h.rec.last()
	require.Equal(t, chunk.TypeParametersContinue, ext.Type)
	assert.Equal(t, uint32(32), ext.Offset)
	assert.Equal(t, uint32(96), ext.WindowEndOffset)
}

func TestContextReceiveWriteFailure(t *testing.T) {
	h := &contextHarness{rec: &chunkRecorder{}, done: &completion{}, clock: newMockTimeProvider(), buf: testBuffers()}
	h.ctx = newContext(RoleClient, h.clock)
	h.ctx.HandleEvent(&Event{Type: EventNewClientTransfer, NewTransfer: &NewTransferEvent{
		Type:         Receive,
		SessionID:    testResource,
		ResourceID:   testResource,
		Options:      testOptions(chunk.VersionLegacy, DefaultParameters()),
		ChunkWriter:  h.rec,
		Writer:       failingWriter{},
		OnCompletion: h.done.callback,
	}}, h.buf)

	h.deliver(legacyData(0, pattern(16)))
	assert.Equal(t, status.DataLoss, h.done.code())
}

func TestContextTransmitHonorsWindow(t *testing.T) {
	data := pattern(100)
	h := startClientContext(t, Transmit, chunk.VersionLegacy, DefaultParameters(), bytes.NewReader(data), nil)

	params := legacyChunk(chunk.TypeParametersRetransmit, 0)
	params.WindowEndOffset = 64
	params.MaxChunkSizeBytes = u32(16)
	h.deliver(params)
	assert.Equal(t, StateTransmitting, h.ctx.State())

	for h.ctx.State() == StateTransmitting {
		h.clock.advance(DefaultInterchunkDelay)
		h.ctx.HandleEvent(timeoutEvent(RoleClient), h.buf)
	}
	assert.Equal(t, StateWaiting, h.ctx.State())
	for _, c := range h.rec.ofType(chunk.TypeData) {
		assert.LessOrEqual(t, c.Offset+uint32(len(c.Payload)), uint32(64))
	}
	assert.Len(t, h.rec.ofType(chunk.TypeData), 4)

	cont := legacyChunk(chunk.TypeParametersContinue, 64)
	cont.WindowEndOffset = 128
	cont.MaxChunkSizeBytes = u32(16)
	h.deliver(cont)
	for h.ctx.State() == StateTransmitting {
		h.clock.advance(DefaultInterchunkDelay)
		h.ctx.HandleEvent(timeoutEvent(RoleClient), h.buf)
	}

	sent := h.rec.ofType(chunk.TypeData)
	require.Len(t, sent, 7)
	last := sent[len(sent)-1]
	assert.Equal(t, uint32(96), last.Offset)
	assert.Equal(t, data[96:], last.Payload)
	assert.True(t, last.IsFinalTransmitChunk())

	var received []byte
	for _, c := range sent {
		received = append(received, c.Payload...)
	}
	assert.Equal(t, data, received)
}

func TestContextTransmitSeekUnsupported(t *testing.T) {
	h := &contextHarness{rec: &chunkRecorder{}, done: &completion{}, clock: newMockTimeProvider(), buf: testBuffers()}
	h.ctx = newContext(RoleClient, h.clock)
	h.ctx.HandleEvent(&Event{Type: EventNewClientTransfer, NewTransfer: &NewTransferEvent{
		Type:         Transmit,
		SessionID:    testResource,
		ResourceID:   testResource,
		Options:      testOptions(chunk.VersionLegacy, DefaultParameters()),
		ChunkWriter:  h.rec,
		Reader:       forwardOnlyReader{r: bytes.NewReader(pattern(64))},
		OnCompletion: h.done.callback,
	}}, h.buf)

	params := legacyChunk(chunk.TypeParametersRetransmit, 10)
	params.WindowEndOffset = 64
	h.deliver(params)
	assert.Equal(t, status.Unimplemented, h.done.code())
}

func TestContextLegacyFallback(t *testing.T) {
	sink := &bytes.Buffer{}
	h := startClientContext(t, Receive, chunk.VersionTwo, mustParameters(64, 32, 2), nil, sink)

	start := h.rec.last()
	require.Equal(t, chunk.TypeStart, start.Type)
	assert.Equal(t, chunk.VersionTwo, start.ProtocolVersion)
	require.NotNil(t, start.ResourceID)
	assert.Equal(t, uint32(testResource), *start.ResourceID)
	assert.Equal(t, StateInitiating, h.ctx.State())

	payload := pattern(16)
	h.deliver(legacyData(0, payload))

	assert.Equal(t, chunk.VersionLegacy, h.ctx.ConfiguredProtocolVersion())
	assert.Equal(t, uint32(testResource), h.ctx.SessionID())
	assert.True(t, h.ctx.Active())
	assert.Empty(t, h.done.calls)
	assert.Equal(t, payload, sink.Bytes())
}

func TestContextHandshakeRetryResendsStart(t *testing.T) {
	h := startClientContext(t, Receive, chunk.VersionTwo, mustParameters(64, 32, 2), nil, &bytes.Buffer{})

	h.clock.advance(2 * time.Second)
	h.ctx.HandleEvent(timeoutEvent(RoleClient), h.buf)

	starts := h.rec.ofType(chunk.TypeStart)
	require.Len(t, starts, 2)
	assert.Equal(t, starts[0].ResourceID, starts[1].ResourceID)
	assert.Equal(t, chunk.VersionTwo, starts[1].ProtocolVersion)
	assert.Equal(t, uint32(64), starts[1].WindowEndOffset)
}

func TestContextInitiatingTimeoutWithoutContact(t *testing.T) {
	h := startClientContext(t, Receive, chunk.VersionTwo, DefaultParameters(), nil, &bytes.Buffer{})
	for i := 0; i < 4; i++ {
		h.timeout()
	}
	assert.Equal(t, status.DeadlineExceeded, h.done.code())
	assert.Equal(t, StateCompleted, h.ctx.State())
	// Nothing was heard from the server, so no final status is sent.
	assert.Empty(t, h.rec.ofType(chunk.TypeCompletion))
}

func TestContextTerminatingRetriesThenGoesInactive(t *testing.T) {
	h := startClientContext(t, Receive, chunk.VersionTwo, mustParameters(64, 32, 2), nil, &bytes.Buffer{})

	ack := chunk.New(chunk.VersionTwo, chunk.TypeStartAck)
	ack.SessionID = 5
	ack.ResourceID = u32(testResource)
	h.deliver(ack)

	confirm := h.rec.last()
	require.Equal(t, chunk.TypeStartAckConfirmation, confirm.Type)
	assert.Equal(t, uint32(5), confirm.SessionID)
	assert.Equal(t, uint32(64), confirm.WindowEndOffset)
	assert.Equal(t, uint32(5), h.ctx.SessionID())
	assert.Equal(t, StateWaiting, h.ctx.State())

	data := chunk.New(chunk.VersionTwo, chunk.TypeData)
	data.SessionID = 5
	data.Payload = pattern(8)
	data.RemainingBytes = u64(0)
	h.deliver(data)

	require.Len(t, h.done.calls, 1)
	assert.NoError(t, h.done.calls[0])
	assert.Equal(t, StateTerminating, h.ctx.State())
	require.Len(t, h.rec.ofType(chunk.TypeCompletion), 1)

	for i := 0; i < 3; i++ {
		h.timeout()
		assert.Equal(t, StateTerminating, h.ctx.State())
	}
	assert.Len(t, h.rec.ofType(chunk.TypeCompletion), 4)

	h.timeout()
	assert.Equal(t, StateInactive, h.ctx.State())
	assert.Len(t, h.rec.ofType(chunk.TypeCompletion), 4)
	assert.Len(t, h.done.calls, 1)
}

func TestContextCompletionAckOutsideTerminatingIgnored(t *testing.T) {
	h := startClientContext(t, Receive, chunk.VersionLegacy, DefaultParameters(), nil, &bytes.Buffer{})
	sent := len(h.rec.chunks)

	h.deliver(legacyChunk(chunk.TypeCompletionAck, 0))
	assert.Equal(t, StateWaiting, h.ctx.State())
	assert.Len(t, h.rec.chunks, sent)
}

func TestContextPeerTermination(t *testing.T) {
	h := startClientContext(t, Transmit, chunk.VersionLegacy, DefaultParameters(), bytes.NewReader(pattern(10)), nil)
	sent := len(h.rec.chunks)

	h.deliver(chunk.Final(chunk.VersionLegacy, testResource, status.PermissionDenied))
	assert.Equal(t, status.PermissionDenied, h.done.code())
	assert.Equal(t, StateInactive, h.ctx.State())
	assert.Len(t, h.rec.chunks, sent, "legacy transfers do not acknowledge completion")
}

func TestContextEndTransferWithoutStatusChunk(t *testing.T) {
	h := startClientContext(t, Receive, chunk.VersionLegacy, DefaultParameters(), nil, &bytes.Buffer{})
	sent := len(h.rec.chunks)

	h.ctx.HandleEvent(&Event{Type: EventClientEndTransfer, EndTransfer: &EndTransferEvent{
		ID: testResource, ByResource: true, Status: status.Aborted,
	}}, h.buf)

	assert.Equal(t, status.Aborted, h.done.code())
	assert.Equal(t, StateInactive, h.ctx.State())
	assert.True(t, h.ctx.NextTimeout().IsZero())
	assert.Len(t, h.rec.chunks, sent)
}

func TestContextChunkBeforeInitializationPanics(t *testing.T) {
	ctx := newContext(RoleServer, newMockTimeProvider())
	assert.Panics(t, func() {
		ctx.HandleEvent(chunkEvent(RoleServer, legacyData(0, nil)), testBuffers())
	})
	assert.Panics(t, func() {
		ctx.HandleEvent(&Event{Type: EventAddTransferHandler}, testBuffers())
	})
}

func startServerContext(t *testing.T, xferType TransferType, h *testHandler, initial *chunk.Chunk) (*Context, *chunkRecorder) {
	t.Helper()

	rec := &chunkRecorder{}
	ctx := newContext(RoleServer, newMockTimeProvider())
	ctx.HandleEvent(&Event{Type: EventNewServerTransfer, NewTransfer: &NewTransferEvent{
		Type:         xferType,
		SessionID:    3,
		ResourceID:   h.ID(),
		Options:      testOptions(initial.ProtocolVersion, DefaultParameters()),
		ChunkWriter:  rec,
		Handler:      h,
		InitialChunk: initial,
	}}, testBuffers())
	return ctx, rec
}

func TestServerContextPrepareDenied(t *testing.T) {
	h := newTestHandler(testResource, nil)
	h.prepareErr = status.New(status.PermissionDenied, "read only")

	start := chunk.New(chunk.VersionTwo, chunk.TypeStart)
	start.ResourceID = u32(testResource)
	ctx, rec := startServerContext(t, Receive, h, start)

	assert.Equal(t, status.PermissionDenied, ctx.Status())
	assert.Empty(t, h.finalized)

	final := rec.last()
	require.NotNil(t, final)
	assert.Equal(t, chunk.TypeCompletion, final.Type)
	assert.Equal(t, status.PermissionDenied, final.StatusCode())
	require.NotNil(t, final.ResourceID)
	assert.Equal(t, uint32(testResource), *final.ResourceID)
	assert.Equal(t, uint32(3), final.SessionID)
}

func TestServerContextFinalizeFailureBecomesDataLoss(t *testing.T) {
	h := newTestHandler(testResource, nil)
	h.finalizeFn = func(TransferType, error) error { return assert.AnError }

	start := chunk.New(chunk.VersionLegacy, chunk.TypeStart)
	start.SessionID = 3
	ctx, rec := startServerContext(t, Receive, h, start)

	params := rec.last()
	require.Equal(t, chunk.TypeParametersRetransmit, params.Type)
	assert.Equal(t, uint32(0), params.Offset)

	data := chunk.New(chunk.VersionLegacy, chunk.TypeData)
	data.SessionID = 3
	data.Payload = pattern(10)
	data.RemainingBytes = u64(0)
	ctx.HandleEvent(chunkEvent(RoleServer, data), testBuffers())

	assert.Equal(t, pattern(10), h.sink.Bytes())
	require.Len(t, h.finalized, 1)
	assert.NoError(t, h.finalized[0])
	assert.Equal(t, status.DataLoss, ctx.Status())
	assert.Equal(t, status.DataLoss, rec.last().StatusCode())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "recovery", StateRecovery.String())
	assert.Equal(t, "State(42)", State(42).String())
}

func legacyParams(t chunk.Type, offset, windowEnd uint32) *chunk.Chunk {
	c := legacyChunk(t, offset)
	c.WindowEndOffset = windowEnd
	return c
}

func v2Chunk(t chunk.Type, sessionID uint32) *chunk.Chunk {
	c := chunk.New(chunk.VersionTwo, t)
	c.SessionID = sessionID
	return c
}

// timeoutsUntilDone fires up to limit timeouts and reports how many it took
// for the transfer to stop being active.
func (h *contextHarness) timeoutsUntilDone(limit int) int {
	fired := 0
	for h.ctx.Active() && fired < limit {
		h.timeout()
		fired++
	}
	return fired
}

func TestContextTransmitStaleContinueSpendsRetries(t *testing.T) {
	h := startClientContext(t, Transmit, chunk.VersionLegacy, DefaultParameters(), bytes.NewReader(pattern(1000)), nil)

	params := legacyParams(chunk.TypeParametersRetransmit, 0, 200)
	params.MaxChunkSizeBytes = u32(100)
	h.deliver(params)
	h.timeout()
	require.Equal(t, uint32(200), h.ctx.Offset())
	require.Equal(t, StateWaiting, h.ctx.State())

	// A reordered continue shrinks the window behind the current offset.
	stale := legacyParams(chunk.TypeParametersContinue, 150, 40)
	stale.MaxChunkSizeBytes = u32(100)
	h.deliver(stale)
	assert.Equal(t, StateWaiting, h.ctx.State())
	assert.True(t, h.ctx.Active())

	fired := h.timeoutsUntilDone(50)
	assert.LessOrEqual(t, fired, 4)
	assert.False(t, h.ctx.Active())
	require.Len(t, h.done.calls, 1)
	assert.Equal(t, status.DeadlineExceeded, h.done.code())
}

func TestContextTransmitIgnoresZeroMaxChunkSize(t *testing.T) {
	data := pattern(1000)
	h := startClientContext(t, Transmit, chunk.VersionLegacy, DefaultParameters(), bytes.NewReader(data), nil)

	params := legacyParams(chunk.TypeParametersRetransmit, 0, 200)
	params.MaxChunkSizeBytes = u32(0)
	h.deliver(params)

	sent := h.rec.ofType(chunk.TypeData)
	require.Len(t, sent, 1)
	assert.Equal(t, data[:200], sent[0].Payload)
	assert.Equal(t, StateWaiting, h.ctx.State())

	fired := h.timeoutsUntilDone(50)
	assert.LessOrEqual(t, fired, 4)
	assert.Equal(t, status.DeadlineExceeded, h.done.code())
}

func TestContextTransmitStalledReaderSpendsRetries(t *testing.T) {
	h := startClientContextWith(t, Transmit, testOptions(chunk.VersionLegacy, DefaultParameters()), stalledReader{}, nil)

	h.deliver(legacyParams(chunk.TypeParametersRetransmit, 0, 64))
	assert.True(t, h.ctx.Active())
	assert.Empty(t, h.done.calls)

	fired := h.timeoutsUntilDone(50)
	assert.LessOrEqual(t, fired, 4)
	assert.False(t, h.ctx.Active())
	assert.Equal(t, status.DeadlineExceeded, h.done.code())
	assert.Empty(t, h.rec.ofType(chunk.TypeData))
}

func TestContextTransmitIgnoresLateHandshakeChunks(t *testing.T) {
	const session = 5
	h := startClientContext(t, Transmit, chunk.VersionTwo, DefaultParameters(), bytes.NewReader(pattern(1000)), nil)

	ack := v2Chunk(chunk.TypeStartAck, session)
	ack.ResourceID = u32(testResource)
	h.deliver(ack)
	require.Equal(t, chunk.TypeStartAckConfirmation, h.rec.last().Type)

	// The confirmation was lost, so the server repeats its StartAck.
	h.deliver(ack)
	confirms := h.rec.ofType(chunk.TypeStartAckConfirmation)
	require.Len(t, confirms, 2)
	assert.Equal(t, uint32(session), confirms[1].SessionID)

	params := v2Chunk(chunk.TypeParametersRetransmit, session)
	params.WindowEndOffset = 200
	params.MaxChunkSizeBytes = u32(50)
	h.deliver(params)
	require.Equal(t, uint32(50), h.ctx.Offset())

	misrouted := v2Chunk(chunk.TypeData, session)
	misrouted.Payload = pattern(8)
	for _, late := range []*chunk.Chunk{ack, misrouted} {
		h.deliver(late)
		assert.Equal(t, uint32(200), h.ctx.WindowEndOffset(), late.Type.String())
		assert.Equal(t, uint32(50), h.ctx.Offset(), late.Type.String())
		assert.True(t, h.ctx.Active())
	}
	assert.Len(t, h.rec.ofType(chunk.TypeStartAckConfirmation), 2)

	for h.ctx.State() == StateTransmitting {
		h.clock.advance(DefaultInterchunkDelay)
		h.ctx.HandleEvent(timeoutEvent(RoleClient), h.buf)
	}
	assert.Equal(t, StateWaiting, h.ctx.State())
	assert.Equal(t, uint32(200), h.ctx.Offset())
	assert.Len(t, h.rec.ofType(chunk.TypeData), 4)
}

func TestContextTransmitErrors(t *testing.T) {
	versionTwoParams := v2Chunk(chunk.TypeParametersRetransmit, testResource)
	versionTwoParams.WindowEndOffset = 64

	tests := []struct {
		name   string
		reader io.Reader
		chunk  *chunk.Chunk
		want   status.Code
	}{
		{
			name:   "retransmit with empty window",
			reader: bytes.NewReader(pattern(100)),
			chunk:  legacyParams(chunk.TypeParametersRetransmit, 0, 0),
			want:   status.ResourceExhausted,
		},
		{
			name:   "reader failure",
			reader: brokenReader{},
			chunk:  legacyParams(chunk.TypeParametersRetransmit, 0, 64),
			want:   status.DataLoss,
		},
		{
			name:   "protocol version mismatch",
			reader: bytes.NewReader(pattern(100)),
			chunk:  versionTwoParams,
			want:   status.Internal,
		},
		{
			name:   "seek out of range",
			reader: seekFailReader{Reader: bytes.NewReader(pattern(100)), err: status.New(status.OutOfRange, "past end")},
			chunk:  legacyParams(chunk.TypeParametersRetransmit, 10, 64),
			want:   status.Internal,
		},
		{
			name:   "seek unimplemented",
			reader: seekFailReader{Reader: bytes.NewReader(pattern(100)), err: status.New(status.Unimplemented, "no seek")},
			chunk:  legacyParams(chunk.TypeParametersRetransmit, 10, 64),
			want:   status.Unimplemented,
		},
		{
			name:   "seek failure",
			reader: seekFailReader{Reader: bytes.NewReader(pattern(100)), err: errors.New("bad sector")},
			chunk:  legacyParams(chunk.TypeParametersRetransmit, 10, 64),
			want:   status.DataLoss,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startClientContextWith(t, Transmit, testOptions(chunk.VersionLegacy, DefaultParameters()), tt.reader, nil)
			h.deliver(tt.chunk)

			assert.False(t, h.ctx.Active())
			require.Len(t, h.done.calls, 1)
			assert.Equal(t, tt.want, h.done.code())

			final := h.rec.last()
			require.Equal(t, chunk.TypeCompletion, final.Type)
			assert.Equal(t, tt.want, final.StatusCode())
			assert.Empty(t, h.rec.ofType(chunk.TypeData))
		})
	}
}

func TestContextReceiveErrors(t *testing.T) {
	versionTwoData := v2Chunk(chunk.TypeData, testResource)
	versionTwoData.Payload = pattern(8)

	shrunk := legacyData(0, pattern(16))
	shrunk.WindowEndOffset = 8

	grown := legacyData(0, pattern(16))
	grown.WindowEndOffset = 100

	tests := []struct {
		name  string
		chunk *chunk.Chunk
	}{
		{"protocol version mismatch", versionTwoData},
		{"window end before offset", shrunk},
		{"window end beyond advertised window", grown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startClientContext(t, Receive, chunk.VersionLegacy, mustParameters(64, 32, 2), nil, &bytes.Buffer{})
			h.deliver(tt.chunk)

			assert.False(t, h.ctx.Active())
			assert.Equal(t, status.Internal, h.done.code())
			final := h.rec.last()
			require.Equal(t, chunk.TypeCompletion, final.Type)
			assert.Equal(t, status.Internal, final.StatusCode())
		})
	}
}

func TestContextLifetimeRetriesExhausted(t *testing.T) {
	opts := testOptions(chunk.VersionLegacy, mustParameters(64, 32, 2))
	opts.MaxRetries = 3
	opts.MaxLifetimeRetries = 5
	h := startClientContextWith(t, Receive, opts, nil, &bytes.Buffer{})
	data := pattern(24)

	// Chunks arriving between timeouts reset the per-attempt count, so
	// only the lifetime limit can end the transfer.
	h.timeout()
	h.timeout()
	h.deliver(legacyData(0, data[0:8]))
	h.timeout()
	h.timeout()
	h.deliver(legacyData(8, data[8:16]))
	h.timeout()
	h.deliver(legacyData(16, data[16:24]))
	require.True(t, h.ctx.Active())
	assert.Len(t, h.rec.ofType(chunk.TypeParametersRetransmit), 5)

	h.timeout()
	assert.False(t, h.ctx.Active())
	assert.Equal(t, status.DeadlineExceeded, h.done.code())
	assert.Equal(t, uint32(24), h.ctx.Offset())
}

func TestContextCompletedResendsFinalStatus(t *testing.T) {
	tests := []struct {
		name  string
		chunk *chunk.Chunk
		want  status.Code
	}{
		{"non-initial chunk", legacyParams(chunk.TypeParametersContinue, 16, 64), status.FailedPrecondition},
		{"initial chunk", legacyParams(chunk.TypeParametersRetransmit, 0, 64), status.Cancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startClientContext(t, Transmit, chunk.VersionLegacy, DefaultParameters(), bytes.NewReader(pattern(100)), nil)
			h.deliver(legacyParams(chunk.TypeParametersRetransmit, 0, 32))
			h.ctx.HandleEvent(&Event{
				Type:        EventClientEndTransfer,
				EndTransfer: &EndTransferEvent{Status: status.Cancelled, SendStatusChunk: true},
			}, h.buf)
			require.Equal(t, StateCompleted, h.ctx.State())
			sent := len(h.rec.chunks)

			h.deliver(tt.chunk)
			assert.Equal(t, StateCompleted, h.ctx.State())
			assert.Equal(t, tt.want, h.ctx.Status())
			require.Len(t, h.rec.chunks, sent+1)
			final := h.rec.last()
			assert.Equal(t, chunk.TypeCompletion, final.Type)
			assert.Equal(t, tt.want, final.StatusCode())
			assert.Len(t, h.done.calls, 1)
		})
	}
}
