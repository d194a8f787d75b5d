package transfer

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/limits"
	"github.com/opd-ai/xfer/status"
)

// Default thread and transfer settings.
const (
	DefaultMaxClientTransfers  = 8
	DefaultMaxServerTransfers  = 8
	DefaultEventQueueSize      = 64
	DefaultChunkTimeout        = 2 * time.Second
	DefaultInitialChunkTimeout = 4 * time.Second
	DefaultMaxRetries          = 3
	DefaultMaxLifetimeRetries  = 1500
)

// ErrThreadStopped is returned when an event is submitted after Run exited.
var ErrThreadStopped = errors.New("transfer thread stopped")

// ThreadOptions configure a Thread.
type ThreadOptions struct {
	MaxClientTransfers int
	MaxServerTransfers int
	// EncodeBufferSize bounds every outbound chunk including overhead.
	EncodeBufferSize int
	EventQueueSize   int
	// Transfer holds the defaults for server transfers and for any zero
	// field of a client transfer's options.
	Transfer     TransferOptions
	TimeProvider TimeProvider
}

// DefaultTransferOptions returns the default per-transfer settings.
func DefaultTransferOptions() TransferOptions {
	return TransferOptions{
		ProtocolVersion:     chunk.VersionLatest,
		ChunkTimeout:        DefaultChunkTimeout,
		InitialChunkTimeout: DefaultInitialChunkTimeout,
		MaxRetries:          DefaultMaxRetries,
		MaxLifetimeRetries:  DefaultMaxLifetimeRetries,
		Parameters:          DefaultParameters(),
	}
}

// DefaultThreadOptions returns options suitable for a small embedded endpoint.
func DefaultThreadOptions() ThreadOptions {
	return ThreadOptions{
		MaxClientTransfers: DefaultMaxClientTransfers,
		MaxServerTransfers: DefaultMaxServerTransfers,
		EncodeBufferSize:   limits.DefaultEncodeBufferSize,
		EventQueueSize:     DefaultEventQueueSize,
		Transfer:           DefaultTransferOptions(),
		TimeProvider:       DefaultTimeProvider{},
	}
}

// Thread runs every transfer of an endpoint on a single goroutine. Public
// methods may be called from any goroutine; they queue an event for Run.
// Completion callbacks and Handler methods are invoked on the Run goroutine
// and must not block on the thread's event queue.
type Thread struct {
	opts  ThreadOptions
	clock TimeProvider

	clients []*Context
	servers []*Context

	staging []byte
	encode  []byte

	handlersMu sync.RWMutex
	handlers   *treemap.Map

	clientStreams [2]ChunkWriter
	nextSessionID uint32

	events   chan Event
	done     chan struct{}
	doneOnce sync.Once
}

// NewThread validates opts and allocates the transfer slots and buffers.
func NewThread(opts ThreadOptions) (*Thread, error) {
	if opts.MaxClientTransfers < 0 || opts.MaxServerTransfers < 0 {
		return nil, status.New(status.InvalidArgument, "transfer slot counts must not be negative")
	}
	if opts.EncodeBufferSize == 0 {
		opts.EncodeBufferSize = limits.DefaultEncodeBufferSize
	}
	if err := limits.ValidateEncodeBufferSize(opts.EncodeBufferSize, chunk.MaxOverhead); err != nil {
		return nil, status.Wrap(status.InvalidArgument, err)
	}
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = DefaultEventQueueSize
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = DefaultTimeProvider{}
	}
	opts.Transfer = fillTransferOptions(opts.Transfer, DefaultTransferOptions())

	t := &Thread{
		opts:          opts,
		clock:         opts.TimeProvider,
		clients:       make([]*Context, opts.MaxClientTransfers),
		servers:       make([]*Context, opts.MaxServerTransfers),
		staging:       make([]byte, opts.EncodeBufferSize),
		encode:        make([]byte, opts.EncodeBufferSize),
		handlers:      treemap.NewWith(utils.UInt32Comparator),
		nextSessionID: 1,
		events:        make(chan Event, opts.EventQueueSize),
		done:          make(chan struct{}),
	}
	for i := range t.clients {
		t.clients[i] = newContext(RoleClient, t.clock)
	}
	for i := range t.servers {
		t.servers[i] = newContext(RoleServer, t.clock)
	}

	logrus.WithFields(logrus.Fields{
		"function":           "NewThread",
		"client_slots":       opts.MaxClientTransfers,
		"server_slots":       opts.MaxServerTransfers,
		"encode_buffer_size": opts.EncodeBufferSize,
	}).Info("Created transfer thread")

	return t, nil
}

func fillTransferOptions(o, defaults TransferOptions) TransferOptions {
	if o.ProtocolVersion == chunk.VersionUnknown {
		o.ProtocolVersion = defaults.ProtocolVersion
	}
	if o.ChunkTimeout == 0 {
		o.ChunkTimeout = defaults.ChunkTimeout
	}
	if o.InitialChunkTimeout == 0 {
		o.InitialChunkTimeout = defaults.InitialChunkTimeout
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = defaults.MaxRetries
	}
	if o.MaxLifetimeRetries == 0 {
		o.MaxLifetimeRetries = defaults.MaxLifetimeRetries
	}
	if o.MaxLifetimeRetries < o.MaxRetries {
		o.MaxLifetimeRetries = o.MaxRetries
	}
	if o.Parameters == nil {
		o.Parameters = defaults.Parameters
	}
	return o
}

// TransferDefaults returns the options applied to server transfers.
func (t *Thread) TransferDefaults() TransferOptions { return t.opts.Transfer }

func (t *Thread) enqueue(ev Event) error {
	select {
	case <-t.done:
		return ErrThreadStopped
	default:
	}
	select {
	case t.events <- ev:
		return nil
	case <-t.done:
		return ErrThreadStopped
	}
}

// StartClientTransfer begins a client transfer. nt.Type, nt.ResourceID and
// the Reader (Transmit) or Writer (Receive) are required; a nil ChunkWriter
// selects the stream bound with SetClientStream.
func (t *Thread) StartClientTransfer(nt *NewTransferEvent) error {
	if nt.Type == Transmit && nt.Reader == nil {
		return status.New(status.InvalidArgument, "transmit transfer requires a reader")
	}
	if nt.Type == Receive && nt.Writer == nil {
		return status.New(status.InvalidArgument, "receive transfer requires a writer")
	}
	return t.enqueue(Event{Type: EventNewClientTransfer, NewTransfer: nt})
}

// StartServerTransfer opens a server transfer for an initial chunk the
// caller has already routed. A nil Handler is resolved from the registry by
// resource id.
func (t *Thread) StartServerTransfer(nt *NewTransferEvent) error {
	if nt.InitialChunk == nil || nt.ChunkWriter == nil {
		return status.New(status.InvalidArgument, "server transfer requires an initial chunk and a writer")
	}
	return t.enqueue(Event{Type: EventNewServerTransfer, NewTransfer: nt})
}

// ProcessClientChunk parses a chunk received on a client stream. Malformed
// chunks are dropped.
func (t *Thread) ProcessClientChunk(data []byte) error {
	ch, err := chunk.Parse(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ProcessClientChunk",
			"error":    err.Error(),
		}).Warn("Dropping malformed chunk")
		return nil
	}
	return t.enqueue(Event{Type: EventClientChunk, Chunk: &ChunkEvent{Chunk: ch}})
}

// ProcessServerChunk parses a chunk received on a server stream. xferType is
// the server's role on that stream and w replies to the sender.
func (t *Thread) ProcessServerChunk(xferType TransferType, data []byte, w ChunkWriter) error {
	ch, err := chunk.Parse(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ProcessServerChunk",
			"error":    err.Error(),
		}).Warn("Dropping malformed chunk")
		return nil
	}
	return t.enqueue(Event{Type: EventServerChunk, Chunk: &ChunkEvent{Chunk: ch, Type: xferType, ChunkWriter: w}})
}

// EndClientTransfer cancels the client transfer of resourceID. With
// sendStatusChunk the server is told; otherwise the transfer is dropped
// silently.
func (t *Thread) EndClientTransfer(resourceID uint32, code status.Code, sendStatusChunk bool) error {
	return t.enqueue(Event{Type: EventClientEndTransfer, EndTransfer: &EndTransferEvent{
		ID: resourceID, ByResource: true, Status: code, SendStatusChunk: sendStatusChunk,
	}})
}

// EndServerTransfer cancels the server transfer with the given session id.
func (t *Thread) EndServerTransfer(sessionID uint32, code status.Code, sendStatusChunk bool) error {
	return t.enqueue(Event{Type: EventServerEndTransfer, EndTransfer: &EndTransferEvent{
		ID: sessionID, Status: code, SendStatusChunk: sendStatusChunk,
	}})
}

// AddHandler registers a server handler. Registering a second handler for
// the same resource fails with AlreadyExists.
func (t *Thread) AddHandler(h Handler) error {
	if h == nil {
		return status.New(status.InvalidArgument, "nil handler")
	}
	if _, ok := t.lookupHandler(h.ID()); ok {
		return status.Errorf(status.AlreadyExists, "resource %d already has a handler", h.ID())
	}
	return t.enqueue(Event{Type: EventAddTransferHandler, Handler: h})
}

// RemoveHandler unregisters the handler for a resource, aborting any server
// transfer using it.
func (t *Thread) RemoveHandler(resourceID uint32) error {
	return t.enqueue(Event{Type: EventRemoveTransferHandler, HandlerID: resourceID})
}

// SetClientStream binds the writer client transfers of xferType send on.
func (t *Thread) SetClientStream(xferType TransferType, w ChunkWriter) error {
	return t.enqueue(Event{Type: EventSetStream, SetStream: &SetStreamEvent{Type: xferType, ChunkWriter: w}})
}

// Terminate stops Run after the events queued before it are processed.
func (t *Thread) Terminate() error {
	return t.enqueue(Event{Type: EventTerminate})
}

// Done is closed when Run has returned.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Handlers returns the registered resource ids in ascending order.
func (t *Thread) Handlers() []uint32 {
	t.handlersMu.RLock()
	defer t.handlersMu.RUnlock()

	ids := make([]uint32, 0, t.handlers.Size())
	for _, k := range t.handlers.Keys() {
		ids = append(ids, k.(uint32))
	}
	return ids
}

func (t *Thread) lookupHandler(resourceID uint32) (Handler, bool) {
	t.handlersMu.RLock()
	defer t.handlersMu.RUnlock()

	v, ok := t.handlers.Get(resourceID)
	if !ok {
		return nil, false
	}
	return v.(Handler), true
}

// Run processes events and timeouts until Terminate is called or ctx ends.
// Active transfers are aborted on exit.
func (t *Thread) Run(ctx context.Context) error {
	defer t.doneOnce.Do(func() { close(t.done) })

	logrus.WithFields(logrus.Fields{
		"function": "Run",
	}).Info("Transfer thread started")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		t.processTimeouts()

		var timerC <-chan time.Time
		if deadline, ok := t.nextDeadline(); ok {
			wait := deadline.Sub(t.clock.Now())
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case ev := <-t.events:
			timer.Stop()
			if ev.Type == EventTerminate {
				t.shutdown()
				return nil
			}
			t.processEvent(&ev)
		case <-timerC:
		case <-ctx.Done():
			timer.Stop()
			t.shutdown()
			return ctx.Err()
		}
	}
}

func (t *Thread) shutdown() {
	for _, ctx := range t.clients {
		if ctx.Active() {
			ctx.HandleEvent(&Event{Type: EventClientEndTransfer, EndTransfer: &EndTransferEvent{Status: status.Aborted}}, t.buffers())
		}
	}
	for _, ctx := range t.servers {
		if ctx.Active() {
			ctx.HandleEvent(&Event{Type: EventServerEndTransfer, EndTransfer: &EndTransferEvent{Status: status.Aborted}}, t.buffers())
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "shutdown",
	}).Info("Transfer thread stopped")
}

func (t *Thread) buffers() Buffers {
	return Buffers{Staging: t.staging, Encode: t.encode}
}

func (t *Thread) nextDeadline() (time.Time, bool) {
	var next time.Time
	for _, slots := range [][]*Context{t.clients, t.servers} {
		for _, ctx := range slots {
			if ctx.nextTimeout.IsZero() {
				continue
			}
			if next.IsZero() || ctx.nextTimeout.Before(next) {
				next = ctx.nextTimeout
			}
		}
	}
	return next, !next.IsZero()
}

// processTimeouts delivers a timeout event to every context whose deadline
// has passed.
func (t *Thread) processTimeouts() {
	now := t.clock.Now()
	for _, ctx := range t.clients {
		if !ctx.nextTimeout.IsZero() && !now.Before(ctx.nextTimeout) {
			ctx.HandleEvent(&Event{Type: EventClientTimeout, SessionID: ctx.sessionID}, t.buffers())
		}
	}
	for _, ctx := range t.servers {
		if !ctx.nextTimeout.IsZero() && !now.Before(ctx.nextTimeout) {
			ctx.HandleEvent(&Event{Type: EventServerTimeout, SessionID: ctx.sessionID}, t.buffers())
		}
	}
}

func (t *Thread) processEvent(ev *Event) {
	switch ev.Type {
	case EventNewClientTransfer:
		t.startClientTransfer(ev.NewTransfer)

	case EventNewServerTransfer:
		t.startServerTransfer(ev.NewTransfer)

	case EventClientChunk:
		t.handleClientChunk(ev.Chunk)

	case EventServerChunk:
		t.handleServerChunk(ev.Chunk)

	case EventClientTimeout, EventServerTimeout:
		slots := t.clients
		if ev.Type == EventServerTimeout {
			slots = t.servers
		}
		for _, ctx := range slots {
			if ctx.Active() && ctx.sessionID == ev.SessionID {
				ctx.HandleEvent(ev, t.buffers())
				return
			}
		}

	case EventClientEndTransfer, EventServerEndTransfer:
		t.endTransfer(ev)

	case EventSendStatusChunk:
		t.sendStatusChunk(ev.SendStatusChunk)

	case EventSetStream:
		t.clientStreams[ev.SetStream.Type] = ev.SetStream.ChunkWriter

	case EventAddTransferHandler:
		t.handlersMu.Lock()
		t.handlers.Put(ev.Handler.ID(), ev.Handler)
		t.handlersMu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":    "processEvent",
			"resource_id": ev.Handler.ID(),
		}).Info("Registered transfer handler")

	case EventRemoveTransferHandler:
		t.removeHandler(ev.HandlerID)

	default:
		logrus.WithFields(logrus.Fields{
			"function":   "processEvent",
			"event_type": ev.Type.String(),
		}).Warn("Ignoring unexpected event")
	}
}

func (t *Thread) startClientTransfer(nt *NewTransferEvent) {
	nt.Options = fillTransferOptions(nt.Options, t.opts.Transfer)
	if nt.ChunkWriter == nil {
		nt.ChunkWriter = t.clientStreams[nt.Type]
	}
	if nt.ChunkWriter == nil {
		logrus.WithFields(logrus.Fields{
			"function":    "startClientTransfer",
			"resource_id": nt.ResourceID,
		}).Error("No client stream bound for transfer type")
		if nt.OnCompletion != nil {
			nt.OnCompletion(status.Errorf(status.Unavailable, "no %s stream for resource %d", nt.Type, nt.ResourceID))
		}
		return
	}

	// Legacy transfers are identified by their resource id; newer ones wait
	// for the server to assign a session.
	nt.SessionID = chunk.UnassignedSessionID
	if nt.Options.ProtocolVersion == chunk.VersionLegacy {
		nt.SessionID = nt.ResourceID
	}

	ctx := findNewTransfer(t.clients, func(c *Context) bool { return c.resourceID == nt.ResourceID })
	if ctx == nil {
		logrus.WithFields(logrus.Fields{
			"function":    "startClientTransfer",
			"resource_id": nt.ResourceID,
		}).Warn("No free client transfer slot")
		if nt.OnCompletion != nil {
			nt.OnCompletion(status.Errorf(status.ResourceExhausted, "no free slot for resource %d", nt.ResourceID))
		}
		return
	}

	ctx.HandleEvent(&Event{Type: EventNewClientTransfer, NewTransfer: nt}, t.buffers())
}

// findNewTransfer picks the slot for a new transfer: an active transfer that
// same identifies is restarted, otherwise the first idle slot is used.
func findNewTransfer(slots []*Context, same func(*Context) bool) *Context {
	var free *Context
	for _, ctx := range slots {
		if ctx.Active() {
			if same(ctx) {
				return ctx
			}
			continue
		}
		if free == nil {
			free = ctx
		}
	}
	return free
}

func (t *Thread) handleServerChunk(ce *ChunkEvent) {
	ch := ce.Chunk

	if ch.IsInitialChunk() {
		if ch.ProtocolVersion >= chunk.VersionTwo {
			if ctx := t.findRetriedStart(ch, ce.ChunkWriter); ctx != nil {
				ctx.HandleEvent(&Event{Type: EventServerChunk, Chunk: ce}, t.buffers())
				return
			}
		}
		t.startServerTransfer(&NewTransferEvent{
			Type:         ce.Type,
			ChunkWriter:  ce.ChunkWriter,
			InitialChunk: ch,
		})
		return
	}

	for _, ctx := range t.servers {
		if ctx.state != StateInactive && ctx.sessionID == ch.SessionID {
			ctx.HandleEvent(&Event{Type: EventServerChunk, Chunk: ce}, t.buffers())
			return
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "handleServerChunk",
		"session_id": ch.SessionID,
		"chunk_type": ch.Type.String(),
	}).Warn("Chunk for unknown session")

	if !ch.IsTerminatingChunk() && ch.Type != chunk.TypeCompletionAck {
		t.sendStatusChunk(&SendStatusChunkEvent{
			SessionID:       ch.SessionID,
			ProtocolVersion: ch.ProtocolVersion,
			Status:          status.FailedPrecondition,
			ChunkWriter:     ce.ChunkWriter,
		})
	}
}

// findRetriedStart returns the initiating server context a repeated Start
// chunk belongs to, so the client is answered with the session it was
// already assigned.
func (t *Thread) findRetriedStart(ch *chunk.Chunk, w ChunkWriter) *Context {
	if ch.ResourceID == nil {
		return nil
	}
	for _, ctx := range t.servers {
		if ctx.state == StateInitiating && ctx.resourceID == *ch.ResourceID && samePeer(ctx.rpcWriter, w) {
			return ctx
		}
	}
	return nil
}

type addressedWriter interface {
	Addr() net.Addr
}

func samePeer(a, b ChunkWriter) bool {
	aa, ok := a.(addressedWriter)
	if !ok {
		return a == b
	}
	ba, ok := b.(addressedWriter)
	if !ok {
		return false
	}
	return aa.Addr().String() == ba.Addr().String()
}

func (t *Thread) startServerTransfer(nt *NewTransferEvent) {
	ch := nt.InitialChunk
	legacy := ch.ProtocolVersion == chunk.VersionLegacy

	if nt.ResourceID == 0 {
		switch {
		case ch.ResourceID != nil:
			nt.ResourceID = *ch.ResourceID
		case legacy:
			nt.ResourceID = ch.SessionID
		default:
			t.sendStatusChunk(&SendStatusChunkEvent{
				SessionID:       ch.SessionID,
				ProtocolVersion: ch.ProtocolVersion,
				Status:          status.InvalidArgument,
				ChunkWriter:     nt.ChunkWriter,
			})
			return
		}
	}

	if nt.Handler == nil {
		h, ok := t.lookupHandler(nt.ResourceID)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function":    "startServerTransfer",
				"resource_id": nt.ResourceID,
			}).Warn("No handler for requested resource")
			t.sendStatusChunk(&SendStatusChunkEvent{
				SessionID:       ch.SessionID,
				ResourceID:      ptr(nt.ResourceID),
				ProtocolVersion: ch.ProtocolVersion,
				Status:          status.NotFound,
				ChunkWriter:     nt.ChunkWriter,
			})
			return
		}
		nt.Handler = h
	}

	nt.Options = fillTransferOptions(nt.Options, t.opts.Transfer)
	// The server offers whatever the client asked for; the handshake settles
	// on the lower of the two.
	nt.Options.ProtocolVersion = ch.ProtocolVersion
	if legacy {
		nt.SessionID = ch.SessionID
	} else if nt.SessionID == chunk.UnassignedSessionID {
		nt.SessionID = t.newSessionID()
	}

	sessionID := nt.SessionID
	ctx := findNewTransfer(t.servers, func(c *Context) bool { return c.sessionID == sessionID })
	if ctx == nil {
		logrus.WithFields(logrus.Fields{
			"function":    "startServerTransfer",
			"resource_id": nt.ResourceID,
		}).Warn("No free server transfer slot")
		t.sendStatusChunk(&SendStatusChunkEvent{
			SessionID:       ch.SessionID,
			ResourceID:      ptr(nt.ResourceID),
			ProtocolVersion: ch.ProtocolVersion,
			Status:          status.ResourceExhausted,
			ChunkWriter:     nt.ChunkWriter,
		})
		return
	}

	ctx.HandleEvent(&Event{Type: EventNewServerTransfer, NewTransfer: nt}, t.buffers())
}

// newSessionID returns a non-zero id no server context is using.
func (t *Thread) newSessionID() uint32 {
	for {
		id := t.nextSessionID
		t.nextSessionID++
		if id == chunk.UnassignedSessionID {
			continue
		}
		inUse := false
		for _, ctx := range t.servers {
			if ctx.state != StateInactive && ctx.sessionID == id {
				inUse = true
				break
			}
		}
		if !inUse {
			return id
		}
	}
}

func (t *Thread) handleClientChunk(ce *ChunkEvent) {
	ch := ce.Chunk
	if ctx := t.findClientContext(ch); ctx != nil {
		ctx.HandleEvent(&Event{Type: EventClientChunk, Chunk: ce}, t.buffers())
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":   "handleClientChunk",
		"session_id": ch.SessionID,
		"chunk_type": ch.Type.String(),
	}).Debug("Dropping chunk for unknown client transfer")
}

func (t *Thread) findClientContext(ch *chunk.Chunk) *Context {
	if ch.ResourceID != nil {
		for _, ctx := range t.clients {
			if ctx.state == StateInactive || ctx.resourceID != *ch.ResourceID {
				continue
			}
			if ctx.sessionID == chunk.UnassignedSessionID || ctx.sessionID == ch.SessionID {
				return ctx
			}
		}
	}
	for _, ctx := range t.clients {
		if ctx.state != StateInactive && ctx.sessionID != chunk.UnassignedSessionID && ctx.sessionID == ch.SessionID {
			return ctx
		}
	}
	// A legacy server answers a Start with chunks keyed by resource id.
	for _, ctx := range t.clients {
		if ctx.state == StateInitiating && ctx.resourceID == ch.SessionID {
			return ctx
		}
	}
	return nil
}

func (t *Thread) endTransfer(ev *Event) {
	et := ev.EndTransfer
	slots := t.clients
	if ev.Type == EventServerEndTransfer {
		slots = t.servers
	}
	for _, ctx := range slots {
		if !ctx.Active() {
			continue
		}
		if (et.ByResource && ctx.resourceID == et.ID) || (!et.ByResource && ctx.sessionID == et.ID) {
			ctx.HandleEvent(ev, t.buffers())
			return
		}
	}
	logrus.WithFields(logrus.Fields{
		"function":    "endTransfer",
		"id":          et.ID,
		"by_resource": et.ByResource,
	}).Debug("No active transfer to end")
}

func (t *Thread) removeHandler(resourceID uint32) {
	h, ok := t.lookupHandler(resourceID)
	if !ok {
		return
	}

	for _, ctx := range t.servers {
		if ctx.Active() && ctx.handler == h {
			ctx.HandleEvent(&Event{Type: EventServerEndTransfer, EndTransfer: &EndTransferEvent{
				ID: ctx.sessionID, Status: status.Aborted,
			}}, t.buffers())
		}
	}

	t.handlersMu.Lock()
	t.handlers.Remove(resourceID)
	t.handlersMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "removeHandler",
		"resource_id": resourceID,
	}).Info("Unregistered transfer handler")
}

func (t *Thread) sendStatusChunk(ev *SendStatusChunkEvent) {
	if ev.ChunkWriter == nil {
		return
	}
	version := ev.ProtocolVersion
	if version == chunk.VersionUnknown {
		version = chunk.VersionLegacy
	}
	final := chunk.Final(version, ev.SessionID, ev.Status)
	final.ResourceID = ev.ResourceID

	data, err := final.Encode(t.encode)
	if err == nil {
		err = ev.ChunkWriter.Write(data)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "sendStatusChunk",
			"session_id": ev.SessionID,
			"error":      err.Error(),
		}).Error("Failed to send status chunk")
	}
}
