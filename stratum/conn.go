package stratum

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// ConnectionSettings bounds a Connection's lifetime. Either field may be
// negative to disable that bound (spec.md §3).
type ConnectionSettings struct {
	MaxLifeTime time.Duration
	MaxIdleTime time.Duration
}

// Connection is one duplex, multiplexed link to a remote server: a single
// Stream shared by any number of concurrent Send/Receive callers, mediated
// by a send permit and a receive coordinator. This mirrors the shape of the
// teacher's Conn (carlolib/conn.go) with its handshake-driven lifecycle and
// function-value event hooks, generalized from carlo's specific wire
// protocol to the opaque Encoder/Decoder boundary spec.md §4 describes.
type Connection struct {
	endpoint      Endpoint
	settings      ConnectionSettings
	streamFactory StreamFactory
	initializer   Initializer
	events        EventSubscriber

	idMu sync.Mutex
	id   string

	stream Stream

	tsMu       sync.Mutex
	openedAt   time.Time
	lastUsedAt time.Time
	descr      Description

	sendPermit chan struct{}

	lifecycle lifecycle
	coord     *coordinator

	openMu      sync.Mutex
	openStarted bool
	openDone    chan struct{}
	openErr     error

	disposeOnce sync.Once
}

// NewConnection builds a Connection against endpoint. It does nothing until
// Open is called; constructing one never touches the network, matching the
// teacher's NewConn (carlolib/conn.go).
func NewConnection(endpoint Endpoint, factory StreamFactory, init Initializer, settings ConnectionSettings, events EventSubscriber) *Connection {
	if events == nil {
		events = NoopEventSubscriber
	}
	return &Connection{
		endpoint:      endpoint,
		settings:      settings,
		streamFactory: factory,
		initializer:   init,
		events:        events,
		id:            endpoint,
		sendPermit:    make(chan struct{}, 1),
		coord:         newCoordinator(),
	}
}

// ID is the connection's diagnostic identifier: the endpoint until the
// handshake folds in a server-assigned connection number (spec.md §3).
func (c *Connection) ID() string {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	return c.id
}

func (c *Connection) setID(id string) {
	c.idMu.Lock()
	c.id = id
	c.idMu.Unlock()
}

// State is the connection's current lifecycle state.
func (c *Connection) State() State { return c.lifecycle.load() }

// Open dials and initializes the connection. Concurrent calls all observe
// the same attempt and the same outcome: the first caller runs it, every
// other caller waits on openDone, honoring its own ctx while it waits
// (spec.md §3, "Open is idempotent under concurrent callers").
func (c *Connection) Open(ctx context.Context) error {
	c.openMu.Lock()
	if c.openStarted {
		done := c.openDone
		c.openMu.Unlock()
		select {
		case <-done:
			return c.openErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.openStarted = true
	c.openDone = make(chan struct{})
	c.openMu.Unlock()

	err := c.openOnce(ctx)

	c.openMu.Lock()
	c.openErr = err
	close(c.openDone)
	c.openMu.Unlock()

	return err
}

func (c *Connection) openOnce(ctx context.Context) error {
	start := time.Now()
	if !c.lifecycle.cas(StateInitial, StateConnecting) {
		return ErrInvalidOperation
	}
	emit(c.events, Event{Kind: EventOpening, ConnectionID: c.ID()})

	stream, err := c.streamFactory.CreateStream(ctx, c.endpoint)
	if err != nil {
		return c.failOpening(err, start)
	}

	now := time.Now().UTC()
	c.stream = stream
	c.tsMu.Lock()
	c.openedAt, c.lastUsedAt = now, now
	c.tsMu.Unlock()

	if !c.lifecycle.cas(StateConnecting, StateInitializing) {
		return ErrInvalidOperation
	}

	if c.initializer != nil {
		descr, err := c.initializer.Initialize(ctx, c)
		if err != nil {
			return c.failOpening(err, start)
		}
		c.tsMu.Lock()
		c.descr = descr
		c.tsMu.Unlock()
		if descr.ConnectionNumber != 0 {
			c.setID(connectionDisplayID(c.endpoint, descr.ConnectionNumber))
		}
	}

	if !c.lifecycle.cas(StateInitializing, StateOpen) {
		return ErrInvalidOperation
	}
	emit(c.events, Event{Kind: EventOpened, ConnectionID: c.ID(), Duration: time.Since(start)})
	return nil
}

func (c *Connection) failOpening(cause error, start time.Time) error {
	if !c.lifecycle.cas(StateConnecting, StateFailed) {
		c.lifecycle.cas(StateInitializing, StateFailed)
	}
	wrapped := wrapTransport(c.ID(), "opening a connection to the server", cause)
	emit(c.events, Event{Kind: EventOpeningFailed, ConnectionID: c.ID(), Duration: time.Since(start), Err: wrapped})
	return wrapped
}

// fail transitions the connection to Failed exactly once and wakes every
// coordinator waiter with the same error, rather than leaving them to
// discover the break only when their own ctx eventually fires. See
// DESIGN.md for why this resolves spec.md §9's open question this way.
func (c *Connection) fail(cause error) {
	if !c.lifecycle.cas(StateOpen, StateFailed) && !c.lifecycle.cas(StateInitializing, StateFailed) {
		return
	}
	wrapped := wrapTransport(c.ID(), "connection failed", cause)
	emit(c.events, Event{Kind: EventFailed, ConnectionID: c.ID(), Err: wrapped})
	c.coord.failAll(wrapped)
}

func (c *Connection) checkUsable() error {
	switch c.lifecycle.load() {
	case StateDisposed:
		return ErrObjectDisposed
	case StateFailed:
		return ErrConnectionClosed
	case StateOpen, StateInitializing:
		return nil
	default:
		return ErrInvalidOperation
	}
}

func (c *Connection) touch() {
	c.tsMu.Lock()
	c.lastUsedAt = time.Now().UTC()
	c.tsMu.Unlock()
}

// Send encodes each message in order into one output buffer and writes that
// buffer to the wire under the send permit, so its bytes go out
// contiguously, honoring ctx between messages but not
// once the write itself has started (spec.md §5, "a cancel that arrives
// mid-write does not tear down a partially written frame").
func (c *Connection) Send(ctx context.Context, messages []OutboundMessage, factory EncoderFactory, settings EncoderSettings) error {
	if err := c.checkUsable(); err != nil {
		return err
	}

	buf := newOutputBuffer()
	enc := factory.NewEncoder(buf, settings)

	var sentIDs []int32
	for i := range messages {
		if err := ctx.Err(); err != nil {
			buf.Dispose()
			return err
		}
		msg := &messages[i]
		if msg.Gate != nil && !msg.Gate() {
			continue
		}
		if err := enc.WriteMessage(buf, *msg); err != nil {
			buf.Dispose()
			return err
		}
		msg.sent = true
		sentIDs = append(sentIDs, msg.RequestID)
	}

	if len(sentIDs) == 0 {
		buf.Dispose()
		return nil
	}

	emit(c.events, Event{Kind: EventSendingMessages, ConnectionID: c.ID(), RequestIDs: sentIDs})

	byteCount := buf.Len()
	if err := c.writeFrame(ctx, buf); err != nil {
		wrapped := wrapTransport(c.ID(), "sending a message to the server", err)
		emit(c.events, Event{Kind: EventSendingMessagesFailed, ConnectionID: c.ID(), RequestIDs: sentIDs, Err: wrapped})
		return wrapped
	}

	c.touch()
	emit(c.events, Event{Kind: EventSentMessages, ConnectionID: c.ID(), RequestIDs: sentIDs, ByteCount: byteCount})
	return nil
}

// writeFrame acquires the send permit (cancellable) and then writes buf to
// the stream in full, disposing buf exactly once regardless of outcome.
// Once the permit is held the write is no longer cancellable: closing the
// stream from Dispose is what unblocks a write stuck in a dead connection,
// not ctx (spec.md §5/§9).
func (c *Connection) writeFrame(ctx context.Context, buf Buffer) error {
	select {
	case c.sendPermit <- struct{}{}:
	case <-ctx.Done():
		buf.Dispose()
		return ctx.Err()
	}
	defer func() { <-c.sendPermit }()
	defer buf.Dispose()

	if err := writeAll(c.stream, buf); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// Receive waits for the frame whose response-to id is responseTo, either by
// claiming it from the coordinator directly or by reading frames off the
// wire itself until it arrives (spec.md §4). ctx is honored while waiting
// and again just before decoding, but not while another caller's frame is
// mid-flight through the shared reader role.
func (c *Connection) Receive(ctx context.Context, responseTo int32, selector EncoderSelector, settings EncoderSettings) (interface{}, error) {
	if err := c.checkUsable(); err != nil {
		return nil, err
	}

	emit(c.events, Event{Kind: EventReceivingMessage, ConnectionID: c.ID(), ResponseTo: responseTo})

	buf, err := c.obtainFrame(ctx, responseTo)
	if err != nil {
		wrapped := wrapTransport(c.ID(), "receiving a message from the server", err)
		emit(c.events, Event{Kind: EventReceivingMessageFailed, ConnectionID: c.ID(), ResponseTo: responseTo, Err: wrapped})
		return nil, wrapped
	}
	defer buf.Dispose()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg, err := selector(responseTo).ReadMessage(buf)
	if err != nil {
		wrapped := wrapTransport(c.ID(), "receiving a message from the server", err)
		emit(c.events, Event{Kind: EventReceivingMessageFailed, ConnectionID: c.ID(), ResponseTo: responseTo, Err: wrapped})
		return nil, wrapped
	}

	c.touch()
	emit(c.events, Event{Kind: EventReceivedMessage, ConnectionID: c.ID(), ResponseTo: responseTo, ByteCount: buf.Len()})
	return msg, nil
}

func (c *Connection) obtainFrame(ctx context.Context, id int32) (Buffer, error) {
	ins, err := c.coord.getInstructions(ctx, id)
	if err != nil {
		return nil, err
	}
	if ins.action == actionReturnBuffer {
		return ins.buffer, nil
	}
	return c.readLoop(ctx, id)
}

// readLoop holds the reader role: it reads frames off the wire, delivering
// each to whichever caller it belongs to, until it reads the caller's own
// frame or the stream fails. It always relinquishes the role before
// returning, exactly once (spec.md §4.2).
func (c *Connection) readLoop(ctx context.Context, id int32) (Buffer, error) {
	relinquished := false
	defer func() {
		if !relinquished {
			c.coord.relinquish()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		frame, err := readFrame(c.stream)
		if err != nil {
			c.fail(err)
			return nil, err
		}

		respID := frame.ResponseTo()
		if respID == id {
			c.coord.relinquish()
			relinquished = true
			return frame, nil
		}
		c.coord.dispatch(respID, frame)
	}
}

// Dispose tears the connection down exactly once: it marks the lifecycle
// Disposed unconditionally, drains the coordinator so no buffer or awaiter
// leaks, and closes the stream, which is what actually unblocks any
// in-flight Read/Write a concurrent caller still holds (spec.md §6/§9 — no
// separate deadline or cancellation machinery is needed for that).
func (c *Connection) Dispose() {
	c.disposeOnce.Do(func() {
		start := time.Now()
		emit(c.events, Event{Kind: EventClosing, ConnectionID: c.ID()})

		c.lifecycle.set(StateDisposed)
		c.coord.drainAndDispose()

		if c.stream != nil {
			_ = c.stream.Close()
		}

		emit(c.events, Event{Kind: EventClosed, ConnectionID: c.ID(), Duration: time.Since(start)})
	})
}

// IsExpired reports whether the connection has outlived its configured
// lifetime or idle bounds, or has left StateOpen. A negative bound is
// disabled (spec.md §3).
func (c *Connection) IsExpired() bool {
	if c.lifecycle.load() > StateOpen {
		return true
	}
	now := time.Now().UTC()
	c.tsMu.Lock()
	openedAt, lastUsedAt := c.openedAt, c.lastUsedAt
	c.tsMu.Unlock()

	if c.settings.MaxLifeTime >= 0 && now.Sub(openedAt) > c.settings.MaxLifeTime {
		return true
	}
	if c.settings.MaxIdleTime >= 0 && now.Sub(lastUsedAt) > c.settings.MaxIdleTime {
		return true
	}
	return false
}

// Description returns whatever the Initializer learned during the
// handshake. It is the zero value until Open completes successfully.
func (c *Connection) Description() Description {
	c.tsMu.Lock()
	defer c.tsMu.Unlock()
	return c.descr
}

// PoolMetrics reports point-in-time allocation pressure across every
// internal pool this package keeps, for diagnostics (spec.md's supplemented
// pool metrics feature; see DESIGN.md).
func (c *Connection) PoolMetrics() ConnectionPoolMetrics { return collectPoolMetrics() }

func connectionDisplayID(endpoint Endpoint, connectionNumber int64) string {
	return endpoint + "#" + strconv.FormatInt(connectionNumber, 10)
}
