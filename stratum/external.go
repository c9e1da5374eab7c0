package stratum

import "context"

// Endpoint names the remote address a Stream is dialed against. It is
// opaque to the core — whatever the StreamFactory needs to parse.
type Endpoint = string

// Stream is the byte-oriented transport a Connection drives. Close is
// best-effort: spec.md §6 permits it to fail silently, which is why
// Connection.Dispose swallows the error it returns.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// StreamFactory dials a Stream for an Endpoint. It is the core's only way
// to reach the network; topology discovery and TLS policy both live behind
// this boundary and are out of scope for the core (spec.md §1).
type StreamFactory interface {
	CreateStream(ctx context.Context, endpoint Endpoint) (Stream, error)
}

// StreamFactoryFunc adapts a plain function to StreamFactory.
type StreamFactoryFunc func(ctx context.Context, endpoint Endpoint) (Stream, error)

func (f StreamFactoryFunc) CreateStream(ctx context.Context, endpoint Endpoint) (Stream, error) {
	return f(ctx, endpoint)
}

// Description is whatever the Initializer learns about the remote peer
// during the handshake. ConnectionNumber, when non-zero, is folded into the
// Connection's id (spec.md §3: "updated once during handshake to include a
// server-assigned number").
type Description struct {
	ConnectionNumber int64
	ServerInfo       map[string]string
}

// Initializer performs the handshake on a Connection sitting in
// StateInitializing, using the Connection's own Send/Receive. Failure here
// propagates straight out of Open.
type Initializer interface {
	Initialize(ctx context.Context, conn *Connection) (Description, error)
}

// InitializerFunc adapts a plain function to Initializer.
type InitializerFunc func(ctx context.Context, conn *Connection) (Description, error)

func (f InitializerFunc) Initialize(ctx context.Context, conn *Connection) (Description, error) {
	return f(ctx, conn)
}

// OutboundMessage is one request a caller hands to Send. Gate, when set, is
// evaluated once per Send call and the message is silently skipped when it
// returns false — used by callers that assemble a batch speculatively and
// decide per-message, at the moment of encoding, whether it still needs to
// go out.
type OutboundMessage struct {
	RequestID int32
	Gate      func() bool

	sent bool
}

// Sent reports whether the Send call that owned this message encoded it
// into its outgoing buffer (false if its Gate returned false). It is set as
// each message is encoded, before the buffer is written to the stream, so it
// stays true when that write, or a later message's encoding, fails.
func (m OutboundMessage) Sent() bool { return m.sent }

// EncoderSettings is an opaque settings bag passed through to the
// EncoderFactory and EncoderSelector; the core never inspects it. Wire
// message semantics are explicitly out of scope (spec.md §1).
type EncoderSettings interface{}

// Encoder writes one OutboundMessage's bytes into buf. Everything it
// writes — including any framing beyond the length-prefix/response-to
// header Frame I/O itself depends on — is opaque to the core.
type Encoder interface {
	WriteMessage(buf Buffer, msg OutboundMessage) error
}

// EncoderFactory produces an Encoder bound to buf for the duration of one
// Send call.
type EncoderFactory interface {
	NewEncoder(buf Buffer, settings EncoderSettings) Encoder
}

// EncoderFactoryFunc adapts a plain function to EncoderFactory.
type EncoderFactoryFunc func(buf Buffer, settings EncoderSettings) Encoder

func (f EncoderFactoryFunc) NewEncoder(buf Buffer, settings EncoderSettings) Encoder {
	return f(buf, settings)
}

// Decoder reads the decoded reply out of a received frame buffer.
type Decoder interface {
	ReadMessage(buf Buffer) (interface{}, error)
}

// DecoderFunc adapts a plain function to Decoder.
type DecoderFunc func(buf Buffer) (interface{}, error)

func (f DecoderFunc) ReadMessage(buf Buffer) (interface{}, error) { return f(buf) }

// EncoderSelector picks the Decoder that understands the reply tagged with
// a given response-to id.
type EncoderSelector func(responseTo int32) Decoder
