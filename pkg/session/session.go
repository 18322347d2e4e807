// Package session is the contract between the server and the network
// transports that carry its connections. A provider (WebTransport, WebSocket,
// in-memory) implements Listener, Incoming, Session and Stream; the server
// never touches a socket directly.
package session

import (
	"context"
	goerrs "errors"
	"net"
	"net/http"
	"time"

	"github.com/sessamekesh/spanreed-transport/pkg/streams"
)

var (
	// Returned from Listener.Accept once the listener is closed.
	ErrListenerClosed = goerrs.New("listener closed")

	// Returned by a stream read on a stream the local side cannot read.
	ErrNotReadable = goerrs.New("stream is not readable from this side")
	// Returned by a stream write on a stream the local side cannot write.
	ErrNotWritable = goerrs.New("stream is not writable from this side")

	ErrDatagramsUnsupported = goerrs.New("datagrams are not supported by this session")
)

// Request is the negotiation metadata of an incoming session, known before
// the session is accepted.
type Request struct {
	Authority  string
	Path       string
	Origin     string
	UserAgent  string
	Header     http.Header
	RemoteAddr net.Addr
}

type Listener interface {
	// Accept blocks until a client starts negotiating a session. It returns
	// ErrListenerClosed after Close, and ctx.Err() if ctx ends first.
	Accept(ctx context.Context) (Incoming, error)
	Addr() net.Addr
	Close() error
}

// Incoming is a session which is still being negotiated.
type Incoming interface {
	Request() Request

	// Await finishes receiving the session request.
	Await(ctx context.Context) error

	// Accept completes the handshake and returns the established session.
	// The session carries exactly the streams of plan; a peer that uses any
	// other stream ends it.
	Accept(ctx context.Context, plan streams.Plan) (Session, error)

	// Reject refuses the session. It is a no-op after Accept.
	Reject(reason error)
}

type Session interface {
	// OpenStream realizes one entry of the stream plan. Depending on the
	// provider and the stream direction this either opens a new stream or
	// waits for the client to open it. Either way the stream carries a header
	// naming its kind.
	OpenStream(ctx context.Context, kind streams.Kind) (Stream, error)

	SendDatagram(data []byte) error
	ReceiveDatagram(ctx context.Context) ([]byte, error)

	RemoteAddr() net.Addr
	RTT() time.Duration

	// MaxDatagramSize returns false when the session carries no datagrams.
	MaxDatagramSize() (int, bool)

	// StableId stays the same for the life of the session and is unique
	// within its provider.
	StableId() uint64

	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}
	// Err is the reason the session ended, or nil while it is open.
	Err() error

	CloseWithError(reason error) error
}

// Stream carries whole messages. Exactly one goroutine may read and one may
// write at a time.
type Stream interface {
	// ReadMessage returns io.EOF once the remote side has closed the stream
	// on purpose.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}
