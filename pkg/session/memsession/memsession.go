// Package memsession provides sessions connected through Go channels inside
// one process. Dialing returns the client end; the server end comes out of
// the Listener like a network session would. Faults can be injected at every
// step the server goes through.
package memsession

import (
	"context"
	goerrs "errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessamekesh/spanreed-transport/pkg/errors"
	"github.com/sessamekesh/spanreed-transport/pkg/session"
	"github.com/sessamekesh/spanreed-transport/pkg/streams"
)

var ErrClosed = goerrs.New("memsession: session closed")

const queueLength = 64

// Faults makes the server side of a session fail on purpose.
type Faults struct {
	Await  error
	Accept error

	// Keyed by stream. Open fails OpenStream, Read and Write fail every read
	// or write on the opened stream.
	Open  map[streams.Kind]error
	Read  map[streams.Kind]error
	Write map[streams.Kind]error
}

type DialParams struct {
	Request session.Request
	Faults  Faults

	RTT time.Duration

	// Zero disables datagrams.
	MaxDatagramSize int
}

type Addr string

func (a Addr) Network() string { return "mem" }
func (a Addr) String() string  { return string(a) }

var nextStableId atomic.Uint64

type Listener struct {
	addr    Addr
	pending chan *incoming

	closed    chan struct{}
	closeOnce sync.Once
}

func NewListener(name string) *Listener {
	return &Listener{
		addr:    Addr(name),
		pending: make(chan *incoming),
		closed:  make(chan struct{}),
	}
}

func (l *Listener) Addr() net.Addr { return l.addr }

func (l *Listener) Accept(ctx context.Context) (session.Incoming, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, session.ErrListenerClosed
	case inc := <-l.pending:
		return inc, nil
	}
}

func (l *Listener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// Dial starts a session and waits until the server picks it up with Accept.
// Whether the server then accepts the session shows on the returned client's
// Done channel.
func (l *Listener) Dial(ctx context.Context, params DialParams) (*Client, error) {
	c := newConn(params)
	if c.request.RemoteAddr == nil {
		c.request.RemoteAddr = Addr(fmt.Sprintf("client-%d", c.stableId))
	}

	inc := &incoming{conn: c}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, session.ErrListenerClosed
	case l.pending <- inc:
	}
	return &Client{end: end{conn: c, server: false}}, nil
}

type conn struct {
	request  session.Request
	faults   Faults
	rtt      time.Duration
	maxDgram int
	stableId uint64

	mut_streams sync.Mutex
	streams     map[streams.Kind]*duplex

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// duplex is the pair of queues behind one logical stream.
type duplex struct {
	toServer *session.Queue
	toClient *session.Queue
}

func newConn(params DialParams) *conn {
	return &conn{
		request:  params.Request,
		faults:   params.Faults,
		rtt:      params.RTT,
		maxDgram: params.MaxDatagramSize,
		stableId: nextStableId.Add(1),
		streams:  make(map[streams.Kind]*duplex),
		done:     make(chan struct{}),
	}
}

func (c *conn) stream(kind streams.Kind) *duplex {
	c.mut_streams.Lock()
	defer c.mut_streams.Unlock()

	d, has := c.streams[kind]
	if !has {
		d = &duplex{toServer: session.NewQueue(queueLength), toClient: session.NewQueue(queueLength)}
		c.streams[kind] = d
	}
	return d
}

func (c *conn) close(reason error) {
	c.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrClosed
		}
		c.closeErr = reason

		c.mut_streams.Lock()
		for _, d := range c.streams {
			d.toServer.CloseWith(ErrClosed)
			d.toClient.CloseWith(ErrClosed)
		}
		c.mut_streams.Unlock()

		close(c.done)
	})
}

type incoming struct {
	conn *conn
}

func (i *incoming) Request() session.Request { return i.conn.request }

func (i *incoming) Await(ctx context.Context) error {
	if err := i.conn.faults.Await; err != nil {
		i.conn.close(err)
		return err
	}
	return ctx.Err()
}

func (i *incoming) Accept(ctx context.Context, plan streams.Plan) (session.Session, error) {
	if err := i.conn.faults.Accept; err != nil {
		i.conn.close(err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &end{conn: i.conn, server: true, plan: plan}, nil
}

func (i *incoming) Reject(reason error) {
	i.conn.close(reason)
}

// end is one side of a conn.
type end struct {
	conn   *conn
	server bool

	// Server side only.
	plan streams.Plan
}

func (e *end) OpenStream(ctx context.Context, kind streams.Kind) (session.Stream, error) {
	if e.server {
		if err := e.conn.faults.Open[kind]; err != nil {
			return nil, err
		}
	}
	if kind.IsDatagram() {
		return nil, session.ErrNotReadable
	}
	if e.server && !e.plan.Contains(kind) {
		return nil, &errors.InvalidStreamError{Stream: kind, Reason: "not in the stream plan"}
	}
	select {
	case <-e.conn.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	d := e.conn.stream(kind)
	s := &stream{conn: e.conn}
	if e.server {
		if kind.Readable() {
			s.in = d.toServer
		}
		if kind.Sendable() {
			s.out = d.toClient
		}
		s.readErr = e.conn.faults.Read[kind]
		s.writeErr = e.conn.faults.Write[kind]
	} else {
		if kind.Direction != streams.DirectionC2S {
			s.in = d.toClient
		}
		if kind.Direction != streams.DirectionS2C {
			s.out = d.toServer
		}
	}
	return s, nil
}

func (e *end) SendDatagram(data []byte) error {
	if e.conn.maxDgram == 0 {
		return session.ErrDatagramsUnsupported
	}
	d := e.conn.stream(streams.Datagram())
	if e.server {
		return d.toClient.TryPush(data)
	}
	return d.toServer.TryPush(data)
}

func (e *end) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	if e.conn.maxDgram == 0 {
		return nil, session.ErrDatagramsUnsupported
	}
	d := e.conn.stream(streams.Datagram())
	p := d.toClient
	if e.server {
		p = d.toServer
	}

	return p.Pop(ctx, e.conn.done)
}

func (e *end) RemoteAddr() net.Addr {
	if e.server {
		return e.conn.request.RemoteAddr
	}
	return Addr("server")
}

func (e *end) RTT() time.Duration { return e.conn.rtt }

func (e *end) MaxDatagramSize() (int, bool) {
	return e.conn.maxDgram, e.conn.maxDgram > 0
}

func (e *end) StableId() uint64 { return e.conn.stableId }

func (e *end) Done() <-chan struct{} { return e.conn.done }

func (e *end) Err() error {
	select {
	case <-e.conn.done:
		return e.conn.closeErr
	default:
		return nil
	}
}

func (e *end) CloseWithError(reason error) error {
	e.conn.close(reason)
	return nil
}

type stream struct {
	conn     *conn
	in       *session.Queue
	out      *session.Queue
	readErr  error
	writeErr error
}

func (s *stream) ReadMessage() ([]byte, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	if s.in == nil {
		return nil, session.ErrNotReadable
	}
	return s.in.Pop(context.Background(), s.conn.done)
}

func (s *stream) WriteMessage(data []byte) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	if s.out == nil {
		return session.ErrNotWritable
	}
	return s.out.Push(data)
}

// Close ends the local side's writes; the peer reads io.EOF.
func (s *stream) Close() error {
	if s.out != nil {
		s.out.CloseWith(io.EOF)
	}
	return nil
}

// Client is the dialing side of an in-memory session.
type Client struct {
	end
}

var _ session.Session = (*Client)(nil)

// Close ends the session from the client side.
func (c *Client) Close() error {
	return c.CloseWithError(ErrClosed)
}
