package websocket

import (
	"context"
	"encoding/binary"
	goerrs "errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/spanreed-transport/pkg/errors"
	"github.com/sessamekesh/spanreed-transport/pkg/session"
	"github.com/sessamekesh/spanreed-transport/pkg/streams"
	"go.uber.org/zap"
)

// Set on the direction byte of a header to mark the end of a stream.
const finFlag = 0x80

// Close frames carry at most 125 bytes, two of which are the close code.
const maxCloseText = 123

var ErrClosed = goerrs.New("websocket: session closed")

type sessionParams struct {
	plan         streams.Plan
	maxDgram     int
	maxFrame     int
	pingInterval time.Duration
	queueLength  int
}

// Session multiplexes the streams of a plan and datagrams over a single
// WebSocket connection. Every binary message is one frame of one stream:
// a stream header followed by the payload. Datagrams are delivered reliably
// and in order, like everything else on the connection.
type Session struct {
	c        *websocket.Conn
	server   bool
	stableId uint64
	params   sessionParams

	mut_write sync.Mutex

	// One per readable stream of the plan, fixed at construction.
	inboxes map[streams.Kind]*session.Queue
	dgrams  *session.Queue

	rtt atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	err       error

	log *zap.Logger
}

var _ session.Session = (*Session)(nil)

var nextStableId atomic.Uint64

func newSession(c *websocket.Conn, server bool, params sessionParams, log *zap.Logger) *Session {
	if params.maxFrame <= 0 {
		params.maxFrame = session.DefaultMaxFrameSize
	}
	if params.queueLength <= 0 {
		params.queueLength = DefaultQueueLength
	}

	s := &Session{
		c:        c,
		server:   server,
		stableId: nextStableId.Add(1),
		params:   params,
		inboxes:  make(map[streams.Kind]*session.Queue),
		dgrams:   session.NewQueue(params.queueLength),
		done:     make(chan struct{}),
		log:      log,
	}
	for _, kind := range params.plan.Kinds() {
		if s.readable(kind) {
			s.inboxes[kind] = session.NewQueue(params.queueLength)
		}
	}

	c.SetReadLimit(int64(session.HeaderSize + params.maxFrame))
	c.SetPongHandler(s.onPong)

	go s.readPump()
	if params.pingInterval > 0 {
		go s.pinger()
	}
	return s
}

func (s *Session) readable(kind streams.Kind) bool {
	switch kind.Direction {
	case streams.DirectionBi:
		return true
	case streams.DirectionC2S:
		return s.server
	case streams.DirectionS2C:
		return !s.server
	}
	return false
}

func (s *Session) writable(kind streams.Kind) bool {
	switch kind.Direction {
	case streams.DirectionBi:
		return true
	case streams.DirectionC2S:
		return !s.server
	case streams.DirectionS2C:
		return s.server
	}
	return false
}

func (s *Session) readPump() {
	for {
		msgType, payload, err := s.c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("Peer closed the WebSocket session", zap.Error(err))
			}
			s.shutdown(err)
			return
		}

		if msgType != websocket.BinaryMessage {
			s.log.Info("Received non-binary message, ignoring", zap.Int("size", len(payload)))
			continue
		}
		if len(payload) < session.HeaderSize {
			s.shutdown(&errors.Underflow{MessageName: "StreamHeader", MsgSize: len(payload), MinimumSize: session.HeaderSize})
			return
		}

		fin := payload[0]&finFlag != 0
		payload[0] &^= finFlag
		kind, err := session.ParseHeader(payload)
		if err != nil {
			s.shutdown(err)
			return
		}
		body := payload[session.HeaderSize:]

		if kind.IsDatagram() {
			s.dgrams.TryPush(body)
			continue
		}
		if !s.readable(kind) {
			s.shutdown(&errors.InvalidStreamError{Stream: kind, Reason: "peer wrote to a stream it cannot write"})
			return
		}

		q, planned := s.inboxes[kind]
		if !planned {
			s.shutdown(&errors.InvalidStreamError{Stream: kind, Reason: "not in the stream plan"})
			return
		}
		if fin {
			q.CloseWith(io.EOF)
			continue
		}
		// Fails only once the stream is closed on this side; the frame is
		// dropped.
		q.Push(body)
	}
}

func (s *Session) shutdown(err error) {
	s.closeOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}

		// Done closes before the queues so a failed read can find the reason.
		s.err = err
		close(s.done)

		for _, q := range s.inboxes {
			q.CloseWith(err)
		}
		s.dgrams.CloseWith(err)
		s.c.Close()
	})
}

func (s *Session) pinger() {
	ticker := time.NewTicker(s.params.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			var stamp [8]byte
			binary.LittleEndian.PutUint64(stamp[:], uint64(now.UnixNano()))
			if err := s.c.WriteControl(websocket.PingMessage, stamp[:], now.Add(s.params.pingInterval)); err != nil {
				s.shutdown(err)
				return
			}
		}
	}
}

func (s *Session) onPong(appData string) error {
	if len(appData) != 8 {
		return nil
	}
	sent := int64(binary.LittleEndian.Uint64([]byte(appData)))
	if rtt := time.Now().UnixNano() - sent; rtt >= 0 {
		s.rtt.Store(rtt)
	}
	return nil
}

func (s *Session) write(kind streams.Kind, fin bool, data []byte) error {
	if len(data) > s.params.maxFrame {
		return &errors.FrameTooLarge{FrameSize: len(data), MaxFrameSize: s.params.maxFrame}
	}

	frame := make([]byte, session.HeaderSize+len(data))
	session.PutHeader(frame, kind)
	if fin {
		frame[0] |= finFlag
	}
	copy(frame[session.HeaderSize:], data)

	s.mut_write.Lock()
	defer s.mut_write.Unlock()

	select {
	case <-s.done:
		return s.err
	default:
	}

	if err := s.c.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		s.shutdown(err)
		return err
	}
	return nil
}

// OpenStream needs no round trip: every stream of the plan exists from the
// start.
func (s *Session) OpenStream(ctx context.Context, kind streams.Kind) (session.Stream, error) {
	if kind.IsDatagram() || !kind.Direction.Valid() {
		return nil, &errors.InvalidStreamError{Stream: kind, Reason: "not a stream"}
	}
	if !s.params.plan.Contains(kind) {
		return nil, &errors.InvalidStreamError{Stream: kind, Reason: "not in the stream plan"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case <-s.done:
		return nil, s.err
	default:
	}

	return &stream{s: s, kind: kind, in: s.inboxes[kind]}, nil
}

func (s *Session) SendDatagram(data []byte) error {
	if len(data) > s.params.maxDgram {
		return &errors.FrameTooLarge{FrameSize: len(data), MaxFrameSize: s.params.maxDgram}
	}
	return s.write(streams.Datagram(), false, data)
}

func (s *Session) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return s.dgrams.Pop(ctx, nil)
}

func (s *Session) RemoteAddr() net.Addr { return s.c.RemoteAddr() }

// RTT is measured with ping frames. It stays zero until the first pong.
func (s *Session) RTT() time.Duration { return time.Duration(s.rtt.Load()) }

func (s *Session) MaxDatagramSize() (int, bool) { return s.params.maxDgram, true }

func (s *Session) StableId() uint64 { return s.stableId }

func (s *Session) Done() <-chan struct{} { return s.done }

// Err is the reason the session ended, or nil while it is open.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Session) CloseWithError(reason error) error {
	select {
	case <-s.done:
		return nil
	default:
	}

	text := ""
	if reason != nil {
		text = reason.Error()
	}
	if len(text) > maxCloseText {
		text = text[:maxCloseText]
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, text)
	err := s.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if goerrs.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	if reason == nil {
		reason = ErrClosed
	}
	s.shutdown(reason)
	return err
}

type stream struct {
	s    *Session
	kind streams.Kind
	in   *session.Queue

	closed    atomic.Bool
	closeOnce sync.Once
}

func (str *stream) ReadMessage() ([]byte, error) {
	if str.in == nil {
		return nil, session.ErrNotReadable
	}
	return str.in.Pop(context.Background(), nil)
}

func (str *stream) WriteMessage(data []byte) error {
	if !str.s.writable(str.kind) {
		return session.ErrNotWritable
	}
	if str.closed.Load() {
		return io.ErrClosedPipe
	}
	return str.s.write(str.kind, false, data)
}

// Close ends the stream in both directions. The peer reads io.EOF once it has
// read everything written before.
func (str *stream) Close() error {
	var err error
	str.closeOnce.Do(func() {
		str.closed.Store(true)
		if str.in != nil {
			str.in.CloseWith(io.ErrClosedPipe)
		}
		if str.s.writable(str.kind) && str.s.Err() == nil {
			err = str.s.write(str.kind, true, nil)
		}
	})
	return err
}
