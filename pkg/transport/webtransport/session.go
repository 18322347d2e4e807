package webtransport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	wtransport "github.com/quic-go/webtransport-go"
	"github.com/sessamekesh/spanreed-transport/pkg/errors"
	"github.com/sessamekesh/spanreed-transport/pkg/session"
	"github.com/sessamekesh/spanreed-transport/pkg/streams"
	"go.uber.org/zap"
)

var errAlreadyDecided = fmt.Errorf("webtransport: session already accepted or rejected")

type upgradeResult struct {
	sess *wtransport.Session
	err  error
}

type incoming struct {
	l       *Listener
	r       *http.Request
	request session.Request

	// nil accepts, anything else rejects.
	decision chan error
	result   chan upgradeResult
	decided  atomic.Bool

	log *zap.Logger
}

func (i *incoming) Request() session.Request { return i.request }

// Await returns as soon as the request is in; HTTP/3 hands the handler a
// complete request.
func (i *incoming) Await(ctx context.Context) error {
	if err := i.r.Context().Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func (i *incoming) Accept(ctx context.Context, plan streams.Plan) (session.Session, error) {
	if !i.decided.CompareAndSwap(false, true) {
		return nil, errAlreadyDecided
	}
	i.decision <- nil

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-i.result:
		return i.session(res, plan)
	case <-i.r.Context().Done():
		// The handler sends its result before returning.
		select {
		case res := <-i.result:
			return i.session(res, plan)
		default:
			return nil, i.r.Context().Err()
		}
	}
}

func (i *incoming) session(res upgradeResult, plan streams.Plan) (session.Session, error) {
	if res.err != nil {
		return nil, res.err
	}
	return newSession(res.sess, plan, i.l.params, i.log), nil
}

func (i *incoming) Reject(reason error) {
	if reason == nil {
		reason = errors.ErrForceDisconnect
	}
	if i.decided.CompareAndSwap(false, true) {
		i.decision <- reason
	}
}

var nextStableId atomic.Uint64

type wtSession struct {
	s        *wtransport.Session
	plan     streams.Plan
	stableId uint64
	maxDgram int
	maxFrame int

	// Client-opened streams that arrived before the plan asked for them.
	pending map[streams.Kind]session.Stream
	// Client-opened streams of the plan not handed out yet.
	awaiting int

	mut_err sync.Mutex
	err     error

	log *zap.Logger
}

var _ session.Session = (*wtSession)(nil)

func newSession(s *wtransport.Session, plan streams.Plan, params ListenerParams, log *zap.Logger) *wtSession {
	sess := &wtSession{
		s:        s,
		plan:     plan,
		stableId: nextStableId.Add(1),
		maxDgram: params.MaxDatagramSize,
		maxFrame: params.MaxFrameSize,
		pending:  make(map[streams.Kind]session.Stream),
		awaiting: plan.BiCount() + plan.C2SCount(),
		log:      log,
	}
	if sess.awaiting == 0 {
		sess.refuseLateStreams()
	}
	return sess
}

// OpenStream is called for one kind at a time, in plan order.
func (s *wtSession) OpenStream(ctx context.Context, kind streams.Kind) (session.Stream, error) {
	if !s.plan.Contains(kind) {
		return nil, &errors.InvalidStreamError{Stream: kind, Reason: "not in the stream plan"}
	}

	switch kind.Direction {
	case streams.DirectionS2C:
		str, err := s.s.OpenUniStreamSync(ctx)
		if err != nil {
			return nil, err
		}
		if err := session.WriteHeader(str, kind); err != nil {
			str.CancelWrite(0)
			return nil, err
		}
		return session.NewFramed(nil, str, str, s.maxFrame), nil
	case streams.DirectionBi, streams.DirectionC2S:
		str, err := s.acceptClientStream(ctx, kind)
		if err != nil {
			return nil, err
		}
		if s.awaiting--; s.awaiting == 0 {
			s.refuseLateStreams()
		}
		return str, nil
	}
	return nil, &errors.InvalidStreamError{Stream: kind, Reason: "only planned streams can be opened"}
}

type acceptFunc func(ctx context.Context) (streams.Kind, session.Stream, error)

func (s *wtSession) acceptClientStream(ctx context.Context, kind streams.Kind) (session.Stream, error) {
	accept := s.acceptUni
	if kind.Direction == streams.DirectionBi {
		accept = s.acceptBi
	}
	return s.matchClientStream(ctx, kind, accept)
}

// matchClientStream accepts client streams until one carries the header of
// kind. Planned streams that come early are held for later calls.
func (s *wtSession) matchClientStream(ctx context.Context, kind streams.Kind, accept acceptFunc) (session.Stream, error) {
	for {
		if str, has := s.pending[kind]; has {
			delete(s.pending, kind)
			return str, nil
		}

		header, str, err := accept(ctx)
		if err != nil {
			return nil, err
		}

		if header.Direction != kind.Direction {
			str.Close()
			return nil, &errors.StreamHeaderMismatch{Expected: kind, Actual: header}
		}
		if !s.plan.Contains(header) {
			str.Close()
			return nil, &errors.InvalidStreamError{Stream: header, Reason: "not in the stream plan"}
		}
		if header == kind {
			return str, nil
		}
		if _, dup := s.pending[header]; dup {
			str.Close()
			return nil, &errors.StreamHeaderMismatch{Expected: kind, Actual: header}
		}
		s.log.Debug("Stream arrived ahead of plan", zap.Stringer("stream", header))
		s.pending[header] = str
	}
}

// refuseLateStreams ends the session as soon as the client opens a stream
// beyond the ones in the plan.
func (s *wtSession) refuseLateStreams() {
	ctx := s.s.Context()
	go func() {
		str, err := s.s.AcceptStream(ctx)
		if err != nil {
			return
		}
		s.refuse(str, func() {
			str.CancelRead(0)
			str.CancelWrite(0)
		})
	}()
	go func() {
		str, err := s.s.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		s.refuse(str, func() { str.CancelRead(0) })
	}()
}

func (s *wtSession) refuse(str interface {
	io.Reader
	SetReadDeadline(time.Time) error
}, cancel func()) {
	defer cancel()

	str.SetReadDeadline(time.Now().Add(time.Second))
	header, err := session.ReadHeader(str)
	if err != nil {
		s.fail(fmt.Errorf("stream opened after the session was established: %w", err))
		return
	}
	s.log.Warn("Client opened a stream outside the plan", zap.Stringer("stream", header))
	s.fail(&errors.InvalidStreamError{Stream: header, Reason: "opened after the session was established"})
}

// fail records why the session is ending and closes it.
func (s *wtSession) fail(reason error) {
	s.mut_err.Lock()
	if s.err == nil {
		s.err = reason
	}
	s.mut_err.Unlock()
	s.s.CloseWithError(0, reason.Error())
}

func (s *wtSession) acceptBi(ctx context.Context) (streams.Kind, session.Stream, error) {
	str, err := s.s.AcceptStream(ctx)
	if err != nil {
		return streams.Kind{}, nil, err
	}
	header, err := session.ReadHeader(str)
	if err != nil {
		str.CancelRead(0)
		str.Close()
		return streams.Kind{}, nil, err
	}
	var rwc io.ReadWriteCloser = str
	return header, session.NewFramed(rwc, rwc, rwc, s.maxFrame), nil
}

func (s *wtSession) acceptUni(ctx context.Context) (streams.Kind, session.Stream, error) {
	str, err := s.s.AcceptUniStream(ctx)
	if err != nil {
		return streams.Kind{}, nil, err
	}
	header, err := session.ReadHeader(str)
	if err != nil {
		str.CancelRead(0)
		return streams.Kind{}, nil, err
	}
	return header, session.NewFramed(str, nil, cancelReadCloser{str}, s.maxFrame), nil
}

type cancelReadCloser struct {
	str wtransport.ReceiveStream
}

func (c cancelReadCloser) Close() error {
	c.str.CancelRead(0)
	return nil
}

func (s *wtSession) SendDatagram(data []byte) error {
	return s.s.SendDatagram(data)
}

func (s *wtSession) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return s.s.ReceiveDatagram(ctx)
}

func (s *wtSession) RemoteAddr() net.Addr { return s.s.RemoteAddr() }

// RTT is not exposed by the WebTransport library.
func (s *wtSession) RTT() time.Duration { return 0 }

func (s *wtSession) MaxDatagramSize() (int, bool) {
	if !s.s.ConnectionState().SupportsDatagrams {
		return 0, false
	}
	return s.maxDgram, true
}

func (s *wtSession) StableId() uint64 { return s.stableId }

func (s *wtSession) Done() <-chan struct{} { return s.s.Context().Done() }

func (s *wtSession) Err() error {
	s.mut_err.Lock()
	defer s.mut_err.Unlock()
	if s.err != nil {
		return s.err
	}
	ctx := s.s.Context()
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}

func (s *wtSession) CloseWithError(reason error) error {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}

	s.mut_err.Lock()
	if s.err == nil && reason != nil {
		s.err = reason
	}
	s.mut_err.Unlock()
	return s.s.CloseWithError(0, msg)
}
