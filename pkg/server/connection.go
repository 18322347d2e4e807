package server

import (
	"context"
	goerrs "errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/sessamekesh/spanreed-transport/pkg/errors"
	"github.com/sessamekesh/spanreed-transport/pkg/session"
	"github.com/sessamekesh/spanreed-transport/pkg/streams"
	"github.com/sessamekesh/spanreed-transport/pkg/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// connection is the goroutine side of one client, from negotiation to
// teardown. It is the only thing that emits events for its client.
type connection[C2S, S2C any] struct {
	b        *Backend[C2S, S2C]
	id       transport.ClientId
	channels *clientConnectionChannels[S2C]
	forced   atomic.Bool
	overflow atomic.Pointer[errors.SessionError]

	log *zap.Logger
}

// run drives the connection and returns why it ended. It never returns nil.
func (c *connection[C2S, S2C]) run(serverCtx context.Context, incoming session.Incoming) (reason *errors.SessionError) {
	ctx, cancel := context.WithCancel(serverCtx)
	defer cancel()

	go func() {
		select {
		case <-c.channels.CloseRequest:
			c.forced.Store(true)
			cancel()
		case reason := <-c.channels.Overflow:
			c.overflow.Store(reason)
			cancel()
		case <-ctx.Done():
		}
	}()

	c.log.Info("New client connection", zap.String("path", incoming.Request().Path))
	c.b.emit(c.b.hardCtx, Event[C2S]{Kind: EventConnecting, Client: c.id, Request: incoming.Request()})

	if err := incoming.Await(ctx); err != nil {
		reason = c.reason(serverCtx, errors.RecvSession(err))
		incoming.Reject(reason)
		c.log.Warn("Failed to receive session request", zap.Error(err))
		return reason
	}

	sess, err := incoming.Accept(ctx, c.b.plan)
	if err != nil {
		reason = c.reason(serverCtx, errors.AcceptSession(err))
		incoming.Reject(reason)
		c.log.Warn("Failed to accept session", zap.Error(err))
		return reason
	}

	opened := make(map[streams.Kind]session.Stream)
	defer func() {
		var closeErr error
		for _, s := range opened {
			closeErr = multierr.Append(closeErr, s.Close())
		}
		closeErr = multierr.Append(closeErr, sess.CloseWithError(reason))
		if closeErr != nil {
			c.log.Debug("Errors while closing session", zap.Error(closeErr))
		}
	}()

	c.b.clients.Update(c.id, func(s clientState) clientState {
		s.status = statusAccepted
		s.sess = sess
		return s
	})
	c.b.emit(c.b.hardCtx, Event[C2S]{Kind: EventAccepted, Client: c.id})

	for _, kind := range c.b.plan.Kinds() {
		s, err := sess.OpenStream(ctx, kind)
		if err != nil {
			c.log.Warn("Failed to open stream", zap.Stringer("stream", kind), zap.Error(err))
			return c.reason(serverCtx, errors.StreamFailed(kind, errors.StreamOpenFailed(err)))
		}
		opened[kind] = s
	}

	c.b.clients.Update(c.id, func(s clientState) clientState {
		s.status = statusConnected
		return s
	})
	c.log.Info("Client connected", zap.Int("streams", len(opened)))
	c.b.emit(c.b.hardCtx, Event[C2S]{Kind: EventConnected, Client: c.id})

	return c.reason(serverCtx, c.serve(serverCtx, ctx, sess, opened))
}

// reason prefers the shutdown cause over whatever error the shutdown itself
// provoked in the stream goroutines.
func (c *connection[C2S, S2C]) reason(serverCtx context.Context, err *errors.SessionError) *errors.SessionError {
	if c.forced.Load() {
		return errors.ErrForceDisconnect
	}
	if serverCtx.Err() != nil {
		return errors.ErrServerClosed
	}
	if overflow := c.overflow.Load(); overflow != nil {
		return overflow
	}
	return err
}

// lostReason explains a session that ended underneath the connection. A peer
// that used a stream outside the plan is reported against that stream.
func lostReason(cause error) *errors.SessionError {
	if cause == nil {
		return errors.ErrConnectionLost
	}
	var invalid *errors.InvalidStreamError
	if goerrs.As(cause, &invalid) {
		return errors.StreamFailed(invalid.Stream, errors.StreamRecvFailed(cause))
	}
	var sessionErr *errors.SessionError
	if goerrs.As(cause, &sessionErr) {
		return sessionErr
	}
	return errors.ConnectionLost(cause)
}

func (c *connection[C2S, S2C]) serve(serverCtx, ctx context.Context, sess session.Session, opened map[streams.Kind]session.Stream) *errors.SessionError {
	g, gctx := errgroup.WithContext(ctx)

	// The first failure, kept so the session is closed with the right reason.
	var failure atomic.Pointer[errors.SessionError]
	goTask := func(task func() error) {
		g.Go(func() error {
			err := task()
			var sessionErr *errors.SessionError
			if goerrs.As(err, &sessionErr) {
				failure.CompareAndSwap(nil, sessionErr)
			}
			return err
		})
	}

	for kind, s := range opened {
		if !kind.Readable() {
			continue
		}
		kind, s := kind, s
		goTask(func() error { return c.readStream(gctx, sess, kind, s) })
	}
	if _, ok := sess.MaxDatagramSize(); ok {
		goTask(func() error { return c.readDatagrams(gctx, sess) })
	}
	goTask(func() error { return c.writeLoop(gctx, sess, opened) })

	goTask(func() error {
		select {
		case <-gctx.Done():
			// Unblocks the stream readers.
			cause := failure.Load()
			if cause == nil {
				cause = errors.ErrConnectionLost
			}
			sess.CloseWithError(c.reason(serverCtx, cause))
			return nil
		case <-sess.Done():
			return lostReason(sess.Err())
		}
	})

	err := g.Wait()
	var sessionErr *errors.SessionError
	if goerrs.As(err, &sessionErr) {
		return sessionErr
	}
	return errors.ConnectionLost(err)
}

func (c *connection[C2S, S2C]) readStream(ctx context.Context, sess session.Session, kind streams.Kind, s session.Stream) error {
	for {
		data, err := s.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-sess.Done():
				return lostReason(sess.Err())
			default:
			}
			if goerrs.Is(err, io.EOF) {
				return errors.StreamFailed(kind, errors.ErrStreamClosed)
			}
			return errors.StreamFailed(kind, errors.StreamRecvFailed(err))
		}

		if err := c.deliver(ctx, kind, data); err != nil {
			return err
		}
	}
}

func (c *connection[C2S, S2C]) readDatagrams(ctx context.Context, sess session.Session) error {
	for {
		data, err := sess.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-sess.Done():
				return lostReason(sess.Err())
			default:
			}
			return errors.StreamFailed(streams.Datagram(), errors.StreamRecvFailed(err))
		}

		if err := c.deliver(ctx, streams.Datagram(), data); err != nil {
			return err
		}
	}
}

// deliver decodes one message and queues it for the frontend. A message that
// does not decode ends the connection.
func (c *connection[C2S, S2C]) deliver(ctx context.Context, kind streams.Kind, data []byte) error {
	msg, err := c.b.decoder.Decode(data)
	if err != nil {
		c.log.Warn("Failed to decode message", zap.Stringer("stream", kind), zap.Error(err))
		return errors.StreamFailed(kind, errors.StreamRecvFailed(&errors.DecodeError{
			MessageName: messageName[C2S](),
			Cause:       err,
		}))
	}

	if !c.b.emit(ctx, Event[C2S]{Kind: EventRecv, Client: c.id, Msg: msg, Stream: kind}) {
		return ctx.Err()
	}
	return nil
}

func (c *connection[C2S, S2C]) writeLoop(ctx context.Context, sess session.Session, opened map[streams.Kind]session.Stream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-c.channels.OutgoingMessages:
			data, err := c.b.encoder.Encode(cmd.msg)
			if err != nil {
				c.log.Warn("Failed to encode message", zap.Stringer("stream", cmd.stream), zap.Error(err))
				return errors.StreamFailed(cmd.stream, errors.StreamSendFailed(&errors.EncodeError{
					MessageName: messageName[S2C](),
					Cause:       err,
				}))
			}

			if cmd.stream.IsDatagram() {
				err = sess.SendDatagram(data)
			} else if s, has := opened[cmd.stream]; has {
				err = s.WriteMessage(data)
			} else {
				err = &errors.InvalidStreamError{Stream: cmd.stream, Reason: "stream was not opened"}
			}

			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.StreamFailed(cmd.stream, errors.StreamSendFailed(err))
			}
		}
	}
}

func messageName[T any]() string {
	return strings.TrimPrefix(fmt.Sprintf("%T", new(T)), "*")
}
