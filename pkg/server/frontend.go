package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sessamekesh/spanreed-transport/internal"
	"github.com/sessamekesh/spanreed-transport/pkg/errors"
	"github.com/sessamekesh/spanreed-transport/pkg/session"
	"github.com/sessamekesh/spanreed-transport/pkg/streams"
	"github.com/sessamekesh/spanreed-transport/pkg/transport"
	"go.uber.org/zap"
)

// ClientInfo is read from the live session on every call.
type ClientInfo struct {
	RemoteAddress net.Addr
	RTT           time.Duration

	// Nil when the session carries no datagrams.
	MaxDatagramSize *int

	// Assigned by the transport. Stays the same for the whole session.
	StableId uint64

	Request session.Request
}

// Frontend is the polled half of a server. Its methods never block; they may
// be called from any goroutine, but Recv is meant to have a single caller.
type Frontend[C2S, S2C any] struct {
	id      uuid.UUID
	plan    streams.Plan
	clients *internal.ClientStore[clientState]

	mut_commands sync.RWMutex
	closed       bool
	commands     chan command[S2C]

	events <-chan Event[C2S]
	ended  atomic.Bool

	log *zap.Logger
}

var _ transport.Server[int, int, ClientInfo, Event[int]] = (*Frontend[int, int])(nil)

func (f *Frontend[C2S, S2C]) Id() uuid.UUID { return f.id }

func (f *Frontend[C2S, S2C]) Plan() streams.Plan { return f.plan }

func (f *Frontend[C2S, S2C]) ConnectionInfo(client transport.ClientId) (ClientInfo, bool) {
	state, has := f.clients.Get(client)
	if !has || state.status != statusConnected {
		return ClientInfo{}, false
	}
	return infoOf(state), true
}

func infoOf(state clientState) ClientInfo {
	info := ClientInfo{
		RemoteAddress: state.sess.RemoteAddr(),
		RTT:           state.sess.RTT(),
		StableId:      state.sess.StableId(),
		Request:       state.request,
	}
	if size, ok := state.sess.MaxDatagramSize(); ok {
		info.MaxDatagramSize = &size
	}
	return info
}

func (f *Frontend[C2S, S2C]) Connected(client transport.ClientId) bool {
	_, connected := f.ConnectionInfo(client)
	return connected
}

// Clients lists the clients that are currently connected.
func (f *Frontend[C2S, S2C]) Clients() []transport.ClientId {
	ids := []transport.ClientId{}
	f.clients.Iter(func(id transport.ClientId, state clientState) bool {
		if state.status == statusConnected {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

// Send queues msg on the plan's default stream; see streams.Plan.DefaultSend.
func (f *Frontend[C2S, S2C]) Send(client transport.ClientId, msg S2C) error {
	return f.SendOn(client, f.plan.DefaultSend(), msg)
}

// SendOn queues msg for delivery on one stream of the client's connection. A
// nil error only means the message was queued.
func (f *Frontend[C2S, S2C]) SendOn(client transport.ClientId, stream streams.Kind, msg S2C) error {
	state, err := f.lookup(client)
	if err != nil {
		return err
	}
	if state.status != statusConnected {
		return &errors.ClientNotConnectedError{Id: client}
	}

	if !f.plan.Contains(stream) {
		return &errors.InvalidStreamError{Stream: stream, Reason: "not in the stream plan"}
	}
	if !stream.Sendable() {
		return &errors.InvalidStreamError{Stream: stream, Reason: "the server cannot write to client-to-server streams"}
	}
	if stream.IsDatagram() {
		if _, ok := state.sess.MaxDatagramSize(); !ok {
			return &errors.InvalidStreamError{Stream: stream, Reason: "the session does not support datagrams"}
		}
	}

	return f.enqueue(command[S2C]{kind: commandSend, client: client, stream: stream, msg: msg})
}

// Disconnect asks the backend to close the client's connection. The
// Disconnected event follows from Recv once that has happened.
func (f *Frontend[C2S, S2C]) Disconnect(client transport.ClientId) error {
	if _, err := f.lookup(client); err != nil {
		return err
	}
	return f.enqueue(command[S2C]{kind: commandDisconnect, client: client})
}

func (f *Frontend[C2S, S2C]) lookup(client transport.ClientId) (clientState, error) {
	if f.Closed() {
		return clientState{}, errors.ErrBackendClosed
	}

	state, has := f.clients.Get(client)
	if !has {
		if f.clients.Stale(client) {
			return state, &errors.DisconnectedClientError{Id: client}
		}
		return state, &errors.MissingClientIdError{Id: client}
	}
	return state, nil
}

func (f *Frontend[C2S, S2C]) enqueue(cmd command[S2C]) error {
	f.mut_commands.RLock()
	defer f.mut_commands.RUnlock()

	if f.closed {
		return errors.ErrBackendClosed
	}

	select {
	case f.commands <- cmd:
		return nil
	default:
		f.log.Warn("Command queue full", zap.Int("capacity", cap(f.commands)))
		return &errors.ChannelFullError{Channel: "command", Capacity: cap(f.commands)}
	}
}

// Recv drains the events queued since the last call, oldest first. It has to
// be called regularly: once the event queue is full the backend stops
// reading from the network.
func (f *Frontend[C2S, S2C]) Recv() []Event[C2S] {
	events := []Event[C2S]{}
	for i := 0; i < cap(f.events); i++ {
		select {
		case ev, ok := <-f.events:
			if !ok {
				f.ended.Store(true)
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
	return events
}

// Close shuts the backend down. Every connected client gets a Disconnected
// event with ErrServerClosed, followed by EventClosed; keep calling Recv to
// see them.
func (f *Frontend[C2S, S2C]) Close() error {
	f.mut_commands.Lock()
	defer f.mut_commands.Unlock()

	if f.closed {
		return errors.ErrBackendClosed
	}
	f.closed = true
	close(f.commands)
	f.log.Info("Frontend closed")
	return nil
}

// Closed reports whether Close was called or the backend has stopped.
func (f *Frontend[C2S, S2C]) Closed() bool {
	f.mut_commands.RLock()
	defer f.mut_commands.RUnlock()
	return f.closed || f.ended.Load()
}
