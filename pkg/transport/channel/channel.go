// Package channel is a backend that connects clients to a server through Go
// channels in the same process. There is no network and no backend
// goroutine: everything happens inside the calls to Recv, Send and
// Disconnect. It is mostly useful as a stand-in for a real backend in tests.
package channel

import (
	"sync"

	"github.com/sessamekesh/spanreed-transport/internal"
	"github.com/sessamekesh/spanreed-transport/pkg/errors"
	"github.com/sessamekesh/spanreed-transport/pkg/transport"
	"go.uber.org/zap"
)

const DefaultQueueLength = 64

// Event is a server event of the channel backend. Every event has a generic
// equivalent.
type Event[C2S any] transport.ServerEvent[C2S]

func (e Event[C2S]) Generic() (transport.ServerEvent[C2S], bool) {
	return transport.ServerEvent[C2S](e), true
}

type ClientInfo struct {
	Id transport.ClientId
}

// link is what a server and one client share.
type link[C2S, S2C any] struct {
	c2s chan C2S
	s2c chan S2C

	closed    chan struct{}
	closeOnce sync.Once
	reason    *errors.SessionError
}

func (l *link[C2S, S2C]) close(reason *errors.SessionError) bool {
	closedNow := false
	l.closeOnce.Do(func() {
		l.reason = reason
		close(l.closed)
		closedNow = true
	})
	return closedNow
}

func (l *link[C2S, S2C]) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

type ServerParams struct {
	// Capacity of each client's queue in either direction.
	QueueLength int

	Logger *zap.Logger
}

type Server[C2S, S2C any] struct {
	mut         sync.Mutex
	clients     *internal.ClientStore[*link[C2S, S2C]]
	pending     []Event[C2S]
	closed      bool
	queueLength int

	log *zap.Logger
}

var _ transport.Server[int, int, ClientInfo, Event[int]] = (*Server[int, int])(nil)

func NewServer[C2S, S2C any](params ServerParams) *Server[C2S, S2C] {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.QueueLength <= 0 {
		params.QueueLength = DefaultQueueLength
	}

	return &Server[C2S, S2C]{
		clients:     internal.CreateClientStore[*link[C2S, S2C]](),
		queueLength: params.QueueLength,
		log:         logger.With(zap.String("handler", "ChannelServer")),
	}
}

// Connect creates a client attached to this server. Both sides see a
// Connected event on their next Recv.
func (s *Server[C2S, S2C]) Connect() (*Client[C2S, S2C], error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.closed {
		return nil, errors.ErrBackendClosed
	}

	l := &link[C2S, S2C]{
		c2s:    make(chan C2S, s.queueLength),
		s2c:    make(chan S2C, s.queueLength),
		closed: make(chan struct{}),
	}
	id := s.clients.Insert(l)
	s.pending = append(s.pending, Event[C2S]{Kind: transport.EventConnected, Client: id})

	s.log.Info("Client connected", zap.String("clientId", id.String()))
	return &Client[C2S, S2C]{id: id, link: l, connected: true, announce: true}, nil
}

func (s *Server[C2S, S2C]) ConnectionInfo(client transport.ClientId) (ClientInfo, bool) {
	l, has := s.clients.Get(client)
	if !has || l.isClosed() {
		return ClientInfo{}, false
	}
	return ClientInfo{Id: client}, true
}

func (s *Server[C2S, S2C]) Connected(client transport.ClientId) bool {
	_, connected := s.ConnectionInfo(client)
	return connected
}

func (s *Server[C2S, S2C]) lookup(client transport.ClientId) (*link[C2S, S2C], error) {
	if s.closed {
		return nil, errors.ErrBackendClosed
	}
	l, has := s.clients.Get(client)
	if !has {
		if s.clients.Stale(client) {
			return nil, &errors.DisconnectedClientError{Id: client}
		}
		return nil, &errors.MissingClientIdError{Id: client}
	}
	return l, nil
}

func (s *Server[C2S, S2C]) Send(client transport.ClientId, msg S2C) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	l, err := s.lookup(client)
	if err != nil {
		return err
	}
	if l.isClosed() {
		// The client left; Recv reports it.
		return &errors.DisconnectedClientError{Id: client}
	}

	select {
	case l.s2c <- msg:
		return nil
	default:
		return &errors.ChannelFullError{Channel: "s2c:" + client.String(), Capacity: cap(l.s2c)}
	}
}

// Disconnect removes the client right away. Unlike the networked backend the
// server's Disconnected event is queued here, and shows up on the next Recv.
func (s *Server[C2S, S2C]) Disconnect(client transport.ClientId) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	l, err := s.lookup(client)
	if err != nil {
		return err
	}
	s.removeLocked(client, l, errors.ErrForceDisconnect)
	return nil
}

func (s *Server[C2S, S2C]) removeLocked(client transport.ClientId, l *link[C2S, S2C], reason *errors.SessionError) {
	if l.close(reason) {
		s.log.Info("Client disconnected", zap.String("clientId", client.String()), zap.Error(reason))
	} else {
		reason = l.reason
	}
	s.clients.Remove(client)
	s.pending = append(s.pending, Event[C2S]{Kind: transport.EventDisconnected, Client: client, Reason: reason})
}

// Recv returns the events queued by Connect and Disconnect, then every
// message waiting from each client, then a Disconnected event for each
// client which left on its own.
func (s *Server[C2S, S2C]) Recv() []Event[C2S] {
	s.mut.Lock()
	defer s.mut.Unlock()

	events := s.pending
	s.pending = nil

	type gone struct {
		id   transport.ClientId
		link *link[C2S, S2C]
	}
	left := []gone{}

	s.clients.Iter(func(id transport.ClientId, l *link[C2S, S2C]) bool {
		for drained := false; !drained; {
			select {
			case msg := <-l.c2s:
				events = append(events, Event[C2S]{Kind: transport.EventRecv, Client: id, Msg: msg})
			default:
				drained = true
			}
		}
		if l.isClosed() {
			left = append(left, gone{id, l})
		}
		return true
	})

	for _, g := range left {
		s.removeLocked(g.id, g.link, g.link.reason)
	}
	events = append(events, s.pending...)
	s.pending = nil

	if events == nil {
		events = []Event[C2S]{}
	}
	return events
}

// Close disconnects every client with ErrServerClosed. The Disconnected
// events are returned by the next Recv; after that the server is unusable.
func (s *Server[C2S, S2C]) Close() error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.closed {
		return errors.ErrBackendClosed
	}
	for id, l := range s.clients.Clear() {
		if l.close(errors.ErrServerClosed) {
			s.pending = append(s.pending, Event[C2S]{Kind: transport.EventDisconnected, Client: id, Reason: errors.ErrServerClosed})
		} else {
			s.pending = append(s.pending, Event[C2S]{Kind: transport.EventDisconnected, Client: id, Reason: l.reason})
		}
	}
	s.closed = true
	s.log.Info("Channel server closed")
	return nil
}

func (s *Server[C2S, S2C]) Clients() []transport.ClientId {
	return s.clients.Ids()
}
