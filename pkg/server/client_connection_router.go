package server

import (
	"context"
	"sync"

	"github.com/sessamekesh/spanreed-transport/pkg/errors"
	"github.com/sessamekesh/spanreed-transport/pkg/streams"
	"github.com/sessamekesh/spanreed-transport/pkg/transport"
	"go.uber.org/zap"
)

type commandKind uint8

const (
	commandSend commandKind = iota
	commandDisconnect
)

type command[S2C any] struct {
	kind   commandKind
	client transport.ClientId
	stream streams.Kind
	msg    S2C
}

type clientConnectionChannels[S2C any] struct {
	OutgoingMessages chan command[S2C]
	CloseRequest     chan struct{}
	// Receives the reason the connection fell too far behind to keep.
	Overflow chan *errors.SessionError

	// Closed once the connection task has finished with the channels.
	Done chan struct{}
}

// clientConnectionRouter hands frontend commands to the connection they name.
type clientConnectionRouter[S2C any] struct {
	mut_connections sync.RWMutex
	connections     map[transport.ClientId]*clientConnectionChannels[S2C]

	queueLength int

	log *zap.Logger
}

func createClientConnectionRouter[S2C any](queueLength int, logger *zap.Logger) *clientConnectionRouter[S2C] {
	return &clientConnectionRouter[S2C]{
		mut_connections: sync.RWMutex{},
		connections:     make(map[transport.ClientId]*clientConnectionChannels[S2C]),
		queueLength:     queueLength,
		log:             logger.With(zap.String("handlerBase", "ClientConnectionRouter")),
	}
}

func (r *clientConnectionRouter[S2C]) OpenConnection(clientId transport.ClientId) *clientConnectionChannels[S2C] {
	channels := &clientConnectionChannels[S2C]{
		OutgoingMessages: make(chan command[S2C], r.queueLength),
		CloseRequest:     make(chan struct{}, 1),
		Overflow:         make(chan *errors.SessionError, 1),
		Done:             make(chan struct{}),
	}

	r.mut_connections.Lock()
	defer r.mut_connections.Unlock()
	r.connections[clientId] = channels

	r.log.Debug("Added client to router connections map", zap.String("clientId", clientId.String()))
	return channels
}

func (r *clientConnectionRouter[S2C]) Remove(clientId transport.ClientId) {
	r.mut_connections.Lock()
	defer r.mut_connections.Unlock()

	channels, has := r.connections[clientId]
	if !has {
		return
	}
	close(channels.Done)
	delete(r.connections, clientId)
	r.log.Debug("Removed client from router connections map", zap.String("clientId", clientId.String()))
}

func (r *clientConnectionRouter[S2C]) route(clientId transport.ClientId) (*clientConnectionChannels[S2C], bool) {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()
	channels, has := r.connections[clientId]
	return channels, has
}

// Start routes commands until ctx is done or the frontend closes the command
// channel, in which case it returns ErrBackendClosed.
func (r *clientConnectionRouter[S2C]) Start(ctx context.Context, commands <-chan command[S2C]) error {
	r.log.Info("Starting ClientConnectionRouter command listener")
	defer r.log.Info("Shutting down ClientConnectionRouter command listener")

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-commands:
			if !ok {
				return errors.ErrBackendClosed
			}
			switch cmd.kind {
			case commandDisconnect:
				r.handleDisconnectRequest(cmd)
			case commandSend:
				r.handleOutgoingMessageRequest(cmd)
			}
		}
	}
}

func (r *clientConnectionRouter[S2C]) handleDisconnectRequest(cmd command[S2C]) {
	log := r.log.With(zap.String("clientId", cmd.client.String()))
	log.Info("Received disconnect request")

	route, has := r.route(cmd.client)
	if !has {
		log.Warn("Cannot disconnect missing client")
		return
	}

	select {
	case route.CloseRequest <- struct{}{}:
	default:
		log.Debug("Disconnect already pending")
	}
}

// handleOutgoingMessageRequest never waits on a connection. A connection
// whose queue is full is dropped rather than holding up every other client.
func (r *clientConnectionRouter[S2C]) handleOutgoingMessageRequest(cmd command[S2C]) {
	log := r.log.With(zap.String("clientId", cmd.client.String()))

	route, has := r.route(cmd.client)
	if !has {
		log.Warn("Cannot route message to missing client")
		return
	}

	select {
	case route.OutgoingMessages <- cmd:
	case <-route.Done:
		log.Debug("Dropping message for finished connection")
	default:
		capacity := cap(route.OutgoingMessages)
		log.Warn("Client is not keeping up with outgoing messages, disconnecting", zap.Int("capacity", capacity))
		reason := errors.StreamFailed(cmd.stream, errors.StreamSendFailed(&errors.ChannelFullError{
			Channel:  "client " + cmd.client.String(),
			Capacity: capacity,
		}))
		select {
		case route.Overflow <- reason:
		default:
		}
	}
}
