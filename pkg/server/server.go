// Package server bridges network sessions to a synchronous, polled API.
//
// New returns two halves. The Backend runs the goroutines that accept
// sessions, open their streams and move bytes. The Frontend is what the
// application calls once per tick: it never blocks, and learns everything
// about the backend through a bounded event channel. Commands go the other way
// through a bounded command channel.
package server

import (
	"context"
	goerrs "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sessamekesh/spanreed-transport/internal"
	"github.com/sessamekesh/spanreed-transport/pkg/codec"
	"github.com/sessamekesh/spanreed-transport/pkg/errors"
	"github.com/sessamekesh/spanreed-transport/pkg/session"
	"github.com/sessamekesh/spanreed-transport/pkg/streams"
	utils "github.com/sessamekesh/spanreed-transport/pkg/util"
	"go.uber.org/zap"
)

const (
	DefaultCommandQueueLength = 128
	DefaultEventQueueLength   = 256
	DefaultClientQueueLength  = 64
)

type Params[C2S, S2C any] struct {
	// Streams every connection opens. Copied on New.
	Plan streams.Plan

	Decoder codec.Typed[C2S]
	Encoder codec.Typed[S2C]

	CommandQueueLength int
	EventQueueLength   int

	// Per-connection queue of messages waiting to be written.
	ClientQueueLength int

	Logger *zap.Logger
}

type clientStatus uint8

const (
	statusConnecting clientStatus = iota
	statusAccepted
	statusConnected
)

// clientState is the registry entry for one client. Everything else about a
// connection is owned by its goroutine.
type clientState struct {
	status  clientStatus
	connId  string
	request session.Request
	sess    session.Session
}

type Backend[C2S, S2C any] struct {
	id      uuid.UUID
	plan    streams.Plan
	decoder codec.Typed[C2S]
	encoder codec.Typed[S2C]

	clients  *internal.ClientStore[clientState]
	router   *clientConnectionRouter[S2C]
	commands <-chan command[S2C]
	events   chan Event[C2S]

	logIds *utils.LogIds

	started atomic.Bool
	hardCtx context.Context
	wg      sync.WaitGroup

	log *zap.Logger
}

// New builds a connected Frontend and Backend pair. Nothing runs until
// Backend.Run is called.
func New[C2S, S2C any](params Params[C2S, S2C]) (*Frontend[C2S, S2C], *Backend[C2S, S2C], error) {
	if params.Decoder == nil || params.Encoder == nil {
		return nil, nil, &errors.MissingFieldError{MessageName: "server.Params", FieldName: "Decoder/Encoder"}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	if params.CommandQueueLength <= 0 {
		params.CommandQueueLength = DefaultCommandQueueLength
	}
	if params.EventQueueLength <= 0 {
		params.EventQueueLength = DefaultEventQueueLength
	}
	if params.ClientQueueLength <= 0 {
		params.ClientQueueLength = DefaultClientQueueLength
	}

	id := uuid.New()
	log := logger.With(zap.String("handler", "Server"), zap.String("serverId", id.String()))

	clients := internal.CreateClientStore[clientState]()
	commands := make(chan command[S2C], params.CommandQueueLength)
	events := make(chan Event[C2S], params.EventQueueLength)

	backend := &Backend[C2S, S2C]{
		id:       id,
		plan:     params.Plan,
		decoder:  params.Decoder,
		encoder:  params.Encoder,
		clients:  clients,
		router:   createClientConnectionRouter[S2C](params.ClientQueueLength, log),
		commands: commands,
		events:   events,
		logIds:   utils.NewLogIds("conn", time.Now().UnixNano()),
		hardCtx:  context.Background(),
		log:      log,
	}

	frontend := &Frontend[C2S, S2C]{
		id:       id,
		plan:     params.Plan,
		clients:  clients,
		commands: commands,
		events:   events,
		log:      log.With(zap.String("half", "Frontend")),
	}

	return frontend, backend, nil
}

func (b *Backend[C2S, S2C]) Id() uuid.UUID { return b.id }

// Run accepts sessions from listener until ctx is done, the listener fails or
// the frontend is closed. Every client still connected at that point is
// disconnected with ErrServerClosed, and a final EventClosed is queued before
// the event channel closes.
//
// Run waits for the application to drain those last events unless ctx is
// done, in which case whatever does not fit is dropped. It closes listener
// before returning.
func (b *Backend[C2S, S2C]) Run(ctx context.Context, listener session.Listener) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.ErrBackendOpen
	}
	defer listener.Close()

	b.hardCtx = ctx
	runCtx, shutdown := context.WithCancel(ctx)
	defer shutdown()

	log := b.log.With(zap.String("listenAddr", addrString(listener)))
	log.Info("Starting server backend")

	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		if err := b.router.Start(runCtx, b.commands); err != nil {
			log.Info("Frontend closed, shutting down")
			shutdown()
		}
	}()

	var listenErr error
	for {
		incoming, err := listener.Accept(runCtx)
		if err != nil {
			if runCtx.Err() == nil && !goerrs.Is(err, session.ErrListenerClosed) {
				log.Error("Listener failed", zap.Error(err))
				listenErr = err
			}
			break
		}
		b.spawnConnection(runCtx, incoming)
	}

	shutdown()
	b.wg.Wait()
	<-routerDone

	if left := b.clients.Clear(); len(left) > 0 {
		log.Warn("Clients left in registry after shutdown", zap.Int("count", len(left)))
	}

	b.emit(b.hardCtx, Event[C2S]{Kind: EventClosed, Reason: listenErr})
	close(b.events)

	log.Info("All server goroutines finished. Exiting gracefully.")
	return listenErr
}

func (b *Backend[C2S, S2C]) spawnConnection(ctx context.Context, incoming session.Incoming) {
	connId := b.logIds.Next()
	clientId := b.clients.Insert(clientState{
		status:  statusConnecting,
		connId:  connId,
		request: incoming.Request(),
	})
	channels := b.router.OpenConnection(clientId)

	c := &connection[C2S, S2C]{
		b:        b,
		id:       clientId,
		channels: channels,
		log: b.log.With(
			zap.String("clientId", clientId.String()),
			zap.String("connId", connId)),
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		reason := c.run(ctx, incoming)

		b.router.Remove(clientId)
		b.clients.Remove(clientId)
		c.log.Info("Client disconnected", zap.Error(reason))
		b.emit(b.hardCtx, Event[C2S]{Kind: EventDisconnected, Client: clientId, Reason: reason})
	}()
}

// emit blocks until the frontend has room for ev, or ctx is done.
func (b *Backend[C2S, S2C]) emit(ctx context.Context, ev Event[C2S]) bool {
	select {
	case b.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func addrString(l session.Listener) string {
	addr := l.Addr()
	if addr == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s://%s", addr.Network(), addr.String())
}
