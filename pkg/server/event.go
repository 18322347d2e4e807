package server

import (
	"github.com/sessamekesh/spanreed-transport/pkg/session"
	"github.com/sessamekesh/spanreed-transport/pkg/streams"
	"github.com/sessamekesh/spanreed-transport/pkg/transport"
)

type EventKind uint8

const (
	// A client started negotiating a session. Request is set.
	EventConnecting EventKind = iota
	// The session was accepted and its streams are being opened.
	EventAccepted
	EventConnected
	// Msg and Stream are set.
	EventRecv
	// Reason is set, and is always a *errors.SessionError.
	EventDisconnected
	// The backend stopped. This is the last event; Reason holds the listener
	// error, if there was one. Client is unset.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "connecting"
	case EventAccepted:
		return "accepted"
	case EventConnected:
		return "connected"
	case EventRecv:
		return "recv"
	case EventDisconnected:
		return "disconnected"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

type Event[C2S any] struct {
	Kind   EventKind
	Client transport.ClientId

	Request session.Request

	Msg    C2S
	Stream streams.Kind

	Reason error
}

var _ transport.Event[int] = Event[int]{}

// Generic returns the backend-agnostic form of the event. Connecting,
// Accepted and Closed have none.
func (e Event[C2S]) Generic() (transport.ServerEvent[C2S], bool) {
	switch e.Kind {
	case EventConnected:
		return transport.ServerEvent[C2S]{Kind: transport.EventConnected, Client: e.Client}, true
	case EventRecv:
		return transport.ServerEvent[C2S]{Kind: transport.EventRecv, Client: e.Client, Msg: e.Msg}, true
	case EventDisconnected:
		return transport.ServerEvent[C2S]{Kind: transport.EventDisconnected, Client: e.Client, Reason: e.Reason}, true
	}
	return transport.ServerEvent[C2S]{}, false
}
