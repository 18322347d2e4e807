// Package transport defines the contract every server backend implements,
// whether it moves messages through in-memory channels or over a network.
//
// A server is driven by polling: the application calls Recv once per tick and
// gets back every event raised since the previous call. Nothing on this side
// blocks. Sends and disconnects are requests; their failures show up later as
// Disconnected events.
//
// A client counts as connected once all of its setup (stream opening,
// negotiation) has finished and both sides can exchange messages. That is the
// only meaning of "connected" used by ConnectionInfo and Connected.
package transport

// Message is any payload type that crosses the transport. Values are handed
// between goroutines, so they must not be mutated after being sent.
type Message = any

type EventKind uint8

const (
	EventConnected EventKind = iota
	EventRecv
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventRecv:
		return "recv"
	case EventDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// ServerEvent is the backend-agnostic view of a server event.
type ServerEvent[C2S any] struct {
	Kind   EventKind
	Client ClientId

	// Set for EventRecv.
	Msg C2S

	// Set for EventDisconnected.
	Reason error
}

// Event is implemented by the richer event types of concrete backends. Events
// with no generic equivalent (negotiation progress and the like) return false.
type Event[C2S any] interface {
	Generic() (ServerEvent[C2S], bool)
}

// Server is the set of operations shared by every backend.
type Server[C2S, S2C any, Info any, E Event[C2S]] interface {
	// ConnectionInfo returns live information on a connected client, or false
	// if the client is unknown or not connected.
	ConnectionInfo(client ClientId) (Info, bool)

	Connected(client ClientId) bool

	// Send accepts msg for delivery. A nil error means delivery will be
	// attempted, not that it happened.
	Send(client ClientId, msg S2C) error

	// Disconnect forces the client off the server. It does not guarantee a
	// graceful shutdown of the client.
	Disconnect(client ClientId) error

	// Recv drains every event raised since the last call, oldest first. It
	// must be called every tick for the transport to make progress.
	Recv() []E
}

// Events converts backend events to their generic form, dropping the ones
// without a generic equivalent.
func Events[C2S any, E Event[C2S]](events []E) []ServerEvent[C2S] {
	out := make([]ServerEvent[C2S], 0, len(events))
	for _, ev := range events {
		if generic, ok := ev.Generic(); ok {
			out = append(out, generic)
		}
	}
	return out
}

// Poll runs one Recv on any backend and returns its generic events.
func Poll[C2S, S2C, Info any, E Event[C2S]](s Server[C2S, S2C, Info, E]) []ServerEvent[C2S] {
	return Events[C2S](s.Recv())
}
