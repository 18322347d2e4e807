package channel

import (
	"github.com/sessamekesh/spanreed-transport/pkg/errors"
	"github.com/sessamekesh/spanreed-transport/pkg/transport"
)

type ClientEvent[S2C any] struct {
	Kind transport.EventKind

	// Set for EventRecv.
	Msg S2C

	// Set for EventDisconnected.
	Reason error
}

// Client is the client end of a channel connection. It is not safe for
// concurrent use.
type Client[C2S, S2C any] struct {
	id   transport.ClientId
	link *link[C2S, S2C]

	connected bool
	announce  bool
}

// Id is the client's id on the server.
func (c *Client[C2S, S2C]) Id() transport.ClientId { return c.id }

func (c *Client[C2S, S2C]) Connected() bool {
	return c.connected && !c.link.isClosed()
}

func (c *Client[C2S, S2C]) Send(msg C2S) error {
	if !c.Connected() {
		return &errors.DisconnectedClientError{Id: c.id}
	}
	select {
	case c.link.c2s <- msg:
		return nil
	default:
		return &errors.ChannelFullError{Channel: "c2s:" + c.id.String(), Capacity: cap(c.link.c2s)}
	}
}

// Recv returns Connected on the first call, then the messages from the
// server, then a single Disconnected once either side has ended the
// connection.
func (c *Client[C2S, S2C]) Recv() []ClientEvent[S2C] {
	events := []ClientEvent[S2C]{}
	if c.announce {
		c.announce = false
		events = append(events, ClientEvent[S2C]{Kind: transport.EventConnected})
	}
	if !c.connected {
		return events
	}

	for drained := false; !drained; {
		select {
		case msg := <-c.link.s2c:
			events = append(events, ClientEvent[S2C]{Kind: transport.EventRecv, Msg: msg})
		default:
			drained = true
		}
	}

	if c.link.isClosed() {
		c.connected = false
		events = append(events, ClientEvent[S2C]{Kind: transport.EventDisconnected, Reason: c.link.reason})
	}
	return events
}

// Disconnect ends the connection from the client side. The server sees a
// Disconnected event with ErrClientDisconnected.
func (c *Client[C2S, S2C]) Disconnect() error {
	if !c.link.close(errors.ErrClientDisconnected) {
		return &errors.DisconnectedClientError{Id: c.id}
	}
	c.connected = false
	return nil
}
