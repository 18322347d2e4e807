package errors

import (
	goerrs "errors"
	"fmt"

	"github.com/sessamekesh/spanreed-transport/pkg/streams"
	"github.com/sessamekesh/spanreed-transport/pkg/transport"
)

// Errors returned synchronously from the polling side. The caller may inspect
// them and retry or give up; none of them affect a connection.

var (
	ErrBackendClosed = goerrs.New("backend is closed")
	ErrBackendOpen   = goerrs.New("backend is already open")
)

// The id was never handed out by this server.
type MissingClientIdError struct {
	Id transport.ClientId
}

func (e *MissingClientIdError) Error() string {
	return fmt.Sprintf("Missing client with id=%s", e.Id)
}

// The id was handed out but its client has since disconnected.
type DisconnectedClientError struct {
	Id transport.ClientId
}

func (e *DisconnectedClientError) Error() string {
	return fmt.Sprintf("Client with id=%s is already disconnected", e.Id)
}

// The client exists but has not finished connecting.
type ClientNotConnectedError struct {
	Id transport.ClientId
}

func (e *ClientNotConnectedError) Error() string {
	return fmt.Sprintf("Client with id=%s is not connected yet", e.Id)
}

type ChannelFullError struct {
	Channel  string
	Capacity int
}

func (e *ChannelFullError) Error() string {
	return fmt.Sprintf("Channel %s is full (capacity %d)", e.Channel, e.Capacity)
}

type InvalidStreamError struct {
	Stream streams.Kind
	Reason string
}

func (e *InvalidStreamError) Error() string {
	return fmt.Sprintf("Cannot use stream %s: %s", e.Stream, e.Reason)
}

// IsUnknownClient reports whether err says the client id does not name a live
// client, either because it never existed or because it has disconnected.
func IsUnknownClient(err error) bool {
	var missing *MissingClientIdError
	var disconnected *DisconnectedClientError
	return goerrs.As(err, &missing) || goerrs.As(err, &disconnected)
}
