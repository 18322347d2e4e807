package errors

import (
	"fmt"

	"github.com/sessamekesh/spanreed-transport/pkg/streams"
)

type SessionErrorKind uint8

const (
	// The listener ended or the server was shut down.
	SessionServerClosed SessionErrorKind = iota
	// The server asked for the client to be disconnected.
	SessionForceDisconnect
	// The client side closed its end (in-memory backend).
	SessionClientDisconnected
	// Negotiating the incoming session failed before it could be accepted.
	SessionRecv
	// Accepting (upgrading) the negotiated session failed.
	SessionAccept
	// A single stream failed, which takes the whole session down.
	SessionStream
	// The transport reported the session gone without any stream failing
	// first.
	SessionConnectionLost
)

func (k SessionErrorKind) String() string {
	switch k {
	case SessionServerClosed:
		return "server closed"
	case SessionForceDisconnect:
		return "forced disconnect by server"
	case SessionClientDisconnected:
		return "disconnected by client"
	case SessionRecv:
		return "failed to receive incoming session"
	case SessionAccept:
		return "failed to accept session"
	case SessionStream:
		return "stream failed"
	case SessionConnectionLost:
		return "connection lost"
	}
	return fmt.Sprintf("session error(%d)", uint8(k))
}

// SessionError is the reason carried by every Disconnected event.
type SessionError struct {
	Kind SessionErrorKind

	// Set when Kind is SessionStream.
	Stream streams.Kind

	// The underlying failure. A *StreamError when Kind is SessionStream.
	Cause error
}

var (
	ErrServerClosed       = &SessionError{Kind: SessionServerClosed}
	ErrForceDisconnect    = &SessionError{Kind: SessionForceDisconnect}
	ErrClientDisconnected = &SessionError{Kind: SessionClientDisconnected}
	ErrConnectionLost     = &SessionError{Kind: SessionConnectionLost}
)

func RecvSession(cause error) *SessionError {
	return &SessionError{Kind: SessionRecv, Cause: cause}
}

func AcceptSession(cause error) *SessionError {
	return &SessionError{Kind: SessionAccept, Cause: cause}
}

func ConnectionLost(cause error) *SessionError {
	return &SessionError{Kind: SessionConnectionLost, Cause: cause}
}

func StreamFailed(stream streams.Kind, cause *StreamError) *SessionError {
	return &SessionError{Kind: SessionStream, Stream: stream, Cause: cause}
}

func (e *SessionError) Error() string {
	switch e.Kind {
	case SessionStream:
		return fmt.Sprintf("stream %s: %v", e.Stream, e.Cause)
	case SessionRecv, SessionAccept, SessionConnectionLost:
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
		}
	}
	return e.Kind.String()
}

func (e *SessionError) Unwrap() error { return e.Cause }

// Is matches the cause-less sentinels (ErrServerClosed and friends) by kind, so
// errors.Is(reason, ErrForceDisconnect) works on any copy.
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok || t.Cause != nil {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Kind != SessionStream || t.Stream == e.Stream
}

type StreamErrorKind uint8

const (
	StreamOpen StreamErrorKind = iota
	StreamRecv
	StreamSend
	// The remote side closed the stream deliberately.
	StreamClosed
)

func (k StreamErrorKind) String() string {
	switch k {
	case StreamOpen:
		return "failed to open stream"
	case StreamRecv:
		return "failed to receive data"
	case StreamSend:
		return "failed to send data"
	case StreamClosed:
		return "closed by client"
	}
	return fmt.Sprintf("stream error(%d)", uint8(k))
}

type StreamError struct {
	Kind  StreamErrorKind
	Cause error
}

var ErrStreamClosed = &StreamError{Kind: StreamClosed}

func StreamOpenFailed(cause error) *StreamError {
	return &StreamError{Kind: StreamOpen, Cause: cause}
}

func StreamRecvFailed(cause error) *StreamError {
	return &StreamError{Kind: StreamRecv, Cause: cause}
}

func StreamSendFailed(cause error) *StreamError {
	return &StreamError{Kind: StreamSend, Cause: cause}
}

func (e *StreamError) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *StreamError) Unwrap() error { return e.Cause }

func (e *StreamError) Is(target error) bool {
	t, ok := target.(*StreamError)
	return ok && t.Cause == nil && t.Kind == e.Kind
}
