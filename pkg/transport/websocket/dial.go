package websocket

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/spanreed-transport/pkg/streams"
	"go.uber.org/zap"
)

type DialParams struct {
	// Must match the server's plan. A frame on any other stream ends the
	// session.
	Plan streams.Plan

	// Sent with the handshake. Browsers always send an Origin.
	Header http.Header

	HandshakeTimeout time.Duration

	MaxDatagramSize int
	MaxFrameSize    int
	QueueLength     int
	// Zero disables RTT measurement on the client side.
	PingInterval time.Duration

	Logger *zap.Logger
}

// Dial opens the client side of a session. The returned session writes the
// bidirectional and client-to-server streams and reads the server-to-client
// ones.
func Dial(ctx context.Context, url string, params DialParams) (*Session, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.MaxDatagramSize <= 0 {
		params.MaxDatagramSize = DefaultMaxDatagramSize
	}
	if params.HandshakeTimeout <= 0 {
		params.HandshakeTimeout = 10 * time.Second
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: params.HandshakeTimeout,
	}

	c, resp, err := dialer.DialContext(ctx, url, params.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket: dial %s: %w", url, err)
	}

	log := logger.With(zap.String("handler", "WebSocketClient"), zap.String("url", url))
	return newSession(c, false, sessionParams{
		plan:         params.Plan,
		maxDgram:     params.MaxDatagramSize,
		maxFrame:     params.MaxFrameSize,
		pingInterval: params.PingInterval,
		queueLength:  params.QueueLength,
	}, log), nil
}
