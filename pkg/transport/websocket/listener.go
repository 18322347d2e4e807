// Package websocket provides sessions over a single WebSocket connection per
// client, for browsers and networks without HTTP/3.
package websocket

import (
	"context"
	goerrs "errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/spanreed-transport/pkg/errors"
	"github.com/sessamekesh/spanreed-transport/pkg/session"
	"github.com/sessamekesh/spanreed-transport/pkg/streams"
	utils "github.com/sessamekesh/spanreed-transport/pkg/util"
	"go.uber.org/zap"
)

const (
	DefaultMaxDatagramSize = 1200
	DefaultQueueLength     = 64
	DefaultPingInterval    = 5 * time.Second
)

type ListenerParams struct {
	ListenAddress  string
	ListenEndpoint string

	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxDatagramSize int
	MaxFrameSize    int
	// Per-stream queue of frames read but not yet consumed.
	QueueLength int
	// Zero uses DefaultPingInterval, negative disables RTT measurement.
	PingInterval time.Duration

	Logger *zap.Logger
}

type Listener struct {
	params   ListenerParams
	upgrader *websocket.Upgrader

	server *http.Server
	ln     net.Listener

	incoming chan *incoming

	closed    chan struct{}
	closeOnce sync.Once

	log    *zap.Logger
	logIds *utils.LogIds
}

var _ session.Listener = (*Listener)(nil)
var _ http.Handler = (*Listener)(nil)

// NewListener builds a listener that gets its requests from ServeHTTP, for
// mounting on an existing HTTP server.
func NewListener(params ListenerParams) *Listener {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/"
	}
	if params.MaxDatagramSize <= 0 {
		params.MaxDatagramSize = DefaultMaxDatagramSize
	}
	if params.MaxFrameSize <= 0 {
		params.MaxFrameSize = session.DefaultMaxFrameSize
	}
	if params.QueueLength <= 0 {
		params.QueueLength = DefaultQueueLength
	}
	if params.PingInterval == 0 {
		params.PingInterval = DefaultPingInterval
	}

	return &Listener{
		params: params,
		upgrader: &websocket.Upgrader{
			// Origins are checked before the request is handed out.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		incoming: make(chan *incoming),
		closed:   make(chan struct{}),
		log:      logger.With(zap.String("handler", "WebSocket")),
		logIds:   utils.NewLogIds("ws", time.Now().UnixNano()),
	}
}

// Listen binds ListenAddress and serves ListenEndpoint on its own HTTP server.
func Listen(params ListenerParams) (*Listener, error) {
	l := NewListener(params)

	ln, err := net.Listen("tcp", l.params.ListenAddress)
	if err != nil {
		l.log.Error("Failed to bind TCP socket", zap.String("addr", l.params.ListenAddress), zap.Error(err))
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(l.params.ListenEndpoint, l)

	l.ln = ln
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		l.log.Info("Starting WebSocket server", zap.String("addr", ln.Addr().String()))
		if err := l.server.Serve(ln); !goerrs.Is(err, http.ErrServerClosed) {
			l.log.Error("Unexpected WebSocket server close!", zap.Error(err))
		}
	}()

	return l, nil
}

func checkOrigin(r *http.Request, params ListenerParams) bool {
	origin := r.Header.Get("Origin")
	if utils.Contains(origin, params.DenylistedHosts) {
		return false
	}

	if params.AllowAllHosts {
		return true
	}

	return utils.Contains(origin, params.AllowlistedHosts)
}

func requestOf(r *http.Request) session.Request {
	var remote net.Addr
	if addr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr); err == nil {
		remote = addr
	}
	return session.Request{
		Authority:  r.Host,
		Path:       r.URL.Path,
		Origin:     r.Header.Get("Origin"),
		UserAgent:  r.UserAgent(),
		Header:     r.Header.Clone(),
		RemoteAddr: remote,
	}
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := l.log.With(zap.String("wsConnId", l.logIds.Next()))
	log.Info("New WebSocket request")

	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "expected a WebSocket upgrade", http.StatusBadRequest)
		return
	}
	if !checkOrigin(r, l.params) {
		log.Warn("Rejecting WebSocket request from disallowed origin", zap.String("origin", r.Header.Get("Origin")))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	inc := &incoming{
		l:        l,
		r:        r,
		request:  requestOf(r),
		decision: make(chan decision, 1),
		result:   make(chan upgradeResult, 1),
		log:      log,
	}

	select {
	case l.incoming <- inc:
	case <-l.closed:
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}

	select {
	case d := <-inc.decision:
		if d.reject != nil {
			log.Info("Rejecting WebSocket request", zap.Error(d.reject))
			http.Error(w, "connection refused", http.StatusForbidden)
			return
		}

		c, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
			inc.result <- upgradeResult{err: err}
			return
		}
		inc.result <- upgradeResult{sess: newSession(c, true, l.sessionParams(d.plan), log)}
	case <-r.Context().Done():
	case <-l.closed:
		http.Error(w, "server closed", http.StatusServiceUnavailable)
	}
}

func (l *Listener) sessionParams(plan streams.Plan) sessionParams {
	return sessionParams{
		plan:         plan,
		maxDgram:     l.params.MaxDatagramSize,
		maxFrame:     l.params.MaxFrameSize,
		pingInterval: l.params.PingInterval,
		queueLength:  l.params.QueueLength,
	}
}

func (l *Listener) Accept(ctx context.Context) (session.Incoming, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, session.ErrListenerClosed
	case inc := <-l.incoming:
		return inc, nil
	}
}

// Addr is nil for a listener built with NewListener.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Close stops handing out sessions. Sessions already accepted stay open.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		if l.server == nil {
			return
		}

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownRelease()
		if err = l.server.Shutdown(shutdownCtx); err != nil {
			l.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
			return
		}
		l.log.Info("Successfully shutdown WebSocket server")
	})
	return err
}

type upgradeResult struct {
	sess *Session
	err  error
}

func (res upgradeResult) session() (session.Session, error) {
	if res.err != nil {
		return nil, res.err
	}
	return res.sess, nil
}

var errAlreadyDecided = goerrs.New("websocket: session already accepted or rejected")

// decision is what the server made of an incoming request: a rejection, or
// the plan of the session to upgrade to.
type decision struct {
	reject error
	plan   streams.Plan
}

type incoming struct {
	l       *Listener
	r       *http.Request
	request session.Request

	decision chan decision
	result   chan upgradeResult
	decided  atomic.Bool

	log *zap.Logger
}

func (i *incoming) Request() session.Request { return i.request }

func (i *incoming) Await(ctx context.Context) error {
	if err := i.r.Context().Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func (i *incoming) Accept(ctx context.Context, plan streams.Plan) (session.Session, error) {
	if !i.decided.CompareAndSwap(false, true) {
		return nil, errAlreadyDecided
	}
	i.decision <- decision{plan: plan}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-i.result:
		return res.session()
	case <-i.r.Context().Done():
		// The handler sends its result before returning.
		select {
		case res := <-i.result:
			return res.session()
		default:
			return nil, i.r.Context().Err()
		}
	}
}

func (i *incoming) Reject(reason error) {
	if reason == nil {
		reason = errors.ErrForceDisconnect
	}
	if i.decided.CompareAndSwap(false, true) {
		i.decision <- decision{reject: reason}
	}
}
