// Package webtransport provides sessions over WebTransport (HTTP/3).
//
// Clients open the bidirectional and client-to-server streams of the plan;
// the server opens the server-to-client ones. Every stream starts with a
// header naming its kind, so the order in which streams arrive does not
// matter.
package webtransport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	wtransport "github.com/quic-go/webtransport-go"
	"github.com/sessamekesh/spanreed-transport/pkg/session"
	utils "github.com/sessamekesh/spanreed-transport/pkg/util"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const DefaultMaxDatagramSize = 1200

type ListenerParams struct {
	ListenAddress  string
	ListenEndpoint string

	Logger *zap.Logger

	CertPath string
	KeyPath  string

	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	// Datagram size reported for sessions that support datagrams. Zero uses
	// DefaultMaxDatagramSize.
	MaxDatagramSize int
	MaxFrameSize    int

	KeepAlivePeriod time.Duration
	MaxIdleTimeout  time.Duration
}

type Listener struct {
	params ListenerParams
	log    *zap.Logger

	logIds *utils.LogIds

	s     *wtransport.Server
	pconn net.PacketConn

	incoming chan *incoming

	closed    chan struct{}
	closeOnce sync.Once

	stopped  chan struct{}
	serveErr error
}

var _ session.Listener = (*Listener)(nil)

// Listen binds the UDP socket and starts serving HTTP/3. Sessions are handed
// out by Accept.
func Listen(params ListenerParams) (*Listener, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.MaxDatagramSize <= 0 {
		params.MaxDatagramSize = DefaultMaxDatagramSize
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/"
	}

	log := logger.With(zap.String("handler", "WebTransport"))

	certs, err := tls.LoadX509KeyPair(params.CertPath, params.KeyPath)
	if err != nil {
		log.Error("Failed to load certificate pair", zap.Error(err))
		return nil, err
	}

	pconn, err := net.ListenPacket("udp", params.ListenAddress)
	if err != nil {
		log.Error("Failed to bind UDP socket", zap.String("addr", params.ListenAddress), zap.Error(err))
		return nil, err
	}

	l := &Listener{
		params:   params,
		log:      log,
		logIds:   utils.NewLogIds("wt", time.Now().UnixNano()),
		pconn:    pconn,
		incoming: make(chan *incoming),
		closed:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(params.ListenEndpoint, l.onWtRequest)

	l.s = &wtransport.Server{
		H3: http3.Server{
			TLSConfig: &tls.Config{
				Certificates: []tls.Certificate{certs},
				NextProtos:   []string{http3.NextProtoH3},
			},
			QUICConfig: &quic.Config{
				EnableDatagrams: true,
				KeepAlivePeriod: params.KeepAlivePeriod,
				MaxIdleTimeout:  params.MaxIdleTimeout,
			},
			Handler:         mux,
			EnableDatagrams: true,
		},
		CheckOrigin: checkOrigin(params),
	}

	go func() {
		log.Info("Starting WebTransport HTTP3 server", zap.String("addr", pconn.LocalAddr().String()))
		defer close(l.stopped)

		err := l.s.Serve(pconn)
		select {
		case <-l.closed:
		default:
			log.Error("Unexpected WebTransport server close", zap.Error(err))
			l.serveErr = err
			if l.serveErr == nil {
				l.serveErr = http.ErrServerClosed
			}
		}
	}()

	return l, nil
}

func checkOrigin(params ListenerParams) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if utils.Contains(origin, params.DenylistedHosts) {
			return false
		}

		if params.AllowAllHosts {
			return true
		}

		return utils.Contains(origin, params.AllowlistedHosts)
	}
}

func requestOf(r *http.Request) session.Request {
	var remote net.Addr
	if addr, err := net.ResolveUDPAddr("udp", r.RemoteAddr); err == nil {
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

func (l *Listener) onWtRequest(w http.ResponseWriter, r *http.Request) {
	log := l.log.With(zap.String("wtConnId", l.logIds.Next()))
	log.Info("New WebTransport request", zap.String("path", r.URL.Path))

	inc := &incoming{
		l:        l,
		r:        r,
		request:  requestOf(r),
		decision: make(chan error, 1),
		result:   make(chan upgradeResult, 1),
		log:      log,
	}

	select {
	case l.incoming <- inc:
	case <-l.closed:
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}

	// The upgrade has to happen before this handler returns.
	select {
	case rejection := <-inc.decision:
		if rejection != nil {
			log.Info("Rejecting WebTransport request", zap.Error(rejection))
			w.WriteHeader(http.StatusForbidden)
			return
		}

		sess, err := l.s.Upgrade(w, r)
		if err != nil {
			log.Warn("Failed to upgrade HTTP3 request to a WebTransport session", zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
		}
		inc.result <- upgradeResult{sess: sess, err: err}
	case <-r.Context().Done():
	case <-l.closed:
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}

func (l *Listener) Accept(ctx context.Context) (session.Incoming, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, session.ErrListenerClosed
	case <-l.stopped:
		if l.serveErr != nil {
			return nil, l.serveErr
		}
		return nil, session.ErrListenerClosed
	case inc := <-l.incoming:
		return inc, nil
	}
}

func (l *Listener) Addr() net.Addr { return l.pconn.LocalAddr() }

func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = multierr.Combine(l.s.Close(), l.pconn.Close())
		l.log.Info("Shutdown WebTransport HTTP3 server")
	})
	return err
}
