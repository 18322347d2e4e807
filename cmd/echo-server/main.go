// Echo server: sends every message a client says back on the stream it
// arrived on. Serves WebTransport, WebSocket, or both at once.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sessamekesh/spanreed-transport/pkg/codec"
	"github.com/sessamekesh/spanreed-transport/pkg/config"
	"github.com/sessamekesh/spanreed-transport/pkg/message/echo"
	"github.com/sessamekesh/spanreed-transport/pkg/observability"
	"github.com/sessamekesh/spanreed-transport/pkg/server"
	"github.com/sessamekesh/spanreed-transport/pkg/session"
	"github.com/sessamekesh/spanreed-transport/pkg/streams"
	"github.com/sessamekesh/spanreed-transport/pkg/transport/websocket"
	"github.com/sessamekesh/spanreed-transport/pkg/transport/webtransport"
	"go.uber.org/zap"
)

const shutdownGracePeriod = 10 * time.Second

func main() {
	if dotenvErr := godotenv.Load(); dotenvErr != nil && !os.IsNotExist(dotenvErr) {
		fmt.Printf("Failed to load .env file! %s\n", dotenvErr.Error())
	}

	configPath := flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %s\n", err)
		os.Exit(1)
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %s\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("Echo server failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Successfully shutdown echo server!")
}

func buildPlan(c config.StreamsConfig) streams.Plan {
	plan := streams.NewPlan()
	for i := 0; i < c.Bi; i++ {
		plan.AddBi()
	}
	for i := 0; i < c.C2S; i++ {
		plan.AddC2S()
	}
	for i := 0; i < c.S2C; i++ {
		plan.AddS2C()
	}
	return *plan
}

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func buildListener(cfg *config.Config, logger *zap.Logger) (session.Listener, error) {
	listeners := []session.Listener{}

	if cfg.WebTransport.Enable {
		wt := cfg.WebTransport
		l, err := webtransport.Listen(webtransport.ListenerParams{
			ListenAddress:    wt.ListenAddress,
			ListenEndpoint:   wt.Endpoint,
			Logger:           logger,
			CertPath:         wt.CertPath,
			KeyPath:          wt.KeyPath,
			AllowAllHosts:    wt.Hosts.AllowAllHosts,
			AllowlistedHosts: wt.Hosts.AllowlistedHosts,
			DenylistedHosts:  wt.Hosts.DenylistedHosts,
			MaxDatagramSize:  wt.MaxDatagramSize,
			KeepAlivePeriod:  millis(wt.KeepAliveMs),
			MaxIdleTimeout:   millis(wt.MaxIdleMs),
		})
		if err != nil {
			return nil, fmt.Errorf("webtransport: %w", err)
		}
		listeners = append(listeners, l)
	}

	if cfg.WebSocket.Enable {
		ws := cfg.WebSocket
		l, err := websocket.Listen(websocket.ListenerParams{
			ListenAddress:    ws.ListenAddress,
			ListenEndpoint:   ws.Endpoint,
			AllowAllHosts:    ws.Hosts.AllowAllHosts,
			AllowlistedHosts: ws.Hosts.AllowlistedHosts,
			DenylistedHosts:  ws.Hosts.DenylistedHosts,
			MaxDatagramSize:  ws.MaxDatagramSize,
			PingInterval:     millis(ws.PingIntervalMs),
			Logger:           logger,
		})
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, fmt.Errorf("websocket: %w", err)
		}
		listeners = append(listeners, l)
	}

	if len(listeners) == 1 {
		return listeners[0], nil
	}
	return session.MultiListener(listeners...), nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	msgCodec := codec.Binary[echo.Message]()
	front, back, err := server.New(server.Params[echo.Message, echo.Message]{
		Plan:               buildPlan(cfg.Streams),
		Decoder:            msgCodec,
		Encoder:            msgCodec,
		CommandQueueLength: cfg.Server.CommandQueueLength,
		EventQueueLength:   cfg.Server.EventQueueLength,
		ClientQueueLength:  cfg.Server.ClientQueueLength,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	listener, err := buildListener(cfg, logger)
	if err != nil {
		return err
	}

	signalCtx, signalRelease := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer signalRelease()

	// Cancelled only if the backend does not wind down by itself in time.
	runCtx, runRelease := context.WithCancel(context.Background())
	defer runRelease()

	runDone := make(chan error, 1)
	go func() {
		runDone <- back.Run(runCtx, listener)
	}()

	e := &echoer{front: front, log: logger.With(zap.String("handler", "Echo")), now: time.Now}
	ticker := time.NewTicker(millis(cfg.Server.TickIntervalMs))
	defer ticker.Stop()

	shutdownSignal := signalCtx.Done()
	var grace <-chan time.Time
	for {
		select {
		case <-shutdownSignal:
			logger.Info("Received shutdown signal, disconnecting clients")
			shutdownSignal = nil
			front.Close()
			grace = time.After(shutdownGracePeriod)
		case <-grace:
			logger.Warn("Backend did not stop in time, abandoning remaining events")
			runRelease()
			grace = nil
		case err := <-runDone:
			// Everything the backend queued fits in one drain.
			e.tick()
			return err
		case <-ticker.C:
			e.tick()
		}
	}
}
