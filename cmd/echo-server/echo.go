package main

import (
	"time"

	"github.com/sessamekesh/spanreed-transport/pkg/errors"
	"github.com/sessamekesh/spanreed-transport/pkg/message/echo"
	"github.com/sessamekesh/spanreed-transport/pkg/server"
	"go.uber.org/zap"
)

type echoer struct {
	front *server.Frontend[echo.Message, echo.Message]
	log   *zap.Logger
	now   func() time.Time
}

// tick handles every event queued since the last tick and reports whether
// the backend has stopped.
func (e *echoer) tick() bool {
	closed := false
	for _, ev := range e.front.Recv() {
		switch ev.Kind {
		case server.EventConnecting:
			e.log.Info("Client connecting",
				zap.String("clientId", ev.Client.String()),
				zap.String("origin", ev.Request.Origin),
				zap.String("path", ev.Request.Path))
		case server.EventConnected:
			e.log.Info("Client connected", zap.String("clientId", ev.Client.String()))
		case server.EventRecv:
			e.echo(ev)
		case server.EventDisconnected:
			e.log.Info("Client disconnected", zap.String("clientId", ev.Client.String()), zap.Error(ev.Reason))
		case server.EventClosed:
			e.log.Info("Server backend closed", zap.Error(ev.Reason))
			closed = true
		}
	}
	return closed
}

func (e *echoer) echo(ev server.Event[echo.Message]) {
	if ev.Msg.Type != echo.MessageType_Say {
		e.log.Warn("Ignoring unexpected message type", zap.String("clientId", ev.Client.String()), zap.Uint8("type", uint8(ev.Msg.Type)))
		return
	}

	reply := echo.Message{
		Type:         echo.MessageType_Echo,
		Seq:          ev.Msg.Seq,
		Text:         ev.Msg.Text,
		ServerTimeMs: e.now().UnixMilli(),
	}

	var err error
	if ev.Stream.Sendable() {
		err = e.front.SendOn(ev.Client, ev.Stream, reply)
	} else {
		err = e.front.Send(ev.Client, reply)
	}
	if err != nil {
		if errors.IsUnknownClient(err) {
			e.log.Debug("Client left before its echo", zap.String("clientId", ev.Client.String()))
			return
		}
		e.log.Warn("Failed to echo message", zap.String("clientId", ev.Client.String()), zap.Error(err))
	}
}
