package websocket_test

import (
	"context"
	goerrs "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sessamekesh/spanreed-transport/pkg/codec"
	"github.com/sessamekesh/spanreed-transport/pkg/errors"
	"github.com/sessamekesh/spanreed-transport/pkg/server"
	"github.com/sessamekesh/spanreed-transport/pkg/session"
	"github.com/sessamekesh/spanreed-transport/pkg/streams"
	"github.com/sessamekesh/spanreed-transport/pkg/transport/websocket"
	"go.uber.org/zap/zaptest"
)

func startListener(t *testing.T, params websocket.ListenerParams) (*websocket.Listener, string) {
	t.Helper()
	if params.Logger == nil {
		params.Logger = zaptest.NewLogger(t)
	}
	l := websocket.NewListener(params)
	srv := httptest.NewServer(l)
	t.Cleanup(func() {
		l.Close()
		srv.Close()
	})
	return l, "ws" + strings.TrimPrefix(srv.URL, "http")
}

type accepted struct {
	sess session.Session
	err  error
}

func planOf(bi, c2s, s2c int) streams.Plan {
	plan := streams.NewPlan()
	for i := 0; i < bi; i++ {
		plan.AddBi()
	}
	for i := 0; i < c2s; i++ {
		plan.AddC2S()
	}
	for i := 0; i < s2c; i++ {
		plan.AddS2C()
	}
	return *plan
}

// acceptOne accepts the next session, or rejects it if reject is set.
func acceptOne(l *websocket.Listener, plan streams.Plan, reject error) <-chan accepted {
	out := make(chan accepted, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		inc, err := l.Accept(ctx)
		if err != nil {
			out <- accepted{err: err}
			return
		}
		if err := inc.Await(ctx); err != nil {
			out <- accepted{err: err}
			return
		}
		if reject != nil {
			inc.Reject(reject)
			out <- accepted{}
			return
		}
		sess, err := inc.Accept(ctx, plan)
		out <- accepted{sess: sess, err: err}
	}()
	return out
}

func connect(t *testing.T, l *websocket.Listener, url string, plan streams.Plan, params websocket.DialParams) (session.Session, *websocket.Session) {
	t.Helper()
	result := acceptOne(l, plan, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	params.Plan = plan
	params.Logger = zaptest.NewLogger(t)
	client, err := websocket.Dial(ctx, url, params)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.CloseWithError(nil) })

	res := <-result
	if res.err != nil {
		t.Fatalf("accept: %v", res.err)
	}
	t.Cleanup(func() { res.sess.CloseWithError(nil) })
	return res.sess, client
}

func openStream(t *testing.T, s session.Session, kind streams.Kind) session.Stream {
	t.Helper()
	str, err := s.OpenStream(context.Background(), kind)
	if err != nil {
		t.Fatalf("open %s: %v", kind, err)
	}
	return str
}

func readString(t *testing.T, str session.Stream) string {
	t.Helper()
	msg, err := str.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(msg)
}

func TestStreams(t *testing.T) {
	l, url := startListener(t, websocket.ListenerParams{AllowAllHosts: true})
	srv, client := connect(t, l, url, planOf(1, 1, 1), websocket.DialParams{})

	clientBi := openStream(t, client, streams.Bi(0))
	if err := clientBi.WriteMessage([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	serverBi := openStream(t, srv, streams.Bi(0))
	if got := readString(t, serverBi); got != "ping" {
		t.Errorf("server read %q", got)
	}
	serverBi.WriteMessage([]byte("pong"))
	if got := readString(t, clientBi); got != "pong" {
		t.Errorf("client read %q", got)
	}

	clientUp := openStream(t, client, streams.C2S(0))
	serverUp := openStream(t, srv, streams.C2S(0))
	clientUp.WriteMessage([]byte("up"))
	clientUp.WriteMessage(nil)
	if err := clientUp.Close(); err != nil {
		t.Fatal(err)
	}
	if got := readString(t, serverUp); got != "up" {
		t.Errorf("server read %q", got)
	}
	if got := readString(t, serverUp); got != "" {
		t.Errorf("expected an empty message, got %q", got)
	}
	if _, err := serverUp.ReadMessage(); err != io.EOF {
		t.Errorf("expected io.EOF after the client closed the stream, got %v", err)
	}
	if err := serverUp.WriteMessage([]byte("x")); err != session.ErrNotWritable {
		t.Errorf("expected ErrNotWritable, got %v", err)
	}

	serverDown := openStream(t, srv, streams.S2C(0))
	if _, err := serverDown.ReadMessage(); err != session.ErrNotReadable {
		t.Errorf("expected ErrNotReadable, got %v", err)
	}

	if _, err := srv.OpenStream(context.Background(), streams.Datagram()); err == nil {
		t.Error("datagrams are not a stream")
	}
	var invalid *errors.InvalidStreamError
	if _, err := srv.OpenStream(context.Background(), streams.Bi(1)); !goerrs.As(err, &invalid) {
		t.Errorf("expected InvalidStreamError for a stream outside the plan, got %v", err)
	}
}

func TestDatagrams(t *testing.T) {
	l, url := startListener(t, websocket.ListenerParams{AllowAllHosts: true, MaxDatagramSize: 16})
	srv, client := connect(t, l, url, streams.Plan{}, websocket.DialParams{MaxDatagramSize: 16})

	if size, ok := srv.MaxDatagramSize(); !ok || size != 16 {
		t.Errorf("MaxDatagramSize() = %d, %v", size, ok)
	}

	if err := client.SendDatagram([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := srv.ReceiveDatagram(ctx)
	if err != nil || string(got) != "hello" {
		t.Fatalf("ReceiveDatagram() = %q, %v", got, err)
	}

	var tooLarge *errors.FrameTooLarge
	if err := srv.SendDatagram(make([]byte, 17)); !goerrs.As(err, &tooLarge) {
		t.Errorf("expected FrameTooLarge, got %v", err)
	}
}

func TestCloseReachesPeer(t *testing.T) {
	l, url := startListener(t, websocket.ListenerParams{AllowAllHosts: true})
	srv, client := connect(t, l, url, planOf(1, 0, 0), websocket.DialParams{})
	serverBi := openStream(t, srv, streams.Bi(0))

	client.CloseWithError(goerrs.New("bye"))

	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server session did not end")
	}
	if _, err := serverBi.ReadMessage(); err == nil || !strings.Contains(err.Error(), "bye") {
		t.Errorf("expected the close reason from a read, got %v", err)
	}
	if err := serverBi.WriteMessage([]byte("late")); err == nil {
		t.Error("expected a write on a closed session to fail")
	}
}

func TestReject(t *testing.T) {
	l, url := startListener(t, websocket.ListenerParams{AllowAllHosts: true})
	result := acceptOne(l, streams.Plan{}, errors.ErrForceDisconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := websocket.Dial(ctx, url, websocket.DialParams{Logger: zaptest.NewLogger(t)})
	if err == nil || !strings.Contains(err.Error(), "status 403") {
		t.Errorf("expected a 403, got %v", err)
	}
	if res := <-result; res.err != nil {
		t.Errorf("accept: %v", res.err)
	}
}

func TestOriginDenied(t *testing.T) {
	_, url := startListener(t, websocket.ListenerParams{
		AllowlistedHosts: []string{"https://game.example"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, err := websocket.Dial(ctx, url, websocket.DialParams{Header: header, Logger: zaptest.NewLogger(t)})
	if err == nil || !strings.Contains(err.Error(), "status 403") {
		t.Errorf("expected a 403, got %v", err)
	}
}

func TestRTT(t *testing.T) {
	l, url := startListener(t, websocket.ListenerParams{AllowAllHosts: true, PingInterval: 10 * time.Millisecond})
	srv, _ := connect(t, l, url, streams.Plan{}, websocket.DialParams{})

	deadline := time.Now().Add(5 * time.Second)
	for srv.RTT() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("RTT was never measured")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerOverWebSocket(t *testing.T) {
	plan := streams.NewPlan()
	plan.AddBi()

	front, back, err := server.New(server.Params[string, string]{
		Plan:    *plan,
		Decoder: codec.For[string](codec.JSON()),
		Encoder: codec.For[string](codec.JSON()),
		Logger:  zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}

	l, url := startListener(t, websocket.ListenerParams{AllowAllHosts: true})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- back.Run(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	client, err := websocket.Dial(dialCtx, url, websocket.DialParams{Plan: *plan, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.CloseWithError(nil)

	bi := openStream(t, client, streams.Bi(0))
	if err := bi.WriteMessage([]byte(`"ping"`)); err != nil {
		t.Fatal(err)
	}

	var recv server.Event[string]
	deadline := time.Now().Add(5 * time.Second)
	for recv.Kind != server.EventRecv {
		for _, ev := range front.Recv() {
			if ev.Kind == server.EventRecv {
				recv = ev
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the message")
		}
		time.Sleep(time.Millisecond)
	}
	if recv.Msg != "ping" || recv.Stream != streams.Bi(0) {
		t.Fatalf("unexpected event %+v", recv)
	}

	if err := front.Send(recv.Client, "pong"); err != nil {
		t.Fatal(err)
	}
	if got := readString(t, bi); got != `"pong"` {
		t.Errorf("client read %q", got)
	}

	if err := front.Disconnect(recv.Client); err != nil {
		t.Fatal(err)
	}
	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client session did not end")
	}
	if err := client.Err(); err == nil || !strings.Contains(err.Error(), "forced disconnect") {
		t.Errorf("unexpected close reason %v", err)
	}
}

func TestUnplannedStreamEndsConnection(t *testing.T) {
	front, back, err := server.New(server.Params[string, string]{
		Plan:    planOf(1, 0, 0),
		Decoder: codec.For[string](codec.JSON()),
		Encoder: codec.For[string](codec.JSON()),
		Logger:  zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}

	l, url := startListener(t, websocket.ListenerParams{AllowAllHosts: true, QueueLength: 4})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- back.Run(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// This client believes in eight bidirectional streams.
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	client, err := websocket.Dial(dialCtx, url, websocket.DialParams{Plan: planOf(8, 0, 0), Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.CloseWithError(nil)

	events := []server.Event[string]{}
	waitFor := func(kind server.EventKind) server.Event[string] {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for {
			events = append(events, front.Recv()...)
			for _, ev := range events {
				if ev.Kind == kind {
					return ev
				}
			}
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %s; events: %v", kind, events)
			}
			time.Sleep(time.Millisecond)
		}
	}
	waitFor(server.EventConnected)

	stray := openStream(t, client, streams.Bi(7))
	for i := 0; i < 10; i++ {
		stray.WriteMessage([]byte(`"stray"`))
	}
	openStream(t, client, streams.Bi(0)).WriteMessage([]byte(`"ping"`))

	ev := waitFor(server.EventDisconnected)
	var sessionErr *errors.SessionError
	if !goerrs.As(ev.Reason, &sessionErr) || sessionErr.Kind != errors.SessionStream || sessionErr.Stream != streams.Bi(7) {
		t.Fatalf("reason = %v", ev.Reason)
	}
	var invalid *errors.InvalidStreamError
	if !goerrs.As(ev.Reason, &invalid) || invalid.Stream != streams.Bi(7) {
		t.Fatalf("expected InvalidStreamError for bi(7), got %v", ev.Reason)
	}
	for _, e := range events {
		if e.Kind == server.EventRecv {
			t.Errorf("unexpected delivery %+v", e)
		}
	}

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client session did not end")
	}
}
