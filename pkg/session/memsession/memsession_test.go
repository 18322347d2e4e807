package memsession

import (
	"context"
	goerrs "errors"
	"io"
	"testing"
	"time"

	"github.com/sessamekesh/spanreed-transport/pkg/errors"
	"github.com/sessamekesh/spanreed-transport/pkg/session"
	"github.com/sessamekesh/spanreed-transport/pkg/streams"
)

// testPlan has two bidirectional streams and one of each other kind.
func testPlan() streams.Plan {
	plan := streams.NewPlan()
	plan.AddBi()
	plan.AddBi()
	plan.AddC2S()
	plan.AddS2C()
	return *plan
}

func dialAccepted(t *testing.T, params DialParams) (*Client, session.Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	l := NewListener("test")
	t.Cleanup(func() { l.Close() })

	clientCh := make(chan *Client, 1)
	go func() {
		c, err := l.Dial(ctx, params)
		if err != nil {
			t.Errorf("dial: %v", err)
		}
		clientCh <- c
	}()

	inc, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := inc.Await(ctx); err != nil {
		t.Fatalf("await: %v", err)
	}
	s, err := inc.Accept(ctx, testPlan())
	if err != nil {
		t.Fatalf("accept session: %v", err)
	}
	return <-clientCh, s
}

func TestStreamDirections(t *testing.T) {
	client, server := dialAccepted(t, DialParams{})
	ctx := context.Background()

	sBi, _ := server.OpenStream(ctx, streams.Bi(0))
	cBi, _ := client.OpenStream(ctx, streams.Bi(0))
	if err := cBi.WriteMessage([]byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	if got, err := sBi.ReadMessage(); err != nil || string(got) != "ping" {
		t.Fatalf("server read = %q, %v", got, err)
	}
	if err := sBi.WriteMessage([]byte("pong")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	if got, err := cBi.ReadMessage(); err != nil || string(got) != "pong" {
		t.Fatalf("client read = %q, %v", got, err)
	}

	sC2S, _ := server.OpenStream(ctx, streams.C2S(0))
	if err := sC2S.WriteMessage([]byte("x")); err != session.ErrNotWritable {
		t.Fatalf("server write on c2s: %v", err)
	}
	sS2C, _ := server.OpenStream(ctx, streams.S2C(0))
	if _, err := sS2C.ReadMessage(); err != session.ErrNotReadable {
		t.Fatalf("server read on s2c: %v", err)
	}
}

func TestUnplannedStreamRefused(t *testing.T) {
	_, server := dialAccepted(t, DialParams{})

	var invalid *errors.InvalidStreamError
	for _, kind := range []streams.Kind{streams.Bi(2), streams.C2S(1), streams.S2C(1)} {
		if _, err := server.OpenStream(context.Background(), kind); !goerrs.As(err, &invalid) || invalid.Stream != kind {
			t.Fatalf("open %s = %v", kind, err)
		}
	}
}

func TestStreamCloseIsEOF(t *testing.T) {
	client, server := dialAccepted(t, DialParams{})
	ctx := context.Background()

	sC2S, _ := server.OpenStream(ctx, streams.C2S(0))
	cC2S, _ := client.OpenStream(ctx, streams.C2S(0))
	cC2S.WriteMessage([]byte("last"))
	cC2S.Close()

	if got, err := sC2S.ReadMessage(); err != nil || string(got) != "last" {
		t.Fatalf("read before eof = %q, %v", got, err)
	}
	if _, err := sC2S.ReadMessage(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestFaults(t *testing.T) {
	openErr := goerrs.New("open refused")
	writeErr := goerrs.New("write refused")
	_, server := dialAccepted(t, DialParams{Faults: Faults{
		Open:  map[streams.Kind]error{streams.Bi(1): openErr},
		Write: map[streams.Kind]error{streams.S2C(0): writeErr},
	}})
	ctx := context.Background()

	if _, err := server.OpenStream(ctx, streams.Bi(1)); err != openErr {
		t.Fatalf("open bi(1): %v", err)
	}
	s, err := server.OpenStream(ctx, streams.S2C(0))
	if err != nil {
		t.Fatalf("open s2c(0): %v", err)
	}
	if err := s.WriteMessage([]byte("x")); err != writeErr {
		t.Fatalf("write: %v", err)
	}
}

func TestCloseEndsBothSides(t *testing.T) {
	client, server := dialAccepted(t, DialParams{MaxDatagramSize: 1200})

	if n, ok := server.MaxDatagramSize(); !ok || n != 1200 {
		t.Fatalf("max datagram size = %d, %v", n, ok)
	}
	if err := client.SendDatagram([]byte("d")); err != nil {
		t.Fatalf("send datagram: %v", err)
	}
	if got, err := server.ReceiveDatagram(context.Background()); err != nil || string(got) != "d" {
		t.Fatalf("receive datagram = %q, %v", got, err)
	}

	reason := goerrs.New("bye")
	server.CloseWithError(reason)

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatalf("client did not observe close")
	}
	if client.Err() != reason || server.Err() != reason {
		t.Fatalf("client err = %v, server err = %v", client.Err(), server.Err())
	}
	if _, err := client.ReceiveDatagram(context.Background()); err == nil {
		t.Fatalf("receive after close succeeded")
	}
}
