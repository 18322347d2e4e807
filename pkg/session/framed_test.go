package session_test

import (
	"bytes"
	"context"
	goerrs "errors"
	"io"
	"testing"
	"time"

	"github.com/sessamekesh/spanreed-transport/pkg/errors"
	"github.com/sessamekesh/spanreed-transport/pkg/session"
	"github.com/sessamekesh/spanreed-transport/pkg/session/memsession"
	"github.com/sessamekesh/spanreed-transport/pkg/streams"
)

func TestFramedMessages(t *testing.T) {
	var buf bytes.Buffer
	w := session.NewFramed(nil, &buf, nil, 0)
	for _, msg := range []string{"ping", "", "a longer message"} {
		if err := w.WriteMessage([]byte(msg)); err != nil {
			t.Fatalf("write %q: %v", msg, err)
		}
	}

	r := session.NewFramed(&buf, nil, nil, 0)
	for _, want := range []string{"ping", "", "a longer message"} {
		got, err := r.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != want {
			t.Fatalf("read %q, want %q", got, want)
		}
	}
	if _, err := r.ReadMessage(); err != io.EOF {
		t.Fatalf("expected io.EOF between frames, got %v", err)
	}
}

func TestFramedTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	session.NewFramed(nil, &buf, nil, 0).WriteMessage([]byte("truncated"))
	buf.Truncate(buf.Len() - 2)

	_, err := session.NewFramed(&buf, nil, nil, 0).ReadMessage()
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestFramedMaxFrameSize(t *testing.T) {
	var buf bytes.Buffer
	w := session.NewFramed(nil, &buf, nil, 4)

	var tooLarge *errors.FrameTooLarge
	if err := w.WriteMessage([]byte("12345")); !goerrs.As(err, &tooLarge) {
		t.Fatalf("expected FrameTooLarge on write, got %v", err)
	}

	session.NewFramed(nil, &buf, nil, 0).WriteMessage([]byte("12345"))
	if _, err := session.NewFramed(&buf, nil, nil, 4).ReadMessage(); !goerrs.As(err, &tooLarge) {
		t.Fatalf("expected FrameTooLarge on read, got %v", err)
	}
	if tooLarge.FrameSize != 5 || tooLarge.MaxFrameSize != 4 {
		t.Fatalf("unexpected error fields %+v", tooLarge)
	}
}

func TestFramedOneWay(t *testing.T) {
	var buf bytes.Buffer
	if _, err := session.NewFramed(nil, &buf, nil, 0).ReadMessage(); err != session.ErrNotReadable {
		t.Fatalf("read on write-only stream: %v", err)
	}
	if err := session.NewFramed(&buf, nil, nil, 0).WriteMessage(nil); err != session.ErrNotWritable {
		t.Fatalf("write on read-only stream: %v", err)
	}
}

func TestStreamHeader(t *testing.T) {
	for _, kind := range []streams.Kind{streams.Bi(0), streams.C2S(7), streams.S2C(65535)} {
		var buf bytes.Buffer
		if err := session.WriteHeader(&buf, kind); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if buf.Len() != session.HeaderSize {
			t.Fatalf("header for %s is %d bytes", kind, buf.Len())
		}
		got, err := session.ReadHeader(&buf)
		if err != nil || got != kind {
			t.Fatalf("read header = %s, %v; want %s", got, err, kind)
		}
	}

	var invalid *errors.InvalidEnumValue
	if _, err := session.ParseHeader([]byte{9, 0, 0}); !goerrs.As(err, &invalid) {
		t.Fatalf("expected InvalidEnumValue, got %v", err)
	}
	var underflow *errors.Underflow
	if _, err := session.ParseHeader([]byte{1}); !goerrs.As(err, &underflow) {
		t.Fatalf("expected Underflow, got %v", err)
	}
}

func TestMultiListener(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := memsession.NewListener("a")
	b := memsession.NewListener("b")
	m := session.MultiListener(a, b)

	go b.Dial(ctx, memsession.DialParams{Request: session.Request{Path: "/b"}})
	inc, err := m.Accept(ctx)
	if err != nil {
		t.Fatalf("accept from b: %v", err)
	}
	if inc.Request().Path != "/b" {
		t.Fatalf("unexpected request %+v", inc.Request())
	}

	go a.Dial(ctx, memsession.DialParams{Request: session.Request{Path: "/a"}})
	inc, err = m.Accept(ctx)
	if err != nil {
		t.Fatalf("accept from a: %v", err)
	}
	if inc.Request().Path != "/a" {
		t.Fatalf("unexpected request %+v", inc.Request())
	}

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := m.Accept(ctx); err != session.ErrListenerClosed {
		t.Fatalf("accept after close: %v", err)
	}
}
