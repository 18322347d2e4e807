package echo

import (
	goerrs "errors"
	"testing"

	"github.com/sessamekesh/spanreed-transport/pkg/codec"
	"github.com/sessamekesh/spanreed-transport/pkg/errors"
)

func TestEchoThroughBinaryCodec(t *testing.T) {
	c := codec.Binary[Message]()

	in := Message{Type: MessageType_Echo, Seq: 42, Text: "hello, world", ServerTimeMs: 1718000000000}
	data, err := c.Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestEmptySay(t *testing.T) {
	data, err := DefaultSerializer.SerializeMessage(&Message{Type: MessageType_Say})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := DefaultSerializer.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != MessageType_Say || msg.Text != "" || msg.Seq != 0 {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestParseErrors(t *testing.T) {
	valid, _ := DefaultSerializer.SerializeMessage(&Message{Type: MessageType_Say, Text: "hi"})

	var underflow *errors.Underflow
	if _, err := DefaultSerializer.Parse(valid[:3]); !goerrs.As(err, &underflow) {
		t.Errorf("short header: expected Underflow, got %v", err)
	}
	if _, err := DefaultSerializer.Parse(valid[:headerSize+2]); !goerrs.As(err, &underflow) {
		t.Errorf("short body: expected Underflow, got %v", err)
	}

	var version *errors.InvalidHeaderVersion
	other := Serializer{MagicNumber: MagicNumber, Version: Version + 1}
	if _, err := other.Parse(valid); !goerrs.As(err, &version) {
		t.Errorf("expected InvalidHeaderVersion, got %v", err)
	}

	badType := append([]byte(nil), valid...)
	badType[4] = Version<<4 | 0x7
	var enum *errors.InvalidEnumValue
	if _, err := DefaultSerializer.Parse(badType); !goerrs.As(err, &enum) {
		t.Errorf("expected InvalidEnumValue, got %v", err)
	}

	corrupt := append([]byte(nil), valid[:headerSize]...)
	corrupt = append(corrupt, 0xFF, 0xFF, 0xFF, 0x7F)
	if _, err := DefaultSerializer.Parse(corrupt); err == nil {
		t.Error("expected an error for a corrupt table")
	}

	if _, err := DefaultSerializer.SerializeMessage(&Message{Type: MessageType_NONE}); !goerrs.As(err, &enum) {
		t.Errorf("expected InvalidEnumValue on serialize, got %v", err)
	}
}
