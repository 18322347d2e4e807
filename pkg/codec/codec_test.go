package codec

import (
	goerrs "errors"
	"testing"

	"github.com/sessamekesh/spanreed-transport/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type position struct {
	X, Y int
	Name string
}

func TestTypedCodecs(t *testing.T) {
	cb, err := CBOR()
	if err != nil {
		t.Fatal(err)
	}

	for _, c := range []Codec{JSON(), cb} {
		t.Run(c.ContentType(), func(t *testing.T) {
			typed := For[position](c)
			in := position{X: 3, Y: -4, Name: "player"}
			data, err := typed.Encode(in)
			if err != nil {
				t.Fatal(err)
			}
			out, err := typed.Decode(data)
			if err != nil {
				t.Fatal(err)
			}
			if out != in {
				t.Errorf("got %+v, want %+v", out, in)
			}

			if _, err := typed.Decode([]byte{0xFF, 0x00, 0x13}); err == nil {
				t.Error("expected garbage to fail decoding")
			}
		})
	}
}

func TestCBORIsDeterministic(t *testing.T) {
	c, err := CBOR()
	if err != nil {
		t.Fatal(err)
	}
	m := map[string]int{"b": 2, "a": 1, "c": 3}

	first, _ := c.Marshal(m)
	for i := 0; i < 10; i++ {
		again, _ := c.Marshal(m)
		if string(again) != string(first) {
			t.Fatal("map encoding changed between calls")
		}
	}
}

func TestProto(t *testing.T) {
	typed := ProtoFor(func() *structpb.Struct { return &structpb.Struct{} })
	in, err := structpb.NewStruct(map[string]any{"hp": 42.0, "name": "player"})
	if err != nil {
		t.Fatal(err)
	}

	data, err := typed.Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := typed.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if !proto.Equal(in, out) {
		t.Errorf("got %v, want %v", out, in)
	}

	if _, err := Proto().Marshal(position{}); err == nil {
		t.Error("expected non-proto values to be refused")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if r.Get("application/json") == nil || r.Get("application/x-protobuf") == nil {
		t.Fatal("missing built-in codecs")
	}
	if r.Get("application/cbor") != nil {
		t.Fatal("CBOR should not be registered by default")
	}

	c, _ := CBOR()
	if err := r.Register(c); err != nil {
		t.Fatal(err)
	}
	if r.Get("application/cbor") == nil {
		t.Error("CBOR not found after Register")
	}

	var collision *errors.NameCollision
	if err := r.Register(JSON()); !goerrs.As(err, &collision) {
		t.Errorf("expected NameCollision, got %v", err)
	}
}
