package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

type protoCodec struct {
	mo proto.MarshalOptions
	uo proto.UnmarshalOptions
}

// Proto returns a Protocol Buffers codec with deterministic marshaling.
// Content-Type: application/x-protobuf
func Proto() Codec {
	return protoCodec{
		mo: proto.MarshalOptions{Deterministic: true},
		uo: proto.UnmarshalOptions{},
	}
}

func (p protoCodec) ContentType() string { return "application/x-protobuf" }

func (p protoCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protobuf: value does not implement proto.Message: %T", v)
	}
	return p.mo.Marshal(msg)
}

func (p protoCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("protobuf: target does not implement proto.Message: %T", v)
	}
	return p.uo.Unmarshal(data, msg)
}

type protoTyped[T proto.Message] struct {
	p   protoCodec
	new func() T
}

// ProtoFor returns a typed protobuf codec. For can't be used with proto
// messages since they are pointers and need allocating before Unmarshal.
func ProtoFor[T proto.Message](newMsg func() T) Typed[T] {
	return protoTyped[T]{p: Proto().(protoCodec), new: newMsg}
}

func (t protoTyped[T]) Encode(msg T) ([]byte, error) {
	return t.p.mo.Marshal(msg)
}

func (t protoTyped[T]) Decode(data []byte) (T, error) {
	msg := t.new()
	if err := t.p.uo.Unmarshal(data, msg); err != nil {
		var zero T
		return zero, err
	}
	return msg, nil
}
