package codec

import "encoding"

// BinaryMessage is a message type which knows its own byte form. PT is the
// pointer type that UnmarshalBinary is declared on.
type BinaryMessage[T any] interface {
	*T
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type binaryTyped[T any, PT BinaryMessage[T]] struct{}

// Binary returns a codec for types implementing encoding.BinaryMarshaler and
// encoding.BinaryUnmarshaler on their pointer.
func Binary[T any, PT BinaryMessage[T]]() Typed[T] {
	return binaryTyped[T, PT]{}
}

func (binaryTyped[T, PT]) Encode(msg T) ([]byte, error) {
	return PT(&msg).MarshalBinary()
}

func (binaryTyped[T, PT]) Decode(data []byte) (T, error) {
	var msg T
	err := PT(&msg).UnmarshalBinary(data)
	return msg, err
}
