// Package codec turns messages into bytes and back for transports that carry
// them over a network.
package codec

import (
	"sync"

	"github.com/sessamekesh/spanreed-transport/pkg/errors"
)

// Codec marshals arbitrary values, in the style of encoding/json.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Typed converts one message type. A failure on either side is fatal to the
// connection the message travels on.
type Typed[T any] interface {
	Encode(msg T) ([]byte, error)
	Decode(data []byte) (T, error)
}

type typed[T any] struct {
	c Codec
}

// For binds a Codec to the message type T.
func For[T any](c Codec) Typed[T] {
	return typed[T]{c: c}
}

func (t typed[T]) Encode(msg T) ([]byte, error) {
	return t.c.Marshal(msg)
}

func (t typed[T]) Decode(data []byte) (T, error) {
	var msg T
	err := t.c.Unmarshal(data, &msg)
	return msg, err
}

// Registry maps content types to codecs.
type Registry struct {
	mut    sync.RWMutex
	byType map[string]Codec
}

// NewRegistry returns a registry holding JSON and Protobuf. CBOR needs
// initialization and can be added with Register.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.byType[JSON().ContentType()] = JSON()
	r.byType[Proto().ContentType()] = Proto()
	return r
}

func (r *Registry) Register(c Codec) error {
	r.mut.Lock()
	defer r.mut.Unlock()

	if _, has := r.byType[c.ContentType()]; has {
		return &errors.NameCollision{
			CollisionContext: "codec.Registry",
			Name:             c.ContentType(),
		}
	}
	r.byType[c.ContentType()] = c
	return nil
}

// Get returns the codec for contentType, or nil.
func (r *Registry) Get(contentType string) Codec {
	r.mut.RLock()
	defer r.mut.RUnlock()
	return r.byType[contentType]
}
