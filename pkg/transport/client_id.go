package transport

import "fmt"

// ClientId identifies one client for as long as it stays connected. It is a
// generational index: Index names a registry slot, and Generation tells apart
// the clients which occupied that slot over time.
type ClientId struct {
	Index      uint32
	Generation uint32
}

func (id ClientId) String() string {
	return fmt.Sprintf("%dv%d", id.Index, id.Generation)
}

// Raw packs the id into a single integer, e.g. to pass it through a wire
// format. ClientIdFromRaw reverses it.
func (id ClientId) Raw() uint64 {
	return uint64(id.Generation)<<32 | uint64(id.Index)
}

// ClientIdFromRaw rebuilds an id from Raw. An arbitrary value may not point at
// a live client.
func ClientIdFromRaw(raw uint64) ClientId {
	return ClientId{
		Index:      uint32(raw),
		Generation: uint32(raw >> 32),
	}
}
