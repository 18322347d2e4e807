// Package streams describes the logical streams a connection carries and the
// plan that fixes them when the connection is established.
package streams

import "fmt"

type Direction uint8

const (
	// Unreliable and unordered. There is exactly one per connection.
	DirectionDatagram Direction = iota
	DirectionBi
	DirectionC2S
	DirectionS2C
)

func (d Direction) String() string {
	switch d {
	case DirectionDatagram:
		return "datagram"
	case DirectionBi:
		return "bi"
	case DirectionC2S:
		return "c2s"
	case DirectionS2C:
		return "s2c"
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

func (d Direction) Valid() bool {
	return d <= DirectionS2C
}

// Id is the index of a stream among the streams of the same direction, in the
// order they were added to a Plan.
type Id uint16

// Kind names one logical stream. Two kinds with different directions never
// collide even when their ids are equal.
type Kind struct {
	Direction Direction
	Id        Id
}

func Datagram() Kind            { return Kind{Direction: DirectionDatagram} }
func Bi(id Id) Kind             { return Kind{Direction: DirectionBi, Id: id} }
func C2S(id Id) Kind            { return Kind{Direction: DirectionC2S, Id: id} }
func S2C(id Id) Kind            { return Kind{Direction: DirectionS2C, Id: id} }
func (k Kind) IsDatagram() bool { return k.Direction == DirectionDatagram }

func (k Kind) String() string {
	if k.Direction == DirectionDatagram {
		return "datagram"
	}
	return fmt.Sprintf("%s(%d)", k.Direction, k.Id)
}

// Readable reports whether the server receives data on this stream.
func (k Kind) Readable() bool {
	return k.Direction != DirectionS2C
}

// Sendable reports whether the server may write to this stream.
func (k Kind) Sendable() bool {
	return k.Direction != DirectionC2S
}
