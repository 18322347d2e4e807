package streams

// Plan declares how many streams of each direction a connection opens while
// it is being established. No stream is opened or closed individually after
// that; a connection that cannot open its whole plan fails.
//
// Build a Plan once and hand it to the server by value.
type Plan struct {
	bi  int
	c2s int
	s2c int
}

func NewPlan() *Plan {
	return &Plan{}
}

func (p *Plan) AddBi() Kind {
	k := Bi(Id(p.bi))
	p.bi++
	return k
}

func (p *Plan) AddC2S() Kind {
	k := C2S(Id(p.c2s))
	p.c2s++
	return k
}

func (p *Plan) AddS2C() Kind {
	k := S2C(Id(p.s2c))
	p.s2c++
	return k
}

func (p Plan) BiCount() int  { return p.bi }
func (p Plan) C2SCount() int { return p.c2s }
func (p Plan) S2CCount() int { return p.s2c }

// Kinds lists every planned stream in establishment order: bidirectional,
// then client-to-server, then server-to-client. The datagram channel is
// implicit and not listed.
func (p Plan) Kinds() []Kind {
	kinds := make([]Kind, 0, p.bi+p.c2s+p.s2c)
	for i := 0; i < p.bi; i++ {
		kinds = append(kinds, Bi(Id(i)))
	}
	for i := 0; i < p.c2s; i++ {
		kinds = append(kinds, C2S(Id(i)))
	}
	for i := 0; i < p.s2c; i++ {
		kinds = append(kinds, S2C(Id(i)))
	}
	return kinds
}

// Contains reports whether a connection following this plan carries k.
func (p Plan) Contains(k Kind) bool {
	switch k.Direction {
	case DirectionDatagram:
		return true
	case DirectionBi:
		return int(k.Id) < p.bi
	case DirectionC2S:
		return int(k.Id) < p.c2s
	case DirectionS2C:
		return int(k.Id) < p.s2c
	}
	return false
}

// DefaultSend picks the stream a message goes out on when the caller does not
// name one: the first bidirectional stream, then the first server-to-client
// stream, then the datagram channel.
func (p Plan) DefaultSend() Kind {
	if p.bi > 0 {
		return Bi(0)
	}
	if p.s2c > 0 {
		return S2C(0)
	}
	return Datagram()
}
