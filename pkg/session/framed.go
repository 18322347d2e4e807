package session

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"

	"github.com/sessamekesh/spanreed-transport/pkg/errors"
	"github.com/sessamekesh/spanreed-transport/pkg/streams"
)

const DefaultMaxFrameSize = 1 << 24

// Framed turns a byte stream into a message Stream by prefixing every message
// with its length as a little-endian uint32.
type Framed struct {
	mut_write sync.Mutex
	r         *bufio.Reader
	w         io.Writer
	closer    io.Closer
	maxFrame  int
}

// NewFramed builds a framed stream. r or w may be nil for one-way streams,
// closer may be nil if there is nothing to close. maxFrame <= 0 uses
// DefaultMaxFrameSize.
func NewFramed(r io.Reader, w io.Writer, closer io.Closer, maxFrame int) *Framed {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	f := &Framed{w: w, closer: closer, maxFrame: maxFrame}
	if r != nil {
		f.r = bufio.NewReader(r)
	}
	return f
}

func (f *Framed) ReadMessage() ([]byte, error) {
	if f.r == nil {
		return nil, ErrNotReadable
	}

	var lenbuf [4]byte
	if _, err := io.ReadFull(f.r, lenbuf[:]); err != nil {
		// A clean EOF only happens between frames.
		return nil, err
	}

	n := int(binary.LittleEndian.Uint32(lenbuf[:]))
	if n > f.maxFrame {
		return nil, &errors.FrameTooLarge{FrameSize: n, MaxFrameSize: f.maxFrame}
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

func (f *Framed) WriteMessage(data []byte) error {
	if f.w == nil {
		return ErrNotWritable
	}
	if len(data) > f.maxFrame {
		return &errors.FrameTooLarge{FrameSize: len(data), MaxFrameSize: f.maxFrame}
	}

	frame := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(data)))
	copy(frame[4:], data)

	f.mut_write.Lock()
	defer f.mut_write.Unlock()
	_, err := f.w.Write(frame)
	return err
}

func (f *Framed) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

const HeaderSize = 3

// WriteHeader writes the kind of a freshly opened stream so the other side can
// match it to its plan.
func WriteHeader(w io.Writer, kind streams.Kind) error {
	var header [HeaderSize]byte
	PutHeader(header[:], kind)
	_, err := w.Write(header[:])
	return err
}

func PutHeader(buf []byte, kind streams.Kind) {
	buf[0] = byte(kind.Direction)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(kind.Id))
}

// ReadHeader reads the header written by WriteHeader.
func ReadHeader(r io.Reader) (streams.Kind, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return streams.Kind{}, err
	}
	return ParseHeader(header[:])
}

func ParseHeader(buf []byte) (streams.Kind, error) {
	if len(buf) < HeaderSize {
		return streams.Kind{}, &errors.Underflow{
			MessageName: "StreamHeader",
			MsgSize:     len(buf),
			MinimumSize: HeaderSize,
		}
	}
	direction := streams.Direction(buf[0])
	if !direction.Valid() {
		return streams.Kind{}, &errors.InvalidEnumValue{EnumName: "Direction", IntValue: buf[0]}
	}
	return streams.Kind{
		Direction: direction,
		Id:        streams.Id(binary.LittleEndian.Uint16(buf[1:3])),
	}, nil
}
