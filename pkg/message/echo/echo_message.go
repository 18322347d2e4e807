// Package echo is the wire format of the echo server in cmd/echo-server: a
// five byte header followed by a FlatBuffers table.
package echo

import (
	"encoding/binary"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/sessamekesh/spanreed-transport/pkg/errors"
)

const (
	MagicNumber uint32 = 0x4F484345 // "ECHO"
	Version     uint8  = 1

	headerSize = 5
)

type MessageType uint8

const (
	// Client to server.
	MessageType_Say MessageType = iota
	// Server to client, the text of a Say sent back.
	MessageType_Echo

	MessageType_NONE
)

func headerIdToMessageType(headerId uint8) MessageType {
	switch headerId {
	case 0x0:
		return MessageType_Say
	case 0x1:
		return MessageType_Echo
	}

	return MessageType_NONE
}

type Message struct {
	Type MessageType
	Seq  uint32
	Text string
	// Set on echoes.
	ServerTimeMs int64
}

type Serializer struct {
	MagicNumber uint32
	Version     uint8
}

var DefaultSerializer = Serializer{MagicNumber: MagicNumber, Version: Version}

// FlatBuffers slots of the message table.
const (
	slotText = iota
	slotSeq
	slotServerTime

	numSlots
)

func vtableOffset(slot int) flatbuffers.VOffsetT {
	return flatbuffers.VOffsetT(4 + 2*slot)
}

func (s Serializer) SerializeMessage(msg *Message) ([]byte, error) {
	if msg.Type >= MessageType_NONE {
		return nil, &errors.InvalidEnumValue{
			EnumName: "echo::MessageType",
			IntValue: uint8(msg.Type),
		}
	}

	b := flatbuffers.NewBuilder(64 + len(msg.Text))
	text := b.CreateString(msg.Text)
	b.StartObject(numSlots)
	b.PrependUOffsetTSlot(slotText, text, 0)
	b.PrependUint32Slot(slotSeq, msg.Seq, 0)
	b.PrependInt64Slot(slotServerTime, msg.ServerTimeMs, 0)
	b.Finish(b.EndObject())
	body := b.FinishedBytes()

	out := make([]byte, 0, headerSize+len(body))
	out = binary.LittleEndian.AppendUint32(out, s.MagicNumber)
	out = append(out, s.Version<<4|uint8(msg.Type)&0xF)
	return append(out, body...), nil
}

func (s Serializer) Parse(msg []byte) (*Message, error) {
	if len(msg) < headerSize {
		return nil, &errors.Underflow{
			MessageName: "echo::Message",
			MsgSize:     len(msg),
			MinimumSize: headerSize,
		}
	}

	magicNumber := binary.LittleEndian.Uint32(msg[0:4])
	version := msg[4] & 0xF0 >> 4
	msgTypeNum := msg[4] & 0xF

	if magicNumber != s.MagicNumber || version != s.Version {
		return nil, &errors.InvalidHeaderVersion{
			ExpectedMagicNumber: s.MagicNumber,
			ExpectedVersion:     s.Version,
			ActualMagicNumber:   magicNumber,
			ActualVersion:       version,
		}
	}

	msgType := headerIdToMessageType(msgTypeNum)
	if msgType == MessageType_NONE {
		return nil, &errors.InvalidEnumValue{
			EnumName: "echo::MessageType",
			IntValue: msgTypeNum,
		}
	}

	out, err := safeParseBody(msg[headerSize:])
	if err != nil {
		return nil, err
	}
	out.Type = msgType
	return out, nil
}

// A corrupt table makes the FlatBuffers accessors panic.
func safeParseBody(body []byte) (msg *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg = nil
			err = fmt.Errorf("deformed message: %v", r)
		}
	}()

	if len(body) < flatbuffers.SizeUOffsetT {
		return nil, &errors.Underflow{
			MessageName: "echo::Message::Body",
			MsgSize:     len(body),
			MinimumSize: flatbuffers.SizeUOffsetT,
		}
	}

	t := &flatbuffers.Table{Bytes: body, Pos: flatbuffers.GetUOffsetT(body)}
	msg = &Message{}
	if o := flatbuffers.UOffsetT(t.Offset(vtableOffset(slotText))); o != 0 {
		msg.Text = string(t.ByteVector(o + t.Pos))
	}
	if o := flatbuffers.UOffsetT(t.Offset(vtableOffset(slotSeq))); o != 0 {
		msg.Seq = t.GetUint32(o + t.Pos)
	}
	if o := flatbuffers.UOffsetT(t.Offset(vtableOffset(slotServerTime))); o != 0 {
		msg.ServerTimeMs = t.GetInt64(o + t.Pos)
	}
	return msg, nil
}

func (m *Message) MarshalBinary() ([]byte, error) {
	return DefaultSerializer.SerializeMessage(m)
}

func (m *Message) UnmarshalBinary(data []byte) error {
	parsed, err := DefaultSerializer.Parse(data)
	if err != nil {
		return err
	}
	*m = *parsed
	return nil
}
