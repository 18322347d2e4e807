package errors

import (
	"fmt"

	"github.com/sessamekesh/spanreed-transport/pkg/streams"
)

type Underflow struct {
	MessageName string
	MsgSize     int
	MinimumSize int
}

func (e *Underflow) Error() string {
	return fmt.Sprintf("Message parsing underflowed (type=%s), provided %d bytes, needed at least %d", e.MessageName, e.MsgSize, e.MinimumSize)
}

type FrameTooLarge struct {
	FrameSize    int
	MaxFrameSize int
}

func (e *FrameTooLarge) Error() string {
	return fmt.Sprintf("Frame of %d bytes exceeds the maximum of %d bytes", e.FrameSize, e.MaxFrameSize)
}

type InvalidEnumValue struct {
	EnumName string
	IntValue uint8
}

func (e *InvalidEnumValue) Error() string {
	return fmt.Sprintf("Invalid enum value=%d (enum: %s)", e.IntValue, e.EnumName)
}

type InvalidHeaderVersion struct {
	ExpectedMagicNumber uint32
	ActualMagicNumber   uint32
	ExpectedVersion     uint8
	ActualVersion       uint8
}

func (e *InvalidHeaderVersion) Error() string {
	return fmt.Sprintf("Invalid header: expected MagicNumber=%d, got MagicNumber=%d. Expected version %d, got %d", e.ExpectedMagicNumber, e.ActualMagicNumber, e.ExpectedVersion, e.ActualVersion)
}

type StreamHeaderMismatch struct {
	Expected streams.Kind
	Actual   streams.Kind
}

func (e *StreamHeaderMismatch) Error() string {
	return fmt.Sprintf("Invalid stream header: expected stream %s, got %s", e.Expected, e.Actual)
}

type MissingFieldError struct {
	MessageName string
	FieldName   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("Missing field %s in message type %s", e.FieldName, e.MessageName)
}

type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}

type DecodeError struct {
	MessageName string
	Cause       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("Failed to decode %s: %v", e.MessageName, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

type EncodeError struct {
	MessageName string
	Cause       error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("Failed to encode %s: %v", e.MessageName, e.Cause)
}

func (e *EncodeError) Unwrap() error { return e.Cause }
