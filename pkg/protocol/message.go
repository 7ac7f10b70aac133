// Package protocol defines the overlay wire format: the opcode frames carried
// inside length-prefixed frames and the payload schemas of each event kind.
package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Op is the operation code leading every overlay frame.
type Op byte

const (
	OpData Op = iota
	OpSubscribe
	OpUnsubscribe
)

var (
	ErrEmptyFrame     = errors.New("empty frame")
	ErrUnknownOp      = errors.New("unknown operation code")
	ErrMissingChannel = errors.New("frame has no channel")
)

// String returns the string representation of Op
func (op Op) String() string {
	switch op {
	case OpData:
		return "DATA"
	case OpSubscribe:
		return "SUBSCRIBE"
	case OpUnsubscribe:
		return "UNSUBSCRIBE"
	default:
		return "UNKNOWN"
	}
}

func (op Op) valid() bool {
	return op <= OpUnsubscribe
}

const (
	frameChannelField protowire.Number = 1
	frameValueField   protowire.Number = 2
)

// Frame is one overlay operation. Value is only meaningful for OpData.
type Frame struct {
	Op      Op
	Channel string
	Value   []byte
}

// Data builds a data frame.
func Data(channel string, value []byte) Frame {
	return Frame{Op: OpData, Channel: channel, Value: value}
}

// Subscribe builds a subscribe control frame.
func Subscribe(channel string) Frame {
	return Frame{Op: OpSubscribe, Channel: channel}
}

// Unsubscribe builds an unsubscribe control frame.
func Unsubscribe(channel string) Frame {
	return Frame{Op: OpUnsubscribe, Channel: channel}
}

// Encode encodes the frame body: the opcode byte followed by its fields.
func (f *Frame) Encode() ([]byte, error) {
	if !f.Op.valid() {
		return nil, fmt.Errorf("failed to encode frame: %w: %d", ErrUnknownOp, f.Op)
	}
	if f.Channel == "" {
		return nil, fmt.Errorf("failed to encode frame: %w", ErrMissingChannel)
	}
	w := fieldWriter{buf: []byte{byte(f.Op)}}
	w.string(frameChannelField, f.Channel)
	if f.Op == OpData {
		w.bytes(frameValueField, f.Value)
	}
	return w.buf, nil
}

// Decode decodes a frame body produced by Encode.
func (f *Frame) Decode(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("failed to decode frame: %w", ErrEmptyFrame)
	}
	op := Op(data[0])
	if !op.valid() {
		return fmt.Errorf("failed to decode frame: %w: %d", ErrUnknownOp, data[0])
	}
	var out Frame
	out.Op = op
	r := fieldReader{data: data[1:]}
	for r.next() {
		switch r.num {
		case frameChannelField:
			out.Channel = r.string()
		case frameValueField:
			out.Value = r.bytes()
		default:
			r.skip()
		}
	}
	if r.err != nil {
		return fmt.Errorf("failed to decode frame: %w", r.err)
	}
	if out.Channel == "" {
		return fmt.Errorf("failed to decode frame: %w", ErrMissingChannel)
	}
	if out.Op != OpData {
		out.Value = nil
	}
	*f = out
	return nil
}
