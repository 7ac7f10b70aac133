package protocol

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// PayloadVersion is the schema version written into every payload.
const PayloadVersion = 1

const versionField protowire.Number = 1

// ErrUnsupportedVersion is returned when a payload carries no version or one
// newer than this implementation understands.
var ErrUnsupportedVersion = errors.New("unsupported payload version")

// Payload is the typed value carried by a data frame on a channel of Kind.
type Payload interface {
	Kind() string
	Encode() ([]byte, error)
	Decode(data []byte) error
}

func newWriter() fieldWriter {
	var w fieldWriter
	w.uint(versionField, PayloadVersion)
	return w
}

// decodeFields checks the version field and hands every other field to visit.
func decodeFields(kind string, data []byte, visit func(r *fieldReader)) error {
	r := fieldReader{data: data}
	var version uint64
	for r.next() {
		if r.num == versionField {
			version = r.uint()
			continue
		}
		visit(&r)
	}
	if r.err != nil {
		return fmt.Errorf("failed to decode %s: %w", kind, r.err)
	}
	if version == 0 || version > PayloadVersion {
		return fmt.Errorf("failed to decode %s: %w: %d", kind, ErrUnsupportedVersion, version)
	}
	return nil
}

// UserInfo is the presence heartbeat.
type UserInfo struct {
	ID     string
	Name   string
	Online bool
}

func (*UserInfo) Kind() string { return KindUserInfo }

func (p *UserInfo) Encode() ([]byte, error) {
	w := newWriter()
	w.string(2, p.ID)
	w.string(3, p.Name)
	w.bool(4, p.Online)
	return w.buf, nil
}

func (p *UserInfo) Decode(data []byte) error {
	var out UserInfo
	err := decodeFields(KindUserInfo, data, func(r *fieldReader) {
		switch r.num {
		case 2:
			out.ID = r.string()
		case 3:
			out.Name = r.string()
		case 4:
			out.Online = r.bool()
		default:
			r.skip()
		}
	})
	if err != nil {
		return err
	}
	*p = out
	return nil
}

// Message is a direct text message.
type Message struct {
	Sender string
	Text   string
}

func (*Message) Kind() string { return KindMessage }

func (p *Message) Encode() ([]byte, error) {
	w := newWriter()
	w.string(2, p.Sender)
	w.string(3, p.Text)
	return w.buf, nil
}

func (p *Message) Decode(data []byte) error {
	var out Message
	err := decodeFields(KindMessage, data, func(r *fieldReader) {
		switch r.num {
		case 2:
			out.Sender = r.string()
		case 3:
			out.Text = r.string()
		default:
			r.skip()
		}
	})
	if err != nil {
		return err
	}
	*p = out
	return nil
}

// Typing reports whether Sender is composing a message to the recipient.
type Typing struct {
	Sender string
	Typing bool
}

func (*Typing) Kind() string { return KindTyping }

func (p *Typing) Encode() ([]byte, error) {
	w := newWriter()
	w.string(2, p.Sender)
	w.bool(3, p.Typing)
	return w.buf, nil
}

func (p *Typing) Decode(data []byte) error {
	var out Typing
	err := decodeFields(KindTyping, data, func(r *fieldReader) {
		switch r.num {
		case 2:
			out.Sender = r.string()
		case 3:
			out.Typing = r.bool()
		default:
			r.skip()
		}
	})
	if err != nil {
		return err
	}
	*p = out
	return nil
}

// FileInfo announces a file Sender offers to the recipient.
type FileInfo struct {
	Sender           string
	Name             string
	ModificationDate time.Time
	Size             uint64
}

func (*FileInfo) Kind() string { return KindFileInfo }

func (p *FileInfo) Encode() ([]byte, error) {
	ts, err := proto.Marshal(timestamppb.New(p.ModificationDate))
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", KindFileInfo, err)
	}
	w := newWriter()
	w.string(2, p.Sender)
	w.string(3, p.Name)
	w.bytes(4, ts)
	w.uint(5, p.Size)
	return w.buf, nil
}

func (p *FileInfo) Decode(data []byte) error {
	var out FileInfo
	var ts []byte
	err := decodeFields(KindFileInfo, data, func(r *fieldReader) {
		switch r.num {
		case 2:
			out.Sender = r.string()
		case 3:
			out.Name = r.string()
		case 4:
			ts = r.bytes()
		case 5:
			out.Size = r.uint()
		default:
			r.skip()
		}
	})
	if err != nil {
		return err
	}
	if ts != nil {
		var stamp timestamppb.Timestamp
		if err := proto.Unmarshal(ts, &stamp); err != nil {
			return fmt.Errorf("failed to decode %s: %w", KindFileInfo, err)
		}
		if err := stamp.CheckValid(); err != nil {
			return fmt.Errorf("failed to decode %s: %w", KindFileInfo, err)
		}
		out.ModificationDate = stamp.AsTime()
	}
	*p = out
	return nil
}

// FileContents is either a pull request for Size bytes at Offset (Contents
// nil) or the reply carrying them (Contents non-nil). An empty reply means the
// sender could not serve the request.
type FileContents struct {
	Sender   string
	Name     string
	Offset   uint64
	Size     uint64
	Contents []byte
}

func (*FileContents) Kind() string { return KindFileContents }

// IsRequest reports whether p asks for content rather than carrying it.
func (p *FileContents) IsRequest() bool {
	return p.Contents == nil
}

func (p *FileContents) Encode() ([]byte, error) {
	w := newWriter()
	w.string(2, p.Sender)
	w.string(3, p.Name)
	w.uint(4, p.Offset)
	w.uint(5, p.Size)
	if p.Contents != nil {
		w.bytes(6, p.Contents)
	}
	return w.buf, nil
}

func (p *FileContents) Decode(data []byte) error {
	var out FileContents
	err := decodeFields(KindFileContents, data, func(r *fieldReader) {
		switch r.num {
		case 2:
			out.Sender = r.string()
		case 3:
			out.Name = r.string()
		case 4:
			out.Offset = r.uint()
		case 5:
			out.Size = r.uint()
		case 6:
			out.Contents = r.bytes()
		default:
			r.skip()
		}
	})
	if err != nil {
		return err
	}
	*p = out
	return nil
}
