package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type fieldWriter struct {
	buf []byte
}

func (w *fieldWriter) string(num protowire.Number, s string) {
	w.buf = protowire.AppendTag(w.buf, num, protowire.BytesType)
	w.buf = protowire.AppendString(w.buf, s)
}

func (w *fieldWriter) bytes(num protowire.Number, b []byte) {
	w.buf = protowire.AppendTag(w.buf, num, protowire.BytesType)
	w.buf = protowire.AppendBytes(w.buf, b)
}

func (w *fieldWriter) uint(num protowire.Number, v uint64) {
	w.buf = protowire.AppendTag(w.buf, num, protowire.VarintType)
	w.buf = protowire.AppendVarint(w.buf, v)
}

func (w *fieldWriter) bool(num protowire.Number, v bool) {
	w.uint(num, protowire.EncodeBool(v))
}

// fieldReader walks protobuf-wire fields. After next returns true, exactly one
// of the value accessors or skip must be called.
type fieldReader struct {
	data []byte
	num  protowire.Number
	typ  protowire.Type
	err  error
}

func (r *fieldReader) next() bool {
	if r.err != nil || len(r.data) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(r.data)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return false
	}
	r.num, r.typ = num, typ
	r.data = r.data[n:]
	return true
}

func (r *fieldReader) expect(typ protowire.Type) bool {
	if r.typ == typ {
		return true
	}
	r.err = fmt.Errorf("field %d: wire type %d, want %d", r.num, r.typ, typ)
	return false
}

func (r *fieldReader) string() string {
	if !r.expect(protowire.BytesType) {
		return ""
	}
	v, n := protowire.ConsumeString(r.data)
	return consumed(r, v, n)
}

// bytes returns a copy of a length-delimited field. The result is non-nil
// even when the field is empty.
func (r *fieldReader) bytes() []byte {
	if !r.expect(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.data)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return nil
	}
	r.data = r.data[n:]
	return append(make([]byte, 0, len(v)), v...)
}

func (r *fieldReader) uint() uint64 {
	if !r.expect(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.data)
	return consumed(r, v, n)
}

func (r *fieldReader) bool() bool {
	return protowire.DecodeBool(r.uint())
}

func (r *fieldReader) skip() {
	n := protowire.ConsumeFieldValue(r.num, r.typ, r.data)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return
	}
	r.data = r.data[n:]
}

func consumed[T any](r *fieldReader, v T, n int) T {
	var zero T
	if n < 0 {
		r.err = protowire.ParseError(n)
		return zero
	}
	r.data = r.data[n:]
	return v
}
