package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// encoder appends protobuf wire-format fields. Zero values are omitted so
// that a decoded frame compares equal to the frame that was encoded.
type encoder struct {
	buf []byte
}

func (e *encoder) str(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, s)
}

func (e *encoder) strs(num protowire.Number, list []string) {
	for _, s := range list {
		e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
		e.buf = protowire.AppendString(e.buf, s)
	}
}

func (e *encoder) raw(num protowire.Number, b []byte) {
	if len(b) == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, b)
}

func (e *encoder) boolean(num protowire.Number, v bool) {
	if !v {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeBool(v))
}

func (e *encoder) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

// message appends a nested message. Repeated elements are always written,
// even when empty, so list length survives the round trip.
func (e *encoder) message(num protowire.Number, fn func(*encoder)) {
	sub := encoder{}
	fn(&sub)
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, sub.buf)
}

// field is one decoded wire field.
type field struct {
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func (f field) str() string   { return string(f.bytes) }
func (f field) boolean() bool { return protowire.DecodeBool(f.varint) }

func (f field) raw() []byte {
	if len(f.bytes) == 0 {
		return nil
	}
	out := make([]byte, len(f.bytes))
	copy(out, f.bytes)
	return out
}

func (f field) expect(t protowire.Type) error {
	if f.typ != t {
		return fmt.Errorf("unexpected wire type %d", f.typ)
	}
	return nil
}

// decodeFields walks b and calls fn for every field. Groups and fixed-width
// fields are skipped; fn decides what to do with unknown numbers.
func decodeFields(b []byte, fn func(num protowire.Number, f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, f); err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
	}
	return nil
}
