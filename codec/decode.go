package codec

import (
	"fmt"
	"math"

	"github.com/Intelligent-Intern/quicpro-async-sub000/errtax"
)

// Decode decodes buf against schema. Unknown tags are skipped using
// their wire type (spec §4.D). After parsing, defaults are applied
// for absent optional fields and required presence is verified.
// Trailing bytes after the message are an error (they indicate a
// framing bug by the caller, since BinCodec messages are always
// length-delimited by their carrier).
func Decode(schema *Schema, buf []byte) (Message, error) {
	msg, consumed, err := decodeInto(schema, buf)
	if err != nil {
		return nil, err
	}
	if consumed != len(buf) {
		return nil, errtax.New(errtax.UnexpectedEnd, fmt.Sprintf("%d trailing bytes after message %q", len(buf)-consumed, schema.Name))
	}
	return msg, nil
}

// decodeInto decodes a single message occupying the entirety of buf
// (used for nested sub-slices, where the caller has already carved
// out exactly the nested message's bytes) and returns bytes consumed.
func decodeInto(schema *Schema, buf []byte) (Message, int, error) {
	msg := make(Message)
	seen := make(map[uint32]bool)
	off := 0

	for off < len(buf) {
		key, next, err := readVarint(buf, off)
		if err != nil {
			return nil, off, err
		}
		off = next
		tag := uint32(key >> 3)
		wt := WireType(key & 0x7)

		f, known := schema.byTag[tag]
		if !known {
			off, err = skipValue(buf, off, wt)
			if err != nil {
				return nil, off, err
			}
			continue
		}

		var val interface{}
		off, val, err = decodeFieldValue(buf, off, f, wt)
		if err != nil {
			return nil, off, err
		}
		if f.Base == TypeEnum {
			val = enumNames(f, val)
		}

		if f.IsRepeated() {
			existing, _ := msg[f.Name].([]interface{})
			if vs, ok := val.([]interface{}); ok {
				existing = append(existing, vs...)
			} else {
				existing = append(existing, val)
			}
			msg[f.Name] = existing
		} else {
			msg[f.Name] = val
		}
		seen[tag] = true
	}

	if err := applyDefaultsAndCheckRequired(schema, msg); err != nil {
		return nil, off, err
	}
	return msg, off, nil
}

// decodeFieldValue decodes one known-tag occurrence. For a repeated
// numeric field arriving as a packed LENGTH_DELIM run regardless of
// the schema's own Packed flag, it returns []interface{}. Otherwise
// it returns a single scalar/message value.
func decodeFieldValue(buf []byte, off int, f *FieldDef, wt WireType) (int, interface{}, error) {
	if wt == f.wire {
		if f.Base == TypeMessage {
			return decodeLengthDelimMessage(buf, off, f)
		}
		if f.IsRepeated() && f.IsPacked() && IsNumeric(f.Base) {
			return decodePackedRun(buf, off, f)
		}
		v, noff, err := decodeScalar(buf, off, f.Base, wt)
		return noff, v, err
	}

	// Tolerant exceptions for repeated numeric fields: accept a packed
	// run even if the field wasn't declared packed, and accept a bare
	// unpacked occurrence even if the field was declared packed.
	if f.IsRepeated() && IsNumeric(f.Base) {
		if wt == LengthDelim {
			return decodePackedRun(buf, off, f)
		}
		if wt == scalarWireType(f.Base) {
			v, noff, err := decodeScalar(buf, off, f.Base, wt)
			return noff, v, err
		}
	}

	return off, nil, errtax.New(errtax.WireTypeMismatch, fmt.Sprintf("field %q: expected wire type %s, got %s", f.Name, f.wire, wt))
}

// enumNames replaces decoded enum numbers with their member names
// where the enum defines one; unknown numbers stay int32.
func enumNames(f *FieldDef, v interface{}) interface{} {
	en, _ := f.ref.(*Enum)
	if en == nil {
		return v
	}
	if vs, ok := v.([]interface{}); ok {
		for i := range vs {
			vs[i] = enumNames(f, vs[i])
		}
		return vs
	}
	if n, ok := v.(int32); ok {
		if name, ok := en.NameOf(n); ok {
			return name
		}
	}
	return v
}

func scalarWireType(bt BaseType) WireType {
	switch bt {
	case TypeFixed64, TypeSfixed64, TypeDouble:
		return Fixed64
	case TypeFixed32, TypeSfixed32, TypeFloat:
		return Fixed32
	case TypeString, TypeBytes, TypeMessage:
		return LengthDelim
	default:
		return Varint
	}
}

func decodeLengthDelimMessage(buf []byte, off int, f *FieldDef) (int, interface{}, error) {
	length, noff, err := readVarint(buf, off)
	if err != nil {
		return noff, nil, err
	}
	end := noff + int(length)
	if end > len(buf) {
		return noff, nil, errtax.New(errtax.BufferUnderflow, fmt.Sprintf("field %q: length-delimited payload truncated", f.Name))
	}
	sub, ok := f.ref.(*Schema)
	if !ok {
		return noff, nil, errtax.New(errtax.SchemaUndefined, fmt.Sprintf("field %q: unresolved message reference %q", f.Name, f.RefName))
	}
	nested, consumed, err := decodeInto(sub, buf[noff:end])
	if err != nil {
		return noff, nil, err
	}
	if consumed != end-noff {
		return noff, nil, errtax.New(errtax.UnexpectedEnd, fmt.Sprintf("field %q: trailing bytes inside nested message", f.Name))
	}
	return end, nested, nil
}

func decodePackedRun(buf []byte, off int, f *FieldDef) (int, interface{}, error) {
	length, noff, err := readVarint(buf, off)
	if err != nil {
		return noff, nil, err
	}
	end := noff + int(length)
	if end > len(buf) {
		return noff, nil, errtax.New(errtax.BufferUnderflow, fmt.Sprintf("field %q: packed payload truncated", f.Name))
	}
	elemWire := scalarWireType(f.Base)
	var out []interface{}
	p := noff
	for p < end {
		v, np, err := decodeScalar(buf, p, f.Base, elemWire)
		if err != nil {
			return np, nil, err
		}
		out = append(out, v)
		p = np
	}
	if p != end {
		return p, nil, errtax.New(errtax.UnexpectedEnd, fmt.Sprintf("field %q: packed run misaligned", f.Name))
	}
	return end, out, nil
}

func decodeScalar(buf []byte, off int, bt BaseType, wt WireType) (interface{}, int, error) {
	switch wt {
	case Varint:
		v, noff, err := readVarint(buf, off)
		if err != nil {
			return nil, noff, err
		}
		switch bt {
		case TypeInt32:
			// v carries the low 64 bits of a possibly sign-extended
			// varint; truncate to int32 two's-complement width.
			return int32(uint32(v)), noff, nil
		case TypeInt64:
			return int64(v), noff, nil
		case TypeUint32:
			return uint32(v), noff, nil
		case TypeUint64:
			return v, noff, nil
		case TypeSint32:
			return zigzagDecode32(uint32(v)), noff, nil
		case TypeSint64:
			return zigzagDecode64(v), noff, nil
		case TypeBool:
			return v != 0, noff, nil
		case TypeEnum:
			return int32(uint32(v)), noff, nil
		default:
			return v, noff, nil
		}
	case Fixed32:
		if off+4 > len(buf) {
			return nil, off, errtax.New(errtax.BufferUnderflow, "fixed32 truncated")
		}
		v := uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
		noff := off + 4
		switch bt {
		case TypeFloat:
			return math.Float32frombits(v), noff, nil
		case TypeSfixed32:
			return int32(v), noff, nil
		default:
			return v, noff, nil
		}
	case Fixed64:
		if off+8 > len(buf) {
			return nil, off, errtax.New(errtax.BufferUnderflow, "fixed64 truncated")
		}
		v := uint64(buf[off]) | uint64(buf[off+1])<<8 | uint64(buf[off+2])<<16 | uint64(buf[off+3])<<24 |
			uint64(buf[off+4])<<32 | uint64(buf[off+5])<<40 | uint64(buf[off+6])<<48 | uint64(buf[off+7])<<56
		noff := off + 8
		switch bt {
		case TypeDouble:
			return math.Float64frombits(v), noff, nil
		case TypeSfixed64:
			return int64(v), noff, nil
		default:
			return v, noff, nil
		}
	case LengthDelim:
		length, noff, err := readVarint(buf, off)
		if err != nil {
			return nil, noff, err
		}
		end := noff + int(length)
		if end > len(buf) {
			return nil, noff, errtax.New(errtax.BufferUnderflow, "length-delimited value truncated")
		}
		switch bt {
		case TypeString:
			return string(buf[noff:end]), end, nil
		default:
			out := make([]byte, length)
			copy(out, buf[noff:end])
			return out, end, nil
		}
	default:
		return nil, off, errtax.New(errtax.WireTypeMismatch, "unknown wire type")
	}
}

// skipValue advances off past an unknown field's payload using its
// wire type (spec §4.D unknown-tolerance rule).
func skipValue(buf []byte, off int, wt WireType) (int, error) {
	switch wt {
	case Varint:
		_, noff, err := readVarint(buf, off)
		return noff, err
	case Fixed32:
		if off+4 > len(buf) {
			return off, errtax.New(errtax.BufferUnderflow, "fixed32 truncated")
		}
		return off + 4, nil
	case Fixed64:
		if off+8 > len(buf) {
			return off, errtax.New(errtax.BufferUnderflow, "fixed64 truncated")
		}
		return off + 8, nil
	case LengthDelim:
		length, noff, err := readVarint(buf, off)
		if err != nil {
			return noff, err
		}
		end := noff + int(length)
		if end > len(buf) {
			return noff, errtax.New(errtax.BufferUnderflow, "length-delimited value truncated")
		}
		return end, nil
	default:
		return off, errtax.New(errtax.WireTypeMismatch, "unknown wire type")
	}
}

func applyDefaultsAndCheckRequired(schema *Schema, msg Message) error {
	for _, f := range schema.fields {
		if _, present := msg[f.Name]; present {
			continue
		}
		if f.IsRequired() {
			return errtax.New(errtax.RequiredFieldMissing, fmt.Sprintf("%s.%s", schema.Name, f.Name))
		}
		if f.IsRepeated() {
			continue
		}
		if f.Default != nil {
			if f.Base == TypeEnum {
				if name, ok := f.Default.(string); ok {
					msg[f.Name] = name
					continue
				}
			}
			msg[f.Name] = f.Default
			continue
		}
		msg[f.Name] = zeroValue(f)
	}
	return nil
}

func zeroValue(f *FieldDef) interface{} {
	switch f.Base {
	case TypeString:
		return ""
	case TypeBytes:
		return []byte(nil)
	case TypeBool:
		return false
	case TypeFloat:
		return float32(0)
	case TypeDouble:
		return float64(0)
	case TypeMessage:
		return nil
	case TypeEnum:
		en, _ := f.ref.(*Enum)
		if en != nil {
			if name, ok := en.NameOf(0); ok {
				return name
			}
		}
		return int32(0)
	case TypeUint32, TypeFixed32:
		return uint32(0)
	case TypeUint64, TypeFixed64:
		return uint64(0)
	case TypeSfixed64, TypeInt64, TypeSint64:
		return int64(0)
	default:
		return int32(0)
	}
}
