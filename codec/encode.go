package codec

import (
	"fmt"
	"math"

	"github.com/Intelligent-Intern/quicpro-async-sub000/errtax"
)

// Encode encodes msg against schema, iterating fields in ascending
// tag order (spec invariant 4), omitting absent optional fields equal
// to their default, and failing RequiredFieldMissing for absent
// required fields.
func Encode(schema *Schema, msg Message) ([]byte, error) {
	var buf []byte
	for _, f := range schema.fields {
		v, present := msg[f.Name]
		if !present {
			if f.IsRequired() {
				return nil, errtax.New(errtax.RequiredFieldMissing, fmt.Sprintf("%s.%s", schema.Name, f.Name))
			}
			continue
		}
		if !f.IsRepeated() && !f.IsRequired() && isDefaultValue(f, v) {
			continue
		}

		var err error
		buf, err = encodeField(buf, f, v)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func encodeField(buf []byte, f *FieldDef, v interface{}) ([]byte, error) {
	if f.IsRepeated() {
		items, ok := v.([]interface{})
		if !ok {
			return nil, errtax.New(errtax.WireTypeMismatch, fmt.Sprintf("field %q: repeated value must be []interface{}", f.Name))
		}
		if f.IsPacked() {
			var inner []byte
			for _, item := range items {
				var err error
				inner, err = encodeScalar(inner, f, item)
				if err != nil {
					return nil, err
				}
			}
			buf = appendKey(buf, f.Tag, LengthDelim)
			buf = appendVarint(buf, uint64(len(inner)))
			buf = append(buf, inner...)
			return buf, nil
		}
		for _, item := range items {
			var err error
			buf, err = encodeSingle(buf, f, item)
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	}
	return encodeSingle(buf, f, v)
}

// encodeSingle emits key+value for one occurrence of a (possibly
// repeated-but-unpacked) field.
func encodeSingle(buf []byte, f *FieldDef, v interface{}) ([]byte, error) {
	switch f.Base {
	case TypeMessage:
		sub, ok := f.ref.(*Schema)
		if !ok {
			return nil, errtax.New(errtax.SchemaUndefined, fmt.Sprintf("field %q: unresolved message reference %q", f.Name, f.RefName))
		}
		nested, err := toMessage(v)
		if err != nil {
			return nil, err
		}
		inner, err := Encode(sub, nested)
		if err != nil {
			return nil, err
		}
		buf = appendKey(buf, f.Tag, LengthDelim)
		buf = appendVarint(buf, uint64(len(inner)))
		buf = append(buf, inner...)
		return buf, nil
	default:
		buf = appendKey(buf, f.Tag, f.wire)
		return encodeScalar(buf, f, v)
	}
}

// encodeScalar appends only the value bytes (no key) for primitive
// types; used both directly and inside a packed run.
func encodeScalar(buf []byte, f *FieldDef, v interface{}) ([]byte, error) {
	switch f.Base {
	case TypeInt32:
		// Sign-extended to 64 bits before varint encoding, matching
		// the well-known tradeoff this wire format shares with
		// protobuf: negative int32 values cost up to 10 bytes, which
		// is exactly why sint32 (zig-zag) exists.
		buf = appendVarint(buf, uint64(toInt64(v)))
	case TypeInt64:
		buf = appendVarint(buf, uint64(toInt64(v)))
	case TypeUint32:
		buf = appendVarint(buf, uint64(uint32(toUint64(v))))
	case TypeUint64:
		buf = appendVarint(buf, toUint64(v))
	case TypeSint32:
		buf = appendVarint(buf, uint64(zigzagEncode32(int32(toInt64(v)))))
	case TypeSint64:
		buf = appendVarint(buf, zigzagEncode64(toInt64(v)))
	case TypeBool:
		if toBool(v) {
			buf = appendVarint(buf, 1)
		} else {
			buf = appendVarint(buf, 0)
		}
	case TypeEnum:
		en, _ := f.ref.(*Enum)
		num, err := enumValue(en, v)
		if err != nil {
			return nil, err
		}
		buf = appendVarint(buf, uint64(uint32(num)))
	case TypeFixed32:
		buf = appendFixed32(buf, uint32(toUint64(v)))
	case TypeSfixed32:
		buf = appendFixed32(buf, uint32(toInt64(v)))
	case TypeFloat:
		buf = appendFixed32(buf, math.Float32bits(toFloat32(v)))
	case TypeFixed64:
		buf = appendFixed64(buf, toUint64(v))
	case TypeSfixed64:
		buf = appendFixed64(buf, uint64(toInt64(v)))
	case TypeDouble:
		buf = appendFixed64(buf, math.Float64bits(toFloat64(v)))
	case TypeString:
		s := toString(v)
		buf = appendVarint(buf, uint64(len(s)))
		buf = append(buf, s...)
	case TypeBytes:
		b := toBytes(v)
		buf = appendVarint(buf, uint64(len(b)))
		buf = append(buf, b...)
	default:
		return nil, errtax.New(errtax.WireTypeMismatch, fmt.Sprintf("unsupported scalar base type for field %q", f.Name))
	}
	return buf, nil
}

func appendKey(buf []byte, tag uint32, wt WireType) []byte {
	key := (uint64(tag) << 3) | uint64(wt)
	return appendVarint(buf, key)
}

func appendFixed32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendFixed64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

func enumValue(en *Enum, v interface{}) (int32, error) {
	switch x := v.(type) {
	case string:
		if en == nil {
			return 0, errtax.New(errtax.SchemaUndefined, "enum reference unresolved")
		}
		n, ok := en.ValueOf(x)
		if !ok {
			return 0, errtax.New(errtax.SchemaUndefined, fmt.Sprintf("enum %q has no member %q", en.Name, x))
		}
		return n, nil
	default:
		return int32(toInt64(v)), nil
	}
}

func toMessage(v interface{}) (Message, error) {
	switch m := v.(type) {
	case Message:
		return m, nil
	case *Message:
		return *m, nil
	case map[string]interface{}:
		return Message(m), nil
	default:
		return nil, errtax.New(errtax.WireTypeMismatch, "expected message value")
	}
}

// isDefaultValue reports whether v equals f's schema default (or the
// base type's zero value when no default was declared), used to omit
// absent-but-default-valued optional scalars per spec §4.D.
func isDefaultValue(f *FieldDef, v interface{}) bool {
	def := f.Default
	if def == nil {
		return isZeroValue(f.Base, v)
	}
	switch f.Base {
	case TypeEnum:
		en, _ := f.ref.(*Enum)
		num, err := enumValue(en, v)
		if err != nil {
			return false
		}
		defNum, err := enumValue(en, def)
		if err != nil {
			return false
		}
		return num == defNum
	case TypeString:
		return toString(v) == fmt.Sprintf("%v", def)
	default:
		return toInt64(v) == toInt64(def) && toFloat64(v) == toFloat64(def)
	}
}

func isZeroValue(bt BaseType, v interface{}) bool {
	switch bt {
	case TypeString:
		return toString(v) == ""
	case TypeBytes:
		return len(toBytes(v)) == 0
	case TypeBool:
		return !toBool(v)
	case TypeFloat, TypeDouble:
		return toFloat64(v) == 0
	case TypeMessage:
		return false
	default:
		return toInt64(v) == 0 && toUint64(v) == 0
	}
}
