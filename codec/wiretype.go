// Package codec implements BinCodec (spec §4.D): a schema-driven,
// length-prefixed binary wire format with a shared schema/enum
// registry, forward-compatible unknown-field skipping and packed
// repeated fields. It plays the role cloudflared's capnp-based
// tunnelrpc/pogs marshalling plays for RPC bodies, but the wire format
// itself is the spec's own tag/varint scheme rather than capnp's.
package codec

// WireType is the low 3 bits of every field key.
type WireType uint8

const (
	Varint      WireType = 0
	Fixed64     WireType = 1
	LengthDelim WireType = 2
	Fixed32     WireType = 5
)

func (w WireType) String() string {
	switch w {
	case Varint:
		return "varint"
	case Fixed64:
		return "fixed64"
	case LengthDelim:
		return "length_delim"
	case Fixed32:
		return "fixed32"
	default:
		return "unknown"
	}
}

// BaseType enumerates the field base types spec §3 FieldDef lists.
type BaseType int

const (
	TypeInt32 BaseType = iota
	TypeInt64
	TypeSint32
	TypeSint64
	TypeUint32
	TypeUint64
	TypeFixed32
	TypeFixed64
	TypeSfixed32
	TypeSfixed64
	TypeFloat
	TypeDouble
	TypeBool
	TypeString
	TypeBytes
	TypeMessage
	TypeEnum
)

// WireTypeOf derives the wire type for a base type, honoring packing
// for repeated numeric fields per spec §4.D.
func WireTypeOf(bt BaseType, packed bool) WireType {
	switch bt {
	case TypeInt32, TypeInt64, TypeSint32, TypeSint64, TypeUint32, TypeUint64, TypeBool, TypeEnum:
		if packed {
			return LengthDelim
		}
		return Varint
	case TypeFixed64, TypeSfixed64, TypeDouble:
		if packed {
			return LengthDelim
		}
		return Fixed64
	case TypeFixed32, TypeSfixed32, TypeFloat:
		if packed {
			return LengthDelim
		}
		return Fixed32
	case TypeString, TypeBytes, TypeMessage:
		return LengthDelim
	default:
		return Varint
	}
}

// IsNumeric reports whether a base type is a packable primitive.
func IsNumeric(bt BaseType) bool {
	switch bt {
	case TypeMessage, TypeString, TypeBytes:
		return false
	default:
		return true
	}
}
