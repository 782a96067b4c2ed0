package codec

// Message is a decoded or to-be-encoded value: a map from field name
// to Go value. Scalar fields use the natural Go type (int32, int64,
// uint32, uint64, float32, float64, bool, string, []byte). Enum
// fields may be set as either the int32 number or the string name;
// Decode always produces the string name when one resolves, else the
// number. Message fields are nested Message values (or *Message).
// Repeated fields are []interface{} of the element type.
type Message map[string]interface{}

// Clone returns a shallow copy; nested Message/slice values are not
// deep-copied, matching the convenience-over-safety tradeoff cloudflared's
// own pogs structs make (plain Go structs, not immutable values).
func (m Message) Clone() Message {
	out := make(Message, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
