package quicengine

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/Intelligent-Intern/quicpro-async-sub000/errtax"
)

// frameKind tags each frame written on an H3-shaped stream. This is a
// minimal stand-in for QPACK/HTTP-3 framing (spec §4.E "H3 context
// attach" / "processes H3 events"): cloudflared itself never layers
// HTTP/3 semantics over quic.Stream (it frames capnp RPC directly, see
// quic/quic_protocol.go's length-prefixed preamble-then-payload
// shape), so this follows that same length-prefixed idiom rather than
// pulling in an unrelated QPACK implementation.
type frameKind byte

const (
	frameHeaders frameKind = 1
	frameData    frameKind = 2
)

// writeFrame writes a type byte, a uint32 length, then the payload.
func writeFrame(w io.Writer, kind frameKind, payload []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = byte(kind)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one frame header+payload, or io.EOF if the peer
// closed its write side cleanly with nothing pending.
func readFrame(r io.Reader) (frameKind, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	kind := frameKind(hdr[0])
	n := binary.BigEndian.Uint32(hdr[1:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return kind, payload, nil
}

// encodeHeaders serializes a header map deterministically (sorted
// keys) as repeated `keylen|key|vallen|val` records, avoiding a QPACK
// dependency neither the teacher nor the rest of the pack carries.
func encodeHeaders(h map[string]string) []byte {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []byte
	for _, k := range keys {
		out = appendLP(out, []byte(k))
		out = appendLP(out, []byte(h[k]))
	}
	return out
}

func appendLP(dst, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, b...)
	return dst
}

func decodeHeaders(buf []byte) (map[string]string, error) {
	h := make(map[string]string)
	off := 0
	for off < len(buf) {
		k, noff, err := readLP(buf, off)
		if err != nil {
			return nil, err
		}
		v, noff2, err := readLP(buf, noff)
		if err != nil {
			return nil, err
		}
		h[string(k)] = string(v)
		off = noff2
	}
	return h, nil
}

func readLP(buf []byte, off int) ([]byte, int, error) {
	if off+4 > len(buf) {
		return nil, off, errtax.New(errtax.BufferUnderflow, "truncated header record")
	}
	n := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	if off+n > len(buf) {
		return nil, off, errtax.New(errtax.BufferUnderflow, "truncated header value")
	}
	return buf[off : off+n], off + n, nil
}
