package quicengine

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/Intelligent-Intern/quicpro-async-sub000/errtax"
)

// StreamCall is a request stream driven chunk-by-chunk by the caller,
// for RpcClient's upload_stream/download_stream operations (spec
// §4.F). Unlike SendRequest/ReceiveResponse, which frame a whole
// unary call and let a background goroutine collect the response,
// a StreamCall's HEADERS/DATA frames are written and read directly by
// the caller, one chunk at a time: quic-go's stream.Write blocks when
// the peer's flow-control window is exhausted, which is this engine's
// backpressure signal ("pauses when send returns Done").
type StreamCall struct {
	s   *Session
	id  quic.StreamID
	raw quic.Stream
}

// OpenStreamCall opens a new bidi stream and writes the HEADERS frame,
// leaving the write side open for SendChunk calls.
func OpenStreamCall(s *Session, method, path string, headers map[string]string) (*StreamCall, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errtax.New(errtax.InvalidStreamState, "session closed")
	}
	s.mu.Unlock()

	stream, err := s.quicConn.OpenStreamSync(context.Background())
	if err != nil {
		return nil, errtax.Wrap(errtax.StreamLimit, err, "open stream")
	}

	h := map[string]string{}
	for k, v := range headers {
		h[k] = v
	}
	h[":method"] = method
	h[":path"] = path
	h[":scheme"] = "https"

	if err := writeFrame(stream, frameHeaders, encodeHeaders(h)); err != nil {
		return nil, errtax.Wrap(errtax.InvalidStreamState, err, "write headers")
	}
	return &StreamCall{s: s, id: stream.StreamID(), raw: stream}, nil
}

// SendChunk writes one DATA frame. A zero-length chunk is a no-op, so
// callers can pass whatever next() produced without special-casing
// empty reads.
func (c *StreamCall) SendChunk(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := writeFrame(c.raw, frameData, data); err != nil {
		return errtax.Wrap(errtax.InvalidStreamState, err, "write chunk")
	}
	return nil
}

// CloseSend FINs the write side so the peer observes end of upload.
func (c *StreamCall) CloseSend() error {
	if err := c.raw.Close(); err != nil {
		return errtax.Wrap(errtax.InvalidStreamState, err, "close write side")
	}
	return nil
}

// StreamEvent is one frame observed on a StreamCall's read side.
type StreamEvent struct {
	Status  int               // set when Headers != nil
	Headers map[string]string // non-nil on a HEADERS frame
	Chunk   []byte            // non-nil on a DATA frame
	Done    bool              // true once the peer FINs
}

// ReadEvent reads the next frame off the response side, honoring
// ctx's deadline. Unlike readResponse (used by SendRequest's unary
// path), it does not accumulate frames into a Response: each DATA
// frame is handed back to the caller as soon as it arrives, so a
// download_stream sink sees chunks incrementally instead of waiting
// for the whole body.
func (c *StreamCall) ReadEvent(ctx context.Context) (StreamEvent, error) {
	if dl, ok := ctx.Deadline(); ok {
		c.raw.SetReadDeadline(dl)
		defer c.raw.SetReadDeadline(time.Time{})
	}

	kind, payload, err := readFrame(c.raw)
	if err != nil {
		if err == io.EOF {
			return StreamEvent{Done: true}, nil
		}
		if ctx.Err() != nil {
			return StreamEvent{}, errtax.New(errtax.Timeout, "read_event")
		}
		return StreamEvent{}, errtax.Wrap(errtax.InvalidStreamState, err, "read frame")
	}

	switch kind {
	case frameHeaders:
		h, err := decodeHeaders(payload)
		if err != nil {
			return StreamEvent{}, err
		}
		status := 200
		if sv, ok := h[":status"]; ok {
			if n, perr := strconv.Atoi(sv); perr == nil {
				status = n
			}
		}
		return StreamEvent{Status: status, Headers: h}, nil
	case frameData:
		return StreamEvent{Chunk: payload}, nil
	default:
		return StreamEvent{}, nil
	}
}

// Close cancels both directions of the underlying stream.
func (c *StreamCall) Close() error {
	c.raw.CancelRead(0)
	c.raw.CancelWrite(0)
	return nil
}
