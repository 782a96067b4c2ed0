// Package rpcclient implements RpcClient (spec §4.F): synchronous
// unary request/response plus upload/download streaming, framed as
// an H3 POST over a quicengine.Session stream with a BinCodec body.
//
// Grounded on connection/quic.go's handleRPCStream/RPCServerStream
// flow (dedicated stream per call, fixed content-type, synchronous
// reply) and quic/quic_protocol.go's signature-then-payload framing,
// generalized from cloudflared's fixed capnp RPC call set to the
// spec's generic service/method dispatch over BinCodec bodies.
package rpcclient

import (
	"context"
	"fmt"
	"time"

	"github.com/Intelligent-Intern/quicpro-async-sub000/codec"
	"github.com/Intelligent-Intern/quicpro-async-sub000/errtax"
	"github.com/Intelligent-Intern/quicpro-async-sub000/quicengine"
)

// ContentType is the canonical RPC body media type (spec §6).
const ContentType = "application/vnd.binary-rpc"

// LegacyContentType names the legacy alias of ContentType (DESIGN.md
// Open Question resolution #2). The client neither sends it nor checks
// a response's content type against it.
const LegacyContentType = "application/vnd.quicpro.proto"

// DefaultTimeout is request()'s timeout when opts.TimeoutMs is 0
// (spec §4.F: "default 30 000 ms").
const DefaultTimeout = 30 * time.Second

// Options configures a single request() call.
type Options struct {
	TimeoutMs int64
	Headers   map[string]string
}

func (o Options) timeout() time.Duration {
	if o.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// RpcError is a server-side RPC failure: an HTTP status plus a
// structured trailer, surfaced as a distinct error type from the
// transport-level errtax taxonomy (spec §4.F: "surfaced as distinct
// errors").
type RpcError struct {
	Status  int
	Detail  string
	Trailer map[string]string
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("rpc error: status=%d detail=%q", e.Status, e.Detail)
}

// Client issues RPCs over a single quicengine.Session.
type Client struct {
	Session *quicengine.Session
}

// New wraps an already-connected session.
func New(session *quicengine.Session) *Client {
	return &Client{Session: session}
}

// Request sends service/method with a pre-encoded BinCodec body and
// returns the raw response bytes. path = "/" + service + "/" + method
// (spec §4.F). Timeouts surface errtax.Timeout; the session itself
// remains usable for subsequent requests afterwards (spec scenario S5).
func (c *Client) Request(ctx context.Context, service, method string, body []byte, opts Options) ([]byte, error) {
	headers := map[string]string{"content-type": ContentType}
	for k, v := range opts.Headers {
		headers[k] = v
	}

	path := "/" + service + "/" + method
	streamID, err := quicengine.SendRequest(c.Session, "POST", path, headers, body)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	resp, err := quicengine.ReceiveResponse(callCtx, c.Session, streamID)
	if err != nil {
		if callCtx.Err() != nil {
			_ = quicengine.CancelStream(c.Session, streamID, quicengine.DirBoth)
			return nil, errtax.New(errtax.Timeout, fmt.Sprintf("%s/%s", service, method))
		}
		return nil, err
	}

	if resp.Status >= 400 {
		return nil, &RpcError{Status: resp.Status, Detail: string(resp.Body), Trailer: resp.Headers}
	}
	return resp.Body, nil
}

// RequestMessage is a convenience wrapper that encodes/decodes request
// and response bodies against BinCodec schemas.
func (c *Client) RequestMessage(ctx context.Context, service, method string, reqSchema *codec.Schema, req codec.Message, respSchema *codec.Schema, opts Options) (codec.Message, error) {
	body, err := codec.Encode(reqSchema, req)
	if err != nil {
		return nil, err
	}
	raw, err := c.Request(ctx, service, method, body, opts)
	if err != nil {
		return nil, err
	}
	return codec.Decode(respSchema, raw)
}

// Sink receives chunks from a download_stream call.
type Sink func(chunk []byte) error

// UploadStream opens the call, pushes chunks to the peer as next
// produces them, and FINs the write side once next reports no more
// data. Each chunk is written as its own DATA frame over
// quicengine.StreamCall, so the peer observes the upload incrementally
// rather than as one accumulated body; backpressure comes from
// quic-go's flow-controlled stream.Write blocking SendChunk when the
// peer is slow to read (spec §4.F: "pauses when send returns Done").
func (c *Client) UploadStream(ctx context.Context, service, method string, headers map[string]string, next func() ([]byte, bool, error)) ([]byte, error) {
	h := map[string]string{"content-type": ContentType}
	for k, v := range headers {
		h[k] = v
	}
	path := "/" + service + "/" + method

	call, err := quicengine.OpenStreamCall(c.Session, "POST", path, h)
	if err != nil {
		return nil, err
	}
	defer call.Close()

	for {
		chunk, more, err := next()
		if err != nil {
			return nil, err
		}
		if err := call.SendChunk(chunk); err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}
	if err := call.CloseSend(); err != nil {
		return nil, err
	}

	status, respHeaders, body, err := collectResponse(ctx, call)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, &RpcError{Status: status, Detail: string(body), Trailer: respHeaders}
	}
	return body, nil
}

// DownloadStream sends the request body, then reads DATA frames off
// the response one at a time, handing each straight to sink as it
// arrives (spec §4.F: "reads DATA frames in a loop, hands each chunk
// to sink"). Unlike Request/ReceiveResponse, nothing buffers the full
// response in memory first.
func (c *Client) DownloadStream(ctx context.Context, service, method string, body []byte, opts Options, sink Sink) error {
	h := map[string]string{"content-type": ContentType}
	for k, v := range opts.Headers {
		h[k] = v
	}
	path := "/" + service + "/" + method

	call, err := quicengine.OpenStreamCall(c.Session, "POST", path, h)
	if err != nil {
		return err
	}
	defer call.Close()

	if err := call.SendChunk(body); err != nil {
		return err
	}
	if err := call.CloseSend(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	status := 200
	var respHeaders map[string]string
	var errBody []byte
	for {
		ev, err := call.ReadEvent(callCtx)
		if err != nil {
			return err
		}
		if ev.Done {
			break
		}
		if ev.Headers != nil {
			status = ev.Status
			respHeaders = ev.Headers
			continue
		}
		if len(ev.Chunk) == 0 {
			continue
		}
		if status >= 400 {
			errBody = append(errBody, ev.Chunk...)
			continue
		}
		if err := sink(ev.Chunk); err != nil {
			return err
		}
	}
	if status >= 400 {
		return &RpcError{Status: status, Detail: string(errBody), Trailer: respHeaders}
	}
	return nil
}

// collectResponse drains a StreamCall's response side to completion,
// for UploadStream's reply (spec §4.F upload_stream returns the whole
// response once the server answers; only the send side streams).
func collectResponse(ctx context.Context, call *quicengine.StreamCall) (status int, headers map[string]string, body []byte, err error) {
	status = 200
	for {
		ev, err := call.ReadEvent(ctx)
		if err != nil {
			return 0, nil, nil, err
		}
		if ev.Done {
			return status, headers, body, nil
		}
		if ev.Headers != nil {
			status = ev.Status
			headers = ev.Headers
			continue
		}
		body = append(body, ev.Chunk...)
	}
}
