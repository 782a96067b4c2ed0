// Package wsendpoint implements WsEndpoint (spec §4.G): WebSocket
// framing over either a TLS/TCP connection (HTTP/1.1 or HTTP/2
// upgrade) or a raw H3 stream after its own upgrade handshake.
//
// The TLS/TCP transport is grounded on websocket/websocket.go's
// ClientConnect (gorilla/websocket.Dialer) and websocket/connection.go's
// Conn wrapper (read/write as BinaryMessage frames, ping/pong
// keep-alive on a ticker). The H3 transport is grounded on
// connection.go's second carrier, gobwas/ws's wsutil helpers driving
// raw frames directly over an io.ReadWriter — cloudflared uses exactly
// this pairing (gorilla for net.Conn-backed sockets, gobwas for a
// bare io.ReadWriter such as a quic.Stream) for the same reason this
// package does.
package wsendpoint

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	gobwas "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/gorilla/websocket"

	"github.com/Intelligent-Intern/quicpro-async-sub000/errtax"
	"github.com/Intelligent-Intern/quicpro-async-sub000/quicengine"
)

// State is WsEndpoint's connection state machine (spec §4.G).
type State int

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "closed"
	}
}

// Options configures ping keep-alive and limits (spec §4.G).
type Options struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
}

func (o Options) pingInterval() time.Duration {
	if o.PingInterval <= 0 {
		return 30 * time.Second
	}
	return o.PingInterval
}

func (o Options) pongTimeout() time.Duration {
	if o.PongTimeout <= 0 {
		return 10 * time.Second
	}
	return o.PongTimeout
}

// Endpoint is one WebSocket connection, carried either over a gorilla
// *websocket.Conn (TLS/TCP) or a raw io.ReadWriter (H3 stream, framed
// directly with gobwas/ws).
type Endpoint struct {
	mu        sync.Mutex
	state     State
	isClient  bool
	gorilla   *websocket.Conn
	raw       io.ReadWriter
	rawCloser io.Closer

	opts     Options
	lastPong time.Time
	stopPing chan struct{}
	closeErr error
}

func newEndpoint(isClient bool, opts Options) *Endpoint {
	return &Endpoint{
		state:    Connecting,
		isClient: isClient,
		opts:     opts,
		lastPong: time.Now(),
		stopPing: make(chan struct{}),
	}
}

// ConnectTLS performs the HTTP/1.1 or HTTP/2 upgrade handshake over
// TLS/TCP via gorilla/websocket, matching websocket.ClientConnect's
// shape.
func ConnectTLS(url string, headers http.Header, opts Options) (*Endpoint, error) {
	d := &websocket.Dialer{}
	conn, _, err := d.Dial(url, headers)
	if err != nil {
		return nil, errtax.Wrap(errtax.HandshakeFailure, err, "websocket dial")
	}
	e := newEndpoint(true, opts)
	e.gorilla = conn
	e.state = Open
	go e.pingLoop()
	go e.pongWatchdog()
	return e, nil
}

// ConnectH3 upgrades an H3 stream to a WebSocket per spec §4.G's "H3
// stream after an upgrade handshake": it opens a fresh stream and
// writes a minimal headers-style upgrade request, then switches to
// raw gobwas/ws framing once the peer answers 101.
func ConnectH3(ctx context.Context, session *quicengine.Session, path string, headers map[string]string) (*Endpoint, error) {
	streamID, err := quicengine.SendRequest(session, "GET", path, mergeUpgradeHeaders(headers), nil)
	if err != nil {
		return nil, err
	}
	resp, err := quicengine.ReceiveResponse(ctx, session, streamID)
	if err != nil {
		return nil, err
	}
	if resp.Status != 101 {
		return nil, errtax.New(errtax.HandshakeFailure, fmt.Sprintf("upgrade rejected: status %d", resp.Status))
	}

	// quicengine's request/response framing already consumed the
	// stream for the handshake exchange; raw post-upgrade framing
	// needs its own stream, since a single quic.Stream cannot be
	// read by two independent framers at once.
	rawStream, err := session.OpenRawStream(ctx)
	if err != nil {
		return nil, err
	}

	e := newEndpoint(true, Options{})
	e.raw = rawStream
	e.rawCloser = rawStream
	e.state = Open
	go e.pingLoop()
	go e.pongWatchdog()
	return e, nil
}

func mergeUpgradeHeaders(h map[string]string) map[string]string {
	out := map[string]string{"upgrade": "websocket", "connection": "upgrade"}
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Send writes one frame, binary or text per isBinary (spec §4.G).
func (e *Endpoint) Send(data []byte, isBinary bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Open {
		return errtax.New(errtax.InvalidStreamState, "endpoint not open")
	}
	if e.gorilla != nil {
		mt := websocket.TextMessage
		if isBinary {
			mt = websocket.BinaryMessage
		}
		return e.gorilla.WriteMessage(mt, data)
	}
	op := gobwas.OpText
	if isBinary {
		op = gobwas.OpBinary
	}
	return wsutil.WriteClientMessage(e.raw, op, data)
}

// Receive reads the next frame. timeout_ms<0 blocks indefinitely;
// timeout_ms==0 returns immediately if nothing is pending.
func (e *Endpoint) Receive(timeoutMs int64) ([]byte, bool, error) {
	e.mu.Lock()
	if e.state != Open {
		e.mu.Unlock()
		return nil, false, errtax.New(errtax.InvalidStreamState, "endpoint not open")
	}
	e.mu.Unlock()

	type result struct {
		data []byte
		err  error
	}
	out := make(chan result, 1)
	go func() {
		data, err := e.readOneDataFrame()
		out <- result{data, err}
	}()

	if timeoutMs == 0 {
		select {
		case r := <-out:
			return r.data, r.data != nil, r.err
		default:
			return nil, false, nil
		}
	}
	if timeoutMs < 0 {
		r := <-out
		return r.data, r.data != nil, r.err
	}
	select {
	case r := <-out:
		return r.data, r.data != nil, r.err
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return nil, false, nil
	}
}

// readOneDataFrame reads and processes frames until a text/binary
// payload arrives, handling control frames (ping/pong/close) inline,
// following cloudflared's wsutil.HandleClientControlMessage idiom.
func (e *Endpoint) readOneDataFrame() ([]byte, error) {
	for {
		if e.gorilla != nil {
			mt, data, err := e.gorilla.ReadMessage()
			if err != nil {
				return nil, err
			}
			if mt == websocket.PongMessage {
				e.mu.Lock()
				e.lastPong = time.Now()
				e.mu.Unlock()
				continue
			}
			return data, nil
		}

		msgs, err := wsutil.ReadServerMessage(e.raw, nil)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			switch m.OpCode {
			case gobwas.OpPong:
				e.mu.Lock()
				e.lastPong = time.Now()
				e.mu.Unlock()
			case gobwas.OpPing:
				_ = wsutil.WriteClientMessage(e.raw, gobwas.OpPong, m.Payload)
			case gobwas.OpClose:
				e.setState(Closed)
				return nil, io.EOF
			case gobwas.OpText, gobwas.OpBinary:
				return m.Payload, nil
			}
		}
	}
}

// Ping sends a ping frame with a payload of at most 125 bytes (spec
// §4.G).
func (e *Endpoint) Ping(payload []byte) error {
	if len(payload) > 125 {
		return errtax.New(errtax.InvalidStreamState, "ping payload exceeds 125 bytes")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gorilla != nil {
		return e.gorilla.WriteControl(websocket.PingMessage, payload, time.Now().Add(5*time.Second))
	}
	return wsutil.WriteClientMessage(e.raw, gobwas.OpPing, payload)
}

// Close sends a close frame with code/reason (reason capped at 123
// bytes per spec §4.G) and transitions to CLOSED.
func (e *Endpoint) Close(code int, reason string) error {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	e.mu.Lock()
	if e.state == Closed {
		e.mu.Unlock()
		return nil
	}
	e.state = Closing
	e.mu.Unlock()

	close(e.stopPing)

	var err error
	if e.gorilla != nil {
		msg := websocket.FormatCloseMessage(code, reason)
		err = e.gorilla.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
		e.gorilla.Close()
	} else {
		err = wsutil.WriteClientMessage(e.raw, gobwas.OpClose, gobwas.NewCloseFrameBody(gobwas.StatusCode(code), reason))
		if e.rawCloser != nil {
			e.rawCloser.Close()
		}
	}
	e.setState(Closed)
	return err
}

// Status returns the current state.
func (e *Endpoint) Status() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Endpoint) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Endpoint) pingLoop() {
	ticker := time.NewTicker(e.opts.pingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if e.Status() != Open {
				return
			}
			_ = e.Ping(nil)
		case <-e.stopPing:
			return
		}
	}
}

// pongWatchdog closes the endpoint with Timeout if no pong has been
// observed within the configured window (spec §4.G: "a pong not
// observed within a configurable window closes the endpoint with
// status Timeout").
func (e *Endpoint) pongWatchdog() {
	ticker := time.NewTicker(e.opts.pongTimeout())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.mu.Lock()
			stale := time.Since(e.lastPong) > e.opts.pongTimeout()
			e.mu.Unlock()
			if stale && e.Status() == Open {
				e.mu.Lock()
				e.closeErr = errtax.New(errtax.Timeout, "pong not observed")
				e.mu.Unlock()
				_ = e.Close(1001, "pong timeout")
				return
			}
		case <-e.stopPing:
			return
		}
	}
}
