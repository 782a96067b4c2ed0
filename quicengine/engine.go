package quicengine

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Intelligent-Intern/quicpro-async-sub000/errtax"
	"github.com/Intelligent-Intern/quicpro-async-sub000/ticketstore"
)

// FamilyDelay is the default v6-before-v4 head start within a single
// connect() call (spec §4.J: "prefer IPv6 and fall back to IPv4 after
// the configured delay").
const FamilyDelay = 250 * time.Millisecond

// Connect performs spec §4.E's connect contract: resolve both
// address families, race v6 (with a head start) against v4, dial the
// first one to complete a QUIC handshake, attach TLS SNI, and start
// the H3-shaped event loop. On any step failure prior resources are
// released and a typed error is returned.
//
// Grounded on connection/quic.go's NewQUICConnection (quic.Dial over
// a caller-owned UDP socket, wrapCloseableConnQuicConnection closing
// the socket alongside the session) generalized from a single fixed
// edge address to a family race.
func Connect(ctx context.Context, host string, port int, tlsConf *tls.Config, qc *quic.Config, tickets *ticketstore.Store, log *zerolog.Logger) (*Session, error) {
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	tlsConf = tlsConf.Clone()
	tlsConf.ServerName = host
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{"h3"}
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, errtax.Wrap(errtax.DnsFailure, err, host)
	}
	var v4, v6 []net.IPAddr
	for _, ip := range ips {
		if ip.IP.To4() != nil {
			v4 = append(v4, ip)
		} else {
			v6 = append(v6, ip)
		}
	}
	if len(v4) == 0 && len(v6) == 0 {
		return nil, errtax.New(errtax.DnsFailure, host)
	}

	type attempt struct {
		sess   *Session
		family string
	}
	results := make(chan attempt, 2)
	g, gctx := errgroup.WithContext(ctx)

	dialFamily := func(addrs []net.IPAddr, family string, delay time.Duration) {
		if len(addrs) == 0 {
			return
		}
		g.Go(func() error {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			sess, err := dialOne(gctx, addrs[0].IP, port, tlsConf, qc, tickets, log)
			if err != nil {
				return nil // loser; not fatal to the race
			}
			sess.family = family
			select {
			case results <- attempt{sess, family}:
			default:
				sess.Close("lost happy-eyeballs race")
			}
			return nil
		})
	}

	dialFamily(v6, "v6", 0)
	dialFamily(v4, "v4", FamilyDelay)

	done := make(chan struct{})
	go func() { g.Wait(); close(done) }()

	select {
	case a := <-results:
		return a.sess, nil
	case <-done:
		select {
		case a := <-results:
			return a.sess, nil
		default:
			return nil, errtax.New(errtax.HandshakeFailure, host)
		}
	}
}

func dialOne(ctx context.Context, ip net.IP, port int, tlsConf *tls.Config, qc *quic.Config, tickets *ticketstore.Store, log *zerolog.Logger) (*Session, error) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, errtax.Wrap(errtax.HandshakeFailure, err, "udp socket")
	}

	// scid is this session's correlation id for logging; quic-go picks
	// the connection's actual source connection ID itself. It is
	// generated with google/uuid rather than a bare crypto/rand read
	// since a v4 UUID already is 16 cryptographically random bytes
	// with a standard string form for log lines.
	scid := uuid.New()

	s := &Session{
		id:      scid,
		host:    tlsConf.ServerName,
		udpConn: udpConn,
		tickets: tickets,
		log:     log,
		streams: make(map[quic.StreamID]*streamEntry),
	}

	perAttempt := tlsConf.Clone()
	perAttempt.ClientSessionCache = &ticketCache{sess: s}

	addr := &net.UDPAddr{IP: ip, Port: port}
	conn, err := quic.Dial(ctx, udpConn, addr, perAttempt, qc)
	if err != nil {
		udpConn.Close()
		return nil, errtax.Wrap(errtax.HandshakeFailure, err, "quic dial")
	}
	s.quicConn = conn
	s.protocol = "h3"
	return s, nil
}

// OpenRawStream opens a bidi stream without attaching this engine's
// own HEADERS/DATA framing, for callers that frame the stream
// themselves after their own upgrade handshake — WsEndpoint's H3
// transport (spec §4.G: "over QUIC the endpoint uses an H3 stream
// after an upgrade handshake").
func (s *Session) OpenRawStream(ctx context.Context) (quic.Stream, error) {
	return s.quicConn.OpenStreamSync(ctx)
}

// AcceptRawStream accepts the next incoming bidi stream without the
// engine's own framing, for a server-role WsEndpoint.
func (s *Session) AcceptRawStream(ctx context.Context) (quic.Stream, error) {
	return s.quicConn.AcceptStream(ctx)
}

// SendRequest opens a new bidi stream and writes a HEADERS frame (and
// body, FIN'd) per spec §4.F/§6's RPC request framing, generalized
// here to any method/path. Returns the new stream's id.
func SendRequest(s *Session, method, path string, headers map[string]string, body []byte) (quic.StreamID, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, errtax.New(errtax.InvalidStreamState, "session closed")
	}
	s.mu.Unlock()

	stream, err := s.quicConn.OpenStreamSync(context.Background())
	if err != nil {
		return 0, errtax.Wrap(errtax.StreamLimit, err, "open stream")
	}

	h := map[string]string{}
	for k, v := range headers {
		h[k] = v
	}
	h[":method"] = method
	h[":path"] = path
	h[":scheme"] = "https"

	entry := &streamEntry{id: stream.StreamID(), raw: stream, state: StreamOpen, done: make(chan struct{})}
	s.mu.Lock()
	s.streams[stream.StreamID()] = entry
	s.mu.Unlock()

	if err := writeFrame(stream, frameHeaders, encodeHeaders(h)); err != nil {
		entry.setState(StreamClosed)
		return 0, errtax.Wrap(errtax.InvalidStreamState, err, "write headers")
	}
	if len(body) > 0 {
		if err := writeFrame(stream, frameData, body); err != nil {
			entry.setState(StreamClosed)
			return 0, errtax.Wrap(errtax.InvalidStreamState, err, "write body")
		}
	}
	if err := stream.Close(); err != nil { // FIN, half-closes local
		entry.setState(StreamClosed)
		return 0, errtax.Wrap(errtax.InvalidStreamState, err, "close write side")
	}
	entry.setState(StreamHalfClosedLocal)

	go readResponse(entry)
	return stream.StreamID(), nil
}

// readResponse is the per-stream reader that turns raw frames into
// the H3 events named in spec §4.E (HEADERS completes headers, DATA
// appends to the buffer, FINISHED terminates the read side). It runs
// independently of poll so bytes are never dropped while the caller
// is busy elsewhere; poll only observes state that is already
// settled by the time it is called, which keeps poll itself
// non-blocking.
func readResponse(e *streamEntry) {
	defer close(e.done)
	for {
		kind, payload, err := readFrame(e.raw)
		if err != nil {
			e.mu.Lock()
			if e.state != StreamClosed {
				e.state = StreamClosed
			}
			e.err = err
			e.mu.Unlock()
			return
		}
		switch kind {
		case frameHeaders:
			h, err := decodeHeaders(payload)
			if err != nil {
				e.mu.Lock()
				e.err = err
				e.mu.Unlock()
				continue
			}
			status := 200
			if sv, ok := h[":status"]; ok {
				if n, perr := strconv.Atoi(sv); perr == nil {
					status = n
				}
			}
			e.mu.Lock()
			e.resp.Status = status
			e.resp.Headers = h
			e.headersDone = true
			e.mu.Unlock()
		case frameData:
			e.mu.Lock()
			e.resp.Body = append(e.resp.Body, payload...)
			e.mu.Unlock()
		}
	}
}

// ReceiveResponse waits (bounded by ctx) until the response stream
// has been fully observed (FINISHED) and returns the collected
// Response, matching spec §4.F's synchronous wait shape.
func ReceiveResponse(ctx context.Context, s *Session, id quic.StreamID) (Response, error) {
	e, ok := s.entry(id)
	if !ok {
		return Response{}, errtax.New(errtax.UnknownStream, "")
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return Response{}, errtax.New(errtax.Timeout, "receive_response")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil && e.state != StreamHalfClosedRemote && e.state != StreamClosed {
		return Response{}, errtax.Wrap(errtax.InvalidStreamState, e.err, "")
	}
	return e.resp, nil
}

// Poll drains whatever I/O is already pending without blocking
// beyond timeout, and reports whether any stream made progress.
// cloudflared's quic.Connection already runs its state machine on
// its own goroutines (no raw-socket step function is exposed by
// quic-go's public API), so the seven conceptual steps in spec §4.E
// collapse here into: check already-finished streams and respect the
// caller's timeout budget. Ticket caching is not done here; quic-go
// hands new tickets to the session's ticketCache directly. This keeps
// Poll's contract (non-blocking progress, bool return) intact while
// working within what the underlying library actually exposes.
func (s *Session) Poll(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	entries := make([]*streamEntry, 0, len(s.streams))
	for _, e := range s.streams {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	progressed := false
	for _, e := range entries {
		select {
		case <-e.done:
			if e.getState() != StreamClosed {
				e.setState(StreamClosed)
			}
			progressed = true
		default:
		}
	}

	if time.Now().After(deadline) {
		return progressed
	}
	return progressed
}

// CancelStream maps to a stream shutdown per spec §5: read halts
// ingress, write halts egress, both resets the stream and transitions
// it to CLOSED.
func CancelStream(s *Session, id quic.StreamID, dir Direction) error {
	e, ok := s.entry(id)
	if !ok {
		return errtax.New(errtax.UnknownStream, "")
	}
	switch dir {
	case DirRead:
		e.raw.CancelRead(0)
		if e.getState() == StreamHalfClosedLocal {
			e.setState(StreamClosed)
		} else {
			e.setState(StreamHalfClosedRemote)
		}
	case DirWrite:
		e.raw.CancelWrite(0)
		e.setState(StreamHalfClosedLocal)
	case DirBoth:
		e.raw.CancelRead(0)
		e.raw.CancelWrite(0)
		e.setState(StreamClosed)
	}
	return nil
}

// Close sends a connection-close with reason and releases the
// session's socket, mirroring wrapCloseableConnQuicConnection's
// "close the UDP socket alongside the session" pattern.
func (s *Session) Close(reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.quicConn.CloseWithError(0, reason)
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	return err
}

// publishTicket stores a fresh handshake ticket into the session's
// fixed buffer and into the process-wide TicketStore (spec §4.E
// "Session ticket integration").
func (s *Session) publishTicket(ticket []byte) error {
	if len(ticket) > ticketstore.MaxTicketLen {
		return errtax.New(errtax.TlsTicketRejected, "ticket exceeds 512 bytes")
	}
	s.setTicket(ticket)
	if s.tickets != nil {
		return s.tickets.Put(ticket)
	}
	return nil
}
