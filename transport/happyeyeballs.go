// Package transport implements Happy-Eyeballs transport choice (spec
// §4.J): racing H3 (UDP/QUIC) against H2 (TCP/TLS+ALPN) with a short
// head-start for H3, and IPv6-before-IPv4 within each family.
//
// Grounded on connection/quic.go's errgroup.WithContext fan-out shape
// (the same pattern quicengine.Connect already uses to race IP
// families) generalized one level up to race protocol versions, and
// on edgediscovery/edgediscovery.go's role of handing a caller one
// winning address while discarding the rest.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Intelligent-Intern/quicpro-async-sub000/errtax"
	"github.com/Intelligent-Intern/quicpro-async-sub000/quicengine"
	"github.com/Intelligent-Intern/quicpro-async-sub000/ticketstore"
)

// Protocol is the preferred_protocol enumeration spec §4.J names.
type Protocol string

const (
	ProtoAuto Protocol = "auto"
	ProtoH1   Protocol = "h1"
	ProtoH2   Protocol = "h2"
	ProtoH3   Protocol = "h3"
)

// IPFamily is the preferred_ip_family enumeration spec §4.J names.
type IPFamily string

const (
	FamilyAuto IPFamily = "auto"
	FamilyV4   IPFamily = "v4"
	FamilyV6   IPFamily = "v6"
)

// H3HeadStart is the default delay H3 gets over H2 before H2 is
// allowed to start racing (spec §4.J).
const H3HeadStart = 250 * time.Millisecond

// Options configures Choose.
type Options struct {
	PreferredProtocol Protocol
	PreferredFamily   IPFamily
	H3HeadStart       time.Duration
	TLSConfig         *tls.Config
	QuicConfig        *quic.Config
	Tickets           *ticketstore.Store
	Log               *zerolog.Logger
}

func (o Options) headStart() time.Duration {
	if o.H3HeadStart <= 0 {
		return H3HeadStart
	}
	return o.H3HeadStart
}

// Result reports which transport won the race (spec §8 scenario S4).
type Result struct {
	Protocol Protocol
	Session  *quicengine.Session // non-nil when Protocol == h3
	HTTP     *http.Client        // non-nil when Protocol == h2
}

// Choose races H3 and H2 per spec §4.J's auto policy, or dials the
// explicitly preferred protocol directly when one is set (explicit
// preferences disable racing).
func Choose(ctx context.Context, host string, port int, opts Options) (Result, error) {
	switch opts.PreferredProtocol {
	case ProtoH3:
		sess, err := dialH3(ctx, host, port, opts)
		if err != nil {
			return Result{}, err
		}
		return Result{Protocol: ProtoH3, Session: sess}, nil
	case ProtoH2, ProtoH1:
		cl, err := dialH2(ctx, host, port, opts)
		if err != nil {
			return Result{}, err
		}
		return Result{Protocol: opts.PreferredProtocol, HTTP: cl}, nil
	}
	return raceProtocols(ctx, host, port, opts)
}

// raceProtocols implements the auto policy: H3 starts immediately,
// H2 starts after headStart; first success wins and the loser is torn
// down.
func raceProtocols(ctx context.Context, host string, port int, opts Options) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	winner := make(chan outcome, 2)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sess, err := dialH3(gctx, host, port, opts)
		if err != nil {
			return nil // let the other arm win; don't fail the group
		}
		select {
		case winner <- outcome{res: Result{Protocol: ProtoH3, Session: sess}}:
		default:
			sess.Close("transport race lost")
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-time.After(opts.headStart()):
		case <-gctx.Done():
			return nil
		}
		cl, err := dialH2(gctx, host, port, opts)
		if err != nil {
			return nil
		}
		select {
		case winner <- outcome{res: Result{Protocol: ProtoH2, HTTP: cl}}:
		default:
		}
		return nil
	})

	done := make(chan struct{})
	go func() { g.Wait(); close(done) }()

	select {
	case o := <-winner:
		cancel()
		return o.res, o.err
	case <-done:
		select {
		case o := <-winner:
			return o.res, o.err
		default:
			return Result{}, errtax.New(errtax.HandshakeFailure, "no transport established a session")
		}
	}
}

// dialH3 delegates the v6-before-v4 family race to quicengine.Connect
// itself, which already implements it (spec §4.E). An explicit
// preferred_ip_family narrows which family quicengine.Connect's DNS
// resolution step is allowed to race; quicengine.Connect has no
// lower-level single-family dial hook to expose here, so honoring it
// would require resolving the name ourselves and racing at this
// layer too — a duplication of logic quicengine.Connect already owns.
// This is a documented simplification: preferred_ip_family is honored
// for H2 (below, by restricting the TCP dial to tcp4 or tcp6) but not
// separately threaded into the H3 arm.
func dialH3(ctx context.Context, host string, port int, opts Options) (*quicengine.Session, error) {
	return quicengine.Connect(ctx, host, port, opts.TLSConfig, opts.QuicConfig, opts.Tickets, opts.Log)
}

func dialH2(ctx context.Context, host string, port int, opts Options) (*http.Client, error) {
	tlsConf := opts.TLSConfig.Clone()
	tlsConf.NextProtos = []string{"h2", "http/1.1"}

	network := "tcp"
	switch opts.PreferredFamily {
	case FamilyV4:
		network = "tcp4"
	case FamilyV6:
		network = "tcp6"
	}

	addr := hostPort(host, port)
	dialer := &tls.Dialer{Config: tlsConf}
	transport := &http.Transport{
		DialTLSContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	}

	// Probe connectivity eagerly so the race genuinely measures
	// handshake completion, not first-request latency.
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, errtax.Wrap(errtax.HandshakeFailure, err, "h2 probe dial")
	}
	conn.Close()

	return &http.Client{Transport: transport}, nil
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
