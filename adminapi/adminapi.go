// Package adminapi implements the privileged Admin API surface spec
// §6 names: live reload of a named configuration group, worker
// statistics aggregation, and draining, bound to a configured
// host/port and authenticated by mTLS. Worker-statistics responses
// are plain JSON here rather than a BinCodec envelope: BinCodec
// requires a predeclared schema (spec §4.D), and WorkerRecord's shape
// is fixed by the data model rather than caller-defined, so there is
// no registered schema for it to round-trip through; reload/drain
// carry no response body at all. Metrics are exposed separately via
// Prometheus, the way metrics/metrics.go's promhttp.Handler() wiring
// does.
//
// Grounded on metrics/metrics.go's small net/http server shape
// (ServeMux, a dedicated listener, graceful Shutdown) and
// config/manager.go's live-reload idiom (swap the active ConfigObject
// pointer, notify watchers), generalized here to the admin surface's
// reload/workers/drain routes.
package adminapi

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Intelligent-Intern/quicpro-async-sub000/supervisor"
)

// WorkerStatsProvider is the subset of *supervisor.Supervisor the
// admin API depends on, so tests can substitute a fake.
type WorkerStatsProvider interface {
	Stats() []supervisor.WorkerRecord
	Drain()
	TriggerReload()
}

// ReloadFunc applies a named configuration group's reload (spec §6:
// "live reload of a named configuration group"). It receives the
// group name and returns an error if the group is unknown or the new
// value is invalid.
type ReloadFunc func(group string) error

var (
	reloadRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quicprod",
		Subsystem: "adminapi",
		Name:      "reload_requests_total",
		Help:      "Count of admin API reload requests by outcome.",
	}, []string{"outcome"})

	drainRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quicprod",
		Subsystem: "adminapi",
		Name:      "drain_requests_total",
		Help:      "Count of admin API drain requests.",
	})

	workerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quicprod",
		Subsystem: "adminapi",
		Name:      "workers_reported",
		Help:      "Worker count returned by the last /admin/workers call.",
	})
)

func init() {
	prometheus.MustRegister(reloadRequests, drainRequests, workerGauge)
}

// Options configures Server.
type Options struct {
	Addr       string
	TLSConfig  *tls.Config // must require client certs: ClientAuth=tls.RequireAndVerifyClientCert
	Supervisor WorkerStatsProvider
	Reload     ReloadFunc
}

// Server is the Admin API's privileged RPC surface.
type Server struct {
	opts Options
	log  *zerolog.Logger
	mux  *http.ServeMux
	http *http.Server
}

// New builds a Server; it does not listen until Start is called.
func New(opts Options, log *zerolog.Logger) *Server {
	s := &Server{opts: opts, log: log, mux: http.NewServeMux()}
	s.mux.HandleFunc("/admin/reload/", s.handleReload)
	s.mux.HandleFunc("/admin/workers", s.handleWorkers)
	s.mux.HandleFunc("/admin/drain", s.handleDrain)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.http = &http.Server{Addr: opts.Addr, Handler: s.mux, TLSConfig: opts.TLSConfig}
	return s
}

// Start serves until ctx is canceled, then gracefully shuts down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.http.Shutdown(shutdownCtx)
	}()

	var serveErr error
	if s.opts.TLSConfig != nil {
		serveErr = s.http.ServeTLS(ln, "", "")
	} else {
		serveErr = s.http.Serve(ln)
	}
	if serveErr == http.ErrServerClosed {
		return nil
	}
	return serveErr
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	group := r.URL.Path[len("/admin/reload/"):]
	if group == "" {
		http.Error(w, "missing group", http.StatusBadRequest)
		return
	}
	if err := s.opts.Reload(group); err != nil {
		reloadRequests.WithLabelValues("error").Inc()
		s.log.Err(err).Str("group", group).Msg("admin reload rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.opts.Supervisor != nil {
		s.opts.Supervisor.TriggerReload()
	}
	reloadRequests.WithLabelValues("ok").Inc()
	s.log.Info().Str("group", group).Msg("admin reload applied")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var records []supervisor.WorkerRecord
	if s.opts.Supervisor != nil {
		records = s.opts.Supervisor.Stats()
	}
	workerGauge.Set(float64(len(records)))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Supervisor != nil {
		s.opts.Supervisor.Drain()
	}
	drainRequests.Inc()
	w.WriteHeader(http.StatusNoContent)
}

// MTLSConfig builds a server tls.Config requiring and verifying
// client certificates against the given CA pool, per spec §6's
// `auth_mode=mtls`-only admin API policy.
func MTLSConfig(base *tls.Config, clientCAs *x509.CertPool) *tls.Config {
	cfg := base.Clone()
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	cfg.ClientCAs = clientCAs
	return cfg
}
