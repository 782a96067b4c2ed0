package config

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	yaml "gopkg.in/yaml.v3"
)

// FlatKeys is the parsed `namespace.key = value` admin file shape
// (spec §6). Values are strings; Project turns them into a Groups.
type FlatKeys map[string]string

// LoadFlatFile reads an admin config file as YAML (either flat
// `namespace.key: value` entries or an equivalent nested document,
// flattened on load), following the read/decode shape of
// cloudflared's config.FileManager.GetConfig. Lines written as
// `namespace.key = value` are not parsed and yield a parse error.
func LoadFlatFile(path string, log *zerolog.Logger) (FlatKeys, error) {
	if path == "" {
		return nil, errors.New("unable to find config file")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var raw map[string]interface{}
	if err := yaml.NewDecoder(file).Decode(&raw); err != nil {
		if err == io.EOF {
			log.Error().Msgf("configuration file %s was empty", path)
			return FlatKeys{}, nil
		}
		return nil, errors.Wrap(err, "error parsing config file at "+path)
	}

	flat := FlatKeys{}
	flatten("", raw, flat)
	return flat, nil
}

func flatten(prefix string, in map[string]interface{}, out FlatKeys) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch x := v.(type) {
		case map[string]interface{}:
			flatten(key, x, out)
		default:
			out[key] = toStr(x)
		}
	}
}

func toStr(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	default:
		return strings.TrimSpace(yamlScalar(x))
	}
}

func yamlScalar(v interface{}) string {
	b, err := yaml.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(string(b), "\n")
}

// Project maps recognized flat keys onto a Groups, rejecting unknown
// keys at startup (spec §6: "keys not recognized are rejected at
// startup").
func Project(flat FlatKeys) (Groups, error) {
	var g Groups
	for k, v := range flat {
		if err := projectKey(&g, k, v); err != nil {
			return Groups{}, err
		}
	}
	return g, nil
}

func projectKey(g *Groups, key, value string) error {
	ns, field, ok := strings.Cut(key, ".")
	if !ok {
		return errors.Errorf("unrecognized config key %q: expected namespace.key", key)
	}
	switch ns {
	case "tls":
		return projectTLS(&g.TLS, field, value)
	case "quic":
		return projectQUIC(&g.QUIC, field, value)
	case "cc":
		return projectCC(&g.CC, field, value)
	case "h3":
		return projectH3(&g.H3, field, value)
	case "cluster":
		return projectCluster(&g.Cluster, field, value)
	case "admin_api":
		return projectAdminAPI(&g.AdminAPI, field, value)
	case "cors":
		if field == "allowed_origins" {
			if value == "*" {
				g.Cors.AllowAll = true
			} else if value != "false" && value != "" {
				g.Cors.AllowedOrigins = strings.Split(value, ",")
			}
			return nil
		}
		return errors.Errorf("unrecognized cors key %q", field)
	case "allow_caller_override":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		g.AllowCallerOverride = b
		return nil
	default:
		return errors.Errorf("unrecognized config namespace %q", ns)
	}
}

func projectTLS(t *TLS, field, value string) error {
	switch field {
	case "verify_peer":
		return setBool(&t.VerifyPeer, value)
	case "verify_depth":
		return setInt(&t.VerifyDepth, value)
	case "ca_file":
		t.CAFile = value
	case "cert_file":
		t.CertFile = value
	case "key_file":
		t.KeyFile = value
	case "ticket_key_file":
		t.TicketKeyFile = value
	case "enable_early_data":
		return setBool(&t.EnableEarlyData, value)
	default:
		return errors.Errorf("unrecognized tls key %q", field)
	}
	return nil
}

func projectQUIC(q *QUIC, field, value string) error {
	switch field {
	case "max_idle_timeout_ms":
		return setInt64(&q.MaxIdleTimeoutMs, value)
	case "max_udp_payload_size":
		return setInt(&q.MaxUDPPayloadSize, value)
	case "initial_max_data":
		return setInt64(&q.InitialMaxData, value)
	case "initial_max_streams_bidi":
		return setInt64(&q.InitialMaxStreamsBidi, value)
	case "initial_max_streams_uni":
		return setInt64(&q.InitialMaxStreamsUni, value)
	case "ack_delay_exponent":
		return setInt(&q.AckDelayExponent, value)
	case "max_ack_delay_ms":
		return setInt64(&q.MaxAckDelayMs, value)
	case "active_connection_id_limit":
		return setInt(&q.ActiveConnectionIDLimit, value)
	case "stateless_retry":
		return setBool(&q.StatelessRetry, value)
	case "grease_level":
		return setInt(&q.GreaseLevel, value)
	case "enable_datagrams":
		return setBool(&q.EnableDatagrams, value)
	default:
		return errors.Errorf("unrecognized quic key %q", field)
	}
	return nil
}

func projectCC(c *CongestionControl, field, value string) error {
	switch field {
	case "algorithm":
		c.Algorithm = value
	case "enable_hystart":
		return setBool(&c.EnableHystart, value)
	case "enable_pacing":
		return setBool(&c.EnablePacing, value)
	case "max_pacing_rate_bps":
		return setInt64(&c.MaxPacingRateBps, value)
	default:
		return errors.Errorf("unrecognized cc key %q", field)
	}
	return nil
}

func projectH3(h *H3, field, value string) error {
	switch field {
	case "max_header_list_size":
		return setUint64(&h.MaxHeaderListSize, value)
	case "qpack_max_table_capacity":
		return setUint64(&h.QpackMaxTableCapacity, value)
	case "qpack_blocked_streams":
		return setUint64(&h.QpackBlockedStreams, value)
	default:
		return errors.Errorf("unrecognized h3 key %q", field)
	}
	return nil
}

func projectCluster(c *Cluster, field, value string) error {
	switch field {
	case "workers":
		return setInt(&c.Workers, value)
	case "pid_file":
		c.PidFile = value
	case "graceful_timeout_s":
		return setInt(&c.GracefulTimeoutS, value)
	case "restart_policy.crashed":
		return setBool(&c.RestartPolicy.Crashed, value)
	case "restart_policy.max_restarts":
		return setInt(&c.RestartPolicy.MaxRestarts, value)
	case "restart_policy.interval_s":
		return setInt(&c.RestartPolicy.IntervalS, value)
	default:
		return errors.Errorf("unrecognized cluster key %q", field)
	}
	return nil
}

func projectAdminAPI(a *AdminAPI, field, value string) error {
	switch field {
	case "bind_host":
		a.BindHost = value
	case "port":
		return setInt(&a.Port, value)
	case "auth_mode":
		a.AuthMode = value
	case "ca_file":
		a.CAFile = value
	case "cert_file":
		a.CertFile = value
	case "key_file":
		a.KeyFile = value
	default:
		return errors.Errorf("unrecognized admin_api key %q", field)
	}
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, v string) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setUint64(dst *uint64, v string) error {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

// Watcher hot-reloads an admin file and atomically republishes a new
// frozen ConfigObject pointer, matching spec §5's "Admin-API hot
// reload atomically swaps the active ConfigObject pointer; in-flight
// sessions keep their original config." Grounded on
// config/manager.go's FileManager + fsnotify.Watcher pairing.
type Watcher struct {
	path    string
	log     *zerolog.Logger
	fsw     *fsnotify.Watcher
	current atomic.Pointer[Object]
	done    chan struct{}
}

// NewWatcher builds a Watcher over path, loading the initial snapshot
// immediately so Current never returns nil.
func NewWatcher(path string, log *zerolog.Logger) (*Watcher, error) {
	flat, err := LoadFlatFile(path, log)
	if err != nil {
		return nil, err
	}
	admin, err := Project(flat)
	if err != nil {
		return nil, err
	}
	obj, err := Build(admin, nil)
	if err != nil {
		return nil, err
	}
	obj.Freeze()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path: path,
		log:  log,
		fsw:  fsw,
		done: make(chan struct{}),
	}
	w.current.Store(obj)
	return w, nil
}

// Current returns the currently active, frozen ConfigObject.
func (w *Watcher) Current() *Object {
	return w.current.Load()
}

// Run blocks, watching for file changes until Shutdown is called.
func (w *Watcher) Run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Err(err).Msg("config watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	if err := w.Reload(); err != nil {
		w.log.Err(err).Msg("failed to reload config")
	}
}

// Reload re-reads the admin file from disk and atomically republishes
// it, returning any load/project/build error instead of only logging
// it. Exposed for the admin API's reload route (spec §6), which needs
// to report failure to the caller.
func (w *Watcher) Reload() error {
	flat, err := LoadFlatFile(w.path, w.log)
	if err != nil {
		return err
	}
	admin, err := Project(flat)
	if err != nil {
		return err
	}
	obj, err := Build(admin, nil)
	if err != nil {
		return err
	}
	obj.Freeze()
	w.current.Store(obj)
	w.log.Info().Msg("config reloaded")
	return nil
}

// Shutdown stops the watcher.
func (w *Watcher) Shutdown() {
	close(w.done)
	w.fsw.Close()
}
