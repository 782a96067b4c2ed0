// Package config implements ConfigObject (spec §4.C): an immutable,
// layered bundle of option groups. Layering order is hardcoded
// defaults, then administrator overrides, then per-call options; the
// caller layer only applies when the admin-set AllowCallerOverride is
// true. Once Freeze is called the object is read-only; mutation
// attempts after that point return errtax.ConfigFrozen.
package config

import (
	"sync/atomic"
	"time"

	"github.com/Intelligent-Intern/quicpro-async-sub000/errtax"
)

// TLS holds the tls{} option group.
type TLS struct {
	VerifyPeer     bool
	VerifyDepth    int
	CAFile         string
	CertFile       string
	KeyFile        string
	TicketKeyFile  string
	CiphersTLS13   []string
	Curves         []string
	EnableEarlyData bool
}

// QUIC holds the quic{} option group.
type QUIC struct {
	MaxIdleTimeoutMs          int64
	MaxUDPPayloadSize         int
	InitialMaxData            int64
	InitialMaxStreamsBidi     int64
	InitialMaxStreamsUni      int64
	InitialMaxStreamDataBidi  int64
	InitialMaxStreamDataUni   int64
	AckDelayExponent          int
	MaxAckDelayMs             int64
	ActiveConnectionIDLimit   int
	StatelessRetry            bool
	GreaseLevel               int
	EnableDatagrams           bool
	DgramSendQueueLen         int
	DgramRecvQueueLen         int
}

// CongestionControl holds the cc{} option group.
type CongestionControl struct {
	Algorithm       string // cubic | reno | bbr
	EnableHystart   bool
	EnablePacing    bool
	MaxPacingRateBps int64
}

// H3 holds the h3{} option group.
type H3 struct {
	MaxHeaderListSize      uint64
	QpackMaxTableCapacity  uint64
	QpackBlockedStreams    uint64
}

// Cors holds the cors{} option group. AllowAll represents the "*"
// policy; otherwise AllowedOrigins lists the permitted origins, and
// nil/empty means disabled.
type Cors struct {
	AllowedOrigins []string
	AllowAll       bool
}

// Cluster holds the cluster{} option group consumed by Supervisor.
type Cluster struct {
	Workers           int
	PidFile           string
	GracefulTimeoutS  int
	RestartPolicy     RestartPolicy
}

// RestartPolicy mirrors spec §4.H's restart_policy sub-object.
type RestartPolicy struct {
	Crashed     bool
	MaxRestarts int
	IntervalS   int
}

// AdminAPI holds the admin_api{} option group.
type AdminAPI struct {
	BindHost string
	Port     int
	AuthMode string // always "mtls"
	CAFile   string
	CertFile string
	KeyFile  string
}

// Groups is the full set of option groups that make up a ConfigObject.
type Groups struct {
	TLS           TLS
	QUIC          QUIC
	CC            CongestionControl
	H3            H3
	AppProtocols  []string
	Cors          Cors
	Cluster       Cluster
	AdminAPI      AdminAPI

	// AllowCallerOverride gates whether the caller layer is allowed to
	// take effect at all (spec §4.C).
	AllowCallerOverride bool
}

// Defaults returns the hardcoded safe defaults spec §4.C names:
// ALPN=h3, idle timeout 30s, max UDP payload 1350B, verify-peer on.
func Defaults() Groups {
	return Groups{
		TLS: TLS{
			VerifyPeer: true,
		},
		QUIC: QUIC{
			MaxIdleTimeoutMs:  30_000,
			MaxUDPPayloadSize: 1350,
		},
		AppProtocols: []string{"h3"},
	}
}

// Object is an immutable, layered ConfigObject. It is shared the way
// spec §9 describes: refcounted semantically, with release on last
// holder; in Go this is simply garbage collection of the last
// reference, so Object carries no explicit refcount.
type Object struct {
	groups Groups
	frozen int32
}

// Build constructs a ConfigObject from the three layers. admin is
// applied over the hardcoded defaults unconditionally. caller is only
// applied if admin.AllowCallerOverride is true; otherwise a non-empty
// caller yields errtax.PolicyViolation and no object is constructed
// (spec invariant 5 / scenario S3).
func Build(admin Groups, caller *Groups) (*Object, error) {
	merged := Defaults()
	merged = mergeAdmin(merged, admin)

	if caller != nil && !isEmptyCaller(*caller) {
		if !merged.AllowCallerOverride {
			return nil, errtax.New(errtax.PolicyViolation, "caller options not permitted: allow_caller_override is false")
		}
		merged = mergeCaller(merged, *caller)
	}

	return &Object{groups: merged}, nil
}

// Freeze makes the object permanently read-only. It is idempotent and
// monotonic: once frozen, Freeze never un-freezes (invariant 6).
func (o *Object) Freeze() {
	atomic.StoreInt32(&o.frozen, 1)
}

// Frozen reports whether Freeze has been called.
func (o *Object) Frozen() bool {
	return atomic.LoadInt32(&o.frozen) == 1
}

// View returns a read-only snapshot of the merged option groups. The
// returned value is a copy; mutating it never affects the Object.
func (o *Object) View() Groups {
	g := o.groups
	g.AppProtocols = append([]string(nil), g.AppProtocols...)
	g.TLS.CiphersTLS13 = append([]string(nil), g.TLS.CiphersTLS13...)
	g.TLS.Curves = append([]string(nil), g.TLS.Curves...)
	g.Cors.AllowedOrigins = append([]string(nil), g.Cors.AllowedOrigins...)
	return g
}

// Set attempts to mutate a frozen object's top-level toggle used by
// hot reload paths that need to flip AllowCallerOverride post-hoc;
// this always fails once frozen, satisfying invariant 6.
func (o *Object) Set(mutate func(*Groups)) error {
	if o.Frozen() {
		return errtax.New(errtax.ConfigFrozen, "config object is frozen")
	}
	mutate(&o.groups)
	return nil
}

func isEmptyCaller(g Groups) bool {
	zero := Groups{}
	return equalGroups(g, zero)
}

// equalGroups performs a shallow structural comparison sufficient to
// detect "caller passed nothing". Slices are compared by length only
// since an explicitly-empty slice is indistinguishable from absent.
func equalGroups(a, b Groups) bool {
	return isZeroTLS(a.TLS) == isZeroTLS(b.TLS) &&
		a.QUIC == b.QUIC &&
		a.CC == b.CC &&
		a.H3 == b.H3 &&
		len(a.AppProtocols) == len(b.AppProtocols) &&
		a.Cors.AllowAll == b.Cors.AllowAll &&
		len(a.Cors.AllowedOrigins) == len(b.Cors.AllowedOrigins) &&
		a.Cluster == b.Cluster &&
		a.AdminAPI == b.AdminAPI
}

func isZeroTLS(t TLS) bool {
	return !t.VerifyPeer && t.VerifyDepth == 0 && t.CAFile == "" &&
		t.CertFile == "" && t.KeyFile == "" && t.TicketKeyFile == "" &&
		len(t.CiphersTLS13) == 0 && len(t.Curves) == 0 && !t.EnableEarlyData
}

func mergeAdmin(base Groups, admin Groups) Groups {
	out := base
	if !isZeroTLS(admin.TLS) {
		out.TLS = admin.TLS
	}
	if admin.QUIC != (QUIC{}) {
		out.QUIC = admin.QUIC
	}
	if admin.CC != (CongestionControl{}) {
		out.CC = admin.CC
	}
	if admin.H3 != (H3{}) {
		out.H3 = admin.H3
	}
	if len(admin.AppProtocols) > 0 {
		out.AppProtocols = admin.AppProtocols
	}
	if admin.Cors.AllowAll || len(admin.Cors.AllowedOrigins) > 0 {
		out.Cors = admin.Cors
	}
	if admin.Cluster != (Cluster{}) {
		out.Cluster = admin.Cluster
	}
	if admin.AdminAPI != (AdminAPI{}) {
		out.AdminAPI = admin.AdminAPI
	}
	out.AllowCallerOverride = admin.AllowCallerOverride
	return out
}

func mergeCaller(base Groups, caller Groups) Groups {
	out := base
	if !isZeroTLS(caller.TLS) {
		out.TLS = caller.TLS
	}
	if caller.QUIC != (QUIC{}) {
		out.QUIC = caller.QUIC
	}
	if caller.CC != (CongestionControl{}) {
		out.CC = caller.CC
	}
	if caller.H3 != (H3{}) {
		out.H3 = caller.H3
	}
	if len(caller.AppProtocols) > 0 {
		out.AppProtocols = caller.AppProtocols
	}
	if caller.Cors.AllowAll || len(caller.Cors.AllowedOrigins) > 0 {
		out.Cors = caller.Cors
	}
	return out
}

// IdleTimeout returns QUIC.MaxIdleTimeoutMs as a time.Duration.
func (g Groups) IdleTimeout() time.Duration {
	return time.Duration(g.QUIC.MaxIdleTimeoutMs) * time.Millisecond
}
