// Package lifecycle implements the request lifecycle pre-handler gate
// spec §4.K names: inspecting the Origin header against the
// configured CORS policy before a handler runs.
//
// Grounded on connection/quic.go's httpResponseAdapter: a small
// Header()/WriteHeader-staging shape that lets a caller build a
// response before it is actually flushed. Gate mirrors that by
// staging headers on a Decision value rather than writing directly to
// a ResponseWriter, since the outcome (Forbidden/HandledAndFinished)
// decides whether any body is ever written at all.
package lifecycle

import (
	"net/http"
	"strconv"

	"github.com/Intelligent-Intern/quicpro-async-sub000/config"
)

// Outcome is the gate's verdict (spec §4.K).
type Outcome int

const (
	Passthrough Outcome = iota
	Allowed
	HandledAndFinished
	Forbidden
)

func (o Outcome) String() string {
	switch o {
	case Passthrough:
		return "passthrough"
	case Allowed:
		return "allowed"
	case HandledAndFinished:
		return "handled_and_finished"
	case Forbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Decision carries the gate's verdict plus any headers it staged for
// the caller to apply to the real response.
type Decision struct {
	Outcome    Outcome
	Headers    http.Header
	StatusCode int // set when Outcome == HandledAndFinished or Forbidden
}

// Gate evaluates an incoming request's Origin header against policy.
type Gate struct {
	policy config.Cors
}

// New builds a Gate bound to a frozen ConfigObject's Cors group.
func New(policy config.Cors) *Gate {
	return &Gate{policy: policy}
}

// Evaluate runs the pre-handler CORS gate (spec §4.K). method and
// origin come from the inbound request; preflightMethod/preflightHeaders
// are only consulted for an OPTIONS preflight.
func (g *Gate) Evaluate(method, origin string, preflightMethod, preflightHeaders string) Decision {
	if origin == "" {
		return Decision{Outcome: Passthrough}
	}
	if !g.originAllowed(origin) {
		return Decision{Outcome: Forbidden, StatusCode: http.StatusForbidden}
	}

	headers := make(http.Header)
	headers.Set("Access-Control-Allow-Origin", originHeaderValue(g.policy, origin))
	headers.Set("Vary", "Origin")

	if method == http.MethodOptions {
		if preflightMethod != "" {
			headers.Set("Access-Control-Allow-Methods", preflightMethod)
		}
		if preflightHeaders != "" {
			headers.Set("Access-Control-Allow-Headers", preflightHeaders)
		}
		headers.Set("Access-Control-Max-Age", strconv.Itoa(600))
		return Decision{Outcome: HandledAndFinished, Headers: headers, StatusCode: http.StatusNoContent}
	}

	return Decision{Outcome: Allowed, Headers: headers}
}

func (g *Gate) originAllowed(origin string) bool {
	if !g.policy.AllowAll && len(g.policy.AllowedOrigins) == 0 {
		return false
	}
	if g.policy.AllowAll {
		return true
	}
	for _, o := range g.policy.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func originHeaderValue(policy config.Cors, origin string) string {
	if policy.AllowAll {
		return "*"
	}
	return origin
}
