// Package errtax implements the closed error taxonomy shared by every
// subsystem in this module: transport, codec, policy and runtime errors
// all surface as *errtax.Error so callers can switch on Kind without
// caring which layer produced it.
package errtax

import (
	"errors"
	"fmt"
)

// Kind is a closed set of error kinds. New kinds are never added by
// callers; they are only produced by the subsystems below.
type Kind int

const (
	// Transport kinds.
	InvalidStreamState Kind = iota
	UnknownStream
	StreamBlocked
	StreamLimit
	FinalSize
	StreamStopped
	FinExpected
	InvalidFinState
	Done
	CongestionControl
	TooManyStreams
	DnsFailure
	HandshakeFailure
	TlsTicketRejected

	// Codec kinds.
	SchemaUndefined
	SchemaDuplicate
	TagDuplicate
	WireTypeMismatch
	BufferUnderflow
	UnexpectedEnd
	RequiredFieldMissing

	// Policy kinds.
	PolicyViolation
	ConfigFrozen
	ForbiddenOrigin

	// Runtime kinds.
	WorkerSpawnFailed
	Timeout
	PeerClosed
)

func (k Kind) String() string {
	switch k {
	case InvalidStreamState:
		return "invalid_stream_state"
	case UnknownStream:
		return "unknown_stream"
	case StreamBlocked:
		return "stream_blocked"
	case StreamLimit:
		return "stream_limit"
	case FinalSize:
		return "final_size"
	case StreamStopped:
		return "stream_stopped"
	case FinExpected:
		return "fin_expected"
	case InvalidFinState:
		return "invalid_fin_state"
	case Done:
		return "done"
	case CongestionControl:
		return "congestion_control"
	case TooManyStreams:
		return "too_many_streams"
	case DnsFailure:
		return "dns_failure"
	case HandshakeFailure:
		return "handshake_failure"
	case TlsTicketRejected:
		return "tls_ticket_rejected"
	case SchemaUndefined:
		return "schema_undefined"
	case SchemaDuplicate:
		return "schema_duplicate"
	case TagDuplicate:
		return "tag_duplicate"
	case WireTypeMismatch:
		return "wire_type_mismatch"
	case BufferUnderflow:
		return "buffer_underflow"
	case UnexpectedEnd:
		return "unexpected_end"
	case RequiredFieldMissing:
		return "required_field_missing"
	case PolicyViolation:
		return "policy_violation"
	case ConfigFrozen:
		return "config_frozen"
	case ForbiddenOrigin:
		return "forbidden_origin"
	case WorkerSpawnFailed:
		return "worker_spawn_failed"
	case Timeout:
		return "timeout"
	case PeerClosed:
		return "peer_closed"
	default:
		return "unknown"
	}
}

// Error is the concrete type every surfaced error is built from. Code is
// the numeric transport/codec code when the error was translated from
// one (0 if not applicable).
type Error struct {
	Kind    Kind
	Code    uint64
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no cause and no transport code.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error that carries cause as its causal chain.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithCode builds an *Error carrying a transport-layer numeric code,
// used when translating a QUIC/H3 application error code at the API
// boundary (§4.A mapping policy).
func WithCode(kind Kind, code uint64, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Is reports whether err is an *Error of the given kind. Done is a
// non-error sentinel (§4.A): callers use Is(err, Done) to detect it
// rather than treating it as failure.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// IsDone is a convenience wrapper over Is(err, Done).
func IsDone(err error) bool { return Is(err, Done) }

// transportCodes maps QUIC/H3 application-layer numeric error codes to
// taxonomy kinds. Unknown codes map to InvalidStreamState, the same
// "don't leak a foreign kind" policy §4.A requires of the codec side.
var transportCodes = map[uint64]Kind{
	0x01: StreamBlocked,
	0x02: StreamLimit,
	0x03: FinalSize,
	0x04: StreamStopped,
	0x05: FinExpected,
	0x06: InvalidFinState,
	0x07: CongestionControl,
	0x08: TooManyStreams,
}

// FromTransportCode translates a numeric QUIC/H3 application error code
// into a typed Error, never leaking a codec kind (§4.A mapping policy).
func FromTransportCode(code uint64, cause error) *Error {
	kind, ok := transportCodes[code]
	if !ok {
		kind = InvalidStreamState
	}
	return &Error{Kind: kind, Code: code, Cause: cause}
}
