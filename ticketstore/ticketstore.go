// Package ticketstore implements the process-wide, lock-free ring of
// TLS session tickets used for 0-RTT resumption (spec §4.B). It is a
// single-writer, many-reader structure: producers publish with
// release semantics on a monotonically increasing epoch, readers
// acquire-read the epoch before the payload and retry on a torn read.
package ticketstore

import (
	"sync"
	"sync/atomic"

	"github.com/Intelligent-Intern/quicpro-async-sub000/errtax"
)

// MaxTicketLen is the largest ticket accepted at ingress (spec §4.B).
const MaxTicketLen = 512

// DefaultCapacity sizes the ring to 120 entries, about 60 KiB of
// ticket data at the default MaxTicketLen.
const DefaultCapacity = 120

// Entry is a single published ticket. Bytes beyond Len are undefined,
// matching the QuicSession.ticket buffer invariant in spec §3.
type Entry struct {
	Epoch uint64
	Len   int
	Data  [MaxTicketLen]byte
}

type slot struct {
	epoch uint64 // written last (release); read first (acquire)
	len   int32
	data  [MaxTicketLen]byte
}

// Store is the ring itself. The zero value is not usable; use New.
//
// Publication to a single slot is lock-free (the release/acquire
// dance on slot.epoch above), but claiming the *next* epoch and slot
// index must still be serialized: quicengine.Connect races a v6 and a
// v4 dial concurrently (engine.go's errgroup over dialFamily), and
// both arms publish their session ticket into the same Store, so two
// goroutines can call Put at once. writeMu makes epoch/index
// assignment single-flight; readers (Snapshot/Latest) never take it.
type Store struct {
	slots   []slot
	writeMu sync.Mutex
	next    uint64 // next epoch to publish; read/written atomically
}

// New allocates a Store with the given ring capacity. capacity<=0
// uses DefaultCapacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{slots: make([]slot, capacity)}
}

// Put appends a ticket to the ring, overwriting the oldest entry when
// full. Tickets larger than MaxTicketLen are rejected with
// errtax.TlsTicketRejected (spec §4.B ingress rule).
func (s *Store) Put(ticket []byte) error {
	if len(ticket) > MaxTicketLen {
		return errtax.New(errtax.TlsTicketRejected, "ticket exceeds 512 bytes")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := atomic.LoadUint64(&s.next)
	epoch := cur + 1
	idx := int(cur % uint64(len(s.slots)))
	sl := &s.slots[idx]

	// Payload write happens before the epoch is published (release).
	copy(sl.data[:], ticket)
	atomic.StoreInt32(&sl.len, int32(len(ticket)))
	atomic.StoreUint64(&sl.epoch, epoch)

	atomic.StoreUint64(&s.next, epoch)
	return nil
}

// Snapshot returns the entry published at the given epoch, if it is
// still the current occupant of its slot. A torn or evicted read
// returns ok=false; callers retry with Latest.
func (s *Store) Snapshot(epoch uint64) (Entry, bool) {
	if epoch == 0 {
		return Entry{}, false
	}
	idx := int((epoch - 1) % uint64(len(s.slots)))
	sl := &s.slots[idx]

	// Acquire-read the epoch before the payload.
	gotEpoch := atomic.LoadUint64(&sl.epoch)
	if gotEpoch != epoch {
		return Entry{}, false
	}
	n := atomic.LoadInt32(&sl.len)
	var e Entry
	e.Epoch = gotEpoch
	e.Len = int(n)
	copy(e.Data[:n], sl.data[:n])

	// Re-check the epoch hasn't advanced under us (torn read retry).
	if atomic.LoadUint64(&sl.epoch) != epoch {
		return Entry{}, false
	}
	return e, true
}

// Latest returns the most recently published entry, or ok=false if
// nothing has ever been published.
func (s *Store) Latest() (Entry, bool) {
	epoch := atomic.LoadUint64(&s.next)
	if epoch == 0 {
		return Entry{}, false
	}
	for {
		e, ok := s.Snapshot(epoch)
		if ok {
			return e, true
		}
		// The slot was overwritten or torn by a concurrent Put; retry
		// with the newest epoch published since.
		epoch = atomic.LoadUint64(&s.next)
	}
}

// Bytes returns the ticket payload as a freshly allocated slice.
func (e Entry) Bytes() []byte {
	out := make([]byte, e.Len)
	copy(out, e.Data[:e.Len])
	return out
}
