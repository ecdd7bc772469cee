package session

import (
	"sync"
	"time"

	"github.com/duh17/oppi/pkg/wire"
)

// RingEntry is one retained durable frame.
type RingEntry struct {
	Seq       uint64
	Message   wire.Message
	Timestamp time.Time
}

// Ring retains the last N durable frames of a session for catch-up after a
// reconnect. Seq starts at 1 and is strictly monotonic; once capacity is
// exceeded the oldest entries are overwritten and cursors below the floor
// can no longer be served.
type Ring struct {
	mu       sync.Mutex
	entries  []RingEntry
	capacity int
	nextSeq  uint64
}

// NewRing creates a ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{capacity: capacity, nextSeq: 1}
}

// Append assigns the next seq to the message and retains it.
func (r *Ring) Append(msg wire.Message) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.nextSeq
	r.nextSeq++
	r.entries = append(r.entries, RingEntry{Seq: seq, Message: msg, Timestamp: time.Now()})
	if len(r.entries) > r.capacity {
		r.entries = r.entries[len(r.entries)-r.capacity:]
	}
	return seq
}

// CurrentSeq returns the last assigned seq, 0 when nothing was appended.
func (r *Ring) CurrentSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextSeq - 1
}

// CatchUp returns the retained entries with seq > sinceSeq. complete=false
// means sinceSeq precedes the ring floor: entries have been overwritten and
// the caller must resync from a full snapshot instead.
func (r *Ring) CatchUp(sinceSeq uint64) (entries []RingEntry, currentSeq uint64, complete bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	currentSeq = r.nextSeq - 1
	if len(r.entries) == 0 {
		return nil, currentSeq, sinceSeq >= currentSeq
	}
	floor := r.entries[0].Seq
	if sinceSeq < floor-1 {
		return nil, currentSeq, false
	}
	for _, e := range r.entries {
		if e.Seq > sinceSeq {
			entries = append(entries, e)
		}
	}
	return entries, currentSeq, true
}
