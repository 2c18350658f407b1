package peer

import (
	"sync"

	"github.com/anacrolix/chansync"

	"github.com/Zorvalt/dlan/hash"
)

// OccupiedPeers is the concurrency primitive from spec.md §3/§4.4: a
// mapping Peer -> {Free, Occupied} with atomic test-and-set semantics,
// plus a broadcast fired whenever a peer transitions Occupied -> Free so
// the scheduler can re-evaluate its picker. Guarded by a single mutex per
// spec.md §9's "flat critical sections" resolution of the recursive-mutex
// Redesign Flag — callers must not call back into OccupiedPeers from
// within a held lock.
type OccupiedPeers struct {
	mu       sync.Mutex
	occupied map[hash.Hash]struct{}
	freed    chansync.BroadcastCond
}

// NewOccupiedPeers returns an OccupiedPeers tracker with every peer
// initially free.
func NewOccupiedPeers() *OccupiedPeers {
	return &OccupiedPeers{
		occupied: make(map[hash.Hash]struct{}),
	}
}

// TryOccupy atomically claims id if it is currently free. Returns false if
// it was already occupied.
func (o *OccupiedPeers) TryOccupy(id hash.Hash) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.occupied[id]; busy {
		return false
	}
	o.occupied[id] = struct{}{}
	return true
}

// IsFree reports whether id is currently unoccupied.
func (o *OccupiedPeers) IsFree(id hash.Hash) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.occupied[id]
	return !busy
}

// Release frees id, waking any scheduler goroutine blocked on Freed.
func (o *OccupiedPeers) Release(id hash.Hash) {
	o.mu.Lock()
	delete(o.occupied, id)
	o.mu.Unlock()
	o.freed.Broadcast()
}

// Freed returns a channel closed whenever some peer transitions
// Occupied -> Free; per event-driven wakeup (c) in spec.md §6, the
// scheduler selects on this alongside its other wakeup sources.
func (o *OccupiedPeers) Freed() <-chan struct{} {
	return o.freed.Signaled()
}

// FastestFree walks candidates (a chunk's known peer set), drops any that
// fail the availability predicate, and returns the free peer with the
// highest advertised speed — ties broken by trust, then by lowest peer ID
// — per spec.md §5's get_fastest_free_peer. Returns (nil, false) if every
// candidate is occupied or unavailable.
func (o *OccupiedPeers) FastestFree(candidates []*Peer, available func(*Peer) bool) (*Peer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var best *Peer
	for _, p := range candidates {
		if !available(p) {
			continue
		}
		if _, busy := o.occupied[p.ID]; busy {
			continue
		}
		if best == nil || better(p, best) {
			best = p
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// better reports whether a should be preferred over b: higher advertised
// speed first, then higher trust, then lower peer ID as a stable
// tie-break, mirroring connectionTrust.Cmp composed with bep40-style
// speed-then-ID ordering.
func better(a, b *Peer) bool {
	if a.AdvertisedSpeed() != b.AdvertisedSpeed() {
		return a.AdvertisedSpeed() > b.AdvertisedSpeed()
	}
	if c := a.trust().cmp(b.trust()); c != 0 {
		return c < 0
	}
	return a.ID.Less(b.ID)
}
