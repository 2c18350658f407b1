// Package peer implements PeerRegistry, Peer, and OccupiedPeers from
// spec.md §3/§4.2/§4.4 — the directory of known remote peers, fed by the
// external discovery module, plus the exclusion primitive that caps each
// peer at one active chunk transfer.
//
// Grounded on the teacher's peer.go: Peer.trust/connectionTrust.Cmp
// generalizes into the get_fastest_free_peer tie-break chain, and the
// lock-ordering discipline (a read-mostly registry queried from within
// already-locked scheduler regions) follows spec.md §9's resolution of
// the recursive-mutex Redesign Flag.
package peer

import (
	"sync"
	"time"

	"github.com/anacrolix/multiless"
	"github.com/elliotchance/orderedmap"
	gbtree "github.com/google/btree"
	"go.uber.org/atomic"

	"github.com/Zorvalt/dlan/hash"
)

// Peer is one remote node on the LAN, per spec.md §3's Peer type.
type Peer struct {
	ID              hash.Hash
	Nickname        string
	Address         string // "ip:port"
	advertisedSpeed atomic.Uint64 // bytes/s, updated on each presence beacon
	lastSeen        atomic.Int64  // unix nanos
	bannedUntil     atomic.Int64  // unix nanos; zero means not banned

	// netGoodChunks counts chunks this peer has correctly delivered,
	// mirroring the teacher's netGoodPiecesDirtied — the trust tie-break
	// input for get_fastest_free_peer.
	netGoodChunks atomic.Int64
}

// AdvertisedSpeed returns the last beaconed transfer rate in bytes/s.
func (p *Peer) AdvertisedSpeed() uint64 { return p.advertisedSpeed.Load() }

// SetAdvertisedSpeed records a presence beacon's advertised speed.
func (p *Peer) SetAdvertisedSpeed(bytesPerSec uint64) { p.advertisedSpeed.Store(bytesPerSec) }

// LastSeen returns the time of the most recent presence beacon.
func (p *Peer) LastSeen() time.Time { return time.Unix(0, p.lastSeen.Load()) }

// Touch records a presence beacon arriving now.
func (p *Peer) Touch(now time.Time) { p.lastSeen.Store(now.UnixNano()) }

// BannedUntil returns the time the peer's ban (if any) expires. The zero
// Time means the peer is not banned.
func (p *Peer) BannedUntil() time.Time {
	ns := p.bannedUntil.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Ban marks the peer unavailable as a chunk source until now.Add(d), per
// spec.md §5's "Ban duration" invariant: a peer banned at t is not
// selected as a source for any chunk until t + ban_duration.
func (p *Peer) Ban(now time.Time, d time.Duration) {
	p.bannedUntil.Store(now.Add(d).UnixNano())
}

// RecordGoodChunk increments the trust counter fed into get_fastest_free_peer
// tie-breaking, mirroring recordBlockForSmartBan's counterpart on success.
func (p *Peer) RecordGoodChunk() { p.netGoodChunks.Add(1) }

// IsAvailable reports whether last_seen is fresh (within presenceTimeout of
// now) and the peer is not currently banned, per spec.md §3's Peer
// availability rule.
func (p *Peer) IsAvailable(now time.Time, presenceTimeout time.Duration) bool {
	if now.Sub(p.LastSeen()) > presenceTimeout {
		return false
	}
	until := p.BannedUntil()
	return until.IsZero() || !now.Before(until)
}

// trust returns the ordering key get_fastest_free_peer ties break on,
// generalizing the teacher's connectionTrust: peers we've already
// received good chunks from outrank equally-fast strangers.
func (p *Peer) trust() connectionTrust {
	return connectionTrust{netGoodChunks: p.netGoodChunks.Load()}
}

type connectionTrust struct {
	netGoodChunks int64
}

// cmp orders two trust values, adapted from connectionTrust.Cmp: higher
// netGoodChunks sorts first.
func (l connectionTrust) cmp(r connectionTrust) int {
	return multiless.New().Int64(r.netGoodChunks, l.netGoodChunks).OrderingInt()
}

// Registry is PeerRegistry: the directory of known remote peers, fed by
// the external discovery module's peer_joined/peer_updated/peer_left
// events. It is read-mostly and safe for concurrent use; iteration order
// matches discovery order, matching the teacher's preference for stable,
// reproducible iteration over connection-candidate sets.
type Registry struct {
	mu    sync.RWMutex
	byID  *orderedmap.OrderedMap // hash.Hash -> *Peer
	byBan *gbtree.BTreeG[banEntry] // secondary index ordered by ban expiry, for sweeping expired bans
}

type banEntry struct {
	expiry time.Time
	peer   hash.Hash
}

func banLess(a, b banEntry) bool {
	if !a.expiry.Equal(b.expiry) {
		return a.expiry.Before(b.expiry)
	}
	return a.peer.Less(b.peer)
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byID:  orderedmap.NewOrderedMap(),
		byBan: gbtree.NewG(32, banLess),
	}
}

// get is the typed wrapper around the underlying interface{}-keyed map.
func (r *Registry) get(id hash.Hash) (*Peer, bool) {
	v, ok := r.byID.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*Peer), true
}

// Joined records a newly discovered peer (discovery's peer_joined event).
func (r *Registry) Joined(id hash.Hash, nickname, address string, now time.Time) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.get(id); ok {
		p.Touch(now)
		return p
	}
	p := &Peer{ID: id, Nickname: nickname, Address: address}
	p.Touch(now)
	r.byID.Set(id, p)
	return p
}

// Updated applies a peer_updated discovery event.
func (r *Registry) Updated(id hash.Hash, speed uint64, now time.Time) {
	r.mu.RLock()
	p, ok := r.get(id)
	r.mu.RUnlock()
	if !ok {
		return
	}
	p.SetAdvertisedSpeed(speed)
	p.Touch(now)
}

// Left removes a peer on the discovery module's peer_left event.
func (r *Registry) Left(id hash.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID.Delete(id)
}

// Ban bans a peer and records it in the ban-expiry index, used by
// ExpireBansBefore and for diagnostics.
func (r *Registry) Ban(id hash.Hash, now time.Time, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.get(id)
	if !ok {
		return
	}
	p.Ban(now, d)
	r.byBan.ReplaceOrInsert(banEntry{expiry: p.BannedUntil(), peer: id})
}

// Get returns the peer with the given ID, if known.
func (r *Registry) Get(id hash.Hash) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(id)
}

// Snapshot returns a copy-on-read slice of all known peers, in discovery
// order, per spec.md §9's "copy-on-read snapshots" resolution for
// PeerRegistry's read-mostly access pattern.
func (r *Registry) Snapshot() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, r.byID.Len())
	for el := r.byID.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value().(*Peer))
	}
	return out
}

// ExpireBansBefore evicts ban-index entries that expired before now; the
// Peer itself remains registered (IsAvailable already treats an expired
// ban as available — this only bounds the index's size).
func (r *Registry) ExpireBansBefore(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		item, ok := r.byBan.Min()
		if !ok || item.expiry.After(now) {
			return
		}
		r.byBan.DeleteMin()
	}
}
