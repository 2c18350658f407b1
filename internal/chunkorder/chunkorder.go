// Package chunkorder implements the scheduler's cross-download chunk
// ordering index: a btree keyed by (download priority, queue position,
// chunk index), adapted from the teacher's
// request-strategy/ajwerner-btree.go (itself a thin adapter over
// github.com/ajwerner/btree.Set), generalized from per-torrent pieces to
// per-download chunks.
package chunkorder

import (
	"github.com/ajwerner/btree"
	"github.com/anacrolix/multiless"

	"github.com/Zorvalt/dlan/hash"
)

// Item is one schedulable chunk: a (download, chunk) pair plus the
// ordering fields the picker scans by.
type Item struct {
	DownloadID  uint64
	QueuePos    int // position of the Download in the overall download queue
	ChunkIndex  int // position of the chunk within its Download
	ChunkHash   hash.Hash
	HighPriority bool // e.g. the chunk currently being actively streamed vs. prefetch
}

// less orders items: high-priority chunks first, then earlier queue
// position, then earlier chunk index, with DownloadID as a final stable
// tie-break — the same multiless comparator-chain idiom the teacher uses
// for connectionTrust.Cmp.
func less(a, b Item) int {
	return multiless.New().
		Bool(b.HighPriority, a.HighPriority). // HighPriority true sorts first
		Int64(int64(a.QueuePos), int64(b.QueuePos)).
		Int64(int64(a.ChunkIndex), int64(b.ChunkIndex)).
		Int64(int64(a.DownloadID), int64(b.DownloadID)).
		OrderingInt()
}

// Order is the scheduler's picker index: an ordered set of schedulable
// chunks across all downloads.
type Order struct {
	tree btree.Set[Item]
	n    int
}

// New returns an empty Order.
func New() *Order {
	return &Order{
		tree: btree.MakeSet(func(a, b Item) int { return less(a, b) }),
	}
}

// Add inserts or updates item (upsert is idempotent on the ordering key,
// matching ajwernerBtree.Add).
func (o *Order) Add(item Item) {
	if !o.tree.Upsert(item) {
		o.n++
	}
}

// Delete removes item if present; a no-op otherwise.
func (o *Order) Delete(item Item) {
	if o.tree.Delete(item) {
		o.n--
	}
}

// Len reports the number of chunks currently tracked.
func (o *Order) Len() int {
	return o.n
}

// Scan walks items in priority order, stopping early if f returns false.
func (o *Order) Scan(f func(Item) bool) {
	it := o.tree.Iterator()
	for it.First(); it.Valid(); it.Next() {
		if !f(it.Cur()) {
			break
		}
	}
}
