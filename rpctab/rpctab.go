// Package rpctab implements the per-socket RPC table (§4.3): two hash
// tables of 1024 buckets each (client RPCs, server RPCs), keyed by
// id mod BUCKETS, where each bucket's spinlock doubles as the lock for
// every RPC object the bucket holds — the "bucket-lock = RPC-lock fusion"
// described in §9. It also implements the two-phase reap discipline:
// Free moves an RPC to the socket's dead list under the bucket lock;
// Reap later releases dead RPCs from a context where nothing holds a
// bucket lock over them.
package rpctab

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/homa-transport/homa/msg"
	"github.com/homa-transport/homa/peer"
)

// NumBuckets is the bucket count of each hash table (§4.3).
const NumBuckets = 1024

// State is the RPC lifecycle state (§3).
type State int

const (
	Outgoing State = iota
	Incoming
	Ready
	InService
	Dead
)

func (s State) String() string {
	switch s {
	case Outgoing:
		return "Outgoing"
	case Incoming:
		return "Incoming"
	case Ready:
		return "Ready"
	case InService:
		return "InService"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// Rpc is the fundamental per-RPC state (§3). All fields below are only
// safe to read or mutate while the owning Bucket's lock is held — that
// lock is the RPC's lock, there is no separate per-Rpc mutex.
type Rpc struct {
	ID        uint64
	IsClient  bool
	Peer      *peer.Peer
	DPort     uint16 // remote port to address outbound traffic to
	LocalPort uint16 // this host's own port, for stamping outbound packets
	State     State

	MsgIn  *msg.MessageIn
	MsgOut *msg.MessageOut

	// Err is only meaningful for client RPCs: set on abort (§4.8, §7).
	Err error

	SilentTicks int
	NumResends  int

	// Table back-references the owning table. Cross-cutting consumers that
	// are only ever handed a bare *Rpc (the pacer, mainly — see
	// pacer.BucketLocker) need this to re-derive the correct bucket
	// without threading the owning socket through every call.
	Table *Table

	bucketNext *Rpc

	// GrantableNext/Prev/OnGrantable are embedded storage for the global
	// grantable list (§4.6). Owned and mutated only by package grant,
	// which always holds grantable_lock while touching them.
	GrantableNext, GrantablePrev *Rpc
	OnGrantable                 bool

	// ThrottledNext/Prev/OnThrottled are embedded storage for the global
	// throttled list (§4.7). Owned and mutated only by package pacer,
	// which always holds throttle_lock while touching them.
	ThrottledNext, ThrottledPrev *Rpc
	OnThrottled                 bool

	deadNext *Rpc
}

// Bucket is one hash bucket: its mutex is both the bucket-structure lock
// and the RPC lock for every Rpc currently chained under it (§4.3, §9).
type Bucket struct {
	mu   sync.Mutex
	head *Rpc
}

// Lock acquires the bucket/RPC lock.
func (b *Bucket) Lock() { b.mu.Lock() }

// TryLock attempts to acquire the bucket/RPC lock without blocking. Used by
// the pacer loop, which skips a busy head-of-list RPC rather than stall
// (§4.7 step 2).
func (b *Bucket) TryLock() bool { return b.mu.TryLock() }

// Unlock releases the bucket/RPC lock.
func (b *Bucket) Unlock() { b.mu.Unlock() }

// Find returns the Rpc with the given id in this bucket, or nil. Caller
// must hold the bucket lock.
func (b *Bucket) Find(id uint64) *Rpc {
	for r := b.head; r != nil; r = r.bucketNext {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Insert chains rpc into this bucket. Caller must hold the bucket lock and
// must have already checked Find to maintain the uniqueness invariant (§3).
func (b *Bucket) Insert(rpc *Rpc) {
	rpc.bucketNext = b.head
	b.head = rpc
}

// Remove unchains rpc from this bucket. Caller must hold the bucket lock.
func (b *Bucket) Remove(rpc *Rpc) {
	if b.head == rpc {
		b.head = rpc.bucketNext
		rpc.bucketNext = nil
		return
	}
	for r := b.head; r != nil; r = r.bucketNext {
		if r.bucketNext == rpc {
			r.bucketNext = rpc.bucketNext
			rpc.bucketNext = nil
			return
		}
	}
}

// Each calls fn for every Rpc in the bucket. Caller must hold the lock.
func (b *Bucket) Each(fn func(*Rpc)) {
	for r := b.head; r != nil; r = r.bucketNext {
		fn(r)
	}
}

// Table is the per-socket pair of RPC hash tables plus the deferred-reap
// machinery (§4.3).
type Table struct {
	clientBuckets [NumBuckets]Bucket
	serverBuckets [NumBuckets]Bucket

	deadMu    sync.Mutex
	deadHead  *Rpc
	deadCount int

	// reapDisable lets a receiver copying data out of an RPC block its
	// reclamation without holding the bucket lock (§4.3, §9).
	reapDisable atomic.Int32

	maxDeadBuffs int
}

// NewTable creates an empty per-socket RPC table. maxDeadBuffs is the
// sysctl max_dead_buffs threshold that triggers aggressive reaping (§6).
func NewTable(maxDeadBuffs int) *Table {
	return &Table{maxDeadBuffs: maxDeadBuffs}
}

// Bucket returns the bucket that owns id in the client or server table.
func (t *Table) Bucket(id uint64, isClient bool) *Bucket {
	idx := id % NumBuckets
	if isClient {
		return &t.clientBuckets[idx]
	}
	return &t.serverBuckets[idx]
}

// IncReapDisable increments the reap-disable counter (atomic, no lock).
func (t *Table) IncReapDisable() { t.reapDisable.Add(1) }

// DecReapDisable decrements the reap-disable counter.
func (t *Table) DecReapDisable() { t.reapDisable.Add(-1) }

// ReapDisabled reports whether any in-flight reader currently holds reap
// disabled.
func (t *Table) ReapDisabled() bool { return t.reapDisable.Load() > 0 }

// DeadCount returns the number of RPCs currently queued for reaping.
func (t *Table) DeadCount() int {
	t.deadMu.Lock()
	defer t.deadMu.Unlock()
	return t.deadCount
}

// ShouldReapAggressively reports whether the dead list has crossed
// max_dead_buffs and reaping should happen eagerly rather than
// opportunistically (§4.3).
func (t *Table) ShouldReapAggressively() bool {
	return t.DeadCount() >= t.maxDeadBuffs
}

// Free begins the two-phase free: it unchains rpc from bucket (caller must
// hold bucket's lock — this is what makes deletion safe, §9) and appends it
// to the dead list for later reclamation by Reap.
func (t *Table) Free(bucket *Bucket, rpc *Rpc) {
	bucket.Remove(rpc)
	rpc.State = Dead

	t.deadMu.Lock()
	rpc.deadNext = t.deadHead
	t.deadHead = rpc
	t.deadCount++
	t.deadMu.Unlock()
}

// Reap reclaims up to limit dead RPCs, unless reap is currently disabled by
// an in-flight reader. Returns the number actually reclaimed.
func (t *Table) Reap(limit int) int {
	if t.ReapDisabled() {
		return 0
	}
	t.deadMu.Lock()
	defer t.deadMu.Unlock()

	reaped := 0
	for t.deadHead != nil && reaped < limit {
		next := t.deadHead.deadNext
		t.deadHead.deadNext = nil
		t.deadHead = next
		reaped++
	}
	t.deadCount -= reaped
	return reaped
}

// ReapAll reclaims the entire dead list in one call, unless reap is
// currently disabled. Used by the socket drain path (Shutdown), where
// every RPC still live has just been freed and the whole dead list should
// go rather than trickle out over reap_limit-sized slices.
func (t *Table) ReapAll() int {
	return t.Reap(math.MaxInt32)
}
