// Package peer implements the per-destination peer table (§4.2): a
// routing handle, unscheduled-priority cutoffs, cutoff-version bookkeeping,
// and resend rate-limit state, held in a table that is append-only for the
// life of the process so that returned *Peer references may be retained
// indefinitely and read without any lock.
package peer

import (
	"hash/fnv"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// TableSize is the number of buckets in the peer table (§4.2: "2^20 buckets
// indexed by IP hash").
const TableSize = 1 << 20

// MaxPriorities bounds the unscheduled-cutoffs table (mirrors wire.MaxPriorities;
// kept independent to avoid an import cycle between peer and wire).
const MaxPriorities = 8

// RouteHandle is the routing reference the transport's external collaborator
// resolves (§1: IP routing is out of scope for the core). It is opaque to
// this package.
type RouteHandle any

// Resolver resolves a destination address into a routing handle. Supplied
// by the caller (the transport boundary, §6) so the peer table never
// touches the network stack directly.
type Resolver func(addr netip.Addr) (RouteHandle, error)

// Peer is a per-destination routing and negotiation handle. Once created it
// lives for the rest of the process: fields that change after creation
// (cutoffs, last-update bookkeeping, resend pacing) are guarded by mu so
// concurrent mutators don't race, but the *Peer pointer itself is safe to
// read and retain without any lock.
type Peer struct {
	Addr  netip.Addr
	Route RouteHandle

	mu                sync.Mutex
	unschedCutoffs    [MaxPriorities]uint32
	cutoffVersion     uint16
	lastUpdateJiffies int64
	lastResendTick    int64

	// resendLimiter gates RESEND emission to at most one per resend_interval
	// for this peer (§4.8: "time since last RESEND to this peer >=
	// resend_interval"). A token-bucket limiter with burst 1 is exactly
	// that check, expressed the way the teacher's rate-limiting middleware
	// already expresses request throttling.
	resendLimiter *rate.Limiter
}

func newPeer(addr netip.Addr, route RouteHandle, resendInterval time.Duration) *Peer {
	p := &Peer{
		Addr:          addr,
		Route:         route,
		resendLimiter: rate.NewLimiter(rate.Every(resendInterval), 1),
	}
	return p
}

// UnschedCutoffs returns a snapshot of the priority->max-message-size table.
func (p *Peer) UnschedCutoffs() [MaxPriorities]uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unschedCutoffs
}

// CutoffVersion returns the last cutoff_version applied to this peer.
func (p *Peer) CutoffVersion() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cutoffVersion
}

// ApplyCutoffs installs a newer cutoff table, e.g. on receipt of a CUTOFFS
// packet, or a local sysctl change if this Peer represents the local host's
// own negotiated view. Ignored if version is not newer (grants/DATA may
// arrive out of order).
func (p *Peer) ApplyCutoffs(cutoffs [MaxPriorities]uint32, version uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if version <= p.cutoffVersion && p.cutoffVersion != 0 {
		return false
	}
	p.unschedCutoffs = cutoffs
	p.cutoffVersion = version
	return true
}

// PriorityForSize returns the unscheduled priority to use for a message of
// the given total length, per the cutoff table (§4.6: "unscheduled packets
// use the receiver's unsched_cutoffs, keyed by message size").
func (p *Peer) PriorityForSize(size uint32) byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < MaxPriorities; i++ {
		if size <= p.unschedCutoffs[i] || p.unschedCutoffs[i] == 0 {
			return byte(i)
		}
	}
	return MaxPriorities - 1
}

// AllowResend reports whether enough time has passed since the last RESEND
// to this peer and, if so, records that a RESEND is about to be sent.
func (p *Peer) AllowResend(now time.Time) bool {
	return p.resendLimiter.AllowN(now, 1)
}

// LastResendTick returns the tick counter value recorded at the last RESEND.
func (p *Peer) LastResendTick() int64 {
	return atomic.LoadInt64(&p.lastResendTick)
}

// SetLastResendTick records the tick counter at which a RESEND was sent.
func (p *Peer) SetLastResendTick(tick int64) {
	atomic.StoreInt64(&p.lastResendTick, tick)
}

type node struct {
	peer *Peer
	next *node
}

// Table is the append-only, lock-free-read peer table of §4.2.
type Table struct {
	buckets        [TableSize]atomic.Pointer[node]
	writeMu        sync.Mutex
	resolve        Resolver
	resendInterval time.Duration
}

// NewTable creates an empty peer table. resendInterval seeds the
// per-peer resend rate limiter for every peer created through this table
// (mirrors the sysctl resend_interval tunable, §6).
func NewTable(resolve Resolver, resendInterval time.Duration) *Table {
	return &Table{resolve: resolve, resendInterval: resendInterval}
}

func bucketIndex(addr netip.Addr) uint32 {
	h := fnv.New32a()
	b := addr.As16()
	h.Write(b[:])
	return h.Sum32() & (TableSize - 1)
}

// Get returns the Peer for addr, resolving and inserting one if this is the
// first lookup. Lookups that hit an existing entry take no lock at all.
func (t *Table) Get(addr netip.Addr) (*Peer, error) {
	idx := bucketIndex(addr)
	if p := find(t.buckets[idx].Load(), addr); p != nil {
		return p, nil
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	// Re-check under the write lock: another goroutine may have inserted
	// this peer while we were waiting.
	head := t.buckets[idx].Load()
	if p := find(head, addr); p != nil {
		return p, nil
	}
	route, err := t.resolve(addr)
	if err != nil {
		return nil, err
	}
	p := newPeer(addr, route, t.resendInterval)
	t.buckets[idx].Store(&node{peer: p, next: head})
	return p, nil
}

func find(n *node, addr netip.Addr) *Peer {
	for n != nil {
		if n.peer.Addr == addr {
			return n.peer
		}
		n = n.next
	}
	return nil
}
