// Package grant implements the SRPT grant scheduler (§4.6): it keeps
// grantable RPCs sorted by bytes_remaining ascending, grants to at most
// max_overcommit of them at a time, and assigns each a scheduled priority
// by its position in that order.
package grant

import (
	"sync"

	"github.com/homa-transport/homa/rpctab"
	"go.uber.org/zap"
)

// Emit sends a GRANT for rpc authorizing bytes up to offset at the given
// priority. Supplied by the caller (the dispatch/netsink boundary) so this
// package never touches the wire directly.
type Emit func(rpc *rpctab.Rpc, offset uint32, priority byte) error

// GrantsCounter is satisfied by metrics.Collectors; kept as a narrow
// interface here to avoid an import of the metrics package (and its
// prometheus dependency) from this core scheduling logic.
type GrantsCounter interface {
	Inc()
}

// Gauge is satisfied by a prometheus.Gauge.
type Gauge interface {
	Set(float64)
}

// Scheduler is the grantable-RPC list plus the grant-emission policy of
// §4.6. All list mutation happens under mu (grantable_lock), acquired only
// for short critical sections — network emission happens after release.
type Scheduler struct {
	mu    sync.Mutex
	head  *rpctab.Rpc
	count int

	maxOvercommit  int
	grantIncrement uint32
	maxSchedPrio   int

	emit    Emit
	log     *zap.SugaredLogger
	grants  GrantsCounter
	gauge   Gauge
}

// Config bundles the sysctl-tunables Scheduler needs (§6).
type Config struct {
	MaxOvercommit  int
	GrantIncrement uint32
	MaxSchedPrio   int
}

// New creates a Scheduler. grants and gauge may be nil (metrics are optional).
func New(cfg Config, emit Emit, log *zap.Logger, grants GrantsCounter, gauge Gauge) *Scheduler {
	return &Scheduler{
		maxOvercommit:  cfg.MaxOvercommit,
		grantIncrement: cfg.GrantIncrement,
		maxSchedPrio:   cfg.MaxSchedPrio,
		emit:           emit,
		log:            log.Sugar(),
		grants:         grants,
		gauge:          gauge,
	}
}

// Count returns the current size of the grantable list (num_grantable).
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// remove unlinks rpc from the grantable list. Caller must hold mu.
func (s *Scheduler) remove(rpc *rpctab.Rpc) {
	if !rpc.OnGrantable {
		return
	}
	if rpc.GrantablePrev != nil {
		rpc.GrantablePrev.GrantableNext = rpc.GrantableNext
	} else {
		s.head = rpc.GrantableNext
	}
	if rpc.GrantableNext != nil {
		rpc.GrantableNext.GrantablePrev = rpc.GrantablePrev
	}
	rpc.GrantableNext = nil
	rpc.GrantablePrev = nil
	rpc.OnGrantable = false
	s.count--
}

// insertSorted inserts rpc in bytes_remaining-ascending order, after any
// existing entries of equal remaining bytes (so ties resolve in insertion
// order, per §4.6 step 1). Caller must hold mu.
func (s *Scheduler) insertSorted(rpc *rpctab.Rpc) {
	remaining := rpc.MsgIn.BytesRemaining()
	var prev *rpctab.Rpc
	cur := s.head
	for cur != nil && cur.MsgIn.BytesRemaining() <= remaining {
		prev = cur
		cur = cur.GrantableNext
	}
	rpc.GrantablePrev = prev
	rpc.GrantableNext = cur
	if prev != nil {
		prev.GrantableNext = rpc
	} else {
		s.head = rpc
	}
	if cur != nil {
		cur.GrantablePrev = rpc
	}
	rpc.OnGrantable = true
	s.count++
}

// Remove takes rpc off the grantable list unconditionally, e.g. when it is
// freed or aborted.
func (s *Scheduler) Remove(rpc *rpctab.Rpc) {
	s.mu.Lock()
	s.remove(rpc)
	s.mu.Unlock()
}

type pendingGrant struct {
	rpc      *rpctab.Rpc
	offset   uint32
	priority byte
}

// Update re-evaluates rpc's grantable-list membership and position after
// its msgin has made progress, then walks the top max_overcommit entries
// and emits any grants they're due (§4.6 algorithm, steps 1-5).
//
// Call this after a DATA packet updates an RPC's msgin and after the
// caller has dropped the owning bucket lock — grantable_lock is acquired
// only here, never nested under a bucket lock (§5 lock hierarchy).
func (s *Scheduler) Update(rpc *rpctab.Rpc) {
	var pending []pendingGrant

	s.mu.Lock()
	grantable := rpc.MsgIn != nil && rpc.MsgIn.Scheduled() && rpc.MsgIn.BytesRemaining() > 0
	if rpc.OnGrantable {
		s.remove(rpc)
	}
	if grantable {
		s.insertSorted(rpc)
	}

	pos := 0
	for cur := s.head; cur != nil && pos < s.maxOvercommit; cur = cur.GrantableNext {
		priority := s.maxSchedPrio - pos
		if priority < 0 {
			priority = 0
		}
		received := cur.MsgIn.BytesReceived()
		incoming := cur.MsgIn.Incoming()
		if received >= incoming || incoming-received < s.grantIncrement {
			offset := received + s.grantIncrement
			if total := cur.MsgIn.TotalLength(); offset > total {
				offset = total
			}
			if offset > incoming {
				cur.MsgIn.SetIncoming(offset)
				pending = append(pending, pendingGrant{rpc: cur, offset: offset, priority: byte(priority)})
			}
		}
		pos++
	}
	count := s.count
	s.mu.Unlock()

	if s.gauge != nil {
		s.gauge.Set(float64(count))
	}

	for _, g := range pending {
		if err := s.emit(g.rpc, g.offset, g.priority); err != nil {
			s.log.Warnw("grant: failed to emit GRANT", "rpc_id", g.rpc.ID, "offset", g.offset, "error", err)
			continue
		}
		if s.grants != nil {
			s.grants.Inc()
		}
	}
}
