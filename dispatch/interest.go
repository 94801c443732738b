package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/homa-transport/homa/rpctab"
)

// Interest is a blocked receiver's registration on a socket's interest list
// (§4.9 "Receive interest matching"). It is filled via a single atomic
// store of the matching RPC id, published only after the dispatcher has
// finished touching the RPC's peer/port/is_client fields, so the waking
// goroutine can safely re-look-up and re-lock the RPC itself rather than
// receiving a raw pointer that might already be reaped.
type Interest struct {
	// SpecificID, if non-zero, restricts this interest to exactly one RPC
	// (a recv(id) call); otherwise WantRequest/WantResponse classify which
	// kind of ready RPC may satisfy it (AnyRequest/AnyResponse).
	SpecificID   uint64
	WantRequest  bool
	WantResponse bool

	rpcID atomic.Uint64
	once  sync.Once
	ready chan struct{}
}

// NewInterest creates an unfilled Interest.
func NewInterest(specificID uint64, wantRequest, wantResponse bool) *Interest {
	return &Interest{
		SpecificID:   specificID,
		WantRequest:  wantRequest,
		WantResponse: wantResponse,
		ready:        make(chan struct{}),
	}
}

// Matches reports whether rpc satisfies this interest's selection criteria.
func (in *Interest) Matches(rpc *rpctab.Rpc) bool {
	if in.SpecificID != 0 {
		return rpc.ID == in.SpecificID
	}
	if rpc.IsClient {
		return in.WantResponse
	}
	return in.WantRequest
}

// Fill publishes id as the match for this interest and wakes the blocked
// waiter. Safe to call at most meaningfully once; subsequent calls are
// no-ops (an interest is consumed by its first match).
func (in *Interest) Fill(id uint64) {
	in.once.Do(func() {
		in.rpcID.Store(id)
		close(in.ready)
	})
}

// Wait blocks until Fill is called or ctx is done. It returns the matched
// RPC id, or 0 if ctx expired first (the caller should then also remove
// itself from whichever interest list it registered on).
func (in *Interest) Wait(ctx context.Context) uint64 {
	select {
	case <-in.ready:
		return in.rpcID.Load()
	case <-ctx.Done():
		return 0
	}
}

// InterestList is a socket's set of currently-blocked receivers of one
// flavor (requests or responses), guarded by its own mutex per §5's
// "socket lock (per socket, for interest lists, ready lists...)".
type InterestList struct {
	mu    sync.Mutex
	items []*Interest
}

// Register adds in to the list.
func (l *InterestList) Register(in *Interest) {
	l.mu.Lock()
	l.items = append(l.items, in)
	l.mu.Unlock()
}

// Remove takes in off the list, e.g. after Wait returns via ctx
// cancellation. No-op if already matched and removed.
func (l *InterestList) Remove(in *Interest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, cur := range l.items {
		if cur == in {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return
		}
	}
}

// Broadcast wakes every currently registered interest with no match (id
// 0), signaling socket shutdown rather than a normal delivery (§5:
// "blocked receivers wake with error"), and clears the list.
func (l *InterestList) Broadcast() {
	l.mu.Lock()
	items := l.items
	l.items = nil
	l.mu.Unlock()
	for _, in := range items {
		in.Fill(0)
	}
}

// TakeMatch removes and returns the first registered interest that matches
// rpc, or nil if none is currently waiting.
func (l *InterestList) TakeMatch(rpc *rpctab.Rpc) *Interest {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, cur := range l.items {
		if cur.Matches(rpc) {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return cur
		}
	}
	return nil
}

// ReadyList is a socket's queue of RPC ids that reached Ready with no
// blocked receiver to claim them yet (ready_requests / ready_responses,
// §4.9).
type ReadyList struct {
	mu  sync.Mutex
	ids []uint64
}

// Push appends id to the tail of the ready queue.
func (r *ReadyList) Push(id uint64) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

// Pop removes and returns the head of the ready queue, or (0, false) if empty.
func (r *ReadyList) Pop() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ids) == 0 {
		return 0, false
	}
	id := r.ids[0]
	r.ids = r.ids[1:]
	return id, true
}

// Remove drops id from the ready queue if present (e.g. a specific-id recv
// claims it directly, bypassing FIFO order).
func (r *ReadyList) Remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.ids {
		if cur == id {
			r.ids = append(r.ids[:i], r.ids[i+1:]...)
			return true
		}
	}
	return false
}

// Socket is the view of a socket that dispatch needs: its RPC table, and
// the interest/ready-list machinery that lets an arriving Ready RPC find
// (or wait for) a receiver. Implemented by the homa package's Socket type;
// kept as an interface here so this package never imports homa (which
// imports dispatch), avoiding a cycle.
type Socket interface {
	Port() uint16
	Table() *rpctab.Table
	Requests() *ReadyRegistry
	Responses() *ReadyRegistry
}

// ReadyRegistry bundles one InterestList and one ReadyList for a single
// message class (requests or responses) — a socket has one of these per
// class, and Socket.Requests()/Responses() each expose it.
type ReadyRegistry struct {
	Interests *InterestList
	Ready     *ReadyList
}

// Deliver routes a newly-Ready rpc to a waiting interest if one matches,
// filling it; otherwise it is appended to reg's ready list for a future
// recv() to pick up (§4.9).
func (reg *ReadyRegistry) Deliver(rpc *rpctab.Rpc) {
	if in := reg.Interests.TakeMatch(rpc); in != nil {
		in.Fill(rpc.ID)
		return
	}
	reg.Ready.Push(rpc.ID)
}
