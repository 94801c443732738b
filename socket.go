package homa

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/homa-transport/homa/dispatch"
	"github.com/homa-transport/homa/msg"
	"github.com/homa-transport/homa/rpctab"
)

// RecvFlags selects which class(es) of ready RPC a recv() call accepts, and
// whether it blocks (§6).
type RecvFlags uint8

const (
	AnyRequest RecvFlags = 1 << iota
	AnyResponse
	NonBlocking
)

var (
	// ErrWouldBlock is returned by Recv when NonBlocking is set and nothing
	// is ready.
	ErrWouldBlock = errors.New("homa: recv would block")
	// ErrNotInService is returned by Reply when id does not name an RPC
	// currently in InService on this socket (§3 invariant on reply).
	ErrNotInService = errors.New("homa: reply: rpc is not in service")
	// ErrUnknownRPC is returned when an operation names an id this socket
	// has no record of.
	ErrUnknownRPC = errors.New("homa: unknown rpc id")
	// ErrShutdown is returned by any operation attempted after Shutdown.
	ErrShutdown = errors.New("homa: socket is shut down")
)

// Socket is one bound endpoint (§4.2): a port, its own client/server RPC
// table, and the ready/interest machinery recv() waits on. It implements
// dispatch.Socket so the Dispatcher can route inbound packets to it
// without importing this package.
type Socket struct {
	global *Global
	port   uint16
	table  *rpctab.Table

	requests  dispatch.ReadyRegistry
	responses dispatch.ReadyRegistry

	nextOutgoingID atomic.Uint64
	shutdown       atomic.Bool
}

func newSocket(g *Global, port uint16) *Socket {
	t := g.Tunables()
	s := &Socket{
		global: g,
		port:   port,
		table:  rpctab.NewTable(t.MaxDeadBuffs),
		requests: dispatch.ReadyRegistry{
			Interests: &dispatch.InterestList{},
			Ready:     &dispatch.ReadyList{},
		},
		responses: dispatch.ReadyRegistry{
			Interests: &dispatch.InterestList{},
			Ready:     &dispatch.ReadyList{},
		},
	}
	s.nextOutgoingID.Store(1)
	return s
}

// Port implements dispatch.Socket.
func (s *Socket) Port() uint16 { return s.port }

// Table implements dispatch.Socket.
func (s *Socket) Table() *rpctab.Table { return s.table }

// Requests implements dispatch.Socket.
func (s *Socket) Requests() *dispatch.ReadyRegistry { return &s.requests }

// Responses implements dispatch.Socket.
func (s *Socket) Responses() *dispatch.ReadyRegistry { return &s.responses }

// SendRequest implements send_request(peer, buf) -> id (§6): it resolves
// addr to a Peer, assembles buf into a fresh outbound message, registers a
// new client RPC in Outgoing state, and hands it to the pacer.
func (s *Socket) SendRequest(addr netip.Addr, dport uint16, buf []byte) (uint64, error) {
	if s.shutdown.Load() {
		return 0, ErrShutdown
	}

	p, err := s.global.peers.Get(addr)
	if err != nil {
		return 0, fmt.Errorf("homa: send_request: resolving peer: %w", err)
	}

	t := s.global.Tunables()
	out, err := msg.AssembleOutbound(buf, s.global.mtu, s.global.deviceGSOMax, t.MaxGSOSize, t.RTTBytes)
	if err != nil {
		return 0, fmt.Errorf("homa: send_request: assembling message: %w", err)
	}

	id := s.nextOutgoingID.Add(1)
	rpc := &rpctab.Rpc{
		ID:        id,
		IsClient:  true,
		Peer:      p,
		DPort:     dport,
		LocalPort: s.port,
		State:     rpctab.Outgoing,
		MsgOut:    out,
		Table:     s.table,
	}

	bucket := s.table.Bucket(id, true)
	bucket.Lock()
	bucket.Insert(rpc)
	bucket.Unlock()

	s.global.pacerLoop.Insert(rpc)
	return id, nil
}

// Reply implements reply(id, buf) (§6): valid only while id names a
// server RPC in InService on this socket. It assembles buf as that RPC's
// response message and transitions it to Outgoing for the pacer to drain.
func (s *Socket) Reply(id uint64, buf []byte) error {
	if s.shutdown.Load() {
		return ErrShutdown
	}

	bucket := s.table.Bucket(id, false)
	bucket.Lock()
	rpc := bucket.Find(id)
	if rpc == nil {
		bucket.Unlock()
		return ErrUnknownRPC
	}
	if rpc.State != rpctab.InService {
		bucket.Unlock()
		return ErrNotInService
	}

	t := s.global.Tunables()
	out, err := msg.AssembleOutbound(buf, s.global.mtu, s.global.deviceGSOMax, t.MaxGSOSize, t.RTTBytes)
	if err != nil {
		bucket.Unlock()
		return fmt.Errorf("homa: reply: assembling message: %w", err)
	}
	rpc.MsgOut = out
	rpc.State = rpctab.Outgoing
	bucket.Unlock()

	s.global.pacerLoop.Insert(rpc)
	return nil
}

// Recv implements recv(flags, id?) -> (buf, id, peer) (§6): it claims a
// Ready RPC matching flags (or the specific id, if nonzero), copying its
// message out from under the bucket lock via the reap-disable counter
// (§4.3, §9) rather than holding the lock across the copy.
func (s *Socket) Recv(ctx context.Context, flags RecvFlags, specificID uint64) (buf []byte, id uint64, from netip.Addr, err error) {
	if s.shutdown.Load() {
		return nil, 0, netip.Addr{}, ErrShutdown
	}

	if specificID != 0 {
		return s.recvSpecific(ctx, specificID, flags&NonBlocking != 0)
	}

	registries := s.selectedRegistries(flags)
	if len(registries) == 0 {
		return nil, 0, netip.Addr{}, errors.New("homa: recv: flags must include AnyRequest or AnyResponse")
	}

	for _, reg := range registries {
		if rid, ok := reg.Ready.Pop(); ok {
			buf, from, claimErr, found := s.tryClaim(rid, reg.isClient())
			if !found {
				continue
			}
			return buf, rid, from, claimErr
		}
	}

	if flags&NonBlocking != 0 {
		return nil, 0, netip.Addr{}, ErrWouldBlock
	}

	in := dispatch.NewInterest(0, flags&AnyRequest != 0, flags&AnyResponse != 0)
	for _, reg := range registries {
		reg.Interests.Register(in)
	}
	rid := in.Wait(ctx)
	for _, reg := range registries {
		reg.Interests.Remove(in)
	}
	if rid == 0 {
		if ctx.Err() != nil {
			return nil, 0, netip.Addr{}, ctx.Err()
		}
		return nil, 0, netip.Addr{}, ErrShutdown
	}
	// The filled id may be a request or a response; re-discover which
	// table it lives in rather than trusting the registry it arrived on,
	// since both registries were waited on together.
	buf, from, claimErr, found := s.claimEither(rid)
	if !found {
		return nil, 0, netip.Addr{}, ErrUnknownRPC
	}
	return buf, rid, from, claimErr
}

func (s *Socket) recvSpecific(ctx context.Context, id uint64, nonBlocking bool) ([]byte, uint64, netip.Addr, error) {
	if buf, from, claimErr, found := s.claimEither(id); found {
		return buf, id, from, claimErr
	}
	if nonBlocking {
		return nil, 0, netip.Addr{}, ErrWouldBlock
	}

	in := dispatch.NewInterest(id, false, false)
	s.requests.Interests.Register(in)
	s.responses.Interests.Register(in)
	rid := in.Wait(ctx)
	s.requests.Interests.Remove(in)
	s.responses.Interests.Remove(in)
	if rid == 0 {
		if ctx.Err() != nil {
			return nil, 0, netip.Addr{}, ctx.Err()
		}
		return nil, 0, netip.Addr{}, ErrShutdown
	}
	return s.claimEither(rid)
}

type registryView struct {
	*dispatch.ReadyRegistry
	client bool
}

func (r registryView) isClient() bool { return r.client }

func (s *Socket) selectedRegistries(flags RecvFlags) []registryView {
	var out []registryView
	if flags&AnyRequest != 0 {
		out = append(out, registryView{&s.requests, false})
	}
	if flags&AnyResponse != 0 {
		out = append(out, registryView{&s.responses, true})
	}
	return out
}

// claimEither tries both tables for id, since a woken general Wait()
// doesn't know in advance which one matched. found reports whether id was
// located in either table at all; claimErr (only meaningful when found) is
// the RPC's recorded abort error, if any.
func (s *Socket) claimEither(id uint64) (buf []byte, from netip.Addr, claimErr error, found bool) {
	if buf, from, claimErr, found := s.tryClaim(id, true); found {
		return buf, from, claimErr, true
	}
	return s.tryClaim(id, false)
}

// tryClaim implements §4.3/§9's "copy outside the lock" discipline: find
// the RPC and raise reap_disable under the bucket lock, release the lock,
// copy its message data with reap still disabled, then re-lock to perform
// the state transition (Free for a completed client RPC; InService for a
// newly claimed server RPC) before finally lowering reap_disable. found is
// false only when id names no Ready RPC in this table at all; an aborted
// client RPC is still found, with claimErr set and no data copied.
func (s *Socket) tryClaim(id uint64, isClient bool) (buf []byte, from netip.Addr, claimErr error, found bool) {
	bucket := s.table.Bucket(id, isClient)
	bucket.Lock()
	rpc := bucket.Find(id)
	if rpc == nil || rpc.State != rpctab.Ready {
		bucket.Unlock()
		return nil, netip.Addr{}, nil, false
	}
	if rpc.Err != nil {
		claimErr = rpc.Err
		s.table.Free(bucket, rpc)
		bucket.Unlock()
		return nil, netip.Addr{}, claimErr, true
	}
	s.table.IncReapDisable()
	bucket.Unlock()

	var data []byte
	var addr netip.Addr
	if rpc.MsgIn != nil {
		data = append([]byte(nil), rpc.MsgIn.Data()...)
	}
	if rpc.Peer != nil {
		addr = rpc.Peer.Addr
	}

	bucket.Lock()
	if isClient {
		s.global.scheduler.Remove(rpc)
		s.global.pacerLoop.Remove(rpc)
		s.table.Free(bucket, rpc)
	} else {
		rpc.State = rpctab.InService
	}
	bucket.Unlock()
	s.table.DecReapDisable()

	return data, addr, nil, true
}

// Shutdown implements shutdown(socket) (§6, §5): marks the socket shut
// down, wakes every blocked receiver with ErrShutdown, aborts every
// in-flight RPC by transitioning it to Dead, and unregisters the socket's
// port so no further inbound packets reach it.
func (s *Socket) Shutdown() error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	s.global.sockets.Remove(s.port)
	s.global.pacerLoop.RemoveAllForTable(s.table)

	s.requests.Interests.Broadcast()
	s.responses.Interests.Broadcast()

	killEveryRpcIn(s.table, s.global)
	return nil
}

// Abort implements abort(peer, error) (§6): a broadcast that tears down
// every RPC addressed to peerAddr on this socket, recording cause on each
// client RPC's Err so a pending recv() wakes with it.
func (s *Socket) Abort(peerAddr netip.Addr, cause error) error {
	var wake []*rpctab.Rpc

	for _, isClient := range [2]bool{true, false} {
		for i := 0; i < rpctab.NumBuckets; i++ {
			bucket := s.table.Bucket(uint64(i), isClient)
			bucket.Lock()
			var matched []uint64
			bucket.Each(func(rpc *rpctab.Rpc) {
				if rpc.Peer != nil && rpc.Peer.Addr == peerAddr {
					matched = append(matched, rpc.ID)
				}
			})
			for _, id := range matched {
				rpc := bucket.Find(id)
				if rpc == nil {
					continue
				}
				s.global.scheduler.Remove(rpc)
				s.global.pacerLoop.Remove(rpc)
				if rpc.IsClient {
					rpc.Err = cause
					rpc.State = rpctab.Ready
					wake = append(wake, rpc)
				} else {
					s.table.Free(bucket, rpc)
				}
			}
			bucket.Unlock()
		}
	}

	// Deliver runs only after every bucket lock from the walk above has
	// been released, per §5's lock hierarchy (socket-lock-tier operations
	// never nest under a bucket lock).
	for _, rpc := range wake {
		s.responses.Deliver(rpc)
	}
	return nil
}

// killEveryRpcIn walks every bucket of table and frees every RPC still
// live, used by Shutdown to release resources without waiting for reap.
func killEveryRpcIn(table *rpctab.Table, g *Global) {
	for _, isClient := range [2]bool{true, false} {
		for i := 0; i < rpctab.NumBuckets; i++ {
			bucket := table.Bucket(uint64(i), isClient)
			bucket.Lock()
			var ids []uint64
			bucket.Each(func(rpc *rpctab.Rpc) { ids = append(ids, rpc.ID) })
			for _, id := range ids {
				rpc := bucket.Find(id)
				if rpc == nil {
					continue
				}
				g.scheduler.Remove(rpc)
				g.pacerLoop.Remove(rpc)
				table.Free(bucket, rpc)
			}
			bucket.Unlock()
		}
	}
	table.ReapAll()
}
