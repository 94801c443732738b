package grant

import (
	"testing"

	"github.com/homa-transport/homa/msg"
	"github.com/homa-transport/homa/rpctab"
	"go.uber.org/zap"
)

type grantRecord struct {
	id       uint64
	offset   uint32
	priority byte
}

func newTestScheduler(t *testing.T, records *[]grantRecord) *Scheduler {
	t.Helper()
	emit := func(rpc *rpctab.Rpc, offset uint32, priority byte) error {
		*records = append(*records, grantRecord{rpc.ID, offset, priority})
		return nil
	}
	return New(Config{MaxOvercommit: 4, GrantIncrement: 10000, MaxSchedPrio: 6}, emit, zap.NewNop(), nil, nil)
}

func newScheduledRpc(id uint64, totalLength, unscheduled uint32) *rpctab.Rpc {
	return &rpctab.Rpc{
		ID:    id,
		MsgIn: msg.NewMessageIn(totalLength, unscheduled),
	}
}

func TestSchedulerGrantsLargeMessage(t *testing.T) {
	var records []grantRecord
	s := newTestScheduler(t, &records)

	rpc := newScheduledRpc(1, 1000000, 60000)
	// Fresh RPC: incoming=unscheduled=60000, received=0, diff=60000 >=
	// grant_increment, so the receiver has plenty of unscheduled budget
	// left and must not grant yet.
	s.Update(rpc)
	if len(records) != 0 {
		t.Fatalf("got %+v, want no grant while the unscheduled window isn't exhausted", records)
	}

	// Sender has now consumed enough of the unscheduled window that
	// incoming-received < grant_increment: a grant must follow.
	rpc.MsgIn.Insert(0, make([]byte, 55000))
	s.Update(rpc)
	if len(records) != 1 || records[0].offset != 65000 {
		t.Fatalf("got %+v, want a single grant to 65000", records)
	}

	// Sender reaches the newly granted horizon: another grant follows.
	rpc.MsgIn.Insert(55000, make([]byte, 10000))
	s.Update(rpc)
	if len(records) != 2 || records[1].offset != 75000 {
		t.Fatalf("got %+v, want second grant to 75000", records)
	}
}

func TestSchedulerOvercommitCap(t *testing.T) {
	var records []grantRecord
	s := newTestScheduler(t, &records)

	rpcs := make([]*rpctab.Rpc, 8)
	for i := range rpcs {
		rpcs[i] = newScheduledRpc(uint64(i), 500000, 60000)
		// Each has already consumed enough of its unscheduled window to
		// be due for a grant, so the overcommit cap is what limits how
		// many are actually granted.
		rpcs[i].MsgIn.Insert(0, make([]byte, 55000))
		s.Update(rpcs[i])
	}
	if s.Count() != 8 {
		t.Fatalf("grantable count = %d, want 8", s.Count())
	}
	// Only the top 4 (max_overcommit) should have received a grant.
	if len(records) != 4 {
		t.Fatalf("got %d grants, want 4 (overcommit cap)", len(records))
	}
}

func TestSchedulerSRPTOrdering(t *testing.T) {
	var records []grantRecord
	s := newTestScheduler(t, &records)

	big := newScheduledRpc(1, 900000, 60000)
	small := newScheduledRpc(2, 100000, 60000)
	s.Update(big)
	s.Update(small)

	// small has fewer bytes_remaining, so it must be ahead of big in the
	// list (head-first == smallest remaining first).
	if s.head.ID != small.ID {
		t.Fatalf("head = %d, want smallest-remaining rpc (%d)", s.head.ID, small.ID)
	}
}

func TestSchedulerNeverListsUnscheduledOnlyRpc(t *testing.T) {
	var records []grantRecord
	s := newTestScheduler(t, &records)

	rpc := newScheduledRpc(1, 60000, 60000) // fits entirely in the unscheduled window
	s.Update(rpc)
	if s.Count() != 0 {
		t.Fatalf("an unscheduled-only message must never enter the grantable list")
	}
}

func TestSchedulerGrantMonotonicAcrossUpdates(t *testing.T) {
	var records []grantRecord
	s := newTestScheduler(t, &records)
	rpc := newScheduledRpc(1, 2000000, 60000)

	last := uint32(0)
	for i := 0; i < 20; i++ {
		rpc.MsgIn.Insert(uint32(i)*10000, make([]byte, 10000))
		s.Update(rpc)
	}
	for _, r := range records {
		if r.offset <= last {
			t.Fatalf("grant offsets not strictly increasing: %d after %d", r.offset, last)
		}
		last = r.offset
	}
}
