package pacer

import (
	"testing"

	"github.com/homa-transport/homa/msg"
	"github.com/homa-transport/homa/rpctab"
	"go.uber.org/zap"
)

type fakeBuckets struct {
	table *rpctab.Table
}

func (f *fakeBuckets) BucketFor(rpc *rpctab.Rpc) *rpctab.Bucket {
	return f.table.Bucket(rpc.ID, rpc.IsClient)
}

type fakeTransmitter struct {
	sendsPerCall map[uint64]int
	calls        []uint64
}

// SendNext marks the RPC's next sendable outbound buffer as sent, reporting
// drained once nothing remains.
func (f *fakeTransmitter) SendNext(rpc *rpctab.Rpc, force bool) (sent bool, drained bool, err error) {
	f.calls = append(f.calls, rpc.ID)
	remaining := rpc.MsgOut.BytesRemaining()
	if remaining == 0 {
		return false, true, nil
	}
	chunk := uint32(1000)
	if chunk > remaining {
		chunk = remaining
	}
	buf := rpc.MsgOut.NextSendable()
	if buf != nil {
		rpc.MsgOut.MarkSent(buf)
	}
	f.sendsPerCall[rpc.ID]++
	return true, rpc.MsgOut.BytesRemaining() == 0, nil
}

func newOutboundRpc(t *testing.T, id uint64, isClient bool, length int) *rpctab.Rpc {
	t.Helper()
	data := make([]byte, length)
	out, err := msg.AssembleOutbound(data, 1500, 1500, 1500, 60000)
	if err != nil {
		t.Fatalf("AssembleOutbound: %v", err)
	}
	out.SetGranted(out.Length())
	return &rpctab.Rpc{ID: id, IsClient: isClient, MsgOut: out}
}

func TestPacerInsertOrdersByRemainingBytes(t *testing.T) {
	p := New(NewEstimator(1000, 1_000_000), 0, &fakeTransmitter{sendsPerCall: map[uint64]int{}}, &fakeBuckets{table: rpctab.NewTable(100)}, nil, nil, nil, zap.NewNop())

	small := newOutboundRpc(t, 1, true, 2000)
	big := newOutboundRpc(t, 2, true, 20000)

	p.Insert(big)
	p.Insert(small)

	p.mu.Lock()
	head := p.head
	p.mu.Unlock()
	if head.ID != small.ID {
		t.Fatalf("head = %d, want smallest-remaining rpc (%d)", head.ID, small.ID)
	}
}

func TestPacerRemoveUnlinks(t *testing.T) {
	p := New(NewEstimator(1000, 1_000_000), 0, &fakeTransmitter{sendsPerCall: map[uint64]int{}}, &fakeBuckets{table: rpctab.NewTable(100)}, nil, nil, nil, zap.NewNop())
	rpc := newOutboundRpc(t, 1, true, 2000)
	p.Insert(rpc)
	if p.IsEmpty() {
		t.Fatalf("expected non-empty list after Insert")
	}
	p.Remove(rpc)
	if !p.IsEmpty() {
		t.Fatalf("expected empty list after Remove")
	}
}

func TestPacerRunOnceDrainsAndFreesServerRpc(t *testing.T) {
	table := rpctab.NewTable(100)
	var freed *rpctab.Rpc
	tx := &fakeTransmitter{sendsPerCall: map[uint64]int{}}
	p := New(NewEstimator(1000, 1_000_000), 0, tx, &fakeBuckets{table: table}, func(rpc *rpctab.Rpc) { freed = rpc }, nil, nil, zap.NewNop())

	rpc := newOutboundRpc(t, 1, false, 500) // single segment, server RPC
	p.Insert(rpc)

	p.runOnce()

	if !p.IsEmpty() {
		t.Fatalf("expected rpc removed from throttled list after draining")
	}
	if freed == nil || freed.ID != rpc.ID {
		t.Fatalf("expected freeServer called for drained server rpc")
	}
}

func TestPacerRunOnceSkipsBusyBucket(t *testing.T) {
	table := rpctab.NewTable(100)
	tx := &fakeTransmitter{sendsPerCall: map[uint64]int{}}
	skipped := &countingCounter{}
	p := New(NewEstimator(1000, 1_000_000), 0, tx, &fakeBuckets{table: table}, nil, skipped, nil, zap.NewNop())

	rpc := newOutboundRpc(t, 1, true, 5000)
	p.Insert(rpc)

	bucket := table.Bucket(rpc.ID, rpc.IsClient)
	bucket.Lock()
	p.runOnce()
	bucket.Unlock()

	if len(tx.calls) != 0 {
		t.Fatalf("transmitter should not have been called while bucket was held")
	}
	if skipped.n != 1 {
		t.Fatalf("skipped counter = %d, want 1", skipped.n)
	}
}

type countingCounter struct{ n int }

func (c *countingCounter) Inc() { c.n++ }
