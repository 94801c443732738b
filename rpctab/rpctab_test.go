package rpctab

import "testing"

func TestBucketInsertFindRemove(t *testing.T) {
	tb := NewTable(10)
	bucket := tb.Bucket(42, true)
	bucket.Lock()
	defer bucket.Unlock()

	if bucket.Find(42) != nil {
		t.Fatalf("expected no rpc before insert")
	}
	rpc := &Rpc{ID: 42, IsClient: true}
	bucket.Insert(rpc)
	if bucket.Find(42) != rpc {
		t.Fatalf("expected to find inserted rpc")
	}
	bucket.Remove(rpc)
	if bucket.Find(42) != nil {
		t.Fatalf("expected rpc gone after remove")
	}
}

func TestClientAndServerTablesAreIndependent(t *testing.T) {
	tb := NewTable(10)
	client := &Rpc{ID: 7, IsClient: true}
	server := &Rpc{ID: 7, IsClient: false}

	cb := tb.Bucket(7, true)
	cb.Lock()
	cb.Insert(client)
	cb.Unlock()

	sb := tb.Bucket(7, false)
	sb.Lock()
	sb.Insert(server)
	sb.Unlock()

	cb.Lock()
	if cb.Find(7) != client {
		t.Fatalf("client table corrupted by server insert of same id")
	}
	cb.Unlock()
	sb.Lock()
	if sb.Find(7) != server {
		t.Fatalf("server table corrupted by client insert of same id")
	}
	sb.Unlock()
}

func TestFreeAndReap(t *testing.T) {
	tb := NewTable(2)
	bucket := tb.Bucket(1, true)
	rpc := &Rpc{ID: 1, IsClient: true}
	bucket.Lock()
	bucket.Insert(rpc)
	tb.Free(bucket, rpc)
	bucket.Unlock()

	if rpc.State != Dead {
		t.Fatalf("expected Free to mark rpc Dead")
	}
	if tb.DeadCount() != 1 {
		t.Fatalf("DeadCount = %d, want 1", tb.DeadCount())
	}
	bucket.Lock()
	if bucket.Find(1) != nil {
		t.Fatalf("expected rpc removed from bucket after Free")
	}
	bucket.Unlock()

	reaped := tb.Reap(10)
	if reaped != 1 {
		t.Fatalf("Reap returned %d, want 1", reaped)
	}
	if tb.DeadCount() != 0 {
		t.Fatalf("DeadCount after Reap = %d, want 0", tb.DeadCount())
	}
}

func TestReapDisabledBlocksReclamation(t *testing.T) {
	tb := NewTable(2)
	bucket := tb.Bucket(1, true)
	rpc := &Rpc{ID: 1, IsClient: true}
	bucket.Lock()
	bucket.Insert(rpc)
	tb.Free(bucket, rpc)
	bucket.Unlock()

	tb.IncReapDisable()
	if reaped := tb.Reap(10); reaped != 0 {
		t.Fatalf("Reap should be disabled, got %d reclaimed", reaped)
	}
	tb.DecReapDisable()
	if reaped := tb.Reap(10); reaped != 1 {
		t.Fatalf("Reap should proceed once re-enabled, got %d", reaped)
	}
}

func TestShouldReapAggressively(t *testing.T) {
	tb := NewTable(2)
	for i := uint64(0); i < 2; i++ {
		bucket := tb.Bucket(i, true)
		rpc := &Rpc{ID: i, IsClient: true}
		bucket.Lock()
		bucket.Insert(rpc)
		tb.Free(bucket, rpc)
		bucket.Unlock()
	}
	if !tb.ShouldReapAggressively() {
		t.Fatalf("expected aggressive reaping once dead count reaches max_dead_buffs")
	}
}
