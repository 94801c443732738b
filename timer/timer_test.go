package timer

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/homa-transport/homa/msg"
	"github.com/homa-transport/homa/peer"
	"github.com/homa-transport/homa/rpctab"
	"go.uber.org/zap"
)

type resendCall struct {
	id          uint64
	start, end  uint32
	priority    byte
}

func newTestPeer(t *testing.T) *peer.Peer {
	t.Helper()
	table := peer.NewTable(func(netip.Addr) (peer.RouteHandle, error) { return nil, nil }, time.Millisecond)
	p, err := table.Get(netip.MustParseAddr("10.0.0.1"))
	if err != nil {
		t.Fatalf("peer.Get: %v", err)
	}
	return p
}

func newTimer(calls *[]resendCall, restarted *[]uint64) *Timer {
	resend := func(rpc *rpctab.Rpc, start, end uint32, priority byte) error {
		*calls = append(*calls, resendCall{rpc.ID, start, end, priority})
		return nil
	}
	restart := func(rpc *rpctab.Rpc) error {
		*restarted = append(*restarted, rpc.ID)
		return nil
	}
	return New(Config{ResendTicks: 2, ResendIntervalMs: 1, AbortResends: 3}, resend, restart, nil, nil, zap.NewNop())
}

func TestTimerEmitsResendAfterSilence(t *testing.T) {
	var calls []resendCall
	var restarted []uint64
	tm := newTimer(&calls, &restarted)

	table := rpctab.NewTable(100)
	rpc := &rpctab.Rpc{ID: 1, State: rpctab.Incoming, Peer: newTestPeer(t), MsgIn: msg.NewMessageIn(100000, 60000)}
	table.Bucket(rpc.ID, false).Insert(rpc)

	now := time.Now()
	tm.Sweep(table, false, now)
	if len(calls) != 0 {
		t.Fatalf("expected no RESEND before resend_ticks reached, got %+v", calls)
	}
	tm.Sweep(table, false, now.Add(time.Millisecond))
	if len(calls) != 1 {
		t.Fatalf("expected one RESEND, got %+v", calls)
	}
	if calls[0].start != 0 || calls[0].end != 60000 {
		t.Fatalf("unexpected resend range %+v", calls[0])
	}
}

func TestTimerResetsOnActivity(t *testing.T) {
	var calls []resendCall
	var restarted []uint64
	tm := newTimer(&calls, &restarted)

	table := rpctab.NewTable(100)
	rpc := &rpctab.Rpc{ID: 1, State: rpctab.Incoming, Peer: newTestPeer(t), MsgIn: msg.NewMessageIn(100000, 60000)}
	table.Bucket(rpc.ID, false).Insert(rpc)

	now := time.Now()
	tm.Sweep(table, false, now)
	NoteActivity(rpc)
	tm.Sweep(table, false, now.Add(time.Millisecond))
	if len(calls) != 0 {
		t.Fatalf("activity should have reset the silent counter, got %+v", calls)
	}
}

func TestTimerAbortsClientAfterMaxResends(t *testing.T) {
	var calls []resendCall
	var restarted []uint64
	tm := newTimer(&calls, &restarted)

	table := rpctab.NewTable(100)
	rpc := &rpctab.Rpc{ID: 1, IsClient: true, State: rpctab.Outgoing, Peer: newTestPeer(t)}
	table.Bucket(rpc.ID, true).Insert(rpc)

	now := time.Now()
	for i := 0; i < 10 && rpc.State != rpctab.Ready; i++ {
		tm.Sweep(table, true, now)
		now = now.Add(time.Second)
	}
	if rpc.State != rpctab.Ready {
		t.Fatalf("expected client rpc to abort into Ready, got %v", rpc.State)
	}
	if !errors.Is(rpc.Err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", rpc.Err)
	}
}

func TestTimerIgnoresReadyRpcs(t *testing.T) {
	var calls []resendCall
	var restarted []uint64
	tm := newTimer(&calls, &restarted)

	table := rpctab.NewTable(100)
	rpc := &rpctab.Rpc{ID: 1, State: rpctab.Ready, Peer: newTestPeer(t)}
	table.Bucket(rpc.ID, false).Insert(rpc)

	now := time.Now()
	for i := 0; i < 5; i++ {
		tm.Sweep(table, false, now)
		now = now.Add(time.Second)
	}
	if len(calls) != 0 {
		t.Fatalf("Ready rpcs must never be resent, got %+v", calls)
	}
}

func TestHandleRestartResetsMsgOut(t *testing.T) {
	out, err := msg.AssembleOutbound(make([]byte, 5000), 1500, 1500, 1500, 60000)
	if err != nil {
		t.Fatalf("AssembleOutbound: %v", err)
	}
	out.SetGranted(out.Length())
	for {
		buf := out.NextSendable()
		if buf == nil {
			break
		}
		out.MarkSent(buf)
	}
	if !out.FullySent() {
		t.Fatalf("expected fully sent before restart")
	}

	rpc := &rpctab.Rpc{ID: 1, IsClient: true, State: rpctab.Ready, NumResends: 2, SilentTicks: 5}
	HandleRestart(rpc, out, 1500)

	if out.FullySent() {
		t.Fatalf("expected unsent state after restart reset")
	}
	if rpc.State != rpctab.Outgoing || rpc.NumResends != 0 || rpc.SilentTicks != 0 {
		t.Fatalf("unexpected rpc state after restart: %+v", rpc)
	}
}
