package heartbeat

import (
	"testing"
	"time"

	"github.com/dssys/summerset-go/pkg/wire"
)

func TestHearTimeoutFiresWithinRange(t *testing.T) {
	h := New(3, 0, 10*time.Millisecond, 4)
	select {
	case <-h.HearTimeout():
	case <-time.After(50 * time.Millisecond):
		t.Fatal("hear timer never fired within 5x period")
	}
}

func TestPeerAliveTracksAdvancement(t *testing.T) {
	h := New(3, 0, 10*time.Millisecond, 4)

	b, err := h.PeerAlive()
	if err != nil {
		t.Fatalf("PeerAlive: %v", err)
	}
	self, _ := b.Get(0)
	if !self {
		t.Fatal("self should always be alive")
	}
	p1alive, _ := b.Get(1)
	if p1alive {
		t.Fatal("peer 1 should not be alive before any heartbeat heard")
	}

	h.UpdateHeardCnt(wire.ReplicaID(1))
	b, _ = h.PeerAlive()
	p1alive, _ = b.Get(1)
	if !p1alive {
		t.Fatal("peer 1 should be alive after a heartbeat was heard")
	}

	// Second sample without further heartbeats should show peer 1 as not
	// alive again, since PeerAlive measures advancement since last call.
	b, _ = h.PeerAlive()
	p1alive, _ = b.Get(1)
	if p1alive {
		t.Fatal("peer 1 should drop back to not-alive without new heartbeats")
	}
}

func TestClearReplyCntsSingleAndAll(t *testing.T) {
	h := New(3, 0, 10*time.Millisecond, 4)
	h.UpdateHeardCnt(1)
	h.UpdateHeardCnt(2)

	p := wire.ReplicaID(1)
	h.ClearReplyCnts(&p)
	if h.heardCnt[1] != 0 {
		t.Fatal("expected peer 1 heard count cleared")
	}
	if h.heardCnt[2] == 0 {
		t.Fatal("peer 2 heard count should be untouched")
	}

	h.ClearReplyCnts(nil)
	if h.heardCnt[2] != 0 {
		t.Fatal("expected all heard counts cleared")
	}
}
