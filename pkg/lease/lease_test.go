package lease

import (
	"testing"
	"time"
)

func TestGrantAndStillGranting(t *testing.T) {
	m := New(0, 3, 50*time.Millisecond)
	m.Grant(1)
	if !m.StillGranting(1) {
		t.Fatal("expected grant set to include peer 1")
	}

	select {
	case a := <-m.Actions():
		if a.Kind != ActionSendLeaseMsg {
			t.Fatalf("expected SendLeaseMsg action, got %v", a.Kind)
		}
	default:
		t.Fatal("expected a queued action after Grant")
	}
}

func TestRevokeClearsGrant(t *testing.T) {
	m := New(0, 3, time.Second)
	m.Grant(1)
	m.Revoke(1)
	if m.StillGranting(1) {
		t.Fatal("expected grant set to drop peer 1 after Revoke")
	}
}

func TestExpirationFallsOff(t *testing.T) {
	m := New(0, 3, 5*time.Millisecond)
	m.Grant(1)
	time.Sleep(10 * time.Millisecond)
	m.CheckExpirations()
	if m.StillGranting(1) {
		t.Fatal("expected grant to expire")
	}
}

func TestLeaseCntCountsUnexpiredHeld(t *testing.T) {
	m := New(0, 5, time.Second)
	m.OnPromise(1, 1, time.Now().Add(time.Second))
	m.OnPromise(2, 1, time.Now().Add(time.Second))
	if got := m.LeaseCnt(); got != 2 {
		t.Fatalf("got LeaseCnt %d, want 2", got)
	}
	m.OnRevoke(1)
	if got := m.LeaseCnt(); got != 1 {
		t.Fatalf("got LeaseCnt %d after revoke, want 1", got)
	}
}
