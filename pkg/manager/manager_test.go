package manager

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dssys/summerset-go/pkg/wire"
)

func TestRegisterAssignsSequentialIDs(t *testing.T) {
	m := New(3, zerolog.Nop())
	srv := httptest.NewServer(m)
	defer srv.Close()

	c1 := NewClient(srv.URL)
	r1, err := c1.Register("127.0.0.1:9001", "127.0.0.1:9101")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if r1.ReplicaID != 0 || r1.Population != 3 {
		t.Fatalf("got %+v, want id 0 population 3", r1)
	}

	c2 := NewClient(srv.URL)
	r2, err := c2.Register("127.0.0.1:9002", "127.0.0.1:9102")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if r2.ReplicaID != 1 {
		t.Fatalf("got id %d, want 1", r2.ReplicaID)
	}
	if len(r2.Peers) != 2 {
		t.Fatalf("got %d peers, want 2 (self included)", len(r2.Peers))
	}
}

func TestRegisterRetryIsIdempotent(t *testing.T) {
	m := New(3, zerolog.Nop())
	srv := httptest.NewServer(m)
	defer srv.Close()

	c := NewClient(srv.URL)
	r1, err := c.Register("127.0.0.1:9001", "127.0.0.1:9101")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	r2, err := c.Register("127.0.0.1:9001", "127.0.0.1:9101")
	if err != nil {
		t.Fatalf("Register retry: %v", err)
	}
	if r1.ReplicaID != r2.ReplicaID {
		t.Fatalf("retried register got a different id: %d vs %d", r1.ReplicaID, r2.ReplicaID)
	}
}

func TestRegisterRejectsOverPopulation(t *testing.T) {
	m := New(1, zerolog.Nop())
	srv := httptest.NewServer(m)
	defer srv.Close()

	if _, err := NewClient(srv.URL).Register("a", "a-api"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := NewClient(srv.URL).Register("b", "b-api"); err == nil {
		t.Fatal("expected second register to be rejected at population 1")
	}
}

func TestLeaderStatusTracksLatestStepUp(t *testing.T) {
	m := New(3, zerolog.Nop())
	srv := httptest.NewServer(m)
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.ReportLeaderStatus(2, true, 5); err != nil {
		t.Fatalf("ReportLeaderStatus: %v", err)
	}
	id, ok := m.LeaderID()
	if !ok || id != 2 {
		t.Fatalf("got leader %d ok=%v, want 2 true", id, ok)
	}
}

func TestStatusReportsAPIPeers(t *testing.T) {
	m := New(2, zerolog.Nop())
	srv := httptest.NewServer(m)
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.Register("127.0.0.1:9001", "127.0.0.1:9101"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	status, err := NewClient(srv.URL).Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Population != 2 || status.Registered != 1 {
		t.Fatalf("got %+v, want population 2 registered 1", status)
	}
	if status.APIPeers[0] != "127.0.0.1:9101" {
		t.Fatalf("got api peers %+v, want replica 0 -> 127.0.0.1:9101", status.APIPeers)
	}
}

func TestWatchReceivesReconfigNotices(t *testing.T) {
	m := New(3, zerolog.Nop())
	ch := m.Watch(wire.ReplicaID(0))

	m.AddReplica(wire.ReplicaID(5), "127.0.0.1:9005")

	select {
	case n := <-ch:
		if n.Added[5] != "127.0.0.1:9005" {
			t.Fatalf("got notice %+v, want added replica 5", n)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reconfig notice")
	}
}
