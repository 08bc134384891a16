package smrclient

import (
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dssys/summerset-go/pkg/apiserver"
	"github.com/dssys/summerset-go/pkg/manager"
	"github.com/dssys/summerset-go/pkg/wire"
)

// fakeReplica answers RecvReq/SendReply on behalf of one registered replica,
// standing in for a full Replica Core so Client can be tested against the
// real apiserver wire protocol without spinning up consensus.
func fakeReplica(t *testing.T, result wire.CommandResult, redirect *wire.ReplicaID) *apiserver.Server {
	t.Helper()
	s := apiserver.New(zerolog.Nop())
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		for req := range s.RecvReq() {
			reply := wire.ApiReply{ReqID: req.Req.ReqID}
			if redirect != nil {
				reply.Redirect = redirect
			} else {
				r := result
				reply.Result = &r
			}
			s.SendReply(req.Client, reply)
		}
	}()
	return s
}

func TestClientGetFollowsRedirectToLeader(t *testing.T) {
	leaderID := wire.ReplicaID(1)

	leader := fakeReplica(t, wire.CommandResult{Kind: wire.ResGet, Value: []byte("v1"), HasValue: true}, nil)
	defer leader.Close()
	follower := fakeReplica(t, wire.CommandResult{}, &leaderID)
	defer follower.Close()

	m := manager.New(2, zerolog.Nop())
	srv := httptest.NewServer(m)
	defer srv.Close()

	mgrClient := manager.NewClient(srv.URL)
	if _, err := mgrClient.Register("p2p-0", follower.Addr()); err != nil {
		t.Fatalf("register follower: %v", err)
	}
	if _, err := manager.NewClient(srv.URL).Register("p2p-1", leader.Addr()); err != nil {
		t.Fatalf("register leader: %v", err)
	}
	// Deliberately leave the manager's leader unset: Client should start at
	// the lowest replica id (the follower) and follow its redirect.

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	val, found, err := c.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(val) != "v1" {
		t.Fatalf("got value %q found %v, want v1 true", val, found)
	}
}

func TestClientDiscoversFromManagerStatus(t *testing.T) {
	only := fakeReplica(t, wire.CommandResult{Kind: wire.ResPut, OldValue: []byte("old"), HasOld: true}, nil)
	defer only.Close()

	m := manager.New(1, zerolog.Nop())
	srv := httptest.NewServer(m)
	defer srv.Close()

	if _, err := manager.NewClient(srv.URL).Register("p2p-0", only.Addr()); err != nil {
		t.Fatalf("register: %v", err)
	}

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	old, hadOld, err := c.Put([]byte("k"), []byte("new"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !hadOld || string(old) != "old" {
		t.Fatalf("got old %q hadOld %v, want old true", old, hadOld)
	}
}
