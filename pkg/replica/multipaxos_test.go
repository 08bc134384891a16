package replica

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dssys/summerset-go/pkg/apiserver"
	"github.com/dssys/summerset-go/pkg/heartbeat"
	"github.com/dssys/summerset-go/pkg/lease"
	"github.com/dssys/summerset-go/pkg/statemachine"
	"github.com/dssys/summerset-go/pkg/transport"
	"github.com/dssys/summerset-go/pkg/walog"
	"github.com/dssys/summerset-go/pkg/wire"
)

func newTestMultiPaxosEnv(t *testing.T, dir string) (*Env, func()) {
	t.Helper()
	log, records, err := walog.Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("walog.Open: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty log, got %d records", len(records))
	}
	store := statemachine.NewStore()
	exec := statemachine.NewExecutor(store)
	net := transport.NewHub(0, map[wire.ReplicaID]string{1: "x", 2: "y"}, []byte("k"), zerolog.Nop())
	hb := heartbeat.New(3, 0, 50*time.Millisecond, 1)
	leaseMgr := lease.New(0, 3, time.Second)
	env := &Env{Me: 0, Population: 3, Quorum: 2, Log: log, Net: net, Exec: exec, Hb: hb, Lease: leaseMgr}
	return env, func() {
		exec.Close()
		log.Close()
	}
}

func TestMultiPaxosBecomesLeaderOnQuorumPrepareReplies(t *testing.T) {
	env, closeEnv := newTestMultiPaxosEnv(t, t.TempDir())
	defer closeEnv()

	mp := NewMultiPaxos(env, 3, nil, zerolog.Nop())
	mp.startPrepare()
	if mp.isLeader {
		t.Fatalf("should not be leader before quorum replies")
	}
	ballot := mp.prepareBallot

	mp.onPrepareReply(1, &wire.PrepareReply{Ballot: ballot, Granted: true})
	if !mp.isLeader {
		t.Fatalf("isLeader = false after quorum prepare replies, want true")
	}
	if mp.balPrepared != ballot {
		t.Fatalf("balPrepared = %d, want %d", mp.balPrepared, ballot)
	}
}

func TestMultiPaxosStepsDownOnHigherBallotPrepare(t *testing.T) {
	env, closeEnv := newTestMultiPaxosEnv(t, t.TempDir())
	defer closeEnv()

	mp := NewMultiPaxos(env, 3, nil, zerolog.Nop())
	mp.startPrepare()
	mp.onPrepareReply(1, &wire.PrepareReply{Ballot: mp.prepareBallot, Granted: true})
	if !mp.isLeader {
		t.Fatalf("setup: isLeader = false, want true")
	}

	higher := mp.balMaxSeen + 100
	mp.onPrepare(2, &wire.Prepare{Ballot: higher})
	if mp.isLeader {
		t.Fatalf("isLeader after seeing higher ballot Prepare = true, want false")
	}
	if mp.balMaxSeen != higher {
		t.Fatalf("balMaxSeen = %d, want %d", mp.balMaxSeen, higher)
	}
}

func TestMultiPaxosClientBatchRedirectsWhenNotLeader(t *testing.T) {
	env, closeEnv := newTestMultiPaxosEnv(t, t.TempDir())
	defer closeEnv()
	env.API = apiserver.New(zerolog.Nop())

	mp := NewMultiPaxos(env, 3, nil, zerolog.Nop())
	leaderID := wire.ReplicaID(1)
	mp.leader = &leaderID

	mp.HandleClientBatch([]apiserver.ClientRequest{{
		Client: wire.ClientID(7),
		Req:    wire.ApiRequest{ReqID: 1, Cmd: wire.Command{Kind: wire.CmdGet, Key: []byte("k")}},
	}})
	if len(mp.instances) != 0 {
		t.Fatalf("instances = %d, want 0 (no replication while not leader)", len(mp.instances))
	}
}

func TestMultiPaxosAcceptCommitApplyPipeline(t *testing.T) {
	env, closeEnv := newTestMultiPaxosEnv(t, t.TempDir())
	defer closeEnv()
	env.API = apiserver.New(zerolog.Nop())

	mp := NewMultiPaxos(env, 3, nil, zerolog.Nop())
	mp.startPrepare()
	mp.onPrepareReply(1, &wire.PrepareReply{Ballot: mp.prepareBallot, Granted: true})
	if !mp.isLeader {
		t.Fatalf("setup: isLeader = false, want true")
	}

	mp.HandleClientBatch([]apiserver.ClientRequest{{
		Client: wire.ClientID(9),
		Req:    wire.ApiRequest{ReqID: 1, Cmd: wire.Command{Kind: wire.CmdPut, Key: []byte("k"), Value: []byte("v")}},
	}})
	if len(mp.instances) != 1 {
		t.Fatalf("instances = %d, want 1", len(mp.instances))
	}
	slot := mp.startSlot

	// Fold in the async accept-append result (this replica's own ack).
	select {
	case res := <-env.Log.Results():
		mp.HandleLogResult(res)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept append result")
	}
	if mp.instances[0].Status != StatusAccepting {
		t.Fatalf("status after self-ack only = %v, want StatusAccepting (need quorum 2)", mp.instances[0].Status)
	}

	// A quorum-completing AcceptReply from a follower should commit the slot.
	mp.onAcceptReply(1, &wire.AcceptReply{Slot: slot, Ballot: mp.balPrepared, Granted: true})
	select {
	case res := <-env.Log.Results():
		mp.HandleLogResult(res)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for commit append result")
	}
	if mp.instances[0].Status != StatusExecuted {
		t.Fatalf("status after commit = %v, want StatusExecuted", mp.instances[0].Status)
	}

	select {
	case sm := <-env.Exec.Results():
		mp.HandleSMResult(sm)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state machine result")
	}
	if got := env.Exec.Store().Snapshot()["k"]; string(got) != "v" {
		t.Fatalf("store[k] = %q, want v", got)
	}
}

func TestMultiPaxosLeaseReadAsymmetry(t *testing.T) {
	env, closeEnv := newTestMultiPaxosEnv(t, t.TempDir())
	defer closeEnv()

	mp := NewMultiPaxos(env, 3, nil, zerolog.Nop())
	mp.isLeader = true

	// quorum is 2: canServeLeaseRead counts the leader itself (+1), so a
	// single peer-held lease is enough; isStableLeader does not get that
	// credit and requires the held-lease count to independently reach
	// quorum (spec §9 open question on the asymmetric lease-count checks).
	env.Lease.OnPromise(1, 1, time.Now().Add(time.Hour))
	if !mp.canServeLeaseRead() {
		t.Fatalf("canServeLeaseRead() = false with 1 outstanding grant and quorum 2, want true")
	}
	if mp.isStableLeader() {
		t.Fatalf("isStableLeader() = true with 1 outstanding grant and quorum 2, want false")
	}
}
