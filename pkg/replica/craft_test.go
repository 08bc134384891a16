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

func newTestCRaftEnv(t *testing.T, dir string, pop uint8) (*Env, func()) {
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
	peers := make(map[wire.ReplicaID]string)
	for p := wire.ReplicaID(1); p < wire.ReplicaID(pop); p++ {
		peers[p] = "addr"
	}
	net := transport.NewHub(0, peers, []byte("k"), zerolog.Nop())
	hb := heartbeat.New(pop, 0, 50*time.Millisecond, 1)
	leaseMgr := lease.New(0, pop, time.Second)
	env := &Env{Me: 0, Population: pop, Quorum: pop/2 + 1, Log: log, Net: net, Exec: exec, Hb: hb, Lease: leaseMgr}
	return env, func() {
		exec.Close()
		log.Close()
	}
}

func TestCRaftBecomesLeaderOnQuorumVotes(t *testing.T) {
	env, closeEnv := newTestCRaftEnv(t, t.TempDir(), 3)
	defer closeEnv()

	cf := NewCRaft(env, 3, 1, nil, zerolog.Nop())
	cf.startElection()
	if cf.role != RoleCandidate {
		t.Fatalf("role after startElection = %v, want RoleCandidate", cf.role)
	}
	wantTerm := cf.curTerm

	cf.onRequestVoteReply(1, &wire.RequestVoteReply{Term: wantTerm, Granted: true})
	if cf.role != RoleLeader {
		t.Fatalf("role after quorum votes = %v, want RoleLeader", cf.role)
	}
}

func TestCRaftAcceptCommitApplyPipelineFullCopy(t *testing.T) {
	env, closeEnv := newTestCRaftEnv(t, t.TempDir(), 3)
	defer closeEnv()
	env.API = apiserver.New(zerolog.Nop())

	cf := NewCRaft(env, 3, 1, nil, zerolog.Nop())
	cf.role = RoleLeader
	self := wire.ReplicaID(0)
	cf.leader = &self
	cf.fullCopyMode = true // isolate the replication/commit pipeline from shard-splitting

	cf.HandleClientBatch([]apiserver.ClientRequest{{
		Client: wire.ClientID(9),
		Req:    wire.ApiRequest{ReqID: 1, Cmd: wire.Command{Kind: wire.CmdPut, Key: []byte("k"), Value: []byte("v")}},
	}})
	if len(cf.instances) != 1 {
		t.Fatalf("instances = %d, want 1", len(cf.instances))
	}

	select {
	case res := <-env.Log.Results():
		cf.HandleLogResult(res)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept append result")
	}
	if cf.instances[0].Status != StatusAccepting {
		t.Fatalf("status after self-ack only = %v, want StatusAccepting (need quorum 2)", cf.instances[0].Status)
	}

	cf.onAcceptReply(1, &wire.AcceptReply{Slot: cf.startSlot, Ballot: cf.curTerm, Granted: true})
	select {
	case res := <-env.Log.Results():
		cf.HandleLogResult(res)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for commit append result")
	}
	if cf.instances[0].Status != StatusExecuted {
		t.Fatalf("status after commit = %v, want StatusExecuted", cf.instances[0].Status)
	}

	select {
	case sm := <-env.Exec.Results():
		cf.HandleSMResult(sm)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state machine result")
	}
	if got := env.Exec.Store().Snapshot()["k"]; string(got) != "v" {
		t.Fatalf("store[k] = %q, want v", got)
	}
}

// TestCRaftLeaderStaysShardModeWhilePeersAck makes sure PeerAlive reads the
// leader's own signal of liveness (bcastCnt, advanced by AcceptReply/
// AppendEntriesReply handling) rather than heardCnt, which only a follower
// ever advances. Before this fix, a leader's heardCnt for every peer stayed
// flat forever, so checkFallback tripped fullCopyMode on its very first
// tick regardless of how many peers were actually replying.
func TestCRaftLeaderStaysShardModeWhilePeersAck(t *testing.T) {
	env, closeEnv := newTestCRaftEnv(t, t.TempDir(), 5)
	defer closeEnv()

	cf := NewCRaft(env, 5, 1, nil, zerolog.Nop())
	cf.role = RoleLeader
	if cf.fullCopyMode {
		t.Fatalf("setup: fullCopyMode = true, want false")
	}

	for p := wire.ReplicaID(1); p < 5; p++ {
		cf.env.Hb.UpdateBcastCnts(p) // every peer acked our last broadcast
	}
	cf.checkFallback()
	if cf.fullCopyMode {
		t.Fatalf("fullCopyMode tripped despite all peers acking, want it to stay false")
	}
}

// TestCRaftFallbackToFullCopyOnSuspectedFailures exercises spec §4.11/§8
// scenario 6: once enough peers stop acking that the cluster can no longer
// trust its current shard count, the leader latches full_copy_mode on.
func TestCRaftFallbackToFullCopyOnSuspectedFailures(t *testing.T) {
	env, closeEnv := newTestCRaftEnv(t, t.TempDir(), 5)
	defer closeEnv()

	cf := NewCRaft(env, 5, 1, nil, zerolog.Nop())
	cf.role = RoleLeader

	// First hear-window: every peer acks, establishing a baseline.
	for p := wire.ReplicaID(1); p < 5; p++ {
		cf.env.Hb.UpdateBcastCnts(p)
	}
	cf.checkFallback()
	if cf.fullCopyMode {
		t.Fatalf("setup: fullCopyMode = true after a fully-acked window, want false")
	}

	// Second hear-window: only one peer acks again; the other three look
	// dead (population - alive = 5 - 2 = 3 >= faultTolerance(1)).
	cf.env.Hb.UpdateBcastCnts(1)
	cf.checkFallback()
	if !cf.fullCopyMode {
		t.Fatalf("fullCopyMode after a window with 3 silent peers = false, want true")
	}
}

// TestCRaftFallbackDoesNotSwitchBackAutomatically exercises the spec §4.11/
// §9 one-directional design: once tripped, full_copy_mode never flips back
// on its own, even if peers subsequently look alive again.
func TestCRaftFallbackDoesNotSwitchBackAutomatically(t *testing.T) {
	env, closeEnv := newTestCRaftEnv(t, t.TempDir(), 5)
	defer closeEnv()

	cf := NewCRaft(env, 5, 1, nil, zerolog.Nop())
	cf.role = RoleLeader
	cf.fullCopyMode = true

	for p := wire.ReplicaID(1); p < 5; p++ {
		cf.env.Hb.UpdateHeardCnt(p)
	}
	cf.checkFallback()
	if !cf.fullCopyMode {
		t.Fatalf("fullCopyMode flipped back to false, want it to stay latched true")
	}
}
