// Package replica implements the Replica Core (spec §4.6-§4.11): the
// per-protocol role machine, replicated log, and commit/apply pipeline.
// It is the largest component and the one spec §9 singles out for its
// concurrency shape: a single cooperative loop multiplexes exactly six
// event sources (client batch, peer message, log result, state-machine
// result, lease action, timer) with no shared mutable state — translated
// here from the original's tokio::select! into a Go select, a deliberate
// departure from the teacher repo's mutex-per-struct style for this one
// subsystem (see DESIGN.md).
//
// Grounded on the teacher's pkg/raft package for naming and log/peer
// bookkeeping shapes (runFollower/runCandidate/runLeader, nextIndex/
// matchIndex), generalized behind a ProtocolStrategy so Raft, MultiPaxos,
// CRaft, and a trivial RepNothing strategy share one core loop (spec §9
// "Re-architecture guidance": strategy approach, chosen over the tagged
// variant for its modularity when adding protocols).
package replica

import (
	"github.com/dssys/summerset-go/pkg/bitmap"
	"github.com/dssys/summerset-go/pkg/wire"
)

// Role is the replica's position in the leader-election role machine
// (spec §4.6). CRaft reuses the same three roles; MultiPaxos does not use
// Role and tracks leadership with its own isLeader flag.
type Role uint8

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// SlotStatus tracks one log instance through the replication pipeline.
type SlotStatus uint8

const (
	StatusEmpty SlotStatus = iota
	StatusPreparing // MultiPaxos-family only: slot recovered via Prepare, awaiting re-Accept
	StatusAccepting
	StatusCommitted
	StatusExecuted
)

// votedPair is the shape of Instance.Voted. No strategy writes it:
// MultiPaxos's PrepareReply carries wire.PreparePair values built from each
// instance's Bal and Reqs instead.
type votedPair struct {
	Bal  wire.Term
	Reqs []wire.ClientBoundRequest
}

// Instance is one log slot's in-memory bookkeeping. The durable copy lives
// in the Log Store; this is the leader/follower-side tracking state spec
// §4.7-§4.8 describes (status, ballot, ack tally).
type Instance struct {
	Status    SlotStatus
	Bal       wire.Term
	Reqs      []wire.ClientBoundRequest
	External  bool
	LogOffset uint64
	AckFrom   bitmap.Bitmap // leader-side: which replicas have persisted this slot
	Voted     votedPair     // not written by any strategy; see votedPair
	// Shard bookkeeping, used only by CRaft; nil/zero for Raft and MultiPaxos.
	Shard        []byte
	ShardOf      wire.ReplicaID
	NumDataShd   uint8
	NumAllShd    uint8
	ShardDataLen uint32
	FullCopy     bool
}

// cmdKindLabel renders a Command's kind as a metrics label.
func cmdKindLabel(k wire.CommandKind) string {
	if k == wire.CmdPut {
		return "put"
	}
	return "get"
}

func newInstance(population uint8) Instance {
	bm, _ := bitmap.New(population, false)
	return Instance{Status: StatusEmpty, AckFrom: bm}
}

// snapshotPayload is the gob-encoded body of a Snapshot log record and of
// an InstallSnapshot wire message (spec §4.10): a self-contained key-value
// image plus the slot it covers.
type snapshotPayload struct {
	UpToSlot uint64
	KV       map[string][]byte
}

// applyID correlates a statemachine.ApplyResult back to its origin. Reads
// served by the leader-lease fast path (spec §4.7 step 2) have no log
// slot (HasSlot false) since they bypass replication entirely.
type applyID struct {
	HasSlot bool
	Slot    wire.Slot
	Client  wire.ClientID
	ReqID   uint64
	// External mirrors Instance.External: only external entries owe a
	// reply to a locally-connected client.
	External bool
}
