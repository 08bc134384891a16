package wire

// PeerMsgKind tags the peer-to-peer protocol envelope.
type PeerMsgKind uint8

const (
	MsgAppendEntries PeerMsgKind = iota
	MsgAppendEntriesReply
	MsgRequestVote
	MsgRequestVoteReply
	MsgInstallSnapshot
	MsgInstallSnapshotReply
	MsgAccept // MultiPaxos-family accept
	MsgAcceptReply
	MsgPrepare
	MsgPrepareReply
	MsgCommitNotice
	MsgShardPull // CRaft: leader reconstructing a shard-only slot after election
	MsgShardPullReply
)

// AppendEntries is the Raft-family replication/heartbeat message. A
// Heartbeat is just an AppendEntries with zero Entries.
type AppendEntries struct {
	Term         Term
	PrevSlot     Slot
	PrevTerm     Term
	Entries      []LogEntry
	LeaderCommit Slot
	LastSnap     Slot
}

type AppendEntriesReply struct {
	Term         Term
	Success      bool
	MatchSlot    Slot
	ConflictSlot Slot
	ConflictTerm Term
}

type RequestVote struct {
	Term     Term
	LastSlot Slot
	LastTerm Term
}

type RequestVoteReply struct {
	Term    Term
	Granted bool
}

type InstallSnapshot struct {
	Term     Term
	LastSnap Slot
	Payload  []byte
}

type InstallSnapshotReply struct {
	Term Term
}

// Accept is the MultiPaxos-family replication message; ballot plays the
// role of term.
type Accept struct {
	Slot    Slot
	Ballot  Term
	Reqs    []ClientBoundRequest
	Shard   []byte // CRaft: this follower's coded shard, nil in full-copy mode
	ShardID uint8
	NumData uint8  // CRaft reconstruction threshold (commit quorum)
	NumAll  uint8  // CRaft total shard count (population)
	DataLen uint32 // CRaft: byte length of the gob-encoded Reqs before splitting, needed to trim after Reconstruct
	// LeaderCommit/LastSnap piggyback the commit/snapshot watermarks onto
	// CRaft's per-follower unicast Accept the way AppendEntries does for
	// plain Raft, since CRaft never broadcasts one identical message to
	// every follower (each gets a different shard).
	LeaderCommit Slot
	LastSnap     Slot
}

type AcceptReply struct {
	Slot    Slot
	Ballot  Term
	Granted bool
}

// Prepare is the MultiPaxos-family leadership-acquisition message. Unlike
// Raft's RequestVote (which only compares log tails), a Prepare covers the
// replica's *entire* open instance space at once: the voter replies with
// whatever it has voted for every slot from FromSlot onward, so the new
// leader can recover every still-open instance in a single round trip
// instead of one Prepare per slot.
type Prepare struct {
	Ballot Term
}

type PreparePair struct {
	Ballot Term
	Reqs   []ClientBoundRequest
}

// PrepareReply carries Voted[i], the highest-ballot value ever accepted
// for slot FromSlot+i (Ballot == 0 means the slot is still Null). The
// leader adopts the highest-ballot entry found across all replies for
// each slot, per the Paxos safety argument.
type PrepareReply struct {
	Ballot   Term
	Granted  bool
	FromSlot Slot
	Voted    []PreparePair
}

// CommitNotice piggybacks on heartbeats in the MultiPaxos family so idle
// followers learn the commit watermark advanced without a full Accept.
type CommitNotice struct {
	Ballot       Term
	LeaderCommit Slot
	LastSnap     Slot
}

// ShardPull asks a peer for its persisted shard of an already-committed
// slot, used by a freshly elected CRaft leader to reconstruct entries it
// only ever saw as a shard of (spec §4.11: "the leader retains all shards
// until commit" — a *new* leader that was only a shard-holding follower
// must pull enough shards back to reach the reconstruction threshold).
type ShardPull struct {
	Slot Slot
}

type ShardPullReply struct {
	Slot     Slot
	Shard    []byte
	HasShard bool
}

// PeerEnvelope is the framed unit the Transport Hub actually moves; exactly
// one of the typed fields is non-nil, selected by Kind.
type PeerEnvelope struct {
	Kind                 PeerMsgKind
	AppendEntries        *AppendEntries
	AppendEntriesReply   *AppendEntriesReply
	RequestVote          *RequestVote
	RequestVoteReply     *RequestVoteReply
	InstallSnapshot      *InstallSnapshot
	InstallSnapshotReply *InstallSnapshotReply
	Accept               *Accept
	AcceptReply          *AcceptReply
	Prepare              *Prepare
	PrepareReply         *PrepareReply
	CommitNotice         *CommitNotice
	ShardPull            *ShardPull
	ShardPullReply       *ShardPullReply
}

// LeaseMsgKind tags messages on the dedicated lease lane (spec §4.2, §4.5).
type LeaseMsgKind uint8

const (
	LeaseGrant LeaseMsgKind = iota
	LeaseRevoke
	LeasePromise
	LeaseRefresh
)

type LeaseMsg struct {
	Kind   LeaseMsgKind
	Num    uint64
	Expiry int64 // unix nanos; 0 for Revoke/Promise which carry no deadline
}

// ClientMsgKind tags the client<->replica wire protocol.
type ClientMsgKind uint8

const (
	ClientMsgReq ClientMsgKind = iota
	ClientMsgReply
	ClientMsgLeave
	ClientMsgLeaveAck
)

type ClientEnvelope struct {
	Kind      ClientMsgKind
	Req       *ApiRequest
	Reply     *ApiReply
	Permanent bool // Leave.permanent
}

// ManagerMsgKind tags the replica<->manager control-plane protocol.
type ManagerMsgKind uint8

const (
	ManagerMsgRegister ManagerMsgKind = iota
	ManagerMsgRegisterReply
	ManagerMsgLeaderStatus
	ManagerMsgReconfig
)

type RegisterRequest struct {
	Nonce string // uuid minted by the joining replica
}

type RegisterReply struct {
	ReplicaID  ReplicaID
	Population uint8
	Peers      map[ReplicaID]string
	APIPeers   map[ReplicaID]string // replica id -> client-facing API address
}

type LeaderStatus struct {
	Replica ReplicaID
	StepUp  bool
	Term    Term
}

type ReconfigNotice struct {
	Added   map[ReplicaID]string
	Removed []ReplicaID
}

type ManagerEnvelope struct {
	Kind           ManagerMsgKind
	Register       *RegisterRequest
	RegisterReply  *RegisterReply
	LeaderStatus   *LeaderStatus
	ReconfigNotice *ReconfigNotice
}
