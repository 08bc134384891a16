// Package wire defines the data model and wire messages shared by every
// protocol variant: replica/client identifiers, commands, log entries, and
// the peer and client message envelopes of spec §3/§6.
package wire

// ReplicaID is a stable per-replica identifier in [0, P).
type ReplicaID uint8

// ClientID is a globally unique per-client-session identifier.
type ClientID uint64

// Term is a monotonically increasing leadership-epoch scalar. Raft calls
// this "term"; MultiPaxos calls the same scalar "ballot". They are
// interchangeable here.
type Term uint64

// Slot is a dense log index, starting from a replica's StartSlot.
type Slot uint64

// CommandKind tags a Command variant.
type CommandKind uint8

const (
	CmdGet CommandKind = iota
	CmdPut
)

// Command is a client-issued state-machine operation.
type Command struct {
	Kind  CommandKind
	Key   []byte
	Value []byte // only meaningful for CmdPut
}

// ResultKind tags a CommandResult variant.
type ResultKind uint8

const (
	ResGet ResultKind = iota
	ResPut
)

// CommandResult is what the state machine executor returns for a Command.
type CommandResult struct {
	Kind     ResultKind
	Value    []byte // GetResult.value; nil means "not found"
	OldValue []byte // PutResult.old_value; nil means "no previous value"
	HasValue bool
	HasOld   bool
}

// ApiRequest is a client-issued request carried inside a log entry.
type ApiRequest struct {
	ReqID uint64
	Cmd   Command
}

// ApiReply echoes a request's ReqID with either a result or a redirect.
type ApiReply struct {
	ReqID    uint64
	Result   *CommandResult
	Redirect *ReplicaID
}

// ClientBoundRequest pairs a request with the client that issued it, as
// delivered by the External API Endpoint.
type ClientBoundRequest struct {
	Client ClientID
	Req    ApiRequest
}

// LogEntry is the unit of replication (spec §3). External marks whether a
// local client is owed a reply when this entry executes. Slot is carried
// explicitly (rather than inferred positionally) so a replica replaying its
// log, or a MultiPaxos voter re-accepting a slot under a higher ballot out
// of its original append order, can always place the entry correctly.
type LogEntry struct {
	Term      Term
	Slot      Slot
	Reqs      []ClientBoundRequest
	External  bool
	LogOffset uint64
}
