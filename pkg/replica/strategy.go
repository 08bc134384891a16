package replica

import (
	"github.com/dssys/summerset-go/pkg/apiserver"
	"github.com/dssys/summerset-go/pkg/heartbeat"
	"github.com/dssys/summerset-go/pkg/lease"
	"github.com/dssys/summerset-go/pkg/statemachine"
	"github.com/dssys/summerset-go/pkg/transport"
	"github.com/dssys/summerset-go/pkg/walog"
	"github.com/dssys/summerset-go/pkg/wire"
)

// TimerKind distinguishes the Heartbeater's hear and send timers (spec
// §4.4) and the core loop's lease-check ticker at the point
// handle_timer_fire is invoked.
type TimerKind uint8

const (
	TimerHear TimerKind = iota
	TimerSend
	TimerLeaseCheck
)

// ProtocolStrategy is the capability set spec §9 asks for behind a shared
// interface: handle_client_batch, handle_peer_msg, handle_timer_fire, and
// handle_log_result, plus the state-machine and lease-action hooks the
// same single select loop also multiplexes. Every method runs to
// completion on the core loop's single goroutine; none may block.
type ProtocolStrategy interface {
	// Name identifies the protocol for logging/metrics.
	Name() string

	// HandleClientBatch processes newly arrived client requests (spec §4.7
	// step 1-3): redirect if not the leader, serve leased reads
	// immediately, else open a new slot and begin replication.
	HandleClientBatch(reqs []apiserver.ClientRequest)

	// HandlePeerMsg processes one inbound peer envelope (spec §4.7 leader
	// side acks, §4.8 follower side AppendEntries, §4.9 election).
	HandlePeerMsg(from wire.ReplicaID, env wire.PeerEnvelope)

	// HandleLeaseMsg processes one inbound message on the Transport Hub's
	// dedicated lease lane (spec §4.2, §4.5) — structurally separate from
	// HandlePeerMsg so lease traffic can never queue behind consensus
	// traffic, but logically still "receiving a peer message."
	HandleLeaseMsg(from wire.ReplicaID, msg wire.LeaseMsg)

	// HandleLogResult folds a completed (possibly async) log append into
	// replica state (spec §5 sync_action rule: prior async results are
	// drained and folded before any new synchronous action proceeds). The
	// strategy correlates AppendResult.Offset against its own record of
	// what that offset's append was for (an accept or a commit record);
	// results for any other offset are ignored.
	HandleLogResult(r walog.AppendResult)

	// HandleSMResult delivers a state-machine apply result so the
	// strategy can reply to the owning client via the API endpoint.
	HandleSMResult(r statemachine.ApplyResult)

	// HandleLeaseAction processes one action drained from the Lease
	// Manager's action channel (spec §4.5).
	HandleLeaseAction(a lease.Action)

	// HandleTimerFire processes a hear/send/lease-check timer expiration.
	HandleTimerFire(kind TimerKind)
}

// Env bundles every collaborator a strategy needs, constructed once by the
// server's main and handed to both the active strategy and Core at startup. It is not shared
// across replicas; each replica process owns exactly one Env.
type Env struct {
	Me         wire.ReplicaID
	Population uint8
	Quorum     uint8

	Log   *walog.Log
	Net   *transport.Hub
	API   *apiserver.Server
	Lease *lease.Manager
	Exec  *statemachine.Executor
	Hb    *heartbeat.Heartbeater
}
