package replica

import (
	"github.com/rs/zerolog"

	"github.com/dssys/summerset-go/pkg/apiserver"
	"github.com/dssys/summerset-go/pkg/lease"
	"github.com/dssys/summerset-go/pkg/metrics"
	"github.com/dssys/summerset-go/pkg/statemachine"
	"github.com/dssys/summerset-go/pkg/walog"
	"github.com/dssys/summerset-go/pkg/wire"
)

// RepNothing is the original source's own smoke-test baseline (spec §9
// SUPPLEMENTED FEATURES): a single replica that durably logs every
// request and applies it immediately, with no quorum, no peers, and no
// leader election. Population must be 1; config validation
// (ServerParams.Validate) rejects any other configuration for this protocol. Kept because it costs nothing
// behind ProtocolStrategy and gives the rest of the stack (API endpoint,
// log store, state machine) a deployment mode with nothing else to blame
// for a bug.
type RepNothing struct {
	env *Env
	log zerolog.Logger

	nextSlot wire.Slot
	lastSnap wire.Slot
}

func NewRepNothing(env *Env, records []walog.Record, log zerolog.Logger) *RepNothing {
	rn := &RepNothing{
		env: env,
		log: log.With().Str("strategy", "repnothing").Logger(),
	}
	rn.replay(records)
	metrics.IsLeader.Set(1) // a population-of-one replica is always its own leader
	return rn
}

func (rn *RepNothing) Name() string { return "repnothing" }

func (rn *RepNothing) replay(records []walog.Record) {
	for _, rec := range records {
		switch rec.Kind {
		case walog.KindAcceptData:
			var entry wire.LogEntry
			if err := walog.GobDecode(rec.Payload, &entry); err != nil {
				continue
			}
			for _, req := range entry.Reqs {
				rn.env.Exec.Store().Apply(req.Req.Cmd)
			}
			rn.nextSlot = entry.Slot + 1

		case walog.KindSnapshot:
			var snap snapshotPayload
			if err := walog.GobDecode(rec.Payload, &snap); err != nil {
				continue
			}
			rn.env.Exec.Store().Restore(snap.KV)
			rn.lastSnap = wire.Slot(snap.UpToSlot)
			if rn.nextSlot <= rn.lastSnap {
				rn.nextSlot = rn.lastSnap + 1
			}
		}
	}
}

func (rn *RepNothing) HandleClientBatch(reqs []apiserver.ClientRequest) {
	var toLog []wire.ClientBoundRequest
	for _, cr := range reqs {
		metrics.ClientRequestsTotal.WithLabelValues(cmdKindLabel(cr.Req.Cmd.Kind)).Inc()
		toLog = append(toLog, wire.ClientBoundRequest{Client: cr.Client, Req: cr.Req})
	}
	if len(toLog) == 0 {
		return
	}
	slot := rn.nextSlot
	rn.nextSlot++
	entry := wire.LogEntry{Term: 0, Slot: slot, Reqs: toLog, External: true}
	payload, err := walog.GobEncode(entry)
	if err != nil {
		rn.log.Error().Err(err).Msg("encode log entry failed")
		return
	}
	// Append synchronously: RepNothing has no quorum to wait for, so durability
	// of this one append is the entire commit condition (spec §9 SUPPLEMENTED
	// FEATURES). RepNothing never issues an async append, so there is never
	// anything to drain before it; apply proceeds immediately off the
	// returned offset rather than waiting on Log.Results().
	if _, err := rn.env.Log.Append(walog.KindAcceptData, payload, true); err != nil {
		rn.log.Error().Err(err).Msg("append failed")
		return
	}
	for _, req := range toLog {
		id := applyID{HasSlot: true, Slot: slot, Client: req.Client, ReqID: req.Req.ReqID, External: true}
		rn.env.Exec.Submit(id, req.Req.Cmd)
	}
	metrics.ExecSlot.Set(float64(slot))
	metrics.CommitSlot.Set(float64(slot))
	if uint64(slot-rn.lastSnap) > snapshotThreshold {
		rn.maybeSnapshot(slot)
	}
}

// HandleLogResult is a no-op: RepNothing folds its own append's result
// directly off the call that issued it (see HandleClientBatch) and never
// tracks a pending offset, so there's nothing here for a delivered result
// to match against.
func (rn *RepNothing) HandleLogResult(res walog.AppendResult) {}

func (rn *RepNothing) maybeSnapshot(upTo wire.Slot) {
	kv := rn.env.Exec.Store().Snapshot()
	payload, err := walog.GobEncode(snapshotPayload{UpToSlot: uint64(upTo), KV: kv})
	if err != nil {
		rn.log.Error().Err(err).Msg("encode snapshot failed")
		return
	}
	if _, err := rn.env.Log.Append(walog.KindSnapshot, payload, true); err != nil {
		rn.log.Error().Err(err).Msg("snapshot append failed")
		return
	}
	rn.lastSnap = upTo
}

func (rn *RepNothing) HandleSMResult(r statemachine.ApplyResult) {
	id, ok := r.ID.(applyID)
	if !ok {
		return
	}
	rn.env.API.SendReply(id.Client, wire.ApiReply{ReqID: id.ReqID, Result: &r.Result})
}

// HandlePeerMsg, HandleLeaseMsg, HandleLeaseAction, and HandleTimerFire are
// no-ops: a population-of-one replica has no peers, no election, and never
// needs a read lease (it is always its own quorum).
func (rn *RepNothing) HandlePeerMsg(from wire.ReplicaID, env wire.PeerEnvelope) {}

func (rn *RepNothing) HandleLeaseMsg(from wire.ReplicaID, msg wire.LeaseMsg) {}

func (rn *RepNothing) HandleLeaseAction(a lease.Action) {}

func (rn *RepNothing) HandleTimerFire(kind TimerKind) {}
