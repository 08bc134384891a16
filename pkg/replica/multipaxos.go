package replica

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/dssys/summerset-go/pkg/apiserver"
	"github.com/dssys/summerset-go/pkg/bitmap"
	"github.com/dssys/summerset-go/pkg/lease"
	"github.com/dssys/summerset-go/pkg/metrics"
	"github.com/dssys/summerset-go/pkg/statemachine"
	"github.com/dssys/summerset-go/pkg/walog"
	"github.com/dssys/summerset-go/pkg/wire"
)

// MultiPaxos is the MultiPaxos-family ProtocolStrategy (spec §3 Instance
// model, §4.7-§4.10): no Raft-style single term/role pair, instead a
// per-replica ballot and an Instance per slot carrying (status, bal,
// voted). Leadership is (re)acquired with a single whole-log Prepare round
// instead of Raft's RequestVote, recovering every still-open instance in
// one round trip (spec §9 asks for "the strategy approach" so this and
// Raft share Core's event loop behind ProtocolStrategy).
type MultiPaxos struct {
	env *Env
	log zerolog.Logger

	pop    uint8
	quorum uint8

	isLeader  bool
	leader    *wire.ReplicaID
	grantedTo *wire.ReplicaID

	balPrepared wire.Term // ballot we lead at; 0 if not leader
	balMaxSeen  wire.Term // highest ballot ever seen or promised

	startSlot  wire.Slot
	instances  []Instance
	lastCommit wire.Slot
	lastExec   wire.Slot
	lastSnap   wire.Slot

	// in-flight Prepare round bookkeeping.
	prepareBallot wire.Term
	prepareVotes  bitmap.Bitmap
	prepareBest   map[wire.Slot]wire.PreparePair

	ackFrom map[wire.Slot]bitmap.Bitmap

	pendingAccept map[uint64]wire.Slot
	pendingCommit map[uint64]wire.Slot

	maxSeenReqID map[wire.ClientID]uint64
}

func NewMultiPaxos(env *Env, pop uint8, records []walog.Record, log zerolog.Logger) *MultiPaxos {
	mp := &MultiPaxos{
		env:           env,
		log:           log.With().Str("strategy", "multipaxos").Logger(),
		pop:           pop,
		quorum:        pop/2 + 1,
		ackFrom:       make(map[wire.Slot]bitmap.Bitmap),
		pendingAccept: make(map[uint64]wire.Slot),
		pendingCommit: make(map[uint64]wire.Slot),
		maxSeenReqID:  make(map[wire.ClientID]uint64),
	}
	mp.replay(records)
	return mp
}

func (mp *MultiPaxos) Name() string { return "multipaxos" }

func (mp *MultiPaxos) replay(records []walog.Record) {
	bySlot := make(map[wire.Slot]Instance)
	for _, rec := range records {
		switch rec.Kind {
		case walog.KindMeta:
			m, err := walog.DecodeMeta(rec)
			if err != nil {
				continue
			}
			mp.balMaxSeen = wire.Term(m.Term)

		case walog.KindAcceptData:
			var entry wire.LogEntry
			if err := walog.GobDecode(rec.Payload, &entry); err != nil {
				continue
			}
			inst := newInstance(mp.pop)
			inst.Status = StatusAccepting
			inst.Bal = entry.Term
			inst.Reqs = entry.Reqs
			inst.LogOffset = rec.Offset
			bySlot[entry.Slot] = inst

		case walog.KindCommitSlot:
			slot, err := walog.DecodeCommitSlot(rec)
			if err != nil {
				continue
			}
			s := wire.Slot(slot)
			if inst, ok := bySlot[s]; ok {
				inst.Status = StatusCommitted
				bySlot[s] = inst
			}
			if s > mp.lastCommit {
				mp.lastCommit = s
			}

		case walog.KindSnapshot:
			var snap snapshotPayload
			if err := walog.GobDecode(rec.Payload, &snap); err != nil {
				continue
			}
			mp.env.Exec.Store().Restore(snap.KV)
			mp.startSlot = wire.Slot(snap.UpToSlot) + 1
			mp.lastSnap = wire.Slot(snap.UpToSlot)
			bySlot = make(map[wire.Slot]Instance)
		}
	}

	if len(bySlot) > 0 {
		maxSlot := mp.startSlot - 1
		for s := range bySlot {
			if s > maxSlot {
				maxSlot = s
			}
		}
		mp.instances = make([]Instance, maxSlot-mp.startSlot+1)
		for i := range mp.instances {
			mp.instances[i] = newInstance(mp.pop)
		}
		for s, inst := range bySlot {
			mp.instances[s-mp.startSlot] = inst
		}
	}

	for idx := range mp.instances {
		if mp.instances[idx].Status != StatusCommitted {
			break
		}
		for _, req := range mp.instances[idx].Reqs {
			mp.env.Exec.Store().Apply(req.Req.Cmd)
		}
		mp.instances[idx].Status = StatusExecuted
		mp.lastExec = mp.startSlot + wire.Slot(idx)
	}
}

// nextBallot produces a ballot strictly greater than anything seen so far,
// with the replica id folded into the low bits for cluster-wide uniqueness
// (a standard MultiPaxos trick: round*population + replica_id).
func (mp *MultiPaxos) nextBallot() wire.Term {
	round := uint64(mp.balMaxSeen)/uint64(mp.pop) + 1
	return wire.Term(round*uint64(mp.pop) + uint64(mp.env.Me))
}

// firstNullSlot scans linearly for the first Null instance, or the slot
// just past the tail if every instance is in use (spec §9 "lazily-cached
// first-null-slot pointer": acceptable up to tens of thousands of open
// instances; not worth an explicit cursor at this scale).
func (mp *MultiPaxos) firstNullSlot() wire.Slot {
	for i, inst := range mp.instances {
		if inst.Status == StatusEmpty {
			return mp.startSlot + wire.Slot(i)
		}
	}
	return mp.startSlot + wire.Slot(len(mp.instances))
}

func (mp *MultiPaxos) ensureLen(upTo wire.Slot) {
	for mp.startSlot+wire.Slot(len(mp.instances)) <= upTo {
		mp.instances = append(mp.instances, newInstance(mp.pop))
	}
}

// --- client batch handling ---

func (mp *MultiPaxos) HandleClientBatch(reqs []apiserver.ClientRequest) {
	if !mp.isLeader {
		for _, cr := range reqs {
			mp.env.API.SendReply(cr.Client, wire.ApiReply{ReqID: cr.Req.ReqID, Redirect: mp.leader})
		}
		return
	}

	var toReplicate []wire.ClientBoundRequest
	for _, cr := range reqs {
		if cr.Req.ReqID <= mp.maxSeenReqID[cr.Client] {
			continue
		}
		metrics.ClientRequestsTotal.WithLabelValues(cmdKindLabel(cr.Req.Cmd.Kind)).Inc()
		if cr.Req.Cmd.Kind == wire.CmdGet && mp.canServeLeaseRead() {
			mp.maxSeenReqID[cr.Client] = cr.Req.ReqID
			id := applyID{HasSlot: false, Client: cr.Client, ReqID: cr.Req.ReqID}
			mp.env.Exec.Submit(id, cr.Req.Cmd)
			metrics.LeaseReadsTotal.Inc()
			continue
		}
		mp.maxSeenReqID[cr.Client] = cr.Req.ReqID
		toReplicate = append(toReplicate, wire.ClientBoundRequest{Client: cr.Client, Req: cr.Req})
	}
	if len(toReplicate) == 0 {
		return
	}
	slot := mp.firstNullSlot()
	mp.openSlot(slot, toReplicate, true)
}

func (mp *MultiPaxos) canServeLeaseRead() bool {
	return mp.isLeader && mp.env.Lease.LeaseCnt()+1 >= mp.quorum
}

// isStableLeader is the companion check to canServeLeaseRead without the
// +1 (spec §9 Open Questions); reported on every send-timer tick via
// summerset_is_stable_leader.
func (mp *MultiPaxos) isStableLeader() bool {
	return mp.isLeader && mp.env.Lease.LeaseCnt() >= mp.quorum
}

// openSlot persists and broadcasts an Accept for slot under the currently
// prepared ballot. external marks whether a locally-connected client owes
// a reply; becomeLeader passes true for recovered instances as well, so a
// client that re-sends its request to the new leader gets an answer.
func (mp *MultiPaxos) openSlot(slot wire.Slot, reqs []wire.ClientBoundRequest, external bool) {
	mp.ensureLen(slot)
	idx := int(slot - mp.startSlot)
	inst := newInstance(mp.pop)
	inst.Status = StatusAccepting
	inst.Bal = mp.balPrepared
	inst.Reqs = reqs
	inst.External = external
	mp.instances[idx] = inst

	bm, _ := bitmap.New(mp.pop, false)
	mp.ackFrom[slot] = bm

	entry := wire.LogEntry{Term: mp.balPrepared, Slot: slot, Reqs: reqs, External: external}
	payload, err := walog.GobEncode(entry)
	if err != nil {
		mp.log.Error().Err(err).Msg("encode log entry failed")
		return
	}
	offset, err := mp.env.Log.Append(walog.KindAcceptData, payload, false)
	if err != nil {
		mp.log.Error().Err(err).Msg("async accept append failed")
		return
	}
	mp.instances[idx].LogOffset = offset
	mp.pendingAccept[offset] = slot

	for p := wire.ReplicaID(0); p < wire.ReplicaID(mp.pop); p++ {
		if p == mp.env.Me {
			continue
		}
		mp.env.Net.SendMsg(p, wire.PeerEnvelope{Kind: wire.MsgAccept, Accept: &wire.Accept{
			Slot: slot, Ballot: mp.balPrepared, Reqs: reqs,
		}})
	}
}

// --- log results ---

func (mp *MultiPaxos) HandleLogResult(res walog.AppendResult) {
	if slot, ok := mp.pendingAccept[res.Offset]; ok {
		delete(mp.pendingAccept, res.Offset)
		if res.Err != nil {
			mp.log.Error().Err(res.Err).Uint64("slot", uint64(slot)).Msg("accept append failed")
			return
		}
		idx := int(slot - mp.startSlot)
		if idx < 0 || idx >= len(mp.instances) {
			return
		}
		mp.instances[idx].LogOffset = res.Offset
		if bm, ok := mp.ackFrom[slot]; ok {
			_ = bm.Set(uint8(mp.env.Me), true)
			mp.ackFrom[slot] = bm
		}
		mp.maybeCommit(slot)
		return
	}
	if slot, ok := mp.pendingCommit[res.Offset]; ok {
		delete(mp.pendingCommit, res.Offset)
		if res.Err != nil {
			mp.log.Error().Err(res.Err).Uint64("slot", uint64(slot)).Msg("commit append failed")
			return
		}
		mp.tryApplyUpTo(slot)
	}
}

func (mp *MultiPaxos) maybeCommit(slot wire.Slot) {
	idx := int(slot - mp.startSlot)
	if idx < 0 || idx >= len(mp.instances) {
		return
	}
	if mp.instances[idx].Status != StatusAccepting {
		return
	}
	bm, ok := mp.ackFrom[slot]
	if !ok || bm.Count() < mp.quorum {
		return
	}
	mp.instances[idx].Status = StatusCommitted
	if slot > mp.lastCommit {
		mp.lastCommit = slot
		metrics.CommitSlot.Set(float64(slot))
	}
	off, err := mp.env.Log.Append(walog.KindCommitSlot, walog.EncodeCommitSlot(uint64(slot)), false)
	if err != nil {
		mp.log.Error().Err(err).Msg("commit append submit failed")
		return
	}
	mp.pendingCommit[off] = slot
}

func (mp *MultiPaxos) tryApplyUpTo(upTo wire.Slot) {
	start := mp.lastExec + 1
	if mp.lastExec == mp.startSlot && len(mp.instances) > 0 && mp.instances[0].Status != StatusExecuted {
		// lastExec's zero value does not mean slot startSlot has run yet.
		start = mp.startSlot
	}
	for s := start; s <= upTo; s++ {
		idx := int(s - mp.startSlot)
		if idx < 0 || idx >= len(mp.instances) {
			break
		}
		inst := mp.instances[idx]
		if inst.Status != StatusCommitted {
			break
		}
		for _, req := range inst.Reqs {
			id := applyID{HasSlot: true, Slot: s, Client: req.Client, ReqID: req.Req.ReqID, External: inst.External}
			mp.env.Exec.Submit(id, req.Req.Cmd)
		}
		mp.instances[idx].Status = StatusExecuted
		mp.lastExec = s
		metrics.ExecSlot.Set(float64(s))
	}
	mp.maybeSnapshot()
}

func (mp *MultiPaxos) maybeSnapshot() {
	if uint64(mp.lastExec-mp.startSlot) <= snapshotThreshold {
		return
	}
	kv := mp.env.Exec.Store().Snapshot()
	payload, err := walog.GobEncode(snapshotPayload{UpToSlot: uint64(mp.lastExec), KV: kv})
	if err != nil {
		mp.log.Error().Err(err).Msg("encode snapshot failed")
		return
	}
	if _, err := mp.env.Log.Append(walog.KindSnapshot, payload, true); err != nil {
		mp.log.Error().Err(err).Msg("snapshot append failed")
		return
	}
	keepFrom := int(mp.lastExec-mp.startSlot) + 1
	mp.instances = append([]Instance{}, mp.instances[keepFrom:]...)
	mp.startSlot = mp.lastExec + 1
	mp.lastSnap = mp.lastExec
	for slot := range mp.ackFrom {
		if slot <= mp.lastSnap {
			delete(mp.ackFrom, slot)
		}
	}
	mp.log.Info().Uint64("up_to_slot", uint64(mp.lastSnap)).Msg("snapshot taken")
}

// --- state machine results ---

func (mp *MultiPaxos) HandleSMResult(r statemachine.ApplyResult) {
	id, ok := r.ID.(applyID)
	if !ok {
		return
	}
	if !id.HasSlot || id.External {
		mp.env.API.SendReply(id.Client, wire.ApiReply{ReqID: id.ReqID, Result: &r.Result})
	}
}

// --- peer messages ---

func (mp *MultiPaxos) HandlePeerMsg(from wire.ReplicaID, env wire.PeerEnvelope) {
	switch env.Kind {
	case wire.MsgPrepare:
		mp.onPrepare(from, env.Prepare)
	case wire.MsgPrepareReply:
		mp.onPrepareReply(from, env.PrepareReply)
	case wire.MsgAccept:
		mp.onAccept(from, env.Accept)
	case wire.MsgAcceptReply:
		mp.onAcceptReply(from, env.AcceptReply)
	case wire.MsgCommitNotice:
		mp.onCommitNotice(from, env.CommitNotice)
	case wire.MsgInstallSnapshot:
		mp.onInstallSnapshot(from, env.InstallSnapshot)
	default:
		mp.log.Warn().Uint8("kind", uint8(env.Kind)).Msg("unexpected message kind for multipaxos strategy")
	}
}

func (mp *MultiPaxos) onPrepare(from wire.ReplicaID, p *wire.Prepare) {
	if p.Ballot <= mp.balMaxSeen {
		mp.env.Net.SendMsg(from, wire.PeerEnvelope{Kind: wire.MsgPrepareReply,
			PrepareReply: &wire.PrepareReply{Ballot: mp.balMaxSeen, Granted: false}})
		return
	}
	wasLeader := mp.isLeader
	mp.balMaxSeen = p.Ballot
	metrics.Term.Set(float64(mp.balMaxSeen))
	mp.persistMeta()
	if wasLeader {
		mp.isLeader = false
		mp.balPrepared = 0
		mp.env.Hb.SetSending(false)
		metrics.IsLeader.Set(0)
	}
	mp.leader = &from
	mp.env.Hb.UpdateHeardCnt(from)
	mp.env.Hb.KickoffHearTimer()

	voted := make([]wire.PreparePair, len(mp.instances))
	for i, inst := range mp.instances {
		voted[i] = wire.PreparePair{Ballot: inst.Bal, Reqs: inst.Reqs}
	}
	mp.env.Net.SendMsg(from, wire.PeerEnvelope{Kind: wire.MsgPrepareReply, PrepareReply: &wire.PrepareReply{
		Ballot: p.Ballot, Granted: true, FromSlot: mp.startSlot, Voted: voted,
	}})
}

func (mp *MultiPaxos) onPrepareReply(from wire.ReplicaID, pr *wire.PrepareReply) {
	if pr.Ballot > mp.balMaxSeen {
		mp.balMaxSeen = pr.Ballot
	}
	if pr.Ballot != mp.prepareBallot || !pr.Granted {
		return
	}
	_ = mp.prepareVotes.Set(uint8(from), true)
	for i, pair := range pr.Voted {
		slot := pr.FromSlot + wire.Slot(i)
		if pair.Ballot == 0 {
			continue
		}
		if best, ok := mp.prepareBest[slot]; !ok || pair.Ballot > best.Ballot {
			mp.prepareBest[slot] = pair
		}
	}
	if mp.prepareVotes.Count() >= mp.quorum {
		mp.becomeLeader()
	}
}

func (mp *MultiPaxos) onAccept(from wire.ReplicaID, ac *wire.Accept) {
	if ac.Ballot < mp.balMaxSeen {
		mp.env.Net.SendMsg(from, wire.PeerEnvelope{Kind: wire.MsgAcceptReply,
			AcceptReply: &wire.AcceptReply{Slot: ac.Slot, Ballot: mp.balMaxSeen, Granted: false}})
		return
	}
	mp.balMaxSeen = ac.Ballot
	mp.leader = &from
	mp.env.Hb.UpdateHeardCnt(from)
	mp.env.Hb.KickoffHearTimer()
	mp.refreshLeaseGrant(from)

	mp.ensureLen(ac.Slot)
	idx := int(ac.Slot - mp.startSlot)
	if mp.instances[idx].Status == StatusCommitted || mp.instances[idx].Status == StatusExecuted {
		mp.env.Net.SendMsg(from, wire.PeerEnvelope{Kind: wire.MsgAcceptReply,
			AcceptReply: &wire.AcceptReply{Slot: ac.Slot, Ballot: ac.Ballot, Granted: true}})
		return
	}
	if ac.Ballot < mp.instances[idx].Bal {
		mp.env.Net.SendMsg(from, wire.PeerEnvelope{Kind: wire.MsgAcceptReply,
			AcceptReply: &wire.AcceptReply{Slot: ac.Slot, Ballot: mp.instances[idx].Bal, Granted: false}})
		return
	}

	inst := newInstance(mp.pop)
	inst.Status = StatusAccepting
	inst.Bal = ac.Ballot
	inst.Reqs = ac.Reqs
	mp.instances[idx] = inst

	entry := wire.LogEntry{Term: ac.Ballot, Slot: ac.Slot, Reqs: ac.Reqs}
	payload, err := walog.GobEncode(entry)
	if err != nil {
		mp.log.Error().Err(err).Msg("encode accepted entry failed")
		return
	}
	// durability rule: persist before replying Accept. SyncAction drains
	// any still-in-flight async results first and folds them into state
	// before this synchronous append runs (spec §5 sync_action pattern).
	drained, off, err := mp.env.Log.SyncAction(func() (uint64, error) {
		return mp.env.Log.Append(walog.KindAcceptData, payload, true)
	})
	for _, res := range drained {
		mp.HandleLogResult(res)
	}
	if err != nil {
		mp.log.Error().Err(err).Msg("follower accept append failed")
		return
	}
	mp.instances[idx].LogOffset = off
	mp.env.Net.SendMsg(from, wire.PeerEnvelope{Kind: wire.MsgAcceptReply,
		AcceptReply: &wire.AcceptReply{Slot: ac.Slot, Ballot: ac.Ballot, Granted: true}})
}

func (mp *MultiPaxos) onAcceptReply(from wire.ReplicaID, ar *wire.AcceptReply) {
	if ar.Ballot > mp.balMaxSeen {
		mp.balMaxSeen = ar.Ballot
	}
	if !mp.isLeader || ar.Ballot != mp.balPrepared || !ar.Granted {
		return
	}
	bm, ok := mp.ackFrom[ar.Slot]
	if !ok {
		bm, _ = bitmap.New(mp.pop, false)
	}
	_ = bm.Set(uint8(from), true)
	mp.ackFrom[ar.Slot] = bm
	mp.env.Hb.UpdateBcastCnts(from)
	mp.maybeCommit(ar.Slot)
}

func (mp *MultiPaxos) onCommitNotice(from wire.ReplicaID, cn *wire.CommitNotice) {
	if cn.Ballot < mp.balMaxSeen {
		return
	}
	mp.leader = &from
	mp.env.Hb.UpdateHeardCnt(from)
	mp.env.Hb.KickoffHearTimer()
	if cn.LeaderCommit <= mp.lastCommit {
		return
	}
	lastKnown := mp.startSlot + wire.Slot(len(mp.instances)) - 1
	newCommit := cn.LeaderCommit
	if lastKnown < newCommit {
		newCommit = lastKnown
	}
	for s := mp.lastCommit + 1; s <= newCommit; s++ {
		idx := int(s - mp.startSlot)
		if idx < 0 || idx >= len(mp.instances) {
			break
		}
		mp.instances[idx].Status = StatusCommitted
	}
	mp.lastCommit = newCommit
	mp.tryApplyUpTo(newCommit)
}

func (mp *MultiPaxos) onInstallSnapshot(from wire.ReplicaID, is *wire.InstallSnapshot) {
	mp.balMaxSeen = is.Term
	var snap snapshotPayload
	if err := walog.GobDecode(is.Payload, &snap); err != nil {
		mp.log.Error().Err(err).Msg("decode install snapshot failed")
		return
	}
	mp.env.Exec.Store().Restore(snap.KV)
	if _, err := mp.env.Log.Append(walog.KindSnapshot, is.Payload, true); err != nil {
		mp.log.Error().Err(err).Msg("persist installed snapshot failed")
	}
	mp.startSlot = is.LastSnap + 1
	mp.lastSnap = is.LastSnap
	mp.instances = nil
	if mp.lastCommit < is.LastSnap {
		mp.lastCommit = is.LastSnap
	}
	if mp.lastExec < is.LastSnap {
		mp.lastExec = is.LastSnap
	}
	mp.env.Net.SendMsg(from, wire.PeerEnvelope{Kind: wire.MsgInstallSnapshotReply,
		InstallSnapshotReply: &wire.InstallSnapshotReply{Term: mp.balMaxSeen}})
}

// --- lease lane ---

func (mp *MultiPaxos) HandleLeaseMsg(from wire.ReplicaID, msg wire.LeaseMsg) {
	switch msg.Kind {
	case wire.LeaseGrant, wire.LeasePromise, wire.LeaseRefresh:
		mp.env.Lease.OnPromise(from, msg.Num, time.Unix(0, msg.Expiry))
	case wire.LeaseRevoke:
		mp.env.Lease.OnRevoke(from)
	}
}

func (mp *MultiPaxos) HandleLeaseAction(a lease.Action) {
	switch a.Kind {
	case lease.ActionSendLeaseMsg:
		_ = mp.env.Net.SendLeaseMsg(a.Peer, a.Msg)
	case lease.ActionBcastLeaseMsgs:
		for p := wire.ReplicaID(0); p < wire.ReplicaID(mp.pop); p++ {
			if p != mp.env.Me {
				_ = mp.env.Net.SendLeaseMsg(p, a.Msg)
			}
		}
	case lease.ActionGrantTimeout, lease.ActionGrantRemoved, lease.ActionHigherNumber, lease.ActionNextExpiration:
	}
}

func (mp *MultiPaxos) refreshLeaseGrant(leader wire.ReplicaID) {
	if mp.grantedTo != nil && *mp.grantedTo == leader {
		return
	}
	if mp.grantedTo != nil {
		mp.env.Lease.Revoke(*mp.grantedTo)
	}
	mp.env.Lease.Grant(leader)
	mp.grantedTo = &leader
}

// --- timers ---

func (mp *MultiPaxos) HandleTimerFire(kind TimerKind) {
	switch kind {
	case TimerHear:
		if !mp.isLeader {
			mp.startPrepare()
		}
		mp.env.Hb.KickoffHearTimer()
	case TimerSend:
		if mp.isLeader {
			mp.env.Net.BcastMsg(wire.PeerEnvelope{Kind: wire.MsgCommitNotice, CommitNotice: &wire.CommitNotice{
				Ballot: mp.balPrepared, LeaderCommit: mp.lastCommit, LastSnap: mp.lastSnap,
			}}, nil)
			mp.env.Hb.RearmSendTimer()
		}
		if mp.isStableLeader() {
			metrics.IsStableLeader.Set(1)
		} else {
			metrics.IsStableLeader.Set(0)
		}
		metrics.LeaseGrantCount.Set(float64(mp.env.Lease.GrantSet().Count()))
	case TimerLeaseCheck:
	}
}

func (mp *MultiPaxos) startPrepare() {
	mp.prepareBallot = mp.nextBallot()
	mp.balMaxSeen = mp.prepareBallot
	mp.persistMeta()
	mp.prepareVotes, _ = bitmap.New(mp.pop, false)
	mp.prepareBest = make(map[wire.Slot]wire.PreparePair)
	_ = mp.prepareVotes.Set(uint8(mp.env.Me), true)
	for i, inst := range mp.instances {
		if inst.Bal != 0 {
			mp.prepareBest[mp.startSlot+wire.Slot(i)] = wire.PreparePair{Ballot: inst.Bal, Reqs: inst.Reqs}
		}
	}
	mp.log.Info().Uint64("ballot", uint64(mp.prepareBallot)).Msg("starting prepare round")
	for p := wire.ReplicaID(0); p < wire.ReplicaID(mp.pop); p++ {
		if p == mp.env.Me {
			continue
		}
		mp.env.Net.SendMsg(p, wire.PeerEnvelope{Kind: wire.MsgPrepare, Prepare: &wire.Prepare{Ballot: mp.prepareBallot}})
	}
	if mp.quorum <= 1 {
		mp.becomeLeader()
	}
}

// becomeLeader adopts the highest-ballot value reported for every open
// slot the prepare quorum knows about, re-driving each to commit under the
// new ballot (spec §4.6 leader-completeness), then starts accepting new
// client batches from the first free slot onward.
func (mp *MultiPaxos) becomeLeader() {
	mp.isLeader = true
	mp.balPrepared = mp.prepareBallot
	self := mp.env.Me
	mp.leader = &self
	metrics.IsLeader.Set(1)
	metrics.Term.Set(float64(mp.balPrepared))

	slots := make([]wire.Slot, 0, len(mp.prepareBest))
	for s := range mp.prepareBest {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	mp.env.Hb.ClearReplyCnts(nil)
	mp.env.Hb.SetSending(true)
	mp.log.Info().Uint64("ballot", uint64(mp.balPrepared)).Msg("became leader")

	for _, slot := range slots {
		idx := int(slot - mp.startSlot)
		if idx >= 0 && idx < len(mp.instances) &&
			(mp.instances[idx].Status == StatusCommitted || mp.instances[idx].Status == StatusExecuted) {
			continue // already settled; no need to re-drive
		}
		pair := mp.prepareBest[slot]
		mp.openSlot(slot, pair.Reqs, true)
	}
}

func (mp *MultiPaxos) persistMeta() {
	if err := mp.env.Log.WriteMetaAt(walog.MetaPayload{Term: uint64(mp.balMaxSeen)}); err != nil {
		mp.log.Error().Err(err).Msg("persist meta failed")
	}
}
