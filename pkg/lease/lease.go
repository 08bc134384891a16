// Package lease implements the Lease Manager (spec §4.5): a state machine
// per (purpose, peer) pair tracking whether this replica currently grants a
// read lease to a peer, or holds one granted by a peer, keyed by a
// monotonic lease number. Grounded on the original source's
// multipaxos/leaderlease.rs grant/revoke/promise/refresh cycle and the
// exact asymmetric quorum check spec §9's Open Questions calls out.
package lease

import (
	"time"

	"github.com/dssys/summerset-go/pkg/bitmap"
	"github.com/dssys/summerset-go/pkg/wire"
)

// ActionKind tags what GetAction returns.
type ActionKind int

const (
	ActionSendLeaseMsg ActionKind = iota
	ActionBcastLeaseMsgs
	ActionGrantTimeout
	ActionGrantRemoved
	ActionHigherNumber
	ActionNextExpiration
)

type Action struct {
	Kind ActionKind
	Peer wire.ReplicaID           // SendLeaseMsg / GrantTimeout / GrantRemoved
	Msg  wire.LeaseMsg             // SendLeaseMsg / BcastLeaseMsgs
	When time.Time                // NextExpiration
}

// ShrinksGrantSet reports whether this action kind is a signal that the
// local grant_set might have shrunk — callers like ensure_lease_revoked use
// this to decide whether to re-check.
func (a Action) ShrinksGrantSet() bool {
	switch a.Kind {
	case ActionGrantRemoved, ActionGrantTimeout, ActionHigherNumber:
		return true
	default:
		return false
	}
}

type grantState struct {
	expiry time.Time
}

// Manager tracks leases for a single purpose (the spec allows multiple
// purposes; this toolkit only needs the read-lease purpose, matching the
// original source's "only one lease purpose exists in the system" comment).
type Manager struct {
	me         wire.ReplicaID
	population uint8
	duration   time.Duration

	num uint64 // current lease number; bumped on every new grant round

	// grantSet marks peers we currently grant a lease to (we promise not
	// to accept a lower-numbered leader while granted).
	grantSet bitmap.Bitmap
	grants   map[wire.ReplicaID]grantState

	// heldFrom marks peers whose lease we currently hold (they granted to
	// us); used for lease_cnt() on the leader side.
	heldFrom map[wire.ReplicaID]grantState

	actions chan Action
}

func New(me wire.ReplicaID, population uint8, duration time.Duration) *Manager {
	gs, _ := bitmap.New(population, false)
	return &Manager{
		me:         me,
		population: population,
		duration:   duration,
		grantSet:   gs,
		grants:     make(map[wire.ReplicaID]grantState),
		heldFrom:   make(map[wire.ReplicaID]grantState),
		actions:    make(chan Action, 64),
	}
}

// GrantSet returns a copy of the current grant bitmap.
func (m *Manager) GrantSet() bitmap.Bitmap { return m.grantSet.Clone() }

// LeaseCnt returns how many peers currently grant a lease to us — used by
// the leader's is_stable_leader / request-batch fast-path checks, with the
// deliberate asymmetry spec §9 documents: the request-batch path checks
// lease_cnt()+1 >= quorum (counting self), while is_stable_leader checks
// lease_cnt() >= quorum (not counting self, since self is implicit in
// "am I leader at all"). Both are safe: a false negative only routes a
// request through full replication instead of the fast path.
func (m *Manager) LeaseCnt() uint8 {
	now := time.Now()
	var n uint8
	for _, g := range m.heldFrom {
		if g.expiry.After(now) {
			n++
		}
	}
	return n
}

// Grant grants a lease to peer at the current number, expiring after
// duration unless refreshed.
func (m *Manager) Grant(peer wire.ReplicaID) {
	m.num++
	_ = m.grantSet.Set(uint8(peer), true)
	m.grants[peer] = grantState{expiry: time.Now().Add(m.duration)}
	m.actions <- Action{Kind: ActionSendLeaseMsg, Peer: peer, Msg: wire.LeaseMsg{
		Kind: wire.LeaseGrant, Num: m.num, Expiry: m.grants[peer].expiry.UnixNano(),
	}}
	m.actions <- Action{Kind: ActionNextExpiration, When: m.grants[peer].expiry}
}

// Revoke explicitly withdraws our grant to peer before its timer expires.
func (m *Manager) Revoke(peer wire.ReplicaID) {
	if _, ok := m.grants[peer]; !ok {
		return
	}
	delete(m.grants, peer)
	_ = m.grantSet.Set(uint8(peer), false)
	m.actions <- Action{Kind: ActionSendLeaseMsg, Peer: peer, Msg: wire.LeaseMsg{Kind: wire.LeaseRevoke, Num: m.num}}
	m.actions <- Action{Kind: ActionGrantRemoved, Peer: peer}
}

// CheckExpirations must be called periodically (driven by the replica
// core's timer selection) to let timed-out grants fall off.
func (m *Manager) CheckExpirations() {
	now := time.Now()
	for peer, g := range m.grants {
		if !g.expiry.After(now) {
			delete(m.grants, peer)
			_ = m.grantSet.Set(uint8(peer), false)
			m.actions <- Action{Kind: ActionGrantTimeout, Peer: peer}
		}
	}
}

// OnPromise records that peer promised us a lease (we now hold from peer).
func (m *Manager) OnPromise(peer wire.ReplicaID, num uint64, expiry time.Time) {
	if num < m.num {
		m.actions <- Action{Kind: ActionHigherNumber}
		return
	}
	m.num = num
	m.heldFrom[peer] = grantState{expiry: expiry}
}

// OnRevoke records that peer revoked our held lease.
func (m *Manager) OnRevoke(peer wire.ReplicaID) {
	delete(m.heldFrom, peer)
}

// Actions is the channel the replica core's select loop multiplexes for
// suspension point 5 ("receiving a lease action").
func (m *Manager) Actions() <-chan Action { return m.actions }

// StillGranting reports whether we currently grant peer a lease. This is
// the non-blocking predicate behind spec §4.5's ensure_lease_revoked: a
// replica must not vote for a higher-term candidate while still granting a
// lease to the peer it currently follows (invariant 7). Since a replica
// core handler never blocks, the "wait" from the spec's prose is realized
// by the caller simply refusing the action now and letting it naturally
// retry — the candidate resends RequestVote on its own timer, and
// Action.ShrinksGrantSet tells a caller which lease actions are worth
// re-checking this predicate against.
func (m *Manager) StillGranting(peer wire.ReplicaID) bool {
	ok, _ := m.grantSet.Get(uint8(peer))
	return ok
}
