// Package heartbeat implements the Heartbeater (spec §4.4): hear timers,
// the leader's send timer, per-peer reply counters, and the derived
// peer_alive() bitmap CRaft uses to detect fallback conditions.
//
// The Heartbeater never runs its own goroutine loop: every timer it owns is
// exposed as a channel the replica core's single select statement
// multiplexes alongside peer/client/log/lease events (spec §5). This keeps
// the "no shared mutable state outside message passing" rule intact — the
// Heartbeater's fields are only ever touched from the replica core
// goroutine that owns it.
package heartbeat

import (
	"math/rand"
	"time"

	"github.com/dssys/summerset-go/pkg/bitmap"
	"github.com/dssys/summerset-go/pkg/wire"
)

type Heartbeater struct {
	population uint8
	me         wire.ReplicaID

	loT, hiT time.Duration // hear-timer range [T, 2T]
	sendEach time.Duration // send-timer period T/k

	hearTimer *time.Timer
	sendTimer *time.Timer

	sending bool

	// heardCnt[p] counts heartbeats/AppendEntries/Accept heard from peer p
	// since the last clear (follower receive paths only); bcastCnt[p]
	// counts our own broadcasts acked by p (leader receive paths only). A
	// peer is alive if either counter advanced within the last hear
	// window: a leader never hears from peers on heardCnt (it only ever
	// receives their replies on bcastCnt), and a follower rarely
	// broadcasts, so PeerAlive must accept either signal to mean anything
	// in both roles.
	heardCnt      map[wire.ReplicaID]uint64
	bcastCnt      map[wire.ReplicaID]uint64
	lastSeen      map[wire.ReplicaID]uint64 // heardCnt snapshot at last alive check
	lastSeenBcast map[wire.ReplicaID]uint64 // bcastCnt snapshot at last alive check

	rng *rand.Rand
}

func New(population uint8, me wire.ReplicaID, period time.Duration, k uint8) *Heartbeater {
	if k == 0 {
		k = 1
	}
	h := &Heartbeater{
		population: population,
		me:         me,
		loT:        period,
		hiT:        2 * period,
		sendEach:   period / time.Duration(k),
		heardCnt:      make(map[wire.ReplicaID]uint64, population),
		bcastCnt:      make(map[wire.ReplicaID]uint64, population),
		lastSeen:      make(map[wire.ReplicaID]uint64, population),
		lastSeenBcast: make(map[wire.ReplicaID]uint64, population),
		rng:           rand.New(rand.NewSource(int64(me) + 1)),
	}
	for p := wire.ReplicaID(0); p < wire.ReplicaID(population); p++ {
		if p == me {
			continue
		}
		h.heardCnt[p] = 0
		h.bcastCnt[p] = 0
		h.lastSeen[p] = 0
		h.lastSeenBcast[p] = 0
	}
	return h
}

func (h *Heartbeater) randomInterval() time.Duration {
	span := h.hiT - h.loT
	if span <= 0 {
		return h.loT
	}
	return h.loT + time.Duration(h.rng.Int63n(int64(span)))
}

// KickoffHearTimer (re)arms the hear timer with a fresh randomized
// interval, to avoid split votes across replicas (spec §5 cancellation
// rule).
func (h *Heartbeater) KickoffHearTimer() {
	d := h.randomInterval()
	if h.hearTimer == nil {
		h.hearTimer = time.NewTimer(d)
		return
	}
	if !h.hearTimer.Stop() {
		select {
		case <-h.hearTimer.C:
		default:
		}
	}
	h.hearTimer.Reset(d)
}

// HearTimeout is the channel the replica core selects on for suspension
// point 6 (timer expirations) to detect a missed heartbeat.
func (h *Heartbeater) HearTimeout() <-chan time.Time {
	if h.hearTimer == nil {
		h.KickoffHearTimer()
	}
	return h.hearTimer.C
}

// SetSending toggles whether the send timer is armed; only a leader sends.
func (h *Heartbeater) SetSending(on bool) {
	h.sending = on
	if !on {
		if h.sendTimer != nil {
			h.sendTimer.Stop()
		}
		return
	}
	if h.sendTimer == nil {
		h.sendTimer = time.NewTimer(h.sendEach)
	} else {
		h.sendTimer.Reset(h.sendEach)
	}
}

// SendTimeout fires every T/k while SetSending(true) is in effect.
func (h *Heartbeater) SendTimeout() <-chan time.Time {
	if h.sendTimer == nil {
		return make(chan time.Time) // never fires until SetSending(true)
	}
	return h.sendTimer.C
}

// RearmSendTimer must be called after each SendTimeout fire to keep the
// periodic cadence going (time.Timer is one-shot).
func (h *Heartbeater) RearmSendTimer() {
	if h.sending && h.sendTimer != nil {
		h.sendTimer.Reset(h.sendEach)
	}
}

// UpdateHeardCnt records that a heartbeat/AppendEntries was heard from peer.
func (h *Heartbeater) UpdateHeardCnt(peer wire.ReplicaID) {
	h.heardCnt[peer]++
}

// UpdateBcastCnts records that our broadcast was acked by peer.
func (h *Heartbeater) UpdateBcastCnts(peer wire.ReplicaID) {
	h.bcastCnt[peer]++
}

// ClearReplyCnts resets reply counters for peer, or for everyone if peer is
// nil — used when stepping up as leader so stale counts from a prior term
// don't falsely mark a peer alive.
func (h *Heartbeater) ClearReplyCnts(peer *wire.ReplicaID) {
	if peer != nil {
		h.heardCnt[*peer] = 0
		h.bcastCnt[*peer] = 0
		h.lastSeen[*peer] = 0
		h.lastSeenBcast[*peer] = 0
		return
	}
	for p := range h.heardCnt {
		h.heardCnt[p] = 0
		h.bcastCnt[p] = 0
		h.lastSeen[p] = 0
		h.lastSeenBcast[p] = 0
	}
}

// PeerAlive snapshots which peers have advanced either heardCnt or bcastCnt
// since the previous call, returning a fresh bitmap each time this is
// sampled on the hear-window cadence. Self is always considered alive.
// Checking both counters matters because the two are written from disjoint
// roles: a follower advances heardCnt for the peers it hears AppendEntries/
// Accept from, while a leader only ever advances bcastCnt (its peers never
// send it AppendEntries/Accept back) — reading heardCnt alone would make
// every leader see its peers as permanently dead.
func (h *Heartbeater) PeerAlive() (bitmap.Bitmap, error) {
	b, err := bitmap.New(h.population, false)
	if err != nil {
		return bitmap.Bitmap{}, err
	}
	if err := b.Set(uint8(h.me), true); err != nil {
		return bitmap.Bitmap{}, err
	}
	for p, cnt := range h.heardCnt {
		alive := cnt > h.lastSeen[p] || h.bcastCnt[p] > h.lastSeenBcast[p]
		if err := b.Set(uint8(p), alive); err != nil {
			return bitmap.Bitmap{}, err
		}
		h.lastSeen[p] = cnt
		h.lastSeenBcast[p] = h.bcastCnt[p]
	}
	return b, nil
}
