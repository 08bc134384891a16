// Package manager implements the Cluster Manager (spec §2, §4 "Manager
// wire"): a rendezvous and control-plane service external to the
// consensus core. It hands out replica identifiers on registration,
// collects leader-status reports, and pushes reconfiguration notices.
//
// Grounded on the teacher's pkg/api/http.go (net/http + encoding/json,
// ServeMux-per-route) generalized from a KV-read/write handler into a
// control-plane handler; registration nonces use google/uuid the way the
// teacher's session identifiers do, to make duplicate join attempts
// (a replica retrying a register call that actually succeeded) idempotent.
package manager

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dssys/summerset-go/pkg/wire"
)

type replicaRecord struct {
	id      wire.ReplicaID
	addr    string
	apiAddr string
	nonce   string
}

// Manager is the control-plane server. One Manager serves one cluster.
type Manager struct {
	log zerolog.Logger

	mu         sync.Mutex
	population uint8
	byNonce    map[string]*replicaRecord
	byID       map[wire.ReplicaID]*replicaRecord
	nextID     wire.ReplicaID

	leaderID  wire.ReplicaID
	leaderSet bool
	term      wire.Term

	watchers map[wire.ReplicaID]chan wire.ReconfigNotice

	mux *http.ServeMux
}

// New creates a Manager for a cluster of exactly population replicas.
// Replicas are assigned ids [0, population) in registration order.
func New(population uint8, log zerolog.Logger) *Manager {
	m := &Manager{
		log:        log.With().Str("component", "manager").Logger(),
		population: population,
		byNonce:    make(map[string]*replicaRecord),
		byID:       make(map[wire.ReplicaID]*replicaRecord),
		watchers:   make(map[wire.ReplicaID]chan wire.ReconfigNotice),
	}
	m.mux = http.NewServeMux()
	m.mux.HandleFunc("/register", m.handleRegister)
	m.mux.HandleFunc("/leader-status", m.handleLeaderStatus)
	m.mux.HandleFunc("/status", m.handleStatus)
	return m
}

func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) { m.mux.ServeHTTP(w, r) }

type registerHTTPRequest struct {
	Nonce   string `json:"nonce"`
	Addr    string `json:"addr"`     // this replica's P2P address, for peer discovery
	APIAddr string `json:"api_addr"` // this replica's client-facing API address
}

// handleRegister implements the Manager-wire Register/RegisterReply
// exchange (spec "Manager wire"): a joining replica sends a
// self-generated nonce and its address; the manager assigns (or, on a
// retried nonce, re-returns) a stable replica id, reports the fixed
// population, and returns every peer address known so far.
func (m *Manager) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req registerHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := uuid.Parse(req.Nonce); err != nil {
		http.Error(w, "nonce must be a uuid", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.byNonce[req.Nonce]; ok {
		m.writeRegisterReply(w, rec)
		return
	}
	if int(m.nextID) >= int(m.population) {
		http.Error(w, "cluster already at full population", http.StatusConflict)
		return
	}

	rec := &replicaRecord{id: m.nextID, addr: req.Addr, apiAddr: req.APIAddr, nonce: req.Nonce}
	m.nextID++
	m.byNonce[req.Nonce] = rec
	m.byID[rec.id] = rec

	m.log.Info().Uint8("replica", uint8(rec.id)).Str("addr", req.Addr).Msg("replica registered")
	m.writeRegisterReply(w, rec)
}

func (m *Manager) writeRegisterReply(w http.ResponseWriter, self *replicaRecord) {
	peers := make(map[wire.ReplicaID]string, len(m.byID))
	apiPeers := make(map[wire.ReplicaID]string, len(m.byID))
	for id, rec := range m.byID {
		peers[id] = rec.addr
		apiPeers[id] = rec.apiAddr
	}
	reply := wire.RegisterReply{ReplicaID: self.id, Population: m.population, Peers: peers, APIPeers: apiPeers}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}

type leaderStatusHTTPRequest struct {
	Replica uint8  `json:"replica"`
	StepUp  bool   `json:"step_up"`
	Term    uint64 `json:"term"`
}

func (m *Manager) handleLeaderStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req leaderStatusHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	if req.StepUp && req.Term >= m.term {
		m.leaderID = wire.ReplicaID(req.Replica)
		m.leaderSet = true
		m.term = wire.Term(req.Term)
	}
	m.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

// StatusReply is the /status control-plane response: enough for a client
// (spec §4 Client Endpoint: "discovery via manager") to find every
// replica's API address and its best guess at the current leader, without
// itself occupying a replica slot the way Register does.
type StatusReply struct {
	Population uint8                     `json:"population"`
	Registered int                       `json:"registered"`
	APIPeers   map[wire.ReplicaID]string `json:"api_peers"`
	LeaderID   wire.ReplicaID            `json:"leader_id"`
	LeaderSet  bool                      `json:"leader_set"`
	Term       uint64                    `json:"term"`
}

func (m *Manager) handleStatus(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	apiPeers := make(map[wire.ReplicaID]string, len(m.byID))
	for id, rec := range m.byID {
		apiPeers[id] = rec.apiAddr
	}
	status := StatusReply{
		Population: m.population,
		Registered: len(m.byID),
		APIPeers:   apiPeers,
		LeaderID:   m.leaderID,
		LeaderSet:  m.leaderSet,
		Term:       uint64(m.term),
	}
	m.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// LeaderID reports the last-known leader, if any has stepped up.
func (m *Manager) LeaderID() (wire.ReplicaID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaderID, m.leaderSet
}

// Watch registers ch to receive future ReconfigNotices for replica.
// Non-goals (spec §1) exclude reconfiguration beyond simple add/remove
// notices, so this is deliberately push-only with no ack protocol.
func (m *Manager) Watch(replica wire.ReplicaID) <-chan wire.ReconfigNotice {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan wire.ReconfigNotice, 4)
	m.watchers[replica] = ch
	return ch
}

// AddReplica admits a new replica address and notifies every watcher.
func (m *Manager) AddReplica(id wire.ReplicaID, addr string) {
	m.mu.Lock()
	m.byID[id] = &replicaRecord{id: id, addr: addr}
	if id >= m.population {
		m.population = id + 1
	}
	notice := wire.ReconfigNotice{Added: map[wire.ReplicaID]string{id: addr}}
	watchers := make([]chan wire.ReconfigNotice, 0, len(m.watchers))
	for _, ch := range m.watchers {
		watchers = append(watchers, ch)
	}
	m.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- notice:
		default:
		}
	}
}

// RemoveReplica evicts a replica and notifies every watcher.
func (m *Manager) RemoveReplica(id wire.ReplicaID) {
	m.mu.Lock()
	delete(m.byID, id)
	notice := wire.ReconfigNotice{Removed: []wire.ReplicaID{id}}
	watchers := make([]chan wire.ReconfigNotice, 0, len(m.watchers))
	for _, ch := range m.watchers {
		watchers = append(watchers, ch)
	}
	m.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- notice:
		default:
		}
	}
}
