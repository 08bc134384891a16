// Package statemachine implements the State Machine Executor (spec §4,
// component list item "State Machine Executor"): an in-memory, deterministic,
// idempotent key-value store that applies Commands and returns
// CommandResults asynchronously, tagged with a command identifier so the
// replica core can match completions back to the log slot that produced
// them. Grounded on the teacher repo's pkg/kv.Store (map + per-client
// session dedup table), generalized to the wire.Command/CommandResult
// variants this spec defines instead of the teacher's Set/Delete pair.
package statemachine

import "github.com/dssys/summerset-go/pkg/wire"

// Store is the deterministic keyed state. It is owned exclusively by the
// Executor's apply loop; nothing else may touch data directly, so no lock
// is needed (spec §5: no shared mutable state outside message passing).
type Store struct {
	data map[string][]byte
}

func NewStore() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Apply executes cmd against the store and returns its result. Get never
// mutates; Put returns the previous value, if any.
func (s *Store) Apply(cmd wire.Command) wire.CommandResult {
	switch cmd.Kind {
	case wire.CmdGet:
		v, ok := s.data[string(cmd.Key)]
		return wire.CommandResult{Kind: wire.ResGet, Value: v, HasValue: ok}
	case wire.CmdPut:
		old, had := s.data[string(cmd.Key)]
		s.data[string(cmd.Key)] = cmd.Value
		return wire.CommandResult{Kind: wire.ResPut, OldValue: old, HasOld: had}
	default:
		return wire.CommandResult{}
	}
}

// Snapshot serializes the entire store for the Durable Log Store's
// Snapshot record (spec §4.10). The format is an implementation detail of
// this package alone — it is never interpreted outside Restore.
func (s *Store) Snapshot() map[string][]byte {
	cp := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		cp[k] = v
	}
	return cp
}

// Restore replaces the store's contents wholesale, used when installing a
// snapshot taken locally or received via InstallSnapshot.
func (s *Store) Restore(snap map[string][]byte) {
	s.data = make(map[string][]byte, len(snap))
	for k, v := range snap {
		s.data[k] = v
	}
}

func (s *Store) Len() int { return len(s.data) }
