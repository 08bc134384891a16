package replica

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dssys/summerset-go/pkg/apiserver"
	"github.com/dssys/summerset-go/pkg/statemachine"
	"github.com/dssys/summerset-go/pkg/walog"
	"github.com/dssys/summerset-go/pkg/wire"
)

func newTestEnv(t *testing.T, dir string) (*Env, func()) {
	t.Helper()
	log, records, err := walog.Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("walog.Open: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty log, got %d records", len(records))
	}
	store := statemachine.NewStore()
	exec := statemachine.NewExecutor(store)
	api := apiserver.New(zerolog.Nop())
	env := &Env{Me: 0, Population: 1, Quorum: 1, Log: log, API: api, Exec: exec}
	return env, func() {
		exec.Close()
		log.Close()
	}
}

// awaitApply folds the one state-machine result a HandleClientBatch call
// produces into rn, mirroring what Core.Run's select loop would do for a
// single client request (HandleClientBatch already appends and submits
// synchronously, so only the exec result remains asynchronous here).
func awaitApply(t *testing.T, rn *RepNothing, env *Env) {
	t.Helper()
	select {
	case sm := <-env.Exec.Results():
		rn.HandleSMResult(sm)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state machine result")
	}
}

func TestRepNothingPutThenGetRoundTrips(t *testing.T) {
	env, closeEnv := newTestEnv(t, t.TempDir())
	defer closeEnv()

	rn := NewRepNothing(env, nil, zerolog.Nop())
	client := wire.ClientID(42)

	rn.HandleClientBatch([]apiserver.ClientRequest{{
		Client: client,
		Req:    wire.ApiRequest{ReqID: 1, Cmd: wire.Command{Kind: wire.CmdPut, Key: []byte("k"), Value: []byte("v1")}},
	}})
	awaitApply(t, rn, env)

	rn.HandleClientBatch([]apiserver.ClientRequest{{
		Client: client,
		Req:    wire.ApiRequest{ReqID: 2, Cmd: wire.Command{Kind: wire.CmdGet, Key: []byte("k")}},
	}})
	awaitApply(t, rn, env)

	snap := env.Exec.Store().Snapshot()
	if got := string(snap["k"]); got != "v1" {
		t.Fatalf("store[k] = %q, want v1", got)
	}
	if rn.nextSlot != 2 {
		t.Fatalf("nextSlot = %d, want 2", rn.nextSlot)
	}
}

func TestRepNothingReplaysAcceptedEntriesOnRestart(t *testing.T) {
	dir := t.TempDir()
	env, closeEnv := newTestEnv(t, dir)

	rn := NewRepNothing(env, nil, zerolog.Nop())
	rn.HandleClientBatch([]apiserver.ClientRequest{{
		Client: wire.ClientID(1),
		Req:    wire.ApiRequest{ReqID: 1, Cmd: wire.Command{Kind: wire.CmdPut, Key: []byte("k"), Value: []byte("v1")}},
	}})
	awaitApply(t, rn, env)
	closeEnv()

	log2, records, err := walog.Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("walog.Open (reopen): %v", err)
	}
	defer log2.Close()
	store2 := statemachine.NewStore()
	exec2 := statemachine.NewExecutor(store2)
	defer exec2.Close()
	env2 := &Env{Me: 0, Population: 1, Quorum: 1, Log: log2, Exec: exec2}

	rn2 := NewRepNothing(env2, records, zerolog.Nop())
	snap := store2.Snapshot()
	if got := string(snap["k"]); got != "v1" {
		t.Fatalf("after replay, store[k] = %q, want v1", got)
	}
	if rn2.nextSlot != 1 {
		t.Fatalf("nextSlot after replay = %d, want 1", rn2.nextSlot)
	}
}

func TestRepNothingIgnoresLogResultForUnknownOffset(t *testing.T) {
	env, closeEnv := newTestEnv(t, t.TempDir())
	defer closeEnv()

	rn := NewRepNothing(env, nil, zerolog.Nop())
	// Must not panic or block on an offset it never issued.
	rn.HandleLogResult(walog.AppendResult{Offset: 999})
}
