package statemachine

import (
	"testing"

	"github.com/dssys/summerset-go/pkg/wire"
)

func TestApplyPutThenGet(t *testing.T) {
	store := NewStore()

	res := store.Apply(wire.Command{Kind: wire.CmdPut, Key: []byte("k1"), Value: []byte("v1")})
	if res.HasOld {
		t.Fatalf("expected no previous value, got %q", res.OldValue)
	}

	res = store.Apply(wire.Command{Kind: wire.CmdGet, Key: []byte("k1")})
	if !res.HasValue || string(res.Value) != "v1" {
		t.Fatalf("got %+v, want value v1", res)
	}
}

func TestApplyPutReturnsOldValue(t *testing.T) {
	store := NewStore()
	store.Apply(wire.Command{Kind: wire.CmdPut, Key: []byte("k"), Value: []byte("v1")})
	res := store.Apply(wire.Command{Kind: wire.CmdPut, Key: []byte("k"), Value: []byte("v2")})
	if !res.HasOld || string(res.OldValue) != "v1" {
		t.Fatalf("got %+v, want old value v1", res)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	store := NewStore()
	store.Apply(wire.Command{Kind: wire.CmdPut, Key: []byte("a"), Value: []byte("1")})
	snap := store.Snapshot()

	other := NewStore()
	other.Restore(snap)
	res := other.Apply(wire.Command{Kind: wire.CmdGet, Key: []byte("a")})
	if !res.HasValue || string(res.Value) != "1" {
		t.Fatalf("got %+v after restore, want value 1", res)
	}
}

func TestExecutorAppliesAsynchronouslyWithEchoedID(t *testing.T) {
	ex := NewExecutor(NewStore())
	defer ex.Close()

	ex.Submit("req-1", wire.Command{Kind: wire.CmdPut, Key: []byte("x"), Value: []byte("y")})
	result := <-ex.Results()
	if result.ID != "req-1" {
		t.Fatalf("got ID %v, want req-1", result.ID)
	}
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
}

func TestExecutorAppliesInSubmissionOrder(t *testing.T) {
	ex := NewExecutor(NewStore())
	defer ex.Close()

	const n = 50
	for i := 0; i < n; i++ {
		ex.Submit(i, wire.Command{Kind: wire.CmdPut, Key: []byte("k"), Value: []byte{byte(i)}})
	}
	for i := 0; i < n; i++ {
		result := <-ex.Results()
		if result.ID != i {
			t.Fatalf("out of order: got ID %v at position %d, want %d", result.ID, i, i)
		}
	}
}
