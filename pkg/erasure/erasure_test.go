package erasure

import (
	"bytes"
	"testing"
)

func TestSplitReconstructRoundTrip(t *testing.T) {
	c, err := New(3, 5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := bytes.Repeat([]byte("summerset-craft-shard-data"), 10)

	shards, err := c.Split(data)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(shards) != 5 {
		t.Fatalf("got %d shards, want 5", len(shards))
	}

	// Drop two shards (simulating two follower failures); with a quorum of
	// 3 we must still be able to reconstruct.
	lossy := make([][]byte, len(shards))
	copy(lossy, shards)
	lossy[0] = nil
	lossy[4] = nil

	if !c.EnoughShards(3) {
		t.Fatal("expected 3 shards to be enough")
	}

	out, err := c.Reconstruct(lossy, len(data))
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("reconstructed data mismatch")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(0, 5); err == nil {
		t.Fatal("expected error for numData=0")
	}
	if _, err := New(5, 5); err == nil {
		t.Fatal("expected error for numAll<=numData")
	}
}
