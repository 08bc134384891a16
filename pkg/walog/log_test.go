package walog

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

func openRawForAppend(dir string) (*os.File, error) {
	return os.OpenFile(dir+string(os.PathSeparator)+fileName, os.O_RDWR|os.O_APPEND, 0o644)
}

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, records, err := Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(records) != 1 || records[0].Kind != KindMeta {
		t.Fatalf("expected a single initial Meta record, got %v", records)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpenInitializesMeta(t *testing.T) {
	openTestLog(t)
}

func TestAppendSyncRoundTrip(t *testing.T) {
	l := openTestLog(t)

	payload := EncodeCommitSlot(42)
	offset, err := l.Append(KindCommitSlot, payload, true)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	rec, err := l.Read(offset)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	slot, err := DecodeCommitSlot(rec)
	if err != nil {
		t.Fatalf("DecodeCommitSlot: %v", err)
	}
	if slot != 42 {
		t.Fatalf("got slot %d, want 42", slot)
	}
}

func TestWriteMetaAtOverwritesFixedOffset(t *testing.T) {
	l := openTestLog(t)

	if err := l.WriteMetaAt(MetaPayload{Term: 7, HasVotedFor: true, VotedFor: 2}); err != nil {
		t.Fatalf("WriteMetaAt: %v", err)
	}
	rec, err := l.Read(0)
	if err != nil {
		t.Fatalf("Read(0): %v", err)
	}
	m, err := DecodeMeta(rec)
	if err != nil {
		t.Fatalf("DecodeMeta: %v", err)
	}
	if m.Term != 7 || !m.HasVotedFor || m.VotedFor != 2 {
		t.Fatalf("got %+v, want Term=7 HasVotedFor=true VotedFor=2", m)
	}
}

func TestSyncActionDrainsPriorAsyncResults(t *testing.T) {
	l := openTestLog(t)

	var offsets []uint64
	for i := uint64(0); i < 5; i++ {
		off, err := l.Append(KindCommitSlot, EncodeCommitSlot(i), false)
		if err != nil {
			t.Fatalf("Append async: %v", err)
		}
		offsets = append(offsets, off)
	}

	drained, _, err := l.SyncAction(func() (uint64, error) {
		return l.Append(KindCommitSlot, EncodeCommitSlot(99), true)
	})
	if err != nil {
		t.Fatalf("SyncAction: %v", err)
	}

	// SyncAction drains before it runs the synchronous action, so any of
	// the 5 async writes still in flight at that moment are not in
	// drained; the test can only bound the count and check for errors.
	if len(drained) > len(offsets) {
		t.Fatalf("drained more results (%d) than submitted (%d)", len(drained), len(offsets))
	}
	for _, r := range drained {
		if r.Err != nil {
			t.Errorf("drained result error: %v", r.Err)
		}
	}
}

func TestTruncate(t *testing.T) {
	l := openTestLog(t)

	off, err := l.Append(KindCommitSlot, EncodeCommitSlot(1), true)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Truncate(off); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if _, err := l.Read(off); err == nil {
		t.Fatal("expected read past truncation point to fail")
	}
}

func TestRecoveryTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	l, _, err := Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	off, err := l.Append(KindCommitSlot, EncodeCommitSlot(5), true)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	l.Close()

	// Simulate a torn tail by appending a truncated header with no payload.
	f, err := openRawForAppend(dir)
	if err != nil {
		t.Fatalf("reopen raw: %v", err)
	}
	if _, err := f.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}); err != nil {
		t.Fatalf("write torn bytes: %v", err)
	}
	f.Close()

	l2, records, err := Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	// Meta + the one CommitSlot record should survive; the torn header
	// must be truncated away.
	if len(records) != 2 {
		t.Fatalf("expected 2 recovered records, got %d", len(records))
	}
	if records[1].Offset != off {
		t.Fatalf("expected second record at offset %d, got %d", off, records[1].Offset)
	}
}
