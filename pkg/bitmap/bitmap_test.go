package bitmap

import "testing"

func TestNewInvalid(t *testing.T) {
	if _, err := New(0, true); err == nil {
		t.Fatal("expected error for size 0")
	}
}

func TestSetGet(t *testing.T) {
	m, err := New(7, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	must := func(e error) {
		t.Helper()
		if e != nil {
			t.Fatalf("unexpected error: %v", e)
		}
	}
	must(m.Set(0, true))
	must(m.Set(1, false))
	must(m.Set(2, true))
	if err := m.Set(7, true); err == nil {
		t.Fatal("expected out-of-bound error")
	}

	checkGet := func(idx uint8, want bool) {
		t.Helper()
		got, err := m.Get(idx)
		must(err)
		if got != want {
			t.Errorf("Get(%d) = %v, want %v", idx, got, want)
		}
	}
	checkGet(0, true)
	checkGet(1, false)
	checkGet(2, true)
	checkGet(3, false)
	if _, err := m.Get(7); err == nil {
		t.Fatal("expected out-of-bound error")
	}
}

func TestFlip(t *testing.T) {
	m, _ := New(5, false)
	_ = m.Set(1, true)
	m.Flip()
	want, _ := FromIndexes(5, []uint8{0, 2, 3, 4})
	if !m.Equal(want) {
		t.Errorf("Flip mismatch: got %v want %v", m, want)
	}
}

func TestUnion(t *testing.T) {
	a, _ := FromIndexes(5, []uint8{0, 1, 3})
	b, _ := FromIndexes(5, []uint8{0, 4})
	if err := a.Union(b); err != nil {
		t.Fatalf("Union: %v", err)
	}
	want, _ := FromIndexes(5, []uint8{0, 1, 3, 4})
	if !a.Equal(want) {
		t.Errorf("Union mismatch: got %v want %v", a, want)
	}
}

func TestUnionSizeMismatch(t *testing.T) {
	a, _ := New(5, false)
	b, _ := New(6, false)
	if err := a.Union(b); err == nil {
		t.Fatal("expected size-mismatch error")
	}
}

func TestCount(t *testing.T) {
	m, _ := New(7, false)
	if m.Count() != 0 {
		t.Fatalf("expected 0, got %d", m.Count())
	}
	_ = m.Set(0, true)
	_ = m.Set(2, true)
	_ = m.Set(3, true)
	if m.Count() != 3 {
		t.Fatalf("expected 3, got %d", m.Count())
	}
}

func TestFullEmpty(t *testing.T) {
	m, _ := New(3, true)
	if !m.Full() {
		t.Error("expected full")
	}
	_ = m.Set(0, false)
	if m.Full() || m.Empty() {
		t.Error("expected neither full nor empty")
	}
}

func TestIterAndIndexes(t *testing.T) {
	m, _ := New(5, true)
	_ = m.Set(2, false)
	want := map[uint8]bool{0: true, 1: true, 2: false, 3: true, 4: true}
	got := m.Iter()
	for id, flag := range want {
		if got[id] != flag {
			t.Errorf("Iter[%d] = %v, want %v", id, got[id], flag)
		}
	}
	idxs := m.Indexes()
	wantIdxs := []uint8{0, 1, 3, 4}
	if len(idxs) != len(wantIdxs) {
		t.Fatalf("Indexes() = %v, want %v", idxs, wantIdxs)
	}
	for i := range idxs {
		if idxs[i] != wantIdxs[i] {
			t.Errorf("Indexes()[%d] = %d, want %d", i, idxs[i], wantIdxs[i])
		}
	}
}

func TestWideBitmap(t *testing.T) {
	// exercise the multi-word path (size > 64)
	m, _ := New(200, false)
	_ = m.Set(199, true)
	_ = m.Set(64, true)
	if m.Count() != 2 {
		t.Fatalf("expected 2, got %d", m.Count())
	}
	got, _ := m.Get(199)
	if !got {
		t.Error("expected bit 199 set")
	}
}
