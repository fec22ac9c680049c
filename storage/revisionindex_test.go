package storage

import "testing"

func TestCreateRevisionIndexRejectsNonMonotonic(t *testing.T) {
	if _, err := CreateRevisionIndex([]int64{1, 2, 1}, []int64{0, 1, 2}); err == nil {
		t.Fatal("expected non-monotonic timestamps to error")
	}
}

func TestCreateRevisionIndexRejectsLengthMismatch(t *testing.T) {
	if _, err := CreateRevisionIndex([]int64{1, 2}, []int64{0}); err == nil {
		t.Fatal("expected mismatched timestamps/offsets lengths to error")
	}
}

func TestFindRevisionExactAndInsertionPoint(t *testing.T) {
	timestamps := []int64{10, 20, 30, 40, 50}
	offsets := []int64{0, 100, 200, 300, 400}
	idx, err := CreateRevisionIndex(timestamps, offsets)
	if err != nil {
		t.Fatalf("CreateRevisionIndex: %v", err)
	}

	for r, ts := range timestamps {
		if got := idx.FindRevision(ts); got != r {
			t.Fatalf("FindRevision(%d) = %d, want %d", ts, got, r)
		}
	}
	if got := idx.FindRevision(5); got != -1 {
		t.Fatalf("FindRevision(5) = %d, want -1 (insert before index 0)", got)
	}
	if got := idx.FindRevision(25); got != -3 {
		t.Fatalf("FindRevision(25) = %d, want -3 (insert at index 2)", got)
	}
	if got := idx.FindRevision(100); got != -6 {
		t.Fatalf("FindRevision(100) = %d, want -6 (insert at end)", got)
	}
}

func TestFindRevisionAgreesWithReferenceSearchAboveThreshold(t *testing.T) {
	n := eytzingerSIMDThreshold + 50
	timestamps := make([]int64, n)
	offsets := make([]int64, n)
	for i := range timestamps {
		timestamps[i] = int64(i) * 2
		offsets[i] = int64(i) * 4096
	}
	idx, err := CreateRevisionIndex(timestamps, offsets)
	if err != nil {
		t.Fatalf("CreateRevisionIndex: %v", err)
	}
	if idx.Size() <= eytzingerSIMDThreshold {
		t.Fatalf("test fixture must exceed eytzingerSIMDThreshold, got size %d", idx.Size())
	}

	probes := []int64{-5, 0, 1, 2, 3, int64(n) * 2, int64(n)*2 - 3, int64(n/2) * 2}
	for _, ts := range probes {
		got := idx.FindRevision(ts)
		want := sortedSearchReference(timestamps, ts)
		if got != want {
			t.Fatalf("FindRevision(%d) = %d, reference search = %d", ts, got, want)
		}
	}
}

func TestFindRevisionAgreesWithReferenceSearchBelowThreshold(t *testing.T) {
	timestamps := []int64{1, 3, 5, 7, 9, 11, 13, 15, 17, 19}
	offsets := make([]int64, len(timestamps))
	idx, err := CreateRevisionIndex(timestamps, offsets)
	if err != nil {
		t.Fatalf("CreateRevisionIndex: %v", err)
	}

	for ts := int64(0); ts <= 20; ts++ {
		got := idx.FindRevision(ts)
		want := sortedSearchReference(timestamps, ts)
		if got != want {
			t.Fatalf("FindRevision(%d) = %d, reference search = %d", ts, got, want)
		}
	}
}

func TestWithNewRevisionRejectsNonMonotonic(t *testing.T) {
	idx, err := CreateRevisionIndex([]int64{10, 20}, []int64{0, 1})
	if err != nil {
		t.Fatalf("CreateRevisionIndex: %v", err)
	}
	if _, err := idx.WithNewRevision(2, 5); err == nil {
		t.Fatal("expected a timestamp preceding the last recorded one to error")
	}
}

func TestWithNewRevisionLeavesReceiverUnmodified(t *testing.T) {
	idx, err := CreateRevisionIndex([]int64{10}, []int64{0})
	if err != nil {
		t.Fatalf("CreateRevisionIndex: %v", err)
	}
	next, err := idx.WithNewRevision(1, 20)
	if err != nil {
		t.Fatalf("WithNewRevision: %v", err)
	}
	if idx.Size() != 1 {
		t.Fatalf("expected receiver's Size to remain 1, got %d", idx.Size())
	}
	if next.Size() != 2 {
		t.Fatalf("expected new index's Size to be 2, got %d", next.Size())
	}
}

func TestGetOffsetAndTimestampBoundsChecked(t *testing.T) {
	idx, err := CreateRevisionIndex([]int64{10, 20}, []int64{100, 200})
	if err != nil {
		t.Fatalf("CreateRevisionIndex: %v", err)
	}
	if off, err := idx.GetOffset(1); err != nil || off != 200 {
		t.Fatalf("GetOffset(1) = %d, %v; want 200, nil", off, err)
	}
	if _, err := idx.GetOffset(2); err == nil {
		t.Fatal("expected out-of-range revision to error")
	}
	if _, err := idx.GetTimestamp(-1); err == nil {
		t.Fatal("expected negative revision to error")
	}
}

func TestRevisionIndexHolderAddRevision(t *testing.T) {
	initial, err := CreateRevisionIndex([]int64{10}, []int64{0})
	if err != nil {
		t.Fatalf("CreateRevisionIndex: %v", err)
	}
	h := NewRevisionIndexHolder(initial)
	before := h.Get()

	if err := h.AddRevision(1, 20); err != nil {
		t.Fatalf("AddRevision: %v", err)
	}
	after := h.Get()
	if after.Size() != 2 {
		t.Fatalf("expected holder's index to grow to size 2, got %d", after.Size())
	}
	if before.Size() != 1 {
		t.Fatal("expected the previously-loaded snapshot to remain size 1 (copy-on-write)")
	}

	if err := h.AddRevision(2, 5); err == nil {
		t.Fatal("expected a non-monotonic AddRevision to be rejected")
	}
	if h.Get().Size() != 2 {
		t.Fatal("expected a rejected AddRevision to leave the published index unchanged")
	}
}
