package storage

import "testing"

func TestTransactionIntentLogUpsertAndGet(t *testing.T) {
	til := NewTransactionIntentLog()
	ref := &PageReference{}
	c := &PageContainer{Write: leafWith(4, 1, map[int]string{0: "a"})}

	til.Upsert(ref, c)
	got, ok := til.Get(ref)
	if !ok || got != c {
		t.Fatalf("Get after Upsert = %v, %v; want %v, true", got, ok, c)
	}
	if !til.Contains(ref) {
		t.Fatal("expected Contains to report true for a staged reference")
	}
	if til.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", til.Len())
	}
}

func TestTransactionIntentLogUpsertDoesNotDuplicateOrder(t *testing.T) {
	til := NewTransactionIntentLog()
	ref := &PageReference{}

	til.Upsert(ref, &PageContainer{})
	til.Upsert(ref, &PageContainer{Write: leafWith(4, 2, nil)})

	if til.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (same reference upserted twice)", til.Len())
	}
	order := til.Order()
	if len(order) != 1 || order[0] != ref {
		t.Fatalf("Order() = %v, want [ref]", order)
	}
}

func TestTransactionIntentLogOrderIsInsertionOrder(t *testing.T) {
	til := NewTransactionIntentLog()
	refs := []*PageReference{{}, {}, {}}
	for _, r := range refs {
		til.Upsert(r, &PageContainer{})
	}

	order := til.Order()
	if len(order) != len(refs) {
		t.Fatalf("Order() length = %d, want %d", len(order), len(refs))
	}
	for i, r := range refs {
		if order[i] != r {
			t.Fatalf("Order()[%d] = %p, want %p (insertion order not preserved)", i, order[i], r)
		}
	}
}

func TestTransactionIntentLogOrderIsASnapshot(t *testing.T) {
	til := NewTransactionIntentLog()
	ref := &PageReference{}
	til.Upsert(ref, &PageContainer{})

	order := til.Order()
	order[0] = nil

	fresh := til.Order()
	if fresh[0] != ref {
		t.Fatal("mutating a returned Order() slice must not affect the log's internal state")
	}
}

func TestTransactionIntentLogContainsAndGetMissing(t *testing.T) {
	til := NewTransactionIntentLog()
	ref := &PageReference{}

	if til.Contains(ref) {
		t.Fatal("expected Contains to report false for an unstaged reference")
	}
	if _, ok := til.Get(ref); ok {
		t.Fatal("expected Get to report false for an unstaged reference")
	}
}

func TestTILHolderRotateReturnsOldAndStartsFresh(t *testing.T) {
	h := NewTILHolder()
	ref := &PageReference{}
	h.Current().Upsert(ref, &PageContainer{})

	old := h.Rotate()
	if old.Len() != 1 {
		t.Fatalf("Rotate() returned log with Len() = %d, want 1", old.Len())
	}
	if h.Current().Len() != 0 {
		t.Fatal("expected the holder's current log to be fresh and empty after Rotate")
	}
	if h.Current() == old {
		t.Fatal("expected Rotate to swap in a distinct log instance")
	}
}

func TestTILHolderClearDiscardsWithoutReturning(t *testing.T) {
	h := NewTILHolder()
	h.Current().Upsert(&PageReference{}, &PageContainer{})

	h.Clear()
	if h.Current().Len() != 0 {
		t.Fatal("expected Clear to leave the holder with a fresh, empty log")
	}
}

func TestTILHolderCurrentReflectsRotation(t *testing.T) {
	h := NewTILHolder()
	first := h.Current()
	h.Rotate()
	second := h.Current()
	if first == second {
		t.Fatal("expected Current() to return the new log after Rotate")
	}
}
