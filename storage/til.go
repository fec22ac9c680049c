package storage

import "sync"

// PageContainer owns two full page instances for one write transaction:
// the read view (as combined from the fragment chain before this
// transaction touched it) and the write view (the dirty copy the
// transaction mutates). References do not own pages; a PageContainer
// does.
type PageContainer struct {
	Read  Page
	Write Page

	// Flushed marks a container whose write-view has already been
	// durably appended to the data file ahead of the owning
	// transaction's final commit (eager_serialize_pages_if_page_boundary_crossed,
	// writer.go). persistDirtyLeaves (commit.go) skips a flushed leaf
	// rather than appending it a second time for the same revision.
	Flushed bool
}

// TransactionIntentLog is a keyed map from a
// PageReference's in-memory identity (not its file key, which is unset
// until commit) to the PageContainer staged for it during one write
// transaction. Shaped like a per-transaction undo-log map
// (storage/pager.go's txUndoLog/txNewPages), generalized from a flat
// before-image map into a keyed read/write container log, and on
// storage/wal.go's append-order records slice for the insertion-order
// guarantee commit traversal depends on.
type TransactionIntentLog struct {
	mu      sync.Mutex
	entries map[*PageReference]*PageContainer
	order   []*PageReference
}

// NewTransactionIntentLog returns an empty log.
func NewTransactionIntentLog() *TransactionIntentLog {
	return &TransactionIntentLog{entries: make(map[*PageReference]*PageContainer)}
}

// Upsert installs container under ref's identity, appending ref to the
// insertion order the first time it is seen. O(1).
func (t *TransactionIntentLog) Upsert(ref *PageReference, container *PageContainer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[ref]; !exists {
		t.order = append(t.order, ref)
	}
	t.entries[ref] = container
}

// Get returns the container staged for ref, if any.
func (t *TransactionIntentLog) Get(ref *PageReference) (*PageContainer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.entries[ref]
	return c, ok
}

// Contains reports whether ref already has a dirty entry. The trie's
// write descent looks entries up with Get instead.
func (t *TransactionIntentLog) Contains(ref *PageReference) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[ref]
	return ok
}

// Order returns a snapshot of references in insertion order, for the
// deterministic commit traversal that persists children before parents.
func (t *TransactionIntentLog) Order() []*PageReference {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*PageReference, len(t.order))
	copy(out, t.order)
	return out
}

// Len reports the number of distinct references staged.
func (t *TransactionIntentLog) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// TILHolder owns the single current TIL for a resource's write session
// and implements rotation: async_intermediate_commit swaps the current
// log for a fresh one and hands the old one to a background persist
// goroutine.
type TILHolder struct {
	mu  sync.Mutex
	cur *TransactionIntentLog
}

// NewTILHolder returns a holder seeded with a fresh, empty log.
func NewTILHolder() *TILHolder {
	return &TILHolder{cur: NewTransactionIntentLog()}
}

// Current returns the live log new writes should be staged into.
func (h *TILHolder) Current() *TransactionIntentLog {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cur
}

// Rotate atomically swaps the current log for a fresh one and returns
// the old one, still fully populated, for the caller to persist.
func (h *TILHolder) Rotate() *TransactionIntentLog {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.cur
	h.cur = NewTransactionIntentLog()
	return old
}

// Clear discards the current log without persisting it (rollback).
func (h *TILHolder) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cur = NewTransactionIntentLog()
}
