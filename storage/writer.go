package storage

import (
	"fmt"
	"log"
	"sync"

	"github.com/xylodb/xylodb/concurrency"
)

// nameKey identifies one (indexType, indexID) address space that
// allocates its own node keys, independent of every other index.
type nameKey struct {
	indexType IndexType
	indexID   uint64
}

// recordKey identifies one record within the transaction-lifetime record
// cache: its address space plus its node key.
type recordKey struct {
	name    nameKey
	nodeKey uint64
}

// StorageEngineWriter is the single write session for one resource. It
// owns the TIL, the write-admission lock, the backend's Writer half and
// the logger used for commit/recovery diagnostics. Shaped like a single
// in-flight-transaction pager: BeginTx/Commit/Rollback become this
// type's TIL-staged equivalents, and a log-then-apply ordering becomes
// PERSIST-DIRTY-LEAVES before PUBLISH-UBERPAGE in commit.go.
type StorageEngineWriter struct {
	mu      sync.Mutex
	backend Writer
	config  *ResourceConfig
	trie    *IndirectTrie
	til     *TILHolder
	pending *TransactionIntentLog

	admission *concurrency.WriteAdmissionLock
	guards    *concurrency.PageGuardRegistry

	revisionIndex *RevisionIndexHolder
	uber          *UberPage
	root          *RevisionRootPage

	nextNodeKey map[nameKey]uint64
	nameDict    *NameDictionary

	// recordCache holds the one mutable Record instance each
	// (indexType, indexId, nodeKey) resolves to for the life of the
	// current transaction, so repeated PrepareRecordForModification
	// calls alias the same object rather than decoding a fresh copy
	// that silently diverges. Cleared on Commit and Rollback, not on
	// AsyncIntermediateCommit (same transaction, new TIL generation).
	recordCache map[recordKey]*Record

	logger *log.Logger
	closed bool

	asyncCommit sync.WaitGroup
}

// OpenStorageEngineWriter opens the single write session for a resource,
// taking the write-admission lock (enforcing SessionLimit) and
// rebuilding the revision index from the backend's revision file.
func OpenStorageEngineWriter(backend Writer, config *ResourceConfig, admission *concurrency.WriteAdmissionLock, logger *log.Logger) (*StorageEngineWriter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	if err := admission.Acquire(); err != nil {
		return nil, newErr("OpenStorageEngineWriter", KindSessionLimit, err)
	}

	uber, err := backend.UberPageReference()
	if err != nil {
		admission.Release()
		return nil, err
	}

	ridx, err := rebuildRevisionIndex(backend, uber)
	if err != nil {
		admission.Release()
		return nil, err
	}

	var root *RevisionRootPage
	if uber.RevisionRootRef != nil && uber.RevisionRootRef.IsPersisted() {
		offset, _, err := backend.RevisionFileData(uber.RevisionCount - 1)
		if err != nil {
			admission.Release()
			return nil, err
		}
		page, err := backend.ReadPage(offset, nil)
		if err != nil {
			admission.Release()
			return nil, err
		}
		rp, ok := page.(*RevisionRootPage)
		if !ok {
			admission.Release()
			return nil, newErr("OpenStorageEngineWriter", KindCorruptHeader, fmt.Errorf("expected RevisionRootPage, got %T", page))
		}
		root = rp.Clone(uber.NextRevision())
	} else {
		root = NewRevisionRootPage(0, config.DatabaseID, config.ResourceID)
	}

	w := &StorageEngineWriter{
		backend:       backend,
		config:        config,
		trie:          config.BuildTrie(),
		til:           NewTILHolder(),
		admission:     admission,
		guards:        concurrency.NewPageGuardRegistry(),
		revisionIndex: ridx,
		uber:          uber,
		root:          root,
		nextNodeKey:   make(map[nameKey]uint64),
		nameDict:      NewNameDictionary(),
		recordCache:   make(map[recordKey]*Record),
		logger:        logger,
	}
	w.pending = w.til.Current()
	return w, nil
}

// rebuildRevisionIndex replays the revisions-offset file into a fresh
// RevisionIndex so AddRevision's monotonic check works against real
// history rather than an empty index every time a writer reopens.
func rebuildRevisionIndex(backend Reader, uber *UberPage) (*RevisionIndexHolder, error) {
	timestamps := make([]int64, 0, uber.RevisionCount)
	offsets := make([]int64, 0, uber.RevisionCount)
	for r := uint64(0); r < uber.RevisionCount; r++ {
		offset, ts, err := backend.RevisionFileData(r)
		if err != nil {
			return nil, err
		}
		offsets = append(offsets, offset)
		timestamps = append(timestamps, ts)
	}
	idx, err := CreateRevisionIndex(timestamps, offsets)
	if err != nil {
		return nil, err
	}
	return NewRevisionIndexHolder(idx), nil
}

// NewBufferedBytes hands out a reusable scratch buffer for
// serialization. The byte pipe's own pooled buffers already cover the
// compression path; this is the equivalent for the persister's
// pre-compression encode, sized generously to avoid a second grow on
// the common case.
func (w *StorageEngineWriter) NewBufferedBytes() []byte {
	return make([]byte, 0, 4096)
}

// CreateRecord allocates a fresh node key in the highest non-full leaf
// for (indexType, indexID), writes the record into that slot, and
// returns it. Not yet durable until Commit.
func (w *StorageEngineWriter) CreateRecord(payload []byte, kind byte, indexType IndexType, indexID uint64) (*Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, newErr("CreateRecord", KindClosedResource, fmt.Errorf("writer is closed"))
	}

	key := nameKey{indexType: indexType, indexID: indexID}
	nodeKey := w.nextNodeKey[key]

	pageKey := pageKeyFor(nodeKey, w.config.Fanout)
	offset := slotOffsetFor(nodeKey, w.config.Fanout)

	leaf, err := w.trie.PrepareLeafForWrite(w.backend, w.pending, w.root, indexType, indexID, pageKey, w.config.Versioning, w.config.RevsToRestore, w.root.Revision, w.config.DatabaseID, w.config.ResourceID)
	if err != nil {
		return nil, err
	}

	record := &Record{NodeKey: nodeKey, Kind: kind, Payload: payload}
	leaf.SetSlot(offset, encodeRecord(record))
	w.nextNodeKey[key] = nodeKey + 1
	w.recordCache[recordKey{name: key, nodeKey: nodeKey}] = record
	return record, nil
}

// PrepareRecordForModification reads the record (combining fragments as
// needed), promotes its leaf into the TIL, and returns a mutable alias.
// Repeated calls for the same key within a transaction return the same
// instance — callers must mutate the returned Record in place and then
// call UpdateRecordSlot to flush it back into the leaf's slot bytes.
func (w *StorageEngineWriter) PrepareRecordForModification(nodeKey uint64, indexType IndexType, indexID uint64) (*Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, newErr("PrepareRecordForModification", KindClosedResource, fmt.Errorf("writer is closed"))
	}

	rk := recordKey{name: nameKey{indexType: indexType, indexID: indexID}, nodeKey: nodeKey}
	if cached, ok := w.recordCache[rk]; ok {
		return cached, nil
	}

	pageKey := pageKeyFor(nodeKey, w.config.Fanout)
	offset := slotOffsetFor(nodeKey, w.config.Fanout)

	leaf, err := w.trie.PrepareLeafForWrite(w.backend, w.pending, w.root, indexType, indexID, pageKey, w.config.Versioning, w.config.RevsToRestore, w.root.Revision, w.config.DatabaseID, w.config.ResourceID)
	if err != nil {
		return nil, err
	}
	raw := leaf.SlotAt(offset)
	if !leaf.Occupied(offset) || len(raw) == 0 {
		return nil, newErr("PrepareRecordForModification", KindKeyOutOfRange, fmt.Errorf("node key %d not present in (%v,%d)", nodeKey, indexType, indexID))
	}
	record, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	w.recordCache[rk] = record
	return record, nil
}

// UpdateRecordSlot persists record's in-memory form back into its slot,
// keeping the dirty write-view in sync.
func (w *StorageEngineWriter) UpdateRecordSlot(record *Record, indexType IndexType, indexID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return newErr("UpdateRecordSlot", KindClosedResource, fmt.Errorf("writer is closed"))
	}
	pageKey := pageKeyFor(record.NodeKey, w.config.Fanout)
	offset := slotOffsetFor(record.NodeKey, w.config.Fanout)
	leaf, err := w.trie.PrepareLeafForWrite(w.backend, w.pending, w.root, indexType, indexID, pageKey, w.config.Versioning, w.config.RevsToRestore, w.root.Revision, w.config.DatabaseID, w.config.ResourceID)
	if err != nil {
		return err
	}
	leaf.SetSlot(offset, encodeRecord(record))
	return nil
}

// RemoveRecord marks nodeKey's slot as removed (a non-nil, zero-length
// tombstone, distinguished from "never written" which is a nil slot).
func (w *StorageEngineWriter) RemoveRecord(nodeKey uint64, indexType IndexType, indexID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return newErr("RemoveRecord", KindClosedResource, fmt.Errorf("writer is closed"))
	}
	pageKey := pageKeyFor(nodeKey, w.config.Fanout)
	offset := slotOffsetFor(nodeKey, w.config.Fanout)
	leaf, err := w.trie.PrepareLeafForWrite(w.backend, w.pending, w.root, indexType, indexID, pageKey, w.config.Versioning, w.config.RevsToRestore, w.root.Revision, w.config.DatabaseID, w.config.ResourceID)
	if err != nil {
		return err
	}
	leaf.SetSlot(offset, []byte{})
	delete(w.recordCache, recordKey{name: nameKey{indexType: indexType, indexID: indexID}, nodeKey: nodeKey})
	return nil
}

// CreateNameKey interns name under kind in the resource's name
// dictionary, returning a stable key.
func (w *StorageEngineWriter) CreateNameKey(name string, kind byte) int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nameDict.Intern(name, kind)
}

// AcquireGuardForCurrentNode pins id in the writer's PageGuardRegistry
// until the guard is released. The pin is a count only: the backend's
// page cache and the write path do not consult the registry, so a pinned
// page is not kept from eviction or mutation.
func (w *StorageEngineWriter) AcquireGuardForCurrentNode(id any) *concurrency.PageGuard {
	return w.guards.Acquire(id)
}

// EagerSerializePagesIfPageBoundaryCrossed scans the pending TIL for dirty
// leaves whose every slot is now occupied — the document boundary a
// fixed-fanout leaf can hold has just been crossed — and durably appends
// them to the backend immediately rather than waiting for Commit. This
// lets a long memory-bound insert stream (loading a large document) free
// each completed leaf's Record objects to the collector as it goes,
// instead of holding the whole transaction's dirty set in memory until
// the end. A leaf flushed this way is marked Flushed so persistDirtyLeaves
// does not append it a second time; PageReference.FileKey and Fragments
// are already correct by the time Commit runs, so a reader racing the
// writer can resolve the page's prior revision without blocking on it.
func (w *StorageEngineWriter) EagerSerializePagesIfPageBoundaryCrossed() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return newErr("EagerSerializePagesIfPageBoundaryCrossed", KindClosedResource, fmt.Errorf("writer is closed"))
	}
	for _, ref := range w.pending.Order() {
		c, ok := w.pending.Get(ref)
		if !ok || c.Flushed {
			continue
		}
		leaf, ok := c.Write.(*KeyValueLeafPage)
		if !ok || !fullyPopulated(leaf) {
			continue
		}
		if err := flushLeaf(w.backend, ref, c, w.root.Revision, w.config.RevsToRestore); err != nil {
			return err
		}
		c.Flushed = true
	}
	return nil
}

// AsyncIntermediateCommit rotates the TIL and schedules the old one for
// background persistence, blocking first if a previous async commit is
// still in flight (backpressure).
func (w *StorageEngineWriter) AsyncIntermediateCommit() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.asyncCommit.Wait()
	old := w.til.Rotate()
	w.pending = w.til.Current()
	revision := w.root.Revision
	w.asyncCommit.Add(1)
	go func() {
		defer w.asyncCommit.Done()
		if err := persistTIL(w.backend, old, revision, w.config); err != nil {
			w.logger.Printf("xylodb: async intermediate commit failed: %v", err)
		}
	}()
}

// AwaitPendingAsyncCommit blocks until any in-flight async intermediate
// commit has finished. Commit and Close wait for it themselves.
func (w *StorageEngineWriter) AwaitPendingAsyncCommit() {
	w.asyncCommit.Wait()
}

// Rollback discards the TIL and resets the writer's in-memory revision
// root to the one derived from the last durable UberPage. No durable
// change occurs.
func (w *StorageEngineWriter) Rollback() (*UberPage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.til.Clear()
	w.pending = w.til.Current()
	w.recordCache = make(map[recordKey]*Record)
	if w.uber.RevisionRootRef != nil && w.uber.RevisionRootRef.IsPersisted() {
		offset, _, err := w.backend.RevisionFileData(w.uber.RevisionCount - 1)
		if err != nil {
			return nil, err
		}
		page, err := w.backend.ReadPage(offset, nil)
		if err != nil {
			return nil, err
		}
		rp, ok := page.(*RevisionRootPage)
		if !ok {
			return nil, newErr("Rollback", KindCorruptHeader, fmt.Errorf("expected RevisionRootPage, got %T", page))
		}
		w.root = rp.Clone(w.uber.NextRevision())
	}
	return w.uber, nil
}

// TruncateTo physically cuts the data file to the byte immediately
// after revision R's revision-root bytes, requiring exclusive access
// (already guaranteed: only one writer session exists) and no cached
// state referring to a higher revision.
func (w *StorageEngineWriter) TruncateTo(revision uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return newErr("TruncateTo", KindClosedResource, fmt.Errorf("writer is closed"))
	}
	if revision >= w.uber.RevisionCount {
		return newErr("TruncateTo", KindKeyOutOfRange, fmt.Errorf("revision %d is not below current count %d", revision, w.uber.RevisionCount))
	}
	if err := w.backend.TruncateTo(revision); err != nil {
		return err
	}
	w.uber.RevisionCount = revision + 1
	return nil
}

// Close awaits any pending async commit, releases the write-admission
// slot and closes the backend.
func (w *StorageEngineWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.asyncCommit.Wait()
	w.admission.Release()
	return w.backend.Close()
}
