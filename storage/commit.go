package storage

import (
	"fmt"
	"time"
)

// Commit runs the seven-step commit pipeline over the writer's pending
// TIL: FREEZE, PERSIST-DIRTY-LEAVES, PERSIST-INDIRECT-PATHS,
// PERSIST-REVISION-ROOT, PUBLISH-UBERPAGE, UPDATE-INDEX, CLEAR-TIL.
// Shaped like a write-ahead-log commit: record, then fsync, then
// publish becomes persist-pages, then publish-uberpage, then
// advance-the-visible-revision here. timestamp/hasTimestamp let a caller
// replaying history stamp a commit with its original wall-clock time
// instead of now(); isAuto selects an asynchronous fsync at
// PUBLISH-UBERPAGE for background/periodic commits that don't need the
// caller to block on durability.
func (w *StorageEngineWriter) Commit(message string, userID uint64, hasUserID bool, timestamp int64, hasTimestamp bool, isAuto bool) (*RevisionRootPage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, newErr("Commit", KindClosedResource, fmt.Errorf("writer is closed"))
	}
	w.asyncCommit.Wait()

	// FREEZE
	til := w.pending
	newRevision := w.root.Revision
	if message != "" {
		w.root.CommitMessage = message
		w.root.HasMessage = true
	}
	w.root.UserID = userID
	w.root.HasUserID = hasUserID

	// PERSIST-DIRTY-LEAVES
	if err := persistDirtyLeaves(w.backend, til, newRevision, w.config.RevsToRestore); err != nil {
		return nil, err
	}

	// PERSIST-INDIRECT-PATHS (children before parents: reverse of the
	// top-down insertion order produced by trie.go's descend).
	if err := persistDirtyIndirects(w.backend, til); err != nil {
		return nil, err
	}

	// PERSIST-REVISION-ROOT
	if hasTimestamp {
		w.root.CommitTimestamp = timestamp
	} else {
		w.root.CommitTimestamp = time.Now().UnixMilli()
	}
	rootOffset, rootChecksum, err := w.backend.AppendPage(w.root)
	if err != nil {
		return nil, err
	}

	// PUBLISH-UBERPAGE
	nextUber := w.uber.Clone()
	nextUber.RevisionCount = newRevision + 1
	// The revision root just appended becomes the trie-root reference the
	// next open resolves: without this, RevisionRootRef would stay the
	// unpersisted reference Clone copied forward, and a reopened writer
	// would always treat the resource as having no committed history.
	rootRef := NewPageReference(w.config.DatabaseID, w.config.ResourceID)
	rootRef.FileKey = rootOffset
	rootRef.Checksum = rootChecksum
	nextUber.RevisionRootRef = rootRef
	if err := w.backend.AppendRevisionFileData(rootOffset, w.root.CommitTimestamp); err != nil {
		return nil, err
	}
	if err := w.backend.WriteUberPageBeacons(nextUber); err != nil {
		return nil, err
	}
	if err := w.backend.Sync(isAuto); err != nil {
		return nil, err
	}
	w.uber = nextUber

	// UPDATE-INDEX
	if err := w.revisionIndex.AddRevision(rootOffset, w.root.CommitTimestamp); err != nil {
		return nil, err
	}

	committed := w.root

	// CLEAR-TIL
	w.til.Clear()
	w.pending = w.til.Current()
	w.recordCache = make(map[recordKey]*Record)
	w.root = committed.Clone(nextUber.RevisionCount)

	return committed, nil
}

// persistDirtyLeaves serializes every dirty KeyValueLeafPage write-view
// in til, fixing up its PageReference's FileKey/Checksum. fetchFragmentChain
// always treats ref.FileKey as the newest fragment, so the chain pushed
// onto ref.Fragments here must be the reference's *previous* FileKey/
// revision, not the one just written — otherwise the newest fragment
// would appear twice (once via FileKey, once via Fragments[0]).
func persistDirtyLeaves(backend Writer, til *TransactionIntentLog, revision uint64, revsToRestore int) error {
	for _, ref := range til.Order() {
		c, ok := til.Get(ref)
		if !ok {
			continue
		}
		if _, ok := c.Write.(*KeyValueLeafPage); !ok {
			continue
		}
		if c.Flushed {
			// Already durably appended by EagerSerializePagesIfPageBoundaryCrossed
			// for this same revision; appending again would duplicate
			// the frame and double-count it in the fragment chain.
			continue
		}
		if err := flushLeaf(backend, ref, c, revision, revsToRestore); err != nil {
			return err
		}
	}
	return nil
}

// flushLeaf appends c.Write's leaf page to backend and fixes up ref's
// FileKey/Checksum/Fragments. Shared by persistDirtyLeaves (final commit)
// and EagerSerializePagesIfPageBoundaryCrossed (the mid-transaction hint),
// since both perform the exact same durable-append-plus-fixup step.
func flushLeaf(backend Writer, ref *PageReference, c *PageContainer, revision uint64, revsToRestore int) error {
	leaf := c.Write.(*KeyValueLeafPage)
	leaf.Revision = revision

	prevOffset := ref.FileKey
	prevPersisted := ref.IsPersisted()
	var prevRevision uint64
	if read, ok := c.Read.(*KeyValueLeafPage); ok {
		prevRevision = read.Revision
	}

	offset, checksum, err := backend.AppendPage(leaf)
	if err != nil {
		return err
	}
	ref.FileKey = offset
	ref.Checksum = checksum
	if prevPersisted {
		ref.pushFragment(PageFragmentKey{Revision: prevRevision, FileOffset: prevOffset}, revsToRestore)
	}
	return nil
}

// persistDirtyIndirects serializes every dirty IndirectPage write-view in
// til, in the reverse of its insertion order. trie.go's descend inserts
// indirect pages root-first as it walks down toward a leaf, so reversing
// that order yields a leaves-up traversal: by the time a parent is
// serialized, every child PageReference it embeds already carries a
// resolved FileKey.
func persistDirtyIndirects(backend Writer, til *TransactionIntentLog) error {
	order := til.Order()
	for i := len(order) - 1; i >= 0; i-- {
		ref := order[i]
		c, ok := til.Get(ref)
		if !ok {
			continue
		}
		ip, ok := c.Write.(*IndirectPage)
		if !ok {
			continue
		}
		offset, checksum, err := backend.AppendPage(ip)
		if err != nil {
			return err
		}
		ref.FileKey = offset
		ref.Checksum = checksum
	}
	return nil
}

// persistTIL runs only the dirty-page persistence steps (no revision
// root, no UberPage beacon update) against a TIL that has already been
// rotated out of service. It backs AsyncIntermediateCommit: the staged
// pages become durable and gain resolved FileKeys, but the revision they
// belong to isn't visible to readers until a later full Commit.
func persistTIL(backend Writer, til *TransactionIntentLog, revision uint64, config *ResourceConfig) error {
	if til == nil || til.Len() == 0 {
		return nil
	}
	if err := persistDirtyLeaves(backend, til, revision, config.RevsToRestore); err != nil {
		return err
	}
	if err := persistDirtyIndirects(backend, til); err != nil {
		return err
	}
	return backend.Sync(true)
}
