package storage

import (
	"encoding/binary"
	"fmt"
)

// pageKeyFor and slotOffsetFor split a node key into the trie leaf it
// lives on and its slot offset within that leaf: pageKey is the high
// digits, offset the low ones, under the resource's fanout.
func pageKeyFor(nodeKey uint64, fanout int) uint64  { return nodeKey / uint64(fanout) }
func slotOffsetFor(nodeKey uint64, fanout int) int { return int(nodeKey % uint64(fanout)) }
func nodeKeyFor(pageKey uint64, offset int, fanout int) uint64 {
	return pageKey*uint64(fanout) + uint64(offset)
}

// ReadSession is a read-only view of one resource revision: the
// RevisionRootPage of that revision, pinned for the session's lifetime,
// plus everything needed to resolve records through it. Generalized from
// "open the one and only data file read-only" into "open a read-only
// session against an immutable, already-committed revision".
type ReadSession struct {
	backend  Reader
	trie     *IndirectTrie
	config   *ResourceConfig
	revision uint64
	root     *RevisionRootPage
}

// OpenReadSession resolves revision (or the latest committed revision,
// if revision is negative) and pins its RevisionRootPage for reading.
// Readers never take the write-admission lock: readers may coexist with
// the writer on any already-committed revision without locking, which
// is exactly what not acquiring WriteAdmissionLock here expresses.
func OpenReadSession(backend Reader, config *ResourceConfig, revision int64) (*ReadSession, error) {
	uber, err := backend.UberPageReference()
	if err != nil {
		return nil, err
	}
	target := revision
	if target < 0 {
		if uber.RevisionCount == 0 {
			return nil, newErr("OpenReadSession", KindKeyOutOfRange, fmt.Errorf("resource has no committed revisions"))
		}
		target = int64(uber.RevisionCount) - 1
	}
	if target < 0 || uint64(target) >= uber.RevisionCount {
		return nil, newErr("OpenReadSession", KindKeyOutOfRange, fmt.Errorf("revision %d out of range [0,%d)", target, uber.RevisionCount))
	}

	offset, _, err := backend.RevisionFileData(uint64(target))
	if err != nil {
		return nil, err
	}
	page, err := backend.ReadPage(offset, nil)
	if err != nil {
		return nil, err
	}
	root, ok := page.(*RevisionRootPage)
	if !ok {
		return nil, newErr("OpenReadSession", KindCorruptHeader, fmt.Errorf("expected RevisionRootPage at offset %d, got %T", offset, page))
	}

	return &ReadSession{
		backend:  backend,
		trie:     config.BuildTrie(),
		config:   config,
		revision: uint64(target),
		root:     root,
	}, nil
}

// Revision returns the pinned revision number.
func (s *ReadSession) Revision() uint64 { return s.root.Revision }

// CommitTimestamp returns the pinned revision's commit timestamp.
func (s *ReadSession) CommitTimestamp() int64 { return s.root.CommitTimestamp }

// ResolveRecord decodes the record stored at nodeKey in (indexType,
// indexID), or (nil, nil) if that node key was never written.
func (s *ReadSession) ResolveRecord(indexType IndexType, indexID, nodeKey uint64) (*Record, error) {
	pageKey := pageKeyFor(nodeKey, s.config.Fanout)
	offset := slotOffsetFor(nodeKey, s.config.Fanout)
	leaf, err := s.trie.ResolveLeaf(s.backend, nil, s.root, indexType, indexID, pageKey, s.config.Versioning, s.config.RevsToRestore)
	if err != nil {
		return nil, err
	}
	if !leaf.Occupied(offset) {
		return nil, nil
	}
	raw := leaf.SlotAt(offset)
	if len(raw) == 0 {
		// nil means never written; a zero-length, non-nil slot is
		// RemoveRecord's tombstone. Both read back as "no record".
		return nil, nil
	}
	return decodeRecord(raw)
}

// ResolveLeaf exposes the raw combined leaf for callers (e.g. range
// scans built on top of this session) that need more than one slot at a
// time.
func (s *ReadSession) ResolveLeaf(indexType IndexType, indexID, pageKey uint64) (*KeyValueLeafPage, error) {
	return s.trie.ResolveLeaf(s.backend, nil, s.root, indexType, indexID, pageKey, s.config.Versioning, s.config.RevsToRestore)
}

// PageFuture is a one-shot handle to a page being decoded on another
// goroutine. Layered straight over the synchronous Reader.ReadPage the
// same way AsyncIntermediateCommit layers background persistence over
// the synchronous commit path: a goroutine plus a done channel closed
// once the result is stored, with no opinion on whether the caller is on an OS thread or a
// user-space scheduler.
type PageFuture struct {
	done chan struct{}
	page Page
	err  error
}

// ReadPageAsync starts decoding the page at offset in the background and
// returns immediately with a future for it. expectedChecksum is passed
// through to ReadPage verbatim (nil skips verification, as usual).
func ReadPageAsync(backend Reader, offset int64, expectedChecksum []byte) *PageFuture {
	f := &PageFuture{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.page, f.err = backend.ReadPage(offset, expectedChecksum)
	}()
	return f
}

// Await blocks until the page has been read, returning its result.
// Idempotent: calling Await more than once replays the same outcome.
func (f *PageFuture) Await() (Page, error) {
	<-f.done
	return f.page, f.err
}

// ResolveLeafAsync is ReadPageAsync specialized to a resolved
// PageReference: it starts the backend read immediately if the
// reference is already persisted, or resolves synchronously to
// ErrKeyOutOfRange through the future otherwise so callers can treat
// both cases uniformly.
func (s *ReadSession) ResolveLeafAsync(ref *PageReference) *PageFuture {
	if ref == nil || !ref.IsPersisted() {
		f := &PageFuture{done: make(chan struct{})}
		f.err = newErr("ResolveLeafAsync", KindKeyOutOfRange, fmt.Errorf("reference has no persisted page"))
		close(f.done)
		return f
	}
	return ReadPageAsync(s.backend, ref.FileKey, ref.Checksum)
}

// Close releases the backend's resources tied to this session by
// forwarding to the backend's Close. Sessions of an OpenEngineMemory
// engine share one backend (see engine.go), whose in-memory file ignores
// Close.
func (s *ReadSession) Close() error {
	return s.backend.Close()
}

func decodeRecord(raw []byte) (*Record, error) {
	if len(raw) < 9 {
		return nil, newErr("decodeRecord", KindCorruptHeader, fmt.Errorf("record slot too short: %d bytes", len(raw)))
	}
	nodeKey := binary.BigEndian.Uint64(raw[0:8])
	kind := raw[8]
	payload := append([]byte(nil), raw[9:]...)
	return &Record{NodeKey: nodeKey, Kind: kind, Payload: payload}, nil
}

func encodeRecord(r *Record) []byte {
	out := make([]byte, 9+len(r.Payload))
	binary.BigEndian.PutUint64(out[0:8], r.NodeKey)
	out[8] = r.Kind
	copy(out[9:], r.Payload)
	return out
}
