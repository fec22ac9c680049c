package storage

// RevisionRootPage is the per-commit root holding one indirect-page trie
// reference per secondary structure. Exactly one is written per commit,
// aligned to 256 bytes (alignment.go).
type RevisionRootPage struct {
	Revision        uint64
	CommitTimestamp int64 // epoch millis
	CommitMessage   string
	HasMessage      bool
	UserID          uint64
	HasUserID       bool

	// Indirect-page trie roots, one per IndexType. A nil entry means the
	// index has never been written to in any revision up to this one.
	IndirectRoots map[IndexType]*PageReference
}

func (*RevisionRootPage) Kind() PageKind { return KindRevisionRootPage }

// NewRevisionRootPage returns an empty root for the given revision, with
// an unresolved reference placeholder for every index type.
func NewRevisionRootPage(revision uint64, databaseID, resourceID uint32) *RevisionRootPage {
	roots := make(map[IndexType]*PageReference, 5)
	for _, t := range []IndexType{IndexTypeNode, IndexTypePathSummary, IndexTypeName, IndexTypeCAS, IndexTypePath} {
		roots[t] = NewPageReference(databaseID, resourceID)
	}
	return &RevisionRootPage{
		Revision:      revision,
		IndirectRoots: roots,
	}
}

// Clone produces a copy-on-write successor root for the next revision.
// The returned root's reference map is a fresh map, but each entry
// initially *shares* identity with the previous root's reference for
// that index type: an index untouched this revision keeps pointing at
// the already-persisted trie it had before. prepareLeafForWrite
// (trie.go) keeps these shared references and stages the modified path
// in the TIL keyed by them; it installs a new reference only where an
// entry is nil.
func (p *RevisionRootPage) Clone(nextRevision uint64) *RevisionRootPage {
	clone := &RevisionRootPage{
		Revision:      nextRevision,
		IndirectRoots: make(map[IndexType]*PageReference, len(p.IndirectRoots)),
	}
	for t, ref := range p.IndirectRoots {
		clone.IndirectRoots[t] = ref
	}
	return clone
}
