package storage

// PageKind tags the on-disk variant a serialized page frame holds. It is
// persisted as the first byte of every page frame and is the only
// dispatch mechanism the persister uses — there is no virtual table on
// the read path.
type PageKind byte

const (
	KindUberPage PageKind = iota + 1
	KindRevisionRootPage
	KindIndirectPage
	KindKeyValueLeafPage
)

func (k PageKind) String() string {
	switch k {
	case KindUberPage:
		return "UberPage"
	case KindRevisionRootPage:
		return "RevisionRootPage"
	case KindIndirectPage:
		return "IndirectPage"
	case KindKeyValueLeafPage:
		return "KeyValueLeafPage"
	default:
		return "unknown"
	}
}

// Page is implemented by every page variant persisted by this engine.
type Page interface {
	Kind() PageKind
}

// IndexType names one of the five indirect-page tries a RevisionRootPage
// roots. All share the resource's fanout; each has its own fixed trie
// depth (see trie.go).
type IndexType byte

const (
	IndexTypeNode IndexType = iota
	IndexTypePathSummary
	IndexTypeName
	IndexTypeCAS
	IndexTypePath
)

func (t IndexType) String() string {
	switch t {
	case IndexTypeNode:
		return "node"
	case IndexTypePathSummary:
		return "pathSummary"
	case IndexTypeName:
		return "name"
	case IndexTypeCAS:
		return "cas"
	case IndexTypePath:
		return "path"
	default:
		return "unknown"
	}
}

// PageFragmentKey identifies one previous version of a record-leaf page
// inside a bounded fragment chain. Immutable once created.
type PageFragmentKey struct {
	Revision   uint64
	FileOffset int64
}

// noFileKey marks a PageReference that has never been persisted (still
// lives only in memory, e.g. inside an in-flight TIL entry) or that is the
// sentinel "uber" reference resolved by reading file offset 0 directly.
const noFileKey int64 = -1

// PageReference is the indirection every page in the trie is addressed
// through. It does not own the page it points to: the page field is a
// lazily-populated cache, resolved through the TIL (write path) or the
// storage backend + page cache (read path).
type PageReference struct {
	FileKey    int64             // file offset, or -1 if never persisted
	Page       Page              // in-memory page, nil until resolved
	Checksum   []byte            // seal hash (uncompressed bytes for leaf pages, on-disk bytes otherwise); nil/empty if unset
	Fragments  []PageFragmentKey // bounded chain of previous-version keys, newest first
	DatabaseID uint32
	ResourceID uint32
}

// NewPageReference creates an unresolved, unpersisted reference owned by
// the given database/resource. FileKey and Checksum are set the first
// time the referenced page is persisted (commit.go).
func NewPageReference(databaseID, resourceID uint32) *PageReference {
	return &PageReference{
		FileKey:    noFileKey,
		DatabaseID: databaseID,
		ResourceID: resourceID,
	}
}

// IsPersisted reports whether this reference has ever been written to the
// data file.
func (r *PageReference) IsPersisted() bool {
	return r != nil && r.FileKey != noFileKey
}

// pushFragment prepends the given fragment key (the one just superseded,
// see commit.go's flushLeaf) onto the chain and truncates the result to revsToRestore-1 entries: the chain
// holds [mostRecentlySupersededFragment, ...previousChain] truncated to
// revsToRestore − 1.
func (r *PageReference) pushFragment(current PageFragmentKey, revsToRestore int) {
	limit := revsToRestore - 1
	if limit <= 0 {
		r.Fragments = nil
		return
	}
	chain := make([]PageFragmentKey, 0, limit)
	chain = append(chain, current)
	for _, f := range r.Fragments {
		if len(chain) >= limit {
			break
		}
		chain = append(chain, f)
	}
	r.Fragments = chain
}
