package storage

import "fmt"

// IndirectTrie is the fixed-fanout trie this engine addresses pages
// through: for each index type T there is a fixed depth D(T) chosen so
// that fanout^D(T) covers the type's maximum page key. Grounded
// structurally on page allocation/chaining logic generalized from a
// singly linked free list into a fixed-fanout trie, with a recursive
// descend-and-copy shape for the copy-on-write tie-break.
type IndirectTrie struct {
	Fanout int
	depths map[IndexType]int
}

// NewIndirectTrie computes D(T) for every index type from maxNodeKey,
// the largest page key that type will ever need to address.
func NewIndirectTrie(fanout int, maxNodeKey map[IndexType]uint64) *IndirectTrie {
	tr := &IndirectTrie{Fanout: fanout, depths: make(map[IndexType]int, len(maxNodeKey))}
	for t, max := range maxNodeKey {
		tr.depths[t] = depthFor(fanout, max)
	}
	return tr
}

// depthFor returns the smallest D such that fanout^D > maxNodeKey.
func depthFor(fanout int, maxNodeKey uint64) int {
	if maxNodeKey == 0 {
		return 1
	}
	depth := 0
	capacity := uint64(1)
	for capacity <= maxNodeKey {
		capacity *= uint64(fanout)
		depth++
	}
	return depth
}

// Depth returns D(T), defaulting to 1 for an index type that was never
// given a maxNodeKey (degenerate single-level trie).
func (tr *IndirectTrie) Depth(t IndexType) int {
	if d, ok := tr.depths[t]; ok {
		return d
	}
	return 1
}

// digits decomposes pageKey into depth base-Fanout digits, most
// significant first — the path from the revision root to the leaf.
func (tr *IndirectTrie) digits(pageKey uint64, depth int) []int {
	out := make([]int, depth)
	for i := depth - 1; i >= 0; i-- {
		out[i] = int(pageKey % uint64(tr.Fanout))
		pageKey /= uint64(tr.Fanout)
	}
	return out
}

// loadPage resolves ref to a Page, preferring a dirty TIL entry (its
// write view, falling back to its read view) over the backend, and
// caching a backend read onto ref.Page the way a page cache caches a
// page after a positional read.
func loadPage(reader Reader, til *TransactionIntentLog, ref *PageReference) (Page, error) {
	if til != nil {
		if c, ok := til.Get(ref); ok {
			if c.Write != nil {
				return c.Write, nil
			}
			return c.Read, nil
		}
	}
	if ref.Page != nil {
		return ref.Page, nil
	}
	if !ref.IsPersisted() {
		return nil, nil
	}
	page, err := reader.ReadPage(ref.FileKey, ref.Checksum)
	if err != nil {
		return nil, err
	}
	ref.Page = page
	return page, nil
}

// ResolveLeaf walks from the revision root to the leaf at pageKey,
// loading each indirect page via the reader (or the TIL, for a reader
// inside the same write transaction), then reconstructs the leaf from
// its fragment chain using the versioning algorithm for indexType.
func (tr *IndirectTrie) ResolveLeaf(reader Reader, til *TransactionIntentLog, root *RevisionRootPage, indexType IndexType, indexID, pageKey uint64, versioning VersioningType, revsToRestore int) (*KeyValueLeafPage, error) {
	leafRef, err := tr.descend(reader, til, root, indexType, pageKey, false, 0, 0)
	if err != nil {
		return nil, err
	}
	if leafRef == nil {
		return NewKeyValueLeafPage(pageKey, indexType, indexID, root.Revision, tr.Fanout, false), nil
	}
	fragments, err := fetchFragmentChain(reader, til, leafRef, revsToRestore)
	if err != nil {
		return nil, err
	}
	if len(fragments) == 0 {
		return NewKeyValueLeafPage(pageKey, indexType, indexID, root.Revision, tr.Fanout, false), nil
	}
	return CombineLeaf(versioning, fragments, revsToRestore)
}

// PrepareLeafForWrite walks the same path as ResolveLeaf, but clones
// every indirect page along the way into the TIL (copy-on-write) if not
// already present there, creates a fresh empty indirect/leaf wherever a
// reference is null (the only way new paths are grown), and installs a
// dirty write-view for the leaf. It returns that write-view, a live
// alias safe for the caller to mutate in place.
func (tr *IndirectTrie) PrepareLeafForWrite(reader Reader, til *TransactionIntentLog, root *RevisionRootPage, indexType IndexType, indexID, pageKey uint64, versioning VersioningType, revsToRestore int, newRevision uint64, databaseID, resourceID uint32) (*KeyValueLeafPage, error) {
	leafRef, err := tr.descend(reader, til, root, indexType, pageKey, true, databaseID, resourceID)
	if err != nil {
		return nil, err
	}
	if leafRef == nil {
		return nil, newErr("PrepareLeafForWrite", KindVersioningInvariant, fmt.Errorf("descend produced no leaf reference"))
	}
	if c, ok := til.Get(leafRef); ok {
		if w, ok := c.Write.(*KeyValueLeafPage); ok {
			return w, nil
		}
	}

	fragments, err := fetchFragmentChain(reader, til, leafRef, revsToRestore)
	if err != nil {
		return nil, err
	}
	var readView *KeyValueLeafPage
	if len(fragments) > 0 {
		readView, err = CombineLeaf(versioning, fragments, revsToRestore)
		if err != nil {
			return nil, err
		}
	} else {
		readView = NewKeyValueLeafPage(pageKey, indexType, indexID, root.Revision, tr.Fanout, false)
	}

	writeView, err := ModifyView(versioning, readView, fragments, revsToRestore, newRevision)
	if err != nil {
		return nil, err
	}
	til.Upsert(leafRef, &PageContainer{Read: readView, Write: writeView})
	return writeView, nil
}

// descend walks depth levels from root.IndirectRoots[indexType] to the
// leaf-level PageReference for pageKey. When forWrite is true it clones
// each indirect page into the TIL and grows missing branches with fresh
// empty pages; when false it stops and returns nil the first time a
// reference along the path is unmaterialized.
func (tr *IndirectTrie) descend(reader Reader, til *TransactionIntentLog, root *RevisionRootPage, indexType IndexType, pageKey uint64, forWrite bool, databaseID, resourceID uint32) (*PageReference, error) {
	depth := tr.Depth(indexType)
	path := tr.digits(pageKey, depth)

	cur := root.IndirectRoots[indexType]
	if cur == nil {
		if !forWrite {
			return nil, nil
		}
		cur = NewPageReference(databaseID, resourceID)
		root.IndirectRoots[indexType] = cur
	}

	for level := 0; level < depth; level++ {
		page, err := tr.loadOrCloneIndirect(reader, til, cur, forWrite)
		if err != nil {
			return nil, err
		}
		if page == nil {
			return nil, nil
		}
		digit := path[level]
		child := page.References[digit]
		if level == depth-1 {
			if child == nil && forWrite {
				child = NewPageReference(databaseID, resourceID)
				page.References[digit] = child
			}
			return child, nil
		}
		if child == nil {
			if !forWrite {
				return nil, nil
			}
			child = NewPageReference(databaseID, resourceID)
			page.References[digit] = child
		}
		cur = child
	}
	return nil, newErr("descend", KindVersioningInvariant, fmt.Errorf("unreachable: depth %d produced no leaf reference", depth))
}

// loadOrCloneIndirect returns the IndirectPage at ref. For a write
// descent it returns the TIL's write view, cloning the existing page (or
// allocating a fresh one) into the TIL on first touch.
func (tr *IndirectTrie) loadOrCloneIndirect(reader Reader, til *TransactionIntentLog, ref *PageReference, forWrite bool) (*IndirectPage, error) {
	if forWrite {
		if c, ok := til.Get(ref); ok {
			ip, ok := c.Write.(*IndirectPage)
			if !ok {
				return nil, newErr("loadOrCloneIndirect", KindCorruptHeader, fmt.Errorf("TIL entry for indirect reference holds a %T", c.Write))
			}
			return ip, nil
		}
		existing, err := loadPage(reader, nil, ref)
		if err != nil {
			return nil, err
		}
		var readView Page
		var writeView *IndirectPage
		if existing != nil {
			ip, ok := existing.(*IndirectPage)
			if !ok {
				return nil, newErr("loadOrCloneIndirect", KindCorruptHeader, fmt.Errorf("expected IndirectPage, got %T", existing))
			}
			readView = ip
			writeView = ip.Clone()
		} else {
			writeView = NewIndirectPage(tr.Fanout)
		}
		til.Upsert(ref, &PageContainer{Read: readView, Write: writeView})
		return writeView, nil
	}

	page, err := loadPage(reader, til, ref)
	if err != nil {
		return nil, err
	}
	if page == nil {
		return nil, nil
	}
	ip, ok := page.(*IndirectPage)
	if !ok {
		return nil, newErr("loadOrCloneIndirect", KindCorruptHeader, fmt.Errorf("expected IndirectPage, got %T", page))
	}
	return ip, nil
}

// fetchFragmentChain loads the leaf's newest-first fragment chain: the
// leaf reference's current value (from the TIL if mid-transaction,
// otherwise the backend) followed by up to revsToRestore-1 older
// fragments named by ref.Fragments.
func fetchFragmentChain(reader Reader, til *TransactionIntentLog, ref *PageReference, revsToRestore int) ([]*KeyValueLeafPage, error) {
	var latest *KeyValueLeafPage
	if til != nil {
		if c, ok := til.Get(ref); ok {
			if w, ok := c.Write.(*KeyValueLeafPage); ok {
				latest = w
			} else if r, ok := c.Read.(*KeyValueLeafPage); ok {
				latest = r
			}
		}
	}
	if latest == nil && ref.Page != nil {
		latest, _ = ref.Page.(*KeyValueLeafPage)
	}
	if latest == nil && ref.IsPersisted() {
		page, err := reader.ReadPage(ref.FileKey, ref.Checksum)
		if err != nil {
			return nil, err
		}
		kv, ok := page.(*KeyValueLeafPage)
		if !ok {
			return nil, newErr("fetchFragmentChain", KindCorruptHeader, fmt.Errorf("expected KeyValueLeafPage, got %T", page))
		}
		ref.Page = kv
		latest = kv
	}
	if latest == nil {
		return nil, nil
	}

	fragments := make([]*KeyValueLeafPage, 0, revsToRestore)
	fragments = append(fragments, latest)
	for _, fk := range ref.Fragments {
		if len(fragments) >= revsToRestore {
			break
		}
		page, err := reader.ReadPage(fk.FileOffset, nil)
		if err != nil {
			return nil, err
		}
		kv, ok := page.(*KeyValueLeafPage)
		if !ok {
			continue
		}
		fragments = append(fragments, kv)
	}
	return fragments, nil
}
