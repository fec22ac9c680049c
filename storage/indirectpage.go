package storage

// IndirectPage is one level of the fixed-fanout trie (trie.go) that maps
// 64-bit keys (node keys, or revision numbers for the UberPage's own
// trie) down to leaves. Internal levels never hold records directly.
type IndirectPage struct {
	References []*PageReference // length is always the trie's fanout
}

func (*IndirectPage) Kind() PageKind { return KindIndirectPage }

// NewIndirectPage allocates an empty indirect page with fanout slots, all
// initially unresolved (nil reference = "never materialized").
func NewIndirectPage(fanout int) *IndirectPage {
	return &IndirectPage{References: make([]*PageReference, fanout)}
}

// Clone performs the copy-on-write step used while descending the trie
// for a write: a shallow copy of the reference array, so slots the write
// doesn't touch keep pointing at the same (already-persisted or
// still-dirty) reference instances as the original page.
func (p *IndirectPage) Clone() *IndirectPage {
	clone := &IndirectPage{References: make([]*PageReference, len(p.References))}
	copy(clone.References, p.References)
	return clone
}
