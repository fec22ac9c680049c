package storage

// Record is a single tree node (or name-dictionary / CAS / path entry)
// owned by exactly one KeyValueLeafPage slot at any (revision, pageKey).
type Record struct {
	NodeKey uint64
	Kind    byte
	Payload []byte
}

// Clone returns a deep copy, used when prepareRecordForModification hands
// out a mutable alias that must not share backing memory with the
// complete read-view still reachable from an older revision.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := &Record{NodeKey: r.NodeKey, Kind: r.Kind}
	if r.Payload != nil {
		clone.Payload = append([]byte(nil), r.Payload...)
	}
	return clone
}

// KeyValueLeafPage is a slot-addressed page holding records for one
// logical page number (pageKey) within one index's trie. Leaves are
// reconstructed from a bounded chain of these pages, newest-first, by one
// of the versioning algorithms in versioning.go.
type KeyValueLeafPage struct {
	PageKey   uint64
	IndexType IndexType
	IndexID   uint64
	Revision  uint64

	// Slots holds one byte-serialized Record per logical offset
	// (0..fanout-1); nil means the slot is unoccupied in this fragment.
	Slots [][]byte

	// DeweyIDs parallels Slots when the resource's config enables
	// per-record structural identifiers; nil otherwise.
	DeweyIDs [][]byte

	// References holds overflow records too large to inline, keyed by
	// slot offset.
	References map[uint64]*PageReference

	// SymbolTable is the optional per-page FSST dictionary used when the
	// resource enables string compression (config.go).
	SymbolTable *FSSTTable

	// PageHash is the checksum computed over this page's *uncompressed*
	// canonical bytes: leaf pages are sealed pre-compression, unlike
	// every other page kind.
	PageHash uint64
}

func (*KeyValueLeafPage) Kind() PageKind { return KindKeyValueLeafPage }

// NewKeyValueLeafPage allocates an empty leaf with fanout slots.
func NewKeyValueLeafPage(pageKey uint64, indexType IndexType, indexID uint64, revision uint64, fanout int, useDeweyIDs bool) *KeyValueLeafPage {
	p := &KeyValueLeafPage{
		PageKey:   pageKey,
		IndexType: indexType,
		IndexID:   indexID,
		Revision:  revision,
		Slots:     make([][]byte, fanout),
	}
	if useDeweyIDs {
		p.DeweyIDs = make([][]byte, fanout)
	}
	return p
}

// Clone returns a deep copy suitable for use as a dirty write-view
// (PageContainer.Write) while the read-view (PageContainer.Read) keeps
// pointing at the original, unmutated fragment.
func (p *KeyValueLeafPage) Clone() *KeyValueLeafPage {
	clone := &KeyValueLeafPage{
		PageKey:   p.PageKey,
		IndexType: p.IndexType,
		IndexID:   p.IndexID,
		Revision:  p.Revision,
		Slots:     make([][]byte, len(p.Slots)),
	}
	for i, s := range p.Slots {
		if s != nil {
			clone.Slots[i] = append([]byte(nil), s...)
		}
	}
	if p.DeweyIDs != nil {
		clone.DeweyIDs = make([][]byte, len(p.DeweyIDs))
		for i, d := range p.DeweyIDs {
			if d != nil {
				clone.DeweyIDs[i] = append([]byte(nil), d...)
			}
		}
	}
	if p.References != nil {
		clone.References = make(map[uint64]*PageReference, len(p.References))
		for k, v := range p.References {
			clone.References[k] = v
		}
	}
	if p.SymbolTable != nil {
		clone.SymbolTable = p.SymbolTable.Clone()
	}
	clone.PageHash = p.PageHash
	return clone
}

// computeLeafPageHash seals a leaf's canonical, uncompressed payload:
// every slot in offset order, then every DeweyID in the same order. Slots
// are already addressed by fixed offset rather than stored sorted, so
// canonicalizing here is just walking them in that order; nil slots
// contribute nothing rather than a placeholder, so two pages that differ
// only in trailing empty slots beyond the highest occupied one still
// hash equal.
func computeLeafPageHash(algo HashAlgorithm, p *KeyValueLeafPage) uint64 {
	var buf []byte
	for _, s := range p.Slots {
		buf = append(buf, s...)
	}
	for _, d := range p.DeweyIDs {
		buf = append(buf, d...)
	}
	return algo.HashLong(buf)
}

// SetSlot writes (or clears, with a nil payload) a record's serialized
// form into the given offset.
func (p *KeyValueLeafPage) SetSlot(offset int, data []byte) {
	p.Slots[offset] = data
}

// SlotAt returns the raw slot bytes at offset, or nil if unoccupied.
func (p *KeyValueLeafPage) SlotAt(offset int) []byte {
	if offset < 0 || offset >= len(p.Slots) {
		return nil
	}
	return p.Slots[offset]
}

// Occupied reports whether the slot at offset is non-nil or the page holds
// a reference keyed by offset.
func (p *KeyValueLeafPage) Occupied(offset int) bool {
	if offset >= 0 && offset < len(p.Slots) && p.Slots[offset] != nil {
		return true
	}
	_, hasRef := p.References[uint64(offset)]
	return hasRef
}

// FSSTTable is a minimal per-page symbol table used for string
// compression inside leaves when the resource config enables it. Each
// symbol is its own allocated byte slice; the table does not share
// memory with the buffers backing Slots.
type FSSTTable struct {
	Symbols [][]byte
}

// Clone deep-copies the symbol table.
func (t *FSSTTable) Clone() *FSSTTable {
	if t == nil {
		return nil
	}
	clone := &FSSTTable{Symbols: make([][]byte, len(t.Symbols))}
	for i, s := range t.Symbols {
		clone.Symbols[i] = append([]byte(nil), s...)
	}
	return clone
}

// Intern returns the symbol id for s, adding it to the table if it is not
// already present.
func (t *FSSTTable) Intern(s []byte) uint16 {
	for i, existing := range t.Symbols {
		if string(existing) == string(s) {
			return uint16(i)
		}
	}
	t.Symbols = append(t.Symbols, append([]byte(nil), s...))
	return uint16(len(t.Symbols) - 1)
}

// Symbol returns the interned byte slice for id, or nil if out of range.
func (t *FSSTTable) Symbol(id uint16) []byte {
	if int(id) >= len(t.Symbols) {
		return nil
	}
	return t.Symbols[id]
}
