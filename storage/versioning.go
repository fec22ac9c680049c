package storage

import "fmt"

// VersioningType is the closed set of leaf reconstruction algorithms a
// resource selects for all of its index types. Each is a pure
// function over a newest-first fragment chain; none of them read or
// write a backend directly.
type VersioningType int

const (
	VersioningFull VersioningType = iota
	VersioningDifferential
	VersioningIncremental
	VersioningSlidingSnapshot
)

func (v VersioningType) String() string {
	switch v {
	case VersioningFull:
		return "FULL"
	case VersioningDifferential:
		return "DIFFERENTIAL"
	case VersioningIncremental:
		return "INCREMENTAL"
	case VersioningSlidingSnapshot:
		return "SLIDING_SNAPSHOT"
	default:
		return "unknown"
	}
}

// isFullDumpRevision reports whether newRevision is one of the periodic
// full dumps that DIFFERENTIAL relies on (INCREMENTAL's boundary is
// decided by fragment-chain length instead). revsToRestore doubles as the full-dump period, so a resource's
// single "how many fragments to keep" knob also decides "how often does
// a full snapshot happen" — the same tradeoff, read two ways. Revision 0
// (the bootstrap revision) is always a full dump.
func isFullDumpRevision(newRevision uint64, revsToRestore int) bool {
	if revsToRestore <= 0 {
		return true
	}
	return newRevision%uint64(revsToRestore) == 0
}

// CombineLeaf reconstructs the logical leaf visible at read time from a
// newest-first fragment chain. It halts as soon as every slot offset and
// every reference-map key is populated, or the chain is exhausted —
// whichever comes first.
func CombineLeaf(v VersioningType, fragments []*KeyValueLeafPage, revsToRestore int) (*KeyValueLeafPage, error) {
	if len(fragments) == 0 {
		return nil, newErr("CombineLeaf", KindVersioningInvariant, fmt.Errorf("empty fragment chain"))
	}
	latest := fragments[0]
	if len(latest.Slots) > 0 && !latest.Occupied(0) && hasAnyMissingSlot(latest) && len(fragments) == 1 {
		return nil, newErr("CombineLeaf", KindVersioningInvariant, fmt.Errorf("offset 0 is null with no further fragments to combine"))
	}

	switch v {
	case VersioningFull:
		if len(fragments) != 1 {
			return nil, newErr("CombineLeaf", KindVersioningInvariant, fmt.Errorf("FULL expects exactly one fragment, got %d", len(fragments)))
		}
		return latest.Clone(), nil

	case VersioningDifferential:
		if len(fragments) > 2 {
			return nil, newErr("CombineLeaf", KindVersioningInvariant, fmt.Errorf("DIFFERENTIAL expects at most 2 fragments, got %d", len(fragments)))
		}
		out := latest.Clone()
		if len(fragments) == 2 {
			fillMissing(out, fragments[1])
		}
		return out, nil

	case VersioningIncremental, VersioningSlidingSnapshot:
		if len(fragments) > revsToRestore {
			return nil, newErr("CombineLeaf", KindVersioningInvariant, fmt.Errorf("fragment chain of length %d exceeds window %d", len(fragments), revsToRestore))
		}
		out := latest.Clone()
		for _, older := range fragments[1:] {
			if fullyPopulated(out) {
				break
			}
			fillMissing(out, older)
		}
		return out, nil

	default:
		return nil, newErr("CombineLeaf", KindVersioningInvariant, fmt.Errorf("unknown versioning type %v", v))
	}
}

// ModifyView builds the dirty write-view installed into the TIL when a
// leaf at newRevision is about to be written to. The shape of this page
// (sparse diff vs. full materialization) is what each algorithm tunes.
func ModifyView(v VersioningType, combined *KeyValueLeafPage, fragments []*KeyValueLeafPage, revsToRestore int, newRevision uint64) (*KeyValueLeafPage, error) {
	if combined == nil {
		return nil, newErr("ModifyView", KindNullArg, fmt.Errorf("combined leaf is nil"))
	}
	write := combined.Clone()
	write.Revision = newRevision

	switch v {
	case VersioningFull:
		// Every commit is a full dump: the write-view already is one.
		return write, nil

	case VersioningDifferential:
		if isFullDumpRevision(newRevision, revsToRestore) {
			return write, nil
		}
		// Otherwise the write-view mirrors only what's in the latest
		// fragment — everything inherited purely from the full dump is
		// dropped back out, since the reader will refill it from the
		// (still-referenced) full dump fragment on the next combine.
		if len(fragments) > 0 {
			sparse := write.Clone()
			latest := fragments[0]
			for i := range sparse.Slots {
				if !latest.Occupied(i) {
					sparse.Slots[i] = nil
					delete(sparse.References, uint64(i))
				}
			}
			if sparse.DeweyIDs != nil {
				for i := range sparse.DeweyIDs {
					if !latest.Occupied(i) {
						sparse.DeweyIDs[i] = nil
					}
				}
			}
			return sparse, nil
		}
		return write, nil

	case VersioningIncremental:
		if len(fragments) == revsToRestore-1 {
			// Crossing the window boundary: materialize a full dump so
			// the chain can be truncated behind it.
			return write, nil
		}
		// Otherwise trim back to whatever the latest fragment already
		// carries -- anything inherited purely by CombineLeaf's fillMissing
		// from an older fragment in the window is dropped, since the reader
		// reassembles it from that fragment on the next combine. Keeps each
		// incremental fragment small instead of re-materializing the full
		// page every revision.
		if len(fragments) > 0 {
			sparse := write.Clone()
			latest := fragments[0]
			for i := range sparse.Slots {
				if !latest.Occupied(i) {
					sparse.Slots[i] = nil
					delete(sparse.References, uint64(i))
				}
			}
			if sparse.DeweyIDs != nil {
				for i := range sparse.DeweyIDs {
					if !latest.Occupied(i) {
						sparse.DeweyIDs[i] = nil
					}
				}
			}
			return sparse, nil
		}
		return write, nil

	case VersioningSlidingSnapshot:
		// Must also carry forward every slot that is only present in the
		// oldest fragment of the window, since that fragment is about to
		// fall out of the chain.
		if len(fragments) >= revsToRestore-1 && len(fragments) > 0 {
			oldest := fragments[len(fragments)-1]
			for i := range write.Slots {
				if !write.Occupied(i) && oldest.Occupied(i) {
					write.Slots[i] = oldest.SlotAt(i)
					if ref, ok := oldest.References[uint64(i)]; ok {
						if write.References == nil {
							write.References = make(map[uint64]*PageReference)
						}
						write.References[uint64(i)] = ref
					}
				}
			}
		}
		return write, nil

	default:
		return nil, newErr("ModifyView", KindVersioningInvariant, fmt.Errorf("unknown versioning type %v", v))
	}
}

// DependencySet names the prior revisions a fragment chain for this
// algorithm depends on, starting at prev. TruncateTo does not consult
// it; its callers are the tests that check P-type invariants.
func DependencySet(v VersioningType, prev uint64, lastFullDump uint64, revsToRestore int) []uint64 {
	switch v {
	case VersioningFull:
		return []uint64{prev}
	case VersioningDifferential:
		if lastFullDump == prev {
			return []uint64{prev}
		}
		return []uint64{prev, lastFullDump}
	case VersioningIncremental, VersioningSlidingSnapshot:
		deps := make([]uint64, 0, revsToRestore)
		for r := prev; len(deps) < revsToRestore; r-- {
			deps = append(deps, r)
			if r == 0 {
				break
			}
		}
		return deps
	default:
		return nil
	}
}

func fullyPopulated(p *KeyValueLeafPage) bool {
	for i := range p.Slots {
		if !p.Occupied(i) {
			return false
		}
	}
	return true
}

func hasAnyMissingSlot(p *KeyValueLeafPage) bool {
	for i := range p.Slots {
		if !p.Occupied(i) {
			return true
		}
	}
	return false
}

// fillMissing copies every slot/DeweyID/reference dst doesn't have from
// src, leaving dst's own entries untouched.
func fillMissing(dst, src *KeyValueLeafPage) {
	for i := range dst.Slots {
		if !dst.Occupied(i) && src.Occupied(i) {
			dst.Slots[i] = src.SlotAt(i)
			if ref, ok := src.References[uint64(i)]; ok {
				if dst.References == nil {
					dst.References = make(map[uint64]*PageReference)
				}
				dst.References[uint64(i)] = ref
			}
		}
	}
	if dst.DeweyIDs != nil && src.DeweyIDs != nil {
		for i := range dst.DeweyIDs {
			if dst.DeweyIDs[i] == nil && i < len(src.DeweyIDs) {
				dst.DeweyIDs[i] = src.DeweyIDs[i]
			}
		}
	}
}
