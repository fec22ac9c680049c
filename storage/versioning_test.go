package storage

import (
	"bytes"
	"testing"
)

func leafWith(fanout int, revision uint64, vals map[int]string) *KeyValueLeafPage {
	p := NewKeyValueLeafPage(0, IndexTypeNode, 0, revision, fanout, false)
	for offset, v := range vals {
		p.SetSlot(offset, []byte(v))
	}
	return p
}

func TestCombineLeafFullRequiresExactlyOneFragment(t *testing.T) {
	latest := leafWith(4, 3, map[int]string{0: "a"})
	older := leafWith(4, 2, map[int]string{1: "b"})

	if _, err := CombineLeaf(VersioningFull, []*KeyValueLeafPage{latest}, 4); err != nil {
		t.Fatalf("expected single fragment to combine cleanly, got %v", err)
	}
	if _, err := CombineLeaf(VersioningFull, []*KeyValueLeafPage{latest, older}, 4); err == nil {
		t.Fatal("expected FULL with 2 fragments to error")
	}
}

func TestCombineLeafDifferentialFillsFromFullDumpOnly(t *testing.T) {
	latest := leafWith(4, 3, map[int]string{0: "new0"})
	fullDump := leafWith(4, 2, map[int]string{0: "old0", 1: "old1", 2: "old2"})

	out, err := CombineLeaf(VersioningDifferential, []*KeyValueLeafPage{latest, fullDump}, 4)
	if err != nil {
		t.Fatalf("CombineLeaf: %v", err)
	}
	if string(out.SlotAt(0)) != "new0" {
		t.Fatalf("expected latest to win at slot 0, got %q", out.SlotAt(0))
	}
	if string(out.SlotAt(1)) != "old1" || string(out.SlotAt(2)) != "old2" {
		t.Fatalf("expected slots 1/2 filled from full dump, got %q %q", out.SlotAt(1), out.SlotAt(2))
	}
	if out.Occupied(3) {
		t.Fatal("expected slot 3 to remain unoccupied")
	}

	if _, err := CombineLeaf(VersioningDifferential, []*KeyValueLeafPage{latest, fullDump, fullDump}, 4); err == nil {
		t.Fatal("expected DIFFERENTIAL with 3 fragments to error")
	}
}

func TestCombineLeafIncrementalStopsOnceFullyPopulated(t *testing.T) {
	f0 := leafWith(2, 2, map[int]string{0: "v2-0"})
	f1 := leafWith(2, 1, map[int]string{0: "v1-0", 1: "v1-1"})
	f2 := leafWith(2, 0, map[int]string{1: "v0-1"})

	out, err := CombineLeaf(VersioningIncremental, []*KeyValueLeafPage{f0, f1, f2}, 4)
	if err != nil {
		t.Fatalf("CombineLeaf: %v", err)
	}
	if string(out.SlotAt(0)) != "v2-0" {
		t.Fatalf("expected newest fragment's slot 0 to win, got %q", out.SlotAt(0))
	}
	if string(out.SlotAt(1)) != "v1-1" {
		t.Fatalf("expected slot 1 filled from the first fragment that has it, got %q", out.SlotAt(1))
	}

	if _, err := CombineLeaf(VersioningIncremental, []*KeyValueLeafPage{f0, f1, f2}, 2); err == nil {
		t.Fatal("expected a chain longer than revsToRestore to error")
	}
}

func TestCombineLeafEmptyChainErrors(t *testing.T) {
	if _, err := CombineLeaf(VersioningFull, nil, 4); err == nil {
		t.Fatal("expected empty fragment chain to error")
	}
}

func TestModifyViewFullAlwaysReturnsFullDump(t *testing.T) {
	combined := leafWith(4, 3, map[int]string{0: "a", 1: "b"})
	write, err := ModifyView(VersioningFull, combined, nil, 4, 4)
	if err != nil {
		t.Fatalf("ModifyView: %v", err)
	}
	if write.Revision != 4 {
		t.Fatalf("expected write-view revision 4, got %d", write.Revision)
	}
	if !write.Occupied(0) || !write.Occupied(1) {
		t.Fatal("expected FULL write-view to carry forward every occupied slot")
	}
}

func TestModifyViewDifferentialSparseOnNonDumpRevision(t *testing.T) {
	combined := leafWith(4, 3, map[int]string{0: "a", 1: "b"})
	latestFragment := leafWith(4, 3, map[int]string{0: "a"})

	write, err := ModifyView(VersioningDifferential, combined, []*KeyValueLeafPage{latestFragment}, 4, 5)
	if err != nil {
		t.Fatalf("ModifyView: %v", err)
	}
	if !write.Occupied(0) {
		t.Fatal("expected slot 0 (present in latest fragment) to survive")
	}
	if write.Occupied(1) {
		t.Fatal("expected slot 1 (only present via full-dump inheritance) to be dropped on a sparse revision")
	}
}

func TestModifyViewDifferentialFullOnDumpRevision(t *testing.T) {
	combined := leafWith(4, 3, map[int]string{0: "a", 1: "b"})
	write, err := ModifyView(VersioningDifferential, combined, nil, 4, 4)
	if err != nil {
		t.Fatalf("ModifyView: %v", err)
	}
	if !write.Occupied(0) || !write.Occupied(1) {
		t.Fatal("expected a full-dump revision to materialize every slot")
	}
}

func TestModifyViewIncrementalSparseBeforeWindowBoundary(t *testing.T) {
	combined := leafWith(4, 3, map[int]string{0: "a", 1: "b"})
	latestFragment := leafWith(4, 3, map[int]string{0: "a"})

	// One fragment in the chain, window of 4: not yet at revsToRestore-1,
	// so the write-view should trim back to what latestFragment already
	// carries instead of materializing everything combine inherited.
	write, err := ModifyView(VersioningIncremental, combined, []*KeyValueLeafPage{latestFragment}, 4, 5)
	if err != nil {
		t.Fatalf("ModifyView: %v", err)
	}
	if !write.Occupied(0) {
		t.Fatal("expected slot 0 (present in latest fragment) to survive")
	}
	if write.Occupied(1) {
		t.Fatal("expected slot 1 (only present via fillMissing inheritance) to be dropped before the window boundary")
	}
}

func TestModifyViewIncrementalFullOnWindowBoundary(t *testing.T) {
	combined := leafWith(4, 3, map[int]string{0: "a", 1: "b"})
	fragments := []*KeyValueLeafPage{
		leafWith(4, 3, map[int]string{0: "a"}),
		leafWith(4, 2, map[int]string{1: "b"}),
		leafWith(4, 1, nil),
	}
	// len(fragments) == revsToRestore-1: crossing the boundary, the
	// write-view must materialize every slot so the chain can be
	// truncated behind it.
	write, err := ModifyView(VersioningIncremental, combined, fragments, 4, 4)
	if err != nil {
		t.Fatalf("ModifyView: %v", err)
	}
	if !write.Occupied(0) || !write.Occupied(1) {
		t.Fatal("expected a window-boundary revision to materialize every slot")
	}
}

func TestModifyViewSlidingSnapshotCarriesForwardFallingOutFragment(t *testing.T) {
	combined := leafWith(4, 3, map[int]string{0: "new0"})
	oldest := leafWith(4, 0, map[int]string{1: "falling-out-1"})
	fragments := []*KeyValueLeafPage{combined, leafWith(4, 1, nil), oldest}

	write, err := ModifyView(VersioningSlidingSnapshot, combined, fragments, 3, 4)
	if err != nil {
		t.Fatalf("ModifyView: %v", err)
	}
	if string(write.SlotAt(1)) != "falling-out-1" {
		t.Fatalf("expected slot 1 carried forward from the fragment about to fall out, got %q", write.SlotAt(1))
	}
}

func TestDependencySetShapes(t *testing.T) {
	if deps := DependencySet(VersioningFull, 5, 0, 4); len(deps) != 1 || deps[0] != 5 {
		t.Fatalf("FULL dependency set = %v, want [5]", deps)
	}
	if deps := DependencySet(VersioningDifferential, 5, 4, 4); len(deps) != 2 {
		t.Fatalf("DIFFERENTIAL dependency set = %v, want 2 entries", deps)
	}
	if deps := DependencySet(VersioningDifferential, 4, 4, 4); len(deps) != 1 {
		t.Fatalf("DIFFERENTIAL at its own full dump = %v, want 1 entry", deps)
	}
	deps := DependencySet(VersioningIncremental, 10, 0, 4)
	if len(deps) != 4 {
		t.Fatalf("INCREMENTAL dependency set length = %d, want 4", len(deps))
	}
	for i, want := range []uint64{10, 9, 8, 7} {
		if deps[i] != want {
			t.Fatalf("deps[%d] = %d, want %d", i, deps[i], want)
		}
	}
}

func TestFillMissingLeavesExistingSlotsUntouched(t *testing.T) {
	dst := leafWith(2, 1, map[int]string{0: "keep"})
	src := leafWith(2, 0, map[int]string{0: "ignored", 1: "fill"})
	fillMissing(dst, src)
	if !bytes.Equal(dst.SlotAt(0), []byte("keep")) {
		t.Fatalf("expected dst's own slot 0 untouched, got %q", dst.SlotAt(0))
	}
	if !bytes.Equal(dst.SlotAt(1), []byte("fill")) {
		t.Fatalf("expected slot 1 filled from src, got %q", dst.SlotAt(1))
	}
}
