package storage

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// eytzingerSIMDThreshold is the size below which find_revision falls
// back to a linear scan sized to an 8-lane SIMD width. Go has no
// portable SIMD intrinsic in the standard library, so
// the "linear SIMD search" arm is a plain unrolled-by-8 loop — actual
// vectorization is a hardware detail the Go compiler may or may not
// produce from this shape, not something this module can force, but the
// threshold and algorithm choice are preserved exactly.
const eytzingerSIMDThreshold = 128

// RevisionIndex is an immutable, copy-on-write mapping from commit
// timestamp to revision number, built as parallel, flat, sorted arrays
// rather than a pointer-heavy tree.
type RevisionIndex struct {
	// timestamps and offsets are parallel, sorted-by-revision arrays:
	// timestamps[r] / offsets[r] belong to revision r.
	timestamps []int64
	offsets    []int64

	// eytzinger holds the same timestamps permuted into BFS order of a
	// complete binary tree, and eytzingerToSorted maps an Eytzinger
	// index back to its position in the sorted arrays above.
	eytzinger        []int64
	eytzingerToSorted []int
}

// CreateRevisionIndex builds a RevisionIndex from sorted-by-revision
// timestamp/offset arrays. timestamps must be non-decreasing; the
// bootstrap revision occupies index 0.
func CreateRevisionIndex(timestamps, offsets []int64) (*RevisionIndex, error) {
	if len(timestamps) != len(offsets) {
		return nil, newErr("CreateRevisionIndex", KindVersioningInvariant, fmt.Errorf("timestamps/offsets length mismatch: %d vs %d", len(timestamps), len(offsets)))
	}
	for i := 1; i < len(timestamps); i++ {
		if timestamps[i] < timestamps[i-1] {
			return nil, newErr("CreateRevisionIndex", KindVersioningInvariant, fmt.Errorf("timestamps not monotonic at revision %d: %d < %d", i, timestamps[i], timestamps[i-1]))
		}
	}
	idx := &RevisionIndex{
		timestamps: append([]int64(nil), timestamps...),
		offsets:    append([]int64(nil), offsets...),
	}
	idx.buildEytzinger()
	return idx, nil
}

// buildEytzinger lays timestamps out in BFS order of the implicit
// complete binary tree over the sorted array, recording for each
// Eytzinger slot which sorted index it corresponds to.
func (idx *RevisionIndex) buildEytzinger() {
	n := len(idx.timestamps)
	idx.eytzinger = make([]int64, n)
	idx.eytzingerToSorted = make([]int, n)
	if n == 0 {
		return
	}
	pos := 0
	var fill func(i int)
	fill = func(i int) {
		if i >= n {
			return
		}
		fill(2*i + 1)
		idx.eytzinger[i] = idx.timestamps[pos]
		idx.eytzingerToSorted[i] = pos
		pos++
		fill(2*i + 2)
	}
	fill(0)
}

// Size returns the number of revisions indexed.
func (idx *RevisionIndex) Size() int { return len(idx.timestamps) }

// FindRevision matches the classic binary-search contract: if ts
// matches a timestamp exactly, returns its sorted (revision) index;
// otherwise returns -(insertionPoint+1).
func (idx *RevisionIndex) FindRevision(ts int64) int {
	n := idx.Size()
	if n <= eytzingerSIMDThreshold {
		return linearSearchRevisions(idx.timestamps, ts)
	}
	return idx.eytzingerSearch(ts)
}

// linearSearchRevisions is the "≤128 elements" arm: an 8-wide unrolled
// scan. No real SIMD width — see eytzingerSIMDThreshold's comment — but
// the same algorithm shape and threshold.
func linearSearchRevisions(timestamps []int64, ts int64) int {
	i := 0
	n := len(timestamps)
	for ; i+8 <= n; i += 8 {
		for lane := 0; lane < 8; lane++ {
			if timestamps[i+lane] == ts {
				return i + lane
			}
			if timestamps[i+lane] > ts {
				return -(i + lane) - 1
			}
		}
	}
	for ; i < n; i++ {
		if timestamps[i] == ts {
			return i
		}
		if timestamps[i] > ts {
			return -i - 1
		}
	}
	return -n - 1
}

// eytzingerSearch descends the implicit tree with explicit lower-bound
// tracking, translating the final Eytzinger index back to a sorted
// index (or insertion point) via eytzingerToSorted.
func (idx *RevisionIndex) eytzingerSearch(ts int64) int {
	n := len(idx.eytzinger)
	i := 0
	lowerBoundSorted := n // insertion point if nothing matches or is >
	for i < n {
		v := idx.eytzinger[i]
		switch {
		case v == ts:
			return idx.eytzingerToSorted[i]
		case ts < v:
			if idx.eytzingerToSorted[i] < lowerBoundSorted {
				lowerBoundSorted = idx.eytzingerToSorted[i]
			}
			i = 2*i + 1
		default:
			i = 2*i + 2
		}
	}
	return -lowerBoundSorted - 1
}

// sortedSearchReference is a plain sort.Search binary search used only
// by tests to check the Eytzinger path agrees with the textbook one.
func sortedSearchReference(timestamps []int64, ts int64) int {
	i := sort.Search(len(timestamps), func(i int) bool { return timestamps[i] >= ts })
	if i < len(timestamps) && timestamps[i] == ts {
		return i
	}
	return -i - 1
}

// WithNewRevision returns a new RevisionIndex with one more entry
// appended, rejecting a non-monotonic timestamp. The receiver is left
// unmodified — copy-on-write, extending the "once durable, never
// mutated" rule to the index itself.
func (idx *RevisionIndex) WithNewRevision(offset, ts int64) (*RevisionIndex, error) {
	if idx.Size() > 0 && ts < idx.timestamps[idx.Size()-1] {
		return nil, newErr("WithNewRevision", KindVersioningInvariant, fmt.Errorf("timestamp %d precedes last recorded timestamp %d", ts, idx.timestamps[idx.Size()-1]))
	}
	return CreateRevisionIndex(append(append([]int64(nil), idx.timestamps...), ts), append(append([]int64(nil), idx.offsets...), offset))
}

// GetOffset and GetTimestamp are bounds-checked accessors.
func (idx *RevisionIndex) GetOffset(r int) (int64, error) {
	if r < 0 || r >= idx.Size() {
		return 0, newErr("GetOffset", KindKeyOutOfRange, fmt.Errorf("revision %d out of range [0,%d)", r, idx.Size()))
	}
	return idx.offsets[r], nil
}

func (idx *RevisionIndex) GetTimestamp(r int) (int64, error) {
	if r < 0 || r >= idx.Size() {
		return 0, newErr("GetTimestamp", KindKeyOutOfRange, fmt.Errorf("revision %d out of range [0,%d)", r, idx.Size()))
	}
	return idx.timestamps[r], nil
}

// RevisionIndexHolder publishes a single current RevisionIndex via an
// atomic pointer, giving single-writer/many-reader visibility without
// locks: in-flight readers holding an old snapshot keep working because
// the index is immutable.
type RevisionIndexHolder struct {
	current atomic.Pointer[RevisionIndex]
}

// NewRevisionIndexHolder seeds the holder with an already-built index.
func NewRevisionIndexHolder(initial *RevisionIndex) *RevisionIndexHolder {
	h := &RevisionIndexHolder{}
	h.current.Store(initial)
	return h
}

// Get returns the current index snapshot.
func (h *RevisionIndexHolder) Get() *RevisionIndex {
	return h.current.Load()
}

// AddRevision publishes a new index with one more revision appended —
// the UPDATE-INDEX step of the commit pipeline.
func (h *RevisionIndexHolder) AddRevision(offset, timestamp int64) error {
	next, err := h.current.Load().WithNewRevision(offset, timestamp)
	if err != nil {
		return err
	}
	h.current.Store(next)
	return nil
}
