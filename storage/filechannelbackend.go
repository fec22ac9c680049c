package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// fileChannelProvider registers the FileChannel backend with
// StorageProviders. Its priority is lower than the mmap backend's: the
// mmap path is generally faster for read-heavy workloads once available,
// but FileChannel is always available (no platform mmap dependency), so
// it is the guaranteed fallback.
type fileChannelProvider struct{}

func (fileChannelProvider) Name() string   { return "filechannel" }
func (fileChannelProvider) Priority() int  { return 10 }
func (fileChannelProvider) Available() bool { return true }

func (fileChannelProvider) OpenWriter(path string, pipeline *Pipeline, databaseID, resourceID uint32) (Writer, error) {
	return openFileChannelBackend(path, pipeline, databaseID, resourceID, false)
}

func (fileChannelProvider) OpenReader(path string, pipeline *Pipeline, databaseID, resourceID uint32) (Reader, error) {
	return openFileChannelBackend(path, pipeline, databaseID, resourceID, true)
}

// fileChannelBackend is a
// single os.File opened with buffered-write-then-positional-write
// (WriteAt) for writers and positional ReadAt for readers, plus the
// StorageFile abstraction so the same
// code runs against a MemFile in tests.
type fileChannelBackend struct {
	mu         sync.Mutex
	data       StorageFile
	revisions  StorageFile
	pipeline   *Pipeline
	persister  *Persister
	readOnly   bool
	dataEnd    int64
	revEnd     int64
	checksumer HashAlgorithm
	pendingSync sync.WaitGroup
	cache      *pageCache
}

// defaultPageCacheCapacity mirrors a typical default of
// 256 entries (storage/lru.go): 256 pages covers a working set comparable
// to a 1 MB budget at a 4 KB page size, without hardcoding
// a byte budget this engine's variable-length pages can't express.
const defaultPageCacheCapacity = 256

func dataPath(dir string) string      { return filepath.Join(dir, "data") }
func revisionsPath(dir string) string { return filepath.Join(dir, "revisions") }

func openFileChannelBackend(dir string, pipeline *Pipeline, databaseID, resourceID uint32, readOnly bool) (*fileChannelBackend, error) {
	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	if err := os.MkdirAll(dir, 0755); err != nil && !readOnly {
		return nil, newErr("openFileChannelBackend", KindIO, err)
	}
	df, err := os.OpenFile(dataPath(dir), flags, 0644)
	if err != nil {
		return nil, newErr("openFileChannelBackend", KindIO, err)
	}
	rf, err := os.OpenFile(revisionsPath(dir), flags, 0644)
	if err != nil {
		df.Close()
		return nil, newErr("openFileChannelBackend", KindIO, err)
	}
	b := &fileChannelBackend{
		data:       df,
		revisions:  rf,
		pipeline:   pipeline,
		persister:  NewPersister(databaseID, resourceID),
		readOnly:   readOnly,
		checksumer: HashXXH3,
		cache:      newPageCache(defaultPageCacheCapacity),
	}
	if info, err := df.Stat(); err == nil {
		b.dataEnd = info.Size()
	}
	if info, err := rf.Stat(); err == nil {
		b.revEnd = info.Size()
	}
	// The first uberBeaconRegion bytes of both files are reserved for the
	// UberPage beacon pair even before the first commit writes them, so
	// the very first AppendPage call (which happens before
	// WriteUberPageBeacons in the commit pipeline) never collides with
	// beacon offsets 0/uberBeaconSlotSize.
	if b.dataEnd < uberBeaconRegion {
		b.dataEnd = uberBeaconRegion
	}
	if b.revEnd < uberBeaconRegion {
		b.revEnd = uberBeaconRegion
	}
	return b, nil
}

// newMemoryFileChannelBackend builds a fileChannelBackend over two fresh
// MemFiles, matching an in-memory-backed open constructor
// "no OS file, no WAL" in-memory profile.
func newMemoryFileChannelBackend(pipeline *Pipeline, databaseID, resourceID uint32, readOnly bool) (*fileChannelBackend, error) {
	b := &fileChannelBackend{
		data:       NewMemFile(),
		revisions:  NewMemFile(),
		pipeline:   pipeline,
		persister:  NewPersister(databaseID, resourceID),
		readOnly:   readOnly,
		checksumer: HashXXH3,
		cache:      newPageCache(defaultPageCacheCapacity),
		dataEnd:    uberBeaconRegion,
		revEnd:     uberBeaconRegion,
	}
	return b, nil
}

func (b *fileChannelBackend) ByteHandler() *Pipeline { return b.pipeline }

func (b *fileChannelBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingSync.Wait()
	err1 := b.data.Close()
	err2 := b.revisions.Close()
	if err1 != nil {
		return newErr("Close", KindIO, err1)
	}
	if err2 != nil {
		return newErr("Close", KindIO, err2)
	}
	return nil
}

// writeFrame serializes+compresses+checksums p, writes a length-prefixed
// frame at off, and pads so the next frame starts aligned per
// alignment.go. Returns the seal checksum bytes and the total bytes
// consumed (payload+prefix+padding).
func (b *fileChannelBackend) writeFrame(off int64, p Page) (checksum []byte, consumed int64, err error) {
	if leaf, ok := p.(*KeyValueLeafPage); ok {
		// Canonicalize before serializing so PageHash is computed over
		// (and embedded in) the same uncompressed bytes the outer seal
		// below covers.
		leaf.PageHash = computeLeafPageHash(b.checksumer, leaf)
	}
	raw, err := b.persister.Serialize(p)
	if err != nil {
		return nil, 0, err
	}

	var compressed []byte
	var sealChecksum []byte
	if p.Kind() == KindKeyValueLeafPage {
		// Invariant 2: leaf pages are sealed pre-compression.
		sealChecksum = Seal(b.checksumer, raw)
		compressed, err = b.pipeline.CompressBuffer(raw)
		if err != nil {
			return nil, 0, err
		}
	} else {
		compressed, err = b.pipeline.CompressBuffer(raw)
		if err != nil {
			return nil, 0, err
		}
		sealChecksum = Seal(b.checksumer, compressed)
	}

	align := alignmentFor(p.Kind())
	pad := padLength(len(compressed), align)
	frame := make([]byte, frameLengthPrefixSize+len(compressed)+int(pad))
	binary.BigEndian.PutUint32(frame, uint32(len(compressed)))
	copy(frame[frameLengthPrefixSize:], compressed)

	if _, err := b.data.WriteAt(frame, off); err != nil {
		return nil, 0, newErr("writeFrame", KindIO, err)
	}
	return sealChecksum, int64(len(frame)), nil
}

func (b *fileChannelBackend) readFrame(off int64) ([]byte, error) {
	var lenBuf [frameLengthPrefixSize]byte
	if _, err := b.data.ReadAt(lenBuf[:], off); err != nil {
		return nil, newErr("readFrame", KindIO, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := b.data.ReadAt(payload, off+frameLengthPrefixSize); err != nil {
			return nil, newErr("readFrame", KindIO, err)
		}
	}
	return payload, nil
}

func (b *fileChannelBackend) ReadPage(offset int64, expectedChecksum []byte) (Page, error) {
	if page, ok := b.cache.get(offset); ok {
		return page, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	compressed, err := b.readFrame(offset)
	if err != nil {
		return nil, err
	}

	// Try decoding to learn the kind, then decide which bytes the
	// checksum covers (leaf pages are sealed uncompressed).
	raw, err := b.pipeline.DecompressBuffer(compressed)
	if err != nil {
		return nil, newErr("ReadPage", KindIO, err)
	}
	if len(expectedChecksum) > 0 {
		var verifyErr error
		if len(raw) > 0 && PageKind(raw[0]) == KindKeyValueLeafPage {
			verifyErr = Verify(raw, expectedChecksum)
		} else {
			verifyErr = Verify(compressed, expectedChecksum)
		}
		if verifyErr != nil {
			return nil, verifyErr
		}
	}
	page, err := b.persister.Deserialize(raw)
	if err != nil {
		return nil, err
	}
	b.cache.put(offset, page)
	return page, nil
}

// AppendPage appends p at the next aligned offset at the end of the data
// file.
func (b *fileChannelBackend) AppendPage(p Page) (int64, []byte, error) {
	if b.readOnly {
		return 0, nil, newErr("AppendPage", KindIO, ErrClosedResource)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	off := alignUp(b.dataEnd, alignmentFor(p.Kind()))
	checksum, consumed, err := b.writeFrame(off, p)
	if err != nil {
		return 0, nil, err
	}
	b.dataEnd = off + consumed
	return off, checksum, nil
}

func alignUp(off int64, align int64) int64 {
	rem := off % align
	if rem == 0 {
		return off
	}
	return off + (align - rem)
}

// WriteUberPageBeacons writes identical copies of u into both fixed
// 512-byte beacon slots (file offsets 0 and uberBeaconSlotSize).
// Writing slot 0 first, then slot 1, means a crash
// between the two leaves slot 1 holding the previous commit's valid
// UberPage and slot 0 holding either the new one (if the write completed)
// or a corrupt partial frame (if not) — UberPageReference keeps whichever
// copy decodes and carries the higher revision. The beacons carry no
// checksum, so a damaged copy that still decodes is not detected.
func (b *fileChannelBackend) WriteUberPageBeacons(u *UberPage) error {
	if b.readOnly {
		return newErr("WriteUberPageBeacons", KindIO, ErrClosedResource)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := b.persister.Serialize(u)
	if err != nil {
		return err
	}
	compressed, err := b.pipeline.CompressBuffer(raw)
	if err != nil {
		return err
	}
	if frameLengthPrefixSize+len(compressed) > uberBeaconSlotSize {
		return newErr("WriteUberPageBeacons", KindIO, fmt.Errorf("uber page frame %d bytes exceeds beacon slot %d", len(compressed), uberBeaconSlotSize))
	}
	frame := make([]byte, uberBeaconSlotSize)
	binary.BigEndian.PutUint32(frame, uint32(len(compressed)))
	copy(frame[frameLengthPrefixSize:], compressed)

	for slot := 0; slot < uberBeaconCount; slot++ {
		off := int64(slot * uberBeaconSlotSize)
		if _, err := b.data.WriteAt(frame, off); err != nil {
			return newErr("WriteUberPageBeacons", KindIO, err)
		}
	}
	if b.dataEnd < uberBeaconRegion {
		b.dataEnd = uberBeaconRegion
	}
	// revisions file keeps its own copy of the beacon region for
	// crash-consistent recovery when the data file's beacons themselves
	// can't be trusted.
	if _, err := b.revisions.WriteAt(frame, 0); err != nil {
		return newErr("WriteUberPageBeacons", KindIO, err)
	}
	off2 := int64(uberBeaconSlotSize)
	if _, err := b.revisions.WriteAt(frame, off2); err != nil {
		return newErr("WriteUberPageBeacons", KindIO, err)
	}
	if b.revEnd < uberBeaconRegion {
		b.revEnd = uberBeaconRegion
	}
	return nil
}

func (b *fileChannelBackend) UberPageReference() (*UberPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readUberBeacons()
}

func (b *fileChannelBackend) readUberBeacons() (*UberPage, error) {
	var candidates []*UberPage
	for slot := 0; slot < uberBeaconCount; slot++ {
		off := int64(slot * uberBeaconSlotSize)
		compressed, err := b.readFrame(off)
		if err != nil {
			continue
		}
		raw, err := b.pipeline.DecompressBuffer(compressed)
		if err != nil {
			continue
		}
		page, err := b.persister.Deserialize(raw)
		if err != nil {
			continue
		}
		u, ok := page.(*UberPage)
		if !ok {
			continue
		}
		candidates = append(candidates, u)
	}
	if len(candidates) == 0 {
		return nil, newErr("readUberBeacons", KindCorruptHeader, fmt.Errorf("no valid UberPage beacon"))
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.RevisionCount > best.RevisionCount {
			best = c
		}
	}
	return best, nil
}

func (b *fileChannelBackend) AppendRevisionFileData(offset int64, commitTimestampMillis int64) error {
	if b.readOnly {
		return newErr("AppendRevisionFileData", KindIO, ErrClosedResource)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.revEnd < uberBeaconRegion {
		b.revEnd = uberBeaconRegion
	}
	var buf [revisionRecordStride]byte
	binary.NativeEndian.PutUint64(buf[0:8], uint64(offset))
	binary.NativeEndian.PutUint64(buf[8:16], uint64(commitTimestampMillis))
	if _, err := b.revisions.WriteAt(buf[:], b.revEnd); err != nil {
		return newErr("AppendRevisionFileData", KindIO, err)
	}
	b.revEnd += revisionRecordStride
	return nil
}

func (b *fileChannelBackend) RevisionFileData(revision uint64) (int64, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.revisionFileDataLocked(revision)
}

// revisionFileDataLocked is RevisionFileData's body without the lock, for
// callers (TruncateTo) that already hold b.mu.
func (b *fileChannelBackend) revisionFileDataLocked(revision uint64) (int64, int64, error) {
	off := uberBeaconRegion + int64(revision)*revisionRecordStride
	var buf [revisionRecordStride]byte
	if _, err := b.revisions.ReadAt(buf[:], off); err != nil {
		return 0, 0, newErr("RevisionFileData", KindIO, err)
	}
	offset := int64(binary.NativeEndian.Uint64(buf[0:8]))
	ts := int64(binary.NativeEndian.Uint64(buf[8:16]))
	return offset, ts, nil
}

func (b *fileChannelBackend) Sync(async bool) error {
	do := func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		if err := b.data.Sync(); err != nil {
			return newErr("Sync", KindIO, err)
		}
		if err := b.revisions.Sync(); err != nil {
			return newErr("Sync", KindIO, err)
		}
		return nil
	}
	if !async {
		return do()
	}
	b.pendingSync.Add(1)
	go func() {
		defer b.pendingSync.Done()
		_ = do()
	}()
	return nil
}

func (b *fileChannelBackend) TruncateTo(revision uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	offset, _, err := b.revisionFileDataLocked(revision)
	if err != nil {
		return err
	}
	// Cut immediately after revision's revision-root frame: re-derive
	// the frame's total length by re-reading it.
	compressed, err := b.readFrame(offset)
	if err != nil {
		return err
	}
	align := alignmentFor(KindRevisionRootPage)
	total := int64(frameLengthPrefixSize + len(compressed))
	total += padLength(len(compressed), align)
	cut := offset + total
	if err := b.data.Truncate(cut); err != nil {
		return newErr("TruncateTo", KindIO, err)
	}
	b.dataEnd = cut
	revCut := uberBeaconRegion + int64(revision+1)*revisionRecordStride
	if err := b.revisions.Truncate(revCut); err != nil {
		return newErr("TruncateTo", KindIO, err)
	}
	b.revEnd = revCut
	b.cache.clear()
	return nil
}

func (b *fileChannelBackend) Truncate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.data.Truncate(uberBeaconRegion); err != nil {
		return newErr("Truncate", KindIO, err)
	}
	if err := b.revisions.Truncate(uberBeaconRegion); err != nil {
		return newErr("Truncate", KindIO, err)
	}
	b.dataEnd = uberBeaconRegion
	b.revEnd = uberBeaconRegion
	b.cache.clear()
	return nil
}
