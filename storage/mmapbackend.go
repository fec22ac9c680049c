package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// mmapProvider registers the memory-mapped backend, pairing
// github.com/edsrzf/mmap-go with a conventional write path. Given
// priority over the FileChannel backend when both are available, since
// the mapped read path avoids a read syscall per page.
type mmapProvider struct{}

func (mmapProvider) Name() string  { return "mmap" }
func (mmapProvider) Priority() int { return 20 }

// Available reports runtimeSupportsMmap, which is false only on js/wasip1
// builds: mmap-go requires a real *os.File. OpenEngineMemory does not go
// through the providers.
func (mmapProvider) Available() bool { return runtimeSupportsMmap }

func (mmapProvider) OpenWriter(path string, pipeline *Pipeline, databaseID, resourceID uint32) (Writer, error) {
	return openMmapBackend(path, pipeline, databaseID, resourceID, false)
}

func (mmapProvider) OpenReader(path string, pipeline *Pipeline, databaseID, resourceID uint32) (Reader, error) {
	return openMmapBackend(path, pipeline, databaseID, resourceID, true)
}

// mmapBackend reuses fileChannelBackend verbatim for the write path
// (append, beacons, revisions file) and for decode/serialize logic, and
// replaces only the read path with a shared mapping over the data file
// that is remapped under a lock whenever the file has grown past the
// currently mapped length.
type mmapBackend struct {
	*fileChannelBackend
	osFile *os.File

	mapMu   sync.RWMutex
	mapped  mmap.MMap
	mappedN int64
}

func openMmapBackend(dir string, pipeline *Pipeline, databaseID, resourceID uint32, readOnly bool) (*mmapBackend, error) {
	fc, err := openFileChannelBackend(dir, pipeline, databaseID, resourceID, readOnly)
	if err != nil {
		return nil, err
	}
	osFile, ok := fc.data.(*os.File)
	if !ok {
		fc.Close()
		return nil, newErr("openMmapBackend", KindIO, fmt.Errorf("mmap backend requires a real file, got %T", fc.data))
	}
	b := &mmapBackend{fileChannelBackend: fc, osFile: osFile}
	if err := b.remapLocked(); err != nil {
		fc.Close()
		return nil, err
	}
	return b, nil
}

// remapLocked unmaps the current mapping (if any) and maps the file's
// current extent. Callers must hold mapMu for writing.
func (b *mmapBackend) remapLocked() error {
	if b.mapped != nil {
		if err := b.mapped.Unmap(); err != nil {
			return newErr("remap", KindIO, err)
		}
		b.mapped = nil
	}
	info, err := b.osFile.Stat()
	if err != nil {
		return newErr("remap", KindIO, err)
	}
	size := info.Size()
	if size == 0 {
		b.mappedN = 0
		return nil
	}
	prot := mmap.RDONLY
	if !b.readOnly {
		prot = mmap.RDWR
	}
	m, err := mmap.Map(b.osFile, prot, 0)
	if err != nil {
		return newErr("remap", KindIO, err)
	}
	b.mapped = m
	b.mappedN = size
	return nil
}

func (b *mmapBackend) ensureMapped(upTo int64) error {
	b.mapMu.RLock()
	ok := b.mapped != nil && int64(len(b.mapped)) >= upTo
	b.mapMu.RUnlock()
	if ok {
		return nil
	}
	b.mapMu.Lock()
	defer b.mapMu.Unlock()
	if b.mapped != nil && int64(len(b.mapped)) >= upTo {
		return nil
	}
	return b.remapLocked()
}

// ReadPage reads the frame directly out of the shared mapping instead of
// issuing a positional read, falling back to a remap if the requested
// offset lies past what is currently mapped (the writer has grown the
// file since this mapping was taken).
func (b *mmapBackend) ReadPage(offset int64, expectedChecksum []byte) (Page, error) {
	if page, ok := b.cache.get(offset); ok {
		return page, nil
	}
	if err := b.ensureMapped(offset + frameLengthPrefixSize); err != nil {
		return nil, err
	}
	b.mapMu.RLock()
	if offset+frameLengthPrefixSize > int64(len(b.mapped)) {
		b.mapMu.RUnlock()
		return nil, newErr("ReadPage", KindIO, fmt.Errorf("offset %d past mapped extent", offset))
	}
	n := binary.BigEndian.Uint32(b.mapped[offset : offset+frameLengthPrefixSize])
	end := offset + frameLengthPrefixSize + int64(n)
	if end > int64(len(b.mapped)) {
		b.mapMu.RUnlock()
		return nil, newErr("ReadPage", KindIO, fmt.Errorf("frame at %d extends past mapped extent", offset))
	}
	// Copy out of the mapping before releasing the lock: the pipeline
	// may retain slices of this buffer beyond the lock's scope.
	compressed := append([]byte(nil), b.mapped[offset+frameLengthPrefixSize:end]...)
	b.mapMu.RUnlock()

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

func (b *mmapBackend) AppendPage(p Page) (int64, []byte, error) {
	off, checksum, err := b.fileChannelBackend.AppendPage(p)
	if err != nil {
		return 0, nil, err
	}
	if err := b.ensureMapped(off); err != nil {
		return 0, nil, err
	}
	return off, checksum, nil
}

func (b *mmapBackend) WriteUberPageBeacons(u *UberPage) error {
	if err := b.fileChannelBackend.WriteUberPageBeacons(u); err != nil {
		return err
	}
	return b.ensureMapped(uberBeaconRegion)
}

func (b *mmapBackend) UberPageReference() (*UberPage, error) {
	if err := b.ensureMapped(uberBeaconRegion); err != nil {
		// A brand-new resource has nothing mapped yet; fall back to the
		// FileChannel path, which tolerates a short/empty file.
	}
	return b.fileChannelBackend.UberPageReference()
}

// Sync forces the mapping (force()) in addition to fsync-ing the
// underlying files: force() is called at close() and before truncate_to.
func (b *mmapBackend) Sync(async bool) error {
	flush := func() error {
		b.mapMu.RLock()
		defer b.mapMu.RUnlock()
		if b.mapped != nil {
			if err := b.mapped.Flush(); err != nil {
				return newErr("Sync", KindIO, err)
			}
		}
		return nil
	}
	if err := flush(); err != nil {
		return err
	}
	return b.fileChannelBackend.Sync(async)
}

func (b *mmapBackend) TruncateTo(revision uint64) error {
	b.mapMu.Lock()
	if b.mapped != nil {
		b.mapped.Flush()
		b.mapped.Unmap()
		b.mapped = nil
	}
	b.mapMu.Unlock()
	if err := b.fileChannelBackend.TruncateTo(revision); err != nil {
		return err
	}
	b.mapMu.Lock()
	defer b.mapMu.Unlock()
	return b.remapLocked()
}

func (b *mmapBackend) Truncate() error {
	b.mapMu.Lock()
	if b.mapped != nil {
		b.mapped.Flush()
		b.mapped.Unmap()
		b.mapped = nil
	}
	b.mapMu.Unlock()
	if err := b.fileChannelBackend.Truncate(); err != nil {
		return err
	}
	b.mapMu.Lock()
	defer b.mapMu.Unlock()
	return b.remapLocked()
}

func (b *mmapBackend) Close() error {
	b.mapMu.Lock()
	if b.mapped != nil {
		b.mapped.Flush()
		b.mapped.Unmap()
		b.mapped = nil
	}
	b.mapMu.Unlock()
	return b.fileChannelBackend.Close()
}
