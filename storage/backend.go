package storage

import "fmt"

// Reader is the read side of a storage backend: it turns a file offset
// into a deserialized, id-fixed-up page.
type Reader interface {
	// ReadPage reads the compressed frame at offset, decompresses and
	// deserializes it, verifies its checksum against expected (nil
	// disables verification, used only for the UberPage beacons before
	// their own checksum is known), and fixes up every PageReference it
	// owns.
	ReadPage(offset int64, expectedChecksum []byte) (Page, error)
	// UberPageReference reads whichever of the two UberPage beacons
	// (file offsets 0 and uberBeaconSlotSize) decodes, preferring the
	// higher revision when both do. No checksum is verified for them.
	UberPageReference() (*UberPage, error)
	// RevisionFileData returns the (offset, commitTimestamp) recorded for
	// revision in the revisions-offset file.
	RevisionFileData(revision uint64) (offset int64, commitTimestampMillis int64, err error)
	// ByteHandler exposes the pipeline configured for this resource.
	ByteHandler() *Pipeline
	Close() error
}

// Writer is the write side of a storage backend: append-only, alignment-
// aware, and the sole writer of the revisions-offset file.
type Writer interface {
	Reader

	// AppendPage serializes, compresses, checksums and appends p aligned
	// per alignment.go, returning the absolute file offset written and
	// the checksum bytes stored alongside it.
	AppendPage(p Page) (offset int64, checksum []byte, err error)
	// WriteUberPageBeacons rewrites both UberPage beacon slots.
	WriteUberPageBeacons(u *UberPage) error
	// AppendRevisionFileData appends one (offset, commitTimestamp) record
	// to the revisions-offset file.
	AppendRevisionFileData(offset int64, commitTimestampMillis int64) error
	// Sync forces durability. When async is true the implementation may
	// defer the fsync to a background goroutine.
	Sync(async bool) error
	// TruncateTo cuts the data and revisions-offset files back to the
	// byte immediately after revision's frame.
	TruncateTo(revision uint64) error
	// Truncate discards everything but the bootstrap UberPage.
	Truncate() error
}

// BackendProvider names a storage backend and reports whether it can run
// in the current process (library present, OS supported, license valid —
// at runtime.
type BackendProvider interface {
	Name() string
	Priority() int
	Available() bool
	OpenWriter(path string, pipeline *Pipeline, databaseID, resourceID uint32) (Writer, error)
	OpenReader(path string, pipeline *Pipeline, databaseID, resourceID uint32) (Reader, error)
}

// StorageProviders is the process-wide, priority-ordered backend
// registry ("an explicit, process-wide
// registry initialized at process start from a manifest" standing in for
// Java's ServiceLoader). Generalized from three hardcoded entry points
// (an open-for-write, open-read-only, and open-in-memory constructor) into
// a table of named, priority-ordered providers.
type StorageProviders struct {
	providers []BackendProvider
}

var defaultProviders = &StorageProviders{}

// Register adds a provider to the default registry.
func Register(p BackendProvider) {
	defaultProviders.providers = append(defaultProviders.providers, p)
}

// Select returns the highest-priority available provider, or an error if
// none are available.
func Select() (BackendProvider, error) {
	return defaultProviders.Select()
}

// Select returns the highest-priority available provider registered on
// this StorageProviders instance.
func (sp *StorageProviders) Select() (BackendProvider, error) {
	var best BackendProvider
	for _, p := range sp.providers {
		if !p.Available() {
			continue
		}
		if best == nil || p.Priority() > best.Priority() {
			best = p
		}
	}
	if best == nil {
		return nil, newErr("Select", KindIO, fmt.Errorf("no available storage backend provider"))
	}
	return best, nil
}

// ByName returns the named provider regardless of priority.
func (sp *StorageProviders) ByName(name string) (BackendProvider, error) {
	for _, p := range sp.providers {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, newErr("ByName", KindIO, fmt.Errorf("no storage backend provider named %q", name))
}

func init() {
	Register(fileChannelProvider{})
	Register(mmapProvider{})
}
