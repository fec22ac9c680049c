package storage

// UberPage is the root pointer of an entire resource. It is rewritten on
// every commit and kept as two beacon copies at file
// offsets 0 and 512 so a crash between beacon writes can be recovered by
// preferring whichever copy decodes and carries the higher revision. The
// beacons carry no checksum of their own.
type UberPage struct {
	RevisionCount uint64
	Bootstrap     bool

	// RevisionRootRef points at the RevisionRootPage of the latest
	// commit. Revision R itself is located through the revisions-offset
	// file (Reader.RevisionFileData), not through this reference.
	RevisionRootRef *PageReference
}

func (*UberPage) Kind() PageKind { return KindUberPage }

// NewBootstrapUberPage returns the initial UberPage written when a
// resource is created: revision 0 does not exist yet, revisionCount is 0,
// and the trie root reference is unresolved.
func NewBootstrapUberPage(databaseID, resourceID uint32) *UberPage {
	return &UberPage{
		RevisionCount:   0,
		Bootstrap:       true,
		RevisionRootRef: NewPageReference(databaseID, resourceID),
	}
}

// NextRevision returns the revision number the next commit will produce.
func (u *UberPage) NextRevision() uint64 {
	return u.RevisionCount
}

// Clone returns the in-progress write-view for the commit currently being
// built (commit.go PUBLISH-UBERPAGE step). RevisionRootRef initially shares
// identity with the previous UberPage's reference; every commit appends
// a new RevisionRootPage, so PUBLISH-UBERPAGE (commit.go) always replaces
// this field with a fresh reference pointing at the just-appended root
// before the clone is published.
func (u *UberPage) Clone() *UberPage {
	clone := *u
	clone.Bootstrap = false
	return &clone
}
