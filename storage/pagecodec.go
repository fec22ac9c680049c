package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Persister serializes and deserializes every page kind and performs the
// page-reference id fixup step: a reference's DatabaseID/ResourceID are
// never written to disk (they are a property of the session reading it,
// not of the bytes), so every reference freshly decoded from a page is
// stamped with the owning session's ids immediately after decode.
type Persister struct {
	DatabaseID uint32
	ResourceID uint32
}

func NewPersister(databaseID, resourceID uint32) *Persister {
	return &Persister{DatabaseID: databaseID, ResourceID: resourceID}
}

// Serialize encodes p into its canonical uncompressed byte form, kind tag
// first.
func (ps *Persister) Serialize(p Page) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(p.Kind()))
	switch v := p.(type) {
	case *UberPage:
		if err := writeUberPage(&buf, v); err != nil {
			return nil, err
		}
	case *RevisionRootPage:
		if err := writeRevisionRootPage(&buf, v); err != nil {
			return nil, err
		}
	case *IndirectPage:
		if err := writeIndirectPage(&buf, v); err != nil {
			return nil, err
		}
	case *KeyValueLeafPage:
		if err := writeKeyValueLeafPage(&buf, v); err != nil {
			return nil, err
		}
	default:
		return nil, newErr("serialize", KindCorruptHeader, fmt.Errorf("unknown page type %T", p))
	}
	return buf.Bytes(), nil
}

// Deserialize decodes a page and fixes up every PageReference it directly
// owns to the persister's database/resource ids.
func (ps *Persister) Deserialize(data []byte) (Page, error) {
	if len(data) == 0 {
		return nil, newErr("deserialize", KindCorruptHeader, fmt.Errorf("empty page frame"))
	}
	r := bytes.NewReader(data[1:])
	kind := PageKind(data[0])
	var page Page
	var err error
	switch kind {
	case KindUberPage:
		page, err = readUberPage(r)
	case KindRevisionRootPage:
		page, err = readRevisionRootPage(r)
	case KindIndirectPage:
		page, err = readIndirectPage(r)
	case KindKeyValueLeafPage:
		page, err = readKeyValueLeafPage(r)
	default:
		return nil, newErr("deserialize", KindCorruptHeader, fmt.Errorf("impossible page kind tag %d", data[0]))
	}
	if err != nil {
		return nil, err
	}
	ps.fixup(page)
	return page, nil
}

func (ps *Persister) fixup(p Page) {
	switch v := p.(type) {
	case *UberPage:
		ps.fixupRef(v.RevisionRootRef)
	case *RevisionRootPage:
		for _, ref := range v.IndirectRoots {
			ps.fixupRef(ref)
		}
	case *IndirectPage:
		for _, ref := range v.References {
			ps.fixupRef(ref)
		}
	case *KeyValueLeafPage:
		for _, ref := range v.References {
			ps.fixupRef(ref)
		}
	}
}

func (ps *Persister) fixupRef(ref *PageReference) {
	if ref == nil {
		return
	}
	ref.DatabaseID = ps.DatabaseID
	ref.ResourceID = ps.ResourceID
}

// --- PageReference wire format ---
//
// [FileKey int64][ChecksumLen uint8][Checksum bytes][FragCount uint16]
// FragCount * [Revision uint64][FileOffset int64]
//
// A nil reference is encoded as a single presence byte 0; a non-nil
// reference is preceded by presence byte 1.

func writeRefSlot(w *bytes.Buffer, ref *PageReference) error {
	if ref == nil {
		w.WriteByte(0)
		return nil
	}
	w.WriteByte(1)
	if err := binary.Write(w, binary.BigEndian, ref.FileKey); err != nil {
		return err
	}
	if len(ref.Checksum) > 255 {
		return fmt.Errorf("pagecodec: checksum too long: %d", len(ref.Checksum))
	}
	w.WriteByte(byte(len(ref.Checksum)))
	w.Write(ref.Checksum)
	if err := binary.Write(w, binary.BigEndian, uint16(len(ref.Fragments))); err != nil {
		return err
	}
	for _, f := range ref.Fragments {
		if err := binary.Write(w, binary.BigEndian, f.Revision); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, f.FileOffset); err != nil {
			return err
		}
	}
	return nil
}

func readRefSlot(r io.Reader) (*PageReference, error) {
	var present byte
	if err := binary.Read(r, binary.BigEndian, &present); err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	ref := &PageReference{}
	if err := binary.Read(r, binary.BigEndian, &ref.FileKey); err != nil {
		return nil, err
	}
	var clen byte
	if err := binary.Read(r, binary.BigEndian, &clen); err != nil {
		return nil, err
	}
	if clen > 0 {
		ref.Checksum = make([]byte, clen)
		if _, err := io.ReadFull(r, ref.Checksum); err != nil {
			return nil, err
		}
	}
	var fcount uint16
	if err := binary.Read(r, binary.BigEndian, &fcount); err != nil {
		return nil, err
	}
	ref.Fragments = make([]PageFragmentKey, fcount)
	for i := range ref.Fragments {
		if err := binary.Read(r, binary.BigEndian, &ref.Fragments[i].Revision); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &ref.Fragments[i].FileOffset); err != nil {
			return nil, err
		}
	}
	return ref, nil
}

// --- UberPage ---

func writeUberPage(w *bytes.Buffer, p *UberPage) error {
	if err := binary.Write(w, binary.BigEndian, p.RevisionCount); err != nil {
		return err
	}
	boot := byte(0)
	if p.Bootstrap {
		boot = 1
	}
	w.WriteByte(boot)
	return writeRefSlot(w, p.RevisionRootRef)
}

func readUberPage(r io.Reader) (*UberPage, error) {
	p := &UberPage{}
	if err := binary.Read(r, binary.BigEndian, &p.RevisionCount); err != nil {
		return nil, err
	}
	var boot byte
	if err := binary.Read(r, binary.BigEndian, &boot); err != nil {
		return nil, err
	}
	p.Bootstrap = boot == 1
	ref, err := readRefSlot(r)
	if err != nil {
		return nil, err
	}
	p.RevisionRootRef = ref
	return p, nil
}

// --- RevisionRootPage ---

var allIndexTypes = []IndexType{IndexTypeNode, IndexTypePathSummary, IndexTypeName, IndexTypeCAS, IndexTypePath}

func writeRevisionRootPage(w *bytes.Buffer, p *RevisionRootPage) error {
	if err := binary.Write(w, binary.BigEndian, p.Revision); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, p.CommitTimestamp); err != nil {
		return err
	}
	if err := writeOptionalString(w, p.HasMessage, p.CommitMessage); err != nil {
		return err
	}
	hasUser := byte(0)
	if p.HasUserID {
		hasUser = 1
	}
	w.WriteByte(hasUser)
	if err := binary.Write(w, binary.BigEndian, p.UserID); err != nil {
		return err
	}
	for _, t := range allIndexTypes {
		if err := writeRefSlot(w, p.IndirectRoots[t]); err != nil {
			return err
		}
	}
	return nil
}

func readRevisionRootPage(r io.Reader) (*RevisionRootPage, error) {
	p := &RevisionRootPage{IndirectRoots: make(map[IndexType]*PageReference, len(allIndexTypes))}
	if err := binary.Read(r, binary.BigEndian, &p.Revision); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &p.CommitTimestamp); err != nil {
		return nil, err
	}
	has, s, err := readOptionalString(r)
	if err != nil {
		return nil, err
	}
	p.HasMessage, p.CommitMessage = has, s
	var hasUser byte
	if err := binary.Read(r, binary.BigEndian, &hasUser); err != nil {
		return nil, err
	}
	p.HasUserID = hasUser == 1
	if err := binary.Read(r, binary.BigEndian, &p.UserID); err != nil {
		return nil, err
	}
	for _, t := range allIndexTypes {
		ref, err := readRefSlot(r)
		if err != nil {
			return nil, err
		}
		p.IndirectRoots[t] = ref
	}
	return p, nil
}

func writeOptionalString(w *bytes.Buffer, has bool, s string) error {
	if !has {
		w.WriteByte(0)
		return nil
	}
	w.WriteByte(1)
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func readOptionalString(r io.Reader) (bool, string, error) {
	var present byte
	if err := binary.Read(r, binary.BigEndian, &present); err != nil {
		return false, "", err
	}
	if present == 0 {
		return false, "", nil
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return false, "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return false, "", err
	}
	return true, string(buf), nil
}

// --- IndirectPage ---

func writeIndirectPage(w *bytes.Buffer, p *IndirectPage) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(p.References))); err != nil {
		return err
	}
	for _, ref := range p.References {
		if err := writeRefSlot(w, ref); err != nil {
			return err
		}
	}
	return nil
}

func readIndirectPage(r io.Reader) (*IndirectPage, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	p := &IndirectPage{References: make([]*PageReference, n)}
	for i := range p.References {
		ref, err := readRefSlot(r)
		if err != nil {
			return nil, err
		}
		p.References[i] = ref
	}
	return p, nil
}

// --- KeyValueLeafPage ---

func writeKeyValueLeafPage(w *bytes.Buffer, p *KeyValueLeafPage) error {
	if err := binary.Write(w, binary.BigEndian, p.PageKey); err != nil {
		return err
	}
	w.WriteByte(byte(p.IndexType))
	if err := binary.Write(w, binary.BigEndian, p.IndexID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, p.Revision); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, p.PageHash); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(p.Slots))); err != nil {
		return err
	}
	for _, s := range p.Slots {
		if err := writeByteSlice(w, s); err != nil {
			return err
		}
	}
	hasDewey := byte(0)
	if p.DeweyIDs != nil {
		hasDewey = 1
	}
	w.WriteByte(hasDewey)
	if p.DeweyIDs != nil {
		for _, d := range p.DeweyIDs {
			if err := writeByteSlice(w, d); err != nil {
				return err
			}
		}
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(p.References))); err != nil {
		return err
	}
	for k, ref := range p.References {
		if err := binary.Write(w, binary.BigEndian, k); err != nil {
			return err
		}
		if err := writeRefSlot(w, ref); err != nil {
			return err
		}
	}
	hasTable := byte(0)
	if p.SymbolTable != nil {
		hasTable = 1
	}
	w.WriteByte(hasTable)
	if p.SymbolTable != nil {
		if err := binary.Write(w, binary.BigEndian, uint32(len(p.SymbolTable.Symbols))); err != nil {
			return err
		}
		for _, sym := range p.SymbolTable.Symbols {
			if err := writeByteSlice(w, sym); err != nil {
				return err
			}
		}
	}
	return nil
}

func readKeyValueLeafPage(r io.Reader) (*KeyValueLeafPage, error) {
	p := &KeyValueLeafPage{}
	if err := binary.Read(r, binary.BigEndian, &p.PageKey); err != nil {
		return nil, err
	}
	var it byte
	if err := binary.Read(r, binary.BigEndian, &it); err != nil {
		return nil, err
	}
	p.IndexType = IndexType(it)
	if err := binary.Read(r, binary.BigEndian, &p.IndexID); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &p.Revision); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &p.PageHash); err != nil {
		return nil, err
	}
	var nslots uint32
	if err := binary.Read(r, binary.BigEndian, &nslots); err != nil {
		return nil, err
	}
	p.Slots = make([][]byte, nslots)
	for i := range p.Slots {
		s, err := readByteSlice(r)
		if err != nil {
			return nil, err
		}
		p.Slots[i] = s
	}
	var hasDewey byte
	if err := binary.Read(r, binary.BigEndian, &hasDewey); err != nil {
		return nil, err
	}
	if hasDewey == 1 {
		p.DeweyIDs = make([][]byte, nslots)
		for i := range p.DeweyIDs {
			d, err := readByteSlice(r)
			if err != nil {
				return nil, err
			}
			p.DeweyIDs[i] = d
		}
	}
	var nrefs uint32
	if err := binary.Read(r, binary.BigEndian, &nrefs); err != nil {
		return nil, err
	}
	if nrefs > 0 {
		p.References = make(map[uint64]*PageReference, nrefs)
		for i := uint32(0); i < nrefs; i++ {
			var k uint64
			if err := binary.Read(r, binary.BigEndian, &k); err != nil {
				return nil, err
			}
			ref, err := readRefSlot(r)
			if err != nil {
				return nil, err
			}
			p.References[k] = ref
		}
	}
	var hasTable byte
	if err := binary.Read(r, binary.BigEndian, &hasTable); err != nil {
		return nil, err
	}
	if hasTable == 1 {
		var nsym uint32
		if err := binary.Read(r, binary.BigEndian, &nsym); err != nil {
			return nil, err
		}
		table := &FSSTTable{Symbols: make([][]byte, nsym)}
		for i := range table.Symbols {
			s, err := readByteSlice(r)
			if err != nil {
				return nil, err
			}
			table.Symbols[i] = s
		}
		p.SymbolTable = table
	}
	return p, nil
}

func writeByteSlice(w *bytes.Buffer, b []byte) error {
	if b == nil {
		return binary.Write(w, binary.BigEndian, int32(-1))
	}
	if err := binary.Write(w, binary.BigEndian, int32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readByteSlice(r io.Reader) ([]byte, error) {
	var n int32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
