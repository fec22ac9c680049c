package storage

import "testing"

func memConfig() *ResourceConfig {
	c := DefaultResourceConfig(1, 1)
	c.Fanout = 4
	c.RevsToRestore = 4
	c.MaxNodeKey = map[IndexType]uint64{
		IndexTypeNode:        1 << 20,
		IndexTypePathSummary: 1 << 20,
		IndexTypeName:        1 << 20,
		IndexTypeCAS:         1 << 20,
		IndexTypePath:        1 << 20,
	}
	return c
}

func TestEngineCreateCommitAndRead(t *testing.T) {
	engine, err := OpenEngineMemory(memConfig())
	if err != nil {
		t.Fatalf("OpenEngineMemory: %v", err)
	}

	w, err := engine.NewWriter()
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	rec, err := w.CreateRecord([]byte("hello"), 1, IndexTypeNode, 0)
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if rec.NodeKey != 0 {
		t.Fatalf("expected first node key 0, got %d", rec.NodeKey)
	}

	if _, err := w.CreateRecord([]byte("world"), 1, IndexTypeNode, 0); err != nil {
		t.Fatalf("second CreateRecord: %v", err)
	}

	root, err := w.Commit("first commit", 0, false, 0, false, false)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if root.Revision != 0 {
		t.Fatalf("expected revision 0, got %d", root.Revision)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("writer Close: %v", err)
	}

	session, err := engine.NewReadSession(-1)
	if err != nil {
		t.Fatalf("NewReadSession: %v", err)
	}
	defer session.Close()

	got, err := session.ResolveRecord(IndexTypeNode, 0, 0)
	if err != nil {
		t.Fatalf("ResolveRecord: %v", err)
	}
	if got == nil {
		t.Fatal("expected record at node key 0")
	}
	if string(got.Payload) != "hello" {
		t.Fatalf("expected payload %q, got %q", "hello", got.Payload)
	}
}

func TestEngineMultipleRevisionsPreserveOlderData(t *testing.T) {
	engine, err := OpenEngineMemory(memConfig())
	if err != nil {
		t.Fatalf("OpenEngineMemory: %v", err)
	}

	w, err := engine.NewWriter()
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.CreateRecord([]byte("v0"), 1, IndexTypeNode, 0); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if _, err := w.Commit("", 0, false, 0, false, false); err != nil {
		t.Fatalf("commit 0: %v", err)
	}

	rec, err := w.PrepareRecordForModification(0, IndexTypeNode, 0)
	if err != nil {
		t.Fatalf("PrepareRecordForModification: %v", err)
	}
	rec.Payload = []byte("v1")
	if err := w.UpdateRecordSlot(rec, IndexTypeNode, 0); err != nil {
		t.Fatalf("UpdateRecordSlot: %v", err)
	}
	if _, err := w.Commit("", 0, false, 0, false, false); err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("writer Close: %v", err)
	}

	oldSession, err := engine.NewReadSession(0)
	if err != nil {
		t.Fatalf("NewReadSession(0): %v", err)
	}
	defer oldSession.Close()
	oldRec, err := oldSession.ResolveRecord(IndexTypeNode, 0, 0)
	if err != nil {
		t.Fatalf("ResolveRecord old: %v", err)
	}
	if oldRec == nil || string(oldRec.Payload) != "v0" {
		t.Fatalf("expected revision 0 to keep payload v0, got %+v", oldRec)
	}

	newSession, err := engine.NewReadSession(-1)
	if err != nil {
		t.Fatalf("NewReadSession(-1): %v", err)
	}
	defer newSession.Close()
	newRec, err := newSession.ResolveRecord(IndexTypeNode, 0, 0)
	if err != nil {
		t.Fatalf("ResolveRecord new: %v", err)
	}
	if newRec == nil || string(newRec.Payload) != "v1" {
		t.Fatalf("expected latest revision to have payload v1, got %+v", newRec)
	}
}

func TestEngineRemoveRecord(t *testing.T) {
	engine, err := OpenEngineMemory(memConfig())
	if err != nil {
		t.Fatalf("OpenEngineMemory: %v", err)
	}
	w, err := engine.NewWriter()
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.CreateRecord([]byte("x"), 1, IndexTypeNode, 0); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if _, err := w.Commit("", 0, false, 0, false, false); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := w.RemoveRecord(0, IndexTypeNode, 0); err != nil {
		t.Fatalf("RemoveRecord: %v", err)
	}
	if _, err := w.Commit("", 0, false, 0, false, false); err != nil {
		t.Fatalf("commit after remove: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("writer Close: %v", err)
	}

	session, err := engine.NewReadSession(-1)
	if err != nil {
		t.Fatalf("NewReadSession: %v", err)
	}
	defer session.Close()
	rec, err := session.ResolveRecord(IndexTypeNode, 0, 0)
	if err != nil {
		t.Fatalf("ResolveRecord: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected removed record to resolve to nil, got %+v", rec)
	}
}

func TestEngineReopenedWriterContinuesFromLastCommittedRevision(t *testing.T) {
	engine, err := OpenEngineMemory(memConfig())
	if err != nil {
		t.Fatalf("OpenEngineMemory: %v", err)
	}

	w, err := engine.NewWriter()
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.CreateRecord([]byte("v0"), 1, IndexTypeNode, 0); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if _, err := w.Commit("", 0, false, 0, false, false); err != nil {
		t.Fatalf("commit 0: %v", err)
	}
	if _, err := w.CreateRecord([]byte("v0"), 1, IndexTypeNode, 0); err != nil {
		t.Fatalf("second CreateRecord: %v", err)
	}
	if _, err := w.Commit("", 0, false, 0, false, false); err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("writer Close: %v", err)
	}

	w2, err := engine.NewWriter()
	if err != nil {
		t.Fatalf("reopen NewWriter: %v", err)
	}
	defer w2.Close()
	rec, err := w2.PrepareRecordForModification(0, IndexTypeNode, 0)
	if err != nil {
		t.Fatalf("PrepareRecordForModification after reopen: %v", err)
	}
	rec.Payload = []byte("v2")
	if err := w2.UpdateRecordSlot(rec, IndexTypeNode, 0); err != nil {
		t.Fatalf("UpdateRecordSlot after reopen: %v", err)
	}
	root, err := w2.Commit("", 0, false, 0, false, false)
	if err != nil {
		t.Fatalf("commit after reopen: %v", err)
	}
	if root.Revision != 2 {
		t.Fatalf("expected reopened writer's commit to land on revision 2, got %d", root.Revision)
	}

	oldSession, err := engine.NewReadSession(0)
	if err != nil {
		t.Fatalf("NewReadSession(0): %v", err)
	}
	defer oldSession.Close()
	oldRec, err := oldSession.ResolveRecord(IndexTypeNode, 0, 0)
	if err != nil {
		t.Fatalf("ResolveRecord(0,0) at revision 0: %v", err)
	}
	if oldRec == nil || string(oldRec.Payload) != "v0" {
		t.Fatalf("expected revision 0 history to survive writer reopen, got %+v", oldRec)
	}
}

func TestPrepareRecordForModificationReturnsSameInstance(t *testing.T) {
	engine, err := OpenEngineMemory(memConfig())
	if err != nil {
		t.Fatalf("OpenEngineMemory: %v", err)
	}
	w, err := engine.NewWriter()
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	if _, err := w.CreateRecord([]byte("v0"), 1, IndexTypeNode, 0); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if _, err := w.Commit("", 0, false, 0, false, false); err != nil {
		t.Fatalf("commit: %v", err)
	}

	first, err := w.PrepareRecordForModification(0, IndexTypeNode, 0)
	if err != nil {
		t.Fatalf("first PrepareRecordForModification: %v", err)
	}
	first.Payload = []byte("v1")

	second, err := w.PrepareRecordForModification(0, IndexTypeNode, 0)
	if err != nil {
		t.Fatalf("second PrepareRecordForModification: %v", err)
	}
	if second != first {
		t.Fatal("expected repeated PrepareRecordForModification calls within a transaction to alias the same Record")
	}
	if string(second.Payload) != "v1" {
		t.Fatalf("expected mutation through the first alias to be visible through the second, got %q", second.Payload)
	}
}

func TestEngineSecondWriterDeniedWhileFirstOpen(t *testing.T) {
	engine, err := OpenEngineMemory(memConfig())
	if err != nil {
		t.Fatalf("OpenEngineMemory: %v", err)
	}
	w1, err := engine.NewWriter()
	if err != nil {
		t.Fatalf("first NewWriter: %v", err)
	}
	defer w1.Close()

	if _, err := engine.NewWriter(); err == nil {
		t.Fatal("expected second writer to be denied by SessionLimit")
	}
}
