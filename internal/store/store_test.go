package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, testKey())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	version, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
}

func TestMigrateRefusesDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec("UPDATE schema_migrations SET dirty = 1"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err == nil {
		t.Fatal("expected dirty schema to refuse migration")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	db, err := Open(path, testKey())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	wrong := bytes.Repeat([]byte{0x13}, 32)
	_, err = Open(path, wrong)
	if !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("err = %v, want ErrKeyMismatch", err)
	}

	// The right key still opens it.
	db2, err := Open(path, testKey())
	if err != nil {
		t.Fatalf("reopen with correct key: %v", err)
	}
	_ = db2.Close()
}

func testConversation(id string) *Conversation {
	return &Conversation{
		GroupID:   id,
		RoutingID: "r-" + id,
		Name:      "Chat " + id,
		Members:   []string{"alice", "bob"},
		Admins:    []string{"alice"},
		GroupKey:  bytes.Repeat([]byte{0x07}, 32),
		Epoch:     0,
		CreatedAt: 1000,
	}
}

func TestConversationRoundTrip(t *testing.T) {
	db := testDB(t)

	want := testConversation("g1")
	if err := db.UpsertConversation(want); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation("g1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("conversation not found")
	}
	if got.RoutingID != "r-g1" || got.Name != "Chat g1" {
		t.Errorf("got %+v", got)
	}
	if !bytes.Equal(got.GroupKey, want.GroupKey) {
		t.Error("group key did not round-trip")
	}
	if len(got.Members) != 2 || got.Members[0] != "alice" {
		t.Errorf("members = %v", got.Members)
	}

	byRouting, err := db.GetConversationByRouting("r-g1")
	if err != nil {
		t.Fatal(err)
	}
	if byRouting == nil || byRouting.GroupID != "g1" {
		t.Errorf("lookup by routing id = %+v", byRouting)
	}

	missing, err := db.GetConversation("nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for missing conversation")
	}
}

func TestMessageIdempotentSave(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertConversation(testConversation("g1")); err != nil {
		t.Fatal(err)
	}

	m := &Message{GroupID: "g1", ID: "m1", Sender: "alice", Content: "hello", Timestamp: 10}
	if err := db.SaveMessage(m); err != nil {
		t.Fatal(err)
	}
	// Redelivery: same stable ID must not duplicate.
	if err := db.SaveMessage(m); err != nil {
		t.Fatal(err)
	}

	n, err := db.CountMessages("g1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	got, err := db.ListMessages("g1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "hello" {
		t.Errorf("messages = %+v", got)
	}
}

func TestMessageOrderingAndPagination(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertConversation(testConversation("g1")); err != nil {
		t.Fatal(err)
	}

	for i, id := range []string{"a", "b", "c", "d"} {
		err := db.SaveMessage(&Message{
			GroupID: "g1", ID: id, Sender: "alice",
			Content: id, Timestamp: int64(100 + i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListMessages("g1", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "d" || page[1].ID != "c" {
		t.Errorf("first page = %+v", page)
	}

	page, err = db.ListMessages("g1", 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "b" || page[1].ID != "a" {
		t.Errorf("second page = %+v", page)
	}

	// LastMessage agrees with the top of the first page.
	last, err := db.LastMessage("g1")
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || last.ID != "d" {
		t.Errorf("last = %+v, want d", last)
	}
}

func TestProcessedEventLedger(t *testing.T) {
	db := testDB(t)

	found, err := db.FindProcessedEvent("e1")
	if err != nil {
		t.Fatal(err)
	}
	if found != nil {
		t.Error("unexpected ledger row for unseen event")
	}

	if err := db.MarkEventProcessed("e1", "g1", EventProcessed, ""); err != nil {
		t.Fatal(err)
	}
	found, err = db.FindProcessedEvent("e1")
	if err != nil {
		t.Fatal(err)
	}
	if found == nil || found.State != EventProcessed {
		t.Errorf("ledger row = %+v", found)
	}

	// Transition to failed keeps a reason.
	if err := db.MarkEventProcessed("e1", "g1", EventFailed, "bad frame"); err != nil {
		t.Fatal(err)
	}
	found, _ = db.FindProcessedEvent("e1")
	if found.State != EventFailed || found.Reason != "bad frame" {
		t.Errorf("ledger row = %+v", found)
	}
}

func TestEpochSnapshotRoundTrip(t *testing.T) {
	db := testDB(t)

	s := &EpochSnapshot{
		GroupID:         "g1",
		Epoch:           3,
		AppliedCommitID: "c1",
		AppliedCommitTS: 500,
		State:           []byte(`{"epoch":3}`),
	}
	if err := db.SaveEpochSnapshot(s); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetEpochSnapshot("g1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.AppliedCommitID != "c1" || string(got.State) != `{"epoch":3}` {
		t.Errorf("snapshot = %+v", got)
	}

	if err := db.DeleteSnapshotsAbove("g1", 2); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetEpochSnapshot("g1", 3)
	if got != nil {
		t.Error("snapshot above epoch 2 should be gone")
	}
}

func TestSyncState(t *testing.T) {
	db := testDB(t)

	v, err := db.GetState(StateKeyPackageEventID)
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("missing key = %q, want empty", v)
	}

	if err := db.SetState(StateKeyPackageEventID, "ev123"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetState(StateKeyPackageEventID, "ev456"); err != nil {
		t.Fatal(err)
	}
	v, _ = db.GetState(StateKeyPackageEventID)
	if v != "ev456" {
		t.Errorf("value = %q, want ev456", v)
	}
}
