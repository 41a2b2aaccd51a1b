package recording

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/lexiqai/transcriber/internal/transcript"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "data", "recordings.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_PutGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := New(now)
	rec.Transcript = transcript.Timed("Hello world. ", transcript.TimeRange{Start: 0, End: time.Second})
	rec.Duration = 3 * time.Second
	rec.Sync.RemoteIdentifiers = []string{"kb-1"}

	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Title != DefaultTitle || got.TranscriptText() != "Hello world. " || got.Duration != 3*time.Second {
		t.Errorf("Unexpected recording %+v", got)
	}
	if span, ok := got.Transcript.Span(); !ok || span.End != time.Second {
		t.Errorf("Expected time ranges to round-trip, got %v", span)
	}
	if len(got.Sync.RemoteIdentifiers) != 1 || got.Sync.State != SyncIdle {
		t.Errorf("Unexpected sync status %+v", got.Sync)
	}
}

func TestSQLiteStore_NotFound(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	_, err := store.Update(ctx, "missing", func(*Recording) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_Update(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := New(time.Now())
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	updated, err := store.Update(ctx, rec.ID, func(r *Recording) error {
		r.Title = "Standup"
		r.Sync.State = SyncPending
		return nil
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if updated.Title != "Standup" {
		t.Errorf("Expected updated title, got %q", updated.Title)
	}

	boom := errors.New("boom")
	if _, err := store.Update(ctx, rec.ID, func(r *Recording) error {
		r.Title = "discarded"
		return boom
	}); !errors.Is(err, boom) {
		t.Errorf("Expected callback error, got %v", err)
	}

	got, _ := store.Get(ctx, rec.ID)
	if got.Title != "Standup" || got.Sync.State != SyncPending {
		t.Errorf("Expected failed update to be rolled back, got %+v", got)
	}
}

func TestSQLiteStore_ListNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		rec := New(base.Add(time.Duration(i) * time.Hour))
		ids = append(ids, rec.ID)
		if err := store.Put(ctx, rec); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(list) != 3 || list[0].ID != ids[2] || list[2].ID != ids[0] {
		t.Errorf("Expected newest first, got %d recordings", len(list))
	}

	if err := store.Delete(ctx, ids[1]); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	list, _ = store.List(ctx)
	if len(list) != 2 {
		t.Errorf("Expected 2 recordings after delete, got %d", len(list))
	}
}

func TestRecording_Playability(t *testing.T) {
	rec := New(time.Now())
	if rec.IsPlayable() {
		t.Error("Expected blank recording not to be playable")
	}

	rec.IsOffloaded = true
	if rec.CanStreamRemotely() {
		t.Error("Expected offloaded recording without handle not to stream")
	}
	rec.RemoteHandle = "blob-1"
	if !rec.CanStreamRemotely() || !rec.IsPlayable() {
		t.Error("Expected offloaded recording with handle to be playable")
	}

	local := New(time.Now())
	local.FileName = AudioFileName(local.ID)
	if !local.IsPlayable() || local.CanStreamRemotely() {
		t.Error("Expected local recording to be playable only locally")
	}
}

func TestFiles(t *testing.T) {
	files, err := NewFiles(filepath.Join(t.TempDir(), "recordings"))
	if err != nil {
		t.Fatalf("NewFiles() failed: %v", err)
	}

	name := AudioFileName("abc")
	if files.AudioPath("abc") != filepath.Join(files.Dir(), "abc.wav") {
		t.Errorf("Unexpected audio path %s", files.AudioPath("abc"))
	}
	if files.Path("../../etc/passwd") != filepath.Join(files.Dir(), "passwd") {
		t.Error("Expected paths to stay inside the recordings directory")
	}

	if err := files.DeleteIfExists(name); err != nil {
		t.Errorf("Expected deleting a missing file to succeed, got %v", err)
	}
	if files.Exists(name) {
		t.Error("Expected file not to exist")
	}
}
