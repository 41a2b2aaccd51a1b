package kb

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/transcriber/internal/recording"
	"github.com/lexiqai/transcriber/internal/transcript"
)

type fakeKB struct {
	mu        sync.Mutex
	responses []func(w http.ResponseWriter)
	segments  []string
}

func (f *fakeKB) handle(w http.ResponseWriter, r *http.Request) {
	var sub Submission
	json.NewDecoder(r.Body).Decode(&sub)

	f.mu.Lock()
	segment := ""
	if sub.Metadata.AppendedSegment != nil {
		segment = *sub.Metadata.AppendedSegment
	}
	f.segments = append(f.segments, segment)
	respond := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	f.mu.Unlock()

	respond(w)
}

func (f *fakeKB) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.segments...)
}

func fail(status int) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) { w.WriteHeader(status) }
}

func succeed(body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) { w.Write([]byte(body)) }
}

type coordinatorHarness struct {
	store       *recording.SQLiteStore
	coordinator *Coordinator
	kb          *fakeKB

	mu      sync.Mutex
	changes []recording.SyncState
}

func newCoordinatorHarness(t *testing.T, responses ...func(w http.ResponseWriter)) *coordinatorHarness {
	t.Helper()
	store, err := recording.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "recordings.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &coordinatorHarness{store: store, kb: &fakeKB{responses: responses}}
	client := newTestClient(t, h.kb.handle, nil)
	h.coordinator = NewCoordinator(client, store, CoordinatorOptions{
		Timeout: 5 * time.Second,
		OnStatusChange: func(rec recording.Recording) {
			h.mu.Lock()
			h.changes = append(h.changes, rec.Sync.State)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *coordinatorHarness) put(t *testing.T, rec recording.Recording) {
	t.Helper()
	if err := h.store.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
}

func (h *coordinatorHarness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.coordinator.Wait(ctx); err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
}

func (h *coordinatorHarness) get(t *testing.T, id string) recording.Recording {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	return rec
}

func TestCoordinator_FailureThenSuccess(t *testing.T) {
	h := newCoordinatorHarness(t,
		fail(http.StatusInternalServerError),
		succeed(`{"id": "kb-1", "status": "indexed"}`),
	)

	rec := recording.New(time.Now())
	h.put(t, rec)

	rec.Transcript = transcript.Plain("Hello ")
	h.coordinator.OnFinalSegment("Hello ", rec)
	rec.Transcript = transcript.Plain("Hello world.")
	h.coordinator.OnFinalSegment("world.", rec)
	h.wait(t)

	if seen := h.kb.seen(); len(seen) != 2 || seen[0] != "Hello " || seen[1] != "world." {
		t.Fatalf("Expected one attempt per segment in order, got %q", seen)
	}

	got := h.get(t, rec.ID)
	if got.Sync.State != recording.SyncSuccess {
		t.Errorf("Expected success, got %s", got.Sync.State)
	}
	if got.Sync.LastErrorMessage != "" {
		t.Errorf("Expected error to be cleared, got %q", got.Sync.LastErrorMessage)
	}
	if len(got.Sync.RemoteIdentifiers) != 1 || got.Sync.RemoteIdentifiers[0] != "kb-1" {
		t.Errorf("Unexpected identifiers %v", got.Sync.RemoteIdentifiers)
	}
	if got.Sync.LastKnownRemoteStatus != "indexed" || got.Sync.LastSyncedAt == nil || got.Sync.LastAttemptedAt == nil {
		t.Errorf("Unexpected sync status %+v", got.Sync)
	}

	h.mu.Lock()
	changes := append([]recording.SyncState(nil), h.changes...)
	h.mu.Unlock()
	want := []recording.SyncState{recording.SyncPending, recording.SyncError, recording.SyncPending, recording.SyncSuccess}
	if len(changes) != len(want) {
		t.Fatalf("Expected changes %v, got %v", want, changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("Expected changes %v, got %v", want, changes)
		}
	}
}

func TestCoordinator_ErrorPreservesIdentifiers(t *testing.T) {
	h := newCoordinatorHarness(t, fail(http.StatusUnauthorized))

	rec := recording.New(time.Now())
	rec.Sync.RemoteIdentifiers = []string{"kb-0"}
	h.put(t, rec)

	h.coordinator.OnFinalSegment("Hello ", rec)
	h.wait(t)

	got := h.get(t, rec.ID)
	if got.Sync.State != recording.SyncError {
		t.Errorf("Expected error state, got %s", got.Sync.State)
	}
	if got.Sync.LastErrorMessage != ErrUnauthorized.Error() {
		t.Errorf("Unexpected error message %q", got.Sync.LastErrorMessage)
	}
	if len(got.Sync.RemoteIdentifiers) != 1 || got.Sync.RemoteIdentifiers[0] != "kb-0" {
		t.Errorf("Expected identifiers to be preserved, got %v", got.Sync.RemoteIdentifiers)
	}
}

func TestCoordinator_SuccessWithoutIdentifiers(t *testing.T) {
	h := newCoordinatorHarness(t, succeed(""))

	rec := recording.New(time.Now())
	rec.Sync.RemoteIdentifiers = []string{"kb-0"}
	rec.Sync.LastKnownRemoteStatus = "indexed"
	h.put(t, rec)

	h.coordinator.OnFinalSegment("Hello ", rec)
	h.wait(t)

	got := h.get(t, rec.ID)
	if got.Sync.State != recording.SyncSuccess {
		t.Errorf("Expected success, got %s", got.Sync.State)
	}
	if len(got.Sync.RemoteIdentifiers) != 1 || got.Sync.LastKnownRemoteStatus != "indexed" {
		t.Errorf("Expected previous identifiers and status to be kept, got %+v", got.Sync)
	}
}

func TestCoordinator_UnknownRecording(t *testing.T) {
	h := newCoordinatorHarness(t, succeed(""))

	h.coordinator.OnFinalSegment("Hello ", recording.New(time.Now()))
	h.wait(t)

	if seen := h.kb.seen(); len(seen) != 0 {
		t.Errorf("Expected no submission for a deleted recording, got %q", seen)
	}
}

func TestCoordinator_Close(t *testing.T) {
	h := newCoordinatorHarness(t, succeed(""))

	rec := recording.New(time.Now())
	h.put(t, rec)

	if err := h.coordinator.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	h.coordinator.OnFinalSegment("Hello ", rec)
	h.wait(t)

	if seen := h.kb.seen(); len(seen) != 0 {
		t.Errorf("Expected closed coordinator to drop segments, got %q", seen)
	}
	if got := h.get(t, rec.ID); got.Sync.State != recording.SyncIdle {
		t.Errorf("Expected idle state, got %s", got.Sync.State)
	}
}
