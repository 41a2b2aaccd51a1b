package recording

import (
	"time"

	"github.com/google/uuid"

	"github.com/lexiqai/transcriber/internal/transcript"
)

// DefaultTitle is given to recordings until a better one is known
const DefaultTitle = "New Recording"

// SyncState is the knowledge base sync state of a recording
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncPending SyncState = "pending"
	SyncSuccess SyncState = "success"
	SyncError   SyncState = "error"
)

// SyncStatus tracks the knowledge base sync of one recording. Only the sync
// coordinator writes it.
type SyncStatus struct {
	State                 SyncState  `json:"status"`
	RemoteIdentifiers     []string   `json:"remote_identifiers"`
	LastErrorMessage      string     `json:"last_error_message,omitempty"`
	LastSyncedAt          *time.Time `json:"last_synced_at,omitempty"`
	LastAttemptedAt       *time.Time `json:"last_attempted_at,omitempty"`
	LastKnownRemoteStatus string     `json:"last_known_remote_status,omitempty"`
}

// Recording is one captured session and its transcript
type Recording struct {
	ID         string              `json:"id"`
	Title      string              `json:"title"`
	Transcript transcript.RichText `json:"transcript"`
	// FileName is the audio file inside the recordings directory, empty
	// when there is no local audio
	FileName     string        `json:"file_name,omitempty"`
	IsComplete   bool          `json:"is_complete"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	IsOffloaded  bool          `json:"is_offloaded"`
	RemoteHandle string        `json:"remote_handle,omitempty"`
	Duration     time.Duration `json:"duration"`
	FileSize     int64         `json:"file_size"`
	Sync         SyncStatus    `json:"sync"`
}

// New returns a blank recording with a fresh id
func New(now time.Time) Recording {
	return Recording{
		ID:        uuid.New().String(),
		Title:     DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
		Sync:      SyncStatus{State: SyncIdle, RemoteIdentifiers: []string{}},
	}
}

// CanStreamRemotely reports whether the audio can be played from remote storage
func (r Recording) CanStreamRemotely() bool {
	return r.IsOffloaded && r.RemoteHandle != ""
}

// IsPlayable reports whether there is audio to play, locally or remotely
func (r Recording) IsPlayable() bool {
	return r.FileName != "" || r.CanStreamRemotely()
}

// TranscriptText returns the plain finalized transcript
func (r Recording) TranscriptText() string {
	return r.Transcript.String()
}
