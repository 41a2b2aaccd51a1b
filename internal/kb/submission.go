package kb

import (
	"strings"
	"time"

	"github.com/lexiqai/transcriber/internal/recording"
)

// Submission is the transcript record posted to the knowledge base
type Submission struct {
	ID                string          `json:"id"`
	UserID            *string         `json:"user_id,omitempty"`
	FileName          *string         `json:"file_name,omitempty"`
	TranscriptionText string          `json:"transcription_text"`
	Speaker           *int            `json:"speaker,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	Processed         bool            `json:"processed"`
	Metadata          MetadataPayload `json:"metadata"`
	FileSize          int64           `json:"file_size"`
	Duration          float64         `json:"duration"`
	SourcePath        *string         `json:"source_path,omitempty"`
	MP3Path           *string         `json:"mp3_path,omitempty"`
	ConfidenceScore   *float64        `json:"confidence_score,omitempty"`
	LanguageDetected  *string         `json:"language_detected,omitempty"`
	Tags              []string        `json:"tags"`
}

// MetadataPayload carries the recording's sync state so the server can merge
// repeated submissions of the same recording
type MetadataPayload struct {
	RecordingTitle                     string     `json:"recording_title"`
	RecordingUpdatedAt                 time.Time  `json:"recording_updated_at"`
	AppendedSegment                    *string    `json:"appended_segment,omitempty"`
	KnowledgeBaseStatus                string     `json:"knowledge_base_status"`
	KnowledgeBaseIdentifiers           []string   `json:"knowledge_base_identifiers"`
	KnowledgeBaseLastSyncedAt          *time.Time `json:"knowledge_base_last_synced_at,omitempty"`
	KnowledgeBaseLastAttemptedAt       *time.Time `json:"knowledge_base_last_attempted_at,omitempty"`
	KnowledgeBaseLastError             *string    `json:"knowledge_base_last_error,omitempty"`
	KnowledgeBaseLastKnownRemoteStatus *string    `json:"knowledge_base_last_known_remote_status,omitempty"`
	AppRecordingID                     string     `json:"app_recording_id"`
	AppFileURL                         *string    `json:"app_file_url,omitempty"`
}

// BuildSubmission assembles the payload for one finalized segment. sourcePath
// is the local audio path, empty when there is none.
func BuildSubmission(rec recording.Recording, segment, sourcePath string) Submission {
	fileName := rec.FileName
	if fileName == "" {
		fileName = recording.AudioFileName(rec.ID)
	}

	var appended *string
	if strings.TrimSpace(segment) != "" {
		appended = &segment
	}

	sync := rec.Sync
	ids := sync.RemoteIdentifiers
	if ids == nil {
		ids = []string{}
	}

	return Submission{
		ID:                rec.ID,
		FileName:          &fileName,
		TranscriptionText: rec.TranscriptText(),
		CreatedAt:         isoTime(rec.CreatedAt),
		Processed:         false,
		Metadata: MetadataPayload{
			RecordingTitle:                     rec.Title,
			RecordingUpdatedAt:                 isoTime(rec.UpdatedAt),
			AppendedSegment:                    appended,
			KnowledgeBaseStatus:                string(sync.State),
			KnowledgeBaseIdentifiers:           ids,
			KnowledgeBaseLastSyncedAt:          isoTimePtr(sync.LastSyncedAt),
			KnowledgeBaseLastAttemptedAt:       isoTimePtr(sync.LastAttemptedAt),
			KnowledgeBaseLastError:             optional(sync.LastErrorMessage),
			KnowledgeBaseLastKnownRemoteStatus: optional(sync.LastKnownRemoteStatus),
			AppRecordingID:                     rec.ID,
			AppFileURL:                         optional(sourcePath),
		},
		FileSize:   rec.FileSize,
		Duration:   rec.Duration.Seconds(),
		SourcePath: optional(sourcePath),
		Tags:       []string{},
	}
}

// isoTime drops sub-second precision so timestamps encode as plain ISO 8601
func isoTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func isoTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := isoTime(*t)
	return &v
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
