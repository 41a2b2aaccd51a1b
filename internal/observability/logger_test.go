package observability

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLoggerTagsComponentAndRecording(t *testing.T) {
	var buf bytes.Buffer
	initLogger(&buf, "debug", false)

	logger := WithRecording(Component("capture"), "rec-1")
	logger.Info().Msg("started")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["component"] != "capture" {
		t.Errorf("Expected component 'capture', got %v", entry["component"])
	}
	if entry["recording_id"] != "rec-1" {
		t.Errorf("Expected recording_id 'rec-1', got %v", entry["recording_id"])
	}
}

func TestWithCorrelationID_GeneratesWhenEmpty(t *testing.T) {
	var buf bytes.Buffer
	initLogger(&buf, "info", false)

	logger := WithCorrelationID("")
	logger.Info().Msg("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse log line: %v", err)
	}
	id, _ := entry["correlation_id"].(string)
	if len(id) != 36 {
		t.Errorf("Expected generated UUID correlation id, got %q", id)
	}
}
