package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/lexiqai/transcriber/internal/pipeline"
	"github.com/lexiqai/transcriber/internal/playback"
	"github.com/lexiqai/transcriber/internal/recording"
	"github.com/lexiqai/transcriber/internal/transcript"
)

const maxTitleLength = 200

// recordingView is a recording as served over REST
type recordingView struct {
	recording.Recording
	Sentences   []string `json:"sentences,omitempty"`
	IsRecording bool     `json:"is_recording"`
	IsPlaying   bool     `json:"is_playing"`
}

func (s *Server) view(rec recording.Recording, sentences bool) recordingView {
	v := recordingView{
		Recording:   rec,
		IsRecording: s.manager.IsRecording(rec.ID),
		IsPlaying:   s.manager.IsPlaying(rec.ID),
	}
	if sentences {
		v.Sentences = transcript.SplitSentences(rec.TranscriptText())
	}
	return v
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := s.manager.Store().List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]recordingView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, s.view(rec, false))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.manager.Store().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(rec, true))
}

type renameRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleRenameRecording(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" || len([]rune(title)) > maxTitleLength {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "title must be 1-200 characters"})
		return
	}

	rec, err := s.manager.Rename(r.Context(), r.PathValue("id"), title)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(rec, false))
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOffloadRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.manager.Offload(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(rec, false))
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, recording.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrAlreadyRecording),
		errors.Is(err, pipeline.ErrNoLocalAudio),
		errors.Is(err, playback.ErrNotPlayable):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrOffloadUnavailable),
		errors.Is(err, pipeline.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
