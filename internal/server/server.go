// Package server exposes recordings over HTTP: WebSocket streams for live
// capture and playback, and REST endpoints for the recording list.
package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcriber/internal/observability"
	"github.com/lexiqai/transcriber/internal/pipeline"
)

// Options configures a Server
type Options struct {
	// RequirePermission asks stream clients to grant capture first
	RequirePermission bool
	// StopTimeout bounds saving a capture whose client disconnected
	StopTimeout time.Duration
	// ReadyChecks are reported by /ready
	ReadyChecks    map[string]observability.HealthCheckFunc
	MetricsEnabled bool
}

// Server routes HTTP and WebSocket requests to the pipeline
type Server struct {
	manager *pipeline.Manager
	hub     *Hub
	opts    Options
	logger  zerolog.Logger
}

// New creates a server. hub may be shared with other writers of recordings.
func New(manager *pipeline.Manager, hub *Hub, opts Options) *Server {
	if hub == nil {
		hub = NewHub()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 15 * time.Second
	}
	return &Server{
		manager: manager,
		hub:     hub,
		opts:    opts,
		logger:  observability.Component("server"),
	}
}

// Hub returns the hub that forwards recording changes to streams
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routes of the service
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/streams/record", s.handleRecordStream)
	mux.HandleFunc("/streams/playback", s.handlePlaybackStream)

	mux.HandleFunc("GET /recordings", s.handleListRecordings)
	mux.HandleFunc("GET /recordings/{id}", s.handleGetRecording)
	mux.HandleFunc("PATCH /recordings/{id}", s.handleRenameRecording)
	mux.HandleFunc("DELETE /recordings/{id}", s.handleDeleteRecording)
	mux.HandleFunc("POST /recordings/{id}/offload", s.handleOffloadRecording)

	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(s.opts.ReadyChecks))
	if s.opts.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}
