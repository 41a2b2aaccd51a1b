package server

import (
	"sync"

	"github.com/lexiqai/transcriber/internal/recording"
)

// Hub forwards recording changes made outside a stream, such as sync status
// written by the sync coordinator, to the streams following that recording
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*conn]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*conn]struct{})}
}

func (h *Hub) subscribe(id string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[id] == nil {
		h.subs[id] = make(map[*conn]struct{})
	}
	h.subs[id][c] = struct{}{}
}

func (h *Hub) unsubscribe(id string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[id], c)
	if len(h.subs[id]) == 0 {
		delete(h.subs, id)
	}
}

// Publish sends rec to every stream following it
func (h *Hub) Publish(rec recording.Recording) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.subs[rec.ID] {
		snapshot := rec
		c.send(ServerMessage{Event: EventRecording, RecordingID: rec.ID, Recording: &snapshot})
	}
}

// Subscribers returns how many streams follow id
func (h *Hub) Subscribers(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[id])
}
