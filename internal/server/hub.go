package server

import (
	"sync"

	"github.com/oszuidwest/zwfm-recorder/internal/recorder"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

// EventMessage is a recorder callback pushed to every client.
type EventMessage struct {
	Type     string             `json:"type"`
	Event    string             `json:"event"`
	Encoding types.EncodingKind `json:"encoding,omitempty"`
	Progress float64            `json:"progress,omitzero"`
	Artifact *types.Artifact    `json:"artifact,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Hub fans recorder events out to the connected WebSocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg for every client.
func (h *Hub) Broadcast(msg any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.Send(msg)
	}
}

// Wrap returns cb extended to broadcast every callback as an event message.
// The wrapped handlers run first. A nil OnTimeout keeps the default of
// finishing the recording.
func (h *Hub) Wrap(cb recorder.Callbacks) recorder.Callbacks {
	out := cb
	out.OnEncoderLoading = func(kind types.EncodingKind) {
		call(cb.OnEncoderLoading, kind)
		h.Broadcast(EventMessage{Type: "event", Event: "loading", Encoding: kind})
	}
	out.OnEncoderLoaded = func(kind types.EncodingKind) {
		call(cb.OnEncoderLoaded, kind)
		h.Broadcast(EventMessage{Type: "event", Event: "loaded", Encoding: kind})
	}
	out.OnTimeout = func(r *recorder.Recorder) {
		h.Broadcast(EventMessage{Type: "event", Event: "timeout"})
		if cb.OnTimeout != nil {
			cb.OnTimeout(r)
			return
		}
		_ = r.FinishTimedOut()
	}
	out.OnEncodingProgress = func(fraction float64) {
		call(cb.OnEncodingProgress, fraction)
		h.Broadcast(EventMessage{Type: "event", Event: "progress", Progress: fraction})
	}
	out.OnEncodingCanceled = func() {
		if cb.OnEncodingCanceled != nil {
			cb.OnEncodingCanceled()
		}
		h.Broadcast(EventMessage{Type: "event", Event: "encoding_canceled"})
	}
	out.OnComplete = func(a types.Artifact) {
		call(cb.OnComplete, a)
		h.Broadcast(EventMessage{Type: "event", Event: "complete", Artifact: &a})
	}
	out.OnError = func(err error) {
		call(cb.OnError, err)
		h.Broadcast(EventMessage{Type: "event", Event: "error", Error: err.Error()})
	}
	return out
}

func call[T any](fn func(T), v T) {
	if fn != nil {
		fn(v)
	}
}
