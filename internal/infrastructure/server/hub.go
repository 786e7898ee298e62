package server

import (
	"context"
	"sync"

	"virtual_exchange/internal/core"
)

// Event is one run progress message pushed to websocket subscribers.
type Event struct {
	RunID string      `json:"run_id"`
	Type  string      `json:"type"`
	Data  interface{} `json:"data"`
}

// subscriber is one websocket client pinned to a single run's event stream.
type subscriber struct {
	runID  string
	send   chan Event
	mu     sync.Mutex
	closed bool
}

func newSubscriber(runID string) *subscriber {
	return &subscriber{
		runID: runID,
		// Buffered so a stalled socket never blocks the run.
		send: make(chan Event, 256),
	}
}

// push queues an event for the subscriber. Returns false when the client is
// closed or its buffer is full.
func (s *subscriber) push(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- ev:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// Hub fans run events out to websocket subscribers, each filtered to one
// run id. It implements core.RunEventSink; emitters never block, and slow
// subscribers are dropped rather than stalling a run.
type Hub struct {
	mu      sync.RWMutex
	clients map[*subscriber]bool
	running bool
	events  chan Event
	logger  core.ILogger
}

func NewHub(logger core.ILogger) *Hub {
	return &Hub{
		clients: make(map[*subscriber]bool),
		events:  make(chan Event, 256),
		logger:  logger.WithField("component", "event_hub"),
	}
}

// Run dispatches queued events until the context ends, then closes every
// subscriber. Registration does not depend on the loop, so handlers never
// block against a stopped hub.
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.running = false
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case ev := <-h.events:
			h.mu.RLock()
			targets := make([]*subscriber, 0, len(h.clients))
			for client := range h.clients {
				if client.runID == ev.RunID {
					targets = append(targets, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range targets {
				if !client.push(ev) {
					// Slow or gone; detach so the buffer pressure ends here.
					h.Unregister(client)
				}
			}
		}
	}
}

// RunEvent queues one event for dispatch. A full queue drops the event.
func (h *Hub) RunEvent(runID string, event string, payload interface{}) {
	ev := Event{RunID: runID, Type: event, Data: payload}
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("Event queue full, dropping event", "run_id", runID, "type", event)
	}
}

// Register attaches a subscriber to the dispatch loop.
func (h *Hub) Register(s *subscriber) {
	h.mu.Lock()
	h.clients[s] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("Subscriber registered", "run_id", s.runID, "total", total)
}

// Unregister detaches a subscriber and closes its channel. Safe to call
// more than once.
func (h *Hub) Unregister(s *subscriber) {
	h.mu.Lock()
	_, ok := h.clients[s]
	if ok {
		delete(h.clients, s)
	}
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		s.close()
		h.logger.Info("Subscriber unregistered", "run_id", s.runID, "total", total)
	}
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Running reports whether the dispatch loop is live.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}
