// Package realtime fans bus events out to per-patient subscribers, so an
// API or push layer can stream only the events that concern one patient.
package realtime

import (
	"context"
	"sync"

	"github.com/tmarchal/medispense/core/events"
	"github.com/tmarchal/medispense/internal/eventbus"
)

// Hub bridges the process-wide event bus to per-patient channels.
// Subscribers with full buffers miss events rather than block the hub.
type Hub struct {
	bus *eventbus.Bus[events.Event]

	mu     sync.Mutex
	subs   map[string][]chan events.Event
	closed bool
}

// NewHub creates a Hub reading from bus.
func NewHub(bus *eventbus.Bus[events.Event]) *Hub {
	return &Hub{
		bus:  bus,
		subs: make(map[string][]chan events.Event),
	}
}

// Run pumps bus events to subscribers until ctx is cancelled or the bus
// closes. It is meant to run in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	ch := h.bus.Subscribe(64)
	defer h.bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev, ok := <-ch:
			if !ok {
				h.closeAll()
				return
			}
			h.dispatch(ev)
		}
	}
}

// Subscribe returns a channel receiving events for one patient. The
// channel is closed when the hub shuts down.
func (h *Hub) Subscribe(patientID string, buffer int) <-chan events.Event {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan events.Event, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subs[patientID] = append(h.subs[patientID], ch)
	return ch
}

// Unsubscribe removes and closes one patient channel.
func (h *Hub) Unsubscribe(patientID string, ch <-chan events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.subs[patientID]
	for i, c := range list {
		if c == ch {
			h.subs[patientID] = append(list[:i], list[i+1:]...)
			if len(h.subs[patientID]) == 0 {
				delete(h.subs, patientID)
			}
			close(c)
			return
		}
	}
}

func (h *Hub) dispatch(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs[ev.Patient()] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, list := range h.subs {
		for _, ch := range list {
			close(ch)
		}
	}
	h.subs = make(map[string][]chan events.Event)
}
