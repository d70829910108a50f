package orchestrator

import (
	"sync"
	"time"

	"github.com/jkaninda/chorus/internal/domain"
)

// EventKind classifies scheduler events.
type EventKind string

const (
	EventDispatched EventKind = "dispatched"
	EventFinished   EventKind = "finished"
	EventRetried    EventKind = "retried"
	EventRewritten  EventKind = "rewritten"
	EventFailed     EventKind = "failed"
	EventStopped    EventKind = "stopped"
	EventJobDone    EventKind = "job_done"
)

// Event is a scheduler state change.
type Event struct {
	JobID    string           `json:"job_id"`
	SubJobID string           `json:"subjob_id,omitempty"`
	Kind     EventKind        `json:"kind"`
	Status   domain.JobStatus `json:"status,omitempty"`
	Message  string           `json:"message,omitempty"`
	Time     time.Time        `json:"time"`
}

// EventHub fans events out to subscribers. Slow subscribers lose events
// rather than block the scheduler. A nil *EventHub drops everything.
type EventHub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscriber
}

type subscriber struct {
	jobID string
	ch    chan Event
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[int]subscriber)}
}

// Subscribe returns a channel of events for jobID ("" for all jobs) and a
// function that unsubscribes and closes the channel.
func (h *EventHub) Subscribe(jobID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = subscriber{jobID: jobID, ch: ch}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to matching subscribers without blocking.
func (h *EventHub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.jobID != "" && s.jobID != ev.JobID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
