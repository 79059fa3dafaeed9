package engine

import (
	"context"
	"sync"
)

// State names the engine's position in its pass cycle.
type State string

const (
	// StateIdle means no pass has run yet.
	StateIdle State = "idle"
	// StateSyncing means a pass is dispatching items.
	StateSyncing State = "syncing"
	// StateCompleted means the last pass drained all eligible work.
	StateCompleted State = "completed"
	// StateFailed means the last pass aborted; Reason says why.
	StateFailed State = "failed"
)

// Status is the engine's externally visible condition. Counters cover the
// current or most recent pass; Total grows when a pass discovers work that
// was enqueued after it started.
type Status struct {
	State     State  `json:"state"`
	Online    bool   `json:"online"`
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Reason    string `json:"reason,omitempty"`
}

// Result summarizes one finished pass.
type Result struct {
	State     State  `json:"state"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Reason    string `json:"reason,omitempty"`
}

const statusBufferSize = 16

// StatusHub fans engine status out to subscribers and retains the latest
// value for polling callers. Publishing never blocks: a slow subscriber
// drops intermediate updates and catches up on the next one.
type StatusHub struct {
	mu          sync.RWMutex
	current     Status
	subscribers map[int64]*statusSubscriber
	nextID      int64
	bufferSize  int
}

type statusSubscriber struct {
	id     int64
	stream chan Status
}

// NewStatusHub constructs a hub resting at idle.
func NewStatusHub() *StatusHub {
	return &StatusHub{
		current:     Status{State: StateIdle},
		subscribers: make(map[int64]*statusSubscriber),
		bufferSize:  statusBufferSize,
	}
}

// Current returns the latest published status.
func (h *StatusHub) Current() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Publish stores the status and fans it out.
func (h *StatusHub) Publish(status Status) {
	h.mu.Lock()
	h.current = status
	copies := make([]*statusSubscriber, 0, len(h.subscribers))
	for _, subscriber := range h.subscribers {
		copies = append(copies, subscriber)
	}
	h.mu.Unlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- status:
		default:
		}
	}
}

// Subscribe registers a stream of future statuses. The cleanup function
// unregisters; cancelling the context does the same.
func (h *StatusHub) Subscribe(ctx context.Context) (<-chan Status, func()) {
	subscriber := &statusSubscriber{
		id:     h.nextSequence(),
		stream: make(chan Status, h.bufferSize),
	}
	h.registerSubscriber(subscriber)
	cleanup := func() {
		h.unregisterSubscriber(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (h *StatusHub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *StatusHub) registerSubscriber(subscriber *statusSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[subscriber.id] = subscriber
}

func (h *StatusHub) unregisterSubscriber(subscriberID int64) {
	h.mu.Lock()
	delete(h.subscribers, subscriberID)
	h.mu.Unlock()
}
