// Package events carries the typed notifications the orchestration engine emits
// to UI, notification and audit consumers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TaskCompleted         Type = "task_completed"
	TaskFailed            Type = "task_failed"
	StageAdvanced         Type = "stage_advanced"
	StageFailed           Type = "stage_failed"
	HandoffRequired       Type = "handoff_required"
	MatchFailed           Type = "match_failed"
	RoleEntered           Type = "role_entered"
	ConversationCompleted Type = "conversation_completed"
	ConversationFailed    Type = "conversation_failed"
	ConversationCancelled Type = "conversation_cancelled"
	ConversationPaused    Type = "conversation_paused"
)

type Event struct {
	ID             string         `json:"id"`
	Type           Type           `json:"type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	TaskID         string         `json:"task_id,omitempty"`
	RoleID         string         `json:"role_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	At             time.Time      `json:"at"`
}

func New(typ Type, at time.Time) Event {
	return Event{
		ID:   "evt_" + uuid.New().String()[:8],
		Type: typ,
		At:   at,
	}
}

// Emitter is what engine components depend on.
type Emitter interface {
	Emit(Event)
}

// Sink receives every event in emission order, on the bus's delivery
// goroutine.
type Sink interface {
	Handle(Event) error
}

// sinkQueueFactor sizes the sink queue relative to a subscriber buffer.
const sinkQueueFactor = 16

type sinkItem struct {
	evt     Event
	sinks   []Sink
	flushed chan struct{}
}

// Bus fans events out to sinks and to buffered subscriber channels. Sinks run
// on one worker so a slow disk or broker never holds up the emitter. Slow
// subscribers and a full sink queue lose events rather than block the engine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	sinks  []Sink
	buffer int
	queue  chan sinkItem
	done   chan struct{}
	closed bool
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan Event),
		buffer: buffer,
	}
}

// AddSink registers s and starts the delivery worker with the first sink.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.sinks = append(b.sinks, s)
	if b.queue == nil {
		b.queue = make(chan sinkItem, b.buffer*sinkQueueFactor)
		b.done = make(chan struct{})
		go deliver(b.queue, b.done)
	}
}

func deliver(queue <-chan sinkItem, done chan<- struct{}) {
	defer close(done)
	for item := range queue {
		if item.flushed != nil {
			close(item.flushed)
			continue
		}
		for _, s := range item.sinks {
			if err := s.Handle(item.evt); err != nil {
				slog.Warn("event sink failed", "type", item.evt.Type, "event_id", item.evt.ID, "error", err)
			}
		}
	}
}

// Subscribe returns a channel of events and a function that closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	id := uuid.New().String()
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Emit(evt Event) {
	if evt.ID == "" {
		evt.ID = "evt_" + uuid.New().String()[:8]
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.queue != nil && !b.closed {
		select {
		case b.queue <- sinkItem{evt: evt, sinks: b.sinks}:
		default:
			slog.Warn("event sink queue full, dropping", "type", evt.Type, "event_id", evt.ID)
		}
	}
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			slog.Warn("event subscriber queue full, dropping", "subscriber", id, "type", evt.Type)
		}
	}
}

// Flush blocks until every event emitted before it has reached the sinks.
func (b *Bus) Flush() {
	b.mu.RLock()
	if b.queue == nil || b.closed {
		b.mu.RUnlock()
		return
	}
	flushed := make(chan struct{})
	b.queue <- sinkItem{flushed: flushed}
	b.mu.RUnlock()
	<-flushed
}

// Close hands the queued events to the sinks and stops the worker. Events
// emitted afterwards only reach subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.queue != nil {
		close(b.queue)
	}
	done := b.done
	b.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Discard drops everything; used when no bus is wired.
type Discard struct{}

func (Discard) Emit(Event) {}
