// Package events fans pipeline activity out to live subscribers such as
// the /events stream.
package events

import (
	"sync"
	"time"
)

const (
	defaultHistorySize      = 200
	defaultSubscriberBuffer = 50
)

// Event is one pipeline occurrence: a message routed, a refresh finished,
// a message dead-lettered.
type Event struct {
	Timestamp  time.Time         `json:"ts"`
	Level      string            `json:"level"`
	Type       string            `json:"type"`
	Message    string            `json:"msg"`
	Queue      string            `json:"queue,omitempty"`
	MessageID  int64             `json:"message_id,omitempty"`
	WorkerID   string            `json:"worker_id,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	Feed       string            `json:"feed,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type Publisher interface {
	Publish(Event)
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}

// Broker keeps a bounded history and delivers new events to subscribers
// without blocking; slow subscribers miss events.
type Broker struct {
	mu         sync.RWMutex
	subs       map[int]chan Event
	nextID     int
	history    []Event
	historyCap int
	now        func() time.Time
}

func NewBroker(historySize int) *Broker {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Broker{
		subs:       map[int]chan Event{},
		historyCap: historySize,
		now:        time.Now,
	}
}

func (b *Broker) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}
	b.mu.Lock()
	if len(b.history) == b.historyCap {
		copy(b.history, b.history[1:])
		b.history = b.history[:len(b.history)-1]
	}
	b.history = append(b.history, event)
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a subscriber. It returns the live channel, a cancel
// func that must be called when done, and the history at subscription time.
func (b *Broker) Subscribe() (<-chan Event, func(), []Event) {
	if b == nil {
		return nil, func() {}, nil
	}
	ch := make(chan Event, defaultSubscriberBuffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	history := append([]Event(nil), b.history...)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
	return ch, cancel, history
}

// Subscribers reports the number of live subscribers.
func (b *Broker) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
