package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventJobQueued is published when a task is appended to the queue.
	EventJobQueued EventType = "job_queued"
	// EventJobStarted is published when the server claims a job.
	EventJobStarted EventType = "job_started"
	// EventJobSucceeded is published when a run finishes with an answer.
	EventJobSucceeded EventType = "job_succeeded"
	// EventJobFailed is published when a job exhausts its attempts.
	EventJobFailed EventType = "job_failed"
	// EventJobRequeued is published when a failed job is re-queued for retry.
	EventJobRequeued EventType = "job_requeued"
	// EventRunStarted is published when a planning run begins.
	EventRunStarted EventType = "run_started"
	// EventRunFinished is published when a planning run terminates.
	EventRunFinished EventType = "run_finished"
	// EventToolCall is published for every tool invocation inside a run.
	EventToolCall EventType = "tool_call"
	// EventAdapterDeployed is published when a validated adapter goes live.
	EventAdapterDeployed EventType = "adapter_deployed"
)

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped silently.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type.
// The subscriber function is called asynchronously in a goroutine.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					if r := recover(); r != nil {
						// Silently recover from subscriber panics to prevent bus disruption
					}
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish sends an event to all subscribers of the given type.
// If a subscriber's channel is full, the event is dropped for that subscriber.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// Channel full, drop event to avoid blocking the publisher
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
