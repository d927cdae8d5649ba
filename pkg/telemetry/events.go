package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted by the state controller.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// ResourceID is the associated resource ID, if applicable.
	ResourceID string `json:"resource_id,omitempty"`

	// IntentID is the associated intent ID, if applicable.
	IntentID string `json:"intent_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeStateChanged        = "resource.state_changed"
	EventTypeResourceQuarantined = "resource.quarantined"
	EventTypeResourceIsolated    = "resource.isolated"
	EventTypeIntentEnqueued      = "intent.enqueued"
	EventTypeIntentRejected      = "intent.rejected"
	EventTypeSLAOverdue          = "sla.overdue"
	EventTypeAgentReport         = "agent.report"
	EventTypeError               = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event or log warning
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishStateChanged publishes a realized lifecycle transition.
func (ep *EventPublisher) PublishStateChanged(resourceID, oldState, newState, version string) error {
	return ep.Publish(Event{
		Type:       EventTypeStateChanged,
		Source:     "state-controller",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Resource %s moved from %s to %s", resourceID, oldState, newState),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"old_state": oldState,
			"new_state": newState,
			"version":   version,
		},
	})
}

// PublishResourceQuarantined publishes a quarantine event.
func (ep *EventPublisher) PublishResourceQuarantined(resourceID, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypeResourceQuarantined,
		Source:     "state-controller",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Resource %s quarantined: %s", resourceID, reason),
		Level:      EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishResourceIsolated publishes an agent self-isolation event.
func (ep *EventPublisher) PublishResourceIsolated(resourceID string) error {
	return ep.Publish(Event{
		Type:       EventTypeResourceIsolated,
		Source:     "reconcile-api",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Agent for resource %s is running the isolated configuration", resourceID),
		Level:      EventLevelWarning,
	})
}

// PublishIntentEnqueued publishes an accepted intent.
func (ep *EventPublisher) PublishIntentEnqueued(resourceID, intentID, intentType string) error {
	return ep.Publish(Event{
		Type:       EventTypeIntentEnqueued,
		Source:     "reconcile-api",
		ResourceID: resourceID,
		IntentID:   intentID,
		Message:    fmt.Sprintf("Intent %s (%s) enqueued for resource %s", intentID, intentType, resourceID),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"intent_type": intentType,
		},
	})
}

// PublishIntentRejected publishes an intent consumed without effect.
func (ep *EventPublisher) PublishIntentRejected(resourceID, intentID, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypeIntentRejected,
		Source:     "state-controller",
		ResourceID: resourceID,
		IntentID:   intentID,
		Message:    fmt.Sprintf("Intent %s rejected for resource %s: %s", intentID, resourceID, reason),
		Level:      EventLevelWarning,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishSLAOverdue publishes a state residency threshold violation.
func (ep *EventPublisher) PublishSLAOverdue(resourceID, state string, excess time.Duration) error {
	return ep.Publish(Event{
		Type:       EventTypeSLAOverdue,
		Source:     "state-controller",
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Resource %s in state %s for %s beyond threshold", resourceID, state, excess),
		Level:      EventLevelWarning,
		Data: map[string]interface{}{
			"state":  state,
			"excess": excess.Seconds(),
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush batch if it reaches max size
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Flush remaining events before shutting down
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByResourceID creates a filter that only allows events for a specific resource.
func FilterByResourceID(resourceID string) EventFilter {
	return func(event Event) bool {
		return event.ResourceID == resourceID
	}
}
