package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable thing that happened to a configuration file.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Path      string                 `json:"path,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeConfigLoaded       = "config.loaded"
	EventTypeConfigLoadFailed   = "config.load_failed"
	EventTypeConfigReloaded     = "config.reloaded"
	EventTypeConfigReloadFailed = "config.reload_failed"
	EventTypeValidationFailed   = "validation.failed"
	EventTypePolicyViolation    = "policy.violation"
	EventTypeError              = "error"
)

// Event levels, lowest first.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var eventLevels = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

// EventSubscriber receives events. It runs on its own goroutine.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be passed on.
type EventFilter func(event Event) bool

var (
	errPublisherStopped = errors.New("event publisher stopped")
	errBufferFull       = errors.New("event buffer full, event dropped")
)

// EventPublisher fans events out to subscribers. With EnableAsync events are
// queued and delivered in batches by a dispatcher goroutine, otherwise they
// are delivered from Publish. A nil or disabled publisher drops everything.
type EventPublisher struct {
	cfg     EventsConfig
	queue   chan Event
	stopped chan struct{}
	done    chan struct{}
	once    sync.Once

	mu      sync.RWMutex
	subs    []subscription
	filters []EventFilter
}

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// NewEventPublisher creates an event publisher.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{cfg: cfg}, nil
	}
	if cfg.BufferSize < 0 {
		return nil, fmt.Errorf("invalid event buffer size %d", cfg.BufferSize)
	}

	ep := &EventPublisher{
		cfg:     cfg,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.EnableAsync {
		ep.queue = make(chan Event, cfg.BufferSize)
		go ep.dispatch()
	} else {
		close(ep.done)
	}
	return ep, nil
}

func (ep *EventPublisher) enabled() bool {
	return ep != nil && ep.cfg.Enabled
}

// Publish stamps event with an ID and timestamp when missing and hands it
// to the subscribers whose filters accept it.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.enabled() {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if !ep.accepts(event) {
		return nil
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case <-ep.stopped:
		return errPublisherStopped
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return errBufferFull
	}
}

func (ep *EventPublisher) accepts(event Event) bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, f := range ep.filters {
		if !f(event) {
			return false
		}
	}
	return true
}

func (ep *EventPublisher) publish(typ, source, path, level string, data map[string]interface{}, format string, args ...interface{}) error {
	return ep.Publish(Event{
		Type:    typ,
		Source:  source,
		Path:    path,
		Level:   level,
		Message: fmt.Sprintf(format, args...),
		Data:    data,
	})
}

// PublishConfigLoaded reports a successful load of path and its includes.
func (ep *EventPublisher) PublishConfigLoaded(path string, files int, duration time.Duration) error {
	return ep.publish(EventTypeConfigLoaded, "loader", path, EventLevelInfo,
		map[string]interface{}{"files": files, "duration": duration.Seconds()},
		"Configuration %s loaded from %d files", path, files)
}

// PublishConfigLoadFailed reports a failed load.
func (ep *EventPublisher) PublishConfigLoadFailed(path, reason string) error {
	return ep.publish(EventTypeConfigLoadFailed, "loader", path, EventLevelError,
		map[string]interface{}{"reason": reason},
		"Configuration %s failed to load: %s", path, reason)
}

// PublishConfigReloaded reports a reload triggered by a file change.
func (ep *EventPublisher) PublishConfigReloaded(path string, files int, duration time.Duration) error {
	return ep.publish(EventTypeConfigReloaded, "watcher", path, EventLevelInfo,
		map[string]interface{}{"files": files, "duration": duration.Seconds()},
		"Configuration %s reloaded (%d files)", path, files)
}

// PublishConfigReloadFailed reports a reload that failed. The previous tree
// stays in use.
func (ep *EventPublisher) PublishConfigReloadFailed(path, reason string) error {
	return ep.publish(EventTypeConfigReloadFailed, "watcher", path, EventLevelError,
		map[string]interface{}{"reason": reason},
		"Configuration %s failed to reload: %s", path, reason)
}

// PublishValidationFailed reports problems found by a validator.
func (ep *EventPublisher) PublishValidationFailed(path, validator string, errorCount int) error {
	return ep.publish(EventTypeValidationFailed, validator, path, EventLevelError,
		map[string]interface{}{"errors": errorCount},
		"Configuration %s failed %s validation with %d errors", path, validator, errorCount)
}

// PublishPolicyViolation reports a policy violation at nodePath.
func (ep *EventPublisher) PublishPolicyViolation(path, policyName, nodePath, reason string) error {
	return ep.publish(EventTypePolicyViolation, "policy_engine", path, EventLevelError,
		map[string]interface{}{"policy": policyName, "node": nodePath, "reason": reason},
		"Policy %s violated at %s in %s: %s", policyName, nodePath, path, reason)
}

// Subscribe registers fn for the events accepted by filter. A nil filter
// accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// AddFilter adds a filter every event must pass before reaching any
// subscriber.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(event) {
			go s.fn(event)
		}
	}
}

// dispatch drains the queue, delivering a batch when it reaches MaxBatchSize
// or when FlushInterval passes. Queued events are delivered before it exits.
func (ep *EventPublisher) dispatch() {
	defer close(ep.done)

	size := ep.cfg.MaxBatchSize
	if size <= 0 {
		size = 1
	}
	var tick <-chan time.Time
	if ep.cfg.FlushInterval > 0 {
		ticker := time.NewTicker(ep.cfg.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batch := make([]Event, 0, size)
	flush := func() {
		for _, event := range batch {
			ep.deliver(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.queue:
			if batch = append(batch, event); len(batch) >= size {
				flush()
			}
		case <-tick:
			flush()
		case <-ep.stopped:
			for {
				select {
				case event := <-ep.queue:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Shutdown stops accepting events and waits until queued ones are delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled() {
		return nil
	}
	ep.once.Do(func() { close(ep.stopped) })

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := eventLevels[minLevel]
	return func(event Event) bool {
		return eventLevels[event.Level] >= floor
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool {
		return set[event.Type]
	}
}

// FilterByPath accepts events about one file.
func FilterByPath(path string) EventFilter {
	return func(event Event) bool {
		return event.Path == path
	}
}
