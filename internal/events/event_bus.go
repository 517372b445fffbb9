// Package events provides the engine's event bus. Handlers subscribe by event
// type or to everything; the bus recovers handler panics and reports handler
// failures as error events.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType defines the category of event
type EventType string

const (
	EventTypeRegimeChange     EventType = "regime_change"
	EventTypeEntrySignal      EventType = "entry_signal"
	EventTypeExitSignal       EventType = "exit_signal"
	EventTypeStopAdjustment   EventType = "stop_adjustment"
	EventTypeScoreUpdate      EventType = "score_update"
	EventTypeAllocationChange EventType = "allocation_change"
	EventTypePositionOpened   EventType = "position_opened"
	EventTypePositionClosed   EventType = "position_closed"
	EventTypeReconciliation   EventType = "reconciliation"
	EventTypeError            EventType = "error"
)

// AllEventTypes lists every event type the engine emits.
var AllEventTypes = []EventType{
	EventTypeRegimeChange,
	EventTypeEntrySignal,
	EventTypeExitSignal,
	EventTypeStopAdjustment,
	EventTypeScoreUpdate,
	EventTypeAllocationChange,
	EventTypePositionOpened,
	EventTypePositionClosed,
	EventTypeReconciliation,
	EventTypeError,
}

// Severity grades an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a single engine notification.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol,omitempty"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Payload   any       `json:"payload,omitempty"`
}

// New creates an event with a fresh ID.
func New(t EventType, symbol, message string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now(),
		Symbol:    symbol,
		Severity:  SeverityInfo,
		Message:   message,
		Payload:   payload,
	}
}

// NewError creates an error event.
func NewError(symbol, source string, err error) Event {
	ev := New(EventTypeError, symbol, fmt.Sprintf("%s: %v", source, err), ErrorPayload{Source: source, Error: err.Error()})
	ev.Severity = SeverityWarning
	return ev
}

// ErrorPayload describes a failure surfaced as an event.
type ErrorPayload struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

// EventHandler processes an event
type EventHandler func(event Event) error

// EventFilter can selectively process events
type EventFilter func(event Event) bool

// SubscriptionOptions configures subscription behavior
type SubscriptionOptions struct {
	Filter EventFilter
	Async  bool // run the handler on its own goroutine
}

// Subscription represents an active event subscription
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	Options   SubscriptionOptions
	active    atomic.Bool
}

// IsActive returns whether subscription is active
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// Stats tracks bus activity.
type Stats struct {
	EventsPublished   int64               `json:"eventsPublished"`
	EventsProcessed   int64               `json:"eventsProcessed"`
	EventsDropped     int64               `json:"eventsDropped"`
	HandlerErrors     int64               `json:"handlerErrors"`
	HandlerPanics     int64               `json:"handlerPanics"`
	ActiveSubscribers int64               `json:"activeSubscribers"`
	ByType            map[EventType]int64 `json:"byType"`
}

// Config configures the event bus. NumWorkers above 1 dispatches
// concurrently and gives up publish ordering.
type Config struct {
	NumWorkers int `mapstructure:"num_workers" validate:"gte=1"`
	BufferSize int `mapstructure:"buffer_size" validate:"gte=1"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NumWorkers: 1,
		BufferSize: 10000,
	}
}

// Bus routes events to subscribers. Publish queues onto the dispatch workers
// and drops when the buffer is full; PublishSync delivers on the caller's
// goroutine. With a single worker every synchronous subscriber sees queued
// events in publish order. With more workers, or with Async subscriptions,
// ordering is not guaranteed.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan chan Event
	workers   int

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	handlerErrors     atomic.Int64
	handlerPanics     atomic.Int64
	activeSubscribers atomic.Int64

	countMu sync.Mutex
	byType  map[EventType]int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
	logger  *zap.Logger
}

// NewBus creates an event bus and starts its workers.
func NewBus(logger *zap.Logger, config *Config) *Bus {
	if config == nil {
		config = DefaultConfig()
	}
	workers := config.NumWorkers
	if workers <= 0 {
		workers = 1
	}
	buffer := config.BufferSize
	if buffer <= 0 {
		buffer = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, buffer),
		workers:     workers,
		byType:      make(map[EventType]int64),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("events"),
	}

	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}

	b.logger.Info("Event bus initialized",
		zap.Int("workers", workers),
		zap.Int("buffer_size", buffer),
	)
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.eventChan:
			b.dispatch(ev)
		}
	}
}

// dispatch routes an event to its subscribers.
func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	subs := append([]*Subscription(nil), b.subscribers[ev.Type]...)
	subs = append(subs, b.allSubscribers...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if sub.Options.Filter != nil && !sub.Options.Filter(ev) {
			continue
		}
		if sub.Options.Async {
			b.wg.Add(1)
			go func(s *Subscription) {
				defer b.wg.Done()
				b.execute(s, ev)
			}(sub)
		} else {
			b.execute(sub, ev)
		}
	}

	b.eventsProcessed.Add(1)
	b.countMu.Lock()
	b.byType[ev.Type]++
	b.countMu.Unlock()
}

// execute runs one handler with panic recovery. Failures while handling an
// error event are only logged.
func (b *Bus) execute(sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			b.logger.Error("Event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(ev.Type)),
				zap.Any("panic", r),
			)
			b.reportFailure(ev, fmt.Errorf("handler %s panicked: %v", sub.ID, r))
		}
	}()

	if err := sub.Handler(ev); err != nil {
		b.handlerErrors.Add(1)
		b.logger.Warn("Event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(ev.Type)),
			zap.Error(err),
		)
		b.reportFailure(ev, fmt.Errorf("handler %s: %w", sub.ID, err))
	}
}

func (b *Bus) reportFailure(ev Event, err error) {
	if ev.Type == EventTypeError {
		return
	}
	b.Publish(NewError(ev.Symbol, "event_handler", err))
}

// Subscribe registers a handler for an event type. Handlers run synchronously
// on the delivering goroutine unless Async is set.
func (b *Bus) Subscribe(eventType EventType, handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	return b.add(eventType, handler, opts)
}

// SubscribeAll registers a handler for all event types
func (b *Bus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	return b.add("*", handler, opts)
}

func (b *Bus) add(eventType EventType, handler EventHandler, opts []SubscriptionOptions) *Subscription {
	var options SubscriptionOptions
	if len(opts) > 0 {
		options = opts[0]
	}
	sub := &Subscription{
		ID:        uuid.NewString(),
		EventType: eventType,
		Handler:   handler,
		Options:   options,
	}
	sub.active.Store(true)

	b.mu.Lock()
	if eventType == "*" {
		b.allSubscribers = append(b.allSubscribers, sub)
	} else {
		b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	}
	b.mu.Unlock()
	b.activeSubscribers.Add(1)

	b.logger.Debug("Subscription added",
		zap.String("id", sub.ID),
		zap.String("event_type", string(eventType)),
	)
	return sub
}

// Unsubscribe deactivates and removes a subscription
func (b *Bus) Unsubscribe(sub *Subscription) {
	if !sub.active.CompareAndSwap(true, false) {
		return
	}
	b.activeSubscribers.Add(-1)

	b.mu.Lock()
	defer b.mu.Unlock()
	remove := func(list []*Subscription) []*Subscription {
		out := list[:0]
		for _, s := range list {
			if s != sub {
				out = append(out, s)
			}
		}
		return out
	}
	if sub.EventType == "*" {
		b.allSubscribers = remove(b.allSubscribers)
	} else {
		b.subscribers[sub.EventType] = remove(b.subscribers[sub.EventType])
	}
}

// Publish queues an event (non-blocking).
// If the buffer is full, the event is dropped and counted
func (b *Bus) Publish(ev Event) {
	if b.stopped.Load() {
		b.eventsDropped.Add(1)
		return
	}
	select {
	case b.eventChan <- ev:
		b.eventsPublished.Add(1)
	default:
		b.eventsDropped.Add(1)
		b.logger.Warn("Event dropped - buffer full",
			zap.String("event_type", string(ev.Type)),
		)
	}
}

// PublishSync delivers an event to subscribers before returning.
func (b *Bus) PublishSync(ev Event) {
	b.eventsPublished.Add(1)
	b.dispatch(ev)
}

// Stats returns current statistics.
func (b *Bus) Stats() Stats {
	b.countMu.Lock()
	byType := make(map[EventType]int64, len(b.byType))
	for k, v := range b.byType {
		byType[k] = v
	}
	b.countMu.Unlock()

	return Stats{
		EventsPublished:   b.eventsPublished.Load(),
		EventsProcessed:   b.eventsProcessed.Load(),
		EventsDropped:     b.eventsDropped.Load(),
		HandlerErrors:     b.handlerErrors.Load(),
		HandlerPanics:     b.handlerPanics.Load(),
		ActiveSubscribers: b.activeSubscribers.Load(),
		ByType:            byType,
	}
}

// Stop drains queued events, then shuts down the workers.
func (b *Bus) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	b.logger.Info("Shutting down event bus...")

	deadline := time.After(5 * time.Second)
drain:
	for {
		select {
		case ev := <-b.eventChan:
			b.dispatch(ev)
		case <-deadline:
			break drain
		default:
			break drain
		}
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("Event bus shutdown complete",
			zap.Int64("events_processed", b.eventsProcessed.Load()),
			zap.Int64("events_dropped", b.eventsDropped.Load()),
		)
	case <-time.After(5 * time.Second):
		b.logger.Warn("Event bus shutdown timed out")
	}
}
