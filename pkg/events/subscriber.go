// Package events implements pub/sub delivery of asynchronous events
// pushed from the background hub: per-subscription bounded buffers with
// size- and interval-triggered flushing, per-event handler timeouts,
// pause/resume, and historical replay from a capped ring.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tabwire/bridge/internal/config"
	"github.com/tabwire/bridge/internal/logger"
	"github.com/tabwire/bridge/pkg/types"
)

// SubscriptionStatus describes a subscription's delivery state
type SubscriptionStatus string

const (
	SubscriptionActive SubscriptionStatus = "active"
	SubscriptionPaused SubscriptionStatus = "paused"
	SubscriptionClosed SubscriptionStatus = "closed"
)

// SubscribeOptions tunes one subscription; zero values fall back to the
// subscriber's configuration.
type SubscribeOptions struct {
	BufferSize     int
	FlushInterval  time.Duration
	HandlerTimeout time.Duration
	IncludeHistory bool
	Predicate      types.EventPredicate
}

// subscription owns one bounded buffer and its flush loop
type subscription struct {
	id             types.ID
	typeSet        map[types.EventType]bool
	predicate      types.EventPredicate
	handler        types.EventHandler
	bufferSize     int
	flushInterval  time.Duration
	handlerTimeout time.Duration

	mu      sync.Mutex
	buffer  []types.Event
	paused  bool
	closed  bool
	dropped int64

	flushCh chan struct{}
	closeCh chan struct{}
	done    chan struct{}
}

// Stats reports subscriber counters, maintained incrementally
type Stats struct {
	Received      int64                     `json:"received"`
	Processed     int64                     `json:"processed"`
	Failures      int64                     `json:"failures"`
	Dropped       int64                     `json:"dropped"`
	ByType        map[types.EventType]int64 `json:"by_type"`
	BySeverity    map[types.Severity]int64  `json:"by_severity"`
	Subscriptions int                       `json:"subscriptions"`
	Listeners     int                       `json:"listeners"`
	// AverageLatency is the mean handler processing time
	AverageLatency time.Duration `json:"average_latency"`
	// ErrorRate is handler failures divided by events processed
	ErrorRate float64 `json:"error_rate"`

	latencySum time.Duration
}

// Subscriber delivers inbound events to buffered subscriptions and
// global listeners
type Subscriber struct {
	mu           sync.RWMutex
	cfg          config.SubscriberConfig
	subs         map[types.ID]*subscription
	listeners    map[types.EventType]map[int]types.EventHandler
	nextListener int
	history      *historyRing
	historyMu    sync.Mutex
	closed       bool
	stats        Stats
	wg           sync.WaitGroup
	logger       *logger.Logger
}

// New creates an event subscriber
func New(cfg config.SubscriberConfig, log *logger.Logger) (*Subscriber, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	s := &Subscriber{
		cfg:       cfg,
		subs:      make(map[types.ID]*subscription),
		listeners: make(map[types.EventType]map[int]types.EventHandler),
		history:   newHistoryRing(cfg.HistorySize),
		stats: Stats{
			ByType:     make(map[types.EventType]int64),
			BySeverity: make(map[types.Severity]int64),
		},
		logger: log.With("component", "subscriber"),
	}

	s.logger.Info("Subscriber initialized",
		"buffer_size", cfg.BufferSize,
		"flush_interval", cfg.FlushInterval.String(),
		"history_size", cfg.HistorySize)

	return s, nil
}

// Subscribe registers a buffered subscription for the given event types.
// With IncludeHistory the buffer is seeded from the history ring, filtered
// by the subscription's own predicate, exactly once before live delivery.
func (s *Subscriber) Subscribe(eventTypes []types.EventType, handler types.EventHandler, opts SubscribeOptions) (types.ID, error) {
	if handler == nil {
		return "", types.NewError(types.ErrCodeValidation, "handler cannot be nil")
	}
	if len(eventTypes) == 0 {
		return "", types.NewError(types.ErrCodeValidation, "at least one event type is required")
	}
	typeSet := make(map[types.EventType]bool, len(eventTypes))
	for _, t := range eventTypes {
		if !t.IsValid() {
			return "", types.NewError(types.ErrCodeValidation, fmt.Sprintf("unknown event type: %s", t))
		}
		typeSet[t] = true
	}

	sub := &subscription{
		id:             types.GenerateID(),
		typeSet:        typeSet,
		predicate:      opts.Predicate,
		handler:        handler,
		bufferSize:     opts.BufferSize,
		flushInterval:  opts.FlushInterval,
		handlerTimeout: opts.HandlerTimeout,
		flushCh:        make(chan struct{}, 1),
		closeCh:        make(chan struct{}),
		done:           make(chan struct{}),
	}
	if sub.bufferSize <= 0 {
		sub.bufferSize = s.cfg.BufferSize
	}
	if sub.flushInterval <= 0 {
		sub.flushInterval = s.cfg.FlushInterval
	}
	if sub.handlerTimeout <= 0 {
		sub.handlerTimeout = s.cfg.HandlerTimeout
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", types.NewError(types.ErrCodeUnavailable, "subscriber is closed")
	}
	if s.cfg.MaxSubscriptions > 0 && len(s.subs) >= s.cfg.MaxSubscriptions {
		s.mu.Unlock()
		return "", types.NewError(types.ErrCodeResourceExhausted, "subscription limit reached")
	}

	// Historical replay happens under the lock so no live event can slip
	// in between seeding and registration.
	if opts.IncludeHistory {
		s.historyMu.Lock()
		for _, event := range s.history.snapshot() {
			if sub.matches(event) {
				sub.append(event)
			}
		}
		s.historyMu.Unlock()
	}

	s.subs[sub.id] = sub
	s.stats.Subscriptions = len(s.subs)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(sub)

	if opts.IncludeHistory {
		sub.signalFlush()
	}

	s.logger.Debug("Subscription created",
		"subscription_id", sub.id,
		"event_types", eventTypes,
		"include_history", opts.IncludeHistory)

	return sub.id, nil
}

// Unsubscribe removes a subscription and stops its flush loop
func (s *Subscriber) Unsubscribe(id types.ID) error {
	s.mu.Lock()
	sub, exists := s.subs[id]
	if !exists {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeNotFound, "subscription not found: "+id.String())
	}
	delete(s.subs, id)
	s.stats.Subscriptions = len(s.subs)
	s.mu.Unlock()

	sub.close()
	<-sub.done

	s.logger.Debug("Subscription removed", "subscription_id", id)
	return nil
}

// AddListener registers a global, subscription-less tap for one event
// type. The returned function removes it.
func (s *Subscriber) AddListener(eventType types.EventType, handler types.EventHandler) (func(), error) {
	if handler == nil {
		return nil, types.NewError(types.ErrCodeValidation, "handler cannot be nil")
	}
	if !eventType.IsValid() {
		return nil, types.NewError(types.ErrCodeValidation, fmt.Sprintf("unknown event type: %s", eventType))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, types.NewError(types.ErrCodeUnavailable, "subscriber is closed")
	}

	if s.listeners[eventType] == nil {
		s.listeners[eventType] = make(map[int]types.EventHandler)
	}
	id := s.nextListener
	s.nextListener++
	s.listeners[eventType][id] = handler
	s.stats.Listeners++

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.listeners[eventType][id]; ok {
			delete(s.listeners[eventType], id)
			s.stats.Listeners--
		}
	}, nil
}

// Pause stops delivery for a subscription; its buffer keeps accumulating
// under the same size cap with drop-oldest overflow
func (s *Subscriber) Pause(id types.ID) error {
	sub, err := s.get(id)
	if err != nil {
		return err
	}
	sub.mu.Lock()
	sub.paused = true
	sub.mu.Unlock()
	return nil
}

// Resume restarts delivery; buffered events are flushed without loss
func (s *Subscriber) Resume(id types.ID) error {
	sub, err := s.get(id)
	if err != nil {
		return err
	}
	sub.mu.Lock()
	sub.paused = false
	sub.mu.Unlock()
	sub.signalFlush()
	return nil
}

// Status returns the delivery state of a subscription
func (s *Subscriber) Status(id types.ID) (SubscriptionStatus, error) {
	sub, err := s.get(id)
	if err != nil {
		return "", err
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return SubscriptionClosed, nil
	}
	if sub.paused {
		return SubscriptionPaused, nil
	}
	return SubscriptionActive, nil
}

// HandleEvent ingests one inbound event: appended to the history ring,
// fanned out to global listeners, then buffered per subscription.
func (s *Subscriber) HandleEvent(event types.Event) {
	if event.ID.IsEmpty() {
		event.ID = types.GenerateID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = types.NewTimestamp()
	}
	if event.Severity == "" {
		event.Severity = types.SeverityInfo
	}

	// The ring append and the fan-out snapshot happen under the same
	// lock as Subscribe's history seeding, so an event lands either in a
	// new subscription's seed or in its live delivery, never both.
	s.mu.Lock()
	s.historyMu.Lock()
	s.history.append(event)
	s.historyMu.Unlock()

	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stats.Received++
	s.stats.ByType[event.Type]++
	s.stats.BySeverity[event.Severity]++

	var taps []types.EventHandler
	for _, h := range s.listeners[event.Type] {
		taps = append(taps, h)
	}

	var matched []*subscription
	for _, sub := range s.subs {
		if sub.matches(event) {
			matched = append(matched, sub)
		}
	}
	s.mu.Unlock()

	for _, tap := range taps {
		s.invokeTap(tap, event)
	}

	for _, sub := range matched {
		full := sub.append(event)
		if full {
			sub.signalFlush()
		}
	}
}

// History returns a copy of the retained event history in arrival order
func (s *Subscriber) History() []types.Event {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	return s.history.snapshot()
}

// GetStats returns a copy of the subscriber counters
func (s *Subscriber) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.stats
	stats.ByType = make(map[types.EventType]int64, len(s.stats.ByType))
	for k, v := range s.stats.ByType {
		stats.ByType[k] = v
	}
	stats.BySeverity = make(map[types.Severity]int64, len(s.stats.BySeverity))
	for k, v := range s.stats.BySeverity {
		stats.BySeverity[k] = v
	}
	return stats
}

// Close tears down all subscriptions
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[types.ID]*subscription)
	s.stats.Subscriptions = 0
	s.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	s.wg.Wait()

	s.logger.Info("Subscriber closed")
	return nil
}

func (s *Subscriber) get(id types.ID) (*subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, exists := s.subs[id]
	if !exists {
		return nil, types.NewError(types.ErrCodeNotFound, "subscription not found: "+id.String())
	}
	return sub, nil
}

// invokeTap runs a global listener inline with panic recovery; taps have
// no buffer and no timeout of their own
func (s *Subscriber) invokeTap(handler types.EventHandler, event types.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Listener panicked", "event_type", event.Type, "panic", r)
		}
	}()
	if err := handler.Handle(context.Background(), event); err != nil {
		s.logger.Warn("Listener failed", "event_type", event.Type, "error", err)
	}
}

// run is a subscription's flush loop: flush on interval tick or on a
// buffer-full signal, whichever comes first
func (s *Subscriber) run(sub *subscription) {
	defer s.wg.Done()
	defer close(sub.done)

	ticker := time.NewTicker(sub.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush(sub)
		case <-sub.flushCh:
			s.flush(sub)
		case <-sub.closeCh:
			s.flush(sub)
			return
		}
	}
}

// flush delivers the buffered batch. Each event runs under its own
// handler timeout; one slow or failing handler fails only for that event.
func (s *Subscriber) flush(sub *subscription) {
	sub.mu.Lock()
	if sub.paused || len(sub.buffer) == 0 {
		sub.mu.Unlock()
		return
	}
	batch := sub.buffer
	sub.buffer = nil
	dropped := sub.dropped
	sub.dropped = 0
	sub.mu.Unlock()

	if dropped > 0 {
		s.mu.Lock()
		s.stats.Dropped += dropped
		s.mu.Unlock()
		s.logger.Warn("Dropped events on overflow",
			"subscription_id", sub.id, "count", dropped)
	}

	for _, event := range batch {
		start := time.Now()
		err := s.deliver(sub, event)
		latency := time.Since(start)

		s.mu.Lock()
		s.stats.Processed++
		s.stats.latencySum += latency
		s.stats.AverageLatency = s.stats.latencySum / time.Duration(s.stats.Processed)
		if err != nil {
			s.stats.Failures++
		}
		if s.stats.Processed > 0 {
			s.stats.ErrorRate = float64(s.stats.Failures) / float64(s.stats.Processed)
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn("Handler failed",
				"subscription_id", sub.id,
				"event_id", event.ID,
				"event_type", event.Type,
				"error", err)
		}
	}
}

// deliver invokes the handler for one event under the per-event timeout
func (s *Subscriber) deliver(sub *subscription, event types.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), sub.handlerTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- types.NewError(types.ErrCodeHandlerFailed, fmt.Sprintf("handler panicked: %v", r))
			}
		}()
		errCh <- sub.handler.Handle(ctx, event)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return types.WrapError(types.ErrCodeHandlerFailed, "handler returned error", err)
		}
		return nil
	case <-ctx.Done():
		return types.NewError(types.ErrCodeTimeout,
			fmt.Sprintf("handler exceeded %s for event %s", sub.handlerTimeout, event.ID))
	}
}

func (sub *subscription) matches(event types.Event) bool {
	if !sub.typeSet[event.Type] {
		return false
	}
	if sub.predicate != nil && !sub.predicate(event) {
		return false
	}
	if !sub.handler.CanHandle(event.Type) {
		return false
	}
	return true
}

// append buffers an event and reports whether the buffer hit capacity.
// While paused the cap still holds, with drop-oldest overflow.
func (sub *subscription) append(event types.Event) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed {
		return false
	}

	sub.buffer = append(sub.buffer, event)
	if len(sub.buffer) > sub.bufferSize {
		over := len(sub.buffer) - sub.bufferSize
		sub.buffer = sub.buffer[over:]
		sub.dropped += int64(over)
	}
	return !sub.paused && len(sub.buffer) >= sub.bufferSize
}

func (sub *subscription) signalFlush() {
	select {
	case sub.flushCh <- struct{}{}:
	default:
	}
}

func (sub *subscription) close() {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.paused = false
	sub.mu.Unlock()
	close(sub.closeCh)
}
