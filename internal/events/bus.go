// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package events

import (
	"context"
	"sync"
	"time"

	"grimm.is/flymesh/internal/logging"
)

const (
	defaultRetryCount  = 3
	defaultRetryDelay  = time.Second
	defaultHistorySize = 1000
)

// Handler processes one event. Returning an error triggers the
// subscription's retry policy.
type Handler func(ctx context.Context, evt Event) error

// Instrumentation receives bus counters. Implemented by the metrics
// package; a nil value disables it.
type Instrumentation interface {
	EventPublished(eventType string)
	HandlerFailed(eventType, handler string)
}

type subscription struct {
	name       string
	handler    Handler
	priority   Priority
	retryCount int
	retryDelay time.Duration
	async      bool
	seq        int
}

// SubscribeOption tunes one subscription.
type SubscribeOption func(*subscription)

// WithPriority orders the handler relative to others for the same
// event type. Default is PriorityNormal.
func WithPriority(p Priority) SubscribeOption {
	return func(s *subscription) { s.priority = p }
}

// WithRetry overrides the retry policy: count retries after the first
// attempt (default 3, 1s apart).
func WithRetry(count int, delay time.Duration) SubscribeOption {
	return func(s *subscription) {
		s.retryCount = count
		s.retryDelay = delay
	}
}

// WithName labels the handler in logs.
func WithName(name string) SubscribeOption {
	return func(s *subscription) { s.name = name }
}

// Async marks the handler for concurrent execution under PublishAsync.
// Publish still runs it sequentially.
func Async() SubscribeOption {
	return func(s *subscription) { s.async = true }
}

// Bus is the in-process pub/sub. Construct with NewBus and share one
// instance through the application wiring; tests build their own.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Type][]*subscription
	nextSeq int

	histMu  sync.Mutex
	history []Event
	histCap int

	logger *logging.Logger
	instr  Instrumentation
}

// Options configures a Bus.
type Options struct {
	Logger      *logging.Logger
	HistorySize int
	Instr       Instrumentation
}

// NewBus builds a bus with the given options. Zero options give a
// 1000-event history and the default logger.
func NewBus(opts Options) *Bus {
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("events")
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	return &Bus{
		subs:    make(map[Type][]*subscription),
		history: make([]Event, 0, opts.HistorySize),
		histCap: opts.HistorySize,
		logger:  opts.Logger,
		instr:   opts.Instr,
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler, opts ...SubscribeOption) {
	sub := &subscription{
		name:       string(t) + "-handler",
		handler:    h,
		priority:   PriorityNormal,
		retryCount: defaultRetryCount,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	sub.seq = b.nextSeq
	b.nextSeq++
	b.subs[t] = append(b.subs[t], sub)
}

// SubscriberCount returns how many handlers listen for t.
func (b *Bus) SubscriberCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}

// Publish delivers evt to every handler for its type, sequentially in
// ascending priority order (ties keep subscription order). A handler
// failure is retried per its policy and never stops later handlers.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	subs := b.snapshot(evt.Type)
	b.record(evt)

	for _, sub := range subs {
		b.run(ctx, sub, evt)
	}
}

// PublishAsync delivers evt like Publish for synchronous handlers,
// then runs async-marked handlers concurrently and waits for them.
func (b *Bus) PublishAsync(ctx context.Context, evt Event) {
	subs := b.snapshot(evt.Type)
	b.record(evt)

	var async []*subscription
	for _, sub := range subs {
		if sub.async {
			async = append(async, sub)
			continue
		}
		b.run(ctx, sub, evt)
	}

	if len(async) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, sub := range async {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			b.run(ctx, s, evt)
		}(sub)
	}
	wg.Wait()
}

// snapshot returns the handlers for t sorted by (priority, seq).
func (b *Bus) snapshot(t Type) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	src := b.subs[t]
	if len(src) == 0 {
		return nil
	}
	out := make([]*subscription, len(src))
	copy(out, src)
	// Insertion sort keeps ties in subscription order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func less(a, x *subscription) bool {
	if a.priority != x.priority {
		return a.priority < x.priority
	}
	return a.seq < x.seq
}

// run executes one handler with retries. Errors are logged and
// swallowed; the publishing mutation has already committed.
func (b *Bus) run(ctx context.Context, sub *subscription, evt Event) {
	// retryCount is the retry budget on top of the first attempt.
	attempts := sub.retryCount + 1
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = sub.handler(ctx, evt); err == nil {
			return
		}
		if attempt == attempts {
			break
		}
		b.logger.WithError(err).Warn("event handler failed, retrying",
			"handler", sub.name, "event_type", evt.Type, "attempt", attempt)
		select {
		case <-ctx.Done():
			b.logger.Warn("event handler retries abandoned",
				"handler", sub.name, "event_type", evt.Type)
			return
		case <-time.After(sub.retryDelay):
		}
	}

	b.logger.WithError(err).Error("event handler exhausted retries",
		"handler", sub.name, "event_type", evt.Type, "event_id", evt.ID)
	if b.instr != nil {
		b.instr.HandlerFailed(string(evt.Type), sub.name)
	}
}

// record appends evt to the in-memory ring kept for debugging.
func (b *Bus) record(evt Event) {
	if b.instr != nil {
		b.instr.EventPublished(string(evt.Type))
	}
	b.histMu.Lock()
	defer b.histMu.Unlock()
	if len(b.history) == b.histCap {
		copy(b.history, b.history[1:])
		b.history[len(b.history)-1] = evt
		return
	}
	b.history = append(b.history, evt)
}

// History returns up to limit most recent events, newest last.
// limit <= 0 returns the whole ring.
func (b *Bus) History(limit int) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	n := len(b.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, limit)
	copy(out, b.history[n-limit:])
	return out
}
