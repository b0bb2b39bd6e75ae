// Package events provides the in-process publish/subscribe hub decoupling
// the orchestration components. The bus is an explicit instance passed to
// every component that needs it; there is deliberately no package-level
// singleton.
package events

import (
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// DefaultHistoryCapacity bounds the introspection ring buffer.
const DefaultHistoryCapacity = 1000

// Subscription is the handle returned by Subscribe, usable for
// Unsubscribe.
type Subscription struct {
	id       int
	pattern  string
	priority int
	seq      int // Insertion order, stable tie-break within a priority
	handler  Handler
	filter   FilterFunc
}

// Bus dispatches events to pattern-matched subscribers in descending
// priority order. Handler errors and panics are isolated: they are logged
// and never prevent dispatch to the remaining handlers or propagate to the
// emitter.
type Bus struct {
	log *zap.Logger

	mu      sync.RWMutex
	subs    []*Subscription // Kept sorted: priority desc, then seq asc
	nextID  int
	history []Event // Ring buffer
	start   int     // Index of oldest entry
	count   int
	cap     int
	total   int
	perType map[string]int
}

// NewBus creates a bus with the given history capacity (default 1000 when
// capacity <= 0).
func NewBus(capacity int, log *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &Bus{
		log:     log,
		history: make([]Event, capacity),
		cap:     capacity,
		perType: make(map[string]int),
	}
}

// Subscribe registers a handler for event types matching the glob pattern
// ("story.*", "*"). Handlers for a matching type run in descending
// priority order, insertion order breaking ties. The optional filter gates
// delivery per-event. The registry is re-sorted here, on registration, not
// on every dispatch.
func (b *Bus) Subscribe(pattern string, handler Handler, priority int, filter FilterFunc) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		pattern:  pattern,
		priority: priority,
		seq:      b.nextID,
		handler:  handler,
		filter:   filter,
	}
	b.subs = append(b.subs, sub)

	sort.SliceStable(b.subs, func(i, j int) bool {
		if b.subs[i].priority != b.subs[j].priority {
			return b.subs[i].priority > b.subs[j].priority
		}
		return b.subs[i].seq < b.subs[j].seq
	})

	return sub
}

// Unsubscribe removes the subscription. Safe to call with an already
// removed handle.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == sub.id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit builds an event envelope, records it in the ring buffer and
// counters, then dispatches to every currently matching handler in
// priority order. With wait=true the call blocks until all dispatched
// handlers finish; with wait=false dispatch is fire-and-forget and only
// the initial priority-ordered launch sequence is guaranteed.
func (b *Bus) Emit(eventType string, data map[string]any, taskID, runID string, wait bool) {
	event := Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
		TaskID:    taskID,
		RunID:     runID,
	}

	b.mu.Lock()
	b.record(event)
	// Snapshot matching handlers under the lock; dispatch outside it so
	// handlers may themselves emit or subscribe.
	matched := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if b.matches(sub, event) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	if wait {
		for _, sub := range matched {
			b.invoke(sub, event)
		}
		return
	}

	for _, sub := range matched {
		go b.invoke(sub, event)
	}
}

func (b *Bus) matches(sub *Subscription, event Event) bool {
	ok, err := doublestar.Match(sub.pattern, event.Type)
	if err != nil || !ok {
		return false
	}
	if sub.filter != nil && !sub.filter(event) {
		return false
	}
	return true
}

// invoke runs one handler with panic isolation.
func (b *Bus) invoke(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				zap.String("type", event.Type),
				zap.String("pattern", sub.pattern),
				zap.Any("panic", r))
		}
	}()
	sub.handler(event)
}

// record appends to the ring buffer and bumps counters. Callers hold b.mu.
func (b *Bus) record(event Event) {
	if b.count < b.cap {
		b.history[(b.start+b.count)%b.cap] = event
		b.count++
	} else {
		// Full: overwrite the oldest entry.
		b.history[b.start] = event
		b.start = (b.start + 1) % b.cap
	}
	b.total++
	b.perType[event.Type]++
}

// History returns retained events in emission order, optionally filtered
// by exact type, limited to the most recent `limit` entries (0 = all).
func (b *Bus) History(eventType string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for i := 0; i < b.count; i++ {
		event := b.history[(b.start+i)%b.cap]
		if eventType != "" && event.Type != eventType {
			continue
		}
		out = append(out, event)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// GetStats returns the emission counters.
func (b *Bus) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	perType := make(map[string]int, len(b.perType))
	for k, v := range b.perType {
		perType[k] = v
	}
	return Stats{TotalEmitted: b.total, PerType: perType}
}
