package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/cyberrange/pkg/log"
	"github.com/cuemby/cyberrange/pkg/metrics"
	"github.com/cuemby/cyberrange/pkg/storage"
	"github.com/cuemby/cyberrange/pkg/types"
)

// DefaultBuffer is the per-subscriber channel capacity
const DefaultBuffer = 64

// Relay receives every live event after local fan-out. Relay must not block.
type Relay interface {
	Relay(entry *types.EventLogEntry)
}

// Subscription is one observer of a range's live event stream
type Subscription struct {
	RangeID string

	ch      chan *types.EventLogEntry
	dropped atomic.Uint64
	closed  bool
}

// C returns the channel events are delivered on. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan *types.EventLogEntry {
	return s.ch
}

// Dropped returns how many events were discarded because the subscriber lagged
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Broadcaster persists state transitions to the event log and fans them out
// to live subscribers of each range
type Broadcaster struct {
	log    storage.EventLog
	buffer int
	logger zerolog.Logger

	// publishMu keeps live delivery in commit order
	publishMu sync.Mutex

	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	relays []Relay
}

// NewBroadcaster creates a broadcaster writing to el. buffer <= 0 uses DefaultBuffer.
func NewBroadcaster(el storage.EventLog, buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		log:    el,
		buffer: buffer,
		logger: log.WithComponent("events"),
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// AddRelay registers a relay for live events
func (b *Broadcaster) AddRelay(r Relay) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relays = append(b.relays, r)
}

// Publish appends entry to the durable log and delivers it to live
// subscribers. Live delivery happens even when the append fails. The log may
// move the timestamp forward so that it is strictly increasing per range.
func (b *Broadcaster) Publish(entry *types.EventLogEntry) error {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	err := b.log.AppendEvent(entry)
	if err != nil {
		b.logger.Error().Err(err).
			Str("range_id", entry.RangeID).
			Str("type", string(entry.Type)).
			Msg("Failed to persist event")
	}
	metrics.EventsPublished.WithLabelValues(string(entry.Type)).Inc()
	b.fanout(entry)
	return err
}

// Notify delivers entry to live subscribers only. Used for high-frequency
// updates such as progress ticks that the durable log does not need.
func (b *Broadcaster) Notify(entry *types.EventLogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	b.fanout(entry)
}

func (b *Broadcaster) fanout(entry *types.EventLogEntry) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[entry.RangeID] {
		select {
		case sub.ch <- entry:
		default:
			sub.dropped.Add(1)
			metrics.EventsDropped.Inc()
		}
	}
	for _, r := range b.relays {
		r.Relay(entry)
	}
}

// Subscribe opens a live stream for a range. Observers that reconnect should
// subscribe first, then replay History since their last seen timestamp and
// skip IDs they have already handled.
func (b *Broadcaster) Subscribe(rangeID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{RangeID: rangeID, ch: make(chan *types.EventLogEntry, b.buffer)}
	set, ok := b.subs[rangeID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[rangeID] = set
	}
	set[sub] = struct{}{}
	metrics.Subscribers.Inc()
	return sub
}

// Unsubscribe removes a subscription and closes its channel. It is safe to
// call more than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Broadcaster) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	if set, ok := b.subs[sub.RangeID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.RangeID)
		}
	}
	close(sub.ch)
	metrics.Subscribers.Dec()
}

// History returns durable log entries for a range
func (b *Broadcaster) History(rangeID string, filter types.EventFilter) ([]*types.EventLogEntry, error) {
	return b.log.ListEvents(rangeID, filter)
}

// SubscriberCount returns the number of live subscribers of a range
func (b *Broadcaster) SubscriberCount(rangeID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[rangeID])
}

// CloseRange ends every subscription of a deleted range
func (b *Broadcaster) CloseRange(rangeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[rangeID] {
		b.removeLocked(sub)
	}
}

// Close ends all subscriptions
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.subs {
		for sub := range set {
			b.removeLocked(sub)
		}
	}
}
