package events

import (
	"sync"
	"time"

	"missionctl/internal/utils"
)

// Sink receives every published event after sequence assignment. The mission
// event log implements this to persist the authoritative per-mission stream.
type Sink interface {
	Append(event Event) error
}

// Bus is the in-memory per-mission publish/subscribe channel. Every published
// event gets a per-mission monotonic sequence number, is appended to a bounded
// replay ring, forwarded to the persistence sink, and fanned out to
// subscribers. Readers never block writers: fan-out uses buffered channels
// with non-blocking sends.
type Bus struct {
	mu         sync.RWMutex
	clients    map[string][]chan Event // mission id -> subscriber channels
	firehose   []chan Event            // subscribers to every mission
	replay     map[string][]Event      // mission id -> bounded ring
	sequences  map[string]uint64       // mission id -> last issued sequence
	maxReplay  int
	sink       Sink
	logger     *utils.Logger
	dropped    uint64
	published  uint64
	clientHigh int
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithSink attaches a persistence sink invoked synchronously on publish.
func WithSink(sink Sink) BusOption {
	return func(b *Bus) { b.sink = sink }
}

// WithReplaySize bounds the per-mission replay ring.
func WithReplaySize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.maxReplay = n
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger *utils.Logger) BusOption {
	return func(b *Bus) { b.logger = logger }
}

// NewBus creates an event bus with a default replay ring of 1000 events per mission.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		clients:   make(map[string][]chan Event),
		replay:    make(map[string][]Event),
		sequences: make(map[string]uint64),
		maxReplay: 1000,
		logger:    utils.NewComponentLogger("EventBus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish stamps the event with the next per-mission sequence number and
// current time, persists it, and delivers it to subscribers. The returned
// event carries the assigned sequence.
//
// Sink append and fan-out both happen under the bus lock: the persisted log
// must receive sequences in issue order, and sends must never race a
// concurrent Unsubscribe closing the channel. Fan-out stays non-blocking, so
// the lock is held for the sink write plus O(subscribers) channel operations.
func (b *Bus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sequences[event.MissionID]++
	event.Sequence = b.sequences[event.MissionID]
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ring := append(b.replay[event.MissionID], event)
	if len(ring) > b.maxReplay {
		ring = ring[len(ring)-b.maxReplay:]
	}
	b.replay[event.MissionID] = ring
	b.published++

	if b.sink != nil {
		if err := b.sink.Append(event); err != nil {
			b.logger.Error("Failed to persist event %s/%d: %v", event.MissionID, event.Sequence, err)
		}
	}

	for _, ch := range b.clients[event.MissionID] {
		b.deliverLocked(ch, event)
	}
	for _, ch := range b.firehose {
		b.deliverLocked(ch, event)
	}
	return event
}

// deliverLocked sends without blocking. Critical events evict the oldest
// buffered entry and retry once so terminal events are never silently lost.
// Caller holds b.mu.
func (b *Bus) deliverLocked(ch chan Event, event Event) {
	select {
	case ch <- event:
		return
	default:
	}

	if !event.EventType.IsCritical() {
		b.dropped++
		return
	}

	// Make room, then retry once.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- event:
	default:
		b.dropped++
		b.logger.Warn("Dropped critical event %s for mission %s", event.EventType, event.MissionID)
	}
}

// Subscribe registers a channel for one mission's events. When afterSequence
// is lower than the newest buffered sequence, buffered events after it are
// replayed into the channel before it goes live. The channel is sized to hold
// the entire replayed history plus buffer live slots, so a late subscriber
// never loses the middle of the buffered stream. Returns the channel.
func (b *Bus) Subscribe(missionID string, buffer int, afterSequence uint64) chan Event {
	if buffer < 1 {
		buffer = 100
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var pending []Event
	for _, event := range b.replay[missionID] {
		if event.Sequence > afterSequence {
			pending = append(pending, event)
		}
	}
	ch := make(chan Event, len(pending)+buffer)
	for _, event := range pending {
		ch <- event
	}
	b.clients[missionID] = append(b.clients[missionID], ch)
	if n := b.totalClientsLocked(); n > b.clientHigh {
		b.clientHigh = n
	}

	b.logger.Debug("Subscriber added for mission %s (replayed %d events)", missionID, len(pending))
	return ch
}

// SubscribeAll registers a channel receiving events from every mission.
// No replay is performed; callers wanting history use the persisted log.
func (b *Bus) SubscribeAll(buffer int) chan Event {
	if buffer < 1 {
		buffer = 256
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.firehose = append(b.firehose, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel registered with Subscribe or SubscribeAll
// and closes it. The close happens under the bus lock, after removal: all
// sends also hold the lock, so no publisher can write to a closed channel.
// Unsubscribing an unknown channel is a no-op.
func (b *Bus) Unsubscribe(missionID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var removed bool
	if missionID == "" {
		b.firehose, removed = removeChannel(b.firehose, ch)
	} else {
		b.clients[missionID], removed = removeChannel(b.clients[missionID], ch)
		if len(b.clients[missionID]) == 0 {
			delete(b.clients, missionID)
		}
	}
	if removed {
		close(ch)
	}
}

// History returns a copy of the buffered events for a mission with sequence
// greater than afterSequence.
func (b *Bus) History(missionID string, afterSequence uint64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, event := range b.replay[missionID] {
		if event.Sequence > afterSequence {
			out = append(out, event)
		}
	}
	return out
}

// LastSequence returns the most recently issued sequence for a mission.
func (b *Bus) LastSequence(missionID string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sequences[missionID]
}

// SeedSequence initializes a mission's sequence counter from the persisted
// log so restarts keep the no-gaps guarantee. No-op when the counter is
// already at or past the given value.
func (b *Bus) SeedSequence(missionID string, last uint64) {
	b.mu.Lock()
	if b.sequences[missionID] < last {
		b.sequences[missionID] = last
	}
	b.mu.Unlock()
}

// Forget drops the replay ring and sequence counter for a deleted mission.
func (b *Bus) Forget(missionID string) {
	b.mu.Lock()
	delete(b.replay, missionID)
	delete(b.sequences, missionID)
	b.mu.Unlock()
}

// Stats reports publish/drop counters and the subscriber high-water mark.
func (b *Bus) Stats() (published, dropped uint64, subscribers int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.published, b.dropped, b.totalClientsLocked()
}

func (b *Bus) totalClientsLocked() int {
	n := len(b.firehose)
	for _, chans := range b.clients {
		n += len(chans)
	}
	return n
}

func removeChannel(chans []chan Event, target chan Event) ([]chan Event, bool) {
	for i, ch := range chans {
		if ch == target {
			return append(chans[:i], chans[i+1:]...), true
		}
	}
	return chans, false
}
