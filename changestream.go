package oxidb

import (
	"errors"
	"sync"
	"sync/atomic"
)

// OperationType identifies the mutation behind a change event.
type OperationType string

const (
	OpTypeInsert OperationType = "insert"
	OpTypeUpdate OperationType = "update"
	OpTypeDelete OperationType = "delete"
)

// ChangeEvent is emitted when a document is mutated. Token is a monotonic
// sequence number usable for resume; Document is set for inserts only.
type ChangeEvent struct {
	Token      uint64        `json:"token"`
	Operation  OperationType `json:"operation"`
	Collection string        `json:"collection"`
	DocID      uint64        `json:"doc_id"`
	Document   Document      `json:"document,omitempty"`
	TxID       uint64        `json:"tx_id,omitempty"`
}

// WatchFilter controls which events a subscriber receives.
type WatchFilter struct {
	collection string // empty = all collections
}

// FilterAll receives events from every collection.
func FilterAll() WatchFilter { return WatchFilter{} }

// FilterCollection receives events only from the named collection.
func FilterCollection(name string) WatchFilter { return WatchFilter{collection: name} }

func (f WatchFilter) matches(collection string) bool {
	return f.collection == "" || f.collection == collection
}

// ErrResumeTokenTooOld is returned when a resume token has been evicted from
// the replay buffer.
var ErrResumeTokenTooOld = errors.New("resume token too old")

// replayBufferCapacity bounds the broker's resume buffer.
const replayBufferCapacity = 4096

// WatchHandle is returned from Subscribe. Events arrive on Events; Close
// unsubscribes.
type WatchHandle struct {
	ID      uint64
	Events  <-chan ChangeEvent
	dropped *atomic.Uint64
	broker  *ChangeStreamBroker
}

// TakeDropped returns and resets the count of events dropped because this
// subscriber's buffer was full.
func (h *WatchHandle) TakeDropped() uint64 {
	return h.dropped.Swap(0)
}

// Close removes the subscription and closes the event channel.
func (h *WatchHandle) Close() {
	h.broker.unsubscribe(h.ID)
}

type subscriber struct {
	id      uint64
	filter  WatchFilter
	events  chan ChangeEvent
	dropped *atomic.Uint64
}

// ChangeStreamBroker fans mutation events out to subscribers. Emission is
// zero-cost with no subscribers (one atomic load), and a slow subscriber
// never stalls the mutation path: sends are non-blocking and overflow just
// bumps the subscriber's dropped counter.
type ChangeStreamBroker struct {
	mu              sync.RWMutex
	subscribers     []*subscriber
	nextID          atomic.Uint64
	subscriberCount atomic.Int64
	nextToken       atomic.Uint64

	logMu    sync.RWMutex
	eventLog []ChangeEvent // bounded replay buffer, oldest first
}

// NewChangeStreamBroker creates an empty broker.
func NewChangeStreamBroker() *ChangeStreamBroker {
	return &ChangeStreamBroker{}
}

// HasSubscribers is the cheap guard mutation paths check before building an
// event.
func (b *ChangeStreamBroker) HasSubscribers() bool {
	return b.subscriberCount.Load() > 0
}

// Subscribe registers a subscriber with a buffered channel of the given
// size. resumeAfter > 0 replays buffered events with token > resumeAfter
// that match the filter before live events flow; if that token has already
// been evicted from the buffer, ErrResumeTokenTooOld is returned.
func (b *ChangeStreamBroker) Subscribe(filter WatchFilter, buffer int, resumeAfter uint64) (*WatchHandle, error) {
	if buffer <= 0 {
		buffer = 16
	}
	id := b.nextID.Add(1)
	events := make(chan ChangeEvent, buffer)
	dropped := &atomic.Uint64{}

	if resumeAfter > 0 {
		b.logMu.RLock()
		if len(b.eventLog) > 0 && resumeAfter < b.eventLog[0].Token-1 {
			b.logMu.RUnlock()
			return nil, ErrResumeTokenTooOld
		}
		for _, event := range b.eventLog {
			if event.Token > resumeAfter && filter.matches(event.Collection) {
				select {
				case events <- event:
				default:
					dropped.Add(1)
				}
			}
		}
		b.logMu.RUnlock()
	}

	sub := &subscriber{id: id, filter: filter, events: events, dropped: dropped}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
	b.subscriberCount.Add(1)

	return &WatchHandle{ID: id, Events: events, dropped: dropped, broker: b}, nil
}

func (b *ChangeStreamBroker) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub.id == id {
			close(sub.events)
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			b.subscriberCount.Add(-1)
			return
		}
	}
}

// emit assigns a monotonic token, stores the event in the replay buffer, and
// fans out with non-blocking sends.
func (b *ChangeStreamBroker) emit(event ChangeEvent) {
	event.Token = b.nextToken.Add(1)

	b.logMu.Lock()
	if len(b.eventLog) >= replayBufferCapacity {
		b.eventLog = b.eventLog[1:]
	}
	b.eventLog = append(b.eventLog, event)
	b.logMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if !sub.filter.matches(event.Collection) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}
