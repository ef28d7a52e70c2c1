package api

import (
	"encoding/json"
	"sync"

	"github.com/banshee-data/locus/internal/event"
	"github.com/banshee-data/locus/internal/monitoring"
	"github.com/banshee-data/locus/internal/pipeline"
)

// Message is one encoded record queued for event stream clients.
type Message struct {
	Kind event.Kind
	Data []byte
}

// Broadcaster is the pipeline sink behind GET /events. Every emitted record
// is encoded once and offered to each subscriber; a subscriber that falls
// more than its buffer behind misses records.
type Broadcaster struct {
	buffer int

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Message
}

var _ pipeline.Sink = (*Broadcaster)(nil)

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 32
	}
	return &Broadcaster{buffer: buffer, subs: make(map[int]chan Message)}
}

func (b *Broadcaster) Subscribe() (int, <-chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan Message, b.buffer)
	b.subs[b.nextID] = ch
	return b.nextID, ch
}

func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Subscribers reports the number of connected clients.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) Emit(rec event.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) == 0 {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		monitoring.Warnf("broadcast: encoding %s record %s: %v", rec.Kind, rec.ID, err)
		return
	}
	msg := Message{Kind: rec.Kind, Data: data}
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
