package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Session and delivery event types published on the bus.
const (
	SessionInitializing = "session.initializing"
	SessionQR           = "session.qr"
	SessionConnected    = "session.connected"
	SessionDisconnected = "session.disconnected"
	SessionLoggedOut    = "session.logged_out"
	SessionConflict     = "session.conflict"
	SessionDeathLoop    = "session.death_loop"
	SessionQRExpired    = "session.qr_expired"
	SessionGaveUp       = "session.gave_up"
	SessionEvicted      = "session.evicted"

	DeliverySent   = "delivery.sent"
	DeliveryFailed = "delivery.failed"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// SessionEvent is the payload of session.* events.
type SessionEvent struct {
	AccountID string `json:"account_id"`
	Status    string `json:"status,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Code      int    `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// DeliveryEvent is the payload of delivery.* events.
type DeliveryEvent struct {
	AccountID  string `json:"account_id"`
	MessageID  string `json:"message_id"`
	CampaignID string `json:"campaign_id,omitempty"`
	Attempt    int    `json:"attempt"`
	Error      string `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Deliver under the read lock; unsubscribe takes the write lock before
	// closing, so a send never races a close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Nop returns a bus that drops everything. Useful as a default dependency.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
