package stream

import (
	"sync"
	"time"

	"github.com/seantiz/compose/internal/model"
)

// subscriberBufferSize is the channel buffer for each update subscriber.
// Updates are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// DefaultClosedRetention is how long a finished job's topic is remembered.
const DefaultClosedRetention = time.Minute

// Broker fans out live updates of running jobs to observers.
// It is safe for concurrent use.
//
// A closed topic stays behind as a marker so a subscriber that raced the
// job's completion gets a closed channel rather than waiting forever. Markers
// are dropped after the retention window; a subscriber arriving later than
// that gets an open channel and must rely on the job's stored status.
type Broker struct {
	mu        sync.Mutex
	topics    map[string]*topic
	retention time.Duration
	now       func() time.Time

	// closedOrder holds closed topics oldest first.
	closedOrder []closedMarker
}

type topic struct {
	subs   map[int]chan model.StreamUpdate
	nextID int
	closed bool
}

type closedMarker struct {
	jobID string
	at    time.Time
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithClosedRetention sets how long closed topics are remembered.
func WithClosedRetention(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d > 0 {
			b.retention = d
		}
	}
}

// NewBroker creates a new update broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:    make(map[string]*topic),
		retention: DefaultClosedRetention,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe returns a channel that receives updates for the given job and an
// unsubscribe function. If the job has recently finished (Close was called),
// the returned channel is immediately closed.
func (b *Broker) Subscribe(jobID string) (<-chan model.StreamUpdate, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()

	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan model.StreamUpdate)}
		b.topics[jobID] = t
	}

	ch := make(chan model.StreamUpdate, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		if !t.closed && len(t.subs) == 0 && b.topics[jobID] == t {
			delete(b.topics, jobID)
		}
	}
}

// Publish sends an update to all subscribers of its job. Updates are
// dropped for subscribers whose buffers are full.
func (b *Broker) Publish(u model.StreamUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[u.JobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// Close signals that no more updates will be published for the given job.
// Closing an already closed topic is a no-op.
func (b *Broker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()

	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan model.StreamUpdate)}
		b.topics[jobID] = t
	}
	if t.closed {
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	b.closedOrder = append(b.closedOrder, closedMarker{jobID: jobID, at: b.now()})
}

// Topics returns the number of topics the broker is tracking, open or closed.
func (b *Broker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	return len(b.topics)
}

func (b *Broker) pruneLocked() {
	cutoff := b.now().Add(-b.retention)
	var n int
	for n < len(b.closedOrder) && b.closedOrder[n].at.Before(cutoff) {
		delete(b.topics, b.closedOrder[n].jobID)
		n++
	}
	if n > 0 {
		b.closedOrder = append(b.closedOrder[:0], b.closedOrder[n:]...)
	}
}
