package publisher

import (
	"sync"

	"github.com/lgulliver/storepush/pkg/types"
)

// Observer receives progress snapshots. It runs on the publishing goroutine
// and must not block or publish. It may subscribe or unsubscribe.
type Observer func(types.ProgressSnapshot)

// ProgressPublisher holds the latest snapshot and broadcasts every update to
// its subscribers in registration order.
type ProgressPublisher struct {
	mu        sync.Mutex
	current   types.ProgressSnapshot
	version   uint64
	nextID    uint64
	observers []*subscriber
}

// subscriber never sees a version older than the last one it was handed
type subscriber struct {
	id       uint64
	observer Observer

	mu   sync.Mutex
	seen uint64
}

// Subscription is the handle returned by Subscribe
type Subscription struct {
	id   uint64
	from *ProgressPublisher
	once sync.Once
}

// NewProgressPublisher creates an empty progress publisher
func NewProgressPublisher() *ProgressPublisher {
	return &ProgressPublisher{}
}

// Publish replaces the current snapshot and notifies every observer
func (p *ProgressPublisher) Publish(snapshot types.ProgressSnapshot) {
	p.mu.Lock()
	p.current = snapshot
	p.version++
	version := p.version
	observers := make([]*subscriber, len(p.observers))
	copy(observers, p.observers)
	p.mu.Unlock()

	for _, s := range observers {
		p.notify(s, snapshot, version)
	}
}

// Subscribe registers an observer. The current snapshot, if any, is delivered
// before Subscribe returns.
func (p *ProgressPublisher) Subscribe(observer Observer) *Subscription {
	p.mu.Lock()
	p.nextID++
	s := &subscriber{id: p.nextID, observer: observer}
	p.observers = append(p.observers, s)
	current, version := p.current, p.version
	p.mu.Unlock()

	if version > 0 {
		p.notify(s, current, version)
	}
	return &Subscription{id: s.id, from: p}
}

func (p *ProgressPublisher) notify(s *subscriber, snapshot types.ProgressSnapshot, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version <= s.seen || !p.subscribed(s.id) {
		return
	}
	s.seen = version
	s.observer(snapshot)
}

// Current returns the latest snapshot and whether one was published yet
func (p *ProgressPublisher) Current() (types.ProgressSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.version > 0
}

// Subscribers returns the number of registered observers
func (p *ProgressPublisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.observers)
}

func (p *ProgressPublisher) subscribed(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.observers {
		if s.id == id {
			return true
		}
	}
	return false
}

func (p *ProgressPublisher) unsubscribe(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.observers {
		if s.id == id {
			p.observers = append(p.observers[:i:i], p.observers[i+1:]...)
			return
		}
	}
}

// Unsubscribe stops further deliveries. It is safe to call more than once,
// including from inside the observer.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.from == nil {
		return
	}
	s.once.Do(func() { s.from.unsubscribe(s.id) })
}
