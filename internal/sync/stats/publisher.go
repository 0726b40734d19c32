// Package stats fans queue statistics out to subscribers.
package stats

import (
	"sync"

	"github.com/kimhsiao/bizsync/internal/models"
)

// Callback receives a stats snapshot.
type Callback func(models.QueueStats)

// Publisher keeps the latest queue stats and delivers every update to each
// subscriber in publish order.
type Publisher struct {
	mu     sync.Mutex // guards latest, subs and nextID
	latest models.QueueStats
	subs   map[uint64]Callback
	order  []uint64
	nextID uint64

	deliver sync.Mutex // serializes deliveries so updates arrive in order
}

// NewPublisher creates an empty Publisher.
func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[uint64]Callback)}
}

// Subscribe registers cb and immediately delivers the latest snapshot to it.
// The returned function unsubscribes; calling it more than once is harmless.
func (p *Publisher) Subscribe(cb Callback) (unsubscribe func()) {
	p.deliver.Lock()
	defer p.deliver.Unlock()

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = cb
	p.order = append(p.order, id)
	latest := p.latest
	p.mu.Unlock()

	cb(latest)

	var once sync.Once
	return func() {
		once.Do(func() { p.remove(id) })
	}
}

func (p *Publisher) remove(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.subs, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Publish records s as the latest snapshot and delivers it to every subscriber.
func (p *Publisher) Publish(s models.QueueStats) {
	p.deliver.Lock()
	defer p.deliver.Unlock()

	p.mu.Lock()
	p.latest = s
	targets := make([]Callback, 0, len(p.order))
	for _, id := range p.order {
		targets = append(targets, p.subs[id])
	}
	p.mu.Unlock()

	for _, cb := range targets {
		cb(s)
	}
}

// GetStats returns the latest snapshot.
func (p *Publisher) GetStats() models.QueueStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// Subscribers returns the number of active subscriptions.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}
