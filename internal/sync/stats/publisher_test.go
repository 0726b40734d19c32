package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kimhsiao/bizsync/internal/models"
)

type recorder struct {
	mu   sync.Mutex
	seen []models.QueueStats
}

func (r *recorder) cb(s models.QueueStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, s)
}

func (r *recorder) all() []models.QueueStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.QueueStats(nil), r.seen...)
}

func TestSubscribe_DeliversLatestImmediately(t *testing.T) {
	p := NewPublisher()
	p.Publish(models.QueueStats{Pending: 2})

	var r recorder
	p.Subscribe(r.cb)

	assert.Equal(t, []models.QueueStats{{Pending: 2}}, r.all())
}

func TestPublish_EverySubscriberGetsEveryUpdate(t *testing.T) {
	p := NewPublisher()
	var a, b recorder
	p.Subscribe(a.cb)
	p.Subscribe(b.cb)

	p.Publish(models.QueueStats{Pending: 1})
	p.Publish(models.QueueStats{Processing: 1})
	p.Publish(models.QueueStats{})

	want := []models.QueueStats{{}, {Pending: 1}, {Processing: 1}, {}}
	assert.Equal(t, want, a.all())
	assert.Equal(t, want, b.all())
	assert.Equal(t, models.QueueStats{}, p.GetStats())
}

func TestUnsubscribe_IsIsolatedAndIdempotent(t *testing.T) {
	p := NewPublisher()
	var a, b recorder
	unsubA := p.Subscribe(a.cb)
	p.Subscribe(b.cb)

	unsubA()
	unsubA()
	assert.Equal(t, 1, p.Subscribers())

	p.Publish(models.QueueStats{Failed: 1})

	assert.Len(t, a.all(), 1, "only the initial snapshot")
	assert.Equal(t, []models.QueueStats{{}, {Failed: 1}}, b.all())
}

func TestPublish_ConcurrentOrdering(t *testing.T) {
	p := NewPublisher()
	var r recorder
	p.Subscribe(r.cb)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.Publish(models.QueueStats{Pending: n})
		}(i)
	}
	wg.Wait()

	seen := r.all()
	assert.Len(t, seen, 51)
	assert.Equal(t, p.GetStats(), seen[len(seen)-1], "last delivered equals latest")
}
