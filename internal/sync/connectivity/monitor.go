// Package connectivity tracks whether the remote store is reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/bizsync/internal/logging"
	"github.com/kimhsiao/bizsync/internal/metrics"
)

// DefaultProbeInterval is how often the remote liveness endpoint is probed.
const DefaultProbeInterval = 5 * time.Second

// Pinger probes remote liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Listener is notified with the new state on every online/offline change.
type Listener func(online bool)

// Monitor probes the remote store periodically and notifies listeners of changes.
type Monitor struct {
	pinger   Pinger
	interval time.Duration

	mu        sync.RWMutex
	online    bool
	lastProbe time.Time
	lastErr   error
	listeners map[uint64]Listener
	nextID    uint64
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a Monitor. The remote is assumed reachable until a probe fails.
func New(pinger Pinger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	metrics.SetOnline(true)
	return &Monitor{
		pinger:    pinger,
		interval:  interval,
		online:    true,
		listeners: make(map[uint64]Listener),
	}
}

// Start begins periodic probing. The first probe runs immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go m.probeLoop(ctx, stopCh)

	logging.Info("Connectivity monitor started", map[string]interface{}{"interval": m.interval.String()})
}

// Stop halts probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	logging.Info("Connectivity monitor stopped", nil)
}

func (m *Monitor) probeLoop(ctx context.Context, stopCh chan struct{}) {
	defer m.wg.Done()

	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check probes once and returns the resulting state.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.pinger.Ping(ctx)

	m.mu.Lock()
	m.lastProbe = time.Now()
	m.lastErr = err
	m.mu.Unlock()

	m.SetOnline(err == nil)
	return err == nil
}

// SetOnline records the state and notifies listeners when it changed.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	lastErr := m.lastErr
	m.mu.Unlock()

	metrics.SetOnline(online)
	ctx := map[string]interface{}{"online": online}
	if !online && lastErr != nil {
		ctx["error"] = lastErr.Error()
	}
	logging.Info("Remote connectivity changed", ctx)

	for _, l := range listeners {
		l(online)
	}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// LastProbe returns the time of the last probe, zero if none ran yet.
func (m *Monitor) LastProbe() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastProbe
}

// Subscribe registers l for state changes. The returned function removes it.
func (m *Monitor) Subscribe(l Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}
