// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/bizsync/internal/sync/connectivity"
	"github.com/kimhsiao/bizsync/internal/sync/processor"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeRunner counts runs and optionally blocks each one until released.
type fakeRunner struct {
	runs    atomic.Int32
	block   chan struct{}
	entered chan struct{}
	err     error
}

func newBlockingRunner() *fakeRunner {
	return &fakeRunner{block: make(chan struct{}), entered: make(chan struct{}, 16)}
}

func (f *fakeRunner) RunOnce(context.Context) (processor.RunResult, error) {
	f.runs.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	return processor.RunResult{Attempted: 1, Succeeded: 1}, f.err
}

// fakeSource is an OnlineSource whose listener the test drives directly.
type fakeSource struct {
	mu           sync.Mutex
	online       bool
	listener     connectivity.Listener
	unsubscribed bool
}

func (f *fakeSource) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeSource) Subscribe(l connectivity.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
	return func() {
		f.mu.Lock()
		f.unsubscribed = true
		f.mu.Unlock()
	}
}

func (f *fakeSource) emit(online bool) {
	f.mu.Lock()
	f.online = online
	l := f.listener
	f.mu.Unlock()
	l(online)
}

func waitEntered(t *testing.T, r *fakeRunner) {
	t.Helper()
	select {
	case <-r.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("run never started")
	}
}

// =====================================================
// Configuration Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()
	if config.SyncInterval != 15*time.Second {
		t.Errorf("SyncInterval = %v, want 15s", config.SyncInterval)
	}

	s := NewScheduler(&fakeRunner{}, nil, &SchedulerConfig{})
	if s.syncInterval != 15*time.Second {
		t.Errorf("zero interval should fall back to default, got %v", s.syncInterval)
	}
	if s.State() != StateIdle {
		t.Errorf("State() = %s, want idle", s.State())
	}
}

// =====================================================
// Trigger Tests
// =====================================================

func TestTicker_TriggersRuns(t *testing.T) {
	r := &fakeRunner{}
	s := NewScheduler(r, nil, &SchedulerConfig{SyncInterval: 10 * time.Millisecond})

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return r.runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.IsRunning())
}

func TestTicker_SkippedWhileOffline(t *testing.T) {
	r := &fakeRunner{}
	s := NewScheduler(r, nil, &SchedulerConfig{SyncInterval: 5 * time.Millisecond})
	s.SetOnlineStatus(false)

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, r.runs.Load(), "ticks are skipped while offline")

	// Coming back online triggers a run immediately.
	s.SetOnlineStatus(true)
	require.Eventually(t, func() bool { return r.runs.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestTriggerSync_CoalescesWhileRunning(t *testing.T) {
	r := newBlockingRunner()
	s := NewScheduler(r, nil, &SchedulerConfig{SyncInterval: time.Hour})

	assert.True(t, s.TriggerSync(context.Background()))
	waitEntered(t, r)
	assert.Equal(t, StateRunning, s.State())

	assert.False(t, s.TriggerSync(context.Background()))
	result, err := s.SyncNow(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	close(r.block)
	require.Eventually(t, func() bool { return s.State() == StateIdle }, 2*time.Second, time.Millisecond)
	assert.EqualValues(t, 1, r.runs.Load())
}

func TestSyncNow_RecordsStatus(t *testing.T) {
	r := &fakeRunner{err: errors.New("database is locked")}
	s := NewScheduler(r, nil, nil)

	_, err := s.SyncNow(context.Background())
	require.Error(t, err)

	status := s.GetStatus()
	assert.Equal(t, StateIdle, status.State)
	require.NotNil(t, status.LastRunTime)
	require.NotNil(t, status.LastResult)
	assert.Equal(t, 1, status.LastResult.Succeeded)
	assert.Equal(t, "database is locked", status.LastError)
}

// =====================================================
// Connectivity Tests
// =====================================================

func TestConnectivity_RestoredTriggersRun(t *testing.T) {
	r := &fakeRunner{}
	src := &fakeSource{online: false}
	s := NewScheduler(r, src, &SchedulerConfig{SyncInterval: time.Hour})

	s.Start(context.Background())
	assert.False(t, s.IsOnline())

	src.emit(true)
	require.Eventually(t, func() bool { return r.runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Going offline does not trigger anything.
	src.emit(false)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, r.runs.Load())

	s.Stop()
	src.mu.Lock()
	assert.True(t, src.unsubscribed)
	src.mu.Unlock()
}

// =====================================================
// Lifecycle Tests
// =====================================================

func TestStop_WaitsForInFlightRun(t *testing.T) {
	r := newBlockingRunner()
	s := NewScheduler(r, nil, &SchedulerConfig{SyncInterval: time.Hour})
	s.Start(context.Background())

	require.True(t, s.TriggerSync(context.Background()))
	waitEntered(t, r)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(r.block)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the run finished")
	}
	assert.False(t, s.IsRunning())
	assert.Equal(t, StateIdle, s.State())
}

func TestStartStop_Idempotent(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, nil, &SchedulerConfig{SyncInterval: time.Hour})
	s.Stop()
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())

	// Manual triggers still work after Stop.
	assert.True(t, s.TriggerSync(context.Background()))
}
