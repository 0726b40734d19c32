// Package scheduler decides when the queue processor runs.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/kimhsiao/bizsync/internal/errors"
	"github.com/kimhsiao/bizsync/internal/logging"
	"github.com/kimhsiao/bizsync/internal/sync/connectivity"
	"github.com/kimhsiao/bizsync/internal/sync/processor"
)

// Scheduler states.
const (
	StateIdle    = "idle"
	StateRunning = "running"
)

const (
	eventStart  = "start"
	eventFinish = "finish"
)

// Trigger reasons, used in logs.
const (
	ReasonTick         = "tick"
	ReasonConnectivity = "connectivity"
	ReasonManual       = "manual"
)

// Runner executes one processor run.
type Runner interface {
	RunOnce(ctx context.Context) (processor.RunResult, error)
}

// OnlineSource reports remote reachability and its changes.
type OnlineSource interface {
	Online() bool
	Subscribe(l connectivity.Listener) func()
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // How often the queue is drained while online (default: 15 seconds)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 15 * time.Second,
	}
}

// Scheduler triggers processor runs on a ticker, when connectivity returns and
// on demand. Triggers that arrive while a run is in flight are dropped.
type Scheduler struct {
	runner       Runner
	source       OnlineSource
	syncInterval time.Duration
	machine      *fsm.FSM

	mu          sync.RWMutex
	isRunning   bool
	isOnline    bool
	stopping    bool
	baseCtx     context.Context
	stopCh      chan struct{}
	unsubscribe func()
	lastRunTime time.Time
	lastResult  *processor.RunResult
	lastErr     error

	wg   sync.WaitGroup // ticker loop
	runs sync.WaitGroup // in-flight runs
}

// Status is a snapshot of scheduler state.
type Status struct {
	State       string               `json:"state"`
	IsRunning   bool                 `json:"is_running"`
	IsOnline    bool                 `json:"is_online"`
	LastRunTime *time.Time           `json:"last_run_time,omitempty"`
	LastResult  *processor.RunResult `json:"last_result,omitempty"`
	LastError   string               `json:"last_error,omitempty"`
}

// NewScheduler creates a new Scheduler. source may be nil, in which case
// online state only changes through SetOnlineStatus.
func NewScheduler(runner Runner, source OnlineSource, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultSchedulerConfig().SyncInterval
	}

	return &Scheduler{
		runner:       runner,
		source:       source,
		syncInterval: config.SyncInterval,
		isOnline:     true, // Assume online initially
		baseCtx:      context.Background(),
		machine: fsm.NewFSM(
			StateIdle,
			fsm.Events{
				{Name: eventStart, Src: []string{StateIdle}, Dst: StateRunning},
				{Name: eventFinish, Src: []string{StateRunning}, Dst: StateIdle},
			},
			fsm.Callbacks{},
		),
	}
}

// Start starts the ticker and attaches the connectivity subscription.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.baseCtx = context.WithoutCancel(ctx)
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	if s.source != nil {
		s.isOnline = s.source.Online()
	}
	s.mu.Unlock()

	if s.source != nil {
		unsubscribe := s.source.Subscribe(s.SetOnlineStatus)
		s.mu.Lock()
		s.unsubscribe = unsubscribe
		s.mu.Unlock()
	}

	s.wg.Add(1)
	go s.tickLoop(ctx, stopCh)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval": s.syncInterval.String(),
	})
}

// Stop stops the ticker, detaches the connectivity subscription and waits for
// an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.stopping = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	close(s.stopCh)
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.wg.Wait()
	s.runs.Wait()

	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus records reachability. An offline to online transition
// triggers a run.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	ctx := s.baseCtx
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if isOnline {
		s.trigger(ctx, ReasonConnectivity)
	}
}

func (s *Scheduler) tickLoop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				logging.Debug("Skipping sync tick - remote is offline", nil)
				continue
			}
			s.trigger(context.WithoutCancel(ctx), ReasonTick)
		}
	}
}

// TriggerSync starts a run in the background.
// Returns true if a run was started, false if one is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	return s.trigger(context.WithoutCancel(ctx), ReasonManual)
}

// SyncNow runs the processor and waits for the result. If a run is already
// in progress the result has Skipped set.
func (s *Scheduler) SyncNow(ctx context.Context) (processor.RunResult, error) {
	if !s.begin(ReasonManual) {
		return processor.RunResult{Skipped: true}, nil
	}
	defer s.runs.Done()
	return s.run(ctx, ReasonManual)
}

func (s *Scheduler) trigger(ctx context.Context, reason string) bool {
	if !s.begin(reason) {
		return false
	}
	go func() {
		defer s.runs.Done()
		s.run(ctx, reason)
	}()
	return true
}

// begin moves idle to running and registers the run with Stop.
func (s *Scheduler) begin(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return false
	}
	if err := s.machine.Event(context.Background(), eventStart); err != nil {
		logging.Debug("Sync already in progress, coalescing trigger", map[string]interface{}{"reason": reason})
		return false
	}
	s.runs.Add(1)
	return true
}

func (s *Scheduler) run(ctx context.Context, reason string) (processor.RunResult, error) {
	defer func() {
		if err := s.machine.Event(context.Background(), eventFinish); err != nil {
			logging.Error("Scheduler state transition failed", err, nil)
		}
	}()

	result, err := s.runner.RunOnce(ctx)

	s.mu.Lock()
	s.lastRunTime = time.Now()
	s.lastResult = &result
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		logging.ErrorWithCode("Sync run failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"reason": reason})
	}
	return result, err
}

// State returns the scheduler state, idle or running.
func (s *Scheduler) State() string {
	return s.machine.Current()
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		State:     s.machine.Current(),
		IsRunning: s.isRunning,
		IsOnline:  s.isOnline,
	}
	if !s.lastRunTime.IsZero() {
		t := s.lastRunTime
		status.LastRunTime = &t
	}
	if s.lastResult != nil {
		r := *s.lastResult
		status.LastResult = &r
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

// IsOnline returns whether the scheduler considers the remote reachable.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is started.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
