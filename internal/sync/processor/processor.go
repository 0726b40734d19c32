// Package processor drains the action queue against the remote store.
package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/bizsync/internal/errors"
	"github.com/kimhsiao/bizsync/internal/logging"
	"github.com/kimhsiao/bizsync/internal/metrics"
	"github.com/kimhsiao/bizsync/internal/models"
	"github.com/kimhsiao/bizsync/internal/sync/reconciler"
)

// DefaultConcurrency bounds how many targets are reconciled at once.
const DefaultConcurrency = 4

// Store is the queue surface the processor drives.
type Store interface {
	ListPending(ctx context.Context) ([]*models.ActionRecord, error)
	MarkProcessing(ctx context.Context, id string) (*models.ActionRecord, error)
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) (*models.ActionRecord, error)
	MarkTerminal(ctx context.Context, id string, cause error) (*models.ActionRecord, error)
	Retry(ctx context.Context, id string) (*models.ActionRecord, error)
	RetryAll(ctx context.Context) (int, error)
	Discard(ctx context.Context, id string) error
}

// RunResult summarizes one RunOnce call.
type RunResult struct {
	Skipped   bool          `json:"skipped"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Retrying  int           `json:"retrying"` // failed, back to pending
	Frozen    int           `json:"frozen"`   // failed terminally
	Deferred  int           `json:"deferred"` // left for the next run behind a failure
	Duration  time.Duration `json:"duration"`
}

// Processor replays pending records, one target at a time in queue order and
// different targets concurrently. Only one run is in flight at any moment.
type Processor struct {
	store       Store
	reconciler  reconciler.Reconciler
	concurrency int

	running atomic.Bool
}

// New creates a Processor.
func New(store Store, r reconciler.Reconciler, concurrency int) *Processor {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Processor{
		store:       store,
		reconciler:  r,
		concurrency: concurrency,
	}
}

// Running reports whether a run is in flight.
func (p *Processor) Running() bool {
	return p.running.Load()
}

// RunOnce snapshots the pending records and reconciles them. If a run is
// already in flight it returns immediately with Skipped set.
//
// Cancelling ctx stops the run from starting further records; a reconcile
// that has been dispatched always runs to completion.
func (p *Processor) RunOnce(ctx context.Context) (RunResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		metrics.RecordRun(metrics.RunSkipped)
		return RunResult{Skipped: true}, nil
	}
	defer p.running.Store(false)

	start := time.Now()
	pending, err := p.store.ListPending(ctx)
	if err != nil {
		return RunResult{}, apperrors.Wrap(apperrors.ErrSyncFailed, "list pending actions", err)
	}

	var (
		mu     sync.Mutex
		result RunResult
	)
	merge := func(r RunResult) {
		mu.Lock()
		defer mu.Unlock()
		result.Attempted += r.Attempted
		result.Succeeded += r.Succeeded
		result.Retrying += r.Retrying
		result.Frozen += r.Frozen
		result.Deferred += r.Deferred
	}

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, group := range groupByTarget(pending) {
		group := group
		g.Go(func() error {
			r, err := p.processGroup(ctx, group)
			merge(r)
			return err
		})
	}
	err = g.Wait()

	result.Duration = time.Since(start)
	metrics.RecordRun(metrics.RunCompleted)
	if result.Attempted > 0 || err != nil {
		logging.Info("Sync run completed", map[string]interface{}{
			"attempted": result.Attempted,
			"succeeded": result.Succeeded,
			"retrying":  result.Retrying,
			"frozen":    result.Frozen,
			"deferred":  result.Deferred,
			"duration":  result.Duration.String(),
		})
	}
	if err != nil {
		return result, apperrors.Wrap(apperrors.ErrSyncFailed, "sync run", err)
	}
	return result, nil
}

// processGroup reconciles one group in order, stopping at the first failure.
func (p *Processor) processGroup(ctx context.Context, group []*models.ActionRecord) (RunResult, error) {
	var r RunResult
	for i, rec := range group {
		if ctx.Err() != nil {
			r.Deferred += len(group) - i
			return r, nil
		}

		claimed, err := p.store.MarkProcessing(ctx, rec.ID)
		if err != nil {
			r.Deferred += len(group) - i
			if apperrors.Is(err, apperrors.ErrActionBlocked) {
				logging.Debug("Action waits behind a failed action", map[string]interface{}{
					"id":     rec.ID,
					"target": rec.Target.Key(),
				})
				return r, nil
			}
			if apperrors.Is(err, apperrors.ErrInvalidTransition) || apperrors.Is(err, apperrors.ErrActionNotFound) {
				// Changed since the snapshot; the next run sees its new state.
				logging.Debug("Skipping action changed since snapshot", map[string]interface{}{"id": rec.ID})
				return r, nil
			}
			return r, err
		}

		r.Attempted++
		ok, err := p.reconcileOne(ctx, claimed, &r)
		if err != nil {
			r.Deferred += len(group) - i - 1
			return r, err
		}
		if !ok {
			r.Deferred += len(group) - i - 1
			return r, nil
		}
	}
	return r, nil
}

// reconcileOne sends a claimed record and applies the outcome to the queue.
// It reports whether the group may advance.
func (p *Processor) reconcileOne(ctx context.Context, rec *models.ActionRecord, r *RunResult) (bool, error) {
	// Store updates must land even if the caller gives up mid-run.
	detached := context.WithoutCancel(ctx)

	start := time.Now()
	rerr := p.reconciler.Reconcile(detached, rec)
	elapsed := time.Since(start)

	if rerr == nil {
		metrics.RecordReconcile(rec.Kind, metrics.OutcomeSuccess, elapsed)
		if err := p.store.MarkSucceeded(detached, rec.ID); err != nil {
			return false, err
		}
		r.Succeeded++
		return true, nil
	}

	fields := map[string]interface{}{
		"id":     rec.ID,
		"kind":   string(rec.Kind),
		"target": rec.Target.Key(),
		"class":  reconciler.ClassOf(rerr).String(),
	}

	switch reconciler.ClassOf(rerr) {
	case reconciler.ClassValidation:
		metrics.RecordReconcile(rec.Kind, metrics.OutcomeValidation, elapsed)
		if _, err := p.store.MarkTerminal(detached, rec.ID, rerr); err != nil {
			return false, err
		}
		r.Frozen++
		logging.Error("Action rejected by remote", rerr, fields)
		return false, nil
	default:
		outcome := metrics.OutcomeTransient
		if reconciler.IsNotFoundError(rerr) {
			outcome = metrics.OutcomeNotFound
		}
		metrics.RecordReconcile(rec.Kind, outcome, elapsed)

		updated, err := p.store.MarkFailed(detached, rec.ID, rerr)
		if err != nil {
			return false, err
		}
		fields["attempts"] = updated.Attempts
		if updated.Status == models.StatusFailed {
			r.Frozen++
			logging.Error("Action exhausted retries", rerr, fields)
		} else {
			r.Retrying++
			logging.Warn("Action will be retried", fields)
		}
		return false, nil
	}
}

// =====================================================
// Manual remediation
// =====================================================

// Retry returns a terminally failed record to the pending queue.
func (p *Processor) Retry(ctx context.Context, id string) (*models.ActionRecord, error) {
	rec, err := p.store.Retry(ctx, id)
	if err != nil {
		return nil, err
	}
	logging.Info("Action queued for retry", map[string]interface{}{"id": id, "target": rec.Target.Key()})
	return rec, nil
}

// RetryAll returns every terminally failed record to the pending queue.
func (p *Processor) RetryAll(ctx context.Context) (int, error) {
	return p.store.RetryAll(ctx)
}

// Discard drops a terminally failed record.
func (p *Processor) Discard(ctx context.Context, id string) error {
	return p.store.Discard(ctx, id)
}

// groupByTarget splits records into per-target groups, each in queue order.
// A collection-wide delete pulls every record of its collection into one
// group so it never overtakes or is overtaken by an entity write.
func groupByTarget(recs []*models.ActionRecord) [][]*models.ActionRecord {
	wide := make(map[string]bool)
	for _, rec := range recs {
		if rec.Kind == models.KindDelete && rec.Special != models.SpecialDeleteNone {
			wide[rec.Target.Collection] = true
		}
	}

	index := make(map[string]int)
	var groups [][]*models.ActionRecord
	for _, rec := range recs {
		key := rec.Target.Key()
		if wide[rec.Target.Collection] {
			key = rec.Target.Collection + "/*"
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], rec)
	}
	return groups
}
