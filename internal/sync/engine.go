// Package sync composes the offline mutation queue with its processor,
// scheduler, connectivity monitor and initial sync into one engine.
package sync

import (
	"context"
	"database/sql"
	gosync "sync"
	"time"

	"github.com/kimhsiao/bizsync/internal/db"
	apperrors "github.com/kimhsiao/bizsync/internal/errors"
	"github.com/kimhsiao/bizsync/internal/logging"
	"github.com/kimhsiao/bizsync/internal/metrics"
	"github.com/kimhsiao/bizsync/internal/models"
	"github.com/kimhsiao/bizsync/internal/sync/bootstrap"
	"github.com/kimhsiao/bizsync/internal/sync/connectivity"
	"github.com/kimhsiao/bizsync/internal/sync/processor"
	"github.com/kimhsiao/bizsync/internal/sync/queue"
	"github.com/kimhsiao/bizsync/internal/sync/reconciler"
	"github.com/kimhsiao/bizsync/internal/sync/scheduler"
	"github.com/kimhsiao/bizsync/internal/sync/stats"
)

// Config configures an Engine. Zero durations and counts use the component defaults.
type Config struct {
	RemoteURL        string
	Schema           models.Schema // nil means models.DefaultSchema()
	SyncInterval     time.Duration
	ProbeInterval    time.Duration
	ReconcileTimeout time.Duration
	BootstrapTimeout time.Duration
	MaxAttempts      int
	Concurrency      int
}

// Mutation is a create, update or delete requested by the application.
type Mutation struct {
	Kind       models.Kind            `json:"kind"`
	Collection string                 `json:"collection"`
	ID         string                 `json:"id,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Changes    map[string]interface{} `json:"changes,omitempty"`
	Special    models.SpecialDelete   `json:"special,omitempty"`
}

func (m Mutation) record() *models.ActionRecord {
	return &models.ActionRecord{
		Kind:    m.Kind,
		Target:  models.Target{Collection: m.Collection, EntityID: m.ID},
		Data:    m.Data,
		Changes: m.Changes,
		Special: m.Special,
	}
}

// Status is a snapshot of the engine.
type Status struct {
	Online    bool              `json:"online"`
	LastProbe *time.Time        `json:"last_probe,omitempty"`
	Queue     models.QueueStats `json:"queue"`
	Scheduler scheduler.Status  `json:"scheduler"`
}

// Engine owns the queue and everything that drains it.
type Engine struct {
	schema    models.Schema
	local     *db.Repository
	queue     *queue.Queue
	client    *reconciler.Client
	publisher *stats.Publisher
	processor *processor.Processor
	monitor   *connectivity.Monitor
	scheduler *scheduler.Scheduler
	bootstrap *bootstrap.Bootstrapper

	mu          gosync.Mutex
	initialized bool
}

// NewEngine creates an Engine over a database migrated with db.LocalSchema.
// The caller keeps ownership of database.
func NewEngine(database *sql.DB, cfg Config) *Engine {
	schema := cfg.Schema
	if schema == nil {
		schema = models.DefaultSchema()
	}

	local := db.NewRepository(database)
	q := queue.New(database, queue.Config{MaxAttempts: cfg.MaxAttempts, Schema: schema})
	client := reconciler.New(reconciler.Config{
		BaseURL: cfg.RemoteURL,
		Timeout: cfg.ReconcileTimeout,
		Schema:  schema,
	})
	proc := processor.New(q, client, cfg.Concurrency)
	monitor := connectivity.New(client, cfg.ProbeInterval)

	return &Engine{
		schema:    schema,
		local:     local,
		queue:     q,
		client:    client,
		publisher: stats.NewPublisher(),
		processor: proc,
		monitor:   monitor,
		scheduler: scheduler.NewScheduler(proc, monitor, &scheduler.SchedulerConfig{
			SyncInterval: cfg.SyncInterval,
		}),
		bootstrap: bootstrap.New(client, local, q, bootstrap.Config{
			Collections: schema.Names(),
			Timeout:     cfg.BootstrapTimeout,
		}),
	}
}

// =====================================================
// Lifecycle
// =====================================================

// Init reverts records left in flight by a previous process, attaches the
// stats publisher and starts the monitor and scheduler. Calling Init again is a no-op.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return nil
	}

	recovered, err := e.queue.RecoverInFlight(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logging.Warn("Recovered interrupted actions", map[string]interface{}{"count": recovered})
	}

	if err := e.queue.SetNotifier(ctx, e.onStats); err != nil {
		return err
	}

	e.monitor.Start(ctx)
	e.scheduler.Start(ctx)
	e.initialized = true

	logging.Info("Sync engine started", map[string]interface{}{
		"collections":  e.schema.Names(),
		"max_attempts": e.queue.MaxAttempts(),
	})
	return nil
}

// Shutdown stops background syncing. An in-flight run is allowed to finish.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return
	}
	e.scheduler.Stop()
	e.monitor.Stop()
	if err := e.local.Close(); err != nil {
		logging.Error("Failed to close local repository", err, nil)
	}
	e.initialized = false

	logging.Info("Sync engine stopped", nil)
}

func (e *Engine) onStats(s models.QueueStats) {
	e.publisher.Publish(s)
	metrics.SetQueueStats(s)
}

// =====================================================
// Mutations
// =====================================================

// Apply validates the mutation, applies it to local state and queues it for
// the remote store. The returned record is the queued action.
func (e *Engine) Apply(ctx context.Context, m Mutation) (*models.ActionRecord, error) {
	rec := m.record()
	if err := e.schema.Validate(rec); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid mutation", err)
	}

	if err := e.applyLocal(ctx, rec); err != nil {
		return nil, err
	}

	queued, err := e.queue.Enqueue(ctx, rec)
	if err != nil {
		logging.ErrorWithCode("Local change applied but not queued", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"target": rec.Target.Key(), "kind": string(rec.Kind)})
		return nil, err
	}
	return queued, nil
}

func (e *Engine) applyLocal(ctx context.Context, rec *models.ActionRecord) error {
	c, id := rec.Target.Collection, rec.Target.EntityID

	switch rec.Kind {
	case models.KindCreate:
		return e.local.Upsert(ctx, &models.Document{Collection: c, ID: id, Data: rec.Data})
	case models.KindUpdate:
		_, err := e.local.Merge(ctx, c, id, rec.Changes)
		return err
	}

	var err error
	switch rec.Special {
	case models.SpecialDeleteAll:
		_, err = e.local.DeleteAll(ctx, c)
	case models.SpecialDeleteByForeignKey:
		_, err = e.local.DeleteByReference(ctx, c, id)
	default:
		_, err = e.local.Delete(ctx, c, id)
	}
	return err
}

// Get returns a document from local state.
func (e *Engine) Get(ctx context.Context, collection, id string) (*models.Document, error) {
	if !e.schema.Has(collection) {
		return nil, apperrors.New(apperrors.ErrUnknownCollection, collection)
	}
	return e.local.Get(ctx, collection, id)
}

// List returns a collection from local state.
func (e *Engine) List(ctx context.Context, collection string) ([]*models.Document, error) {
	if !e.schema.Has(collection) {
		return nil, apperrors.New(apperrors.ErrUnknownCollection, collection)
	}
	return e.local.List(ctx, collection)
}

// Schema returns the collections the engine accepts.
func (e *Engine) Schema() models.Schema {
	return e.schema
}

// =====================================================
// Syncing
// =====================================================

// SyncNow drains the queue once. If a run is already in flight the result has Skipped set.
func (e *Engine) SyncNow(ctx context.Context) (processor.RunResult, error) {
	return e.scheduler.SyncNow(ctx)
}

// Bootstrap performs the initial sync of a session.
func (e *Engine) Bootstrap(ctx context.Context, sessionID string) (*bootstrap.Result, error) {
	return e.bootstrap.Run(ctx, sessionID)
}

// Status returns a snapshot of the engine.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	qs, err := e.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{
		Online:    e.monitor.Online(),
		Queue:     qs,
		Scheduler: e.scheduler.GetStatus(),
	}
	if t := e.monitor.LastProbe(); !t.IsZero() {
		st.LastProbe = &t
	}
	return st, nil
}

// Subscribe registers a stats observer. It receives the latest snapshot immediately.
func (e *Engine) Subscribe(cb stats.Callback) func() {
	return e.publisher.Subscribe(cb)
}

// Stats returns the latest published queue stats.
func (e *Engine) Stats() models.QueueStats {
	return e.publisher.GetStats()
}

// =====================================================
// Remediation
// =====================================================

// ListFailed returns the records frozen as failed.
func (e *Engine) ListFailed(ctx context.Context) ([]*models.ActionRecord, error) {
	return e.queue.ListFailed(ctx)
}

// ListAll returns every queued record in queue order.
func (e *Engine) ListAll(ctx context.Context) ([]*models.ActionRecord, error) {
	return e.queue.ListAll(ctx)
}

// Retry re-queues one failed record.
func (e *Engine) Retry(ctx context.Context, id string) (*models.ActionRecord, error) {
	return e.processor.Retry(ctx, id)
}

// RetryAll re-queues every failed record.
func (e *Engine) RetryAll(ctx context.Context) (int, error) {
	return e.processor.RetryAll(ctx)
}

// Discard drops a failed record.
func (e *Engine) Discard(ctx context.Context, id string) error {
	return e.processor.Discard(ctx, id)
}
