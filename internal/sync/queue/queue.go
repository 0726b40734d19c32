// Package queue provides the durable queue of pending remote mutations.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/bizsync/internal/errors"
	"github.com/kimhsiao/bizsync/internal/logging"
	"github.com/kimhsiao/bizsync/internal/models"
	"github.com/kimhsiao/bizsync/internal/uuid"
)

// DefaultMaxAttempts is the retry cap used when Config.MaxAttempts is unset.
const DefaultMaxAttempts = 5

const selectColumns = `SELECT seq, id, kind, collection, entity_id, payload, special, status, attempts, last_error, created_at, updated_at FROM action_queue`

// Config configures a Queue.
type Config struct {
	// MaxAttempts is the number of failed attempts after which a record is frozen as failed.
	MaxAttempts int
	// Schema validates records on enqueue. A nil schema only checks record structure.
	Schema models.Schema
}

// Notifier receives fresh stats after every queue mutation.
// It runs with the queue lock held and must not call back into the queue.
type Notifier func(models.QueueStats)

// Queue is a durable, ordered store of action records backed by SQLite.
// All operations are serialized by a single mutex.
type Queue struct {
	db          *sql.DB
	maxAttempts int
	schema      models.Schema

	mu          sync.Mutex
	notify      Notifier
	lastCreated int64
	now         func() time.Time
}

// New creates a Queue over a database migrated with the local schema.
func New(db *sql.DB, cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Queue{
		db:          db,
		maxAttempts: cfg.MaxAttempts,
		schema:      cfg.Schema,
		now:         time.Now,
	}
}

// MaxAttempts returns the retry cap.
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// SetNotifier installs the stats observer and immediately publishes current stats.
func (q *Queue) SetNotifier(ctx context.Context, fn Notifier) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notify = fn
	return q.publishLocked(ctx)
}

// =====================================================
// Enqueue
// =====================================================

// Enqueue validates and persists a new record as pending.
// The returned copy carries the assigned id, sequence and creation time.
func (q *Queue) Enqueue(ctx context.Context, rec *models.ActionRecord) (*models.ActionRecord, error) {
	if err := q.validate(rec); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid action record", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	out := rec.Clone()
	out.ID = uuid.New()
	out.Status = models.StatusPending
	out.Attempts = 0
	out.LastError = ""
	out.CreatedAt = q.nextCreatedLocked()
	out.UpdatedAt = out.CreatedAt

	row, err := out.ToRow()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueWrite, "encode action record", err)
	}
	res, err := q.db.ExecContext(ctx, `INSERT INTO action_queue
		(id, kind, collection, entity_id, payload, special, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Kind, row.Collection, row.EntityID, row.Payload, row.Special,
		row.Status, row.Attempts, row.LastError, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueWrite, "persist action record", err)
	}
	if out.Seq, err = res.LastInsertId(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueWrite, "read insertion sequence", err)
	}

	logging.Debug("Enqueued action", map[string]interface{}{
		"id":     out.ID,
		"kind":   string(out.Kind),
		"target": out.Target.Key(),
	})

	if err := q.publishLocked(ctx); err != nil {
		logging.Warn("Failed to publish queue stats", map[string]interface{}{"error": err.Error()})
	}
	return out, nil
}

func (q *Queue) validate(rec *models.ActionRecord) error {
	if q.schema != nil {
		return q.schema.Validate(rec)
	}
	return rec.Validate()
}

// nextCreatedLocked returns a creation time strictly greater than any issued before.
func (q *Queue) nextCreatedLocked() int64 {
	ts := q.now().UnixNano()
	if ts <= q.lastCreated {
		ts = q.lastCreated + 1
	}
	q.lastCreated = ts
	return ts
}

// =====================================================
// Queries
// =====================================================

// Get returns a record by id.
func (q *Queue) Get(ctx context.Context, id string) (*models.ActionRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.getLocked(ctx, id)
}

// ListPending returns pending records in insertion order.
func (q *Queue) ListPending(ctx context.Context) ([]*models.ActionRecord, error) {
	return q.list(ctx, selectColumns+` WHERE status = ? ORDER BY seq`, models.StatusPending)
}

// ListFailed returns terminally failed records in insertion order.
func (q *Queue) ListFailed(ctx context.Context) ([]*models.ActionRecord, error) {
	return q.list(ctx, selectColumns+` WHERE status = ? ORDER BY seq`, models.StatusFailed)
}

// ListAll returns every record in insertion order.
func (q *Queue) ListAll(ctx context.Context) ([]*models.ActionRecord, error) {
	return q.list(ctx, selectColumns+` ORDER BY seq`)
}

// HasPending reports whether unsynced work exists for the target, either on the
// entity itself or as a collection-wide delete.
func (q *Queue) HasPending(ctx context.Context, target models.Target) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM action_queue
		WHERE collection = ? AND ((entity_id = ? AND special = '') OR special = ?)`,
		target.Collection, target.EntityID, models.SpecialDeleteAll).Scan(&n)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "query pending target", err)
	}
	return n > 0, nil
}

// PendingReferences returns the reference keys of unsynced byForeignKey
// deletes in the collection. Entities referencing one of them were removed
// locally even though their own ids never appear in the queue.
func (q *Queue) PendingReferences(ctx context.Context, collection string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.QueryContext(ctx, `SELECT DISTINCT entity_id FROM action_queue
		WHERE collection = ? AND special = ? ORDER BY entity_id`,
		collection, models.SpecialDeleteByForeignKey)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query pending references", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan pending reference", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate pending references", err)
	}
	return keys, nil
}

// Stats returns the current aggregate counts.
func (q *Queue) Stats(ctx context.Context) (models.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked(ctx)
}

// =====================================================
// Transitions
// =====================================================

// MarkProcessing moves a pending record to processing. At most one record per
// target may be processing at a time, and a record waiting behind an older
// failed one returns ErrActionBlocked.
func (q *Queue) MarkProcessing(ctx context.Context, id string) (*models.ActionRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusPending {
		return nil, invalidTransition(rec, models.StatusProcessing)
	}

	var busy int
	err = q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM action_queue
		WHERE collection = ? AND entity_id = ? AND status = ?`,
		rec.Target.Collection, rec.Target.EntityID, models.StatusProcessing).Scan(&busy)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "check target in flight", err)
	}
	if busy > 0 {
		return nil, apperrors.New(apperrors.ErrInvalidTransition,
			fmt.Sprintf("target %s already has a record in flight", rec.Target))
	}

	// An older failed record on the same target, or anywhere in the collection
	// when either side is a collection-wide delete, must resolve first.
	wide := 0
	if rec.Kind == models.KindDelete && rec.Special != models.SpecialDeleteNone {
		wide = 1
	}
	var blocked int
	err = q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM action_queue
		WHERE collection = ? AND seq < ? AND status = ?
		AND (? = 1 OR special != '' OR entity_id = ?)`,
		rec.Target.Collection, rec.Seq, models.StatusFailed, wide, rec.Target.EntityID).Scan(&blocked)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "check older failed records", err)
	}
	if blocked > 0 {
		return nil, apperrors.New(apperrors.ErrActionBlocked,
			fmt.Sprintf("target %s waits behind %d failed record(s)", rec.Target, blocked))
	}

	rec.Status = models.StatusProcessing
	if err := q.updateLocked(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkSucceeded removes a processing record after confirmed remote success.
func (q *Queue) MarkSucceeded(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != models.StatusProcessing {
		return invalidTransition(rec, "removed")
	}
	if err := q.deleteLocked(ctx, id); err != nil {
		return err
	}

	logging.Debug("Action synced", map[string]interface{}{"id": id, "target": rec.Target.Key()})
	return q.publishLocked(ctx)
}

// MarkFailed records a retryable failure. The record returns to pending, or is
// frozen as failed once attempts reach the cap. The resulting record is returned.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) (*models.ActionRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusProcessing {
		return nil, invalidTransition(rec, models.StatusPending)
	}

	rec.Attempts++
	rec.LastError = errorText(cause)
	rec.Status = models.StatusPending
	if rec.Attempts >= q.maxAttempts {
		rec.Status = models.StatusFailed
		logging.Warn("Action failed permanently", map[string]interface{}{
			"id":       id,
			"target":   rec.Target.Key(),
			"attempts": rec.Attempts,
			"error":    rec.LastError,
		})
	}
	if err := q.updateLocked(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkTerminal freezes a processing record as failed without further retries.
func (q *Queue) MarkTerminal(ctx context.Context, id string, cause error) (*models.ActionRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusProcessing {
		return nil, invalidTransition(rec, models.StatusFailed)
	}

	rec.Attempts++
	rec.LastError = errorText(cause)
	rec.Status = models.StatusFailed
	if err := q.updateLocked(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Retry returns a failed record to pending with its attempts reset.
func (q *Queue) Retry(ctx context.Context, id string) (*models.ActionRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusFailed {
		return nil, invalidTransition(rec, models.StatusPending)
	}

	rec.Status = models.StatusPending
	rec.Attempts = 0
	rec.LastError = ""
	if err := q.updateLocked(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RetryAll resets every failed record to pending and returns how many changed.
func (q *Queue) RetryAll(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx, `UPDATE action_queue SET status = ?, attempts = 0, last_error = '', updated_at = ?
		WHERE status = ?`, models.StatusPending, q.now().UnixNano(), models.StatusFailed)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueWrite, "retry failed records", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueWrite, "rows affected", err)
	}
	if n > 0 {
		logging.Info("Reset failed actions for retry", map[string]interface{}{"count": n})
		if err := q.publishLocked(ctx); err != nil {
			return int(n), err
		}
	}
	return int(n), nil
}

// Discard removes a failed record without syncing it.
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != models.StatusFailed {
		return invalidTransition(rec, "discarded")
	}
	if err := q.deleteLocked(ctx, id); err != nil {
		return err
	}

	logging.Info("Discarded failed action", map[string]interface{}{"id": id, "target": rec.Target.Key()})
	return q.publishLocked(ctx)
}

// RecoverInFlight returns records left processing by an interrupted run to pending.
func (q *Queue) RecoverInFlight(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx, `UPDATE action_queue SET status = ?, updated_at = ? WHERE status = ?`,
		models.StatusPending, q.now().UnixNano(), models.StatusProcessing)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueWrite, "recover in-flight records", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueWrite, "rows affected", err)
	}

	// Keep creation times increasing across restarts.
	var maxCreated sql.NullInt64
	if err := q.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM action_queue`).Scan(&maxCreated); err != nil {
		return int(n), apperrors.Wrap(apperrors.ErrDatabase, "read latest creation time", err)
	}
	if maxCreated.Valid && maxCreated.Int64 > q.lastCreated {
		q.lastCreated = maxCreated.Int64
	}

	if n > 0 {
		logging.Info("Recovered in-flight actions", map[string]interface{}{"count": n})
	}
	return int(n), q.publishLocked(ctx)
}

// =====================================================
// Internals (callers hold q.mu)
// =====================================================

func (q *Queue) getLocked(ctx context.Context, id string) (*models.ActionRecord, error) {
	recs, err := q.queryLocked(ctx, selectColumns+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, apperrors.New(apperrors.ErrActionNotFound, fmt.Sprintf("action %s not found", id))
	}
	return recs[0], nil
}

func (q *Queue) list(ctx context.Context, query string, args ...interface{}) ([]*models.ActionRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queryLocked(ctx, query, args...)
}

func (q *Queue) queryLocked(ctx context.Context, query string, args ...interface{}) ([]*models.ActionRecord, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query action queue", err)
	}
	defer rows.Close()

	var recs []*models.ActionRecord
	for rows.Next() {
		var row models.ActionRow
		if err := rows.Scan(&row.Seq, &row.ID, &row.Kind, &row.Collection, &row.EntityID, &row.Payload,
			&row.Special, &row.Status, &row.Attempts, &row.LastError, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan action record", err)
		}
		rec, err := models.FromRow(&row)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "decode action record", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate action queue", err)
	}
	return recs, nil
}

func (q *Queue) updateLocked(ctx context.Context, rec *models.ActionRecord) error {
	rec.UpdatedAt = q.now().UnixNano()
	_, err := q.db.ExecContext(ctx, `UPDATE action_queue SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		rec.Status, rec.Attempts, rec.LastError, rec.UpdatedAt, rec.ID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueueWrite, fmt.Sprintf("update action %s", rec.ID), err)
	}
	return q.publishLocked(ctx)
}

func (q *Queue) deleteLocked(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM action_queue WHERE id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrQueueWrite, fmt.Sprintf("remove action %s", id), err)
	}
	return nil
}

func (q *Queue) statsLocked(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM action_queue GROUP BY status`)
	if err != nil {
		return stats, apperrors.Wrap(apperrors.ErrDatabase, "query queue stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, apperrors.Wrap(apperrors.ErrDatabase, "scan queue stats", err)
		}
		switch models.Status(status) {
		case models.StatusPending:
			stats.Pending = n
		case models.StatusProcessing:
			stats.Processing = n
		case models.StatusFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

func (q *Queue) publishLocked(ctx context.Context) error {
	if q.notify == nil {
		return nil
	}
	stats, err := q.statsLocked(ctx)
	if err != nil {
		return err
	}
	q.notify(stats)
	return nil
}

func invalidTransition(rec *models.ActionRecord, to interface{}) error {
	return apperrors.New(apperrors.ErrInvalidTransition,
		fmt.Sprintf("action %s: cannot move from %s to %v", rec.ID, rec.Status, to))
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// IsNotFound reports whether err means the action no longer exists.
func IsNotFound(err error) bool {
	return apperrors.Is(err, apperrors.ErrActionNotFound)
}
