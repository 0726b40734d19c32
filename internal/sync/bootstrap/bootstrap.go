// Package bootstrap pulls authoritative collections into local state once per session.
package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/bizsync/internal/db"
	apperrors "github.com/kimhsiao/bizsync/internal/errors"
	"github.com/kimhsiao/bizsync/internal/logging"
	"github.com/kimhsiao/bizsync/internal/metrics"
	"github.com/kimhsiao/bizsync/internal/models"
	"github.com/kimhsiao/bizsync/internal/sync/conflict"
)

// DefaultTimeout bounds the remote fetch phase when Config.Timeout is unset.
const DefaultTimeout = 30 * time.Second

// Fetcher lists remote documents.
type Fetcher interface {
	FetchCollection(ctx context.Context, collection string) ([]*models.Document, error)
}

// LocalStore is the local document state being refreshed.
type LocalStore interface {
	List(ctx context.Context, collection string) ([]*models.Document, error)
	Upsert(ctx context.Context, doc *models.Document) error
	Delete(ctx context.Context, collection, id string) (bool, error)
}

// PendingChecker reports unsynced queue work for a target. PendingReferences
// lists the keys of queued byForeignKey deletes in a collection.
type PendingChecker interface {
	HasPending(ctx context.Context, target models.Target) (bool, error)
	PendingReferences(ctx context.Context, collection string) ([]string, error)
}

// Config configures a Bootstrapper.
type Config struct {
	Collections []string
	Timeout     time.Duration
}

// CollectionResult counts what happened to one collection.
type CollectionResult struct {
	Fetched   int `json:"fetched"`
	Upserted  int `json:"upserted"`
	Kept      int `json:"kept"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
}

// Result summarizes a Run.
type Result struct {
	SessionID   string                      `json:"session_id"`
	Skipped     bool                        `json:"skipped"`
	Collections map[string]CollectionResult `json:"collections,omitempty"`
	Duration    time.Duration               `json:"duration"`
}

// Bootstrapper performs the initial sync of a session.
type Bootstrapper struct {
	fetcher     Fetcher
	local       LocalStore
	pending     PendingChecker
	resolver    *conflict.Resolver
	collections []string
	timeout     time.Duration

	mu     sync.Mutex // serializes runs
	synced map[string]bool
}

// New creates a Bootstrapper.
func New(fetcher Fetcher, local LocalStore, pending PendingChecker, cfg Config) *Bootstrapper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Bootstrapper{
		fetcher:     fetcher,
		local:       local,
		pending:     pending,
		resolver:    conflict.NewResolver(conflict.ResolutionStrategyRemoteWins),
		collections: cfg.Collections,
		timeout:     cfg.Timeout,
		synced:      make(map[string]bool),
	}
}

// Synced reports whether the session has completed its initial sync.
func (b *Bootstrapper) Synced(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.synced[sessionID]
}

// Run performs the initial sync for sessionID. A repeated call for a session
// that already synced is a no-op with Skipped set. A failed run leaves the
// session unsynced so it can be retried.
func (b *Bootstrapper) Run(ctx context.Context, sessionID string) (*Result, error) {
	if sessionID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "session id is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.synced[sessionID] {
		metrics.RecordBootstrap("skipped")
		return &Result{SessionID: sessionID, Skipped: true}, nil
	}

	start := time.Now()
	remote, err := b.fetchAll(ctx)
	if err != nil {
		metrics.RecordBootstrap("failed")
		logging.ErrorWithCode("Initial sync failed", string(apperrors.ErrBootstrapFailed), err,
			map[string]interface{}{"session": sessionID})
		return nil, apperrors.Wrap(apperrors.ErrBootstrapFailed, "fetch remote collections", err)
	}

	result := &Result{SessionID: sessionID, Collections: make(map[string]CollectionResult, len(b.collections))}
	for _, collection := range b.collections {
		cr, err := b.apply(ctx, collection, remote[collection])
		if err != nil {
			metrics.RecordBootstrap("failed")
			logging.ErrorWithCode("Initial sync failed", string(apperrors.ErrBootstrapFailed), err,
				map[string]interface{}{"session": sessionID, "collection": collection})
			return nil, apperrors.Wrap(apperrors.ErrBootstrapFailed, "apply "+collection, err)
		}
		result.Collections[collection] = cr
	}
	result.Duration = time.Since(start)

	b.synced[sessionID] = true
	metrics.RecordBootstrap("ok")
	logging.Info("Initial sync completed", map[string]interface{}{
		"session":     sessionID,
		"collections": len(b.collections),
		"duration":    result.Duration.String(),
	})
	return result, nil
}

// fetchAll downloads every collection before anything local changes, bounded by the timeout.
func (b *Bootstrapper) fetchAll(ctx context.Context) (map[string][]*models.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	out := make(map[string][]*models.Document, len(b.collections))
	for _, collection := range b.collections {
		docs, err := b.fetcher.FetchCollection(ctx, collection)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", collection, err)
		}
		out[collection] = docs
	}
	return out, nil
}

func (b *Bootstrapper) apply(ctx context.Context, collection string, remote []*models.Document) (CollectionResult, error) {
	cr := CollectionResult{Fetched: len(remote)}

	localDocs, err := b.local.List(ctx, collection)
	if err != nil {
		return cr, err
	}
	local := make(map[string]*models.Document, len(localDocs))
	for _, d := range localDocs {
		local[d.ID] = d
	}
	refs, err := b.pending.PendingReferences(ctx, collection)
	if err != nil {
		return cr, err
	}

	seen := make(map[string]bool, len(remote))
	for _, r := range remote {
		r.Collection = collection
		seen[r.ID] = true
		if err := b.resolveOne(ctx, local[r.ID], r, refs, &cr); err != nil {
			return cr, err
		}
	}
	for id, l := range local {
		if seen[id] {
			continue
		}
		if err := b.resolveOne(ctx, l, nil, refs, &cr); err != nil {
			return cr, err
		}
	}
	return cr, nil
}

func (b *Bootstrapper) resolveOne(ctx context.Context, local, remote *models.Document, refs []string, cr *CollectionResult) error {
	doc := remote
	if doc == nil {
		doc = local
	}
	target := doc.Target()

	pending, err := b.pending.HasPending(ctx, target)
	if err != nil {
		return err
	}
	if !pending {
		pending = referencesAny(doc.Data, refs)
	}
	res, err := b.resolver.Resolve(&conflict.Conflict{Target: target, Local: local, Remote: remote, Pending: pending})
	if err != nil {
		return err
	}

	switch res.Decision {
	case conflict.DecisionTakeRemote:
		cr.Upserted++
		return b.local.Upsert(ctx, &models.Document{Collection: target.Collection, ID: target.EntityID, Data: remote.Data})
	case conflict.DecisionDeleteLocal:
		cr.Deleted++
		_, err := b.local.Delete(ctx, target.Collection, target.EntityID)
		return err
	case conflict.DecisionKeepLocal:
		cr.Kept++
	default:
		cr.Unchanged++
	}
	return nil
}

// referencesAny reports whether data is matched by one of the queued
// byForeignKey deletes.
func referencesAny(data map[string]interface{}, refs []string) bool {
	for _, key := range refs {
		if db.References(data, key) {
			return true
		}
	}
	return false
}
