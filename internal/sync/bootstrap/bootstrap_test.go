package bootstrap

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/bizsync/internal/db"
	apperrors "github.com/kimhsiao/bizsync/internal/errors"
	"github.com/kimhsiao/bizsync/internal/models"
)

type fakeFetcher struct {
	docs  map[string][]*models.Document
	err   error
	calls atomic.Int32
	delay time.Duration
}

func (f *fakeFetcher) FetchCollection(ctx context.Context, collection string) ([]*models.Document, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.Document
	for _, d := range f.docs[collection] {
		c := *d
		out = append(out, &c)
	}
	return out, nil
}

type fakePending struct {
	targets map[string]bool
	refs    map[string][]string // collection -> byForeignKey keys
}

func (p fakePending) HasPending(_ context.Context, target models.Target) (bool, error) {
	return p.targets[target.Key()], nil
}

func (p fakePending) PendingReferences(_ context.Context, collection string) ([]string, error) {
	return p.refs[collection], nil
}

func newLocal(t *testing.T) *db.Repository {
	t.Helper()
	conn, err := db.OpenMigrated(filepath.Join(t.TempDir(), "local.db"), db.LocalSchema)
	require.NoError(t, err)
	repo := db.NewRepository(conn.DB)
	t.Cleanup(func() {
		repo.Close()
		conn.Close()
	})
	return repo
}

func customer(id, name string) *models.Document {
	return &models.Document{Collection: "customers", ID: id, Data: map[string]interface{}{"name": name}}
}

func TestRun_ReconcilesLocalState(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	require.NoError(t, local.Upsert(ctx, customer("C1", "Stale")))
	require.NoError(t, local.Upsert(ctx, customer("C2", "Optimistic")))
	require.NoError(t, local.Upsert(ctx, customer("C3", "Deleted remotely")))
	require.NoError(t, local.Upsert(ctx, customer("C4", "Created offline")))

	fetcher := &fakeFetcher{docs: map[string][]*models.Document{
		"customers": {customer("C1", "Fresh"), customer("C2", "Server"), customer("C5", "New")},
	}}
	pending := fakePending{targets: map[string]bool{"customers/C2": true, "customers/C4": true}}

	b := New(fetcher, local, pending, Config{Collections: []string{"customers", "sales"}})
	result, err := b.Run(ctx, "session-1")
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, CollectionResult{Fetched: 3, Upserted: 2, Kept: 2, Deleted: 1}, result.Collections["customers"])
	assert.Equal(t, CollectionResult{}, result.Collections["sales"])

	docs, err := local.List(ctx, "customers")
	require.NoError(t, err)
	names := map[string]interface{}{}
	for _, d := range docs {
		names[d.ID] = d.Data["name"]
	}
	assert.Equal(t, map[string]interface{}{
		"C1": "Fresh",
		"C2": "Optimistic",
		"C4": "Created offline",
		"C5": "New",
	}, names)
	assert.True(t, b.Synced("session-1"))
}

func TestRun_OncePerSession(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	fetcher := &fakeFetcher{docs: map[string][]*models.Document{"customers": {customer("C1", "Acme")}}}
	b := New(fetcher, local, fakePending{}, Config{Collections: []string{"customers"}})

	_, err := b.Run(ctx, "s")
	require.NoError(t, err)
	again, err := b.Run(ctx, "s")
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.EqualValues(t, 1, fetcher.calls.Load())

	// A new session refreshes without duplicating records.
	_, err = b.Run(ctx, "other")
	require.NoError(t, err)
	n, err := local.Count(ctx, "customers")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRun_FailureLeavesLocalUntouched(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	require.NoError(t, local.Upsert(ctx, customer("C1", "Acme")))

	fetcher := &fakeFetcher{err: errors.New("503 service unavailable")}
	b := New(fetcher, local, fakePending{}, Config{Collections: []string{"customers"}})

	_, err := b.Run(ctx, "s")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrBootstrapFailed))
	assert.False(t, b.Synced("s"))

	got, err := local.Get(ctx, "customers", "C1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Data["name"])

	// The session can try again.
	fetcher.err = nil
	_, err = b.Run(ctx, "s")
	require.NoError(t, err)
	assert.True(t, b.Synced("s"))
}

func TestRun_BoundedByTimeout(t *testing.T) {
	fetcher := &fakeFetcher{delay: time.Minute}
	b := New(fetcher, newLocal(t), fakePending{}, Config{Collections: []string{"customers"}, Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := b.Run(context.Background(), "s")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_RequiresSession(t *testing.T) {
	b := New(&fakeFetcher{}, newLocal(t), fakePending{}, Config{})
	_, err := b.Run(context.Background(), "")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func payment(id, srNo string) *models.Document {
	return &models.Document{Collection: "payments", ID: id, Data: map[string]interface{}{
		"amount":  10.0,
		"paidFor": []interface{}{map[string]interface{}{"srNo": srNo}},
	}}
}

func TestRun_KeepsEntitiesCoveredByQueuedReferenceDelete(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	require.NoError(t, local.Upsert(ctx, payment("P3", "S2")))

	// GIVEN payments P1 and P2 were deleted locally by a queued bySrNo delete of S1
	fetcher := &fakeFetcher{docs: map[string][]*models.Document{
		"payments": {payment("P1", "S1"), payment("P2", "S1"), payment("P3", "S2"), payment("P4", "S3")},
	}}
	pending := fakePending{refs: map[string][]string{"payments": {"S1"}}}
	b := New(fetcher, local, pending, Config{Collections: []string{"payments"}})

	// WHEN the session bootstraps before the delete reaches the remote
	result, err := b.Run(ctx, "s")
	require.NoError(t, err)

	// THEN the deleted payments stay deleted and the rest follow the remote
	assert.Equal(t, CollectionResult{Fetched: 4, Upserted: 1, Kept: 2, Unchanged: 1}, result.Collections["payments"])
	for _, id := range []string{"P1", "P2"} {
		_, err := local.Get(ctx, "payments", id)
		assert.True(t, apperrors.Is(err, apperrors.ErrDocumentNotFound), id)
	}
	_, err = local.Get(ctx, "payments", "P4")
	require.NoError(t, err)
}
