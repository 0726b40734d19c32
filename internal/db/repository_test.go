package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/bizsync/internal/errors"
	"github.com/kimhsiao/bizsync/internal/models"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := OpenMigrated(filepath.Join(t.TempDir(), "docs.db"), RemoteSchema)
	require.NoError(t, err)
	repo := NewRepository(db.DB)
	t.Cleanup(func() {
		repo.Close()
		db.Close()
	})
	return repo
}

func doc(collection, id string, data map[string]interface{}) *models.Document {
	return &models.Document{Collection: collection, ID: id, Data: data}
}

// =====================================================
// Single Document Tests
// =====================================================

func TestRepository_UpsertGet(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	require.NoError(t, repo.Upsert(ctx, doc("customers", "C1", map[string]interface{}{"name": "Acme"})))
	require.NoError(t, repo.Upsert(ctx, doc("customers", "C1", map[string]interface{}{"name": "Acme"})))

	got, err := repo.Get(ctx, "customers", "C1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Data["name"])
	assert.NotZero(t, got.UpdatedAt)

	n, err := repo.Count(ctx, "customers")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "upsert must not duplicate")
}

func TestRepository_GetMissing(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.Get(context.Background(), "customers", "nope")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrDocumentNotFound))
}

func TestRepository_Upsert_RequiresID(t *testing.T) {
	repo := newTestRepository(t)

	err := repo.Upsert(context.Background(), doc("customers", "", nil))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestRepository_Merge(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	require.NoError(t, repo.Upsert(ctx, doc("customers", "C1", map[string]interface{}{"name": "Acme", "city": "Oslo"})))

	merged, err := repo.Merge(ctx, "customers", "C1", map[string]interface{}{"name": "Acme Corp"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"name": "Acme Corp", "city": "Oslo"}, merged.Data)

	got, err := repo.Get(ctx, "customers", "C1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", got.Data["name"])
}

func TestRepository_MergeMissing(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, err := repo.Merge(ctx, "customers", "C9", map[string]interface{}{"name": "x"})
	assert.True(t, apperrors.Is(err, apperrors.ErrDocumentNotFound))

	n, err := repo.Count(ctx, "customers")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRepository_Delete(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	require.NoError(t, repo.Upsert(ctx, doc("customers", "C1", map[string]interface{}{"name": "Acme"})))

	existed, err := repo.Delete(ctx, "customers", "C1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = repo.Delete(ctx, "customers", "C1")
	require.NoError(t, err)
	assert.False(t, existed)
}

// =====================================================
// Batch Tests
// =====================================================

func TestRepository_DeleteAll(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	for _, id := range []string{"S1", "S2", "S3"} {
		require.NoError(t, repo.Upsert(ctx, doc("sales", id, map[string]interface{}{"srNo": id})))
	}
	require.NoError(t, repo.Upsert(ctx, doc("customers", "C1", map[string]interface{}{"name": "Acme"})))

	n, err := repo.DeleteAll(ctx, "sales")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	left, err := repo.List(ctx, "sales")
	require.NoError(t, err)
	assert.Empty(t, left)

	others, err := repo.Count(ctx, "customers")
	require.NoError(t, err)
	assert.Equal(t, 1, others)

	n, err = repo.DeleteAll(ctx, "sales")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRepository_DeleteByReference(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	require.NoError(t, repo.Upsert(ctx, doc("payments", "P1", map[string]interface{}{
		"amount": "10", "items": []interface{}{map[string]interface{}{"srNo": "S1"}},
	})))
	require.NoError(t, repo.Upsert(ctx, doc("payments", "P2", map[string]interface{}{
		"amount": "20", "items": []interface{}{map[string]interface{}{"srNo": "S2"}, map[string]interface{}{"srNo": "S1"}},
	})))
	require.NoError(t, repo.Upsert(ctx, doc("payments", "P3", map[string]interface{}{
		"amount": "30", "items": []interface{}{map[string]interface{}{"srNo": "S2"}},
	})))
	require.NoError(t, repo.Upsert(ctx, doc("payments", "P4", map[string]interface{}{
		"amount": "40", "srNo": "S1",
	})))

	n, err := repo.DeleteByReference(ctx, "payments", "S1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	left, err := repo.List(ctx, "payments")
	require.NoError(t, err)
	var ids []string
	for _, d := range left {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"P3", "P4"}, ids)

	n, err = repo.DeleteByReference(ctx, "payments", "S404")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRepository_ReplaceCollection(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	require.NoError(t, repo.Upsert(ctx, doc("suppliers", "X", map[string]interface{}{"name": "Old"})))

	err := repo.ReplaceCollection(ctx, "suppliers", []*models.Document{
		doc("suppliers", "A", map[string]interface{}{"name": "Alpha"}),
		doc("suppliers", "B", map[string]interface{}{"name": "Beta"}),
	})
	require.NoError(t, err)

	left, err := repo.List(ctx, "suppliers")
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "A", left[0].ID)
	assert.Equal(t, "Beta", left[1].Data["name"])
}

func TestReferences(t *testing.T) {
	data := map[string]interface{}{
		"items": []interface{}{"loose", map[string]interface{}{"srNo": float64(7)}},
	}
	assert.True(t, References(data, "7"))
	assert.False(t, References(data, "8"))
	assert.False(t, References(map[string]interface{}{"srNo": "7"}, "7"))
}
