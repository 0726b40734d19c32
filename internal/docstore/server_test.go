package docstore

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/bizsync/internal/db"
	"github.com/kimhsiao/bizsync/internal/models"
	"github.com/kimhsiao/bizsync/internal/sync/protocol"
)

func newTestServer(t *testing.T) (*httptest.Server, *db.Repository) {
	t.Helper()
	database, err := db.OpenMigrated(filepath.Join(t.TempDir(), "remote.db"), db.RemoteSchema)
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})

	srv := httptest.NewServer(NewServer(repo, nil).Router())
	t.Cleanup(srv.Close)
	return srv, repo
}

func post(t *testing.T, srv *httptest.Server, body string) (int, protocol.Response) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/sync", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out protocol.Response
	require.NoError(t, protocol.Decode(resp.Body, &out))
	return resp.StatusCode, out
}

func TestLiveness(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/sync")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out protocol.Response
	require.NoError(t, protocol.Decode(resp.Body, &out))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, protocol.LivenessMessage, out.Message)
}

func TestApply_CreateIsIdempotent(t *testing.T) {
	srv, repo := newTestServer(t)
	body := `{"action":"create","payload":{"collection":"customers","id":"C1","data":{"name":"Acme"}}}`

	// GIVEN: the same create replayed twice
	for i := 0; i < 2; i++ {
		status, out := post(t, srv, body)
		require.Equal(t, http.StatusOK, status)
		assert.NotEmpty(t, out.Message)
	}

	// THEN: one document exists
	n, err := repo.Count(context.Background(), "customers")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestApply_UpdateMergesFields(t *testing.T) {
	srv, repo := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, &models.Document{
		Collection: "customers", ID: "C1",
		Data: map[string]interface{}{"name": "Acme", "phone": "555"},
	}))

	status, _ := post(t, srv, `{"action":"update","payload":{"collection":"customers","id":"C1","changes":{"name":"Acme Corp"}}}`)
	require.Equal(t, http.StatusOK, status)

	doc, err := repo.Get(ctx, "customers", "C1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", doc.Data["name"])
	assert.Equal(t, "555", doc.Data["phone"])
}

func TestApply_UpdateMissingIsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	status, out := post(t, srv, `{"action":"update","payload":{"collection":"customers","id":"nope","changes":{"name":"x"}}}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.NotEmpty(t, out.Error)
}

func TestApply_DeleteMissingSucceeds(t *testing.T) {
	srv, _ := newTestServer(t)

	status, out := post(t, srv, `{"action":"delete","payload":{"collection":"customers","id":"gone"}}`)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, out.Deleted)
	assert.Equal(t, int64(0), *out.Deleted)
}

func TestApply_DeleteAll(t *testing.T) {
	srv, repo := newTestServer(t)
	ctx := context.Background()
	for _, id := range []string{"S1", "S2", "S3"} {
		require.NoError(t, repo.Upsert(ctx, &models.Document{
			Collection: "sales", ID: id,
			Data: map[string]interface{}{"srNo": id, "customerId": "C1"},
		}))
	}

	status, out := post(t, srv, `{"action":"delete","payload":{"collection":"sales","changes":{"all":true}}}`)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, out.Deleted)
	assert.Equal(t, int64(3), *out.Deleted)

	n, err := repo.Count(ctx, "sales")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApply_DeleteBySrNo(t *testing.T) {
	srv, repo := newTestServer(t)
	ctx := context.Background()

	// GIVEN: two payments, one of which references sale S1
	require.NoError(t, repo.Upsert(ctx, &models.Document{
		Collection: "payments", ID: "P1",
		Data: map[string]interface{}{
			"amount": "10.00",
			"sales":  []interface{}{map[string]interface{}{"srNo": "S1"}},
		},
	}))
	require.NoError(t, repo.Upsert(ctx, &models.Document{
		Collection: "payments", ID: "P2",
		Data: map[string]interface{}{
			"amount": "4.50",
			"sales":  []interface{}{map[string]interface{}{"srNo": "S2"}},
		},
	}))

	// WHEN: deleting by foreign key S1
	status, out := post(t, srv, `{"action":"delete","payload":{"collection":"payments","changes":{"bySrNo":"S1"}}}`)

	// THEN: only P1 is removed
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(1), *out.Deleted)
	_, err := repo.Get(ctx, "payments", "P2")
	assert.NoError(t, err)
	_, err = repo.Get(ctx, "payments", "P1")
	assert.Error(t, err)
}

func TestApply_Rejects(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"unknown action", `{"action":"upsert","payload":{"collection":"customers","id":"C1"}}`},
		{"unknown collection", `{"action":"create","payload":{"collection":"widgets","id":"W1","data":{"name":"x"}}}`},
		{"missing required field", `{"action":"create","payload":{"collection":"customers","id":"C1","data":{}}}`},
		{"bad amount", `{"action":"update","payload":{"collection":"payments","id":"P1","changes":{"amount":"ten"}}}`},
		{"create without id", `{"action":"create","payload":{"collection":"customers","data":{"name":"x"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := post(t, srv, tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.NotEmpty(t, out.Error)
		})
	}
}

func TestListCollection(t *testing.T) {
	srv, repo := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, &models.Document{
		Collection: "customers", ID: "C1", Data: map[string]interface{}{"name": "Acme"},
	}))

	resp, err := http.Get(srv.URL + "/collections/customers")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out protocol.CollectionResponse
	require.NoError(t, protocol.Decode(resp.Body, &out))
	require.Len(t, out.Documents, 1)
	assert.Equal(t, "C1", out.Documents[0].ID)
	assert.Equal(t, "Acme", out.Documents[0].Data["name"])

	unknown, err := http.Get(srv.URL + "/collections/widgets")
	require.NoError(t, err)
	unknown.Body.Close()
	assert.Equal(t, http.StatusNotFound, unknown.StatusCode)
}
