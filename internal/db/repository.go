// Package db provides the document repository shared by the local app and the remote store.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/bizsync/internal/errors"
	"github.com/kimhsiao/bizsync/internal/models"
)

// ReferenceField is the key matched inside array elements by DeleteByReference.
const ReferenceField = "srNo"

const (
	sqlUpsertDocument = `INSERT INTO documents (collection, id, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
	sqlGetDocument    = `SELECT data, updated_at FROM documents WHERE collection = ? AND id = ?`
	sqlListDocuments  = `SELECT id, data, updated_at FROM documents WHERE collection = ? ORDER BY id`
	sqlDeleteDocument = `DELETE FROM documents WHERE collection = ? AND id = ?`
	sqlCountDocuments = `SELECT COUNT(*) FROM documents WHERE collection = ?`
)

// Repository provides document persistence over a migrated database.
// Prepared statements are cached for reuse.
type Repository struct {
	db *sql.DB

	stmtCache sync.Map // map[string]*sql.Stmt
	now       func() time.Time
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Another goroutine may have prepared the same query; keep theirs.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// =====================================================
// Single Document Operations
// =====================================================

// Upsert creates or replaces a document by (collection, id).
func (r *Repository) Upsert(ctx context.Context, doc *models.Document) error {
	if doc.Collection == "" || doc.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "document requires collection and id")
	}
	data, err := encodeData(doc.Data)
	if err != nil {
		return err
	}
	if doc.UpdatedAt == 0 {
		doc.UpdatedAt = r.now().UnixNano()
	}

	stmt, err := r.PrepareStmt(ctx, sqlUpsertDocument)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "prepare upsert", err)
	}
	if _, err := stmt.ExecContext(ctx, doc.Collection, doc.ID, data, doc.UpdatedAt); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("upsert %s/%s", doc.Collection, doc.ID), err)
	}
	return nil
}

// Get retrieves a document. A missing document returns ErrDocumentNotFound.
func (r *Repository) Get(ctx context.Context, collection, id string) (*models.Document, error) {
	stmt, err := r.PrepareStmt(ctx, sqlGetDocument)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "prepare get", err)
	}

	var raw []byte
	doc := &models.Document{Collection: collection, ID: id}
	err = stmt.QueryRowContext(ctx, collection, id).Scan(&raw, &doc.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrDocumentNotFound, fmt.Sprintf("%s/%s not found", collection, id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("get %s/%s", collection, id), err)
	}
	if doc.Data, err = decodeData(raw); err != nil {
		return nil, err
	}
	return doc, nil
}

// List returns every document in a collection ordered by id.
func (r *Repository) List(ctx context.Context, collection string) ([]*models.Document, error) {
	stmt, err := r.PrepareStmt(ctx, sqlListDocuments)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "prepare list", err)
	}
	rows, err := stmt.QueryContext(ctx, collection)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list "+collection, err)
	}
	defer rows.Close()
	return scanDocuments(collection, rows)
}

// Count returns the number of documents in a collection.
func (r *Repository) Count(ctx context.Context, collection string) (int, error) {
	stmt, err := r.PrepareStmt(ctx, sqlCountDocuments)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "prepare count", err)
	}
	var n int
	if err := stmt.QueryRowContext(ctx, collection).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count "+collection, err)
	}
	return n, nil
}

// Merge applies a shallow field merge to an existing document and returns the result.
// A missing document returns ErrDocumentNotFound and nothing is written.
func (r *Repository) Merge(ctx context.Context, collection, id string, changes map[string]interface{}) (*models.Document, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "begin merge", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx, sqlGetDocument, collection, id).Scan(&raw, new(int64))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrDocumentNotFound, fmt.Sprintf("%s/%s not found", collection, id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("merge %s/%s", collection, id), err)
	}

	data, err := decodeData(raw)
	if err != nil {
		return nil, err
	}
	for k, v := range changes {
		data[k] = v
	}
	encoded, err := encodeData(data)
	if err != nil {
		return nil, err
	}

	doc := &models.Document{Collection: collection, ID: id, Data: data, UpdatedAt: r.now().UnixNano()}
	if _, err := tx.ExecContext(ctx, sqlUpsertDocument, collection, id, encoded, doc.UpdatedAt); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("merge %s/%s", collection, id), err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "commit merge", err)
	}
	return doc, nil
}

// Delete removes a document and reports whether it existed.
func (r *Repository) Delete(ctx context.Context, collection, id string) (bool, error) {
	stmt, err := r.PrepareStmt(ctx, sqlDeleteDocument)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "prepare delete", err)
	}
	res, err := stmt.ExecContext(ctx, collection, id)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("delete %s/%s", collection, id), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "rows affected", err)
	}
	return n > 0, nil
}

// =====================================================
// Batch Operations
// =====================================================

// DeleteAll removes every document of a collection in one transaction.
func (r *Repository) DeleteAll(ctx context.Context, collection string) (int64, error) {
	var n int64
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, collection)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "delete all "+collection, err)
	}
	return n, nil
}

// DeleteByReference removes, in one transaction, every document of a collection
// holding an array field with an element whose ReferenceField equals key.
func (r *Repository) DeleteByReference(ctx context.Context, collection, key string) (int64, error) {
	var n int64
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, sqlListDocuments, collection)
		if err != nil {
			return err
		}
		docs, err := scanDocuments(collection, rows)
		rows.Close()
		if err != nil {
			return err
		}

		for _, doc := range docs {
			if !References(doc.Data, key) {
				continue
			}
			if _, err := tx.ExecContext(ctx, sqlDeleteDocument, collection, doc.ID); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("delete %s referencing %s", collection, key), err)
	}
	return n, nil
}

// ReplaceCollection makes the collection hold exactly docs, in one transaction.
func (r *Repository) ReplaceCollection(ctx context.Context, collection string, docs []*models.Document) error {
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, collection); err != nil {
			return err
		}
		now := r.now().UnixNano()
		for _, doc := range docs {
			data, err := encodeData(doc.Data)
			if err != nil {
				return err
			}
			if doc.UpdatedAt == 0 {
				doc.UpdatedAt = now
			}
			if _, err := tx.ExecContext(ctx, sqlUpsertDocument, collection, doc.ID, data, doc.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "replace "+collection, err)
	}
	return nil
}

// References reports whether any array-valued top-level field of data contains
// an object whose ReferenceField equals key.
func References(data map[string]interface{}, key string) bool {
	for _, v := range data {
		items, ok := v.([]interface{})
		if !ok {
			continue
		}
		for _, item := range items {
			obj, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if ref, ok := obj[ReferenceField]; ok && fmt.Sprint(ref) == key {
				return true
			}
		}
	}
	return false
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func scanDocuments(collection string, rows *sql.Rows) ([]*models.Document, error) {
	var docs []*models.Document
	for rows.Next() {
		var raw []byte
		doc := &models.Document{Collection: collection}
		if err := rows.Scan(&doc.ID, &raw, &doc.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan document", err)
		}
		data, err := decodeData(raw)
		if err != nil {
			return nil, err
		}
		doc.Data = data
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate documents", err)
	}
	return docs, nil
}

func encodeData(data map[string]interface{}) ([]byte, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "encode document data", err)
	}
	return b, nil
}

func decodeData(raw []byte) (map[string]interface{}, error) {
	data := map[string]interface{}{}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "decode document data", err)
	}
	return data, nil
}
