// Package db provides repository interfaces for documents.
package db

import (
	"context"

	"github.com/kimhsiao/bizsync/internal/models"
)

// DocumentReader defines read access to documents.
type DocumentReader interface {
	Get(ctx context.Context, collection, id string) (*models.Document, error)
	List(ctx context.Context, collection string) ([]*models.Document, error)
}

// DocumentWriter defines single-document mutations.
type DocumentWriter interface {
	// Upsert creates or replaces a document.
	Upsert(ctx context.Context, doc *models.Document) error

	// Merge applies changes to an existing document.
	Merge(ctx context.Context, collection, id string, changes map[string]interface{}) (*models.Document, error)

	// Delete removes a document, reporting whether it existed.
	Delete(ctx context.Context, collection, id string) (bool, error)
}

// BatchDeleter defines the all-or-nothing bulk deletes.
type BatchDeleter interface {
	DeleteAll(ctx context.Context, collection string) (int64, error)
	DeleteByReference(ctx context.Context, collection, key string) (int64, error)
}

// DocumentStore combines everything the sync engine and the remote store need.
type DocumentStore interface {
	DocumentReader
	DocumentWriter
	BatchDeleter
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ DocumentReader = (*Repository)(nil)
	_ DocumentWriter = (*Repository)(nil)
	_ BatchDeleter   = (*Repository)(nil)
	_ DocumentStore  = (*Repository)(nil)
)
