// Package reconciler replays queued action records against the remote document store.
package reconciler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kimhsiao/bizsync/internal/models"
	"github.com/kimhsiao/bizsync/internal/sync/protocol"
)

// DefaultTimeout bounds a single remote call when Config.Timeout is unset.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of an error response is kept in the message.
const maxErrorBody = 512

// Reconciler applies one action record to the remote store.
type Reconciler interface {
	Reconcile(ctx context.Context, rec *models.ActionRecord) error
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Schema validates records before they are sent. A nil schema only checks structure.
	Schema models.Schema
}

// Client talks to the remote /sync and /collections endpoints.
type Client struct {
	baseURL string
	timeout time.Duration
	schema  models.Schema
	http    *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		schema:  cfg.Schema,
		http:    &http.Client{},
	}
}

// HTTPClient returns the underlying HTTP client.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Timeout returns the per-call timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Reconcile sends the record to POST /sync. It returns nil on success or a
// *ReconcileError. Deletes of entities that are already gone succeed.
func (c *Client) Reconcile(ctx context.Context, rec *models.ActionRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewTransientError(fmt.Errorf("reconcile panicked: %v", r))
		}
	}()

	if verr := c.validate(rec); verr != nil {
		return NewValidationError(verr)
	}
	req, perr := protocol.FromRecord(rec)
	if perr != nil {
		return NewValidationError(perr)
	}
	body, perr := protocol.Marshal(req)
	if perr != nil {
		return NewValidationError(fmt.Errorf("encode request: %w", perr))
	}

	status, respBody, err := c.do(ctx, http.MethodPost, "/sync", body)
	if err != nil {
		return err
	}

	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusBadRequest:
		return &ReconcileError{Class: ClassValidation, Status: status, Err: remoteError(respBody)}
	case status == http.StatusNotFound:
		if rec.Kind == models.KindDelete {
			return nil
		}
		return &ReconcileError{Class: ClassNotFound, Status: status, Err: remoteError(respBody)}
	default:
		return &ReconcileError{Class: ClassTransient, Status: status, Err: remoteError(respBody)}
	}
}

// FetchCollection lists the remote documents of a collection.
func (c *Client) FetchCollection(ctx context.Context, collection string) ([]*models.Document, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/collections/"+collection, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		class := ClassTransient
		switch status {
		case http.StatusBadRequest:
			class = ClassValidation
		case http.StatusNotFound:
			class = ClassNotFound
		}
		return nil, &ReconcileError{Class: class, Status: status, Err: remoteError(body)}
	}

	var resp protocol.CollectionResponse
	if err := protocol.Unmarshal(body, &resp); err != nil {
		return nil, NewTransientError(fmt.Errorf("decode %s listing: %w", collection, err))
	}
	docs := make([]*models.Document, 0, len(resp.Documents))
	for _, d := range resp.Documents {
		docs = append(docs, &models.Document{Collection: collection, ID: d.ID, Data: d.Data})
	}
	return docs, nil
}

// Ping checks the remote liveness endpoint.
func (c *Client) Ping(ctx context.Context) error {
	status, body, err := c.do(ctx, http.MethodGet, "/sync", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &ReconcileError{Class: ClassTransient, Status: status, Err: remoteError(body)}
	}
	return nil
}

func (c *Client) validate(rec *models.ActionRecord) error {
	if c.schema != nil {
		return c.schema.Validate(rec)
	}
	return rec.Validate()
}

// do performs one bounded request. Transport failures are returned as transient errors.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, NewValidationError(fmt.Errorf("build request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, NewTransientError(fmt.Errorf("%s %s timed out after %s: %w", method, path, c.timeout, err))
		}
		return 0, nil, NewTransientError(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, NewTransientError(fmt.Errorf("read %s response: %w", path, err))
	}
	return resp.StatusCode, respBody, nil
}

// remoteError extracts the server's message from an error body.
func remoteError(body []byte) error {
	var resp protocol.Response
	if err := protocol.Unmarshal(body, &resp); err == nil {
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		if resp.Message != "" {
			return errors.New(resp.Message)
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	if text == "" {
		text = "empty response"
	}
	return errors.New(text)
}

var _ Reconciler = (*Client)(nil)
