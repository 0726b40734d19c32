package models

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// ActionRow is the persisted form of an ActionRecord.
type ActionRow struct {
	Seq        int64  `db:"seq"`
	ID         string `db:"id"`
	Kind       string `db:"kind"`
	Collection string `db:"collection"`
	EntityID   string `db:"entity_id"`
	Payload    []byte `db:"payload"` // JSON {"data":..,"changes":..}
	Special    string `db:"special"`
	Status     string `db:"status"`
	Attempts   int    `db:"attempts"`
	LastError  string `db:"last_error"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
}

// TableName returns the table name for ActionRow.
func (ActionRow) TableName() string {
	return "action_queue"
}

type rowPayload struct {
	Data    map[string]interface{} `json:"data"`
	Changes map[string]interface{} `json:"changes"`
}

// ToRow converts an ActionRecord to its persisted form.
func (a *ActionRecord) ToRow() (*ActionRow, error) {
	payload, err := json.Marshal(rowPayload{Data: a.Data, Changes: a.Changes})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return &ActionRow{
		Seq:        a.Seq,
		ID:         a.ID,
		Kind:       string(a.Kind),
		Collection: a.Target.Collection,
		EntityID:   a.Target.EntityID,
		Payload:    payload,
		Special:    string(a.Special),
		Status:     string(a.Status),
		Attempts:   a.Attempts,
		LastError:  a.LastError,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}, nil
}

// FromRow converts a persisted row back into an ActionRecord.
func FromRow(row *ActionRow) (*ActionRecord, error) {
	var p rowPayload
	if len(row.Payload) > 0 {
		if err := json.Unmarshal(row.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", row.ID, err)
		}
	}
	return &ActionRecord{
		ID:        row.ID,
		Seq:       row.Seq,
		Kind:      Kind(row.Kind),
		Target:    Target{Collection: row.Collection, EntityID: row.EntityID},
		Data:      p.Data,
		Changes:   p.Changes,
		Special:   SpecialDelete(row.Special),
		Status:    Status(row.Status),
		Attempts:  row.Attempts,
		LastError: row.LastError,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}
