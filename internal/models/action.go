// Package models provides data model definitions for the offline mutation queue.
package models

import (
	"fmt"
)

// Kind is the mutation an action record describes.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

// Status is the lifecycle state of a queued action.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
)

// SpecialDelete parameterizes a delete by a predicate instead of a single id.
type SpecialDelete string

const (
	// SpecialDeleteNone deletes the single entity named by the target.
	SpecialDeleteNone SpecialDelete = ""
	// SpecialDeleteAll deletes every entity in the collection.
	SpecialDeleteAll SpecialDelete = "all"
	// SpecialDeleteByForeignKey deletes every entity whose array fields reference Target.EntityID.
	SpecialDeleteByForeignKey SpecialDelete = "byForeignKey"
)

// Target identifies the logical resource an action affects.
type Target struct {
	Collection string `json:"collection"`
	EntityID   string `json:"entity_id"`
}

// Key returns a stable grouping key for the target.
func (t Target) Key() string {
	return t.Collection + "/" + t.EntityID
}

func (t Target) String() string {
	return t.Key()
}

// ActionRecord is one durable, queued description of a pending mutation.
type ActionRecord struct {
	ID        string                 `json:"id"`
	Seq       int64                  `json:"seq"`
	Kind      Kind                   `json:"kind"`
	Target    Target                 `json:"target"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Changes   map[string]interface{} `json:"changes,omitempty"`
	Special   SpecialDelete          `json:"special,omitempty"`
	Status    Status                 `json:"status"`
	Attempts  int                    `json:"attempts"`
	LastError string                 `json:"last_error,omitempty"`
	CreatedAt int64                  `json:"created_at"` // unix nanoseconds
	UpdatedAt int64                  `json:"updated_at"`
}

// Validate checks the structural shape of the record for its kind.
// Collection-specific payload rules are checked by Schema.Validate.
func (a *ActionRecord) Validate() error {
	if !a.Kind.Valid() {
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	if a.Target.Collection == "" {
		return fmt.Errorf("collection is required")
	}

	switch a.Kind {
	case KindCreate:
		if a.Target.EntityID == "" {
			return fmt.Errorf("entity id is required for create")
		}
		if len(a.Data) == 0 {
			return fmt.Errorf("create requires data")
		}
		if a.Changes != nil || a.Special != SpecialDeleteNone {
			return fmt.Errorf("create carries only data")
		}
	case KindUpdate:
		if a.Target.EntityID == "" {
			return fmt.Errorf("entity id is required for update")
		}
		if len(a.Changes) == 0 {
			return fmt.Errorf("update requires changes")
		}
		if a.Data != nil || a.Special != SpecialDeleteNone {
			return fmt.Errorf("update carries only changes")
		}
	case KindDelete:
		if a.Data != nil || a.Changes != nil {
			return fmt.Errorf("delete carries no payload")
		}
		switch a.Special {
		case SpecialDeleteNone, SpecialDeleteByForeignKey:
			if a.Target.EntityID == "" {
				return fmt.Errorf("entity id is required for delete")
			}
		case SpecialDeleteAll:
		default:
			return fmt.Errorf("unknown special delete %q", a.Special)
		}
	}
	return nil
}

// Clone returns a copy of the record safe to hand to another goroutine.
func (a *ActionRecord) Clone() *ActionRecord {
	c := *a
	c.Data = cloneMap(a.Data)
	c.Changes = cloneMap(a.Changes)
	return &c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// QueueStats is the aggregate view of the queue published to observers.
type QueueStats struct {
	Pending    int `json:"pending"`
	Failed     int `json:"failed"`
	Processing int `json:"processing"`
}

// Total returns the number of records the stats describe.
func (s QueueStats) Total() int {
	return s.Pending + s.Processing + s.Failed
}
