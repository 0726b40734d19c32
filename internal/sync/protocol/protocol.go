// Package protocol defines the JSON wire format of the remote /sync endpoint.
package protocol

import (
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"github.com/kimhsiao/bizsync/internal/models"
)

// Action is the wire name of a mutation kind.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Special delete keys carried in Payload.Changes.
const (
	ChangeAll    = "all"
	ChangeBySrNo = "bySrNo"
)

// LivenessMessage is returned by GET /sync.
const LivenessMessage = "Sync API is running"

// Request is the body of POST /sync.
type Request struct {
	Action  Action  `json:"action"`
	Payload Payload `json:"payload"`
}

// Payload addresses an entity and carries its data or changes.
type Payload struct {
	Collection string                 `json:"collection"`
	ID         string                 `json:"id,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Changes    map[string]interface{} `json:"changes,omitempty"`
}

// Response is the body of every /sync reply.
type Response struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Deleted *int64 `json:"deleted,omitempty"`
}

// Document is one entity in a collection listing.
type Document struct {
	ID   string                 `json:"id"`
	Data map[string]interface{} `json:"data"`
}

// CollectionResponse is the body of GET /collections/{collection}.
type CollectionResponse struct {
	Documents []Document `json:"documents"`
}

// FromRecord builds the request that replays an action record.
func FromRecord(rec *models.ActionRecord) (*Request, error) {
	req := &Request{
		Action:  Action(rec.Kind),
		Payload: Payload{Collection: rec.Target.Collection},
	}

	switch rec.Kind {
	case models.KindCreate:
		req.Payload.ID = rec.Target.EntityID
		req.Payload.Data = rec.Data
	case models.KindUpdate:
		req.Payload.ID = rec.Target.EntityID
		req.Payload.Changes = rec.Changes
	case models.KindDelete:
		switch rec.Special {
		case models.SpecialDeleteNone:
			req.Payload.ID = rec.Target.EntityID
		case models.SpecialDeleteAll:
			req.Payload.Changes = map[string]interface{}{ChangeAll: true}
		case models.SpecialDeleteByForeignKey:
			req.Payload.Changes = map[string]interface{}{ChangeBySrNo: rec.Target.EntityID}
		default:
			return nil, fmt.Errorf("unknown special delete %q", rec.Special)
		}
	default:
		return nil, fmt.Errorf("unknown action kind %q", rec.Kind)
	}
	return req, nil
}

// ToRecord interprets a request as an action record. Only structure is checked;
// collection rules are applied by the caller's schema.
func (r *Request) ToRecord() (*models.ActionRecord, error) {
	rec := &models.ActionRecord{
		Kind:   models.Kind(r.Action),
		Target: models.Target{Collection: r.Payload.Collection, EntityID: r.Payload.ID},
	}

	switch r.Action {
	case ActionCreate:
		rec.Data = r.Payload.Data
	case ActionUpdate:
		rec.Changes = r.Payload.Changes
	case ActionDelete:
		if len(r.Payload.Changes) > 0 {
			if err := parseSpecial(r.Payload.Changes, rec); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unknown action %q", r.Action)
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

func parseSpecial(changes map[string]interface{}, rec *models.ActionRecord) error {
	if len(changes) != 1 {
		return fmt.Errorf("special delete takes exactly one key")
	}
	if v, ok := changes[ChangeAll]; ok {
		if all, _ := v.(bool); !all {
			return fmt.Errorf("%q must be true", ChangeAll)
		}
		rec.Special = models.SpecialDeleteAll
		rec.Target.EntityID = ""
		return nil
	}
	if v, ok := changes[ChangeBySrNo]; ok {
		key, _ := v.(string)
		if key == "" {
			return fmt.Errorf("%q must be a non-empty string", ChangeBySrNo)
		}
		rec.Special = models.SpecialDeleteByForeignKey
		rec.Target.EntityID = key
		return nil
	}
	return fmt.Errorf("unknown special delete in changes")
}

// Marshal encodes a wire value.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes a wire value.
func Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// Decode reads one wire value from r.
func Decode(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

// Encode writes one wire value to w.
func Encode(w io.Writer, v interface{}) error {
	return json.NewEncoder(w).Encode(v)
}
