package models

// Document is an entity as stored locally and in the remote document store.
type Document struct {
	Collection string                 `json:"collection"`
	ID         string                 `json:"id"`
	Data       map[string]interface{} `json:"data"`
	UpdatedAt  int64                  `json:"updated_at"`
}

// Target returns the action target addressing this document.
func (d *Document) Target() Target {
	return Target{Collection: d.Collection, EntityID: d.ID}
}
