// Package conflict decides how remote snapshots overwrite local documents.
package conflict

import (
	"reflect"

	"github.com/kimhsiao/bizsync/internal/logging"
	"github.com/kimhsiao/bizsync/internal/models"
)

// ResolutionStrategy defines how a document present on both sides is resolved.
type ResolutionStrategy string

const (
	// ResolutionStrategyRemoteWins treats the remote store as authoritative.
	ResolutionStrategyRemoteWins ResolutionStrategy = "remote_wins"
	// ResolutionStrategyLastWriteWins keeps whichever side was written last.
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
)

// Decision is what the caller should do with the local document.
type Decision string

const (
	DecisionKeepLocal   Decision = "keep_local"
	DecisionTakeRemote  Decision = "take_remote"
	DecisionDeleteLocal Decision = "delete_local"
	DecisionUnchanged   Decision = "unchanged"
)

// Resolver handles conflicts between local state and a remote snapshot.
type Resolver struct {
	strategy ResolutionStrategy
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	return &Resolver{
		strategy: strategy,
	}
}

// Conflict describes one entity seen locally and/or remotely.
type Conflict struct {
	Target models.Target
	Local  *models.Document // nil when absent locally
	Remote *models.Document // nil when absent remotely
	// Pending is true when the queue still holds unsynced work for the target.
	Pending bool
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	Decision Decision
	Winner   *models.Document // nil for DecisionDeleteLocal
	Strategy ResolutionStrategy
}

// Resolve decides the outcome for one entity. Local optimistic state with
// pending queue work always survives.
func (r *Resolver) Resolve(c *Conflict) (*ResolveResult, error) {
	if c == nil || (c.Local == nil && c.Remote == nil) {
		return nil, ErrInvalidConflict
	}
	if c.Local != nil && c.Remote != nil && c.Local.ID != c.Remote.ID {
		return nil, ErrItemIDMismatch
	}

	result := &ResolveResult{Strategy: r.strategy}
	switch {
	case c.Pending:
		result.Decision = DecisionKeepLocal
		result.Winner = c.Local
	case c.Remote == nil:
		result.Decision = DecisionDeleteLocal
	case c.Local == nil:
		result.Decision = DecisionTakeRemote
		result.Winner = c.Remote
	case reflect.DeepEqual(c.Local.Data, c.Remote.Data):
		result.Decision = DecisionUnchanged
		result.Winner = c.Local
	case r.strategy == ResolutionStrategyLastWriteWins && c.Local.UpdatedAt >= c.Remote.UpdatedAt:
		result.Decision = DecisionKeepLocal
		result.Winner = c.Local
	default:
		result.Decision = DecisionTakeRemote
		result.Winner = c.Remote
	}

	if result.Decision != DecisionUnchanged {
		logging.Debug("Conflict resolved", map[string]interface{}{
			"target":   c.Target.Key(),
			"decision": string(result.Decision),
			"pending":  c.Pending,
			"strategy": string(r.strategy),
		})
	}
	return result, nil
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: at least one side must be present"}
	ErrItemIDMismatch  = &ConflictError{Message: "item ID mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
