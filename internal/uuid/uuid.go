// Package uuid provides time-ordered identifier generation and validation.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// UUID v7 format: xxxxxxxx-xxxx-7xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV7Regex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-7[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// New generates a new UUID v7. Values produced by one process sort in creation order.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source fails.
		return uuid.New().String()
	}
	return id.String()
}

// Parse parses a UUID v7 string.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Version() != 7 {
		return uuid.Nil, fmt.Errorf("expected UUID v7, got v%d", id.Version())
	}
	return id, nil
}

// IsValid checks if a string is a canonical lowercase UUID v7.
func IsValid(s string) bool {
	return uuidV7Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v7.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v7 format: %q", s)
	}
	return nil
}
