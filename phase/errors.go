// ABOUTME: Sentinel and typed errors returned by the phase bubble store.
// ABOUTME: Callers use errors.Is / errors.As to distinguish lookups from rejected transitions.
package phase

import (
	"errors"
	"fmt"
)

var (
	// ErrBubbleNotFound indicates the bubble ID is unknown.
	ErrBubbleNotFound = errors.New("bubble not found")

	// ErrSectionNotFound indicates the section ID is unknown within the bubble.
	ErrSectionNotFound = errors.New("section not found")
)

// TransitionError reports a rejected backward section status change.
type TransitionError struct {
	SectionID string
	From      SectionStatus
	To        SectionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("section %s: invalid status transition %s -> %s", e.SectionID, e.From, e.To)
}
