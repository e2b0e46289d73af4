// Package watchdog fans asynchronous metadata-change events out to the
// listeners governance services register. A single registration point
// receives every inbound event; each listener sees only the events its
// filters admit, and a misbehaving listener never disturbs the rest of the
// fan-out.
package watchdog

import (
	"github.com/governd/governd/internal/platform"
)

// EventKind identifies what changed on the platform.
type EventKind string

const (
	NewElement     EventKind = "new-element"
	UpdatedElement EventKind = "updated-element"
	DeletedElement EventKind = "deleted-element"

	ClassifiedElement   EventKind = "classified-element"
	ReclassifiedElement EventKind = "reclassified-element"
	DeclassifiedElement EventKind = "declassified-element"

	NewRelationship     EventKind = "new-relationship"
	UpdatedRelationship EventKind = "updated-relationship"
	DeletedRelationship EventKind = "deleted-relationship"
)

// Relationship describes a changed relationship and the two elements it
// connects.
type Relationship struct {
	Header platform.ElementHeader `json:"header"`
	End1   platform.ElementHeader `json:"end1"`
	End2   platform.ElementHeader `json:"end2"`
}

// Event is one watchdog notification. Element is set for element and
// classification changes; Relationship for relationship changes.
type Event struct {
	Kind               EventKind               `json:"kind"`
	Element            *platform.ElementHeader `json:"element,omitempty"`
	ClassificationName string                  `json:"classification_name,omitempty"`
	Relationship       *Relationship           `json:"relationship,omitempty"`
}

// Subject returns the element header filtering applies to: the changed
// element for element/classification events, the relationship header for
// relationship events.
func (e Event) Subject() *platform.ElementHeader {
	switch e.Kind {
	case NewRelationship, UpdatedRelationship, DeletedRelationship:
		if e.Relationship != nil {
			return &e.Relationship.Header
		}
		return nil
	default:
		return e.Element
	}
}

// Listener receives events whose filters match. An error return is logged
// and does not affect delivery to other listeners.
type Listener interface {
	ProcessEvent(event Event) error
}
