package models

import "fmt"

// Collection identifies a whole remote collection written by legacy
// (pre-granular) queue items.
type Collection string

// Legacy collection tags as they appear in the persisted queue
const (
	CollectionForms      Collection = "forms"
	CollectionSites      Collection = "sites"
	CollectionTraining   Collection = "training"
	CollectionSignatures Collection = "signatures"
)

// Granular operation names as they appear in the persisted queue
const (
	OpSet    = "set"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Operation is one unit of work replayed against the remote store.
//
// The set of implementations is closed: SetOp, UpdateOp, DeleteOp,
// LegacyReplace and Unrecognized. Consumers match it with a type switch.
type Operation interface {
	// Label is a short human readable description used in logs and events.
	Label() string
	isOperation()
}

// SetOp replaces the value at Path.
type SetOp struct {
	Path  string
	Value any
}

// UpdateOp merges Fields into the value at Path.
type UpdateOp struct {
	Path   string
	Fields map[string]any
}

// DeleteOp removes the value at Path.
type DeleteOp struct {
	Path string
}

// LegacyReplace replaces an entire well-known collection. Only items queued
// by older producers carry this form; it stays executable for them.
type LegacyReplace struct {
	Collection Collection
	Data       any
}

// Unrecognized holds a persisted item whose operation or type tag is not
// known to this build. It can never succeed.
type Unrecognized struct {
	Name string
	Data any
}

func (SetOp) isOperation()         {}
func (UpdateOp) isOperation()      {}
func (DeleteOp) isOperation()      {}
func (LegacyReplace) isOperation() {}
func (Unrecognized) isOperation()  {}

func (o SetOp) Label() string         { return fmt.Sprintf("%s %s", OpSet, o.Path) }
func (o UpdateOp) Label() string      { return fmt.Sprintf("%s %s", OpUpdate, o.Path) }
func (o DeleteOp) Label() string      { return fmt.Sprintf("%s %s", OpDelete, o.Path) }
func (o LegacyReplace) Label() string { return fmt.Sprintf("replace %s", o.Collection) }
func (o Unrecognized) Label() string  { return fmt.Sprintf("unknown %s", o.Name) }

// KnownCollection reports whether c is one of the legacy collections.
func KnownCollection(c Collection) bool {
	switch c {
	case CollectionForms, CollectionSites, CollectionTraining, CollectionSignatures:
		return true
	}
	return false
}
