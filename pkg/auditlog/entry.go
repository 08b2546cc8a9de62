// Package auditlog implements change auditing for application data models.
// Applications register the resources they want tracked together with
// per-resource field options (include / exclude / display mapping), then report
// lifecycle events (create, update, delete, relation membership changes)
// through the registry. Each event is reduced to a field-level diff between the
// previous and new snapshot and persisted as a structured log entry through a
// pluggable Store.
//
// The package is storage-agnostic on purpose: the service in internal/ wires a
// PostgreSQL-backed store plus external shipping, but embedders can supply any
// Store implementation.
package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Action identifies the kind of mutation an entry records. The numeric codes
// are part of the persisted format and must not be renumbered.
type Action int

const (
	ActionCreate Action = 0
	ActionUpdate Action = 1
	ActionDelete Action = 2
)

// String returns the lowercase action name used in the API and in metrics labels.
func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction converts an action name ("create", "update", "delete") to its code.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create":
		return ActionCreate, nil
	case "update":
		return ActionUpdate, nil
	case "delete":
		return ActionDelete, nil
	default:
		return 0, fmt.Errorf("auditlog: unknown action %q", s)
	}
}

// FieldChange is an (old, new) value pair for a single field.
type FieldChange [2]string

// Old returns the previous value.
func (fc FieldChange) Old() string { return fc[0] }

// New returns the current value.
func (fc FieldChange) New() string { return fc[1] }

// Changes maps field names to their (old, new) value pairs.
type Changes map[string]FieldChange

// String renders the change set as a single human-readable line with fields in
// deterministic order, e.g. `email: "a@x" -> "b@x"; name: "A" -> "B"`.
func (c Changes) String() string {
	if len(c) == 0 {
		return ""
	}
	fields := make([]string, 0, len(c))
	for f := range c {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		fc := c[f]
		parts = append(parts, fmt.Sprintf("%s: %q -> %q", f, fc.Old(), fc.New()))
	}
	return strings.Join(parts, "; ")
}

// Entry is a single recorded change. The Store assigns ID on persistence if
// left empty.
type Entry struct {
	ID             string         `json:"id,omitempty"`
	Resource       string         `json:"resource"`
	ObjectPK       string         `json:"object_pk"`
	ObjectID       *int64         `json:"object_id,omitempty"`
	ObjectRepr     string         `json:"object_repr"`
	Action         Action         `json:"action"`
	Changes        Changes        `json:"changes,omitempty"`
	Actor          string         `json:"actor,omitempty"`
	RemoteAddr     string         `json:"remote_addr,omitempty"`
	AdditionalData map[string]any `json:"additional_data,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// ChangesJSON returns the serialized diff as stored alongside the entry.
func (e *Entry) ChangesJSON() ([]byte, error) {
	if e.Changes == nil {
		return nil, nil
	}
	return json.Marshal(e.Changes)
}

// Store persists recorded entries. Implementations must be safe for concurrent
// use; receivers may run from multiple goroutines.
type Store interface {
	Save(ctx context.Context, entry *Entry) error
}

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, entry *Entry) error

// Save calls f.
func (f StoreFunc) Save(ctx context.Context, entry *Entry) error { return f(ctx, entry) }

// Object is implemented by model instances reported through the typed
// dispatch methods. ObjectPK returns the primary key rendered as a string; an
// empty string means the instance has not been persisted yet.
type Object interface {
	ObjectPK() string
}

// ObjectMeta carries the identity of an affected object. ID is the numeric
// form of the primary key when it parses as an integer, for efficient keyed
// lookups in the store.
type ObjectMeta struct {
	PK   string `json:"pk"`
	ID   *int64 `json:"id,omitempty"`
	Repr string `json:"repr,omitempty"`
}
