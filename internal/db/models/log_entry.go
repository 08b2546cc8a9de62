// Package models - log_entry.go defines the LogEntry row type for the audit
// trail, capturing the affected object, the action code, the serialized
// field-level diff, the acting identity, and the hash-chain checksum.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/changetrail/changetrail/pkg/auditlog"
)

// LogEntry is one persisted change record. Seq is assigned by the database
// and fixes the hash-chain order; Checksum covers the canonical encoding of
// this row plus the previous row's checksum.
type LogEntry struct {
	ID             string
	Seq            int64
	Resource       string
	ObjectPK       string
	ObjectID       *int64 // numeric form of the PK when it parses as an integer
	ObjectRepr     string
	Action         auditlog.Action
	Changes        auditlog.Changes
	Actor          *string // nullable for unattributed system mutations
	RemoteAddr     *string
	AdditionalData map[string]any
	Checksum       string
	CreatedAt      time.Time
}

// FromEntry converts a recorded auditlog entry into its row form.
func FromEntry(e *auditlog.Entry) *LogEntry {
	row := &LogEntry{
		ID:             e.ID,
		Resource:       e.Resource,
		ObjectPK:       e.ObjectPK,
		ObjectID:       e.ObjectID,
		ObjectRepr:     e.ObjectRepr,
		Action:         e.Action,
		Changes:        e.Changes,
		AdditionalData: e.AdditionalData,
		CreatedAt:      e.Timestamp,
	}
	if e.Actor != "" {
		actor := e.Actor
		row.Actor = &actor
	}
	if e.RemoteAddr != "" {
		addr := e.RemoteAddr
		row.RemoteAddr = &addr
	}
	return row
}

// Entry converts the row back to the library type for API responses.
func (l *LogEntry) Entry() *auditlog.Entry {
	e := &auditlog.Entry{
		ID:             l.ID,
		Resource:       l.Resource,
		ObjectPK:       l.ObjectPK,
		ObjectID:       l.ObjectID,
		ObjectRepr:     l.ObjectRepr,
		Action:         l.Action,
		Changes:        l.Changes,
		AdditionalData: l.AdditionalData,
		Timestamp:      l.CreatedAt,
	}
	if l.Actor != nil {
		e.Actor = *l.Actor
	}
	if l.RemoteAddr != nil {
		e.RemoteAddr = *l.RemoteAddr
	}
	return e
}

// canonicalLogEntry is the checksum input encoding. Field order is fixed by
// the struct declaration; map-typed fields marshal with sorted keys, so the
// encoding is deterministic for a given row. Seq and Checksum are excluded:
// Seq is implied by chain position and Checksum is the output.
type canonicalLogEntry struct {
	ID             string           `json:"id"`
	Resource       string           `json:"resource"`
	ObjectPK       string           `json:"object_pk"`
	ObjectID       *int64           `json:"object_id"`
	ObjectRepr     string           `json:"object_repr"`
	Action         int              `json:"action"`
	Changes        auditlog.Changes `json:"changes"`
	Actor          *string          `json:"actor"`
	RemoteAddr     *string          `json:"remote_addr"`
	AdditionalData map[string]any   `json:"additional_data"`
	CreatedAt      string           `json:"created_at"`
}

// CanonicalJSON returns the deterministic encoding the hash chain is computed
// over.
func (l *LogEntry) CanonicalJSON() ([]byte, error) {
	payload, err := json.Marshal(canonicalLogEntry{
		ID:             l.ID,
		Resource:       l.Resource,
		ObjectPK:       l.ObjectPK,
		ObjectID:       l.ObjectID,
		ObjectRepr:     l.ObjectRepr,
		Action:         int(l.Action),
		Changes:        l.Changes,
		Actor:          l.Actor,
		RemoteAddr:     l.RemoteAddr,
		AdditionalData: l.AdditionalData,
		CreatedAt:      l.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode log entry for checksum: %w", err)
	}
	return payload, nil
}
