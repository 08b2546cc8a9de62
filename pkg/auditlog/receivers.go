package auditlog

import (
	"context"
	"log/slog"
	"time"
)

// The default receivers. Each one turns a dispatched payload into log entries
// through the registry's store, guarded by the registry flags. They are wired
// at registry construction; connect resources through Registry.Register
// rather than calling these directly.

// logCreate records a freshly created instance. The diff runs against a nil
// "before" snapshot so every tracked field appears as (null, value).
func logCreate(ctx context.Context, reg *Registry, p Payload) error {
	if !reg.CanCreate() {
		return nil
	}
	opts, err := reg.ResourceOptions(p.Resource)
	if err != nil {
		return err
	}
	entry := newEntry(ctx, p, ActionCreate)
	entry.Changes = Diff(nil, p.After, opts)
	return reg.store.Save(ctx, entry)
}

// logUpdate records a change to a persisted instance. Instances without a
// primary key have never been saved and are skipped; an empty diff records
// nothing.
func logUpdate(ctx context.Context, reg *Registry, p Payload) error {
	if p.Object.PK == "" || !reg.CanUpdate() {
		return nil
	}
	opts, err := reg.ResourceOptions(p.Resource)
	if err != nil {
		return err
	}
	changes := Diff(p.Before, p.After, opts)
	if len(changes) == 0 {
		return nil
	}
	entry := newEntry(ctx, p, ActionUpdate)
	entry.Changes = changes
	return reg.store.Save(ctx, entry)
}

// logDelete records the removal of a persisted instance, diffing against a
// nil "after" snapshot.
func logDelete(ctx context.Context, reg *Registry, p Payload) error {
	if p.Object.PK == "" || !reg.CanDelete() {
		return nil
	}
	opts, err := reg.ResourceOptions(p.Resource)
	if err != nil {
		return err
	}
	entry := newEntry(ctx, p, ActionDelete)
	entry.Changes = Diff(p.Before, nil, opts)
	return reg.store.Save(ctx, entry)
}

// logRelationChange records a many-to-many membership change as one UPDATE
// entry per related object, logged against the related side. The pair
// ordering encodes direction: for "add" the changed object comes first, for
// "remove"/"clear" the related object does.
//
// Failures here are logged and swallowed rather than propagated: relation
// bookkeeping must never abort the mutation that triggered it.
func logRelationChange(ctx context.Context, reg *Registry, p Payload) error {
	rel := p.Relation
	if rel == nil || len(rel.Related) == 0 {
		return nil
	}
	switch rel.Op {
	case "add", "remove", "clear":
	default:
		slog.Warn("auditlog: ignoring relation change with unknown op",
			"op", rel.Op, "resource", p.Resource)
		return nil
	}

	for _, related := range rel.Related {
		changes := Changes{
			"id":      orient(rel.Op, p.Object.PK, related.PK),
			rel.Op:    orient(rel.Op, p.Object.Repr, related.Repr),
			"type":    orient(rel.Op, p.Resource, rel.Resource),
			"through": {rel.Through, nullValue},
		}

		entry := &Entry{
			Resource:       rel.Resource,
			ObjectPK:       related.PK,
			ObjectID:       related.ID,
			ObjectRepr:     related.Repr,
			Action:         ActionUpdate,
			Changes:        changes,
			Actor:          ActorFromContext(ctx),
			RemoteAddr:     RemoteAddrFromContext(ctx),
			AdditionalData: p.Additional,
			Timestamp:      time.Now().UTC(),
		}
		if err := reg.store.Save(ctx, entry); err != nil {
			slog.Error("auditlog: unable to record relation change",
				"resource", rel.Resource, "object_pk", related.PK, "error", err)
		}
	}
	return nil
}

// orient returns (changed, related) for "add" and (related, changed) for
// "remove"/"clear", mirroring the direction the relation was mutated in.
func orient(op, changed, related string) FieldChange {
	if op == "add" {
		return FieldChange{changed, related}
	}
	return FieldChange{related, changed}
}

func newEntry(ctx context.Context, p Payload, action Action) *Entry {
	return &Entry{
		Resource:       p.Resource,
		ObjectPK:       p.Object.PK,
		ObjectID:       p.Object.ID,
		ObjectRepr:     p.Object.Repr,
		Action:         action,
		Actor:          ActorFromContext(ctx),
		RemoteAddr:     RemoteAddrFromContext(ctx),
		AdditionalData: p.Additional,
		Timestamp:      time.Now().UTC(),
	}
}
