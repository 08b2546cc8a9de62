// Package events implements the ingest endpoint. Applications report object
// lifecycle events here; the handler routes them through the audit registry,
// which diffs the reported states and persists the resulting log entries.
package events

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/changetrail/changetrail/internal/telemetry"
	"github.com/changetrail/changetrail/pkg/auditlog"
)

// ObjectRef identifies the object an event is about.
type ObjectRef struct {
	PK   string `json:"pk"`
	Repr string `json:"repr"`
}

// RelationRef describes a many-to-many membership change.
type RelationRef struct {
	Op       string      `json:"op" binding:"required"`
	Through  string      `json:"through"`
	Resource string      `json:"resource" binding:"required"`
	Related  []ObjectRef `json:"related" binding:"required"`
}

// EventRequest is one reported lifecycle event. Before and After carry the
// object state as flat field-to-rendered-value maps; the producing client is
// the only party that has the pre-mutation state, so it must send both sides
// for updates.
type EventRequest struct {
	Event      string            `json:"event" binding:"required"`
	Resource   string            `json:"resource" binding:"required"`
	Object     ObjectRef         `json:"object"`
	Before     map[string]string `json:"before"`
	After      map[string]string `json:"after"`
	Relation   *RelationRef      `json:"relation"`
	Additional map[string]any    `json:"additional_data"`
}

// Handler serves the ingest endpoint.
type Handler struct {
	registry *auditlog.Registry
}

// NewHandler creates the ingest handler backed by the given registry.
func NewHandler(registry *auditlog.Registry) *Handler {
	return &Handler{registry: registry}
}

// Ingest handles POST /api/v1/events. A recorded or deliberately suppressed
// event returns 202; malformed or unregistered events return 4xx. Suppression
// is not an error from the producer's point of view — the event was valid,
// the server's flags just say not to keep it.
func (h *Handler) Ingest(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	event, ok := parseEvent(req.Event)
	if !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown event: " + req.Event})
		return
	}

	opts, err := h.registry.ResourceOptions(req.Resource)
	if err != nil {
		if errors.Is(err, auditlog.ErrNotRegistered) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "resource is not registered: " + req.Resource})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve resource"})
		return
	}

	if msg := validateStates(event, &req); msg != "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": msg})
		return
	}

	if reason := h.suppressionReason(event, &req, opts); reason != "" {
		telemetry.AuditEntriesSuppressedTotal.WithLabelValues(reason).Inc()
		c.JSON(http.StatusAccepted, gin.H{"status": "suppressed", "reason": reason})
		return
	}

	payload := auditlog.Payload{
		Object:     objectMeta(req.Resource, req.Object),
		Before:     auditlog.Snapshot(req.Before),
		After:      auditlog.Snapshot(req.After),
		Additional: req.Additional,
	}
	if req.Relation != nil {
		related := make([]auditlog.ObjectMeta, 0, len(req.Relation.Related))
		for _, ref := range req.Relation.Related {
			related = append(related, objectMeta(req.Relation.Resource, ref))
		}
		payload.Relation = &auditlog.RelationChange{
			Op:       req.Relation.Op,
			Through:  req.Relation.Through,
			Resource: req.Relation.Resource,
			Related:  related,
		}
	}

	if err := h.registry.Dispatch(c.Request.Context(), event, req.Resource, payload); err != nil {
		if errors.Is(err, auditlog.ErrNotRegistered) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record event"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}

func parseEvent(s string) (auditlog.Event, bool) {
	switch s {
	case "create":
		return auditlog.EventCreate, true
	case "update":
		return auditlog.EventUpdate, true
	case "delete":
		return auditlog.EventDelete, true
	case "relation":
		return auditlog.EventRelation, true
	default:
		return 0, false
	}
}

// validateStates enforces the state maps each event kind needs. Create needs
// the new state, update needs both sides, delete needs the final state.
func validateStates(event auditlog.Event, req *EventRequest) string {
	switch event {
	case auditlog.EventCreate:
		if len(req.After) == 0 {
			return "create event requires the after state"
		}
	case auditlog.EventUpdate:
		if len(req.Before) == 0 || len(req.After) == 0 {
			return "update event requires both before and after states"
		}
	case auditlog.EventDelete:
		if len(req.Before) == 0 {
			return "delete event requires the before state"
		}
	case auditlog.EventRelation:
		if req.Relation == nil {
			return "relation event requires the relation block"
		}
		switch req.Relation.Op {
		case "add", "remove", "clear":
		default:
			return "unknown relation op: " + req.Relation.Op
		}
		if len(req.Relation.Related) == 0 {
			return "relation event requires at least one related object"
		}
	}
	return ""
}

// suppressionReason reports why a valid event will not produce an entry, or
// "" when it will. Relation events are exempt from the per-kind flags; they
// record membership bookkeeping that has no flag of its own.
func (h *Handler) suppressionReason(event auditlog.Event, req *EventRequest, opts auditlog.Options) string {
	switch event {
	case auditlog.EventCreate:
		if !h.registry.CanCreate() {
			return "disabled"
		}
	case auditlog.EventUpdate:
		if !h.registry.CanUpdate() {
			return "disabled"
		}
		if req.Object.PK == "" {
			return "unsaved"
		}
		if len(auditlog.Diff(auditlog.Snapshot(req.Before), auditlog.Snapshot(req.After), opts)) == 0 {
			return "empty_diff"
		}
	case auditlog.EventDelete:
		if !h.registry.CanDelete() {
			return "disabled"
		}
		if req.Object.PK == "" {
			return "unsaved"
		}
	}
	return ""
}

// objectMeta converts a wire reference, falling back to the conventional
// "<resource> object (<pk>)" repr when the client sent none, matching what
// the library derives for objects without a Stringer.
func objectMeta(resource string, ref ObjectRef) auditlog.ObjectMeta {
	meta := auditlog.ObjectMeta{PK: ref.PK, Repr: ref.Repr}
	if meta.Repr == "" {
		meta.Repr = fmt.Sprintf("%s object (%s)", resource, ref.PK)
	}
	if id, err := strconv.ParseInt(ref.PK, 10, 64); err == nil {
		meta.ID = &id
	}
	return meta
}
