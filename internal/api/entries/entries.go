// Package entries serves the read side of the audit trail: filtered listing,
// single-entry lookup, per-object history, and the registered resource
// catalog.
package entries

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/changetrail/changetrail/internal/db/models"
	"github.com/changetrail/changetrail/internal/db/repositories"
	"github.com/changetrail/changetrail/pkg/auditlog"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// Store is the slice of the log entry repository the read endpoints need.
type Store interface {
	List(ctx context.Context, filters repositories.Filters, limit, offset int) ([]*models.LogEntry, int, error)
	Get(ctx context.Context, id string) (*models.LogEntry, error)
	GetForObject(ctx context.Context, resource, objectPK string) ([]*models.LogEntry, error)
	GetForResource(ctx context.Context, resource string) ([]*models.LogEntry, error)
}

// Handler serves the entry query endpoints.
type Handler struct {
	store    Store
	registry *auditlog.Registry
}

// NewHandler creates the query handler.
func NewHandler(store Store, registry *auditlog.Registry) *Handler {
	return &Handler{store: store, registry: registry}
}

// EntryResponse is the wire form of one log entry.
type EntryResponse struct {
	ID             string           `json:"id"`
	Seq            int64            `json:"seq"`
	Resource       string           `json:"resource"`
	ObjectPK       string           `json:"object_pk"`
	ObjectID       *int64           `json:"object_id,omitempty"`
	ObjectRepr     string           `json:"object_repr,omitempty"`
	Action         string           `json:"action"`
	Changes        auditlog.Changes `json:"changes,omitempty"`
	Actor          string           `json:"actor,omitempty"`
	RemoteAddr     string           `json:"remote_addr,omitempty"`
	AdditionalData map[string]any   `json:"additional_data,omitempty"`
	Checksum       string           `json:"checksum"`
	Timestamp      time.Time        `json:"timestamp"`
}

func toResponse(row *models.LogEntry) EntryResponse {
	resp := EntryResponse{
		ID:             row.ID,
		Seq:            row.Seq,
		Resource:       row.Resource,
		ObjectPK:       row.ObjectPK,
		ObjectID:       row.ObjectID,
		ObjectRepr:     row.ObjectRepr,
		Action:         row.Action.String(),
		Changes:        row.Changes,
		AdditionalData: row.AdditionalData,
		Checksum:       row.Checksum,
		Timestamp:      row.CreatedAt,
	}
	if row.Actor != nil {
		resp.Actor = *row.Actor
	}
	if row.RemoteAddr != nil {
		resp.RemoteAddr = *row.RemoteAddr
	}
	return resp
}

func toResponses(rows []*models.LogEntry) []EntryResponse {
	out := make([]EntryResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, toResponse(row))
	}
	return out
}

// List handles GET /api/v1/entries. Entries come back newest first; filters
// combine with AND.
func (h *Handler) List(c *gin.Context) {
	filters, errMsg := parseFilters(c)
	if errMsg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errMsg})
		return
	}

	limit, offset, errMsg := parsePagination(c)
	if errMsg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errMsg})
		return
	}

	rows, total, err := h.store.List(c.Request.Context(), filters, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list entries"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": toResponses(rows),
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// Get handles GET /api/v1/entries/:id.
func (h *Handler) Get(c *gin.Context) {
	row, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch entry"})
		return
	}
	if row == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	c.JSON(http.StatusOK, toResponse(row))
}

// History handles GET /api/v1/objects/:resource/:pk/history, returning the
// object's full trail oldest first. An object with no recorded history gets
// an empty list, not a 404; absence of entries is a valid answer.
func (h *Handler) History(c *gin.Context) {
	rows, err := h.store.GetForObject(c.Request.Context(), c.Param("resource"), c.Param("pk"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch object history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"resource":  c.Param("resource"),
		"object_pk": c.Param("pk"),
		"entries":   toResponses(rows),
	})
}

// ResourceHistory handles GET /api/v1/resources/:resource/history, returning
// every entry recorded for the resource oldest first, across all of its
// objects. Same empty-list convention as History.
func (h *Handler) ResourceHistory(c *gin.Context) {
	rows, err := h.store.GetForResource(c.Request.Context(), c.Param("resource"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch resource history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"resource": c.Param("resource"),
		"entries":  toResponses(rows),
	})
}

// resourceInfo is one registered resource with its field tracking options.
type resourceInfo struct {
	Name          string            `json:"name"`
	IncludeFields []string          `json:"include_fields,omitempty"`
	ExcludeFields []string          `json:"exclude_fields,omitempty"`
	MappedFields  map[string]string `json:"mapped_fields,omitempty"`
}

// Resources handles GET /api/v1/resources.
func (h *Handler) Resources(c *gin.Context) {
	names := h.registry.Resources()
	sort.Strings(names)

	infos := make([]resourceInfo, 0, len(names))
	for _, name := range names {
		opts, err := h.registry.ResourceOptions(name)
		if err != nil {
			continue
		}
		infos = append(infos, resourceInfo{
			Name:          name,
			IncludeFields: opts.IncludeFields,
			ExcludeFields: opts.ExcludeFields,
			MappedFields:  opts.MappedFields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"resources": infos})
}

func parseFilters(c *gin.Context) (repositories.Filters, string) {
	var filters repositories.Filters

	if v := c.Query("resource"); v != "" {
		filters.Resource = &v
	}
	if v := c.Query("actor"); v != "" {
		filters.Actor = &v
	}
	if v := c.Query("object_pk"); v != "" {
		filters.ObjectPK = &v
	}
	if v := c.Query("action"); v != "" {
		action, err := auditlog.ParseAction(v)
		if err != nil {
			return filters, "invalid action: " + v
		}
		filters.Action = &action
	}
	if v := c.Query("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filters, "invalid since timestamp, expected RFC3339"
		}
		filters.Since = &ts
	}
	if v := c.Query("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filters, "invalid until timestamp, expected RFC3339"
		}
		filters.Until = &ts
	}
	return filters, ""
}

func parsePagination(c *gin.Context) (limit, offset int, errMsg string) {
	limit = defaultLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, "invalid limit"
		}
		limit = min(n, maxLimit)
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, "invalid offset"
		}
		offset = n
	}
	return limit, offset, ""
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
