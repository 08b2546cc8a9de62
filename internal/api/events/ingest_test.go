package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/changetrail/changetrail/pkg/auditlog"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type memStore struct {
	mu      sync.Mutex
	entries []*auditlog.Entry
	err     error
}

func (s *memStore) Save(_ context.Context, entry *auditlog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memStore) saved() []*auditlog.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*auditlog.Entry(nil), s.entries...)
}

func newIngestRouter(t *testing.T, store auditlog.Store, regOpts ...auditlog.Option) (*gin.Engine, *auditlog.Registry) {
	t.Helper()
	registry := auditlog.NewRegistry(store)
	if _, err := registry.Register("accounts", regOpts...); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	r := gin.New()
	r.POST("/api/v1/events", NewHandler(registry).Ingest)
	return r, registry
}

func postEvent(r *gin.Engine, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIngest_CreateRecordsEntry(t *testing.T) {
	store := &memStore{}
	r, _ := newIngestRouter(t, store)

	w := postEvent(r, EventRequest{
		Event:    "create",
		Resource: "accounts",
		Object:   ObjectRef{PK: "17", Repr: "sam"},
		After:    map[string]string{"email": "sam@example.com", "plan": "pro"},
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	entries := store.saved()
	if len(entries) != 1 {
		t.Fatalf("saved %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Resource != "accounts" || e.Action != auditlog.ActionCreate {
		t.Errorf("entry = %s/%s, want accounts/create", e.Resource, e.Action)
	}
	if e.ObjectPK != "17" || e.ObjectID == nil || *e.ObjectID != 17 {
		t.Errorf("object identity = %q/%v, want 17/17", e.ObjectPK, e.ObjectID)
	}
	if got := e.Changes["email"]; got.Old() != "null" || got.New() != "sam@example.com" {
		t.Errorf("email change = %v, want (null, sam@example.com)", got)
	}
}

func TestIngest_CreateWithoutReprFallsBackToConvention(t *testing.T) {
	store := &memStore{}
	r, _ := newIngestRouter(t, store)

	w := postEvent(r, EventRequest{
		Event:    "create",
		Resource: "accounts",
		Object:   ObjectRef{PK: "17"},
		After:    map[string]string{"email": "sam@example.com"},
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	entries := store.saved()
	if len(entries) != 1 {
		t.Fatalf("saved %d entries, want 1", len(entries))
	}
	if got := entries[0].ObjectRepr; got != "accounts object (17)" {
		t.Errorf("ObjectRepr = %q, want %q", got, "accounts object (17)")
	}
}

func TestIngest_UpdateRecordsChangedFieldsOnly(t *testing.T) {
	store := &memStore{}
	r, _ := newIngestRouter(t, store)

	w := postEvent(r, EventRequest{
		Event:    "update",
		Resource: "accounts",
		Object:   ObjectRef{PK: "17", Repr: "sam"},
		Before:   map[string]string{"email": "sam@example.com", "plan": "free"},
		After:    map[string]string{"email": "sam@example.com", "plan": "pro"},
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	entries := store.saved()
	if len(entries) != 1 {
		t.Fatalf("saved %d entries, want 1", len(entries))
	}
	if len(entries[0].Changes) != 1 {
		t.Errorf("changes = %v, want only plan", entries[0].Changes)
	}
	if got := entries[0].Changes["plan"]; got.Old() != "free" || got.New() != "pro" {
		t.Errorf("plan change = %v, want (free, pro)", got)
	}
}

func TestIngest_UpdateWithNoChangesIsSuppressed(t *testing.T) {
	store := &memStore{}
	r, _ := newIngestRouter(t, store)

	state := map[string]string{"email": "sam@example.com"}
	w := postEvent(r, EventRequest{
		Event:    "update",
		Resource: "accounts",
		Object:   ObjectRef{PK: "17"},
		Before:   state,
		After:    state,
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["status"] != "suppressed" || resp["reason"] != "empty_diff" {
		t.Errorf("response = %v, want suppressed/empty_diff", resp)
	}
	if len(store.saved()) != 0 {
		t.Error("suppressed event must not persist an entry")
	}
}

func TestIngest_ExcludedFieldChangeIsSuppressed(t *testing.T) {
	store := &memStore{}
	r, _ := newIngestRouter(t, store, auditlog.WithExcludedFields("password"))

	w := postEvent(r, EventRequest{
		Event:    "update",
		Resource: "accounts",
		Object:   ObjectRef{PK: "17"},
		Before:   map[string]string{"password": "old-hash"},
		After:    map[string]string{"password": "new-hash"},
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if len(store.saved()) != 0 {
		t.Error("change to an excluded field must not persist an entry")
	}
}

func TestIngest_UpdateWithoutPKIsSuppressedAsUnsaved(t *testing.T) {
	store := &memStore{}
	r, _ := newIngestRouter(t, store)

	w := postEvent(r, EventRequest{
		Event:    "update",
		Resource: "accounts",
		Before:   map[string]string{"plan": "free"},
		After:    map[string]string{"plan": "pro"},
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["reason"] != "unsaved" {
		t.Errorf("reason = %q, want unsaved", resp["reason"])
	}
	if len(store.saved()) != 0 {
		t.Error("unsaved object must not persist an entry")
	}
}

func TestIngest_DisabledFlagSuppresses(t *testing.T) {
	store := &memStore{}
	r, registry := newIngestRouter(t, store)
	registry.SetCreateEnabled(false)

	w := postEvent(r, EventRequest{
		Event:    "create",
		Resource: "accounts",
		Object:   ObjectRef{PK: "1"},
		After:    map[string]string{"plan": "pro"},
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["reason"] != "disabled" {
		t.Errorf("reason = %q, want disabled", resp["reason"])
	}
	if len(store.saved()) != 0 {
		t.Error("disabled event kind must not persist an entry")
	}
}

func TestIngest_DeleteRecordsFinalState(t *testing.T) {
	store := &memStore{}
	r, _ := newIngestRouter(t, store)

	w := postEvent(r, EventRequest{
		Event:    "delete",
		Resource: "accounts",
		Object:   ObjectRef{PK: "17", Repr: "sam"},
		Before:   map[string]string{"email": "sam@example.com"},
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	entries := store.saved()
	if len(entries) != 1 || entries[0].Action != auditlog.ActionDelete {
		t.Fatalf("saved = %v, want one delete entry", entries)
	}
	if got := entries[0].Changes["email"]; got.Old() != "sam@example.com" || got.New() != "null" {
		t.Errorf("email change = %v, want (sam@example.com, null)", got)
	}
}

func TestIngest_RelationAddRecordsAgainstRelatedSide(t *testing.T) {
	store := &memStore{}
	r, _ := newIngestRouter(t, store)

	w := postEvent(r, EventRequest{
		Event:    "relation",
		Resource: "accounts",
		Object:   ObjectRef{PK: "17", Repr: "sam"},
		Relation: &RelationRef{
			Op:       "add",
			Through:  "memberships",
			Resource: "teams",
			Related:  []ObjectRef{{PK: "3", Repr: "ops"}, {PK: "4", Repr: "infra"}},
		},
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	entries := store.saved()
	if len(entries) != 2 {
		t.Fatalf("saved %d entries, want one per related object", len(entries))
	}
	for _, e := range entries {
		if e.Resource != "teams" || e.Action != auditlog.ActionUpdate {
			t.Errorf("entry = %s/%s, want teams/update", e.Resource, e.Action)
		}
	}
}

func TestIngest_UnknownResourceRejected(t *testing.T) {
	r, _ := newIngestRouter(t, &memStore{})

	w := postEvent(r, EventRequest{
		Event:    "create",
		Resource: "invoices",
		After:    map[string]string{"total": "10"},
	})

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestIngest_UnknownEventRejected(t *testing.T) {
	r, _ := newIngestRouter(t, &memStore{})

	w := postEvent(r, EventRequest{
		Event:    "upsert",
		Resource: "accounts",
		After:    map[string]string{"plan": "pro"},
	})

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestIngest_MissingStatesRejected(t *testing.T) {
	r, _ := newIngestRouter(t, &memStore{})

	cases := []EventRequest{
		{Event: "create", Resource: "accounts"},
		{Event: "update", Resource: "accounts", After: map[string]string{"a": "1"}},
		{Event: "delete", Resource: "accounts"},
		{Event: "relation", Resource: "accounts"},
	}
	for _, req := range cases {
		if w := postEvent(r, req); w.Code != http.StatusUnprocessableEntity {
			t.Errorf("%s event: status = %d, want 422", req.Event, w.Code)
		}
	}
}

func TestIngest_UnknownRelationOpRejected(t *testing.T) {
	r, _ := newIngestRouter(t, &memStore{})

	w := postEvent(r, EventRequest{
		Event:    "relation",
		Resource: "accounts",
		Object:   ObjectRef{PK: "17"},
		Relation: &RelationRef{Op: "merge", Resource: "teams", Related: []ObjectRef{{PK: "3"}}},
	})

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestIngest_MalformedBodyRejected(t *testing.T) {
	r, _ := newIngestRouter(t, &memStore{})

	if w := postEvent(r, `{"event": `); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestIngest_StoreFailureReturns500(t *testing.T) {
	store := &memStore{err: errors.New("connection refused")}
	r, _ := newIngestRouter(t, store)

	w := postEvent(r, EventRequest{
		Event:    "create",
		Resource: "accounts",
		Object:   ObjectRef{PK: "17"},
		After:    map[string]string{"plan": "pro"},
	})

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestIngest_ActorFromContextFlowsIntoEntry(t *testing.T) {
	store := &memStore{}
	registry := auditlog.NewRegistry(store)
	if _, err := registry.Register("accounts"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		ctx := auditlog.WithActor(c.Request.Context(), "deploy-bot")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	r.POST("/api/v1/events", NewHandler(registry).Ingest)

	w := postEvent(r, EventRequest{
		Event:    "create",
		Resource: "accounts",
		Object:   ObjectRef{PK: "1"},
		After:    map[string]string{"plan": "pro"},
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	entries := store.saved()
	if len(entries) != 1 {
		t.Fatalf("saved %d entries, want 1", len(entries))
	}
	if entries[0].Actor != "deploy-bot" {
		t.Errorf("actor = %q, want deploy-bot", entries[0].Actor)
	}
}
