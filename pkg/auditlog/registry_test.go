package auditlog

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore collects saved entries for assertions.
type memStore struct {
	mu      sync.Mutex
	entries []*Entry
	err     error
}

func (s *memStore) Save(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memStore) all() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Entry(nil), s.entries...)
}

type account struct {
	ID    int64
	Email string
	Plan  string
}

func (a *account) ObjectPK() string {
	if a.ID == 0 {
		return ""
	}
	return strconv.FormatInt(a.ID, 10)
}

func newTestRegistry(t *testing.T, opts ...RegistryOption) (*Registry, *memStore) {
	t.Helper()
	store := &memStore{}
	reg := NewRegistry(store, opts...)
	_, err := reg.Register(&account{})
	require.NoError(t, err)
	return reg, store
}

func TestRegisterAndContains(t *testing.T) {
	reg, _ := newTestRegistry(t)

	assert.True(t, reg.Contains(&account{}))
	assert.True(t, reg.Contains("accounts"))
	assert.False(t, reg.Contains("unknown"))

	reg.Unregister(&account{})
	assert.False(t, reg.Contains(&account{}))
}

func TestRegisterReturnsResolvedName(t *testing.T) {
	store := &memStore{}
	reg := NewRegistry(store)

	name, err := reg.Register(&account{}, WithExcludedFields("plan"))
	require.NoError(t, err)
	assert.Equal(t, "accounts", name)

	opts, err := reg.ResourceOptions("accounts")
	require.NoError(t, err)
	assert.Equal(t, []string{"plan"}, opts.ExcludeFields)
}

func TestDispatchUnregisteredResource(t *testing.T) {
	reg, store := newTestRegistry(t)

	err := reg.Dispatch(context.Background(), EventCreate, "ghosts", Payload{})
	require.ErrorIs(t, err, ErrNotRegistered)
	assert.Empty(t, store.all())
}

func TestCreatedRecordsEntry(t *testing.T) {
	reg, store := newTestRegistry(t)

	err := reg.Created(context.Background(), &account{ID: 1, Email: "a@x", Plan: "free"})
	require.NoError(t, err)

	entries := store.all()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "accounts", e.Resource)
	assert.Equal(t, ActionCreate, e.Action)
	assert.Equal(t, "1", e.ObjectPK)
	require.NotNil(t, e.ObjectID)
	assert.EqualValues(t, 1, *e.ObjectID)
	assert.Equal(t, FieldChange{"null", "a@x"}, e.Changes["email"])
}

func TestUpdatedSkipsEmptyDiff(t *testing.T) {
	reg, store := newTestRegistry(t)

	same := &account{ID: 1, Email: "a@x"}
	require.NoError(t, reg.Updated(context.Background(), same, same))
	assert.Empty(t, store.all())
}

func TestUpdatedSkipsUnsavedInstance(t *testing.T) {
	reg, store := newTestRegistry(t)

	old := &account{Email: "a@x"}
	new := &account{Email: "b@x"}
	require.NoError(t, reg.Updated(context.Background(), old, new))
	assert.Empty(t, store.all())
}

func TestUpdatedRecordsDiff(t *testing.T) {
	reg, store := newTestRegistry(t)

	old := &account{ID: 1, Email: "a@x", Plan: "free"}
	new := &account{ID: 1, Email: "a@x", Plan: "pro"}
	require.NoError(t, reg.Updated(context.Background(), old, new))

	entries := store.all()
	require.Len(t, entries, 1)
	assert.Equal(t, ActionUpdate, entries[0].Action)
	assert.Equal(t, Changes{"plan": {"free", "pro"}}, entries[0].Changes)
}

func TestDeletedRecordsEntry(t *testing.T) {
	reg, store := newTestRegistry(t)

	require.NoError(t, reg.Deleted(context.Background(), &account{ID: 2, Email: "a@x"}))

	entries := store.all()
	require.Len(t, entries, 1)
	assert.Equal(t, ActionDelete, entries[0].Action)
	assert.Equal(t, FieldChange{"a@x", "null"}, entries[0].Changes["email"])
}

func TestFlagsGateDispatch(t *testing.T) {
	reg, store := newTestRegistry(t)

	reg.SetCreateEnabled(false)
	require.NoError(t, reg.Created(context.Background(), &account{ID: 1, Email: "a@x"}))
	assert.Empty(t, store.all())

	reg.SetCreateEnabled(true)
	require.NoError(t, reg.Created(context.Background(), &account{ID: 1, Email: "a@x"}))
	assert.Len(t, store.all(), 1)
}

func TestMasterFlagOverridesEventFlags(t *testing.T) {
	reg, store := newTestRegistry(t)

	reg.DisableAll(false)
	assert.False(t, reg.CanCreate())
	assert.False(t, reg.CanUpdate())
	assert.False(t, reg.CanDelete())

	require.NoError(t, reg.Deleted(context.Background(), &account{ID: 1}))
	assert.Empty(t, store.all())

	reg.EnableAll(false)
	assert.True(t, reg.CanDelete())
}

func TestDisableAllDisconnectsReceivers(t *testing.T) {
	var custom int
	reg, store := newTestRegistry(t, WithCustomReceiver(EventDelete,
		func(ctx context.Context, reg *Registry, p Payload) error {
			custom++
			return nil
		}))

	reg.DisableAll(true)
	reg.EnableAll(false) // flag back on, but still disconnected

	require.NoError(t, reg.Deleted(context.Background(), &account{ID: 1}))
	assert.Zero(t, custom)
	assert.Empty(t, store.all())

	reg.EnableAll(true) // reconnect
	require.NoError(t, reg.Deleted(context.Background(), &account{ID: 1}))
	assert.Equal(t, 1, custom)
}

func TestContextSuppression(t *testing.T) {
	reg, store := newTestRegistry(t)

	ctx := WithDisabled(context.Background())
	require.NoError(t, reg.Created(ctx, &account{ID: 1, Email: "a@x"}))
	assert.Empty(t, store.all())
}

func TestInertRegistryRecordsNothing(t *testing.T) {
	store := &memStore{}
	reg := NewRegistry(store, Inert())
	_, err := reg.Register(&account{})
	require.NoError(t, err)

	require.NoError(t, reg.Created(context.Background(), &account{ID: 1, Email: "a@x"}))
	assert.Empty(t, store.all())
}

func TestWithoutCreateDropsReceiver(t *testing.T) {
	store := &memStore{}
	reg := NewRegistry(store, WithoutCreate())
	_, err := reg.Register(&account{})
	require.NoError(t, err)

	require.NoError(t, reg.Created(context.Background(), &account{ID: 1, Email: "a@x"}))
	assert.Empty(t, store.all())

	// Other receivers stay wired, and the master flag is down because not
	// all event kinds are enabled.
	assert.False(t, reg.AllEnabled())
	reg.EnableAll(false)
	require.NoError(t, reg.Deleted(context.Background(), &account{ID: 1, Email: "a@x"}))
	assert.Len(t, store.all(), 1)
}

func TestActorAndRemoteAddrFromContext(t *testing.T) {
	reg, store := newTestRegistry(t)

	ctx := WithActor(context.Background(), "sam")
	ctx = WithRemoteAddr(ctx, "10.1.2.3")
	require.NoError(t, reg.Created(ctx, &account{ID: 1, Email: "a@x"}))

	entries := store.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "sam", entries[0].Actor)
	assert.Equal(t, "10.1.2.3", entries[0].RemoteAddr)
}

func TestStoreErrorPropagates(t *testing.T) {
	store := &memStore{err: errors.New("db down")}
	reg := NewRegistry(store)
	_, err := reg.Register(&account{})
	require.NoError(t, err)

	err = reg.Created(context.Background(), &account{ID: 1, Email: "a@x"})
	require.Error(t, err)
}
