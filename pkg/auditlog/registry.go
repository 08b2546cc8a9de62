package auditlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Event identifies a lifecycle event kind dispatched through the registry.
type Event int

const (
	EventCreate Event = iota
	EventUpdate
	EventDelete
	EventRelation
)

// String returns the event name used in the ingest API and in log output.
func (e Event) String() string {
	switch e {
	case EventCreate:
		return "create"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	case EventRelation:
		return "relation"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// RelationChange describes a many-to-many membership mutation on an object:
// related objects were added to, removed from, or cleared out of a relation
// reached through the named join resource.
type RelationChange struct {
	// Op is one of "add", "remove", "clear".
	Op string `json:"op"`
	// Through names the join resource linking the two sides.
	Through string `json:"through"`
	// Resource is the resource name of the related side.
	Resource string `json:"resource"`
	// Related are the objects on the other side of the relation. One entry
	// is recorded per related object.
	Related []ObjectMeta `json:"related"`
}

// Payload carries everything a receiver needs to turn one lifecycle event
// into log entries.
type Payload struct {
	Resource   string
	Object     ObjectMeta
	Before     Snapshot
	After      Snapshot
	Relation   *RelationChange
	Additional map[string]any
}

// Receiver turns a dispatched lifecycle event into zero or more persisted
// entries. The default receivers cover the four event kinds; custom receivers
// can replace any of them at registry construction.
type Receiver func(ctx context.Context, reg *Registry, p Payload) error

// Registration errors.
var (
	ErrNotRegistered = errors.New("auditlog: resource is not registered")
)

// resourceState is the per-resource bookkeeping: the tracking options plus
// which event kinds are currently connected. Unregister removes the whole
// state; DisableAll(disconnect) clears connections but keeps the options so
// EnableAll(reconnect) can restore them.
type resourceState struct {
	opts      Options
	connected map[Event]bool
}

// Registry is the process-wide mapping from resource to tracking
// configuration and from event kind to receiver. Dispatch methods compute
// diffs and persist entries through the configured Store, guarded by the
// registry's enable flags and by context suppression (WithDisabled).
//
// All methods are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	resources map[string]*resourceState
	receivers map[Event]Receiver

	store Store

	// inert short-circuits every dispatch and registration side effect;
	// set once at construction, never mutated.
	inert bool

	enableAll    atomic.Bool
	enableCreate atomic.Bool
	enableUpdate atomic.Bool
	enableDelete atomic.Bool
}

// RegistryOption customizes registry construction.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	create, update, delete bool
	inert                  bool
	custom                 map[Event]Receiver
}

// WithoutCreate drops the create receiver: created objects are never logged
// and the create flag starts disabled.
func WithoutCreate() RegistryOption { return func(c *registryConfig) { c.create = false } }

// WithoutUpdate drops the update receiver.
func WithoutUpdate() RegistryOption { return func(c *registryConfig) { c.update = false } }

// WithoutDelete drops the delete receiver.
func WithoutDelete() RegistryOption { return func(c *registryConfig) { c.delete = false } }

// WithCustomReceiver replaces (or adds) the receiver for an event kind.
func WithCustomReceiver(event Event, r Receiver) RegistryOption {
	return func(c *registryConfig) {
		if c.custom == nil {
			c.custom = make(map[Event]Receiver)
		}
		c.custom[event] = r
	}
}

// Inert returns a registry that accepts registrations but never connects
// receivers or records anything. Used to disable auditing wholesale from
// configuration without touching call sites.
func Inert() RegistryOption { return func(c *registryConfig) { c.inert = true } }

// NewRegistry creates a registry persisting through store. By default all
// four event kinds are wired to the package's receivers and all flags start
// enabled.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	cfg := registryConfig{create: true, update: true, delete: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Registry{
		resources: make(map[string]*resourceState),
		receivers: make(map[Event]Receiver),
		store:     store,
		inert:     cfg.inert,
	}

	if cfg.create {
		r.receivers[EventCreate] = logCreate
	}
	if cfg.update {
		r.receivers[EventUpdate] = logUpdate
	}
	if cfg.delete {
		r.receivers[EventDelete] = logDelete
	}
	r.receivers[EventRelation] = logRelationChange
	for ev, recv := range cfg.custom {
		r.receivers[ev] = recv
	}

	r.enableAll.Store(cfg.create && cfg.update && cfg.delete)
	r.enableCreate.Store(cfg.create)
	r.enableUpdate.Store(cfg.update)
	r.enableDelete.Store(cfg.delete)

	return r
}

// Option customizes a single resource registration.
type Option func(*Options)

// WithIncludedFields restricts tracking to the named fields, implicitly
// excluding all others.
func WithIncludedFields(fields ...string) Option {
	return func(o *Options) { o.IncludeFields = append(o.IncludeFields, fields...) }
}

// WithExcludedFields removes fields from tracking. Exclusion overrides
// inclusion.
func WithExcludedFields(fields ...string) Option {
	return func(o *Options) { o.ExcludeFields = append(o.ExcludeFields, fields...) }
}

// WithMappedField renames a field in recorded change sets, e.g. exposing the
// internal "sku" column as "product code".
func WithMappedField(field, display string) Option {
	return func(o *Options) {
		if o.MappedFields == nil {
			o.MappedFields = make(map[string]string)
		}
		o.MappedFields[field] = display
	}
}

// Register starts tracking mutations for a model. The target may be a struct
// (resource name derived via ResourceName) or a plain resource name string
// for resources reported over the ingest API. Registering connects every
// configured (event, resource) pair; registering the same resource again
// replaces its options. Returns the resolved resource name.
func (r *Registry) Register(model any, opts ...Option) (string, error) {
	name, err := ResourceName(model)
	if err != nil {
		return "", err
	}

	var o Options
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[name] = &resourceState{opts: o, connected: r.connectedSet()}
	return name, nil
}

// connectedSet returns the connection map for a fresh registration: every
// configured event kind connected, unless the registry is inert.
func (r *Registry) connectedSet() map[Event]bool {
	set := make(map[Event]bool, len(r.receivers))
	if r.inert {
		return set
	}
	for ev := range r.receivers {
		set[ev] = true
	}
	return set
}

// Unregister stops tracking a resource and disconnects its receivers. It has
// no effect on log entries already stored. Unregistering an unknown resource
// is a no-op.
func (r *Registry) Unregister(model any) {
	name, err := ResourceName(model)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resources, name)
}

// Contains reports whether the target resource is registered.
func (r *Registry) Contains(model any) bool {
	name, err := ResourceName(model)
	if err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.resources[name]
	return ok
}

// ResourceOptions returns the tracking options for a registered resource.
func (r *Registry) ResourceOptions(resource string) (Options, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.resources[resource]
	if !ok {
		return Options{}, fmt.Errorf("%w: %s", ErrNotRegistered, resource)
	}
	return state.opts, nil
}

// Resources returns the names of all registered resources.
func (r *Registry) Resources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.resources))
	for name := range r.resources {
		names = append(names, name)
	}
	return names
}

// DisableAll turns the master flag off. With disconnect=true it additionally
// hard-disconnects every (event, resource) pair so not even custom receivers
// run until EnableAll(true).
func (r *Registry) DisableAll(disconnect bool) {
	r.enableAll.Store(false)
	if !disconnect {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, state := range r.resources {
		state.connected = make(map[Event]bool)
	}
}

// EnableAll turns the master flag back on. With reconnect=true it restores
// the connections removed by DisableAll(true).
func (r *Registry) EnableAll(reconnect bool) {
	r.enableAll.Store(true)
	if !reconnect {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, state := range r.resources {
		state.connected = r.connectedSet()
	}
}

// CanCreate reports whether create events are currently recorded.
func (r *Registry) CanCreate() bool { return r.enableCreate.Load() && r.enableAll.Load() }

// CanUpdate reports whether update events are currently recorded.
func (r *Registry) CanUpdate() bool { return r.enableUpdate.Load() && r.enableAll.Load() }

// CanDelete reports whether delete events are currently recorded.
func (r *Registry) CanDelete() bool { return r.enableDelete.Load() && r.enableAll.Load() }

// SetCreateEnabled toggles the create flag (independent of the master flag).
func (r *Registry) SetCreateEnabled(v bool) { r.enableCreate.Store(v) }

// SetUpdateEnabled toggles the update flag.
func (r *Registry) SetUpdateEnabled(v bool) { r.enableUpdate.Store(v) }

// SetDeleteEnabled toggles the delete flag.
func (r *Registry) SetDeleteEnabled(v bool) { r.enableDelete.Store(v) }

// AllEnabled reports the master flag state.
func (r *Registry) AllEnabled() bool { return r.enableAll.Load() }

// Dispatch routes one lifecycle event for a named resource through its
// connected receiver. Unknown resources return ErrNotRegistered; a registered
// resource whose (event, resource) pair is disconnected, a suppressed
// context, and an inert registry are all silent no-ops.
func (r *Registry) Dispatch(ctx context.Context, event Event, resource string, p Payload) error {
	if r.inert || DisabledFromContext(ctx) {
		return nil
	}

	r.mu.RLock()
	state, ok := r.resources[resource]
	var recv Receiver
	var connected bool
	if ok {
		connected = state.connected[event]
		recv = r.receivers[event]
	}
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, resource)
	}
	if !connected || recv == nil {
		return nil
	}

	p.Resource = resource
	return recv(ctx, r, p)
}

// Created records the creation of a registered model instance.
func (r *Registry) Created(ctx context.Context, obj Object) error {
	resource, p, err := r.payloadFor(obj)
	if err != nil {
		return err
	}
	p.After, err = Take(obj)
	if err != nil {
		return err
	}
	return r.Dispatch(ctx, EventCreate, resource, p)
}

// Updated records a change to a registered model instance. old is the
// previously persisted state, new the state being saved.
func (r *Registry) Updated(ctx context.Context, old, new Object) error {
	resource, p, err := r.payloadFor(new)
	if err != nil {
		return err
	}
	if p.Before, err = Take(old); err != nil {
		return err
	}
	if p.After, err = Take(new); err != nil {
		return err
	}
	return r.Dispatch(ctx, EventUpdate, resource, p)
}

// Deleted records the removal of a registered model instance.
func (r *Registry) Deleted(ctx context.Context, obj Object) error {
	resource, p, err := r.payloadFor(obj)
	if err != nil {
		return err
	}
	p.Before, err = Take(obj)
	if err != nil {
		return err
	}
	return r.Dispatch(ctx, EventDelete, resource, p)
}

// RelationChanged records a many-to-many membership change on a registered
// model instance.
func (r *Registry) RelationChanged(ctx context.Context, obj Object, change RelationChange) error {
	resource, p, err := r.payloadFor(obj)
	if err != nil {
		return err
	}
	p.Relation = &change
	return r.Dispatch(ctx, EventRelation, resource, p)
}

func (r *Registry) payloadFor(obj Object) (string, Payload, error) {
	resource, err := ResourceName(obj)
	if err != nil {
		return "", Payload{}, err
	}
	return resource, Payload{Object: metaFor(resource, obj)}, nil
}
