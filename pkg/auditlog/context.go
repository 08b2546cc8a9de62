package auditlog

import "context"

type actorKey struct{}
type remoteAddrKey struct{}
type disabledKey struct{}

// WithActor attaches the acting user or system identity to the context so it
// is recorded on every entry produced downstream.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor set by WithActor, or "".
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRemoteAddr attaches the client network address to the context.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteAddrKey{}, addr)
}

// RemoteAddrFromContext returns the address set by WithRemoteAddr, or "".
func RemoteAddrFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(remoteAddrKey{}).(string); ok {
		return v
	}
	return ""
}

// WithDisabled marks the context so all dispatches under it are suppressed.
// This is the per-call-chain counterpart to the registry-wide enable flags:
// use it around bulk imports or replication flows that must not generate
// audit entries.
func WithDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, disabledKey{}, true)
}

// DisabledFromContext reports whether WithDisabled was applied.
func DisabledFromContext(ctx context.Context) bool {
	v, ok := ctx.Value(disabledKey{}).(bool)
	return ok && v
}
