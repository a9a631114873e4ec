package audit

import "context"

// Anonymous is the actor recorded when admin authentication is disabled.
const Anonymous = "anonymous"

type actorKey struct{}

// WithActor returns a context carrying the authenticated operator name.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the operator set by WithActor, or Anonymous.
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return Anonymous
}
