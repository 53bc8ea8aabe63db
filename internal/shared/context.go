package shared

import "context"

// ActorContext identifies who performs an operation. It is passed explicitly
// to every mutating operation and copied into audit entries.
type ActorContext struct {
	ActorID   int64
	IP        string
	RequestID string
}

// SystemActor is used by background jobs.
var SystemActor = ActorContext{ActorID: 0, IP: "127.0.0.1", RequestID: "system"}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor ActorContext) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (ActorContext, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(ActorContext)
	return actor, ok
}
