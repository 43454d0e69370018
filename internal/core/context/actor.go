// Package context provides request-scoped values extraction.
package context

import (
	"context"
)

// ActorContext identifies who triggered a ledger operation.
// It is a human user for API calls or a named system process for feeders and workers.
type ActorContext struct {
	ActorID string
	Name    string
	FarmIDs []string // Farms the token was issued for; empty means unrestricted
	System  bool
}

type actorContextKey struct{}

// WithActor adds ActorContext to context.
func WithActor(ctx context.Context, actor *ActorContext) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// GetActor returns ActorContext from context.
func GetActor(ctx context.Context) *ActorContext {
	if v, ok := ctx.Value(actorContextKey{}).(*ActorContext); ok {
		return v
	}
	return nil
}

// GetActorID returns the actor identifier or empty string.
func GetActorID(ctx context.Context) string {
	if a := GetActor(ctx); a != nil {
		return a.ActorID
	}
	return ""
}

// WithSystemActor marks ctx as driven by a background process (feeder, worker).
func WithSystemActor(ctx context.Context, name string) context.Context {
	return WithActor(ctx, &ActorContext{ActorID: "system:" + name, Name: name, System: true})
}
