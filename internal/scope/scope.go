// Package scope carries the caller's agent identity through the context.
// Fragment visibility is: owner matches the caller's agent id, owner is the
// shared "default" pool, or the caller holds the maintenance scope.
package scope

import (
	"context"
	"strings"

	"github.com/agentmem/fragment-service/internal/model"
)

// Principal identifies the caller for row-visibility purposes.
type Principal struct {
	AgentID     string
	Maintenance bool
}

type contextKey struct{}

// WithPrincipal returns a new context carrying the given principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// WithAgent returns a context scoped to the given agent id. An empty id
// resolves to the shared default pool.
func WithAgent(ctx context.Context, agentID string) context.Context {
	return WithPrincipal(ctx, Principal{AgentID: Normalize(agentID)})
}

// WithMaintenance returns a context carrying the maintenance scope, used by
// the consolidator and evaluator sweeps.
func WithMaintenance(ctx context.Context) context.Context {
	return WithPrincipal(ctx, Principal{AgentID: model.DefaultAgentID, Maintenance: true})
}

// FromContext retrieves the principal, defaulting to the shared pool.
func FromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(contextKey{}).(Principal); ok {
		return p
	}
	return Principal{AgentID: model.DefaultAgentID}
}

// Normalize maps an empty or whitespace agent id to the shared pool tag.
func Normalize(agentID string) string {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return model.DefaultAgentID
	}
	return agentID
}
