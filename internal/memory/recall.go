package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentmem/fragment-service/internal/metrics"
	"github.com/agentmem/fragment-service/internal/model"
	registrystore "github.com/agentmem/fragment-service/internal/registry/store"
	"github.com/agentmem/fragment-service/internal/search"
)

// RecallParams are the inputs to the recall operation.
type RecallParams struct {
	Keywords      []string
	Topic         string
	Type          model.FragmentType
	Text          string
	TokenBudget   int
	IncludeLinks  *bool // default true
	LinkRelations []model.RelationType
	Threshold     float64
	AgentID       string
	SessionID     string
}

// Recall runs the three-tier cascade and returns ranked, budget-trimmed,
// stale-annotated fragments.
func (m *Manager) Recall(ctx context.Context, p RecallParams) (result *model.RecallResult, err error) {
	defer func() { metrics.ObserveOp("recall", err) }()

	if p.Type != "" && !p.Type.Valid() {
		return nil, &registrystore.ValidationError{Field: "type", Message: fmt.Sprintf("unknown fragment type %q", p.Type)}
	}
	for _, r := range p.LinkRelations {
		if !r.Valid() {
			return nil, &registrystore.ValidationError{Field: "linkRelationType", Message: fmt.Sprintf("unknown relation type %q", r)}
		}
	}
	expandLinks := true
	if p.IncludeLinks != nil {
		expandLinks = *p.IncludeLinks
	}

	result, err = m.engine.Search(ctx, search.Query{
		Text:          p.Text,
		Keywords:      p.Keywords,
		Topic:         p.Topic,
		Type:          p.Type,
		Threshold:     p.Threshold,
		TokenBudget:   p.TokenBudget,
		ExpandLinks:   expandLinks,
		LinkRelations: p.LinkRelations,
	})
	if err != nil {
		return nil, err
	}

	if p.SessionID != "" {
		ids := make([]string, len(result.Fragments))
		for i, f := range result.Fragments {
			ids[i] = f.ID
		}
		m.tracker.RecordFragments(ctx, p.SessionID, ids)
		m.tracker.RecordKeywords(ctx, p.SessionID, p.Keywords)
	}
	return result, nil
}

// ContextParams are the inputs to the context operation.
type ContextParams struct {
	TokenBudget int
	Types       []model.FragmentType
	SessionID   string
	AgentID     string
}

// ContextResult is the session-bootstrap payload.
type ContextResult struct {
	CoreMemory    []model.Fragment     `json:"coreMemory"`
	WorkingMemory []model.WorkingEntry `json:"workingMemory"`
	InjectionText string               `json:"injectionText"`
	TotalTokens   int                  `json:"totalTokens"`
}

const (
	defaultContextBudget = 2000
	coreBudgetShare      = 0.65
	contextMinImportance = 0.3
)

var defaultContextTypes = []model.FragmentType{
	model.TypePreference,
	model.TypeError,
	model.TypeProcedure,
}

// Context assembles the session-bootstrap payload: core memory from one
// recall bucket per type (top-1 of each type seated first), working memory
// from the session queue, and a concatenated injection text. The combined
// token total never exceeds the budget.
func (m *Manager) Context(ctx context.Context, p ContextParams) (result *ContextResult, err error) {
	defer func() { metrics.ObserveOp("context", err) }()

	budget := p.TokenBudget
	if budget <= 0 {
		budget = defaultContextBudget
	}
	types := p.Types
	if len(types) == 0 {
		types = defaultContextTypes
	}
	for _, t := range types {
		if !t.Valid() {
			return nil, &registrystore.ValidationError{Field: "types", Message: fmt.Sprintf("unknown fragment type %q", t)}
		}
	}
	coreBudget := int(float64(budget) * coreBudgetShare)
	workingBudget := budget - coreBudget

	// One bucket per type, ranked by the engine.
	var buckets [][]model.Fragment
	for _, t := range types {
		r, err := m.engine.Search(ctx, search.Query{
			Type:          t,
			MinImportance: contextMinImportance,
			TokenBudget:   coreBudget,
			ExpandLinks:   false,
		})
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, r.Fragments)
	}

	// Top-1 of each type first, then fill with the remainder in rank order.
	var (
		core  []model.Fragment
		seen  = map[string]struct{}{}
		total = 0
	)
	take := func(f model.Fragment) bool {
		if _, dup := seen[f.ID]; dup {
			return true
		}
		if total+f.EstimatedTokens > coreBudget {
			return false
		}
		seen[f.ID] = struct{}{}
		core = append(core, f)
		total += f.EstimatedTokens
		return true
	}
	for _, bucket := range buckets {
		if len(bucket) > 0 {
			take(bucket[0])
		}
	}
	for _, bucket := range buckets {
		for _, f := range bucket[min(1, len(bucket)):] {
			if !take(f) {
				break
			}
		}
	}

	// Working memory up to its share of the budget.
	var working []model.WorkingEntry
	if p.SessionID != "" {
		entries, werr := m.index.ListWorking(ctx, p.SessionID)
		if werr == nil {
			wmTotal := 0
			for _, e := range entries {
				if wmTotal+e.Tokens > workingBudget {
					break
				}
				working = append(working, e)
				wmTotal += e.Tokens
				total += e.Tokens
			}
		}
	}

	return &ContextResult{
		CoreMemory:    core,
		WorkingMemory: working,
		InjectionText: m.buildInjectionText(ctx, core, working),
		TotalTokens:   total,
	}, nil
}

func (m *Manager) buildInjectionText(ctx context.Context, core []model.Fragment, working []model.WorkingEntry) string {
	var b strings.Builder
	if len(core) > 0 {
		b.WriteString("[CORE MEMORY]\n")
		for _, f := range core {
			fmt.Fprintf(&b, "- (%s/%s) %s\n", f.Type, f.Topic, f.Content)
			if f.Stale != nil && f.Stale.Stale {
				fmt.Fprintf(&b, "  (stale: %s)\n", f.Stale.Warning)
			}
		}
	}
	if len(working) > 0 {
		b.WriteString("[WORKING MEMORY]\n")
		for _, e := range working {
			fmt.Fprintf(&b, "- (%s) %s\n", e.Topic, e.Content)
		}
	}
	if sessions := m.tracker.Unreflected(ctx, 5); len(sessions) > 0 {
		fmt.Fprintf(&b, "[SYSTEM HINT] %d session(s) have unreflected activity: %s\n",
			len(sessions), strings.Join(sessions, ", "))
	}
	return b.String()
}
