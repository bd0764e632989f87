// Package memory is the facade over the fragment subsystem. It composes the
// store, the keyword index, the search engine and the provider plugins into
// the eleven agent-facing operations and enforces the cross-component rules
// (working-memory scope, conflict scanning, auto-linking, evaluation
// enqueueing, protected deletion).
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentmem/fragment-service/internal/activity"
	"github.com/agentmem/fragment-service/internal/config"
	"github.com/agentmem/fragment-service/internal/fragment"
	"github.com/agentmem/fragment-service/internal/metrics"
	"github.com/agentmem/fragment-service/internal/model"
	registryembed "github.com/agentmem/fragment-service/internal/registry/embed"
	registryindex "github.com/agentmem/fragment-service/internal/registry/index"
	registrystore "github.com/agentmem/fragment-service/internal/registry/store"
	"github.com/agentmem/fragment-service/internal/search"
	"github.com/charmbracelet/log"
)

// ConsolidateFunc runs one consolidation pass and returns per-stage counters.
// Injected at wiring time so the facade does not depend on the worker package.
type ConsolidateFunc func(ctx context.Context) (map[string]int64, error)

// Manager is the single facade over the memory subsystem.
type Manager struct {
	store    registrystore.FragmentStore
	index    registryindex.KeywordIndex
	engine   *search.Engine
	embedder registryembed.Embedder
	tracker  *activity.Tracker
	cfg      *config.Config

	consolidate ConsolidateFunc
}

// New builds the facade.
func New(store registrystore.FragmentStore, index registryindex.KeywordIndex, engine *search.Engine, embedder registryembed.Embedder, tracker *activity.Tracker, cfg *config.Config) *Manager {
	return &Manager{
		store:    store,
		index:    index,
		engine:   engine,
		embedder: embedder,
		tracker:  tracker,
		cfg:      cfg,
	}
}

// SetConsolidateFunc installs the consolidation entry point.
func (m *Manager) SetConsolidateFunc(fn ConsolidateFunc) { m.consolidate = fn }

// Tracker exposes the session-activity tracker for the tool layer.
func (m *Manager) Tracker() *activity.Tracker { return m.tracker }

// evaluationExcluded reports whether a type skips LLM evaluation. Facts,
// procedures and errors carry their own provenance discipline.
func evaluationExcluded(t model.FragmentType) bool {
	return t == model.TypeFact || t == model.TypeProcedure || t == model.TypeError
}

// RememberParams are the inputs to the remember operation.
type RememberParams struct {
	Content    string
	Topic      string
	Type       model.FragmentType
	Keywords   []string
	Importance *float64
	Source     string
	LinkedTo   []string
	Scope      string // "session" writes only to working memory
	IsAnchor   bool
	AgentID    string
	SessionID  string
}

// RememberResult reports what remember did.
type RememberResult struct {
	ID            string           `json:"id,omitempty"`
	Created       bool             `json:"created"`
	Keywords      []string         `json:"keywords,omitempty"`
	TTLTier       model.TTLTier    `json:"ttlTier,omitempty"`
	Scope         string           `json:"scope"`
	WorkingMemory bool             `json:"workingMemory,omitempty"`
	Conflicts     []model.Fragment `json:"conflicts,omitempty"`
	Note          string           `json:"note,omitempty"`
}

// Remember validates and stores a fragment. Session scope writes only to the
// working-memory queue; otherwise the fragment is persisted, indexed, linked,
// enqueued for evaluation, and scanned for conflicts and auto-link candidates.
func (m *Manager) Remember(ctx context.Context, p RememberParams) (result *RememberResult, err error) {
	defer func() { metrics.ObserveOp("remember", err) }()

	if p.Content == "" {
		return nil, &registrystore.ValidationError{Field: "content", Message: "required"}
	}
	if p.Topic == "" {
		return nil, &registrystore.ValidationError{Field: "topic", Message: "required"}
	}
	if !p.Type.Valid() {
		return nil, &registrystore.ValidationError{Field: "type", Message: fmt.Sprintf("unknown fragment type %q", p.Type)}
	}

	now := time.Now()

	if p.Scope == "session" {
		if p.SessionID == "" {
			return nil, &registrystore.ValidationError{Field: "sessionId", Message: "required for session scope"}
		}
		content := fragment.Truncate(fragment.Redact(p.Content))
		importance := p.Type.DefaultImportance()
		if p.Importance != nil {
			importance = *p.Importance
		}
		entry := model.WorkingEntry{
			Content:    content,
			Topic:      p.Topic,
			Importance: importance,
			Tokens:     fragment.CountTokens(content),
			AddedAt:    now,
		}
		if err := m.index.PushWorking(ctx, p.SessionID, entry); err != nil {
			log.Warn("working-memory write failed", "session", p.SessionID, "error", err)
		}
		return &RememberResult{Created: true, Scope: "session", WorkingMemory: true}, nil
	}

	f := fragment.Create(fragment.Params{
		Content:    p.Content,
		Topic:      p.Topic,
		Keywords:   p.Keywords,
		Type:       p.Type,
		Importance: p.Importance,
		Source:     p.Source,
		AgentID:    p.AgentID,
		IsAnchor:   p.IsAnchor,
	}, now)

	inserted, err := m.store.Insert(ctx, &f)
	if err != nil {
		return nil, err
	}
	if !inserted.Created {
		return &RememberResult{ID: inserted.ID, Created: false, Scope: "longterm"}, nil
	}

	// Everything after the insert is best-effort.
	var note string
	if err := m.index.Index(ctx, &f, p.SessionID); err != nil {
		log.Warn("index write failed", "fragment", f.ID, "error", err)
		note = "stored but not indexed"
	}

	for _, target := range p.LinkedTo {
		if err := m.store.CreateLink(ctx, f.ID, target, model.RelationRelated); err != nil {
			log.Warn("caller link failed", "fragment", f.ID, "target", target, "error", err)
		}
	}

	if !evaluationExcluded(f.Type) {
		job := model.EvaluationJob{FragmentID: f.ID, AgentID: f.AgentID, Type: f.Type, Content: f.Content}
		if data, jerr := json.Marshal(job); jerr == nil {
			if err := m.index.Enqueue(ctx, registryindex.QueueEvaluation, data); err != nil {
				log.Warn("evaluation enqueue failed", "fragment", f.ID, "error", err)
			}
		}
	}

	conflicts := m.scanAndAutoLink(ctx, &f)

	m.tracker.RecordFragments(ctx, p.SessionID, []string{f.ID})
	m.tracker.RecordKeywords(ctx, p.SessionID, f.Keywords)

	return &RememberResult{
		ID:        f.ID,
		Created:   true,
		Keywords:  f.Keywords,
		TTLTier:   f.TTLTier,
		Scope:     "longterm",
		Conflicts: conflicts,
		Note:      note,
	}, nil
}

// ForgetParams select fragments for deletion, by id or by topic.
type ForgetParams struct {
	ID      string
	Topic   string
	Force   bool
	AgentID string
}

// ForgetResult reports deletion counts.
type ForgetResult struct {
	Deleted   int `json:"deleted"`
	Protected int `json:"protected"`
}

// Forget deletes by id or topic. Permanent-tier rows need force.
func (m *Manager) Forget(ctx context.Context, p ForgetParams) (result *ForgetResult, err error) {
	defer func() { metrics.ObserveOp("forget", err) }()

	switch {
	case p.ID != "":
		f, err := m.store.GetByID(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if f.TTLTier == model.TierPermanent && !p.Force {
			return &ForgetResult{Protected: 1}, nil
		}
		if err := m.store.Delete(ctx, p.ID); err != nil {
			return nil, err
		}
		if err := m.index.Deindex(ctx, f.ID, f.Keywords, f.Topic, f.Type); err != nil {
			log.Warn("deindex failed", "fragment", f.ID, "error", err)
		}
		return &ForgetResult{Deleted: 1}, nil

	case p.Topic != "":
		deleted, protected, err := m.store.DeleteByTopic(ctx, p.Topic, p.Force)
		if err != nil {
			return nil, err
		}
		return &ForgetResult{Deleted: deleted, Protected: protected}, nil

	default:
		return nil, &registrystore.ValidationError{Field: "id", Message: "either id or topic is required"}
	}
}

// LinkParams create one directed edge.
type LinkParams struct {
	FromID   string
	ToID     string
	Relation model.RelationType
	AgentID  string
}

// Link creates the edge. A resolved_by edge touching an error fragment with
// importance above 0.5 halves that error's importance: a resolved error no
// longer deserves top billing in recall. Both endpoints are checked since
// callers write the edge in either direction (error→resolution or
// procedure→error).
func (m *Manager) Link(ctx context.Context, p LinkParams) (err error) {
	defer func() { metrics.ObserveOp("link", err) }()

	relation := p.Relation
	if relation == "" {
		relation = model.RelationRelated
	}
	if err := m.store.CreateLink(ctx, p.FromID, p.ToID, relation); err != nil {
		return err
	}

	if relation == model.RelationResolvedBy {
		for _, id := range []string{p.FromID, p.ToID} {
			f, err := m.store.GetByID(ctx, id)
			if err == nil && f.Type == model.TypeError && f.Importance > 0.5 {
				if err := m.store.SetImportance(ctx, f.ID, f.Importance/2); err != nil {
					log.Warn("resolved-error importance halving failed", "fragment", f.ID, "error", err)
				}
			}
		}
	}
	return nil
}

// AmendParams patch one fragment. Nil fields stay unchanged. Supersedes
// optionally names a fragment this amendment replaces.
type AmendParams struct {
	ID         string
	Content    *string
	Topic      *string
	Keywords   []string
	Type       *model.FragmentType
	Importance *float64
	IsAnchor   *bool
	Supersedes string
	AgentID    string
}

// AmendResult mirrors the store's update outcome.
type AmendResult struct {
	Updated    bool   `json:"updated"`
	Merged     bool   `json:"merged,omitempty"`
	ExistingID string `json:"existingId,omitempty"`
}

// Amend archives the current version, applies the patch and reindexes. When
// the patched content collides with another row, nothing is mutated and the
// colliding id is reported. Supersedes links the named fragment to this one
// and drops its importance to 0.3.
func (m *Manager) Amend(ctx context.Context, p AmendParams) (result *AmendResult, err error) {
	defer func() { metrics.ObserveOp("amend", err) }()

	if p.ID == "" {
		return nil, &registrystore.ValidationError{Field: "id", Message: "required"}
	}
	if p.Type != nil && !p.Type.Valid() {
		return nil, &registrystore.ValidationError{Field: "type", Message: fmt.Sprintf("unknown fragment type %q", *p.Type)}
	}

	before, err := m.store.GetByID(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	agent := p.AgentID
	if agent == "" {
		agent = model.DefaultAgentID
	}
	updated, err := m.store.Update(ctx, p.ID, registrystore.FragmentPatch{
		Content:    p.Content,
		Topic:      p.Topic,
		Keywords:   p.Keywords,
		Type:       p.Type,
		Importance: p.Importance,
		IsAnchor:   p.IsAnchor,
		AmendedBy:  agent,
	})
	if err != nil {
		return nil, err
	}
	if updated.Merged {
		return &AmendResult{Merged: true, ExistingID: updated.ExistingID}, nil
	}

	// Reindex under the new keywords and refresh the hot cache.
	after, err := m.store.GetByID(ctx, p.ID)
	if err == nil {
		if derr := m.index.Deindex(ctx, before.ID, before.Keywords, before.Topic, before.Type); derr != nil {
			log.Warn("deindex before reindex failed", "fragment", before.ID, "error", derr)
		}
		if ierr := m.index.Index(ctx, after, ""); ierr != nil {
			log.Warn("reindex failed", "fragment", after.ID, "error", ierr)
		}
	}

	if p.Supersedes != "" {
		if lerr := m.store.CreateLink(ctx, p.Supersedes, p.ID, model.RelationRelated); lerr != nil {
			log.Warn("supersedes link failed", "from", p.Supersedes, "to", p.ID, "error", lerr)
		} else if serr := m.store.SetImportance(ctx, p.Supersedes, 0.3); serr != nil {
			log.Warn("superseded importance drop failed", "fragment", p.Supersedes, "error", serr)
		}
	}

	return &AmendResult{Updated: true}, nil
}

// ToolFeedbackParams capture feedback about one tool invocation.
type ToolFeedbackParams struct {
	ToolName    string
	Relevant    bool
	Sufficient  bool
	Suggestion  string
	Context     string
	SessionID   string
	TriggerType string
}

// ToolFeedback validates and persists one feedback record.
func (m *Manager) ToolFeedback(ctx context.Context, p ToolFeedbackParams) (err error) {
	defer func() { metrics.ObserveOp("tool_feedback", err) }()

	if p.ToolName == "" {
		return &registrystore.ValidationError{Field: "tool_name", Message: "required"}
	}
	if len([]rune(p.Suggestion)) > 100 {
		return &registrystore.ValidationError{Field: "suggestion", Message: "at most 100 characters"}
	}
	if len([]rune(p.Context)) > 50 {
		return &registrystore.ValidationError{Field: "context", Message: "at most 50 characters"}
	}
	trigger := p.TriggerType
	if trigger == "" {
		trigger = model.TriggerVoluntary
	}
	if trigger != model.TriggerVoluntary && trigger != model.TriggerSampled {
		return &registrystore.ValidationError{Field: "trigger_type", Message: "must be sampled or voluntary"}
	}

	fb := model.ToolFeedback{
		ToolName:    p.ToolName,
		Relevant:    p.Relevant,
		Sufficient:  p.Sufficient,
		TriggerType: trigger,
	}
	if p.Suggestion != "" {
		fb.Suggestion = &p.Suggestion
	}
	if p.Context != "" {
		fb.Context = &p.Context
	}
	if p.SessionID != "" {
		fb.SessionID = &p.SessionID
	}
	return m.store.InsertToolFeedback(ctx, &fb)
}

// GraphExplore returns the root-cause chain for a start fragment.
func (m *Manager) GraphExplore(ctx context.Context, startID string) (nodes []registrystore.RCANode, err error) {
	defer func() { metrics.ObserveOp("graph_explore", err) }()
	if startID == "" {
		return nil, &registrystore.ValidationError{Field: "startId", Message: "required"}
	}
	return m.store.GetRCAChain(ctx, startID)
}

// StatsResult aggregates store and index health.
type StatsResult struct {
	Store          *registrystore.Stats `json:"store"`
	IndexAvailable bool                 `json:"indexAvailable"`
	EvaluationQ    int64                `json:"evaluationQueue"`
	PendingQ       int64                `json:"pendingContradictions"`
}

// Stats summarises the memory subsystem.
func (m *Manager) Stats(ctx context.Context) (result *StatsResult, err error) {
	defer func() { metrics.ObserveOp("memory_stats", err) }()

	st, err := m.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	out := &StatsResult{Store: st, IndexAvailable: m.index.Available()}
	if out.IndexAvailable {
		out.EvaluationQ, _ = m.index.QueueLen(ctx, registryindex.QueueEvaluation)
		out.PendingQ, _ = m.index.QueueLen(ctx, registryindex.QueuePendingContradictions)
	}
	return out, nil
}

// Consolidate runs one consolidation pass.
func (m *Manager) Consolidate(ctx context.Context) (counters map[string]int64, err error) {
	defer func() { metrics.ObserveOp("memory_consolidate", err) }()
	if m.consolidate == nil {
		return nil, fmt.Errorf("consolidation is not wired")
	}
	return m.consolidate(ctx)
}
