package memory

import (
	"context"
	"time"

	"github.com/agentmem/fragment-service/internal/fragment"
	"github.com/agentmem/fragment-service/internal/metrics"
	"github.com/agentmem/fragment-service/internal/model"
	registrystore "github.com/agentmem/fragment-service/internal/registry/store"
	"github.com/charmbracelet/log"
)

// Prefixes applied to reflect list entries.
const (
	resolvedPrefix = "[해결됨] "
	openPrefix     = "[미해결] "
)

// cycleCheckMaxNodes bounds the BFS guard before rule-based linking.
const cycleCheckMaxNodes = 20

// TaskEffectiveness is the optional end-of-task feedback block of reflect.
type TaskEffectiveness struct {
	OverallSuccess bool
	ToolHighlights []string
	ToolPainPoints []string
}

// ReflectParams project a session recap into typed fragments.
type ReflectParams struct {
	Summary           string
	Decisions         []string
	ErrorsResolved    []string
	NewProcedures     []string
	OpenQuestions     []string
	TaskEffectiveness *TaskEffectiveness
	SessionID         string
	AgentID           string
	Topic             string
}

// ReflectResult lists what reflect created.
type ReflectResult struct {
	FragmentIDs []string `json:"fragmentIds"`
	Links       int      `json:"links"`
}

// Reflect splits the summary into fact fragments, materialises each list
// entry as a typed fragment, runs rule-based linking between the resolved
// errors and their causes and fixes, optionally records task feedback, and
// clears the session's working memory.
func (m *Manager) Reflect(ctx context.Context, p ReflectParams) (result *ReflectResult, err error) {
	defer func() { metrics.ObserveOp("reflect", err) }()

	if p.Summary == "" {
		return nil, &registrystore.ValidationError{Field: "summary", Message: "required"}
	}
	topic := p.Topic
	if topic == "" {
		topic = "reflection"
	}
	now := time.Now()

	var (
		created    []string
		errorIDs   []string
		decisionID []string
		procIDs    []string
	)
	persist := func(f model.Fragment) {
		inserted, ierr := m.store.Insert(ctx, &f)
		if ierr != nil {
			log.Warn("reflect insert failed", "topic", f.Topic, "type", f.Type, "error", ierr)
			return
		}
		created = append(created, inserted.ID)
		if !inserted.Created {
			return
		}
		if xerr := m.index.Index(ctx, &f, p.SessionID); xerr != nil {
			log.Warn("reflect index failed", "fragment", f.ID, "error", xerr)
		}
		switch f.Type {
		case model.TypeError:
			errorIDs = append(errorIDs, f.ID)
		case model.TypeDecision:
			decisionID = append(decisionID, f.ID)
		case model.TypeProcedure:
			procIDs = append(procIDs, f.ID)
		}
	}

	prevSummaryID := ""
	for _, f := range fragment.Split(fragment.Params{
		Content: p.Summary,
		Topic:   topic,
		Type:    model.TypeFact,
		AgentID: p.AgentID,
	}, now) {
		// The chain is persisted as real edges; the mirror follows from them.
		f.LinkedTo = nil
		persist(f)
		if prevSummaryID != "" {
			if lerr := m.store.CreateLink(ctx, prevSummaryID, f.ID, model.RelationRelated); lerr != nil {
				log.Warn("summary chain link failed", "from", prevSummaryID, "to", f.ID, "error", lerr)
			}
		}
		prevSummaryID = f.ID
	}
	for _, d := range p.Decisions {
		persist(fragment.Create(fragment.Params{Content: d, Topic: topic, Type: model.TypeDecision, AgentID: p.AgentID}, now))
	}
	for _, e := range p.ErrorsResolved {
		persist(fragment.Create(fragment.Params{Content: resolvedPrefix + e, Topic: topic, Type: model.TypeError, AgentID: p.AgentID}, now))
	}
	for _, pr := range p.NewProcedures {
		persist(fragment.Create(fragment.Params{Content: pr, Topic: topic, Type: model.TypeProcedure, AgentID: p.AgentID}, now))
	}
	for _, q := range p.OpenQuestions {
		persist(fragment.Create(fragment.Params{Content: openPrefix + q, Topic: topic, Type: model.TypeFact, AgentID: p.AgentID}, now))
	}

	// Rule-based linking: errors are caused by the decisions of the session,
	// and the new procedures resolve the errors. Each edge is guarded by a
	// reachability check so the graph stays acyclic.
	links := 0
	addEdge := func(fromID, toID string, relation model.RelationType) {
		reachable, herr := m.store.HasPath(ctx, toID, fromID, cycleCheckMaxNodes)
		if herr != nil || reachable {
			return
		}
		if lerr := m.store.CreateLink(ctx, fromID, toID, relation); lerr != nil {
			log.Warn("reflect link failed", "from", fromID, "to", toID, "error", lerr)
			return
		}
		links++
	}
	for _, errID := range errorIDs {
		for _, decID := range decisionID {
			addEdge(errID, decID, model.RelationCausedBy)
		}
	}
	for _, procID := range procIDs {
		for _, errID := range errorIDs {
			addEdge(procID, errID, model.RelationResolvedBy)
		}
	}

	if p.TaskEffectiveness != nil && p.SessionID != "" {
		fb := model.TaskFeedback{
			SessionID:      p.SessionID,
			OverallSuccess: p.TaskEffectiveness.OverallSuccess,
			ToolHighlights: p.TaskEffectiveness.ToolHighlights,
			ToolPainPoints: p.TaskEffectiveness.ToolPainPoints,
		}
		if ferr := m.store.InsertTaskFeedback(ctx, &fb); ferr != nil {
			log.Warn("task feedback insert failed", "session", p.SessionID, "error", ferr)
		}
	}

	if p.SessionID != "" {
		if cerr := m.index.ClearWorking(ctx, p.SessionID); cerr != nil {
			log.Warn("working-memory clear failed", "session", p.SessionID, "error", cerr)
		}
		m.tracker.MarkReflected(ctx, p.SessionID)
	}

	return &ReflectResult{FragmentIDs: created, Links: links}, nil
}
