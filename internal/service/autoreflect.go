package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentmem/fragment-service/internal/activity"
	"github.com/agentmem/fragment-service/internal/memory"
	"github.com/agentmem/fragment-service/internal/model"
	registryllm "github.com/agentmem/fragment-service/internal/registry/llm"
	"github.com/charmbracelet/log"
)

// AutoReflect summarises finished sessions into fragments. With an LLM it
// produces a structured recap fed through the reflect operation; without
// one it stores a single minimal fact so the session leaves a trace.
type AutoReflect struct {
	manager *memory.Manager
	tracker *activity.Tracker
	llm     registryllm.Client
}

// NewAutoReflect wires the orchestrator.
func NewAutoReflect(manager *memory.Manager, tracker *activity.Tracker, llm registryllm.Client) *AutoReflect {
	return &AutoReflect{manager: manager, tracker: tracker, llm: llm}
}

type structuredRecap struct {
	Summary        string   `json:"summary"`
	Decisions      []string `json:"decisions"`
	ErrorsResolved []string `json:"errors_resolved"`
	NewProcedures  []string `json:"new_procedures"`
	OpenQuestions  []string `json:"open_questions"`
}

// ReflectSession runs auto-reflect for one session. Idempotent: already
// reflected or empty sessions are only marked.
func (a *AutoReflect) ReflectSession(ctx context.Context, sessionID string) {
	doc, err := a.tracker.Get(ctx, sessionID)
	if err != nil || doc == nil {
		return
	}
	if doc.Reflected || len(doc.ToolCalls) == 0 {
		a.tracker.MarkReflected(ctx, sessionID)
		return
	}

	if a.llm != nil && a.llm.Enabled() {
		if a.reflectStructured(ctx, doc) {
			return
		}
	}
	a.reflectMinimal(ctx, doc)
	a.tracker.MarkReflected(ctx, sessionID)
}

// ReflectAll reflects every unreflected session, up to limit. Called on
// shutdown so in-flight sessions leave memory behind.
func (a *AutoReflect) ReflectAll(ctx context.Context, limit int) {
	for _, sessionID := range a.tracker.Unreflected(ctx, limit) {
		a.ReflectSession(ctx, sessionID)
	}
}

func (a *AutoReflect) reflectStructured(ctx context.Context, doc *model.SessionActivity) bool {
	prompt := fmt.Sprintf(`A coding-agent session just ended. Summarise it for long-term memory.

Session: %s
Duration: %s
Tool calls: %s
Keywords seen: %s
Fragments touched: %d

Reply with JSON: {"summary": "...", "decisions": [...], "errors_resolved": [...], "new_procedures": [...], "open_questions": [...]}`,
		doc.SessionID,
		doc.LastActivity.Sub(doc.StartedAt).Round(time.Second),
		toolSummary(doc.ToolCalls),
		strings.Join(doc.Keywords, ", "),
		len(doc.Fragments))

	var recap structuredRecap
	if err := a.llm.CompleteJSON(ctx, prompt, &recap); err != nil {
		log.Warn("AutoReflect: structured recap failed, falling back", "session", doc.SessionID, "err", err)
		return false
	}
	if recap.Summary == "" {
		return false
	}
	if _, err := a.manager.Reflect(ctx, memory.ReflectParams{
		Summary:        recap.Summary,
		Decisions:      recap.Decisions,
		ErrorsResolved: recap.ErrorsResolved,
		NewProcedures:  recap.NewProcedures,
		OpenQuestions:  recap.OpenQuestions,
		SessionID:      doc.SessionID,
	}); err != nil {
		log.Warn("AutoReflect: reflect failed", "session", doc.SessionID, "err", err)
		return false
	}
	return true
}

func (a *AutoReflect) reflectMinimal(ctx context.Context, doc *model.SessionActivity) {
	content := fmt.Sprintf("session %s: %s, tools=%s, fragments=%d",
		doc.SessionID,
		doc.LastActivity.Sub(doc.StartedAt).Round(time.Second),
		toolSummary(doc.ToolCalls),
		len(doc.Fragments))
	if _, err := a.manager.Remember(ctx, memory.RememberParams{
		Content:   content,
		Topic:     "session",
		Type:      model.TypeFact,
		SessionID: doc.SessionID,
	}); err != nil {
		log.Warn("AutoReflect: minimal reflect failed", "session", doc.SessionID, "err", err)
	}
}

func toolSummary(calls map[string]int64) string {
	names := make([]string, 0, len(calls))
	for name := range calls {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s:%d", name, calls[name])
	}
	return strings.Join(parts, " ")
}
