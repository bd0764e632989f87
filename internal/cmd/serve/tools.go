package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agentmem/fragment-service/internal/memory"
	"github.com/agentmem/fragment-service/internal/model"
	registrystore "github.com/agentmem/fragment-service/internal/registry/store"
	"github.com/agentmem/fragment-service/internal/scope"
)

const serverInstructions = `The fragment service is persistent memory for stateless coding agents.
Call "context" at session start to load core and working memory, "remember"
when something is worth keeping, "recall" before re-deriving knowledge, and
"reflect" at the end of a task to distill what happened.`

// newToolServer builds the MCP tool surface over the memory manager. Each
// operation resolves the caller's agent scope from its arguments and records
// the invocation against the session activity document.
func newToolServer(manager *memory.Manager) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("fragment-service", "1.0.0",
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(serverInstructions),
	)
	h := &toolHandlers{manager: manager}

	s.AddTool(mcp.NewTool("remember",
		mcp.WithDescription("Store a memory fragment. Session scope keeps it in working memory only."),
		mcp.WithString("content", mcp.Required(), mcp.Description("What to remember (truncated to 300 characters after redaction)")),
		mcp.WithString("topic", mcp.Required(), mcp.Description("Grouping topic, e.g. a project or subsystem name")),
		mcp.WithString("type", mcp.Description("fact|preference|decision|procedure|error (default fact)")),
		mcp.WithArray("keywords", mcp.Description("Explicit keywords; extracted from content when omitted"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithNumber("importance", mcp.Description("0..1; inferred from type when omitted")),
		mcp.WithString("source", mcp.Description("Where this knowledge came from")),
		mcp.WithArray("linked_to", mcp.Description("Fragment ids to link as related"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("scope", mcp.Description("\"session\" stores to working memory only")),
		mcp.WithBoolean("is_anchor", mcp.Description("Protect from decay and supersede demotion")),
		mcp.WithString("agent_id", mcp.Description("Caller agent id; empty uses the shared pool")),
		mcp.WithString("session_id", mcp.Description("Session id for activity tracking and working memory")),
	), h.remember)

	s.AddTool(mcp.NewTool("recall",
		mcp.WithDescription("Search memory through the three-tier cascade and return ranked fragments."),
		mcp.WithString("text", mcp.Description("Free-text query for semantic search")),
		mcp.WithArray("keywords", mcp.Description("Keyword filter"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("topic", mcp.Description("Topic filter")),
		mcp.WithString("type", mcp.Description("Fragment type filter")),
		mcp.WithNumber("token_budget", mcp.Description("Result token budget (default 1000)")),
		mcp.WithBoolean("include_links", mcp.Description("Expand 1-hop linked fragments (default true)")),
		mcp.WithArray("link_relations", mcp.Description("Relations to follow when expanding links"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithNumber("threshold", mcp.Description("Minimum semantic similarity")),
		mcp.WithString("agent_id"),
		mcp.WithString("session_id"),
	), h.recall)

	s.AddTool(mcp.NewTool("forget",
		mcp.WithDescription("Delete a fragment by id, or every fragment of a topic. Permanent fragments need force."),
		mcp.WithString("id", mcp.Description("Fragment id to delete")),
		mcp.WithString("topic", mcp.Description("Delete all fragments of this topic")),
		mcp.WithBoolean("force", mcp.Description("Also delete permanent-tier fragments")),
		mcp.WithString("agent_id"),
		mcp.WithString("session_id"),
	), h.forget)

	s.AddTool(mcp.NewTool("link",
		mcp.WithDescription("Create a typed edge between two fragments."),
		mcp.WithString("from_id", mcp.Required()),
		mcp.WithString("to_id", mcp.Required()),
		mcp.WithString("relation", mcp.Description("related|caused_by|resolved_by|superseded_by|contradicts (default related)")),
		mcp.WithString("agent_id"),
		mcp.WithString("session_id"),
	), h.link)

	s.AddTool(mcp.NewTool("amend",
		mcp.WithDescription("Update a fragment in place, archiving the previous version."),
		mcp.WithString("id", mcp.Required()),
		mcp.WithString("content"),
		mcp.WithString("topic"),
		mcp.WithArray("keywords", mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("type"),
		mcp.WithNumber("importance"),
		mcp.WithBoolean("is_anchor"),
		mcp.WithString("supersedes", mcp.Description("Fragment id this amendment supersedes")),
		mcp.WithString("agent_id"),
		mcp.WithString("session_id"),
	), h.amend)

	s.AddTool(mcp.NewTool("reflect",
		mcp.WithDescription("Distill a finished task into typed, linked fragments and clear working memory."),
		mcp.WithString("summary", mcp.Required(), mcp.Description("What happened, in a few sentences")),
		mcp.WithArray("decisions", mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("errors_resolved", mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("new_procedures", mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("open_questions", mcp.Items(map[string]any{"type": "string"})),
		mcp.WithObject("task_effectiveness", mcp.Description("{overall_success, tool_highlights, tool_pain_points}")),
		mcp.WithString("topic"),
		mcp.WithString("agent_id"),
		mcp.WithString("session_id"),
	), h.reflect)

	s.AddTool(mcp.NewTool("context",
		mcp.WithDescription("Assemble the session-bootstrap injection text from core and working memory."),
		mcp.WithNumber("token_budget", mcp.Description("Total budget (default 2000), split 65/35 core/working")),
		mcp.WithArray("types", mcp.Description("Core memory types (default preference, error, procedure)"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("agent_id"),
		mcp.WithString("session_id"),
	), h.contextOp)

	s.AddTool(mcp.NewTool("tool_feedback",
		mcp.WithDescription("Record whether a tool response was relevant and sufficient."),
		mcp.WithString("tool_name", mcp.Required()),
		mcp.WithBoolean("relevant"),
		mcp.WithBoolean("sufficient"),
		mcp.WithString("suggestion", mcp.Description("At most 100 characters")),
		mcp.WithString("context", mcp.Description("At most 50 characters")),
		mcp.WithString("trigger_type", mcp.Description("sampled|requested")),
		mcp.WithString("session_id"),
	), h.toolFeedback)

	s.AddTool(mcp.NewTool("memory_stats",
		mcp.WithDescription("Report store totals by type and tier, index health and queue depths."),
		mcp.WithString("agent_id"),
	), h.stats)

	s.AddTool(mcp.NewTool("memory_consolidate",
		mcp.WithDescription("Run one consolidation pass and return per-stage counters."),
	), h.consolidate)

	s.AddTool(mcp.NewTool("graph_explore",
		mcp.WithDescription("Walk the causal chain (caused_by, resolved_by) from a fragment."),
		mcp.WithString("start_id", mcp.Required()),
		mcp.WithString("agent_id"),
		mcp.WithString("session_id"),
	), h.graphExplore)

	return s
}

type toolHandlers struct {
	manager *memory.Manager
}

// begin resolves the caller scope and records the invocation.
func (h *toolHandlers) begin(ctx context.Context, req mcp.CallToolRequest, tool string) (context.Context, string) {
	agentID := req.GetString("agent_id", "")
	sessionID := req.GetString("session_id", "")
	ctx = scope.WithAgent(ctx, agentID)
	if sessionID != "" {
		h.manager.Tracker().RecordToolCall(ctx, sessionID, tool)
	}
	return ctx, sessionID
}

func (h *toolHandlers) remember(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, sessionID := h.begin(ctx, req, "remember")
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	topic, err := req.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	p := memory.RememberParams{
		Content:   content,
		Topic:     topic,
		Type:      model.FragmentType(req.GetString("type", string(model.TypeFact))),
		Keywords:  req.GetStringSlice("keywords", nil),
		Source:    req.GetString("source", ""),
		LinkedTo:  req.GetStringSlice("linked_to", nil),
		Scope:     req.GetString("scope", ""),
		IsAnchor:  req.GetBool("is_anchor", false),
		AgentID:   req.GetString("agent_id", ""),
		SessionID: sessionID,
	}
	if _, ok := req.GetArguments()["importance"]; ok {
		imp := req.GetFloat("importance", 0)
		p.Importance = &imp
	}
	result, err := h.manager.Remember(ctx, p)
	return render(result, err)
}

func (h *toolHandlers) recall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, sessionID := h.begin(ctx, req, "recall")

	p := memory.RecallParams{
		Text:        req.GetString("text", ""),
		Keywords:    req.GetStringSlice("keywords", nil),
		Topic:       req.GetString("topic", ""),
		Type:        model.FragmentType(req.GetString("type", "")),
		TokenBudget: req.GetInt("token_budget", 0),
		Threshold:   req.GetFloat("threshold", 0),
		AgentID:     req.GetString("agent_id", ""),
		SessionID:   sessionID,
	}
	if _, ok := req.GetArguments()["include_links"]; ok {
		include := req.GetBool("include_links", true)
		p.IncludeLinks = &include
	}
	for _, rel := range req.GetStringSlice("link_relations", nil) {
		p.LinkRelations = append(p.LinkRelations, model.RelationType(rel))
	}
	result, err := h.manager.Recall(ctx, p)
	return render(result, err)
}

func (h *toolHandlers) forget(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, _ = h.begin(ctx, req, "forget")
	p := memory.ForgetParams{
		ID:      req.GetString("id", ""),
		Topic:   req.GetString("topic", ""),
		Force:   req.GetBool("force", false),
		AgentID: req.GetString("agent_id", ""),
	}
	result, err := h.manager.Forget(ctx, p)
	return render(result, err)
}

func (h *toolHandlers) link(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, _ = h.begin(ctx, req, "link")
	fromID, err := req.RequireString("from_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	toID, err := req.RequireString("to_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	err = h.manager.Link(ctx, memory.LinkParams{
		FromID:   fromID,
		ToID:     toID,
		Relation: model.RelationType(req.GetString("relation", "")),
		AgentID:  req.GetString("agent_id", ""),
	})
	return render(map[string]any{"linked": err == nil}, err)
}

func (h *toolHandlers) amend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, _ = h.begin(ctx, req, "amend")
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	args := req.GetArguments()
	p := memory.AmendParams{
		ID:         id,
		Keywords:   req.GetStringSlice("keywords", nil),
		Supersedes: req.GetString("supersedes", ""),
		AgentID:    req.GetString("agent_id", ""),
	}
	if _, ok := args["content"]; ok {
		v := req.GetString("content", "")
		p.Content = &v
	}
	if _, ok := args["topic"]; ok {
		v := req.GetString("topic", "")
		p.Topic = &v
	}
	if _, ok := args["type"]; ok {
		v := model.FragmentType(req.GetString("type", ""))
		p.Type = &v
	}
	if _, ok := args["importance"]; ok {
		v := req.GetFloat("importance", 0)
		p.Importance = &v
	}
	if _, ok := args["is_anchor"]; ok {
		v := req.GetBool("is_anchor", false)
		p.IsAnchor = &v
	}
	result, err := h.manager.Amend(ctx, p)
	return render(result, err)
}

func (h *toolHandlers) reflect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, sessionID := h.begin(ctx, req, "reflect")
	summary, err := req.RequireString("summary")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	p := memory.ReflectParams{
		Summary:        summary,
		Decisions:      req.GetStringSlice("decisions", nil),
		ErrorsResolved: req.GetStringSlice("errors_resolved", nil),
		NewProcedures:  req.GetStringSlice("new_procedures", nil),
		OpenQuestions:  req.GetStringSlice("open_questions", nil),
		Topic:          req.GetString("topic", ""),
		AgentID:        req.GetString("agent_id", ""),
		SessionID:      sessionID,
	}
	if raw, ok := req.GetArguments()["task_effectiveness"].(map[string]any); ok {
		te := &memory.TaskEffectiveness{}
		te.OverallSuccess, _ = raw["overall_success"].(bool)
		te.ToolHighlights = stringSlice(raw["tool_highlights"])
		te.ToolPainPoints = stringSlice(raw["tool_pain_points"])
		p.TaskEffectiveness = te
	}
	result, err := h.manager.Reflect(ctx, p)
	return render(result, err)
}

func (h *toolHandlers) contextOp(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, sessionID := h.begin(ctx, req, "context")
	p := memory.ContextParams{
		TokenBudget: req.GetInt("token_budget", 0),
		AgentID:     req.GetString("agent_id", ""),
		SessionID:   sessionID,
	}
	for _, t := range req.GetStringSlice("types", nil) {
		p.Types = append(p.Types, model.FragmentType(t))
	}
	result, err := h.manager.Context(ctx, p)
	return render(result, err)
}

func (h *toolHandlers) toolFeedback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, sessionID := h.begin(ctx, req, "tool_feedback")
	toolName, err := req.RequireString("tool_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	err = h.manager.ToolFeedback(ctx, memory.ToolFeedbackParams{
		ToolName:    toolName,
		Relevant:    req.GetBool("relevant", false),
		Sufficient:  req.GetBool("sufficient", false),
		Suggestion:  req.GetString("suggestion", ""),
		Context:     req.GetString("context", ""),
		SessionID:   sessionID,
		TriggerType: req.GetString("trigger_type", ""),
	})
	return render(map[string]any{"recorded": err == nil}, err)
}

func (h *toolHandlers) stats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, _ = h.begin(ctx, req, "memory_stats")
	result, err := h.manager.Stats(ctx)
	return render(result, err)
}

func (h *toolHandlers) consolidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	counters, err := h.manager.Consolidate(ctx)
	return render(counters, err)
}

func (h *toolHandlers) graphExplore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, _ = h.begin(ctx, req, "graph_explore")
	startID, err := req.RequireString("start_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	nodes, err := h.manager.GraphExplore(ctx, startID)
	return render(map[string]any{"chain": nodes}, err)
}

// render serialises the result, mapping the typed store errors onto tool
// errors so agents see actionable messages rather than opaque failures.
func render(result any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		var (
			notFound   *registrystore.NotFoundError
			validation *registrystore.ValidationError
			conflict   *registrystore.ConflictError
			forbidden  *registrystore.ForbiddenError
		)
		switch {
		case errors.As(err, &notFound),
			errors.As(err, &validation),
			errors.As(err, &conflict),
			errors.As(err, &forbidden):
			return mcp.NewToolResultError(err.Error()), nil
		default:
			return mcp.NewToolResultError(fmt.Sprintf("internal error: %v", err)), nil
		}
	}
	data, merr := json.Marshal(result)
	if merr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("internal error: %v", merr)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
