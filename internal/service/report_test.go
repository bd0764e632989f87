package service

import (
	"testing"
	"time"

	"github.com/agentmem/fragment-service/internal/model"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func TestRenderFeedbackReport_AggregatesPerTool(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	toolFB := []model.ToolFeedback{
		{ToolName: "recall", Relevant: true, Sufficient: true, TriggerType: model.TriggerSampled},
		{ToolName: "recall", Relevant: false, Sufficient: true, Suggestion: strptr("rank errors higher")},
		{ToolName: "context", Relevant: true, Sufficient: false},
	}
	taskFB := []model.TaskFeedback{
		{SessionID: "sess-1", OverallSuccess: true, ToolHighlights: []string{"recall found the fix"}},
		{SessionID: "sess-2", OverallSuccess: false, ToolPainPoints: []string{"context was too short"}},
	}

	report := renderFeedbackReport(toolFB, taskFB, time.Time{}, now)

	require.Contains(t, report, "# Tool Feedback Report")
	require.Contains(t, report, "Period: beginning to 2026-08-24T12:00:00Z")
	require.Contains(t, report, "### recall")
	require.Contains(t, report, "- responses: 2 (1 sampled)")
	require.Contains(t, report, "- relevant: 1/2")
	require.Contains(t, report, "- sufficient: 2/2")
	require.Contains(t, report, "- suggestion: rank errors higher")
	require.Contains(t, report, "### context")
	require.Contains(t, report, "- tasks: 2, succeeded: 1")
	require.Contains(t, report, "- highlight (sess-1): recall found the fix")
	require.Contains(t, report, "- pain point (sess-2): context was too short")
}

func TestRenderFeedbackReport_EmptyPeriod(t *testing.T) {
	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	report := renderFeedbackReport(nil, nil, since, now)
	require.Contains(t, report, "Period: 2026-08-01T00:00:00Z to 2026-08-24T00:00:00Z")
	require.Contains(t, report, "No tool feedback in this period.")
	require.Contains(t, report, "No task feedback in this period.")
}
