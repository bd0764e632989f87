package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentmem/fragment-service/internal/model"
	"github.com/charmbracelet/log"
)

const feedbackWatermarkKey = "feedback:watermark"

// feedbackReport is stage 10: aggregate tool and task feedback accumulated
// since the last report, emit a markdown artefact, and advance the watermark.
func (c *Consolidator) feedbackReport(ctx context.Context) (int64, error) {
	since := time.Time{}
	if mark, err := c.index.GetWatermark(ctx, feedbackWatermarkKey); err == nil && mark != "" {
		if t, perr := time.Parse(time.RFC3339, mark); perr == nil {
			since = t
		}
	}

	toolFB, taskFB, err := c.store.FeedbackSince(ctx, since)
	if err != nil {
		return 0, err
	}
	if len(toolFB) == 0 && len(taskFB) == 0 {
		return 0, nil
	}

	now := time.Now()
	report := renderFeedbackReport(toolFB, taskFB, since, now)
	path := filepath.Join(c.cfg.ResolvedReportDir(), fmt.Sprintf("fragment-feedback-%s.md", now.Format("20060102-150405")))
	if err := os.WriteFile(path, []byte(report), 0o644); err != nil {
		return 0, fmt.Errorf("write feedback report: %w", err)
	}
	log.Info("Consolidator: feedback report written", "path", path, "tool", len(toolFB), "task", len(taskFB))

	if err := c.index.SetWatermark(ctx, feedbackWatermarkKey, now.Format(time.RFC3339)); err != nil {
		log.Warn("Consolidator: feedback watermark write failed", "err", err)
	}
	return int64(len(toolFB) + len(taskFB)), nil
}

type toolAgg struct {
	total      int
	relevant   int
	sufficient int
	sampled    int
	notes      []string
}

func renderFeedbackReport(toolFB []model.ToolFeedback, taskFB []model.TaskFeedback, since, now time.Time) string {
	var b strings.Builder
	b.WriteString("# Tool Feedback Report\n\n")
	if since.IsZero() {
		fmt.Fprintf(&b, "Period: beginning to %s\n\n", now.Format(time.RFC3339))
	} else {
		fmt.Fprintf(&b, "Period: %s to %s\n\n", since.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	byTool := map[string]*toolAgg{}
	var order []string
	for _, fb := range toolFB {
		agg, ok := byTool[fb.ToolName]
		if !ok {
			agg = &toolAgg{}
			byTool[fb.ToolName] = agg
			order = append(order, fb.ToolName)
		}
		agg.total++
		if fb.Relevant {
			agg.relevant++
		}
		if fb.Sufficient {
			agg.sufficient++
		}
		if fb.TriggerType == model.TriggerSampled {
			agg.sampled++
		}
		if fb.Suggestion != nil && *fb.Suggestion != "" {
			agg.notes = append(agg.notes, *fb.Suggestion)
		}
	}

	b.WriteString("## Per-tool\n\n")
	if len(order) == 0 {
		b.WriteString("No tool feedback in this period.\n\n")
	}
	for _, name := range order {
		agg := byTool[name]
		fmt.Fprintf(&b, "### %s\n\n", name)
		fmt.Fprintf(&b, "- responses: %d (%d sampled)\n", agg.total, agg.sampled)
		fmt.Fprintf(&b, "- relevant: %d/%d\n", agg.relevant, agg.total)
		fmt.Fprintf(&b, "- sufficient: %d/%d\n", agg.sufficient, agg.total)
		for _, note := range agg.notes {
			fmt.Fprintf(&b, "- suggestion: %s\n", note)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Task outcomes\n\n")
	if len(taskFB) == 0 {
		b.WriteString("No task feedback in this period.\n")
	} else {
		succeeded := 0
		for _, fb := range taskFB {
			if fb.OverallSuccess {
				succeeded++
			}
		}
		fmt.Fprintf(&b, "- tasks: %d, succeeded: %d\n", len(taskFB), succeeded)
		for _, fb := range taskFB {
			for _, h := range fb.ToolHighlights {
				fmt.Fprintf(&b, "- highlight (%s): %s\n", fb.SessionID, h)
			}
			for _, p := range fb.ToolPainPoints {
				fmt.Fprintf(&b, "- pain point (%s): %s\n", fb.SessionID, p)
			}
		}
	}
	return b.String()
}
