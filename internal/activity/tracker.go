// Package activity maintains the per-session rolling activity document:
// tool-call counts, recently seen keywords and fragment ids, and the
// reflected flag consumed by auto-reflect.
package activity

import (
	"context"
	"time"

	"github.com/agentmem/fragment-service/internal/model"
	registryindex "github.com/agentmem/fragment-service/internal/registry/index"
	"github.com/charmbracelet/log"
)

const (
	maxKeywords  = 50
	maxFragments = 100
)

// Tracker records session activity against the keyword index. All writes
// are best-effort: failures are logged and never surface to the caller.
type Tracker struct {
	index registryindex.KeywordIndex
}

// NewTracker builds a tracker over the given index.
func NewTracker(index registryindex.KeywordIndex) *Tracker {
	return &Tracker{index: index}
}

func (t *Tracker) load(ctx context.Context, sessionID string, now time.Time) *model.SessionActivity {
	a, err := t.index.GetActivity(ctx, sessionID)
	if err != nil {
		log.Warn("activity load failed", "session", sessionID, "error", err)
	}
	if a == nil {
		a = &model.SessionActivity{
			SessionID: sessionID,
			StartedAt: now,
			ToolCalls: map[string]int64{},
		}
	}
	if a.ToolCalls == nil {
		a.ToolCalls = map[string]int64{}
	}
	a.LastActivity = now
	return a
}

func (t *Tracker) save(ctx context.Context, a *model.SessionActivity) {
	if err := t.index.SaveActivity(ctx, a); err != nil {
		log.Warn("activity save failed", "session", a.SessionID, "error", err)
	}
}

// RecordToolCall bumps the per-tool counter.
func (t *Tracker) RecordToolCall(ctx context.Context, sessionID, tool string) {
	if sessionID == "" || t.index == nil {
		return
	}
	a := t.load(ctx, sessionID, time.Now())
	a.ToolCalls[tool]++
	t.save(ctx, a)
}

// RecordKeywords appends unique keywords, keeping the most recent ones.
func (t *Tracker) RecordKeywords(ctx context.Context, sessionID string, keywords []string) {
	if sessionID == "" || t.index == nil || len(keywords) == 0 {
		return
	}
	a := t.load(ctx, sessionID, time.Now())
	a.Keywords = appendBounded(a.Keywords, keywords, maxKeywords)
	t.save(ctx, a)
}

// RecordFragments appends unique fragment ids, keeping the most recent ones.
func (t *Tracker) RecordFragments(ctx context.Context, sessionID string, ids []string) {
	if sessionID == "" || t.index == nil || len(ids) == 0 {
		return
	}
	a := t.load(ctx, sessionID, time.Now())
	a.Fragments = appendBounded(a.Fragments, ids, maxFragments)
	t.save(ctx, a)
}

// MarkReflected sets the reflected flag.
func (t *Tracker) MarkReflected(ctx context.Context, sessionID string) {
	if sessionID == "" || t.index == nil {
		return
	}
	a := t.load(ctx, sessionID, time.Now())
	a.Reflected = true
	t.save(ctx, a)
}

// Get returns the activity document, or nil when the session is unknown.
func (t *Tracker) Get(ctx context.Context, sessionID string) (*model.SessionActivity, error) {
	if t.index == nil {
		return nil, nil
	}
	return t.index.GetActivity(ctx, sessionID)
}

// Unreflected lists up to limit sessions that have not been reflected.
func (t *Tracker) Unreflected(ctx context.Context, limit int) []string {
	if t.index == nil {
		return nil
	}
	sessions, err := t.index.UnreflectedSessions(ctx, limit)
	if err != nil {
		log.Warn("unreflected session scan failed", "error", err)
		return nil
	}
	return sessions
}

// appendBounded appends new unique items and trims from the front so the
// most recent max items survive.
func appendBounded(existing, add []string, max int) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	for _, v := range add {
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		existing = append(existing, v)
	}
	if len(existing) > max {
		existing = existing[len(existing)-max:]
	}
	return existing
}
