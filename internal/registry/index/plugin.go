package index

import (
	"context"
	"fmt"

	"github.com/agentmem/fragment-service/internal/model"
)

// Queue names used with Enqueue/Dequeue. The backing key is "queue:<name>".
const (
	QueueEvaluation            = "evaluation"
	QueuePendingContradictions = "pending-contradictions"
)

// KeywordIndex is the in-memory (L1) layer: keyed id sets, recency ordering,
// hot cache, working memory, session sets, and the durable FIFO queues.
//
// The index is best-effort: when the backing store is unreachable all
// operations are no-ops and callers must not assume L1 success.
type KeywordIndex interface {
	Available() bool

	Index(ctx context.Context, f *model.Fragment, sessionID string) error
	Deindex(ctx context.Context, id string, keywords []string, topic string, fragmentType model.FragmentType) error

	// SearchByKeywords intersects the keyword sets; when the intersection has
	// fewer than minResults members and two or more keywords were supplied it
	// falls back to the union.
	SearchByKeywords(ctx context.Context, keywords []string, minResults int) ([]string, error)
	SearchByTopic(ctx context.Context, topic string) ([]string, error)
	SearchByType(ctx context.Context, fragmentType model.FragmentType) ([]string, error)
	Recent(ctx context.Context, limit int) ([]string, error)

	// Hot cache: per-fragment materialisation with a TTL.
	HotGet(ctx context.Context, id string) (*model.Fragment, error)
	HotSet(ctx context.Context, f *model.Fragment) error

	// Working memory: bounded per-session FIFO under a token ceiling.
	// Eviction drops oldest entries with importance <= 0.8.
	PushWorking(ctx context.Context, sessionID string, entry model.WorkingEntry) error
	ListWorking(ctx context.Context, sessionID string) ([]model.WorkingEntry, error)
	ClearWorking(ctx context.Context, sessionID string) error

	// Durable FIFO queues (evaluation, pending contradictions).
	Enqueue(ctx context.Context, queue string, payload []byte) error
	Dequeue(ctx context.Context, queue string) ([]byte, error)
	QueueLen(ctx context.Context, queue string) (int64, error)

	// PruneKeywordSets randomly trims any kw:* set above maxSetSize.
	PruneKeywordSets(ctx context.Context, maxSetSize int64) (int64, error)

	// Session activity document.
	GetActivity(ctx context.Context, sessionID string) (*model.SessionActivity, error)
	SaveActivity(ctx context.Context, activity *model.SessionActivity) error
	UnreflectedSessions(ctx context.Context, limit int) ([]string, error)

	// Watermark storage for the feedback report stage.
	GetWatermark(ctx context.Context, key string) (string, error)
	SetWatermark(ctx context.Context, key, value string) error
}

// Loader creates a KeywordIndex from config.
type Loader func(ctx context.Context) (KeywordIndex, error)

// Plugin represents a keyword index plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an index plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered index plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named index plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown index %q; valid: %v", name, Names())
}
