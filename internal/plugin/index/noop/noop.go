// Package noop provides a keyword index that indexes nothing. Every search
// misses, pushing recall straight to the database tiers, and working memory
// and queues are kept in process memory only. Intended for development and
// tests where Redis is not available.
package noop

import (
	"context"
	"sync"

	"github.com/agentmem/fragment-service/internal/model"
	registryindex "github.com/agentmem/fragment-service/internal/registry/index"
)

func init() {
	registryindex.Register(registryindex.Plugin{
		Name: "noop",
		Loader: func(ctx context.Context) (registryindex.KeywordIndex, error) {
			return New(), nil
		},
	})
}

// New returns an empty in-process index.
func New() registryindex.KeywordIndex {
	return &noopIndex{
		working:  map[string][]model.WorkingEntry{},
		queues:   map[string][][]byte{},
		activity: map[string]*model.SessionActivity{},
		marks:    map[string]string{},
	}
}

type noopIndex struct {
	mu       sync.Mutex
	working  map[string][]model.WorkingEntry
	queues   map[string][][]byte
	activity map[string]*model.SessionActivity
	marks    map[string]string
}

func (n *noopIndex) Available() bool { return true }

func (n *noopIndex) Index(ctx context.Context, f *model.Fragment, sessionID string) error {
	return nil
}

func (n *noopIndex) Deindex(ctx context.Context, id string, keywords []string, topic string, fragmentType model.FragmentType) error {
	return nil
}

func (n *noopIndex) SearchByKeywords(ctx context.Context, keywords []string, minResults int) ([]string, error) {
	return nil, nil
}

func (n *noopIndex) SearchByTopic(ctx context.Context, topic string) ([]string, error) {
	return nil, nil
}

func (n *noopIndex) SearchByType(ctx context.Context, fragmentType model.FragmentType) ([]string, error) {
	return nil, nil
}

func (n *noopIndex) Recent(ctx context.Context, limit int) ([]string, error) { return nil, nil }

func (n *noopIndex) HotGet(ctx context.Context, id string) (*model.Fragment, error) {
	return nil, nil
}

func (n *noopIndex) HotSet(ctx context.Context, f *model.Fragment) error { return nil }

func (n *noopIndex) PushWorking(ctx context.Context, sessionID string, entry model.WorkingEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.working[sessionID] = append(n.working[sessionID], entry)
	return nil
}

func (n *noopIndex) ListWorking(ctx context.Context, sessionID string) ([]model.WorkingEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.WorkingEntry(nil), n.working[sessionID]...), nil
}

func (n *noopIndex) ClearWorking(ctx context.Context, sessionID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.working, sessionID)
	return nil
}

func (n *noopIndex) Enqueue(ctx context.Context, queue string, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queues[queue] = append(n.queues[queue], payload)
	return nil
}

func (n *noopIndex) Dequeue(ctx context.Context, queue string) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	q := n.queues[queue]
	if len(q) == 0 {
		return nil, nil
	}
	head := q[0]
	n.queues[queue] = q[1:]
	return head, nil
}

func (n *noopIndex) QueueLen(ctx context.Context, queue string) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return int64(len(n.queues[queue])), nil
}

func (n *noopIndex) PruneKeywordSets(ctx context.Context, maxSetSize int64) (int64, error) {
	return 0, nil
}

func (n *noopIndex) GetActivity(ctx context.Context, sessionID string) (*model.SessionActivity, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	a, ok := n.activity[sessionID]
	if !ok {
		return nil, nil
	}
	clone := *a
	return &clone, nil
}

func (n *noopIndex) SaveActivity(ctx context.Context, activity *model.SessionActivity) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	clone := *activity
	n.activity[activity.SessionID] = &clone
	return nil
}

func (n *noopIndex) UnreflectedSessions(ctx context.Context, limit int) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for id, a := range n.activity {
		if !a.Reflected && len(out) < limit {
			out = append(out, id)
		}
	}
	return out, nil
}

func (n *noopIndex) GetWatermark(ctx context.Context, key string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.marks[key], nil
}

func (n *noopIndex) SetWatermark(ctx context.Context, key, value string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.marks[key] = value
	return nil
}

var _ registryindex.KeywordIndex = (*noopIndex)(nil)
