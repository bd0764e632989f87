package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentmem/fragment-service/internal/model"
	"github.com/agentmem/fragment-service/internal/plugin/index/noop"
	registryindex "github.com/agentmem/fragment-service/internal/registry/index"
	registrystore "github.com/agentmem/fragment-service/internal/registry/store"
	"github.com/stretchr/testify/require"
)

// fakeStore records the mutations the workers perform. Methods the tests
// never reach fall through to the embedded nil interface.
type fakeStore struct {
	registrystore.FragmentStore

	fragments   map[string]model.Fragment
	links       []recordedLink
	importances map[string]float64
	keywords    map[string][]string
}

type recordedLink struct {
	From, To string
	Relation model.RelationType
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		fragments:   map[string]model.Fragment{},
		importances: map[string]float64{},
		keywords:    map[string][]string{},
	}
}

func (s *fakeStore) GetByIDs(ctx context.Context, ids []string) ([]model.Fragment, error) {
	var out []model.Fragment
	for _, id := range ids {
		if f, ok := s.fragments[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateLink(ctx context.Context, fromID, toID string, relation model.RelationType) error {
	s.links = append(s.links, recordedLink{From: fromID, To: toID, Relation: relation})
	return nil
}

func (s *fakeStore) SetImportance(ctx context.Context, id string, importance float64) error {
	s.importances[id] = importance
	return nil
}

func (s *fakeStore) AppendKeyword(ctx context.Context, id string, keyword string) error {
	s.keywords[id] = append(s.keywords[id], keyword)
	return nil
}

type fakeLLM struct {
	enabled bool
	reply   string
	err     error
	calls   int
}

func (l *fakeLLM) CompleteJSON(ctx context.Context, prompt string, out any) error {
	l.calls++
	if l.err != nil {
		return l.err
	}
	return json.Unmarshal([]byte(l.reply), out)
}

func (l *fakeLLM) Enabled() bool { return l.enabled }

func enqueueEvaluation(t *testing.T, idx registryindex.KeywordIndex, job model.EvaluationJob) {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, idx.Enqueue(context.Background(), registryindex.QueueEvaluation, data))
}

func TestEvaluator_ScoresFragment(t *testing.T) {
	store := newFakeStore()
	idx := noop.New()
	llm := &fakeLLM{enabled: true, reply: `{"score": 0.85, "rationale": "durable architectural decision", "action": "keep"}`}
	e := NewEvaluator(store, idx, llm, time.Second)

	enqueueEvaluation(t, idx, model.EvaluationJob{FragmentID: "frag-1", Type: model.TypeDecision, Content: "use pgvector"})
	e.drain(context.Background())

	require.InDelta(t, 0.85, store.importances["frag-1"], 1e-9)
	require.Equal(t, []string{"Rationale: durable architectural decision"}, store.keywords["frag-1"])
}

func TestEvaluator_DowngradeCapsImportance(t *testing.T) {
	store := newFakeStore()
	idx := noop.New()
	llm := &fakeLLM{enabled: true, reply: `{"score": 0.9, "rationale": "", "action": "downgrade"}`}
	e := NewEvaluator(store, idx, llm, time.Second)

	enqueueEvaluation(t, idx, model.EvaluationJob{FragmentID: "frag-1", Type: model.TypeDecision})
	e.drain(context.Background())

	require.InDelta(t, 0.3, store.importances["frag-1"], 1e-9)
	require.Empty(t, store.keywords["frag-1"], "empty rationale writes no keyword")
}

func TestEvaluator_DiscardCapsImportance(t *testing.T) {
	store := newFakeStore()
	idx := noop.New()
	llm := &fakeLLM{enabled: true, reply: `{"score": 0.6, "rationale": "transient detail", "action": "discard"}`}
	e := NewEvaluator(store, idx, llm, time.Second)

	enqueueEvaluation(t, idx, model.EvaluationJob{FragmentID: "frag-1", Type: model.TypePreference})
	e.drain(context.Background())

	require.InDelta(t, 0.1, store.importances["frag-1"], 1e-9)
}

func TestEvaluator_DisabledLLMDropsJob(t *testing.T) {
	store := newFakeStore()
	idx := noop.New()
	e := NewEvaluator(store, idx, &fakeLLM{enabled: false}, time.Second)

	enqueueEvaluation(t, idx, model.EvaluationJob{FragmentID: "frag-1", Type: model.TypeDecision})
	e.drain(context.Background())

	require.Empty(t, store.importances)
	n, err := idx.QueueLen(context.Background(), registryindex.QueueEvaluation)
	require.NoError(t, err)
	require.Zero(t, n, "job is consumed, not requeued")
}

func TestEvaluator_MalformedJobDropped(t *testing.T) {
	store := newFakeStore()
	idx := noop.New()
	e := NewEvaluator(store, idx, &fakeLLM{enabled: true, reply: `{}`}, time.Second)

	require.NoError(t, idx.Enqueue(context.Background(), registryindex.QueueEvaluation, []byte("not json")))
	e.drain(context.Background())

	require.Empty(t, store.importances)
}
