package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentmem/fragment-service/internal/config"
	"github.com/agentmem/fragment-service/internal/model"
	"github.com/agentmem/fragment-service/internal/plugin/index/noop"
	registryindex "github.com/agentmem/fragment-service/internal/registry/index"
	registrynli "github.com/agentmem/fragment-service/internal/registry/nli"
	"github.com/stretchr/testify/require"
)

type fakeNLI struct {
	enabled bool
	scores  map[registrynli.Label]float64
}

func (n *fakeNLI) Classify(ctx context.Context, premise, hypothesis string) (*registrynli.Classification, error) {
	if n.scores == nil {
		return nil, nil
	}
	return &registrynli.Classification{Scores: n.scores}, nil
}

func (n *fakeNLI) Enabled() bool { return n.enabled }

func newTestConsolidator(store *fakeStore, nli registrynli.Classifier, llm *fakeLLM) (*Consolidator, registryindex.KeywordIndex) {
	cfg := config.DefaultConfig()
	idx := noop.New()
	return NewConsolidator(store, idx, nil, nli, llm, &cfg), idx
}

func enqueuePending(t *testing.T, idx registryindex.KeywordIndex, job model.PendingContradiction) {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, idx.Enqueue(context.Background(), registryindex.QueuePendingContradictions, data))
}

func seedPair(store *fakeStore) (older, newer model.Fragment) {
	now := time.Now()
	older = model.Fragment{ID: "frag-old", Topic: "deploy", Content: "deploys go out on fridays", Importance: 0.8, CreatedAt: now.Add(-time.Hour)}
	newer = model.Fragment{ID: "frag-new", Topic: "deploy", Content: "deploys are frozen on fridays", Importance: 0.7, CreatedAt: now}
	store.fragments[older.ID] = older
	store.fragments[newer.ID] = newer
	return older, newer
}

func TestResolvePair_TimeOrderingHeuristic(t *testing.T) {
	store := newFakeStore()
	c, _ := newTestConsolidator(store, &fakeNLI{}, &fakeLLM{})
	older, newer := seedPair(store)

	c.resolvePair(context.Background(), older, newer)

	require.Contains(t, store.links, recordedLink{From: "frag-new", To: "frag-old", Relation: model.RelationContradicts})
	require.Contains(t, store.links, recordedLink{From: "frag-old", To: "frag-new", Relation: model.RelationSupersededBy})
	require.InDelta(t, 0.4, store.importances["frag-old"], 1e-9)
}

func TestResolvePair_AnchorKeepsImportance(t *testing.T) {
	store := newFakeStore()
	c, _ := newTestConsolidator(store, &fakeNLI{}, &fakeLLM{})
	older, newer := seedPair(store)
	older.IsAnchor = true

	c.resolvePair(context.Background(), older, newer)

	require.Contains(t, store.links, recordedLink{From: "frag-new", To: "frag-old", Relation: model.RelationContradicts})
	require.NotContains(t, store.links, recordedLink{From: "frag-old", To: "frag-new", Relation: model.RelationSupersededBy})
	require.Empty(t, store.importances)
}

func TestDrainPending_NLIDecisiveResolves(t *testing.T) {
	store := newFakeStore()
	nli := &fakeNLI{enabled: true, scores: map[registrynli.Label]float64{
		registrynli.LabelContradiction: 0.9,
		registrynli.LabelEntailment:    0.05,
	}}
	c, idx := newTestConsolidator(store, nli, &fakeLLM{})
	seedPair(store)

	enqueuePending(t, idx, model.PendingContradiction{NewerID: "frag-new", OlderID: "frag-old", Topic: "deploy"})
	resolved, err := c.drainPending(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, resolved)
	require.InDelta(t, 0.4, store.importances["frag-old"], 1e-9)
}

func TestDrainPending_NLIDecisiveSkipConsumesEntry(t *testing.T) {
	store := newFakeStore()
	nli := &fakeNLI{enabled: true, scores: map[registrynli.Label]float64{
		registrynli.LabelContradiction: 0.05,
		registrynli.LabelEntailment:    0.9,
	}}
	c, idx := newTestConsolidator(store, nli, &fakeLLM{})
	seedPair(store)

	enqueuePending(t, idx, model.PendingContradiction{NewerID: "frag-new", OlderID: "frag-old"})
	resolved, err := c.drainPending(context.Background())
	require.NoError(t, err)
	require.Zero(t, resolved)
	require.Empty(t, store.links)

	n, err := idx.QueueLen(context.Background(), registryindex.QueuePendingContradictions)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDrainPending_NoAdjudicatorRequeuesAndStops(t *testing.T) {
	store := newFakeStore()
	c, idx := newTestConsolidator(store, &fakeNLI{enabled: false}, &fakeLLM{enabled: false})
	seedPair(store)

	enqueuePending(t, idx, model.PendingContradiction{NewerID: "frag-new", OlderID: "frag-old"})
	enqueuePending(t, idx, model.PendingContradiction{NewerID: "frag-new", OlderID: "frag-old"})

	resolved, err := c.drainPending(context.Background())
	require.NoError(t, err)
	require.Zero(t, resolved)

	// First entry requeued, second never dequeued.
	n, err := idx.QueueLen(context.Background(), registryindex.QueuePendingContradictions)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestDrainPending_LLMEscalationResolves(t *testing.T) {
	store := newFakeStore()
	nli := &fakeNLI{enabled: true, scores: map[registrynli.Label]float64{
		registrynli.LabelContradiction: 0.4,
		registrynli.LabelEntailment:    0.1,
	}}
	llm := &fakeLLM{enabled: true, reply: `{"contradicts": true, "reasoning": "incompatible policies"}`}
	c, idx := newTestConsolidator(store, nli, llm)
	seedPair(store)

	enqueuePending(t, idx, model.PendingContradiction{NewerID: "frag-new", OlderID: "frag-old"})
	resolved, err := c.drainPending(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, resolved)
	require.Equal(t, 1, llm.calls)
}

func TestDrainPending_MissingFragmentDropsEntry(t *testing.T) {
	store := newFakeStore()
	c, idx := newTestConsolidator(store, &fakeNLI{enabled: false}, &fakeLLM{enabled: false})

	enqueuePending(t, idx, model.PendingContradiction{NewerID: "frag-gone", OlderID: "frag-also-gone"})
	resolved, err := c.drainPending(context.Background())
	require.NoError(t, err)
	require.Zero(t, resolved)

	n, err := idx.QueueLen(context.Background(), registryindex.QueuePendingContradictions)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAdjudicate_ParksNearIdenticalPairs(t *testing.T) {
	store := newFakeStore()
	c, idx := newTestConsolidator(store, &fakeNLI{enabled: false}, &fakeLLM{enabled: false})
	older, newer := seedPair(store)

	resolved := c.adjudicate(context.Background(), older, newer, 0.95)
	require.False(t, resolved)

	n, err := idx.QueueLen(context.Background(), registryindex.QueuePendingContradictions)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestAdjudicate_BelowPendingThresholdDropsPair(t *testing.T) {
	store := newFakeStore()
	c, idx := newTestConsolidator(store, &fakeNLI{enabled: false}, &fakeLLM{enabled: false})
	older, newer := seedPair(store)

	resolved := c.adjudicate(context.Background(), older, newer, 0.86)
	require.False(t, resolved)

	n, err := idx.QueueLen(context.Background(), registryindex.QueuePendingContradictions)
	require.NoError(t, err)
	require.Zero(t, n)
}
