package search

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentmem/fragment-service/internal/model"
	"github.com/agentmem/fragment-service/internal/plugin/index/noop"
	registrystore "github.com/agentmem/fragment-service/internal/registry/store"
	"github.com/agentmem/fragment-service/internal/scope"
	"github.com/stretchr/testify/require"
)

// fakeSearchStore serves canned results per tier. Methods the cascade never
// reaches fall through to the embedded nil interface.
type fakeSearchStore struct {
	registrystore.FragmentStore

	keywordHits  []model.Fragment
	semanticHits []registrystore.SemanticHit
	linked       []registrystore.LinkedFragment

	mu             sync.Mutex
	keywordQueries []registrystore.KeywordQuery
	touchAgents    []string
}

func (s *fakeSearchStore) SearchByKeywords(ctx context.Context, q registrystore.KeywordQuery) ([]model.Fragment, error) {
	s.mu.Lock()
	s.keywordQueries = append(s.keywordQueries, q)
	s.mu.Unlock()
	return s.keywordHits, nil
}

func (s *fakeSearchStore) SearchBySemantic(ctx context.Context, embedding []float32, limit int, minSimilarity float64) ([]registrystore.SemanticHit, error) {
	return s.semanticHits, nil
}

func (s *fakeSearchStore) GetLinkedFragments(ctx context.Context, fromIDs []string, relations []model.RelationType, limit int) ([]registrystore.LinkedFragment, error) {
	return s.linked, nil
}

func (s *fakeSearchStore) Count(ctx context.Context) (int64, error) { return 0, nil }

func (s *fakeSearchStore) IncrementAccess(ctx context.Context, ids []string) error {
	s.mu.Lock()
	s.touchAgents = append(s.touchAgents, scope.FromContext(ctx).AgentID)
	s.mu.Unlock()
	return nil
}

type fakeEmbedder struct {
	enabled bool
	calls   int
}

func (e *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (e *fakeEmbedder) ModelName() string { return "fake" }
func (e *fakeEmbedder) Dimension() int    { return 3 }
func (e *fakeEmbedder) Enabled() bool     { return e.enabled }

func newTestEngine(t *testing.T, store *fakeSearchStore, embedder *fakeEmbedder) *Engine {
	t.Helper()
	e, err := New(store, noop.New(), embedder, testCfg())
	require.NoError(t, err)
	return e
}

func frag(id string, importance float64, tokens int) model.Fragment {
	return model.Fragment{
		ID:              id,
		Content:         "content of " + id,
		Importance:      importance,
		EstimatedTokens: tokens,
		CreatedAt:       time.Now(),
	}
}

func TestSearch_KeywordTierServesThinIndex(t *testing.T) {
	store := &fakeSearchStore{keywordHits: []model.Fragment{
		frag("frag-a", 0.9, 50),
		frag("frag-b", 0.5, 50),
	}}
	e := newTestEngine(t, store, &fakeEmbedder{})

	res, err := e.Search(context.Background(), Query{Keywords: []string{"redis", "cache"}})
	require.NoError(t, err)
	require.Equal(t, 2, res.Count)
	require.Equal(t, "frag-a", res.Fragments[0].ID)
	require.Contains(t, res.SearchPath, "L2:2")

	require.Len(t, store.keywordQueries, 1)
	require.Equal(t, []string{"redis", "cache"}, store.keywordQueries[0].Keywords)
}

func TestSearch_SemanticTierSkippedWhenKeywordsSuffice(t *testing.T) {
	store := &fakeSearchStore{keywordHits: []model.Fragment{
		frag("frag-a", 0.9, 50),
		frag("frag-b", 0.7, 50),
		frag("frag-c", 0.5, 50),
	}}
	embedder := &fakeEmbedder{enabled: true}
	e := newTestEngine(t, store, embedder)

	res, err := e.Search(context.Background(), Query{Text: "how do we cache sessions", Keywords: []string{"cache"}})
	require.NoError(t, err)
	require.Equal(t, 3, res.Count)
	require.NotContains(t, res.SearchPath, "L3")
	require.Zero(t, embedder.calls)
}

func TestSearch_SemanticTierFiresAndThresholdFilters(t *testing.T) {
	store := &fakeSearchStore{semanticHits: []registrystore.SemanticHit{
		{Fragment: frag("frag-close", 0.8, 50), Similarity: 0.9},
		{Fragment: frag("frag-far", 0.8, 50), Similarity: 0.35},
	}}
	embedder := &fakeEmbedder{enabled: true}
	e := newTestEngine(t, store, embedder)

	res, err := e.Search(context.Background(), Query{Text: "deploy policy", Threshold: 0.5})
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	require.Equal(t, "frag-close", res.Fragments[0].ID)
	require.NotNil(t, res.Fragments[0].Similarity)
	require.InDelta(t, 0.9, *res.Fragments[0].Similarity, 1e-9)
	require.Contains(t, res.SearchPath, "L3:2")
	require.Equal(t, 1, embedder.calls)
}

func TestSearch_QueryEmbeddingIsCached(t *testing.T) {
	store := &fakeSearchStore{semanticHits: []registrystore.SemanticHit{
		{Fragment: frag("frag-a", 0.8, 50), Similarity: 0.9},
	}}
	embedder := &fakeEmbedder{enabled: true}
	e := newTestEngine(t, store, embedder)

	ctx := context.Background()
	_, err := e.Search(ctx, Query{Text: "deploy policy"})
	require.NoError(t, err)
	// Ristretto admits asynchronously; wait for the entry to land.
	require.Eventually(t, func() bool {
		_, ok := e.embedCache.Get(PrepareQueryText("deploy policy"))
		return ok
	}, time.Second, 10*time.Millisecond)

	_, err = e.Search(ctx, Query{Text: "deploy policy"})
	require.NoError(t, err)
	require.Equal(t, 1, embedder.calls)
}

func TestSearch_ExpandLinksAppendsNeighbours(t *testing.T) {
	store := &fakeSearchStore{
		keywordHits: []model.Fragment{frag("frag-a", 0.9, 50)},
		linked: []registrystore.LinkedFragment{
			{Fragment: frag("frag-cause", 0.6, 50), Relation: model.RelationCausedBy},
		},
	}
	e := newTestEngine(t, store, &fakeEmbedder{})

	res, err := e.Search(context.Background(), Query{Keywords: []string{"deploy"}, ExpandLinks: true})
	require.NoError(t, err)
	require.Equal(t, 2, res.Count)
	require.Contains(t, res.SearchPath, "Links:1")
}

func TestSearch_AccessBumpKeepsCallerScope(t *testing.T) {
	store := &fakeSearchStore{keywordHits: []model.Fragment{frag("frag-a", 0.9, 50)}}
	e := newTestEngine(t, store, &fakeEmbedder{})

	ctx := scope.WithAgent(context.Background(), "alice")
	_, err := e.Search(ctx, Query{Keywords: []string{"deploy"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.touchAgents) > 0
	}, time.Second, 10*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, []string{"alice"}, store.touchAgents)
}

func TestSearch_MinImportanceFilters(t *testing.T) {
	store := &fakeSearchStore{keywordHits: []model.Fragment{
		frag("frag-a", 0.9, 50),
		frag("frag-b", 0.2, 50),
	}}
	e := newTestEngine(t, store, &fakeEmbedder{})

	res, err := e.Search(context.Background(), Query{Keywords: []string{"deploy"}, MinImportance: 0.5})
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	require.Equal(t, "frag-a", res.Fragments[0].ID)
}
