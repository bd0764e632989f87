package memory

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/agentmem/fragment-service/internal/activity"
	"github.com/agentmem/fragment-service/internal/config"
	"github.com/agentmem/fragment-service/internal/model"
	"github.com/agentmem/fragment-service/internal/plugin/index/noop"
	registryindex "github.com/agentmem/fragment-service/internal/registry/index"
	registrystore "github.com/agentmem/fragment-service/internal/registry/store"
	"github.com/agentmem/fragment-service/internal/search"
	"github.com/stretchr/testify/require"
)

// fakeStore records mutations in memory. Methods the tests never reach are
// left to the embedded nil interface.
type fakeStore struct {
	registrystore.FragmentStore

	fragments   map[string]*model.Fragment
	links       []recordedLink
	importances map[string]float64
	deleted     []string
	nextInsert  *registrystore.InsertResult
}

type recordedLink struct {
	From, To string
	Relation model.RelationType
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		fragments:   map[string]*model.Fragment{},
		importances: map[string]float64{},
	}
}

func (s *fakeStore) Insert(ctx context.Context, f *model.Fragment) (*registrystore.InsertResult, error) {
	if s.nextInsert != nil {
		r := s.nextInsert
		s.nextInsert = nil
		return r, nil
	}
	clone := *f
	s.fragments[f.ID] = &clone
	return &registrystore.InsertResult{ID: f.ID, Created: true}, nil
}

func (s *fakeStore) GetByID(ctx context.Context, id string) (*model.Fragment, error) {
	f, ok := s.fragments[id]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "fragment", ID: id}
	}
	clone := *f
	return &clone, nil
}

func (s *fakeStore) CreateLink(ctx context.Context, fromID, toID string, relation model.RelationType) error {
	s.links = append(s.links, recordedLink{From: fromID, To: toID, Relation: relation})
	return nil
}

func (s *fakeStore) SetImportance(ctx context.Context, id string, importance float64) error {
	s.importances[id] = importance
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	delete(s.fragments, id)
	return nil
}

func (s *fakeStore) HasPath(ctx context.Context, fromID, toID string, maxNodes int) (bool, error) {
	return false, nil
}

func (s *fakeStore) Count(ctx context.Context) (int64, error) {
	return int64(len(s.fragments)), nil
}

func (s *fakeStore) Stats(ctx context.Context) (*registrystore.Stats, error) {
	return &registrystore.Stats{Total: int64(len(s.fragments))}, nil
}

func (s *fakeStore) InsertTaskFeedback(ctx context.Context, fb *model.TaskFeedback) error {
	return nil
}

func (s *fakeStore) InsertToolFeedback(ctx context.Context, fb *model.ToolFeedback) error {
	return nil
}

type disabledEmbedder struct{}

func (disabledEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}
func (disabledEmbedder) ModelName() string { return "disabled" }
func (disabledEmbedder) Dimension() int    { return 0 }
func (disabledEmbedder) Enabled() bool     { return false }

func newTestManager(t *testing.T, store *fakeStore) (*Manager, registryindex.KeywordIndex) {
	t.Helper()
	cfg := config.DefaultConfig()
	idx := noop.New()
	engine, err := search.New(store, idx, disabledEmbedder{}, &cfg)
	require.NoError(t, err)
	return New(store, idx, engine, disabledEmbedder{}, activity.NewTracker(idx), &cfg), idx
}

func TestRemember_Validation(t *testing.T) {
	m, _ := newTestManager(t, newFakeStore())
	ctx := context.Background()

	_, err := m.Remember(ctx, RememberParams{Topic: "t", Type: model.TypeFact})
	require.Error(t, err)
	_, err = m.Remember(ctx, RememberParams{Content: "x", Type: model.TypeFact})
	require.Error(t, err)
	_, err = m.Remember(ctx, RememberParams{Content: "x", Topic: "t", Type: "opinion"})
	require.Error(t, err)
	_, err = m.Remember(ctx, RememberParams{Content: "x", Topic: "t", Type: model.TypeFact, Scope: "session"})
	require.Error(t, err, "session scope without a session id")
}

func TestRemember_SessionScopeWritesWorkingMemoryOnly(t *testing.T) {
	store := newFakeStore()
	m, idx := newTestManager(t, store)
	ctx := context.Background()

	result, err := m.Remember(ctx, RememberParams{
		Content:   "investigating flaky deploy test",
		Topic:     "deploy",
		Type:      model.TypeFact,
		Scope:     "session",
		SessionID: "sess-1",
	})
	require.NoError(t, err)
	require.True(t, result.Created)
	require.True(t, result.WorkingMemory)
	require.Empty(t, result.ID)
	require.Empty(t, store.fragments, "session scope must not persist")

	entries, err := idx.ListWorking(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "deploy", entries[0].Topic)
}

func TestRemember_PersistsAndEnqueuesEvaluation(t *testing.T) {
	store := newFakeStore()
	m, idx := newTestManager(t, store)
	ctx := context.Background()

	result, err := m.Remember(ctx, RememberParams{
		Content: "we chose pgvector over a dedicated vector db",
		Topic:   "architecture",
		Type:    model.TypeDecision,
	})
	require.NoError(t, err)
	require.True(t, result.Created)
	require.True(t, strings.HasPrefix(result.ID, "frag-"))
	require.NotEmpty(t, result.Keywords)
	require.Contains(t, store.fragments, result.ID)

	payload, err := idx.Dequeue(ctx, registryindex.QueueEvaluation)
	require.NoError(t, err)
	require.NotNil(t, payload)
	var job model.EvaluationJob
	require.NoError(t, json.Unmarshal(payload, &job))
	require.Equal(t, result.ID, job.FragmentID)
	require.Equal(t, model.TypeDecision, job.Type)
}

func TestRemember_ExcludedTypesSkipEvaluation(t *testing.T) {
	store := newFakeStore()
	m, idx := newTestManager(t, store)
	ctx := context.Background()

	for _, typ := range []model.FragmentType{model.TypeFact, model.TypeProcedure, model.TypeError} {
		_, err := m.Remember(ctx, RememberParams{Content: "content for " + string(typ), Topic: "t", Type: typ})
		require.NoError(t, err)
	}
	n, err := idx.QueueLen(ctx, registryindex.QueueEvaluation)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRemember_DuplicateReportsExistingID(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(t, store)
	store.nextInsert = &registrystore.InsertResult{ID: "frag-existing", Created: false}

	result, err := m.Remember(context.Background(), RememberParams{Content: "dup", Topic: "t", Type: model.TypeFact})
	require.NoError(t, err)
	require.False(t, result.Created)
	require.Equal(t, "frag-existing", result.ID)
}

func TestRemember_LinksCallerTargets(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(t, store)

	result, err := m.Remember(context.Background(), RememberParams{
		Content:  "follow-up detail",
		Topic:    "t",
		Type:     model.TypeFact,
		LinkedTo: []string{"frag-parent"},
	})
	require.NoError(t, err)
	require.Len(t, store.links, 1)
	require.Equal(t, recordedLink{From: result.ID, To: "frag-parent", Relation: model.RelationRelated}, store.links[0])
}

func TestForget_PermanentNeedsForce(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(t, store)
	ctx := context.Background()

	store.fragments["frag-perm"] = &model.Fragment{ID: "frag-perm", TTLTier: model.TierPermanent}

	result, err := m.Forget(ctx, ForgetParams{ID: "frag-perm"})
	require.NoError(t, err)
	require.Equal(t, 1, result.Protected)
	require.Zero(t, result.Deleted)
	require.Empty(t, store.deleted)

	result, err = m.Forget(ctx, ForgetParams{ID: "frag-perm", Force: true})
	require.NoError(t, err)
	require.Equal(t, 1, result.Deleted)
	require.Equal(t, []string{"frag-perm"}, store.deleted)
}

func TestForget_UnknownID(t *testing.T) {
	m, _ := newTestManager(t, newFakeStore())
	_, err := m.Forget(context.Background(), ForgetParams{ID: "frag-missing"})
	require.Error(t, err)
}

func TestLink_ResolvedByHalvesErrorImportance(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(t, store)
	ctx := context.Background()

	store.fragments["frag-err"] = &model.Fragment{ID: "frag-err", Type: model.TypeError, Importance: 0.8}

	require.NoError(t, m.Link(ctx, LinkParams{FromID: "frag-err", ToID: "frag-fix", Relation: model.RelationResolvedBy}))
	require.Equal(t, recordedLink{From: "frag-err", To: "frag-fix", Relation: model.RelationResolvedBy}, store.links[0])
	require.InDelta(t, 0.4, store.importances["frag-err"], 1e-9)
}

func TestLink_ResolvedByHalvesErrorAtEitherEndpoint(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(t, store)
	ctx := context.Background()

	// Edge written the reflect way: procedure resolves the error at `to`.
	store.fragments["frag-err"] = &model.Fragment{ID: "frag-err", Type: model.TypeError, Importance: 0.9}

	require.NoError(t, m.Link(ctx, LinkParams{FromID: "frag-proc", ToID: "frag-err", Relation: model.RelationResolvedBy}))
	require.InDelta(t, 0.45, store.importances["frag-err"], 1e-9)
}

func TestLink_DefaultsToRelated(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(t, store)

	require.NoError(t, m.Link(context.Background(), LinkParams{FromID: "frag-a", ToID: "frag-b"}))
	require.Equal(t, model.RelationRelated, store.links[0].Relation)
}

func TestToolFeedback_SuggestionLengthCapped(t *testing.T) {
	m, _ := newTestManager(t, newFakeStore())
	err := m.ToolFeedback(context.Background(), ToolFeedbackParams{
		ToolName:   "recall",
		Suggestion: strings.Repeat("긴", 101),
	})
	require.Error(t, err)
}

func TestReflect_CreatesTypedFragmentsAndRuleLinks(t *testing.T) {
	store := newFakeStore()
	m, idx := newTestManager(t, store)
	ctx := context.Background()

	require.NoError(t, idx.PushWorking(ctx, "sess-1", model.WorkingEntry{Content: "scratch", Tokens: 10}))

	result, err := m.Reflect(ctx, ReflectParams{
		Summary:        "migrated the deploy pipeline to blue-green",
		Decisions:      []string{"ship behind a feature flag"},
		ErrorsResolved: []string{"healthcheck flapped during cutover"},
		NewProcedures:  []string{"drain connections before switching traffic"},
		OpenQuestions:  []string{"do we need a second region"},
		SessionID:      "sess-1",
	})
	require.NoError(t, err)
	require.Len(t, result.FragmentIDs, 5)

	var decisions, errors, procedures, openQuestions int
	for _, f := range store.fragments {
		switch f.Type {
		case model.TypeDecision:
			decisions++
		case model.TypeError:
			errors++
			require.True(t, strings.HasPrefix(f.Content, "[해결됨] "))
		case model.TypeProcedure:
			procedures++
		case model.TypeFact:
			if strings.HasPrefix(f.Content, "[미해결] ") {
				openQuestions++
			}
		}
	}
	require.Equal(t, 1, decisions)
	require.Equal(t, 1, errors)
	require.Equal(t, 1, procedures)
	require.Equal(t, 1, openQuestions)

	// error -> decision caused_by and procedure -> error resolved_by.
	var causedBy, resolvedBy int
	for _, l := range store.links {
		switch l.Relation {
		case model.RelationCausedBy:
			causedBy++
		case model.RelationResolvedBy:
			resolvedBy++
		}
	}
	require.Equal(t, 1, causedBy)
	require.Equal(t, 1, resolvedBy)
	require.Equal(t, causedBy+resolvedBy, result.Links)

	entries, err := idx.ListWorking(ctx, "sess-1")
	require.NoError(t, err)
	require.Empty(t, entries, "reflect clears working memory")
}

func TestReflect_RequiresSummary(t *testing.T) {
	m, _ := newTestManager(t, newFakeStore())
	_, err := m.Reflect(context.Background(), ReflectParams{})
	require.Error(t, err)
}

func TestStats_ReportsQueueDepths(t *testing.T) {
	store := newFakeStore()
	m, idx := newTestManager(t, store)
	ctx := context.Background()

	require.NoError(t, idx.Enqueue(ctx, registryindex.QueueEvaluation, []byte("{}")))
	require.NoError(t, idx.Enqueue(ctx, registryindex.QueuePendingContradictions, []byte("{}")))
	require.NoError(t, idx.Enqueue(ctx, registryindex.QueuePendingContradictions, []byte("{}")))

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.True(t, stats.IndexAvailable)
	require.EqualValues(t, 1, stats.EvaluationQ)
	require.EqualValues(t, 2, stats.PendingQ)
}

func TestConsolidate_UsesInjectedFunc(t *testing.T) {
	m, _ := newTestManager(t, newFakeStore())
	m.SetConsolidateFunc(func(ctx context.Context) (map[string]int64, error) {
		return map[string]int64{"ttl_transitions": 3}, nil
	})
	counters, err := m.Consolidate(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, counters["ttl_transitions"])
}
