package redis

import (
	"context"
	"testing"
	"time"

	"github.com/agentmem/fragment-service/internal/model"
	registryindex "github.com/agentmem/fragment-service/internal/registry/index"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) registryindex.KeywordIndex {
	t.Helper()
	mr := miniredis.RunT(t)
	idx, err := LoadFromURL(context.Background(), "redis://"+mr.Addr(), 500)
	require.NoError(t, err)
	return idx
}

func testFragment(id string, keywords []string) *model.Fragment {
	return &model.Fragment{
		ID:        id,
		Content:   "content of " + id,
		Topic:     "deploy",
		Keywords:  keywords,
		Type:      model.TypeFact,
		CreatedAt: time.Now(),
	}
}

func TestIndex_RegistersAllStructures(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	require.NoError(t, idx.Index(ctx, testFragment("frag-1", []string{"redis", "cache"}), "sess-1"))

	ids, err := idx.SearchByKeywords(ctx, []string{"redis"}, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"frag-1"}, ids)

	ids, err = idx.SearchByTopic(ctx, "deploy")
	require.NoError(t, err)
	require.Equal(t, []string{"frag-1"}, ids)

	ids, err = idx.SearchByType(ctx, model.TypeFact)
	require.NoError(t, err)
	require.Equal(t, []string{"frag-1"}, ids)

	ids, err = idx.Recent(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"frag-1"}, ids)

	hot, err := idx.HotGet(ctx, "frag-1")
	require.NoError(t, err)
	require.NotNil(t, hot)
	require.Equal(t, "content of frag-1", hot.Content)
}

func TestSearchByKeywords_IntersectionThenUnionFallback(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	require.NoError(t, idx.Index(ctx, testFragment("frag-a", []string{"redis", "cache"}), ""))
	require.NoError(t, idx.Index(ctx, testFragment("frag-b", []string{"redis"}), ""))
	require.NoError(t, idx.Index(ctx, testFragment("frag-c", []string{"cache"}), ""))

	// Intersection alone satisfies minResults.
	ids, err := idx.SearchByKeywords(ctx, []string{"redis", "cache"}, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"frag-a"}, ids)

	// Intersection too narrow: union surfaces the partial matches.
	ids, err = idx.SearchByKeywords(ctx, []string{"redis", "cache"}, 3)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"frag-a", "frag-b", "frag-c"}, ids)

	// Single keyword never falls back.
	ids, err = idx.SearchByKeywords(ctx, []string{"redis"}, 10)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"frag-a", "frag-b"}, ids)
}

func TestSearchByKeywords_EmptyInput(t *testing.T) {
	idx := newTestIndex(t)
	ids, err := idx.SearchByKeywords(context.Background(), nil, 1)
	require.NoError(t, err)
	require.Nil(t, ids)
}

func TestDeindex_RemovesEverywhere(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	f := testFragment("frag-1", []string{"redis"})
	require.NoError(t, idx.Index(ctx, f, ""))
	require.NoError(t, idx.Deindex(ctx, f.ID, f.Keywords, f.Topic, f.Type))

	ids, err := idx.SearchByKeywords(ctx, []string{"redis"}, 1)
	require.NoError(t, err)
	require.Empty(t, ids)
	hot, err := idx.HotGet(ctx, "frag-1")
	require.NoError(t, err)
	require.Nil(t, hot)
	ids, err = idx.Recent(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestHotGet_MissReturnsNil(t *testing.T) {
	idx := newTestIndex(t)
	f, err := idx.HotGet(context.Background(), "frag-unknown")
	require.NoError(t, err)
	require.Nil(t, f)
}

func TestHotSet_StripsEmbedding(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	f := testFragment("frag-1", []string{"redis"})
	require.NoError(t, idx.HotSet(ctx, f))
	got, err := idx.HotGet(ctx, "frag-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Nil(t, got.Embedding)
}

func TestPushWorking_EvictsOldestLowImportance(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	push := func(content string, importance float64, tokens int) {
		require.NoError(t, idx.PushWorking(ctx, "sess-1", model.WorkingEntry{
			Content:    content,
			Importance: importance,
			Tokens:     tokens,
			AddedAt:    time.Now(),
		}))
	}

	push("first", 0.5, 200)
	push("pinned", 0.9, 200)
	push("third", 0.5, 200)

	entries, err := idx.ListWorking(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "pinned", entries[0].Content)
	require.Equal(t, "third", entries[1].Content)
}

func TestPushWorking_HighImportanceCanExceedCeiling(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	for _, content := range []string{"a", "b", "c"} {
		require.NoError(t, idx.PushWorking(ctx, "sess-1", model.WorkingEntry{
			Content:    content,
			Importance: 0.9,
			Tokens:     300,
		}))
	}
	entries, err := idx.ListWorking(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestClearWorking(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	require.NoError(t, idx.PushWorking(ctx, "sess-1", model.WorkingEntry{Content: "x", Tokens: 10}))
	require.NoError(t, idx.ClearWorking(ctx, "sess-1"))
	entries, err := idx.ListWorking(ctx, "sess-1")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestQueues_FIFO(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	require.NoError(t, idx.Enqueue(ctx, registryindex.QueueEvaluation, []byte("one")))
	require.NoError(t, idx.Enqueue(ctx, registryindex.QueueEvaluation, []byte("two")))

	n, err := idx.QueueLen(ctx, registryindex.QueueEvaluation)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	payload, err := idx.Dequeue(ctx, registryindex.QueueEvaluation)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), payload)

	payload, err = idx.Dequeue(ctx, registryindex.QueueEvaluation)
	require.NoError(t, err)
	require.Equal(t, []byte("two"), payload)

	payload, err = idx.Dequeue(ctx, registryindex.QueueEvaluation)
	require.NoError(t, err)
	require.Nil(t, payload)
}

func TestPruneKeywordSets_TrimsOversized(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	for i := 0; i < 20; i++ {
		f := testFragment("frag-"+string(rune('a'+i)), []string{"hot"})
		require.NoError(t, idx.Index(ctx, f, ""))
	}
	removed, err := idx.PruneKeywordSets(ctx, 5)
	require.NoError(t, err)
	require.EqualValues(t, 15, removed)

	ids, err := idx.SearchByKeywords(ctx, []string{"hot"}, 1)
	require.NoError(t, err)
	require.Len(t, ids, 5)
}

func TestActivity_RoundTripAndUnreflected(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	now := time.Now().Truncate(time.Second)
	require.NoError(t, idx.SaveActivity(ctx, &model.SessionActivity{
		SessionID:    "sess-1",
		StartedAt:    now,
		LastActivity: now,
		ToolCalls:    map[string]int64{"recall": 2},
	}))
	require.NoError(t, idx.SaveActivity(ctx, &model.SessionActivity{
		SessionID: "sess-2",
		Reflected: true,
	}))

	a, err := idx.GetActivity(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, a)
	require.EqualValues(t, 2, a.ToolCalls["recall"])

	missing, err := idx.GetActivity(ctx, "sess-nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	sessions, err := idx.UnreflectedSessions(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"sess-1"}, sessions)
}

func TestWatermarks(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	val, err := idx.GetWatermark(ctx, "feedback:watermark")
	require.NoError(t, err)
	require.Empty(t, val)

	require.NoError(t, idx.SetWatermark(ctx, "feedback:watermark", "2026-08-24T00:00:00Z"))
	val, err = idx.GetWatermark(ctx, "feedback:watermark")
	require.NoError(t, err)
	require.Equal(t, "2026-08-24T00:00:00Z", val)
}
