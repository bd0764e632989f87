package search

import (
	"testing"
	"time"

	"github.com/agentmem/fragment-service/internal/config"
	"github.com/agentmem/fragment-service/internal/model"
	"github.com/stretchr/testify/require"
)

func testCfg() *config.Config {
	cfg := config.DefaultConfig()
	return &cfg
}

func TestRank_SmallStoreSortsByImportance(t *testing.T) {
	now := time.Now()
	frags := []model.Fragment{
		{ID: "frag-a", Importance: 0.3, CreatedAt: now},
		{ID: "frag-b", Importance: 0.9, CreatedAt: now.Add(-80 * 24 * time.Hour)},
		{ID: "frag-c", Importance: 0.5, CreatedAt: now},
	}
	rank(frags, 10, now, testCfg())
	require.Equal(t, "frag-b", frags[0].ID)
	require.Equal(t, "frag-c", frags[1].ID)
	require.Equal(t, "frag-a", frags[2].ID)
}

func TestRank_CompositeActivatesAtThreshold(t *testing.T) {
	now := time.Now()
	// Fresh but unimportant beats old but important once recency counts:
	// 0.6*0.5 + 0.4*1.0 = 0.70 vs 0.6*0.9 + 0.4*(1/9) ≈ 0.58.
	frags := []model.Fragment{
		{ID: "frag-old", Importance: 0.9, CreatedAt: now.Add(-80 * 24 * time.Hour)},
		{ID: "frag-new", Importance: 0.5, CreatedAt: now},
	}
	rank(frags, 100, now, testCfg())
	require.Equal(t, "frag-new", frags[0].ID)
}

func TestCompositeScore_RecencyFloorsAtZero(t *testing.T) {
	now := time.Now()
	f := model.Fragment{Importance: 0.5, CreatedAt: now.Add(-200 * 24 * time.Hour)}
	require.InDelta(t, 0.3, compositeScore(&f, now, testCfg()), 1e-9)
}

func TestTrimToBudget_KeepsPrefixWithinBudget(t *testing.T) {
	frags := []model.Fragment{
		{ID: "frag-a", EstimatedTokens: 40},
		{ID: "frag-b", EstimatedTokens: 40},
		{ID: "frag-c", EstimatedTokens: 40},
	}
	out, total := trimToBudget(frags, 90)
	require.Len(t, out, 2)
	require.Equal(t, 80, total)
}

func TestTrimToBudget_NeverExceedsBudget(t *testing.T) {
	frags := []model.Fragment{{ID: "frag-big", EstimatedTokens: 500}}
	out, total := trimToBudget(frags, 100)
	require.Empty(t, out, "a fragment larger than the budget is dropped")
	require.LessOrEqual(t, total, 100)

	frags = []model.Fragment{
		{ID: "frag-big", EstimatedTokens: 500},
		{ID: "frag-small", EstimatedTokens: 50},
	}
	out, total = trimToBudget(frags, 100)
	require.Empty(t, out, "trim keeps the ranked prefix, never skips past an oversized head")
	require.Zero(t, total)
}

func TestTrimToBudget_ZeroBudgetKeepsAll(t *testing.T) {
	frags := []model.Fragment{
		{ID: "frag-a", EstimatedTokens: 10},
		{ID: "frag-b", EstimatedTokens: 20},
	}
	out, total := trimToBudget(frags, 0)
	require.Len(t, out, 2)
	require.Equal(t, 30, total)
}

func TestAnnotateStale_PerTypeWindows(t *testing.T) {
	now := time.Now()
	old := now.Add(-45 * 24 * time.Hour)
	frags := []model.Fragment{
		{ID: "frag-proc", Type: model.TypeProcedure, VerifiedAt: &old}, // 30d window
		{ID: "frag-fact", Type: model.TypeFact, VerifiedAt: &old},      // 60d window
		{ID: "frag-none", Type: model.TypeFact},
	}
	annotateStale(frags, now, testCfg())
	require.NotNil(t, frags[0].Stale)
	require.True(t, frags[0].Stale.Stale)
	require.Equal(t, 45, frags[0].Stale.DaysSinceVerification)
	require.Nil(t, frags[1].Stale)
	require.Nil(t, frags[2].Stale)
}
