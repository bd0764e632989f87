package search

import (
	"fmt"
	"sort"
	"time"

	"github.com/agentmem/fragment-service/internal/config"
	"github.com/agentmem/fragment-service/internal/model"
)

// recencyHorizon is the age at which the recency component reaches zero.
const recencyHorizon = 90 * 24 * time.Hour

// compositeScore blends importance and recency. Fragments older than the
// horizon score on importance alone.
func compositeScore(f *model.Fragment, now time.Time, cfg *config.Config) float64 {
	age := now.Sub(f.CreatedAt)
	recency := 1 - float64(age)/float64(recencyHorizon)
	if recency < 0 {
		recency = 0
	}
	return cfg.RankingImportanceWeight*f.Importance + cfg.RankingRecencyWeight*recency
}

// rank orders fragments for recall. Composite scoring activates once the
// store holds at least the activation threshold of rows; small stores sort
// by importance so early sessions see stable, predictable ordering.
func rank(fragments []model.Fragment, total int64, now time.Time, cfg *config.Config) {
	if total >= cfg.RankingActivationThreshold {
		sort.SliceStable(fragments, func(i, j int) bool {
			return compositeScore(&fragments[i], now, cfg) > compositeScore(&fragments[j], now, cfg)
		})
		return
	}
	sort.SliceStable(fragments, func(i, j int) bool {
		return fragments[i].Importance > fragments[j].Importance
	})
}

// trimToBudget keeps the ranked prefix whose token total fits the budget.
// The returned total never exceeds the budget; a top fragment too large to
// fit yields an empty result.
func trimToBudget(fragments []model.Fragment, budget int) ([]model.Fragment, int) {
	if budget <= 0 || len(fragments) == 0 {
		total := 0
		for _, f := range fragments {
			total += f.EstimatedTokens
		}
		return fragments, total
	}
	out := fragments[:0:0]
	total := 0
	for _, f := range fragments {
		if total+f.EstimatedTokens > budget {
			break
		}
		out = append(out, f)
		total += f.EstimatedTokens
	}
	return out, total
}

// annotateStale attaches a staleness warning to fragments whose last
// verification exceeds the per-type window.
func annotateStale(fragments []model.Fragment, now time.Time, cfg *config.Config) {
	for i := range fragments {
		f := &fragments[i]
		if f.VerifiedAt == nil {
			continue
		}
		days := int(now.Sub(*f.VerifiedAt).Hours() / 24)
		window := cfg.StaleDays(string(f.Type))
		if days <= window {
			continue
		}
		f.Stale = &model.StaleInfo{
			Stale:                 true,
			Warning:               fmt.Sprintf("not verified for %d days; treat as possibly outdated", days),
			DaysSinceVerification: days,
		}
	}
}
