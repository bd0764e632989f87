// Package search implements cascaded recall over the three retrieval tiers:
// the Redis keyword index (L1), the durable keyword search (L2), and vector
// similarity (L3). Cheaper tiers run first and deeper tiers only fire while
// results remain thin.
package search

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentmem/fragment-service/internal/config"
	"github.com/agentmem/fragment-service/internal/metrics"
	"github.com/agentmem/fragment-service/internal/model"
	registryembed "github.com/agentmem/fragment-service/internal/registry/embed"
	registryindex "github.com/agentmem/fragment-service/internal/registry/index"
	registrystore "github.com/agentmem/fragment-service/internal/registry/store"
	"github.com/agentmem/fragment-service/internal/scope"
	"github.com/charmbracelet/log"
	"github.com/dgraph-io/ristretto/v2"
)

const (
	// minTierResults is the result count below which the next tier fires.
	minTierResults = 3
	// semanticLimit and semanticMinSimilarity bound the L3 scan.
	semanticLimit         = 10
	semanticMinSimilarity = 0.3
	// countCacheTTL bounds how often the activation row count is refreshed.
	countCacheTTL = time.Minute
)

// Query is one recall request.
type Query struct {
	Text          string
	Keywords      []string
	Topic         string
	Type          model.FragmentType
	MinImportance float64
	// Threshold drops fragments whose similarity is known and below it.
	// Fragments that never saw L3 carry no similarity and are kept.
	Threshold     float64
	TokenBudget   int
	ExpandLinks   bool
	LinkRelations []model.RelationType
}

// defaultLinkRelations are followed during 1-hop expansion unless the caller
// names its own set.
var defaultLinkRelations = []model.RelationType{
	model.RelationCausedBy,
	model.RelationResolvedBy,
	model.RelationRelated,
}

// Engine runs the cascade. Safe for concurrent use.
type Engine struct {
	store    registrystore.FragmentStore
	index    registryindex.KeywordIndex
	embedder registryembed.Embedder
	cfg      *config.Config

	// Query embeddings are expensive and queries repeat within a session.
	embedCache *ristretto.Cache[string, []float32]

	countMu    sync.Mutex
	countAt    time.Time
	countValue int64
}

// New builds a search engine over the given backends.
func New(store registrystore.FragmentStore, index registryindex.KeywordIndex, embedder registryembed.Embedder, cfg *config.Config) (*Engine, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: 10_000,
		MaxCost:     16 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("search: embedding cache: %w", err)
	}
	return &Engine{store: store, index: index, embedder: embedder, cfg: cfg, embedCache: cache}, nil
}

// Search runs the cascade and returns ranked, budget-trimmed fragments with
// the tier trace that produced them.
func (e *Engine) Search(ctx context.Context, q Query) (*model.RecallResult, error) {
	budget := q.TokenBudget
	if budget <= 0 {
		budget = e.cfg.DefaultTokenBudget
	}

	var (
		results []model.Fragment
		seen    = map[string]struct{}{}
		trace   []string
	)
	add := func(f model.Fragment) bool {
		if _, dup := seen[f.ID]; dup {
			return false
		}
		seen[f.ID] = struct{}{}
		results = append(results, f)
		return true
	}

	// L1: keyed id sets in the index, hydrated from the hot cache first.
	// A query with no filters at all falls back to recency ordering.
	hasFilters := len(q.Keywords) > 0 || q.Topic != "" || q.Type != ""
	if e.index != nil && e.index.Available() && (hasFilters || strings.TrimSpace(q.Text) == "") {
		fromL1, hotHits, err := e.searchL1(ctx, q)
		if err != nil {
			log.Warn("L1 search failed, falling through", "error", err)
		} else if len(fromL1) > 0 {
			n := 0
			for _, f := range fromL1 {
				if add(f) {
					n++
				}
			}
			metrics.SearchTierTotal.WithLabelValues("l1").Inc()
			trace = append(trace, fmt.Sprintf("L1:%d", n))
			if hotHits > 0 {
				trace = append(trace, fmt.Sprintf("HotCache:%d", hotHits))
			}
		}
	}

	// L2: durable keyword search. Also serves topic-only and type-only
	// queries the L1 sets may have missed.
	if len(results) < minTierResults && (len(q.Keywords) > 0 || q.Topic != "" || q.Type != "") {
		fromL2, err := e.store.SearchByKeywords(ctx, registrystore.KeywordQuery{
			Keywords:      q.Keywords,
			Type:          q.Type,
			Topic:         q.Topic,
			MinImportance: q.MinImportance,
			Limit:         30,
		})
		if err != nil {
			return nil, err
		}
		n := 0
		for _, f := range fromL2 {
			if add(f) {
				n++
			}
		}
		if n > 0 {
			metrics.SearchTierTotal.WithLabelValues("l2").Inc()
			trace = append(trace, fmt.Sprintf("L2:%d", n))
		}
	}

	// L3: vector similarity over the prepared query text.
	if len(results) < minTierResults && strings.TrimSpace(q.Text) != "" && e.embedder != nil && e.embedder.Enabled() {
		hits, err := e.searchL3(ctx, q.Text)
		if err != nil {
			log.Warn("L3 search failed, returning keyword results", "error", err)
		} else {
			n := 0
			for _, h := range hits {
				f := h.Fragment
				sim := h.Similarity
				f.Similarity = &sim
				if add(f) {
					n++
					continue
				}
				// Duplicate from an earlier tier: keep the higher similarity.
				for i := range results {
					if results[i].ID == f.ID && (results[i].Similarity == nil || *results[i].Similarity < sim) {
						results[i].Similarity = &sim
					}
				}
			}
			if n > 0 {
				metrics.SearchTierTotal.WithLabelValues("l3").Inc()
				trace = append(trace, fmt.Sprintf("L3:%d", n))
			}
		}
	}

	// Post-filter importance for rows that arrived via L1 or L3, and apply
	// the caller's similarity threshold.
	if q.MinImportance > 0 || q.Threshold > 0 {
		filtered := results[:0]
		for _, f := range results {
			if f.Importance < q.MinImportance {
				continue
			}
			if q.Threshold > 0 && f.Similarity != nil && *f.Similarity < q.Threshold {
				continue
			}
			filtered = append(filtered, f)
		}
		results = filtered
	}

	now := time.Now()
	rank(results, e.activationCount(ctx), now, e.cfg)

	if q.ExpandLinks && len(results) > 0 {
		n := e.expandLinks(ctx, &results, seen, q.LinkRelations)
		if n > 0 {
			trace = append(trace, fmt.Sprintf("Links:%d", n))
			rank(results, e.activationCount(ctx), now, e.cfg)
		}
	}

	results, totalTokens := trimToBudget(results, budget)
	annotateStale(results, now, e.cfg)
	e.touchAsync(ctx, results)

	return &model.RecallResult{
		Fragments:   results,
		TotalTokens: totalTokens,
		SearchPath:  strings.Join(trace, " → "),
		Count:       len(results),
	}, nil
}

// searchL1 resolves candidate ids from the index and hydrates them, hot
// cache first. Type, topic and importance filters the index cannot express
// are applied after hydration.
func (e *Engine) searchL1(ctx context.Context, q Query) ([]model.Fragment, int, error) {
	var (
		ids []string
		err error
	)
	switch {
	case len(q.Keywords) > 0:
		ids, err = e.index.SearchByKeywords(ctx, q.Keywords, minTierResults)
	case q.Topic != "":
		ids, err = e.index.SearchByTopic(ctx, q.Topic)
	case q.Type != "":
		ids, err = e.index.SearchByType(ctx, q.Type)
	default:
		ids, err = e.index.Recent(ctx, 20)
	}
	if err != nil || len(ids) == 0 {
		return nil, 0, err
	}

	var (
		out     []model.Fragment
		misses  []string
		hotHits int
	)
	for _, id := range ids {
		f, err := e.index.HotGet(ctx, id)
		if err != nil || f == nil {
			misses = append(misses, id)
			continue
		}
		hotHits++
		out = append(out, *f)
	}
	if len(misses) > 0 {
		fetched, err := e.store.GetByIDs(ctx, misses)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, fetched...)
	}

	filtered := out[:0]
	for _, f := range out {
		if q.Type != "" && f.Type != q.Type {
			continue
		}
		if q.Topic != "" && !strings.EqualFold(f.Topic, q.Topic) {
			continue
		}
		if f.Importance < q.MinImportance {
			continue
		}
		filtered = append(filtered, f)
	}
	return filtered, hotHits, nil
}

func (e *Engine) searchL3(ctx context.Context, text string) ([]registrystore.SemanticHit, error) {
	prepared := PrepareQueryText(text)
	if prepared == "" {
		return nil, nil
	}

	embedding, ok := e.embedCache.Get(prepared)
	if !ok {
		vecs, err := e.embedder.EmbedTexts(ctx, []string{prepared})
		if err != nil {
			return nil, err
		}
		if len(vecs) != 1 || len(vecs[0]) == 0 {
			return nil, nil
		}
		embedding = vecs[0]
		e.embedCache.Set(prepared, embedding, int64(len(embedding)*4))
	}
	return e.store.SearchBySemantic(ctx, embedding, semanticLimit, semanticMinSimilarity)
}

// expandLinks appends 1-hop neighbours of the current results, returning the
// number of fragments added.
func (e *Engine) expandLinks(ctx context.Context, results *[]model.Fragment, seen map[string]struct{}, relations []model.RelationType) int {
	if len(relations) == 0 {
		relations = defaultLinkRelations
	}
	ids := make([]string, len(*results))
	for i, f := range *results {
		ids[i] = f.ID
	}
	linked, err := e.store.GetLinkedFragments(ctx, ids, relations, e.cfg.LinkedFragmentLimit)
	if err != nil {
		log.Warn("link expansion failed", "error", err)
		return 0
	}
	n := 0
	for _, lf := range linked {
		if _, dup := seen[lf.Fragment.ID]; dup {
			continue
		}
		seen[lf.Fragment.ID] = struct{}{}
		*results = append(*results, lf.Fragment)
		n++
	}
	return n
}

// activationCount returns the cached store row count used to decide whether
// composite ranking is active. Refreshed at most once a minute; failures
// reuse the last value.
func (e *Engine) activationCount(ctx context.Context) int64 {
	e.countMu.Lock()
	defer e.countMu.Unlock()
	if time.Since(e.countAt) < countCacheTTL {
		return e.countValue
	}
	n, err := e.store.Count(ctx)
	if err != nil {
		log.Warn("fragment count failed, reusing cached value", "error", err)
		return e.countValue
	}
	e.countAt = time.Now()
	e.countValue = n
	return n
}

// touchAsync bumps access counters and repopulates the hot cache off the
// request path. Recall latency never waits on bookkeeping. The caller's
// principal is carried over so the visibility predicate matches the rows
// the recall just returned.
func (e *Engine) touchAsync(ctx context.Context, fragments []model.Fragment) {
	if len(fragments) == 0 {
		return
	}
	ids := make([]string, len(fragments))
	for i, f := range fragments {
		ids[i] = f.ID
	}
	clones := make([]model.Fragment, len(fragments))
	copy(clones, fragments)
	principal := scope.FromContext(ctx)

	go func() {
		ctx := scope.WithPrincipal(context.Background(), principal)
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := e.store.IncrementAccess(ctx, ids); err != nil {
			log.Warn("access bookkeeping failed", "error", err)
		}
		if e.index == nil || !e.index.Available() {
			return
		}
		for i := range clones {
			if err := e.index.HotSet(ctx, &clones[i]); err != nil {
				return
			}
		}
	}()
}
