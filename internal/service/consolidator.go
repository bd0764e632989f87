package service

import (
	"context"
	"sync"

	"github.com/agentmem/fragment-service/internal/config"
	"github.com/agentmem/fragment-service/internal/metrics"
	registryembed "github.com/agentmem/fragment-service/internal/registry/embed"
	registryindex "github.com/agentmem/fragment-service/internal/registry/index"
	registryllm "github.com/agentmem/fragment-service/internal/registry/llm"
	registrynli "github.com/agentmem/fragment-service/internal/registry/nli"
	registrystore "github.com/agentmem/fragment-service/internal/registry/store"
	"github.com/agentmem/fragment-service/internal/scope"
	"github.com/charmbracelet/log"
)

// Consolidator runs the ordered maintenance pipeline. Stages run
// sequentially; a stage failure is logged and the pipeline continues.
// One pass runs at a time per process.
type Consolidator struct {
	store    registrystore.FragmentStore
	index    registryindex.KeywordIndex
	embedder registryembed.Embedder
	nli      registrynli.Classifier
	llm      registryllm.Client
	cfg      *config.Config

	mu sync.Mutex
}

// NewConsolidator wires the pipeline.
func NewConsolidator(store registrystore.FragmentStore, index registryindex.KeywordIndex, embedder registryembed.Embedder, nli registrynli.Classifier, llm registryllm.Client, cfg *config.Config) *Consolidator {
	return &Consolidator{store: store, index: index, embedder: embedder, nli: nli, llm: llm, cfg: cfg}
}

type stage struct {
	name string
	run  func(ctx context.Context) (int64, error)
}

// Run executes the pipeline once and returns per-stage counters.
func (c *Consolidator) Run(ctx context.Context) (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx = scope.WithMaintenance(ctx)
	counters := map[string]int64{}

	stages := []stage{
		{"ttl_transitions", c.store.TransitionTTL},
		{"importance_decay", c.store.DecayImportance},
		{"expired_deletion", c.store.DeleteExpired},
		{"dedup_merge", c.dedupMerge},
		{"embedding_backfill", c.embeddingBackfill},
		{"utility_recompute", c.store.RecomputeUtility},
		{"anchor_promotion", c.store.PromoteAnchors},
		{"contradiction_detection", c.detectContradictions},
		{"pending_drain", c.drainPending},
		{"feedback_report", c.feedbackReport},
		{"index_pruning", c.pruneAndGatherStale},
	}

	log.Info("Consolidator: starting pass")
	for _, s := range stages {
		n, err := s.run(ctx)
		if err != nil {
			log.Error("Consolidator: stage failed", "stage", s.name, "err", err)
			metrics.ConsolidationStageTotal.WithLabelValues(s.name, "error").Inc()
			counters[s.name] = n
			continue
		}
		metrics.ConsolidationStageTotal.WithLabelValues(s.name, "ok").Inc()
		counters[s.name] = n
	}
	// Dangling-mirror reconciliation backs the cascade-delete invariant.
	if n, err := c.store.PruneDanglingLinks(ctx); err != nil {
		log.Error("Consolidator: dangling-link prune failed", "err", err)
	} else {
		counters["dangling_links_pruned"] = n
	}
	log.Info("Consolidator: pass complete", "counters", counters)
	return counters, nil
}

// dedupMerge collapses each duplicate content-hash group onto the earliest
// created survivor, which absorbs the group's edges and access counts.
func (c *Consolidator) dedupMerge(ctx context.Context) (int64, error) {
	groups, err := c.store.FindDuplicateGroups(ctx)
	if err != nil {
		return 0, err
	}
	var merged int64
	for _, g := range groups {
		if len(g.Fragments) < 2 {
			continue
		}
		survivor := g.Fragments[0]
		var (
			losers    []string
			accessSum = survivor.AccessCount
		)
		for _, loser := range g.Fragments[1:] {
			losers = append(losers, loser.ID)
			accessSum += loser.AccessCount
		}
		if err := c.store.MergeDuplicates(ctx, survivor.ID, losers, accessSum); err != nil {
			log.Warn("Consolidator: dedup merge failed", "hash", g.ContentHash, "err", err)
			continue
		}
		for _, loser := range g.Fragments[1:] {
			if err := c.index.Deindex(ctx, loser.ID, loser.Keywords, loser.Topic, loser.Type); err != nil {
				log.Warn("Consolidator: loser deindex failed", "fragment", loser.ID, "err", err)
			}
		}
		merged += int64(len(losers))
	}
	return merged, nil
}

// embeddingBackfill fills the highest-importance NULL-embedding rows.
func (c *Consolidator) embeddingBackfill(ctx context.Context) (int64, error) {
	if c.embedder == nil || !c.embedder.Enabled() {
		return 0, nil
	}
	missing, err := c.store.FindMissingEmbeddings(ctx, c.cfg.EmbeddingBackfillBatch)
	if err != nil {
		return 0, err
	}
	if len(missing) == 0 {
		return 0, nil
	}
	texts := make([]string, len(missing))
	for i, f := range missing {
		texts[i] = f.Content
	}
	vecs, err := c.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return 0, err
	}
	var filled int64
	for i, f := range missing {
		if i >= len(vecs) || len(vecs[i]) == 0 {
			continue
		}
		if err := c.store.SetEmbedding(ctx, f.ID, vecs[i]); err != nil {
			log.Warn("Consolidator: embedding backfill write failed", "fragment", f.ID, "err", err)
			continue
		}
		filled++
	}
	return filled, nil
}

// pruneAndGatherStale trims oversized keyword sets and logs the worst stale
// fragments for operator attention.
func (c *Consolidator) pruneAndGatherStale(ctx context.Context) (int64, error) {
	pruned, err := c.index.PruneKeywordSets(ctx, c.cfg.KeywordSetMaxSize)
	if err != nil {
		log.Warn("Consolidator: keyword-set pruning failed", "err", err)
	}
	stale, serr := c.store.FindStale(ctx, 20)
	if serr != nil {
		return pruned, serr
	}
	for _, s := range stale {
		log.Info("Consolidator: stale fragment", "fragment", s.Fragment.ID, "type", s.Fragment.Type, "days", s.Days)
	}
	return pruned + int64(len(stale)), err
}
