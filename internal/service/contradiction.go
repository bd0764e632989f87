package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentmem/fragment-service/internal/model"
	registryindex "github.com/agentmem/fragment-service/internal/registry/index"
	registrynli "github.com/agentmem/fragment-service/internal/registry/nli"
	"github.com/charmbracelet/log"
)

const (
	contradictionWatermarkKey = "contradiction:last-check"
	// defaultLookback is used when no previous pass left a watermark.
	defaultLookback = 24 * time.Hour
	// pendingDrainLimit bounds stage 9 per pass.
	pendingDrainLimit = 10
)

// detectContradictions is stage 8: the three-stage hybrid. Candidates are
// fragments created since the last pass; same-topic semantic peers above the
// supersede threshold are classified by NLI, escalated to the LLM when the
// scores are inconclusive, and parked on the pending queue when neither
// adjudicator is available and the pair is near-identical.
func (c *Consolidator) detectContradictions(ctx context.Context) (int64, error) {
	since := time.Now().Add(-defaultLookback)
	if mark, err := c.index.GetWatermark(ctx, contradictionWatermarkKey); err == nil && mark != "" {
		if t, perr := time.Parse(time.RFC3339, mark); perr == nil {
			since = t
		}
	}

	candidates, err := c.store.FindCreatedSince(ctx, since)
	if err != nil {
		return 0, err
	}

	var resolved int64
	for _, newer := range candidates {
		if newer.Embedding == nil {
			continue
		}
		hits, err := c.store.SearchBySemantic(ctx, newer.Embedding.Slice(), 10, c.cfg.SupersedeSimilarityThreshold)
		if err != nil {
			log.Warn("Consolidator: contradiction peer scan failed", "fragment", newer.ID, "err", err)
			continue
		}
		for _, hit := range hits {
			older := hit.Fragment
			if older.ID == newer.ID || !strings.EqualFold(older.Topic, newer.Topic) {
				continue
			}
			if !older.CreatedAt.Before(newer.CreatedAt) {
				continue
			}
			if c.adjudicate(ctx, older, newer, hit.Similarity) {
				resolved++
			}
		}
	}

	if err := c.index.SetWatermark(ctx, contradictionWatermarkKey, time.Now().Format(time.RFC3339)); err != nil {
		log.Warn("Consolidator: contradiction watermark write failed", "err", err)
	}
	return resolved, nil
}

type contradictionVerdict struct {
	Contradicts bool   `json:"contradicts"`
	Reasoning   string `json:"reasoning"`
}

// adjudicate runs NLI then, when inconclusive, the LLM; pairs that neither
// can judge are queued when near-identical. Reports whether the pair was
// resolved as contradictory.
func (c *Consolidator) adjudicate(ctx context.Context, older, newer model.Fragment, similarity float64) bool {
	var cls *registrynli.Classification
	if c.nli != nil && c.nli.Enabled() {
		cls, _ = c.nli.Classify(ctx, older.Content, newer.Content)
	}
	det := registrynli.DetectContradiction(cls)
	if !det.NeedsEscalation {
		if det.Contradicts {
			c.resolvePair(ctx, older, newer)
			return true
		}
		if cls != nil {
			return false
		}
		// No classifier at all: fall through to the LLM.
	}

	if c.llm != nil && c.llm.Enabled() {
		verdict, err := c.llmVerdict(ctx, older, newer)
		if err == nil {
			if verdict.Contradicts {
				c.resolvePair(ctx, older, newer)
				return true
			}
			return false
		}
		log.Warn("Consolidator: LLM contradiction verdict failed", "older", older.ID, "newer", newer.ID, "err", err)
	}

	if similarity > c.cfg.PendingContradictionThreshold {
		c.enqueuePending(ctx, older, newer, similarity)
	}
	return false
}

func (c *Consolidator) llmVerdict(ctx context.Context, older, newer model.Fragment) (*contradictionVerdict, error) {
	prompt := fmt.Sprintf(`Two memories about topic %q may contradict each other.

Older: %s
Newer: %s

Do they state incompatible facts? Reply with JSON: {"contradicts": true|false, "reasoning": "<one sentence>"}`,
		older.Topic, older.Content, newer.Content)
	var verdict contradictionVerdict
	if err := c.llm.CompleteJSON(ctx, prompt, &verdict); err != nil {
		return nil, err
	}
	return &verdict, nil
}

// resolvePair records the contradicts edge and applies the time-ordering
// heuristic: the newer fragment supersedes, the older (unless anchored) has
// its importance halved and gains a superseded_by edge. Neither is deleted.
func (c *Consolidator) resolvePair(ctx context.Context, older, newer model.Fragment) {
	if err := c.store.CreateLink(ctx, newer.ID, older.ID, model.RelationContradicts); err != nil {
		log.Warn("Consolidator: contradicts edge failed", "newer", newer.ID, "older", older.ID, "err", err)
	}
	if older.IsAnchor {
		return
	}
	if err := c.store.SetImportance(ctx, older.ID, older.Importance/2); err != nil {
		log.Warn("Consolidator: superseded importance halving failed", "fragment", older.ID, "err", err)
	}
	if err := c.store.CreateLink(ctx, older.ID, newer.ID, model.RelationSupersededBy); err != nil {
		log.Warn("Consolidator: superseded_by edge failed", "older", older.ID, "newer", newer.ID, "err", err)
	}
}

func (c *Consolidator) enqueuePending(ctx context.Context, older, newer model.Fragment, similarity float64) {
	job := model.PendingContradiction{
		NewerID:    newer.ID,
		OlderID:    older.ID,
		AgentID:    newer.AgentID,
		Topic:      newer.Topic,
		Similarity: similarity,
		EnqueuedAt: time.Now(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := c.index.Enqueue(ctx, registryindex.QueuePendingContradictions, data); err != nil {
		log.Warn("Consolidator: pending enqueue failed", "older", older.ID, "newer", newer.ID, "err", err)
	}
}

// drainPending is stage 9: re-adjudicate up to pendingDrainLimit queued
// pairs. A transient failure requeues the entry and stops the stage.
func (c *Consolidator) drainPending(ctx context.Context) (int64, error) {
	var resolved int64
	for i := 0; i < pendingDrainLimit; i++ {
		payload, err := c.index.Dequeue(ctx, registryindex.QueuePendingContradictions)
		if err != nil {
			return resolved, err
		}
		if payload == nil {
			return resolved, nil
		}

		var job model.PendingContradiction
		if err := json.Unmarshal(payload, &job); err != nil {
			log.Warn("Consolidator: malformed pending entry dropped", "err", err)
			continue
		}
		pair, err := c.store.GetByIDs(ctx, []string{job.OlderID, job.NewerID})
		if err != nil || len(pair) != 2 {
			// One side is gone; the conflict resolved itself.
			continue
		}
		older, newer := pair[0], pair[1]
		if older.ID != job.OlderID {
			older, newer = newer, older
		}

		var cls *registrynli.Classification
		if c.nli != nil && c.nli.Enabled() {
			cls, _ = c.nli.Classify(ctx, older.Content, newer.Content)
		}
		det := registrynli.DetectContradiction(cls)
		if !det.NeedsEscalation && cls != nil {
			if det.Contradicts {
				c.resolvePair(ctx, older, newer)
				resolved++
			}
			continue
		}

		if c.llm == nil || !c.llm.Enabled() {
			c.requeue(ctx, payload)
			return resolved, nil
		}
		verdict, verr := c.llmVerdict(ctx, older, newer)
		if verr != nil {
			c.requeue(ctx, payload)
			return resolved, nil
		}
		if verdict.Contradicts {
			c.resolvePair(ctx, older, newer)
			resolved++
		}
	}
	return resolved, nil
}

func (c *Consolidator) requeue(ctx context.Context, payload []byte) {
	if err := c.index.Enqueue(ctx, registryindex.QueuePendingContradictions, payload); err != nil {
		log.Warn("Consolidator: pending requeue failed", "err", err)
	}
}
