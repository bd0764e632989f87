package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentmem/fragment-service/internal/model"
	registryindex "github.com/agentmem/fragment-service/internal/registry/index"
	registryllm "github.com/agentmem/fragment-service/internal/registry/llm"
	registrystore "github.com/agentmem/fragment-service/internal/registry/store"
	"github.com/agentmem/fragment-service/internal/scope"
	"github.com/charmbracelet/log"
)

const rationaleMaxChars = 80

// Evaluator drains the evaluation queue and adjusts fragment importance
// based on an LLM quality verdict. LLM unavailability drops the job; the
// fragment keeps its type-default importance.
type Evaluator struct {
	store    registrystore.FragmentStore
	index    registryindex.KeywordIndex
	llm      registryllm.Client
	interval time.Duration

	// busy is held while a job is in flight so shutdown can wait for it.
	busy sync.Mutex
}

// NewEvaluator creates the evaluator worker.
func NewEvaluator(store registrystore.FragmentStore, index registryindex.KeywordIndex, llm registryllm.Client, interval time.Duration) *Evaluator {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Evaluator{store: store, index: index, llm: llm, interval: interval}
}

// Start begins the poll loop. Returns when ctx is cancelled.
func (e *Evaluator) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drain(ctx)
		}
	}
}

// Wait blocks until the in-flight job (if any) has finished.
func (e *Evaluator) Wait() {
	e.busy.Lock()
	e.busy.Unlock() //nolint:staticcheck
}

// drain processes queued jobs until the queue is empty or ctx is cancelled.
func (e *Evaluator) drain(ctx context.Context) {
	for ctx.Err() == nil {
		payload, err := e.index.Dequeue(ctx, registryindex.QueueEvaluation)
		if err != nil {
			log.Warn("Evaluator: dequeue failed", "err", err)
			return
		}
		if payload == nil {
			return
		}
		e.busy.Lock()
		e.evaluate(ctx, payload)
		e.busy.Unlock()
	}
}

type evalVerdict struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
	Action    string  `json:"action"`
}

func (e *Evaluator) evaluate(ctx context.Context, payload []byte) {
	var job model.EvaluationJob
	if err := json.Unmarshal(payload, &job); err != nil {
		log.Warn("Evaluator: malformed job dropped", "err", err)
		return
	}
	if e.llm == nil || !e.llm.Enabled() {
		return
	}

	prompt := fmt.Sprintf(`Evaluate this stored memory for long-term usefulness to a coding agent.

Type: %s
Content: %s

Reply with JSON: {"score": <0..1>, "rationale": "<one sentence>", "action": "keep"|"downgrade"|"discard"}`,
		job.Type, job.Content)

	var verdict evalVerdict
	if err := e.llm.CompleteJSON(ctx, prompt, &verdict); err != nil {
		log.Warn("Evaluator: LLM call failed, dropping job", "fragment", job.FragmentID, "err", err)
		return
	}

	importance := verdict.Score
	switch verdict.Action {
	case "downgrade":
		if importance > 0.3 {
			importance = 0.3
		}
	case "discard":
		if importance > 0.1 {
			importance = 0.1
		}
	}
	if importance < 0 {
		importance = 0
	}
	if importance > 1 {
		importance = 1
	}

	mctx := scope.WithMaintenance(ctx)
	if err := e.store.SetImportance(mctx, job.FragmentID, importance); err != nil {
		log.Warn("Evaluator: importance write failed", "fragment", job.FragmentID, "err", err)
		return
	}
	if verdict.Rationale != "" {
		rationale := verdict.Rationale
		if runes := []rune(rationale); len(runes) > rationaleMaxChars {
			rationale = string(runes[:rationaleMaxChars])
		}
		if err := e.store.AppendKeyword(mctx, job.FragmentID, "Rationale: "+rationale); err != nil {
			log.Warn("Evaluator: rationale write failed", "fragment", job.FragmentID, "err", err)
		}
	}
	log.Debug("Evaluator: fragment scored", "fragment", job.FragmentID, "score", verdict.Score, "action", verdict.Action)
}
