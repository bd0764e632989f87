package model

import "time"

// EvaluationJob is one entry on the evaluation queue.
type EvaluationJob struct {
	FragmentID string       `json:"fragmentId"`
	AgentID    string       `json:"agentId"`
	Type       FragmentType `json:"type"`
	Content    string       `json:"content"`
}

// PendingContradiction is one entry on the pending-contradictions queue:
// a high-similarity pair that neither the NLI classifier nor the LLM could
// adjudicate when it was found.
type PendingContradiction struct {
	NewerID    string    `json:"newerId"`
	OlderID    string    `json:"olderId"`
	AgentID    string    `json:"agentId"`
	Topic      string    `json:"topic"`
	Similarity float64   `json:"similarity"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}
