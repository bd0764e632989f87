// Package remote classifies (premise, hypothesis) pairs against an HTTP NLI
// endpoint exposing POST /classify. The classifier is strictly best-effort:
// any transport or decode failure yields a nil classification so callers
// escalate to their fallback path, and repeated failures latch the provider
// off for the life of the process.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agentmem/fragment-service/internal/config"
	registrynli "github.com/agentmem/fragment-service/internal/registry/nli"
	"github.com/charmbracelet/log"
)

// consecutive failures before the provider is latched off.
const failureLatch = 3

func init() {
	registrynli.Register(registrynli.Plugin{
		Name:   "remote",
		Loader: load,
	})
}

func load(ctx context.Context) (registrynli.Classifier, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.NLIEndpoint == "" {
		return nil, fmt.Errorf("remote nli: FRAGMENT_SERVICE_NLI_ENDPOINT is required")
	}
	timeout := cfg.NLITimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &remoteClassifier{
		endpoint: strings.TrimRight(cfg.NLIEndpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type remoteClassifier struct {
	endpoint string
	client   *http.Client
	failures atomic.Int64
	latched  atomic.Bool
}

func (c *remoteClassifier) Enabled() bool {
	return !c.latched.Load()
}

type classifyRequest struct {
	Premise    string `json:"premise"`
	Hypothesis string `json:"hypothesis"`
}

type classifyResponse struct {
	Label  string             `json:"label"`
	Scores map[string]float64 `json:"scores"`
}

func (c *remoteClassifier) Classify(ctx context.Context, premise, hypothesis string) (*registrynli.Classification, error) {
	if c.latched.Load() {
		return nil, nil
	}

	reqBody, err := json.Marshal(classifyRequest{Premise: premise, Hypothesis: hypothesis})
	if err != nil {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/classify", bytes.NewReader(reqBody))
	if err != nil {
		return nil, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.recordFailure(err)
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.recordFailure(fmt.Errorf("status %d", resp.StatusCode))
		return nil, nil
	}

	var result classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.recordFailure(err)
		return nil, nil
	}
	c.failures.Store(0)

	scores := make(map[registrynli.Label]float64, len(result.Scores))
	for k, v := range result.Scores {
		scores[registrynli.Label(k)] = v
	}
	return &registrynli.Classification{
		Label:  registrynli.Label(result.Label),
		Scores: scores,
	}, nil
}

func (c *remoteClassifier) recordFailure(err error) {
	n := c.failures.Add(1)
	log.Warn("nli classify failed", "endpoint", c.endpoint, "failures", n, "error", err)
	if n >= failureLatch && c.latched.CompareAndSwap(false, true) {
		log.Error("nli provider latched off after repeated failures", "endpoint", c.endpoint)
	}
}

var _ registrynli.Classifier = (*remoteClassifier)(nil)
