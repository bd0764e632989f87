package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentmem/fragment-service/internal/config"
	registryllm "github.com/agentmem/fragment-service/internal/registry/llm"
)

func init() {
	registryllm.Register(registryllm.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

func load(ctx context.Context) (registryllm.Client, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai llm: FRAGMENT_SERVICE_OPENAI_API_KEY is required")
	}
	timeout := cfg.LLMTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		apiKey:  cfg.OpenAIAPIKey,
		model:   cfg.LLMModelName,
		baseURL: strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		timeout: timeout,
	}, nil
}

type OpenAIClient struct {
	apiKey  string
	model   string
	baseURL string
	timeout time.Duration
}

func (c *OpenAIClient) Enabled() bool {
	return c.apiKey != ""
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
	Temperature    float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// CompleteJSON sends the prompt with the JSON response format enabled and
// unmarshals the reply into out.
func (c *OpenAIClient) CompleteJSON(ctx context.Context, prompt string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqBody, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a precise assistant. Reply with a single JSON object and nothing else."},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: &respFormat{Type: "json_object"},
		Temperature:    0,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai llm request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("openai llm: read response: %w", err)
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("openai llm: parse response: %w", err)
	}
	if result.Error != nil {
		return fmt.Errorf("openai llm error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return fmt.Errorf("openai llm: empty response")
	}

	content := strings.TrimSpace(result.Choices[0].Message.Content)
	// Some providers wrap the object in a code fence despite json_object mode.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), out); err != nil {
		return fmt.Errorf("openai llm: reply is not valid JSON: %w", err)
	}
	return nil
}

var _ registryllm.Client = (*OpenAIClient)(nil)
