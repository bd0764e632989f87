// Package disabled provides an LLM client that refuses every completion.
// Consumers check Enabled() and fall back to their non-LLM paths.
package disabled

import (
	"context"
	"errors"

	registryllm "github.com/agentmem/fragment-service/internal/registry/llm"
)

func init() {
	registryllm.Register(registryllm.Plugin{
		Name: "disabled",
		Loader: func(ctx context.Context) (registryllm.Client, error) {
			return &disabledClient{}, nil
		},
	})
}

type disabledClient struct{}

func (disabledClient) CompleteJSON(ctx context.Context, prompt string, out any) error {
	return errors.New("llm is disabled")
}

func (disabledClient) Enabled() bool { return false }

var _ registryllm.Client = (*disabledClient)(nil)
