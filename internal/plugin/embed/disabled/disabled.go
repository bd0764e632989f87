// Package disabled provides an embedder that produces no embeddings.
// Semantic search is skipped entirely when this plugin is selected.
package disabled

import (
	"context"

	registryembed "github.com/agentmem/fragment-service/internal/registry/embed"
)

func init() {
	registryembed.Register(registryembed.Plugin{
		Name: "disabled",
		Loader: func(ctx context.Context) (registryembed.Embedder, error) {
			return &disabledEmbedder{}, nil
		},
	})
}

type disabledEmbedder struct{}

func (disabledEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}

func (disabledEmbedder) ModelName() string { return "disabled" }
func (disabledEmbedder) Dimension() int    { return 0 }
func (disabledEmbedder) Enabled() bool     { return false }

var _ registryembed.Embedder = (*disabledEmbedder)(nil)
