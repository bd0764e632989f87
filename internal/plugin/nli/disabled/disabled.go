// Package disabled provides an NLI classifier that never classifies,
// forcing contradiction detection onto the LLM fallback path.
package disabled

import (
	"context"

	registrynli "github.com/agentmem/fragment-service/internal/registry/nli"
)

func init() {
	registrynli.Register(registrynli.Plugin{
		Name: "disabled",
		Loader: func(ctx context.Context) (registrynli.Classifier, error) {
			return &disabledClassifier{}, nil
		},
	})
}

type disabledClassifier struct{}

func (disabledClassifier) Classify(ctx context.Context, premise, hypothesis string) (*registrynli.Classification, error) {
	return nil, nil
}

func (disabledClassifier) Enabled() bool { return false }

var _ registrynli.Classifier = (*disabledClassifier)(nil)
