package nli

import (
	"context"
	"fmt"
)

// Label is an NLI classification label.
type Label string

const (
	LabelEntailment    Label = "entailment"
	LabelNeutral       Label = "neutral"
	LabelContradiction Label = "contradiction"
)

// Classification is a softmax distribution over the three NLI labels.
type Classification struct {
	Label  Label              `json:"label"`
	Scores map[Label]float64  `json:"scores"`
}

// Classifier scores (premise, hypothesis) pairs.
//
// Classify returns (nil, nil) on any provider failure; once a provider fails
// to load it short-circuits to nil permanently.
type Classifier interface {
	Classify(ctx context.Context, premise, hypothesis string) (*Classification, error)
	Enabled() bool
}

// Loader creates a Classifier from config.
type Loader func(ctx context.Context) (Classifier, error)

// Plugin represents an NLI plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an NLI plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered NLI plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named NLI plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown nli %q; valid: %v", name, Names())
}
