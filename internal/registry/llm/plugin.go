package llm

import (
	"context"
	"fmt"
)

// Client completes prompts into JSON documents.
type Client interface {
	// CompleteJSON sends the prompt and unmarshals the model's JSON reply into out.
	// Implementations bound the call with the configured timeout.
	CompleteJSON(ctx context.Context, prompt string, out any) error
	// Enabled reports whether a provider is configured.
	Enabled() bool
}

// Loader creates a Client from config.
type Loader func(ctx context.Context) (Client, error)

// Plugin represents an LLM plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an LLM plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered LLM plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named LLM plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown llm %q; valid: %v", name, Names())
}
