// Package fragment builds fragment records: PII redaction, truncation,
// content hashing, tier inference, keyword extraction and token counting.
// The factory is pure; persistence and indexing happen elsewhere.
package fragment

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/agentmem/fragment-service/internal/model"
)

// MaxContentChars is the content length cap applied after redaction.
const MaxContentChars = 300

const ellipsis = "…"

// Params are the caller-supplied inputs for building a fragment.
type Params struct {
	Content    string
	Topic      string
	Keywords   []string
	Type       model.FragmentType
	Importance *float64
	Source     string
	AgentID    string
	IsAnchor   bool
}

// Create builds a fragment from params: redacts PII, truncates to the content
// cap, infers the TTL tier, hashes the redacted truncated content, and
// extracts keywords when the caller omitted them.
func Create(p Params, now time.Time) model.Fragment {
	content := Truncate(Redact(p.Content))

	importance := p.Type.DefaultImportance()
	if p.Importance != nil {
		importance = clamp01(*p.Importance)
	}

	keywords := NormalizeKeywords(p.Keywords)
	if len(keywords) == 0 {
		keywords = ExtractKeywords(content)
	}

	f := model.Fragment{
		ID:              model.NewFragmentID(),
		Content:         content,
		Topic:           p.Topic,
		Keywords:        keywords,
		Type:            p.Type,
		Importance:      importance,
		ContentHash:     HashContent(content),
		AgentID:         scopeOrDefault(p.AgentID),
		CreatedAt:       now,
		TTLTier:         InferTier(p.Type, importance),
		EstimatedTokens: CountTokens(content),
		UtilityScore:    1.0,
		VerifiedAt:      &now,
		IsAnchor:        p.IsAnchor,
	}
	if p.Source != "" {
		src := p.Source
		f.Source = &src
	}
	return f
}

// Split builds a sequence of fragments from a longer text, each within the
// content cap, chained via linked_to in insertion order. The caller is
// responsible for persisting the chain edges.
func Split(p Params, now time.Time) []model.Fragment {
	redacted := Redact(p.Content)
	runes := []rune(redacted)
	if len(runes) <= MaxContentChars {
		return []model.Fragment{Create(p, now)}
	}

	var out []model.Fragment
	for start := 0; start < len(runes); start += MaxContentChars {
		end := start + MaxContentChars
		if end > len(runes) {
			end = len(runes)
		}
		part := p
		part.Content = string(runes[start:end])
		f := Create(part, now)
		if n := len(out); n > 0 {
			f.LinkedTo = []string{out[n-1].ID}
		}
		out = append(out, f)
	}
	return out
}

// Truncate caps content at MaxContentChars runes, marking the cut with an ellipsis.
func Truncate(content string) string {
	runes := []rune(content)
	if len(runes) <= MaxContentChars {
		return content
	}
	return string(runes[:MaxContentChars-1]) + ellipsis
}

// HashContent returns the 16-hex prefix of SHA-256 over the redacted,
// truncated content. Stable under re-creation.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// InferTier assigns the initial TTL tier from (type, importance).
// First match wins.
func InferTier(t model.FragmentType, importance float64) model.TTLTier {
	switch {
	case t == model.TypePreference:
		return model.TierPermanent
	case importance >= 0.8:
		return model.TierPermanent
	case t == model.TypeError || t == model.TypeProcedure:
		return model.TierHot
	case importance >= 0.5:
		return model.TierWarm
	default:
		return model.TierCold
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func scopeOrDefault(agentID string) string {
	if agentID == "" {
		return model.DefaultAgentID
	}
	return agentID
}
