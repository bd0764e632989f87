package nli

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func classification(contradiction, entailment float64) *Classification {
	return &Classification{
		Scores: map[Label]float64{
			LabelContradiction: contradiction,
			LabelEntailment:    entailment,
			LabelNeutral:       1 - contradiction - entailment,
		},
	}
}

func TestDetectContradiction_HighConfidence(t *testing.T) {
	d := DetectContradiction(classification(0.85, 0.05))
	require.True(t, d.Contradicts)
	require.False(t, d.NeedsEscalation)
	require.Equal(t, 0.85, d.Confidence)
}

func TestDetectContradiction_ConfidentEntailment(t *testing.T) {
	d := DetectContradiction(classification(0.1, 0.7))
	require.False(t, d.Contradicts)
	require.False(t, d.NeedsEscalation)
}

func TestDetectContradiction_MidConfidenceEscalates(t *testing.T) {
	d := DetectContradiction(classification(0.6, 0.1))
	require.True(t, d.Contradicts)
	require.True(t, d.NeedsEscalation)
}

func TestDetectContradiction_LowConfidenceEscalatesWithoutVerdict(t *testing.T) {
	d := DetectContradiction(classification(0.3, 0.2))
	require.False(t, d.Contradicts)
	require.True(t, d.NeedsEscalation)
}

func TestDetectContradiction_NegligibleSkips(t *testing.T) {
	d := DetectContradiction(classification(0.1, 0.3))
	require.False(t, d.Contradicts)
	require.False(t, d.NeedsEscalation)
}

func TestDetectContradiction_EntailmentWinsOverMidContradiction(t *testing.T) {
	// 0.8 contradiction is checked first; below that, entailment >= 0.6 skips
	// even when contradiction sits in the escalation band.
	d := DetectContradiction(classification(0.35, 0.65))
	require.False(t, d.Contradicts)
	require.False(t, d.NeedsEscalation)
}

func TestDetectContradiction_NilClassificationEscalates(t *testing.T) {
	d := DetectContradiction(nil)
	require.False(t, d.Contradicts)
	require.True(t, d.NeedsEscalation)
	require.Zero(t, d.Confidence)
}
