package nli

// Detection is the thresholded verdict over a classification.
type Detection struct {
	Contradicts     bool
	Confidence      float64
	NeedsEscalation bool
	Scores          map[Label]float64
}

// DetectContradiction applies the decision thresholds to a classification.
// A nil classification (provider unavailable) escalates so the caller can
// fall through to its LLM or pending-queue path.
func DetectContradiction(c *Classification) Detection {
	if c == nil {
		return Detection{NeedsEscalation: true}
	}
	contradiction := c.Scores[LabelContradiction]
	entailment := c.Scores[LabelEntailment]

	d := Detection{Confidence: contradiction, Scores: c.Scores}
	switch {
	case contradiction >= 0.8:
		d.Contradicts = true
	case entailment >= 0.6:
		// Confident agreement; nothing to adjudicate.
	case contradiction >= 0.5:
		d.Contradicts = true
		d.NeedsEscalation = true
	case contradiction >= 0.2:
		d.NeedsEscalation = true
	}
	return d
}
