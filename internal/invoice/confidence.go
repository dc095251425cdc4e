package invoice

// Score maps a confidence level to its numeric weight.
func (c Confidence) Score() (float64, bool) {
	switch c {
	case ConfidenceHigh:
		return 1.0, true
	case ConfidenceMedium:
		return 0.6, true
	case ConfidenceLow:
		return 0.2, true
	}
	return 0, false
}

// OverallConfidence derives the job-level confidence score: the mean of the
// per-field weights (high 1.0, medium 0.6, low 0.2) over every ReasonedField
// of the payload. Fields with an unrecognized confidence are skipped. Returns
// nil when nothing could be scored.
func OverallConfidence(e *Extraction) *float64 {
	var sum float64
	var n int
	for _, f := range e.Fields() {
		w, ok := f.GetConfidence().Score()
		if !ok {
			continue
		}
		sum += w
		n++
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}
