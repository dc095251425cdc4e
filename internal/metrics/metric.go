// Package metrics tracks per-stage duration and cost for jobs. Rows are
// append-only; the ops surface reads them back per job or aggregated.
package metrics

import (
	"encoding/json"
	"time"
)

// Stages recorded by the pipeline.
const (
	StageOCR      = "ocr"
	StageClassify = "classify"
	StageExtract  = "extract"
	StageVerify   = "verify"
	StageComplete = "complete"
)

// Metric is a single recorded stage measurement.
type Metric struct {
	ID    string `json:"id"`
	JobID string `json:"job_id"`
	Stage string `json:"stage"`

	DurationMS int     `json:"duration_ms"`
	CostUSD    float64 `json:"cost_usd"`

	// Detail carries stage-specific context, e.g. pages and provider for OCR.
	Detail json.RawMessage `json:"detail,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// StageTotal aggregates all rows of one stage for a job.
type StageTotal struct {
	Stage      string  `json:"stage"`
	DurationMS int     `json:"duration_ms"`
	CostUSD    float64 `json:"cost_usd"`
	Count      int     `json:"count"`
}
