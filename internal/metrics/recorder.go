package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/billfold/internal/providers"
)

// Recorder handles best-effort metric recording. Failures are logged and
// dropped; a metric row must never fail the stage it measures.
type Recorder struct {
	store  *Store
	logger *slog.Logger
}

// NewRecorder creates a metrics recorder.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Record stores a single metric, filling id and timestamp when unset.
func (r *Recorder) Record(ctx context.Context, m Metric) {
	if r == nil || r.store == nil {
		return
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if err := r.store.Insert(ctx, &m); err != nil {
		r.logger.Warn("failed to record metric",
			"job_id", m.JobID,
			"stage", m.Stage,
			"error", err)
	}
}

// RecordStage stores a plain duration measurement for a stage.
func (r *Recorder) RecordStage(ctx context.Context, jobID, stage string, duration time.Duration) {
	r.Record(ctx, Metric{
		JobID:      jobID,
		Stage:      stage,
		DurationMS: int(duration.Milliseconds()),
	})
}

// RecordOCR stores the OCR stage measurement from a provider result.
func (r *Recorder) RecordOCR(ctx context.Context, jobID string, result *providers.OCRResult) {
	if result == nil {
		return
	}
	detail := map[string]any{
		"provider": result.Provider,
		"attempts": result.Attempts,
	}
	if result.Pages != nil {
		detail["pages"] = *result.Pages
	}
	data, err := json.Marshal(detail)
	if err != nil {
		data = nil
	}
	r.Record(ctx, Metric{
		JobID:      jobID,
		Stage:      StageOCR,
		DurationMS: result.DurationMS,
		CostUSD:    result.CostUSD,
		Detail:     data,
	})
}

// RecordChat stores a classify or extract stage measurement from a chat
// result.
func (r *Recorder) RecordChat(ctx context.Context, jobID, stage string, result *providers.ChatResult) {
	if result == nil {
		return
	}
	detail, err := json.Marshal(map[string]any{
		"provider": result.Provider,
		"model":    result.ModelUsed,
		"tokens":   result.TotalTokens,
		"attempts": result.Attempts,
	})
	if err != nil {
		detail = nil
	}
	r.Record(ctx, Metric{
		JobID:      jobID,
		Stage:      stage,
		DurationMS: int(result.ExecutionTime.Milliseconds()),
		CostUSD:    result.CostUSD,
		Detail:     detail,
	})
}
