package llmcall

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/billfold/internal/providers"
)

// Recorder handles best-effort LLM call recording. A failed insert is logged
// and dropped so that audit records never fail the job they describe.
type Recorder struct {
	store  *Store
	logger *slog.Logger
}

// NewRecorder creates an LLM call recorder.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Record captures an LLM call outcome.
func (r *Recorder) Record(ctx context.Context, result *providers.ChatResult, opts RecordOptions) {
	if r == nil || r.store == nil {
		return
	}
	call := FromChatResult(result, opts)
	if call == nil {
		return
	}
	if err := r.store.Insert(ctx, call); err != nil {
		r.logger.Warn("failed to record llm call",
			"job_id", opts.JobID,
			"prompt_key", opts.PromptKey,
			"error", err)
	}
}
