package llmcall

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackzampolin/billfold/internal/fault"
)

const defaultListLimit = 100

// Store persists LLM call records in Postgres.
type Store struct {
	db *sql.DB
}

// NewStore creates a call store over an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const callColumns = "id, job_id, provider, model, prompt_key, temperature, prompt_tokens, completion_tokens, total_tokens, cost_usd, duration_ms, attempts, success, error_message, created_at"

// Insert writes one call record. The error message is redacted and capped as
// a backstop before it is persisted.
func (s *Store) Insert(ctx context.Context, call *Call) error {
	if call == nil {
		return fault.New(fault.Validation, fault.StageStore, "nil call record")
	}

	var errMsg sql.NullString
	if call.Error != "" {
		errMsg = sql.NullString{
			String: fault.Truncate(fault.Redact(call.Error), fault.MaxMessageBytes),
			Valid:  true,
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_calls (`+callColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())`,
		call.ID, call.JobID, call.Provider, call.Model, call.PromptKey,
		call.Temperature, call.PromptTokens, call.CompletionTokens,
		call.TotalTokens, call.CostUSD, call.DurationMS, call.Attempts,
		call.Success, errMsg)
	if err != nil {
		return fault.Wrap(fault.ClassifyTransport(err), fault.StageStore, err, "insert llm call")
	}
	return nil
}

// ListByJob returns call records for a job, oldest first.
func (s *Store) ListByJob(ctx context.Context, jobID string, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+callColumns+" FROM llm_calls WHERE job_id = $1 ORDER BY created_at ASC LIMIT $2",
		jobID, limit)
	if err != nil {
		return nil, fault.Wrap(fault.ClassifyTransport(err), fault.StageStore, err, "list llm calls")
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		var (
			call      Call
			errMsg    sql.NullString
			createdAt time.Time
		)
		err := rows.Scan(&call.ID, &call.JobID, &call.Provider, &call.Model,
			&call.PromptKey, &call.Temperature, &call.PromptTokens,
			&call.CompletionTokens, &call.TotalTokens, &call.CostUSD,
			&call.DurationMS, &call.Attempts, &call.Success, &errMsg, &createdAt)
		if err != nil {
			return nil, fault.Wrap(fault.ClassifyTransport(err), fault.StageStore, err, "scan llm call")
		}
		call.Error = errMsg.String
		call.CreatedAt = createdAt
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.ClassifyTransport(err), fault.StageStore, err, "list llm calls")
	}
	return calls, nil
}

// TokensByJob sums token usage over all calls of a job.
func (s *Store) TokensByJob(ctx context.Context, jobID string) (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT SUM(total_tokens) FROM llm_calls WHERE job_id = $1", jobID).Scan(&total)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fault.Wrap(fault.ClassifyTransport(err), fault.StageStore, err, "sum tokens")
	}
	return int(total.Int64), nil
}
