// Package store persists jobs and extraction results in Postgres and doubles
// as the work queue: workers poll for queued jobs ordered by creation time.
// Every state change is a single-row, single-statement compare-and-set so that
// concurrent workers race safely; losers observe CONFLICT and move on.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/jackzampolin/billfold/internal/fault"
)

// Status is the lifecycle state of a job. Completed and failed are terminal.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Phase is the sub-state of a processing job. Phases only move forward.
type Phase string

const (
	PhaseAnalyzing  Phase = "analyzing_invoice"
	PhaseExtracting Phase = "extracting_data"
	PhaseVerifying  Phase = "verifying_data"
)

// phaseRank orders phases for the monotone SetPhase guard.
var phaseRank = map[Phase]int{
	PhaseAnalyzing:  1,
	PhaseExtracting: 2,
	PhaseVerifying:  3,
}

const (
	maxPDFURLBytes = 2048
	maxClientIDLen = 50

	// writeTimeout bounds every store mutation.
	writeTimeout = time.Minute

	defaultListLimit = 100

	pgUniqueViolation = "23505"
)

// Job is one submission and its lifecycle state.
type Job struct {
	ID              string     `json:"id"`
	ClientID        string     `json:"client_id,omitempty"`
	Status          Status     `json:"status"`
	ProcessingPhase Phase      `json:"processing_phase,omitempty"`
	PDFURL          string     `json:"pdf_url"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// JobResult is the extraction output for a completed job. Written once by
// Complete and never mutated.
type JobResult struct {
	ID              string          `json:"id"`
	JobID           string          `json:"job_id"`
	ExtractedData   json.RawMessage `json:"extracted_data"`
	ConfidenceScore *float64        `json:"confidence_score,omitempty"`
	TokensUsed      int             `json:"tokens_used"`
	RawOCRText      string          `json:"raw_ocr_text,omitempty"`
	OCRProvider     string          `json:"ocr_provider,omitempty"`
	OCRDurationMS   int             `json:"ocr_duration_ms"`
	OCRPages        *int            `json:"ocr_pages,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Config holds Postgres connection settings.
type Config struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// Store is the Postgres-backed job store.
type Store struct {
	db *sql.DB
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres and configures the pool.
func Open(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fault.New(fault.Validation, fault.StageStore, "store url is required")
	}
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, fault.StageStore, err, "open store")
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 50
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	return New(db), nil
}

// DB exposes the underlying handle for sibling stores and migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr(err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const jobColumns = "id, client_id, status, processing_phase, pdf_url, error_message, created_at, updated_at, completed_at"

// CreateJob inserts a new queued job and returns it. The URL must be absolute
// and within the length cap; the host allow-list is enforced upstream.
func (s *Store) CreateJob(ctx context.Context, pdfURL, clientID string) (*Job, error) {
	if pdfURL == "" {
		return nil, fault.New(fault.Validation, fault.StageStore, "pdf_url is required")
	}
	if len(pdfURL) > maxPDFURLBytes {
		return nil, fault.New(fault.Validation, fault.StageStore, "pdf_url exceeds %d bytes", maxPDFURLBytes)
	}
	u, err := url.Parse(pdfURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, fault.New(fault.Validation, fault.StageStore, "pdf_url must be an absolute URL")
	}
	if len(clientID) > maxClientIDLen {
		return nil, fault.New(fault.Validation, fault.StageStore, "client_id exceeds %d characters", maxClientIDLen)
	}

	job := &Job{
		ID:       uuid.New().String(),
		ClientID: clientID,
		Status:   StatusQueued,
		PDFURL:   pdfURL,
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO jobs (id, client_id, status, pdf_url, created_at, updated_at)
		VALUES ($1, $2, 'queued', $3, NOW(), NOW())
		RETURNING created_at, updated_at`,
		job.ID, nullString(clientID), pdfURL,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, storeErr(err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE id = $1", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.NotFound, fault.StageStore, "job %s not found", id)
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return job, nil
}

// GetResult fetches the result row for a job. NOT_FOUND covers both unknown
// jobs and jobs without a result; callers cross-check job status to tell a
// missing job from an incomplete one.
func (s *Store) GetResult(ctx context.Context, jobID string) (*JobResult, error) {
	var (
		res        JobResult
		confidence sql.NullFloat64
		pages      sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, extracted_data, confidence_score, tokens_used, raw_ocr_text, ocr_provider, ocr_duration_ms, ocr_pages, created_at
		FROM job_results
		WHERE job_id = $1`, jobID,
	).Scan(&res.ID, &res.JobID, &res.ExtractedData, &confidence, &res.TokensUsed,
		&res.RawOCRText, &res.OCRProvider, &res.OCRDurationMS, &pages, &res.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.NotFound, fault.StageStore, "no result for job %s", jobID)
	}
	if err != nil {
		return nil, storeErr(err)
	}
	if confidence.Valid {
		res.ConfidenceScore = &confidence.Float64
	}
	if pages.Valid {
		p := int(pages.Int64)
		res.OCRPages = &p
	}
	return &res, nil
}

// TransitionStart claims a queued job: status becomes processing and the phase
// starts at analyzing_invoice. A job in any other state yields CONFLICT, which
// callers treat as "someone else got there first".
func (s *Store) TransitionStart(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'processing', processing_phase = 'analyzing_invoice', updated_at = NOW()
		WHERE id = $1 AND status = 'queued'`, id)
	if err != nil {
		return storeErr(err)
	}
	return s.checkAdvance(ctx, result, id, "start")
}

// SetPhase advances the phase of a processing job. The update applies only
// when the new phase is at or past the current one, so a stale worker cannot
// regress the job.
func (s *Store) SetPhase(ctx context.Context, id string, phase Phase) error {
	rank, ok := phaseRank[phase]
	if !ok {
		return fault.New(fault.Validation, fault.StageStore, "unknown phase %q", phase)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET processing_phase = $2, updated_at = NOW()
		WHERE id = $1
		  AND status = 'processing'
		  AND CASE processing_phase
		        WHEN 'analyzing_invoice' THEN 1
		        WHEN 'extracting_data' THEN 2
		        WHEN 'verifying_data' THEN 3
		        ELSE 0
		      END <= $3`, id, string(phase), rank)
	if err != nil {
		return storeErr(err)
	}
	return s.checkAdvance(ctx, result, id, "set phase "+string(phase))
}

// Complete flips a processing job to completed and inserts its result row in
// one statement. At most one Complete or Fail succeeds per job.
func (s *Store) Complete(ctx context.Context, id string, res *JobResult) error {
	if res == nil || len(res.ExtractedData) == 0 {
		return fault.New(fault.Validation, fault.StageStore, "extracted data is required")
	}

	var confidence sql.NullFloat64
	if res.ConfidenceScore != nil {
		confidence = sql.NullFloat64{Float64: *res.ConfidenceScore, Valid: true}
	}
	var pages sql.NullInt64
	if res.OCRPages != nil {
		pages = sql.NullInt64{Int64: int64(*res.OCRPages), Valid: true}
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		WITH flip AS (
			UPDATE jobs
			SET status = 'completed', processing_phase = NULL, updated_at = NOW(), completed_at = NOW()
			WHERE id = $1 AND status = 'processing'
			RETURNING id
		)
		INSERT INTO job_results (id, job_id, extracted_data, confidence_score, tokens_used, raw_ocr_text, ocr_provider, ocr_duration_ms, ocr_pages, created_at)
		SELECT $2, flip.id, $3, $4, $5, $6, $7, $8, $9, NOW()
		FROM flip`,
		id, uuid.New().String(), []byte(res.ExtractedData), confidence, res.TokensUsed,
		res.RawOCRText, res.OCRProvider, res.OCRDurationMS, pages)
	if err != nil {
		return storeErr(err)
	}
	return s.checkAdvance(ctx, result, id, "complete")
}

// Fail marks a job failed from any non-terminal state. The message is
// redacted and capped before it is persisted; terminal jobs are never
// regressed, the loser sees CONFLICT.
func (s *Store) Fail(ctx context.Context, id, message string) error {
	message = fault.Truncate(fault.Redact(message), fault.MaxMessageBytes)

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', processing_phase = NULL, error_message = $2, updated_at = NOW(), completed_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'processing')`, id, message)
	if err != nil {
		return storeErr(err)
	}
	return s.checkAdvance(ctx, result, id, "fail")
}

// ListQueued returns up to limit queued jobs, oldest first. This query is the
// work queue.
func (s *Store) ListQueued(ctx context.Context, limit int) ([]*Job, error) {
	return s.listByStatus(ctx, StatusQueued, limit)
}

// ListProcessing returns jobs that are mid-flight, oldest first. Used at
// startup to resume jobs a previous process left behind.
func (s *Store) ListProcessing(ctx context.Context, limit int) ([]*Job, error) {
	return s.listByStatus(ctx, StatusProcessing, limit)
}

func (s *Store) listByStatus(ctx context.Context, status Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE status = $1 ORDER BY created_at ASC LIMIT $2",
		string(status), limit)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return jobs, nil
}

// CountByStatus returns the number of jobs per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storeErr(err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return counts, nil
}

// checkAdvance resolves a zero-row CAS update into NOT_FOUND or CONFLICT.
func (s *Store) checkAdvance(ctx context.Context, result sql.Result, id, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if n > 0 {
		return nil
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fault.New(fault.Conflict, fault.StageStore,
		"cannot %s job %s: status=%s phase=%s", op, id, job.Status, job.ProcessingPhase)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job         Job
		status      string
		clientID    sql.NullString
		phase       sql.NullString
		errMsg      sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(&job.ID, &clientID, &status, &phase, &job.PDFURL, &errMsg,
		&job.CreatedAt, &job.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.ClientID = clientID.String
	job.ProcessingPhase = Phase(phase.String)
	job.ErrorMessage = errMsg.String
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// storeErr classifies a database error. Unique violations surface as CONFLICT
// so racing writers treat them as lost CAS rounds; everything else follows
// transport classification.
func storeErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fault.Wrap(fault.Conflict, fault.StageStore, err, "duplicate row")
	}
	return fault.Wrap(fault.ClassifyTransport(err), fault.StageStore, err, "store query failed")
}
