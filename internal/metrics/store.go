package metrics

import (
	"context"
	"database/sql"

	"github.com/jackzampolin/billfold/internal/fault"
)

const defaultListLimit = 200

// Store persists stage metrics in Postgres.
type Store struct {
	db *sql.DB
}

// NewStore creates a metric store over an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert writes one metric row.
func (s *Store) Insert(ctx context.Context, m *Metric) error {
	if m == nil {
		return fault.New(fault.Validation, fault.StageStore, "nil metric")
	}

	var detail any
	if len(m.Detail) > 0 {
		detail = []byte(m.Detail)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_metrics (id, job_id, stage, duration_ms, cost_usd, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		m.ID, m.JobID, m.Stage, m.DurationMS, m.CostUSD, detail)
	if err != nil {
		return fault.Wrap(fault.ClassifyTransport(err), fault.StageStore, err, "insert metric")
	}
	return nil
}

// ListByJob returns metric rows for a job, oldest first.
func (s *Store) ListByJob(ctx context.Context, jobID string, limit int) ([]Metric, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, stage, duration_ms, cost_usd, detail, created_at
		FROM stage_metrics
		WHERE job_id = $1
		ORDER BY created_at ASC
		LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fault.Wrap(fault.ClassifyTransport(err), fault.StageStore, err, "list metrics")
	}
	defer rows.Close()

	var metrics []Metric
	for rows.Next() {
		var (
			m      Metric
			detail []byte
		)
		if err := rows.Scan(&m.ID, &m.JobID, &m.Stage, &m.DurationMS, &m.CostUSD, &detail, &m.CreatedAt); err != nil {
			return nil, fault.Wrap(fault.ClassifyTransport(err), fault.StageStore, err, "scan metric")
		}
		if len(detail) > 0 {
			m.Detail = detail
		}
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.ClassifyTransport(err), fault.StageStore, err, "list metrics")
	}
	return metrics, nil
}

// TotalsByStage aggregates duration and cost per stage for a job.
func (s *Store) TotalsByStage(ctx context.Context, jobID string) ([]StageTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, COALESCE(SUM(duration_ms), 0), COALESCE(SUM(cost_usd), 0), COUNT(*)
		FROM stage_metrics
		WHERE job_id = $1
		GROUP BY stage
		ORDER BY stage`, jobID)
	if err != nil {
		return nil, fault.Wrap(fault.ClassifyTransport(err), fault.StageStore, err, "aggregate metrics")
	}
	defer rows.Close()

	var totals []StageTotal
	for rows.Next() {
		var t StageTotal
		if err := rows.Scan(&t.Stage, &t.DurationMS, &t.CostUSD, &t.Count); err != nil {
			return nil, fault.Wrap(fault.ClassifyTransport(err), fault.StageStore, err, "scan total")
		}
		totals = append(totals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.ClassifyTransport(err), fault.StageStore, err, "aggregate metrics")
	}
	return totals, nil
}
