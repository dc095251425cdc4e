package endpoints

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/billfold/internal/api"
	"github.com/jackzampolin/billfold/internal/metrics"
	"github.com/jackzampolin/billfold/internal/svcctx"
)

// MetricsResponse contains stage metrics for a job.
type MetricsResponse struct {
	Metrics []metrics.Metric     `json:"metrics"`
	Totals  []metrics.StageTotal `json:"totals"`
}

// ListMetricsEndpoint handles GET /api/v1/metrics.
type ListMetricsEndpoint struct{}

func (e *ListMetricsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/metrics", e.handler
}

func (e *ListMetricsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get stage metrics for a job
//	@Description	Per-stage duration and cost rows plus per-stage totals
//	@Tags			metrics
//	@Produce		json
//	@Param			job_id	query		string	true	"Job ID"
//	@Param			limit	query		int		false	"Max rows (default 100)"
//	@Success		200		{object}	MetricsResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Router			/api/v1/metrics [get]
func (e *ListMetricsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobID := q.Get("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %q must be an integer", v))
			return
		}
		limit = n
	}

	ms := svcctx.MetricsFrom(r.Context())
	if ms == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics store not initialized")
		return
	}

	rows, err := ms.ListByJob(r.Context(), jobID, limit)
	if err != nil {
		writeFault(w, err)
		return
	}
	totals, err := ms.TotalsByStage(r.Context(), jobID)
	if err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusOK, MetricsResponse{Metrics: rows, Totals: totals})
}

func (e *ListMetricsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var jobID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Get stage metrics for a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID == "" {
				return fmt.Errorf("--job-id is required")
			}
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())

			params := url.Values{}
			params.Set("job_id", jobID)
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}

			var resp MetricsResponse
			if err := client.Get(ctx, "/api/v1/metrics?"+params.Encode(), &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "Job ID (required)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Max rows")
	return cmd
}
