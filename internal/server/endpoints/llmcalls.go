package endpoints

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/billfold/internal/api"
	"github.com/jackzampolin/billfold/internal/llmcall"
	"github.com/jackzampolin/billfold/internal/svcctx"
)

// LLMCallsResponse contains the LLM call history for a job.
type LLMCallsResponse struct {
	Calls       []llmcall.Call `json:"calls"`
	Total       int            `json:"total"`
	TotalTokens int            `json:"total_tokens"`
}

// ListLLMCallsEndpoint handles GET /api/v1/llm-calls.
type ListLLMCallsEndpoint struct{}

func (e *ListLLMCallsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/llm-calls", e.handler
}

func (e *ListLLMCallsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List LLM calls for a job
//	@Description	Per-call audit rows (provider, model, tokens, latency, outcome) recorded during extraction
//	@Tags			llm-calls
//	@Produce		json
//	@Param			job_id	query		string	true	"Job ID"
//	@Param			limit	query		int		false	"Max results (default 100)"
//	@Success		200		{object}	LLMCallsResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Router			/api/v1/llm-calls [get]
func (e *ListLLMCallsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
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

	calls := svcctx.LLMCallsFrom(r.Context())
	if calls == nil {
		writeError(w, http.StatusServiceUnavailable, "LLM call store not initialized")
		return
	}

	list, err := calls.ListByJob(r.Context(), jobID, limit)
	if err != nil {
		writeFault(w, err)
		return
	}
	tokens, err := calls.TokensByJob(r.Context(), jobID)
	if err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusOK, LLMCallsResponse{
		Calls:       list,
		Total:       len(list),
		TotalTokens: tokens,
	})
}

func (e *ListLLMCallsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var jobID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List LLM calls for a job",
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

			var resp LLMCallsResponse
			if err := client.Get(ctx, "/api/v1/llm-calls?"+params.Encode(), &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "Job ID (required)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Max results")
	return cmd
}
