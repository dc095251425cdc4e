package endpoints

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/billfold/internal/api"
	"github.com/jackzampolin/billfold/internal/fault"
	"github.com/jackzampolin/billfold/internal/svcctx"
)

// InvoiceResultResponse carries the extracted payload for a completed job.
// Raw OCR text is served by the separate ocr endpoint.
type InvoiceResultResponse struct {
	JobID           string          `json:"job_id"`
	ExtractedData   json.RawMessage `json:"extracted_data"`
	ConfidenceScore *float64        `json:"confidence_score,omitempty"`
	TokensUsed      int             `json:"tokens_used"`
	CreatedAt       time.Time       `json:"created_at"`
}

// InvoiceResultEndpoint handles GET /api/v1/invoices/{id}/result.
type InvoiceResultEndpoint struct{}

func (e *InvoiceResultEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/invoices/{id}/result", e.handler
}

func (e *InvoiceResultEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get extraction result
//	@Description	Extracted invoice fields for a completed job. Jobs without a result (unknown, still running, or failed) return 404.
//	@Tags			invoices
//	@Produce		json
//	@Param			id	path		string	true	"Job ID"
//	@Success		200	{object}	InvoiceResultResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		500	{object}	ErrorResponse
//	@Router			/api/v1/invoices/{id}/result [get]
func (e *InvoiceResultEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	res, err := st.GetResult(r.Context(), id)
	if fault.IsNotFound(err) {
		// Distinguish an unknown job from one that has not produced a result.
		if job, jobErr := st.GetJob(r.Context(), id); jobErr == nil {
			writeError(w, http.StatusNotFound,
				"no result for job "+id+" (status "+string(job.Status)+")")
			return
		}
		writeFault(w, err)
		return
	}
	if err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusOK, InvoiceResultResponse{
		JobID:           res.JobID,
		ExtractedData:   res.ExtractedData,
		ConfidenceScore: res.ConfidenceScore,
		TokensUsed:      res.TokensUsed,
		CreatedAt:       res.CreatedAt,
	})
}

func (e *InvoiceResultEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "result <id>",
		Short: "Get extracted fields for a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())
			var resp InvoiceResultResponse
			if err := client.Get(ctx, "/api/v1/invoices/"+args[0]+"/result", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
