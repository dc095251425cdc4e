package endpoints

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/billfold/internal/api"
	"github.com/jackzampolin/billfold/internal/svcctx"
)

// InvoiceStatusResponse is the lifecycle view of a job.
type InvoiceStatusResponse struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	ProcessingPhase string     `json:"processing_phase,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// InvoiceStatusEndpoint handles GET /api/v1/invoices/{id}.
type InvoiceStatusEndpoint struct{}

func (e *InvoiceStatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/invoices/{id}", e.handler
}

func (e *InvoiceStatusEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get invoice job status
//	@Description	Lifecycle status and processing phase for a submitted invoice
//	@Tags			invoices
//	@Produce		json
//	@Param			id	path		string	true	"Job ID"
//	@Success		200	{object}	InvoiceStatusResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		500	{object}	ErrorResponse
//	@Router			/api/v1/invoices/{id} [get]
func (e *InvoiceStatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
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

	job, err := st.GetJob(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusOK, InvoiceStatusResponse{
		ID:              job.ID,
		Status:          string(job.Status),
		ProcessingPhase: string(job.ProcessingPhase),
		ErrorMessage:    job.ErrorMessage,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		CompletedAt:     job.CompletedAt,
	})
}

func (e *InvoiceStatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Get invoice job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())
			var resp InvoiceStatusResponse
			if err := client.Get(ctx, "/api/v1/invoices/"+args[0], &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
