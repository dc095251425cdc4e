package endpoints

import (
	"encoding/json"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/billfold/internal/api"
	"github.com/jackzampolin/billfold/internal/ocr"
	"github.com/jackzampolin/billfold/internal/svcctx"
)

// SubmitInvoiceRequest is the request body for submitting an invoice.
type SubmitInvoiceRequest struct {
	PDFURL   string `json:"pdf_url"`
	ClientID string `json:"client_id,omitempty"`
}

// SubmitInvoiceResponse is the response for a submitted invoice.
type SubmitInvoiceResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SubmitInvoiceEndpoint handles POST /api/v1/invoices.
type SubmitInvoiceEndpoint struct{}

func (e *SubmitInvoiceEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/v1/invoices", e.handler
}

func (e *SubmitInvoiceEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Submit an invoice for extraction
//	@Description	Queue a PDF invoice URL for asynchronous field extraction
//	@Tags			invoices
//	@Accept			json
//	@Produce		json
//	@Param			request	body		SubmitInvoiceRequest	true	"Invoice submission"
//	@Success		201		{object}	SubmitInvoiceResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/api/v1/invoices [post]
func (e *SubmitInvoiceEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req SubmitInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.PDFURL == "" {
		writeError(w, http.StatusBadRequest, "pdf_url is required")
		return
	}

	// Reject bad URLs before a worker ever picks the job up.
	if mgr := svcctx.ConfigFrom(r.Context()); mgr != nil {
		if err := ocr.ValidateURL(req.PDFURL, mgr.Get().AllowedPDFHosts); err != nil {
			writeFault(w, err)
			return
		}
	}

	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	job, err := st.CreateJob(r.Context(), req.PDFURL, req.ClientID)
	if err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, SubmitInvoiceResponse{
		ID:     job.ID,
		Status: string(job.Status),
	})
}

func (e *SubmitInvoiceEndpoint) Command(getServerURL func() string) *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:   "submit <pdf-url>",
		Short: "Submit a PDF invoice for extraction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())
			req := SubmitInvoiceRequest{PDFURL: args[0], ClientID: clientID}
			var resp SubmitInvoiceResponse
			if err := client.Post(ctx, "/api/v1/invoices", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "Client identifier to tag the job with")
	return cmd
}
