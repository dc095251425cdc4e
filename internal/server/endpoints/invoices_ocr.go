package endpoints

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/billfold/internal/api"
	"github.com/jackzampolin/billfold/internal/fault"
	"github.com/jackzampolin/billfold/internal/ocr"
	"github.com/jackzampolin/billfold/internal/svcctx"
)

// Fallback caps when no config manager is attached.
const (
	defaultOCRRetrievalBytes = 256 << 10
	defaultOCRStoredBytes    = 1 << 20
)

// InvoiceOCRResponse carries stored OCR markdown for a job.
type InvoiceOCRResponse struct {
	JobID      string `json:"job_id"`
	OCRText    string `json:"ocr_text"`
	Truncated  bool   `json:"truncated"`
	Provider   string `json:"provider,omitempty"`
	DurationMS int    `json:"duration_ms"`
	Pages      *int   `json:"pages,omitempty"`
}

// InvoiceOCREndpoint handles GET /api/v1/invoices/{id}/ocr.
type InvoiceOCREndpoint struct{}

func (e *InvoiceOCREndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/invoices/{id}/ocr", e.handler
}

func (e *InvoiceOCREndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get OCR text for a job
//	@Description	Stored OCR markdown, clipped to max_bytes (default ocr_retrieval_max_bytes, ceiling ocr_text_max_bytes)
//	@Tags			invoices
//	@Produce		json
//	@Param			id			path		string	true	"Job ID"
//	@Param			max_bytes	query		int		false	"Byte cap for the returned text"
//	@Success		200			{object}	InvoiceOCRResponse
//	@Failure		400			{object}	ErrorResponse
//	@Failure		404			{object}	ErrorResponse
//	@Failure		500			{object}	ErrorResponse
//	@Router			/api/v1/invoices/{id}/ocr [get]
func (e *InvoiceOCREndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	maxBytes := 0
	if v := r.URL.Query().Get("max_bytes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid max_bytes: %q must be a positive integer", v))
			return
		}
		maxBytes = n
	}

	retrievalCap := defaultOCRRetrievalBytes
	storedCap := defaultOCRStoredBytes
	if mgr := svcctx.ConfigFrom(r.Context()); mgr != nil {
		limits := mgr.Get().Limits
		if limits.OCRRetrievalMaxBytes > 0 {
			retrievalCap = limits.OCRRetrievalMaxBytes
		}
		if limits.OCRTextMaxBytes > 0 {
			storedCap = limits.OCRTextMaxBytes
		}
	}
	if maxBytes == 0 {
		maxBytes = retrievalCap
	}
	if maxBytes > storedCap {
		maxBytes = storedCap
	}

	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	res, err := st.GetResult(r.Context(), id)
	if fault.IsNotFound(err) {
		if job, jobErr := st.GetJob(r.Context(), id); jobErr == nil {
			writeError(w, http.StatusNotFound,
				"no OCR text for job "+id+" (status "+string(job.Status)+")")
			return
		}
		writeFault(w, err)
		return
	}
	if err != nil {
		writeFault(w, err)
		return
	}

	text := ocr.Clip(res.RawOCRText, maxBytes)
	writeJSON(w, http.StatusOK, InvoiceOCRResponse{
		JobID:      res.JobID,
		OCRText:    text,
		Truncated:  len(text) < len(res.RawOCRText),
		Provider:   res.OCRProvider,
		DurationMS: res.OCRDurationMS,
		Pages:      res.OCRPages,
	})
}

func (e *InvoiceOCREndpoint) Command(getServerURL func() string) *cobra.Command {
	var maxBytes int
	var raw bool
	cmd := &cobra.Command{
		Use:   "ocr <id>",
		Short: "Get stored OCR text for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())

			path := "/api/v1/invoices/" + args[0] + "/ocr"
			if maxBytes > 0 {
				path += "?max_bytes=" + strconv.Itoa(maxBytes)
			}

			var resp InvoiceOCRResponse
			if err := client.Get(ctx, path, &resp); err != nil {
				return err
			}
			if raw {
				fmt.Print(resp.OCRText)
				return nil
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().IntVar(&maxBytes, "max-bytes", 0, "Byte cap for the returned text")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print only the markdown text")
	return cmd
}
