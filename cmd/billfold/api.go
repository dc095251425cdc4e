package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/billfold/internal/server/endpoints"
)

var serverURL string

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Commands that call the running server",
	Long: `API commands call the running Billfold server via HTTP.

These commands require a running server (billfold serve).
Use --server to specify a custom server URL.

Examples:
  billfold api health                        # Check server health
  billfold api invoices submit <pdf-url>     # Submit a PDF for extraction
  billfold api invoices status <id>          # Track a job
  billfold api invoices result <id>          # Fetch extracted fields`,
}

var invoicesCmd = &cobra.Command{
	Use:   "invoices",
	Short: "Invoice extraction commands",
}

var llmcallsCmd = &cobra.Command{
	Use:   "llmcalls",
	Short: "LLM call history commands",
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Stage timing metrics commands",
}

// getServerURL returns the server URL at runtime (after flag parsing).
func getServerURL() string {
	return serverURL
}

func init() {
	// Add --server flag to api command (persistent so all subcommands inherit it)
	apiCmd.PersistentFlags().StringVar(
		&serverURL, "server", "http://localhost:8080", "Server URL",
	)

	// Health endpoints at top level of api
	apiCmd.AddCommand((&endpoints.HealthEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.ReadyEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.StatusEndpoint{}).Command(getServerURL))

	// Invoices as subcommand group
	invoicesCmd.AddCommand((&endpoints.SubmitInvoiceEndpoint{}).Command(getServerURL))
	invoicesCmd.AddCommand((&endpoints.InvoiceStatusEndpoint{}).Command(getServerURL))
	invoicesCmd.AddCommand((&endpoints.InvoiceResultEndpoint{}).Command(getServerURL))
	invoicesCmd.AddCommand((&endpoints.InvoiceOCREndpoint{}).Command(getServerURL))

	// LLM calls as subcommand group
	llmcallsCmd.AddCommand((&endpoints.ListLLMCallsEndpoint{}).Command(getServerURL))

	// Metrics as subcommand group
	metricsCmd.AddCommand((&endpoints.ListMetricsEndpoint{}).Command(getServerURL))

	// Swagger spec export at top level
	apiCmd.AddCommand((&endpoints.SwaggerEndpoint{}).Command(getServerURL))

	apiCmd.AddCommand(invoicesCmd)
	apiCmd.AddCommand(llmcallsCmd)
	apiCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(apiCmd)
}
