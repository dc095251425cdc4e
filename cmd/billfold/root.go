package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/billfold/internal/api"
	"github.com/jackzampolin/billfold/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "billfold",
	Short: "Invoice field extraction service with OCR and LLM-powered parsing",
	Long: `Billfold extracts structured fields from PDF invoices.

Submit a PDF URL and the service runs it through an asynchronous pipeline:
  - OCR converts the document to markdown text
  - An LLM classifies the invoice type (general, insurance, utility, tax)
  - A type-specific schema drives structured field extraction
  - Results, per-call LLM history, and stage timings persist to Postgres`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.billfold/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "billfold home directory (default: ~/.billfold)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}
