package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/billfold/internal/config"
	"github.com/jackzampolin/billfold/internal/home"
	"github.com/jackzampolin/billfold/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Billfold server",
	Long: `Start the Billfold HTTP server and extraction pipeline.

The server connects to the Postgres job store, runs pending migrations,
and starts the worker pool that drives submitted invoices through OCR
and LLM extraction. Use 'billfold db start' first if you are running
the local dev database.

The server provides:
  /health                     - Basic server health check
  /ready                      - Readiness check (includes store status)
  /api/v1/invoices            - Submit and track extraction jobs
  /swagger                    - Interactive API documentation

Examples:
  billfold serve                    # Start on default port 8080
  billfold serve --port 3000        # Start on custom port
  billfold serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// Set up logger
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

		// Get home directory
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		// Load configuration, preferring an explicit --config over the home
		// directory file.
		configPath := cfgFile
		if configPath == "" && h.ConfigExists() {
			configPath = h.ConfigPath()
		}
		configMgr, err := config.NewManager(configPath)
		if err != nil {
			return err
		}
		configMgr.WatchConfig()

		if err := configMgr.Get().Validate(); err != nil {
			return err
		}

		port := servePort
		if port == "" {
			port = configMgr.Get().Server.Port
		}

		// Create server
		srv, err := server.New(server.Config{
			Host:          serveHost,
			Port:          port,
			ConfigManager: configMgr,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (default: from config)")

	rootCmd.AddCommand(serveCmd)
}
