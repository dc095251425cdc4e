package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/billfold/internal/config"
	"github.com/jackzampolin/billfold/internal/home"
	"github.com/jackzampolin/billfold/internal/postgres"
	"github.com/jackzampolin/billfold/internal/store"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the local Postgres container",
	Long: `Manage the local Postgres container lifecycle.

Postgres is the job store: submitted invoices, extraction results, LLM
call history, and stage metrics all live there. The dev database runs in
a Docker container with data persisted to ~/.billfold/data/postgres/.

The server does not manage this container; start it before 'billfold serve'
or point store.url at an external database instead.

Examples:
  billfold db start   # Start the Postgres container
  billfold db stop    # Stop the container (data preserved)
  billfold db status  # Check container status
  billfold db logs    # View container logs`,
}

var dbStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Postgres container",
	Long: `Start the Postgres container.

If the container doesn't exist, it will be created and started.
If it exists but is stopped, it will be started.
If it's already running, this is a no-op.

Data is persisted to ~/.billfold/data/postgres/.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		if err := mgr.ValidateExisting(ctx); err != nil {
			return fmt.Errorf("existing container incompatible: %w", err)
		}

		fmt.Println("Starting Postgres...")
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("failed to start Postgres: %w", err)
		}

		fmt.Println("Postgres is running")
		return nil
	},
}

var dbStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the Postgres container",
	Long: `Stop the Postgres container.

This stops the container but preserves data. Use 'billfold db start'
to restart it later.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Stopping Postgres...")
		if err := mgr.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop Postgres: %w", err)
		}

		fmt.Println("Postgres stopped")
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Postgres container status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		status, err := mgr.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}

		switch status {
		case postgres.StatusRunning:
			fmt.Printf("Status: %s\n", status)

			// Try a connection
			st, err := store.Open(store.Config{URL: mgr.DSN()})
			if err != nil {
				fmt.Printf("Health: unhealthy (%v)\n", err)
				return nil
			}
			defer st.Close()
			if err := st.Ping(ctx); err != nil {
				fmt.Println("Health: unhealthy (connection refused)")
			} else {
				fmt.Println("Health: healthy")
			}
		case postgres.StatusStopped:
			fmt.Printf("Status: %s (use 'billfold db start' to start)\n", status)
		case postgres.StatusNotFound:
			fmt.Printf("Status: %s (use 'billfold db start' to create)\n", status)
		default:
			fmt.Printf("Status: %s\n", status)
		}

		return nil
	},
}

var dbLogsTail string

var dbLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show Postgres container logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		logs, err := mgr.Logs(ctx, dbLogsTail)
		if err != nil {
			return fmt.Errorf("failed to get logs: %w", err)
		}

		fmt.Print(logs)
		return nil
	},
}

var dbRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the Postgres container",
	Long: `Remove the Postgres container.

This stops and removes the container. Data in ~/.billfold/data/postgres/
is NOT deleted - only the container is removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Removing Postgres container...")
		if err := mgr.Remove(ctx); err != nil {
			return fmt.Errorf("failed to remove container: %w", err)
		}

		fmt.Println("Postgres container removed (data preserved)")
		return nil
	},
}

var dbWaitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for Postgres to be ready",
	Long: `Wait for Postgres to be ready to accept connections.

This is useful in scripts to ensure the database is fully started
before running other commands.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		fmt.Printf("Waiting for Postgres (timeout: %s)...\n", timeout)

		if err := mgr.WaitReady(ctx, timeout); err != nil {
			return fmt.Errorf("Postgres not ready: %w", err)
		}

		fmt.Println("Postgres is ready")
		return nil
	},
}

func init() {
	// Add subcommands
	dbCmd.AddCommand(dbStartCmd)
	dbCmd.AddCommand(dbStopCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbLogsCmd)
	dbCmd.AddCommand(dbRemoveCmd)
	dbCmd.AddCommand(dbWaitCmd)

	// Logs flags
	dbLogsCmd.Flags().StringVar(&dbLogsTail, "tail", "100", "Number of lines to show from the end")

	// Wait flags
	dbWaitCmd.Flags().Duration("timeout", 30*time.Second, "Timeout waiting for Postgres")

	// Add to root
	rootCmd.AddCommand(dbCmd)
}

// getHome returns the home directory manager.
func getHome() (*home.Dir, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}
	return h, nil
}

// getDockerManager creates a DockerManager from the postgres config section.
func getDockerManager() (*postgres.DockerManager, error) {
	h, err := getHome()
	if err != nil {
		return nil, err
	}

	dataPath := h.PostgresDataPath()
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	configPath := cfgFile
	if configPath == "" && h.ConfigExists() {
		configPath = h.ConfigPath()
	}
	configMgr, err := config.NewManager(configPath)
	if err != nil {
		return nil, err
	}
	pcfg := configMgr.Get().Postgres

	return postgres.NewDockerManager(postgres.DockerConfig{
		ContainerName: pcfg.ContainerName,
		Image:         pcfg.Image,
		DataPath:      dataPath,
		HostPort:      pcfg.Port,
		User:          pcfg.User,
		Password:      pcfg.Password,
		Database:      pcfg.Database,
	})
}
