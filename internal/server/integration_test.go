package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackzampolin/billfold/internal/config"
	"github.com/jackzampolin/billfold/internal/postgres"
	"github.com/jackzampolin/billfold/internal/server/endpoints"
	"github.com/jackzampolin/billfold/internal/testutil"
)

// startTestPostgres brings up a throwaway database container and returns its
// connection string.
func startTestPostgres(t *testing.T, ctx context.Context, cfg testutil.PostgresTestConfig) string {
	t.Helper()

	mgr, err := postgres.NewDockerManager(postgres.DockerConfig{
		ContainerName: cfg.ContainerName,
		HostPort:      cfg.HostPort,
		Labels:        cfg.Labels,
	})
	if err != nil {
		t.Fatalf("NewDockerManager() error = %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("failed to start postgres: %v", err)
	}
	return mgr.DSN()
}

// writeTestConfig writes a config file wired to the test database with dummy
// provider keys. The providers are registered but never invoked because no
// jobs are submitted against real documents.
func writeTestConfig(t *testing.T, path, storeURL string) *config.Manager {
	t.Helper()

	content := fmt.Sprintf(`ocr_providers:
  mistral:
    type: mistral-ocr
    api_key: test-ocr-key
    enabled: true
llm_providers:
  openai:
    type: openai
    model: gpt-4o-2024-08-06
    api_key: test-llm-key
    enabled: true
defaults:
  ocr_provider: mistral
  llm_provider: openai
  max_workers: 4
store:
  url: %s
allowed_pdf_hosts:
  - pdfs.example.com
`, storeURL)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	mgr, err := config.NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return mgr
}

func TestServer_FullLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg := testutil.NewServerConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	storeURL := startTestPostgres(t, ctx, cfg.PostgresConfig)
	configMgr := writeTestConfig(t, cfg.ConfigFile, storeURL)

	srv, err := New(Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		ConfigManager: configMgr,
		Logger:        cfg.Logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Start server in background
	serverErr := make(chan error, 1)
	serverCtx, serverCancel := context.WithCancel(ctx)

	go func() {
		serverErr <- srv.Start(serverCtx)
	}()

	// Wait for server to be ready
	if err := testutil.WaitForServer(cfg.URL(), 60*time.Second); err != nil {
		serverCancel()
		t.Fatalf("server did not start: %v", err)
	}

	t.Run("health_endpoint", func(t *testing.T) {
		resp, err := http.Get(cfg.URL() + "/health")
		if err != nil {
			t.Fatalf("health check failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
		}

		var health endpoints.HealthResponse
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}

		if health.Status != "ok" {
			t.Errorf("health.Status = %q, want %q", health.Status, "ok")
		}
	})

	t.Run("ready_endpoint", func(t *testing.T) {
		resp, err := http.Get(cfg.URL() + "/ready")
		if err != nil {
			t.Fatalf("ready check failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("ready status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("status_endpoint", func(t *testing.T) {
		status, err := testutil.GetStatus(cfg.URL())
		if err != nil {
			t.Fatalf("status check failed: %v", err)
		}

		if status.Server != "running" {
			t.Errorf("status.Server = %q, want %q", status.Server, "running")
		}
		if status.Workers.Max != 4 {
			t.Errorf("status.Workers.Max = %d, want %d", status.Workers.Max, 4)
		}
		if len(status.Providers.OCR) != 1 || status.Providers.OCR[0] != "mistral" {
			t.Errorf("status.Providers.OCR = %v, want [mistral]", status.Providers.OCR)
		}
		if len(status.Providers.LLM) != 1 || status.Providers.LLM[0] != "openai" {
			t.Errorf("status.Providers.LLM = %v, want [openai]", status.Providers.LLM)
		}
	})

	t.Run("submit_validates_host", func(t *testing.T) {
		body := `{"pdf_url":"https://evil.example.org/invoice.pdf"}`
		resp, err := http.Post(cfg.URL()+"/api/v1/invoices", "application/json",
			strings.NewReader(body))
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("submit status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
	})

	t.Run("swagger_doc", func(t *testing.T) {
		resp, err := http.Get(cfg.URL() + "/swagger/doc.json")
		if err != nil {
			t.Fatalf("swagger fetch failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("swagger status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("is_running", func(t *testing.T) {
		if !srv.IsRunning() {
			t.Error("IsRunning() = false, want true")
		}
	})

	// Shutdown server
	serverCancel()

	// Wait for server to stop
	select {
	case err := <-serverErr:
		if err != nil {
			t.Logf("server returned error (expected during shutdown): %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("server did not shut down within timeout")
	}

	t.Run("not_running_after_shutdown", func(t *testing.T) {
		if srv.IsRunning() {
			t.Error("IsRunning() = true after shutdown, want false")
		}
	})
}

func TestServer_ContextCancellation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg := testutil.NewServerConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	storeURL := startTestPostgres(t, ctx, cfg.PostgresConfig)
	configMgr := writeTestConfig(t, cfg.ConfigFile, storeURL)

	srv, err := New(Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		ConfigManager: configMgr,
		Logger:        cfg.Logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	serverErr := make(chan error, 1)
	serverCtx, serverCancel := context.WithCancel(ctx)

	go func() {
		serverErr <- srv.Start(serverCtx)
	}()

	if err := testutil.WaitForServer(cfg.URL(), 60*time.Second); err != nil {
		serverCancel()
		t.Fatalf("server did not start: %v", err)
	}

	// Cancel context immediately
	serverCancel()

	// Server should shut down gracefully
	select {
	case <-serverErr:
		// Expected
	case <-time.After(30 * time.Second):
		t.Fatal("server did not respond to context cancellation")
	}
}

func TestServer_DoubleStart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg := testutil.NewServerConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	storeURL := startTestPostgres(t, ctx, cfg.PostgresConfig)
	configMgr := writeTestConfig(t, cfg.ConfigFile, storeURL)

	srv, err := New(Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		ConfigManager: configMgr,
		Logger:        cfg.Logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(serverCtx)
	}()

	if err := testutil.WaitForServer(cfg.URL(), 60*time.Second); err != nil {
		t.Fatalf("server did not start: %v", err)
	}

	// Try to start again - should fail
	if err := srv.Start(ctx); err == nil {
		t.Error("second Start() should return error")
	}

	serverCancel()
	if err := testutil.WaitForShutdown(serverErr, 30*time.Second); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
