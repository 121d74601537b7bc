package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/dealmark/internal/api"
	"github.com/kalambet/dealmark/internal/config"
	"github.com/kalambet/dealmark/internal/review"
	"github.com/kalambet/dealmark/internal/storage"
	"github.com/kalambet/dealmark/internal/storage/ghrepo"
	"github.com/kalambet/dealmark/internal/storage/jsonfile"
	"github.com/kalambet/dealmark/internal/storage/sqlite"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the dealmark server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running dealmark server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dealmark system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "dealmark.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// openBackend opens one named storage backend.
func openBackend(cfg config.Config, backend string) (storage.Store, error) {
	switch backend {
	case config.BackendJSON:
		return jsonfile.Open(cfg.Storage.DataDir)
	case config.BackendSQLite:
		return sqlite.Open(cfg.Storage.DataDir)
	case config.BackendGitHub:
		return ghrepo.Open(ghrepo.Options{
			Token:  cfg.GitHub.Token,
			Repo:   cfg.GitHub.Repo,
			Branch: cfg.GitHub.Branch,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// openStore opens the primary backend and, if configured, wraps it with a
// best-effort write mirror.
func openStore(cfg config.Config) (storage.Store, error) {
	primary, err := openBackend(cfg, cfg.Storage.Backend)
	if err != nil {
		return nil, fmt.Errorf("opening %s storage: %w", cfg.Storage.Backend, err)
	}
	if cfg.Storage.Mirror == "" {
		return primary, nil
	}

	mirror, err := openBackend(cfg, cfg.Storage.Mirror)
	if err != nil {
		primary.Close()
		return nil, fmt.Errorf("opening %s mirror: %w", cfg.Storage.Mirror, err)
	}
	slog.Info("storage mirroring enabled", "primary", cfg.Storage.Backend, "mirror", cfg.Storage.Mirror)
	return storage.NewMirrored(primary, mirror), nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "dealmark version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("dealmark is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("dealmark is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	svc := review.NewService(store, cfg.Review.TargetPerDeal)
	sessions := api.NewSessions(cfg.Auth.SessionSecret, time.Duration(cfg.Auth.SessionTTLHours)*time.Hour)

	handler := api.NewHandler(api.Deps{
		Store:         store,
		Review:        svc,
		Sessions:      sessions,
		AdminPassword: cfg.Auth.AdminPassword,
		Version:       version,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "dealmark listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("dealmark is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop dealmark (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to dealmark (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "degraded (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Backend", "%s", cfg.Storage.Backend)
	if cfg.Storage.Mirror != "" {
		printStatus("Mirror", "%s", cfg.Storage.Mirror)
	}
	if cfg.Storage.Backend == config.BackendGitHub || cfg.Storage.Mirror == config.BackendGitHub {
		printStatus("GitHub repo", "%s (%s)", cfg.GitHub.Repo, cfg.GitHub.Branch)
	}
	printStatus("Target per deal", "%d", cfg.Review.TargetPerDeal)

	// Show dataset counts if the server is up.
	if running {
		c, err := newAPIClient()
		if err == nil {
			statsResp, err := c.get(context.Background(), "/admin/stats")
			if err == nil {
				var stats review.AdminStats
				if decodeJSON(statsResp, &stats) == nil {
					printStatus("Users", "%d", stats.TotalUsers)
					printStatus("Deals", "%d", stats.TotalDeals)
					printStatus("Annotations", "%d", stats.TotalAnnotations)
					printStatus("Fully covered", "%d", stats.CompletedDeals)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
