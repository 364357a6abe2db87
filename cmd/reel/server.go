package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kalambet/reel/internal/api"
	"github.com/kalambet/reel/internal/config"
	"github.com/kalambet/reel/internal/content"
	"github.com/kalambet/reel/internal/jobs"
	"github.com/kalambet/reel/internal/logging"
	"github.com/kalambet/reel/internal/reconcile"
	"github.com/kalambet/reel/internal/remote"
	"github.com/kalambet/reel/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the reel server and reconciliation loop (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running reel server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show reel server status and job counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "reel.pid")
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

func openStore(ctx context.Context, cfg config.Config) (storage.Repository, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return storage.OpenPostgres(ctx, cfg.Storage.DatabaseURL)
	default:
		return storage.Open(cfg.Storage.DataDir)
	}
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "reel version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}

	// Refuse to start twice against the same data dir and port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("reel is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("reel is already running on %s", cfg.Addr())
		return fmt.Errorf("server already running on %s", cfg.Addr())
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing storage")
		}
	}()
	logger.Info().Str("driver", cfg.Storage.Driver).Msg("storage ready")

	remoteClient := remote.NewClient(remote.Options{
		APIKey:      cfg.Remote.APIKey,
		BaseURL:     cfg.Remote.BaseURL,
		Model:       cfg.Remote.Model,
		BetaHeader:  cfg.Remote.BetaHeader,
		CallTimeout: cfg.Remote.CallTimeout,
		MaxAttempts: cfg.Remote.MaxAttempts,
		Logger:      logger.With().Str("component", "remote").Logger(),
	})
	service := jobs.NewService(store, remoteClient, logger.With().Str("component", "jobs").Logger())
	proxy := content.NewProxy(store, remoteClient, logger.With().Str("component", "content").Logger())

	reconciler := reconcile.New(store, remoteClient, reconcile.Options{
		Interval:    cfg.Reconcile.Interval,
		Concurrency: cfg.Reconcile.Concurrency,
		Logger:      logger.With().Str("component", "reconcile").Logger(),
	})
	if err := reconciler.Start(ctx); err != nil {
		return fmt.Errorf("starting reconciler: %w", err)
	}
	defer reconciler.Stop()

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: api.NewHandler(api.Deps{
			Jobs:        service,
			Content:     proxy,
			Logger:      logger.With().Str("component", "http").Logger(),
			CORSOrigins: api.SplitOrigins(cfg.Server.CORSOrigins),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if withMCP {
		startMCP(ctx, service, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("reel listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Content streams may be long; give them a bounded grace period.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func startMCP(ctx context.Context, service api.JobService, logger zerolog.Logger) {
	mcpSrv := api.NewMCPServer(api.MCPDeps{Jobs: service, Version: version})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("MCP stdio server error")
		}
	}()
	logger.Info().Msg("MCP server started (stdio transport)")
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
		printError("reel is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop reel (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to reel (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{baseURL: serverURL(cfg), httpClient: &http.Client{Timeout: 2 * time.Second}}
	running := reportStatus(ctx, client)

	printStatus("Remote", "%s (model %s)", cfg.Remote.BaseURL, cfg.Remote.Model)
	if cfg.Remote.APIKey == "" {
		printWarning("no API key configured; set REEL_REMOTE_API_KEY")
	}
	printStatus("Storage", "%s", cfg.Storage.Driver)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Reconcile", "every %s, %d in flight", cfg.Reconcile.Interval, cfg.Reconcile.Concurrency)
	if !running {
		printStep("Run `reel start` to launch the server")
	}
	return nil
}

// reportStatus prints server health and per-status job counts and reports
// whether the server answered.
func reportStatus(ctx context.Context, client *apiClient) bool {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return false
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return false
	}
	printStatus("Server", "running at %s", client.baseURL)

	list, err := fetchJobs(ctx, client)
	if err != nil {
		printWarning("could not list jobs: %v", err)
		return true
	}
	counts := map[string]int{}
	for _, j := range list {
		counts[string(j.Status)]++
	}
	printStatus("Jobs", "%d total", len(list))
	for _, s := range []string{"queued", "in_progress", "completed", "failed", "cancelled"} {
		if counts[s] > 0 {
			printStatus("  "+s, "%d", counts[s])
		}
	}
	return true
}
