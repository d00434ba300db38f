package main

import (
	"context"
	"errors"
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

	"github.com/pinchen147/twitter-persona-agents/internal/api"
	"github.com/pinchen147/twitter-persona-agents/internal/config"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bot in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running bot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler, emergency stop and account status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "persona.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "persona version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	apiToken, err := cfg.EnsureAPIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available", "path", cfg.TokenPath())

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("persona is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("persona is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if len(a.accounts.IDs()) == 0 {
		printWarning("no accounts found in %s", cfg.Accounts.Dir)
	}
	if !cfg.Publish.PostEnabled {
		printWarning("publishing disabled, posts are simulated (publish.post_enabled=false)")
	}

	go func() {
		if err := a.accounts.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("account watcher stopped", "error", err)
		}
	}()
	go a.worker.Run(ctx)

	if cfg.Scheduler.Enabled {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
	} else {
		printWarning("scheduler disabled (scheduler.enabled=false)")
	}

	handler := api.NewHandler(api.Deps{
		Token:     apiToken,
		Scheduler: a.scheduler,
		Stop:      a.stop,
		Accounts:  a.accounts,
		Previewer: a.runner,
		Searcher:  a.retrieval,
		Records:   a.store,
		Version:   version,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "persona listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	// An in-flight post is allowed to finish; its external calls are bounded.
	return a.shutdown(2 * time.Minute)
}

func stopServer() error {
	cfg, err := loadConfig()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("persona is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop persona (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to persona (PID %d)", pid)
	return nil
}

type statusView struct {
	Scheduler struct {
		State    string        `json:"state"`
		Interval time.Duration `json:"interval"`
		NextRun  time.Time     `json:"next_run"`
		Jobs     []struct {
			ID         string    `json:"id"`
			Kind       string    `json:"kind"`
			AccountIDs []string  `json:"account_ids"`
			RunAt      time.Time `json:"run_at"`
		} `json:"jobs"`
	} `json:"scheduler"`
	EmergencyStop struct {
		Engaged bool      `json:"engaged"`
		Reason  string    `json:"reason"`
		Since   time.Time `json:"since"`
	} `json:"emergency_stop"`
	Accounts []string `json:"accounts"`
}

func showStatus(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		printStatus("Server", "stopped")
		printConfigSummary(cfg)
		return nil
	}

	resp, err := client.get(ctx, "/status")
	if err != nil {
		printStatus("Server", "stopped")
		printConfigSummary(cfg)
		return nil
	}
	var st statusView
	if err := decodeJSON(resp, &st); err != nil {
		printStatus("Server", "error (%v)", err)
		return nil
	}

	printStatus("Server", "running on port %d", cfg.Server.Port)
	printStatus("Scheduler", "%s", stateLabel(st.Scheduler.State))
	printStatus("Interval", "%s", st.Scheduler.Interval)
	if !st.Scheduler.NextRun.IsZero() {
		printStatus("Next run", "%s (in %s)", st.Scheduler.NextRun.Local().Format(time.RFC3339),
			time.Until(st.Scheduler.NextRun).Round(time.Second))
	}
	if st.EmergencyStop.Engaged {
		printStatus("Emergency stop", "%s", colorize(colorRed, "ENGAGED: "+st.EmergencyStop.Reason))
	} else {
		printStatus("Emergency stop", "released")
	}
	printStatus("Accounts", "%s", strings.Join(st.Accounts, ", "))
	for _, j := range st.Scheduler.Jobs {
		fmt.Fprintf(os.Stderr, "    %s  %-12s %s  %s\n",
			colorize(colorCyan, j.RunAt.Local().Format(time.Kitchen)), j.Kind,
			strings.Join(j.AccountIDs, ","), j.ID)
	}
	printConfigSummary(cfg)
	return nil
}

func printConfigSummary(cfg config.Config) {
	printStatus("Model", "%s (shortening: %s)", cfg.LLM.Model, cfg.LLM.ShorteningModel)
	printStatus("Embeddings", "%s %s", cfg.Embedding.Provider, cfg.Embedding.Model)
	printStatus("Publishing", "%s", onOff(cfg.Publish.PostEnabled))
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
}

func stateLabel(state string) string {
	switch state {
	case "running":
		return colorize(colorGreen, state)
	case "paused":
		return colorize(colorYellow, state)
	default:
		return colorize(colorRed, state)
	}
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled (simulated)"
}
