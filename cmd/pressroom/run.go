package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pressroom/pkg/config"
	"pressroom/pkg/eventlog"
	"pressroom/pkg/intake"
	"pressroom/pkg/logx"
	"pressroom/pkg/loop"
	"pressroom/pkg/metrics"
	"pressroom/pkg/persistence"
)

var runOnce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestration loop until the sprint closes",
	Long: `Run starts the orchestration loop: intake scanning, readiness gating,
task dispatch, signal processing, and escalation handling. The loop exits
cleanly when every work item reaches a terminal state, or on SIGINT/SIGTERM.

A health and metrics endpoint is served on the configured metrics address
(/healthz and /metrics).`,
	RunE: runLoop,
}

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Execute a single tick and exit")
}

func runLoop(cmd *cobra.Command, args []string) error {
	dir, err := resolveProjectDir()
	if err != nil {
		return fmt.Errorf("resolve project directory: %w", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logx.InitializeLogFile(cfg.LogDir, true); err != nil {
		return fmt.Errorf("initialize log file: %w", err)
	}
	defer func() { _ = logx.CloseLogFile() }()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	feed, err := intake.New(store, cfg.IntakeDir)
	if err != nil {
		return fmt.Errorf("initialize intake: %w", err)
	}

	events, err := eventlog.NewWriter(cfg.EventLogDir)
	if err != nil {
		return fmt.Errorf("initialize event log: %w", err)
	}
	defer func() { _ = events.Close() }()

	m := metrics.New()
	orch := loop.New(cfg, store, feed, events, m)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := serveHealth(cfg.MetricsAddr, m)
	defer shutdownHealth(srv)

	if runOnce {
		return orch.Tick(ctx)
	}
	return orch.Run(ctx)
}

// serveHealth starts the /healthz and /metrics endpoint in the background.
// Serve errors other than a clean shutdown are logged, not fatal: the loop
// is the product, the endpoint is a convenience.
func serveHealth(addr string, m *metrics.Metrics) *http.Server {
	logger := logx.NewLogger("health")

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Health endpoint listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Health endpoint failed: %v", err)
		}
	}()
	return srv
}

func shutdownHealth(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
