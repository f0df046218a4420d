package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/psantana5/sentinel-grab/pkg/orchestrator"
	"github.com/psantana5/sentinel-grab/pkg/shutdown"
	"github.com/psantana5/sentinel-grab/pkg/store"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Keep claiming jobs until stopped",
	Long: `Process jobs back to back, sleeping --poll-interval whenever the queue is empty.
SIGINT or SIGTERM stops claiming new jobs; a job already running is finished first.
Serves /health and /metrics on metrics.listen_addr.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().Duration("poll-interval", 0, "wait between polls of an empty queue (default from config)")
	daemonCmd.Flags().String("listen", "", "address for /health and /metrics (default from config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	bindFlag("daemon.poll_interval", cmd.Flags().Lookup("poll-interval"))
	bindFlag("metrics.listen_addr", cmd.Flags().Lookup("listen"))
	cfg, err := reloadConfig()
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	logger, err := newLogger(cfg, "daemon")
	if err != nil {
		return err
	}
	logger = logger.WithField("run_id", runID)

	ctx := context.Background()
	w, err := newWorker(ctx, cfg, logger, runID)
	if err != nil {
		logger.Error(fmt.Sprintf("Worker setup failed: %v", err))
		return err
	}

	mgr := shutdown.New(30*time.Second, logger)
	mgr.Register("logger", func(context.Context) error { return logger.Close() })
	mgr.Register("store", shutdown.CloseResource(w.store))
	mgr.Register("tracer", w.tracer.Shutdown)

	if addr := cfg.Metrics.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:         addr,
			Handler:      newDaemonRouter(w),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		mgr.Register("metrics server", shutdown.StopHTTPServer(srv))
		go func() {
			logger.Info(fmt.Sprintf("Metrics server listening on %s", addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error(fmt.Sprintf("Metrics server error: %v", err))
			}
		}()
	}

	sigCtx, stop := mgr.NotifyContext(ctx)
	defer stop()

	pollLoop(sigCtx, w, cfg.Daemon.PollInterval)

	logger.Info("Shutting down gracefully...")
	return mgr.Shutdown()
}

// pollLoop claims the next job right after a success. An empty queue, a
// failed job or a store error waits interval, since failed jobs stay
// claimable and would otherwise be picked up again at once.
func pollLoop(ctx context.Context, w *worker, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	w.logger.Info(fmt.Sprintf("Polling for jobs every %s", interval))

	for ctx.Err() == nil {
		if w.logRotateBytes > 0 {
			if err := w.logger.RotateIfNeeded(w.logRotateBytes); err != nil {
				w.logger.Warn(fmt.Sprintf("Log rotation failed: %v", err))
			}
		}

		res, err := w.processor.ProcessNext(ctx)
		if err != nil {
			w.logger.Error(err.Error())
		}
		if err == nil && res.Outcome == orchestrator.OutcomeSucceeded {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
	}
}

func newDaemonRouter(w *worker) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", w.metrics.Handler()).Methods("GET")
	router.HandleFunc("/health", healthHandler(w.store)).Methods("GET")
	return router
}

func healthHandler(st store.Store) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		body := map[string]string{}
		if err := st.HealthCheck(ctx); err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
			body["error"] = err.Error()
		}
		body["status"] = status

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(code)
		json.NewEncoder(rw).Encode(body)
	}
}
