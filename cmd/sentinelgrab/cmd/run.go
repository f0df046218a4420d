package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/psantana5/sentinel-grab/pkg/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Claim and process one queued job",
	Long: `Claim the highest-priority Queued or Failed job, download its scenes, render every
pending product and record the verdict. Exits 0 when the queue is empty.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	runID := uuid.New().String()
	logger, err := newLogger(appConfig, "worker")
	if err != nil {
		return err
	}
	defer logger.Close()
	logger = logger.WithField("run_id", runID)

	ctx := cmd.Context()
	w, err := newWorker(ctx, appConfig, logger, runID)
	if err != nil {
		logger.Error(fmt.Sprintf("Worker setup failed: %v", err))
		return err
	}
	defer w.store.Close()
	defer w.tracer.Shutdown(context.Background())

	res, err := w.processor.ProcessNext(ctx)
	pushMetrics(w, runID)
	if err != nil {
		logger.Error(err.Error())
		return err
	}

	printOutcome(res)
	return nil
}

func pushMetrics(w *worker, runID string) {
	url := appConfig.Metrics.PushgatewayURL
	if url == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.metrics.Push(ctx, url, runID); err != nil {
		w.logger.Warn(fmt.Sprintf("Failed to push metrics to %s: %v", url, err))
	}
}

func printOutcome(res *orchestrator.Result) {
	if res.Outcome == orchestrator.OutcomeNoJob {
		fmt.Println("No queued jobs.")
		return
	}
	fmt.Printf("Job %d: %s (%d/%d products succeeded, %d failed) in %s\n",
		res.JobID, res.Outcome, res.Counts.Succeeded, res.Counts.Total, res.Counts.Failed,
		res.Duration.Round(time.Second))
	if res.Err != nil {
		fmt.Printf("  error: %v\n", res.Err)
	}
}
