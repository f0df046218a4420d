package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/sentinel-grab/pkg/geo"
	"github.com/psantana5/sentinel-grab/pkg/models"
	"github.com/psantana5/sentinel-grab/pkg/store"
)

var (
	// Job list flags
	listStatus string
	listLimit  int

	// Job submit flags
	submitBbox      string
	submitDateKey   string
	submitFrom      string
	submitTo        string
	submitCloudMax  int
	submitPriority  int
	submitMosaic    bool
	submitMaxScenes int
	submitZoomMin   int
	submitZoomMax   int
	submitSceneID   string
	submitOutRoot   string
	submitProducts  []string
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and queue jobs",
	Long:  `Commands for listing, inspecting and submitting jobs in the shared queue.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job with its products and layers",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a new job",
	Long: `Queue a job for an area and time window. Give the window either as --date-key
(YYYY-MM, YYYY-MM-DD or YYYYMMDD) or as --from/--to. Without --products the worker
renders RGB.`,
	Example: `  sentinelgrab jobs submit --bbox "-103.8,50.5,-102.9,51.0" --date-key 2025-05 --products RGB,NDVI`,
	RunE:    runJobsSubmit,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)

	jobsListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (Queued, Running, Succeeded, Failed)")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of jobs")

	jobsSubmitCmd.Flags().StringVar(&submitBbox, "bbox", "", "minLon,minLat,maxLon,maxLat (required)")
	jobsSubmitCmd.Flags().StringVar(&submitDateKey, "date-key", "", "date key: YYYY-MM, YYYY-MM-DD or YYYYMMDD")
	jobsSubmitCmd.Flags().StringVar(&submitFrom, "from", "", "explicit start date (YYYY-MM-DD)")
	jobsSubmitCmd.Flags().StringVar(&submitTo, "to", "", "explicit end date (YYYY-MM-DD)")
	jobsSubmitCmd.Flags().IntVar(&submitCloudMax, "cloud-max", -1, "maximum cloud cover percentage (default from worker config)")
	jobsSubmitCmd.Flags().IntVar(&submitPriority, "priority", 0, "higher is claimed first")
	jobsSubmitCmd.Flags().BoolVar(&submitMosaic, "mosaic", false, "prefer a mosaic of several scenes")
	jobsSubmitCmd.Flags().IntVar(&submitMaxScenes, "max-scenes", 0, "scenes to mosaic when --mosaic is set")
	jobsSubmitCmd.Flags().IntVar(&submitZoomMin, "zoom-min", -1, "minimum tile zoom (default from worker config)")
	jobsSubmitCmd.Flags().IntVar(&submitZoomMax, "zoom-max", -1, "maximum tile zoom (default from worker config)")
	jobsSubmitCmd.Flags().StringVar(&submitSceneID, "scene-id", "", "use this catalog item instead of searching")
	jobsSubmitCmd.Flags().StringVar(&submitOutRoot, "output-root", "", "override the worker's output root")
	jobsSubmitCmd.Flags().StringSliceVar(&submitProducts, "products", nil, "products to render (RGB, NDVI, NDMI, NDRE)")
	jobsSubmitCmd.MarkFlagRequired("bbox")
}

func withStore(fn func(ctx context.Context, st store.Store) error) error {
	st, err := openStore(appConfig)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(context.Background(), st)
}

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	var status models.JobStatus
	if listStatus != "" {
		s, err := models.ParseStatus(listStatus)
		if err != nil {
			return err
		}
		status = s
	}

	return withStore(func(ctx context.Context, st store.Store) error {
		jobs, err := st.ListJobs(ctx, status, listLimit)
		if err != nil {
			return err
		}

		if IsJSONOutput() {
			return printJSON(jobs)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Status", "Priority", "Window", "Bbox", "Created", "Finished")
		for _, job := range jobs {
			table.Append(
				strconv.FormatInt(job.ID, 10),
				string(job.Status),
				strconv.Itoa(job.EffectivePriority()),
				describeWindow(job),
				describeBbox(job),
				job.CreatedAt.Format("2006-01-02 15:04"),
				formatTime(job.FinishedAt),
			)
		}
		table.Render()
		fmt.Printf("\nTotal jobs: %d\n", len(jobs))
		return nil
	})
}

type jobDetail struct {
	Job      *models.Job              `json:"job"`
	Products []*models.JobProduct     `json:"products"`
	Layers   []*models.AvailableLayer `json:"layers,omitempty"`
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job id %q", args[0])
	}

	return withStore(func(ctx context.Context, st store.Store) error {
		job, err := st.GetJob(ctx, id)
		if err != nil {
			return err
		}
		products, err := st.ListProducts(ctx, id)
		if err != nil {
			return err
		}
		layers, err := collectLayers(ctx, st, products)
		if err != nil {
			return err
		}
		detail := jobDetail{Job: job, Products: products, Layers: layers}

		if IsJSONOutput() {
			return printJSON(detail)
		}

		fmt.Printf("Job %d  %s  priority %d\n", job.ID, job.Status, job.EffectivePriority())
		fmt.Printf("  Window:   %s\n", describeWindow(job))
		fmt.Printf("  Bbox:     %s\n", describeBbox(job))
		if job.SceneID != "" {
			fmt.Printf("  Scene:    %s\n", job.SceneID)
		}
		fmt.Printf("  Created:  %s\n", job.CreatedAt.Format(time.RFC3339))
		fmt.Printf("  Started:  %s\n", formatTime(job.StartedAt))
		fmt.Printf("  Finished: %s\n", formatTime(job.FinishedAt))
		fmt.Printf("  Took:     %s\n\n", describeRunTime(job))

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Product", "Status", "Sub Path", "Output", "Last Error")
		for _, p := range products {
			output := "-"
			for _, l := range detail.Layers {
				if l.JobProductID == p.ID {
					output = l.OutputDir
				}
			}
			table.Append(p.ProductCode, string(p.Status), p.OutputSubPath, output, orDash(p.LastError))
		}
		table.Render()
		return nil
	})
}

// collectLayers returns the registered layer of each product that has one
func collectLayers(ctx context.Context, st store.Store, products []*models.JobProduct) ([]*models.AvailableLayer, error) {
	var layers []*models.AvailableLayer
	for _, p := range products {
		layer, err := st.GetLayer(ctx, p.ID)
		if errors.Is(err, store.ErrLayerNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load layer for product %d: %w", p.ID, err)
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	job, err := buildSubmittedJob()
	if err != nil {
		return err
	}

	return withStore(func(ctx context.Context, st store.Store) error {
		if err := st.CreateJob(ctx, job); err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}
		for _, code := range submitProducts {
			code = strings.ToUpper(strings.TrimSpace(code))
			product := &models.JobProduct{JobID: job.ID, ProductCode: code, OutputSubPath: strings.ToLower(code)}
			if err := st.CreateProduct(ctx, product); err != nil {
				return fmt.Errorf("failed to create product %s: %w", code, err)
			}
		}

		if IsJSONOutput() {
			return printJSON(job)
		}
		fmt.Printf("Queued job %d\n", job.ID)
		return nil
	})
}

// buildSubmittedJob validates the flags the same way the worker will resolve them
func buildSubmittedJob() (*models.Job, error) {
	job := &models.Job{
		BboxStr:        submitBbox,
		DateKey:        submitDateKey,
		PreferMosaic:   submitMosaic,
		SceneID:        submitSceneID,
		OutputRootPath: submitOutRoot,
		Status:         models.JobStatusQueued,
	}
	if submitPriority != 0 {
		job.Priority = &submitPriority
	}
	if submitCloudMax >= 0 {
		job.CloudCoverMax = &submitCloudMax
	}
	if submitMaxScenes > 0 {
		job.MaxScenes = &submitMaxScenes
	}
	if submitZoomMin >= 0 {
		job.ZoomMin = &submitZoomMin
	}
	if submitZoomMax >= 0 {
		job.ZoomMax = &submitZoomMax
	}

	if submitFrom != "" || submitTo != "" {
		from, err := time.Parse(geo.KeyLayout, submitFrom)
		if err != nil {
			return nil, models.NewConfigError("from", "invalid date %q", submitFrom)
		}
		to, err := time.Parse(geo.KeyLayout, submitTo)
		if err != nil {
			return nil, models.NewConfigError("to", "invalid date %q", submitTo)
		}
		job.DateFrom, job.DateTo = &from, &to
	}

	if _, err := geo.ResolveBbox(job); err != nil {
		return nil, err
	}
	if _, err := geo.ResolveDateRange(job); err != nil {
		return nil, err
	}
	return job, nil
}

func describeWindow(job *models.Job) string {
	if job.DateFrom != nil && job.DateTo != nil {
		return job.DateFrom.Format(geo.KeyLayout) + "/" + job.DateTo.Format(geo.KeyLayout)
	}
	return orDash(job.DateKey)
}

func describeBbox(job *models.Job) string {
	if bbox, err := geo.ResolveBbox(job); err == nil {
		return bbox.String()
	}
	return orDash(job.BboxStr)
}

// describeRunTime is the duration of the last attempt, once it has ended
func describeRunTime(job *models.Job) string {
	if !models.IsTerminalState(job.Status) || job.StartedAt == nil || job.FinishedAt == nil {
		return "-"
	}
	return job.FinishedAt.Sub(*job.StartedAt).Round(time.Second).String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
