package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/sentinel-grab/pkg/fetch"
	"github.com/psantana5/sentinel-grab/pkg/geo"
	"github.com/psantana5/sentinel-grab/pkg/orchestrator"
)

var directCmd = &cobra.Command{
	Use:   "direct",
	Short: "Download the clearest scene for one month without the job queue",
	Long: `Search one calendar month over a bounding box, pick the scene with the lowest
cloud cover and download the bands the requested products need into
<work.root>/direct/<YYYY-MM>/. Nothing is rendered and no database is used.`,
	Example: `  sentinelgrab direct --bbox "-103.87,50.51,-102.91,50.99" --year 2025 --month 5
  sentinelgrab direct --products RGB,NDVI --cloud-max 40`,
	RunE: runDirect,
}

func init() {
	rootCmd.AddCommand(directCmd)
	directCmd.Flags().String("bbox", "", "minLon,minLat,maxLon,maxLat (default from config)")
	directCmd.Flags().Int("year", 0, "year to search (default from config)")
	directCmd.Flags().Int("month", 0, "month to search, 1-12 (default from config)")
	directCmd.Flags().Int("cloud-max", 0, "maximum cloud cover percentage (default from config)")
	directCmd.Flags().StringSlice("products", nil, "products whose bands to download (default from config)")
}

func runDirect(cmd *cobra.Command, args []string) error {
	bindFlag("direct.bbox", cmd.Flags().Lookup("bbox"))
	bindFlag("direct.year", cmd.Flags().Lookup("year"))
	bindFlag("direct.month", cmd.Flags().Lookup("month"))
	bindFlag("direct.cloud_cover_max", cmd.Flags().Lookup("cloud-max"))
	if cmd.Flags().Changed("products") {
		products, _ := cmd.Flags().GetStringSlice("products")
		v.Set("direct.products", products)
	}

	cfg, err := reloadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateDirectMode(); err != nil {
		return err
	}

	bbox, err := geo.ParseBbox(cfg.Direct.Bbox)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg, "direct")
	if err != nil {
		return err
	}
	defer logger.Close()

	client := newHTTPClient(cfg)
	downloader := orchestrator.NewDownloader(
		newCatalog(cfg, client, logger),
		fetch.NewFetcher(client, logger, nil),
		orchestrator.SettingsFromConfig(cfg),
		logger,
	)

	res, err := downloader.Run(cmd.Context(), orchestrator.DirectRequest{
		Bbox:          bbox,
		Year:          cfg.Direct.Year,
		Month:         cfg.Direct.Month,
		CloudCoverMax: cfg.Direct.CloudCoverMax,
		Products:      cfg.Direct.Products,
	})
	if err != nil {
		return err
	}

	if res.NoScenes {
		fmt.Println("No scenes found for that month/window.")
		return nil
	}
	fmt.Printf("Scene %s: %d files in %s\n", res.SceneID, len(res.Files), res.Dir)
	return nil
}
