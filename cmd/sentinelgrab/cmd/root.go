package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/sentinel-grab/pkg/config"
)

// Version is set at build time
var Version = "dev"

var (
	cfgFile      string
	outputFormat string

	v         *viper.Viper
	appConfig *config.Config
	configErr error
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "sentinelgrab",
	Short: "Sentinel-2 download and tiling worker",
	Long: `sentinelgrab claims imagery jobs from a shared queue, downloads the Sentinel-2
bands they need from the Planetary Computer catalog and drives the render scripts
that turn them into map tiles.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return configErr
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./sentinelgrab.yaml or $HOME/.sentinelgrab/sentinelgrab.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("db-type", "", "database type: postgres, sqlite or memory")
	rootCmd.PersistentFlags().String("dsn", "", "database connection string (sqlite: file path)")
	rootCmd.PersistentFlags().String("work-root", "", "directory for downloaded scenes")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	v, configErr = config.NewViper(cfgFile)
	if configErr != nil {
		return
	}

	flags := rootCmd.PersistentFlags()
	bindFlag("log.level", flags.Lookup("log-level"))
	bindFlag("database.type", flags.Lookup("db-type"))
	bindFlag("database.dsn", flags.Lookup("dsn"))
	bindFlag("work.root", flags.Lookup("work-root"))

	appConfig, configErr = config.Load(v)
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// reloadConfig decodes again after command flags were bound
func reloadConfig() (*config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	appConfig = cfg
	return cfg, nil
}
