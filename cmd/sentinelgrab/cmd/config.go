package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/sentinel-grab/pkg/hardware"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration inspection",
	Long:  `Commands for inspecting the effective configuration and the host it runs on.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after defaults, the config file and SENTINELGRAB_*
environment overrides have been applied. The database DSN is masked.`,
	RunE: runConfigShow,
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and probe the host",
	RunE:  runConfigCheck,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configCheckCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	shown := *appConfig
	if shown.Database.DSN != "" {
		shown.Database.DSN = "********"
	}

	if IsJSONOutput() {
		return printJSON(shown)
	}
	out, err := yaml.Marshal(shown)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	if used := v.ConfigFileUsed(); used != "" {
		fmt.Printf("# from %s\n", used)
	}
	fmt.Print(string(out))
	return nil
}

type configReport struct {
	JobMode    string             `json:"job_mode" yaml:"job_mode"`
	DirectMode string             `json:"direct_mode" yaml:"direct_mode"`
	Processes  int                `json:"processes" yaml:"processes"`
	Host       *hardware.Snapshot `json:"host,omitempty" yaml:"host,omitempty"`
}

func runConfigCheck(cmd *cobra.Command, args []string) error {
	report := configReport{
		JobMode:    validationResult(appConfig.ValidateJobMode()),
		DirectMode: validationResult(appConfig.ValidateDirectMode()),
		Processes:  hardware.ResolveProcesses(appConfig.Render.Processes),
	}

	snap, err := hardware.Probe(appConfig.Work.Root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to probe host: %v\n", err)
	} else {
		report.Host = snap
	}

	if IsJSONOutput() {
		return printJSON(report)
	}
	out, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	fmt.Print(string(out))

	return appConfig.ValidateJobMode()
}

func validationResult(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}
