// Package config loads worker settings from file, environment and flags via viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/sentinel-grab/pkg/models"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "SENTINELGRAB"

// Config is the full worker configuration
type Config struct {
	Mode     string         `mapstructure:"mode" yaml:"mode"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Work     WorkConfig     `mapstructure:"work" yaml:"work"`
	Output   OutputConfig   `mapstructure:"output" yaml:"output"`
	Tools    ToolsConfig    `mapstructure:"tools" yaml:"tools"`
	Render   RenderConfig   `mapstructure:"render" yaml:"render"`
	Catalog  CatalogConfig  `mapstructure:"catalog" yaml:"catalog"`
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http"`
	Defaults JobDefaults    `mapstructure:"defaults" yaml:"defaults"`
	Direct   DirectConfig   `mapstructure:"direct" yaml:"direct"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
	Daemon   DaemonConfig   `mapstructure:"daemon" yaml:"daemon"`
}

type DatabaseConfig struct {
	Type            string        `mapstructure:"type" yaml:"type"`
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	SkipMigrations  bool          `mapstructure:"skip_migrations" yaml:"skip_migrations"`
}

type WorkConfig struct {
	Root      string  `mapstructure:"root" yaml:"root"`
	MinFreeGB float64 `mapstructure:"min_free_gb" yaml:"min_free_gb"`
}

type OutputConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// ToolsConfig points at the OSGeo/GDAL installation the scripts use
type ToolsConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// Range is an index value window used to scale index products
type Range struct {
	Min float64 `mapstructure:"min" yaml:"min"`
	Max float64 `mapstructure:"max" yaml:"max"`
}

type RenderConfig struct {
	Shell       string           `mapstructure:"shell" yaml:"shell"`
	ShellArgs   []string         `mapstructure:"shell_args" yaml:"shell_args"`
	RGBScript   string           `mapstructure:"rgb_script" yaml:"rgb_script"`
	IndexScript string           `mapstructure:"index_script" yaml:"index_script"`
	ScaleMaxRGB int              `mapstructure:"scale_max_rgb" yaml:"scale_max_rgb"`
	IndexMin    float64          `mapstructure:"index_min" yaml:"index_min"`
	IndexMax    float64          `mapstructure:"index_max" yaml:"index_max"`
	IndexRanges map[string]Range `mapstructure:"index_ranges" yaml:"index_ranges"`
	Processes   int              `mapstructure:"processes" yaml:"processes"`
	MaxLogChars int              `mapstructure:"max_log_chars" yaml:"max_log_chars"`
}

type CatalogConfig struct {
	STACURL           string  `mapstructure:"stac_url" yaml:"stac_url"`
	SASURL            string  `mapstructure:"sas_url" yaml:"sas_url"`
	Collection        string  `mapstructure:"collection" yaml:"collection"`
	SearchLimit       int     `mapstructure:"search_limit" yaml:"search_limit"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

type HTTPConfig struct {
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	DisableCompression bool          `mapstructure:"disable_compression" yaml:"disable_compression"`
	UserAgent          string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// JobDefaults fill in job fields left NULL
type JobDefaults struct {
	CloudCoverMax int `mapstructure:"cloud_cover_max" yaml:"cloud_cover_max"`
	ZoomMin       int `mapstructure:"zoom_min" yaml:"zoom_min"`
	ZoomMax       int `mapstructure:"zoom_max" yaml:"zoom_max"`
}

// DirectConfig drives the one-shot download mode
type DirectConfig struct {
	Bbox          string   `mapstructure:"bbox" yaml:"bbox"`
	Year          int      `mapstructure:"year" yaml:"year"`
	Month         int      `mapstructure:"month" yaml:"month"`
	CloudCoverMax int      `mapstructure:"cloud_cover_max" yaml:"cloud_cover_max"`
	Products      []string `mapstructure:"products" yaml:"products"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	File  bool   `mapstructure:"file" yaml:"file"`
	Dir   string `mapstructure:"dir" yaml:"dir"`
	// MaxSizeMB rotates the log file in daemon mode, 0 disables rotation
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
}

type MetricsConfig struct {
	ListenAddr     string `mapstructure:"listen_addr" yaml:"listen_addr"`
	PushgatewayURL string `mapstructure:"pushgateway_url" yaml:"pushgateway_url"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

type DaemonConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// SetDefaults registers every key so environment overrides apply to all of them
func SetDefaults(v *viper.Viper) {
	v.SetDefault("mode", "job")

	v.SetDefault("database.type", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("database.max_idle_conns", 0)
	v.SetDefault("database.conn_max_lifetime", 0)
	v.SetDefault("database.skip_migrations", false)

	v.SetDefault("work.root", filepath.Join(os.TempDir(), "sentinel-grab"))
	v.SetDefault("work.min_free_gb", 0)
	v.SetDefault("output.root", "")
	v.SetDefault("tools.root", "")

	v.SetDefault("render.shell", "pwsh")
	v.SetDefault("render.shell_args", []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File"})
	v.SetDefault("render.rgb_script", "scripts/render-rgb.ps1")
	v.SetDefault("render.index_script", "scripts/render-index.ps1")
	v.SetDefault("render.scale_max_rgb", 4000)
	v.SetDefault("render.index_min", -0.2)
	v.SetDefault("render.index_max", 0.9)
	v.SetDefault("render.index_ranges", map[string]interface{}{})
	v.SetDefault("render.processes", 1)
	v.SetDefault("render.max_log_chars", 8000)

	v.SetDefault("catalog.stac_url", "https://planetarycomputer.microsoft.com/api/stac/v1")
	v.SetDefault("catalog.sas_url", "https://planetarycomputer.microsoft.com/api/sas/v1")
	v.SetDefault("catalog.collection", "sentinel-2-l2a")
	v.SetDefault("catalog.search_limit", 100)
	v.SetDefault("catalog.requests_per_second", 5)
	v.SetDefault("catalog.burst", 5)

	v.SetDefault("http.timeout", 10*time.Minute)
	v.SetDefault("http.disable_compression", false)
	v.SetDefault("http.user_agent", "sentinel-grab")

	v.SetDefault("defaults.cloud_cover_max", 80)
	v.SetDefault("defaults.zoom_min", 8)
	v.SetDefault("defaults.zoom_max", 14)

	v.SetDefault("direct.bbox", "-103.86731513843112,50.5123611,-102.9133333,50.99259736981789")
	v.SetDefault("direct.year", 2025)
	v.SetDefault("direct.month", 5)
	v.SetDefault("direct.cloud_cover_max", 80)
	v.SetDefault("direct.products", []string{"RGB"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", false)
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", 100)

	v.SetDefault("metrics.listen_addr", ":9464")
	v.SetDefault("metrics.pushgateway_url", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.environment", "production")

	v.SetDefault("daemon.poll_interval", 30*time.Second)
}

// BindEnv wires SENTINELGRAB_* variables, including the connection string aliases
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("database.dsn", EnvPrefix+"_DATABASE_DSN", EnvPrefix+"_CONNECTION_STRING", "DATABASE_URL")
}

// Load decodes v into a Config
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &cfg, nil
}

// NewViper returns a viper with defaults and env bindings. When cfgFile is
// empty it looks for sentinelgrab.yaml in the working directory, then in
// ~/.sentinelgrab. A missing file is not an error.
func NewViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("sentinelgrab")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".sentinelgrab"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// ValidateJobMode checks what claiming and rendering jobs requires
func (c *Config) ValidateJobMode() error {
	if c.Database.Type != "memory" && strings.TrimSpace(c.Database.DSN) == "" {
		return models.NewConfigError("database.dsn", "a connection string is required (set %s_DATABASE_DSN)", EnvPrefix)
	}
	if err := c.validateCommon(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Output.Root) == "" {
		return models.NewConfigError("output.root", "an output root is required")
	}
	if strings.TrimSpace(c.Tools.Root) == "" {
		return models.NewConfigError("tools.root", "the OSGeo tool root is required")
	}
	if c.Render.RGBScript == "" || c.Render.IndexScript == "" {
		return models.NewConfigError("render", "rgb_script and index_script are required")
	}
	if c.Defaults.ZoomMin > c.Defaults.ZoomMax {
		return models.NewConfigError("defaults", "zoom_min %d is greater than zoom_max %d", c.Defaults.ZoomMin, c.Defaults.ZoomMax)
	}
	return nil
}

// ValidateDirectMode checks what a one-shot download requires
func (c *Config) ValidateDirectMode() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.Direct.Month < 1 || c.Direct.Month > 12 {
		return models.NewConfigError("direct.month", "month %d out of range", c.Direct.Month)
	}
	return nil
}

func (c *Config) validateCommon() error {
	if strings.TrimSpace(c.Work.Root) == "" {
		return models.NewConfigError("work.root", "a work root is required")
	}
	if c.Catalog.SearchLimit <= 0 {
		return models.NewConfigError("catalog.search_limit", "must be positive")
	}
	if c.Render.Processes < 0 {
		return models.NewConfigError("render.processes", "must be 0 (auto) or positive")
	}
	return nil
}
