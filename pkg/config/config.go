package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "RUNSYNC"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultTrackerBaseURL is the default Weights & Biases API endpoint.
	DefaultTrackerBaseURL = "https://api.wandb.ai"

	// DefaultFilePrefix is the default prefix of partitioned TSV files.
	DefaultFilePrefix = "Metric_TSP_V2"

	// DefaultOutputDir is the default local directory for TSV files.
	DefaultOutputDir = "./past_data"

	// DefaultHubEndpoint is the default Hugging Face Hub endpoint.
	DefaultHubEndpoint = "https://huggingface.co"

	// DefaultPageSize is the default number of runs fetched per page.
	DefaultPageSize = 1000

	// DefaultMaxCandidates is the default per-cycle candidate cap.
	DefaultMaxCandidates = 4000

	// DefaultMaxRunFailures is the default number of failing cycles after
	// which a run is skipped.
	DefaultMaxRunFailures = 3
)

// Config is the root configuration for runsync.
type Config struct {
	Global  GlobalConfig  `yaml:"global" mapstructure:"global"`
	Tracker TrackerConfig `yaml:"tracker" mapstructure:"tracker"`
	Scrape  ScrapeConfig  `yaml:"scrape" mapstructure:"scrape"`
	State   StateConfig   `yaml:"state" mapstructure:"state"`
	Publish PublishConfig `yaml:"publish" mapstructure:"publish"`
	Retry   RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Sync    SyncConfig    `yaml:"sync" mapstructure:"sync"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// TrackerConfig contains settings for the experiment-tracking service.
type TrackerConfig struct {
	BaseURL           string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey            string        `yaml:"api_key" mapstructure:"api_key"`
	Entity            string        `yaml:"entity" mapstructure:"entity"`
	Project           string        `yaml:"project" mapstructure:"project"`
	PageSize          int           `yaml:"page_size" mapstructure:"page_size"`
	HistorySamples    int           `yaml:"history_samples" mapstructure:"history_samples"`
	RequestsPerMinute int           `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Columns           ColumnConfig  `yaml:"columns" mapstructure:"columns"`
}

// ColumnConfig pins the history columns that feed the metric sequences.
// Empty values fall back to prefix discovery.
type ColumnConfig struct {
	Distances string `yaml:"distances" mapstructure:"distances"`
	Rewards   string `yaml:"rewards" mapstructure:"rewards"`
}

// Source returns the "entity/project" identifier of the tracked project.
func (t *TrackerConfig) Source() string {
	return t.Entity + "/" + t.Project
}

// ScrapeConfig contains the scrape cycle and output settings.
type ScrapeConfig struct {
	Interval       time.Duration `yaml:"interval" mapstructure:"interval"`
	Lookback       time.Duration `yaml:"lookback" mapstructure:"lookback"`
	MaxCandidates  int           `yaml:"max_candidates" mapstructure:"max_candidates"`
	ProcessedDelay time.Duration `yaml:"processed_delay" mapstructure:"processed_delay"`
	SkippedDelay   time.Duration `yaml:"skipped_delay" mapstructure:"skipped_delay"`
	MaxRunFailures int           `yaml:"max_run_failures" mapstructure:"max_run_failures"`
	OutputDir      string        `yaml:"output_dir" mapstructure:"output_dir"`
	OutputOwner    string        `yaml:"output_owner,omitempty" mapstructure:"output_owner"`
	FilePrefix     string        `yaml:"file_prefix" mapstructure:"file_prefix"`
}

// RetryConfig bounds the backoff applied to every remote call.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" mapstructure:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time" mapstructure:"max_elapsed_time"`
	MaxRetries      uint64        `yaml:"max_retries" mapstructure:"max_retries"`
}

// SyncConfig contains settings for the one-shot download utility.
type SyncConfig struct {
	Mode         string `yaml:"mode" mapstructure:"mode"`
	LookbackDays int    `yaml:"lookback_days" mapstructure:"lookback_days"`
	Concurrency  int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// ServerConfig contains the optional status API settings.
type ServerConfig struct {
	Listen      string   `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
}

// defaults is the single source of default values. Registering every key
// with viper is what makes env overrides work for keys absent from files.
var defaults = map[string]any{
	"global.log_level": DefaultLogLevel,

	"tracker.base_url":            DefaultTrackerBaseURL,
	"tracker.api_key":             "",
	"tracker.entity":              "graphite-ai",
	"tracker.project":             "Graphite-Subnet-V2",
	"tracker.page_size":           DefaultPageSize,
	"tracker.history_samples":     500,
	"tracker.requests_per_minute": 120,
	"tracker.timeout":             "60s",
	"tracker.columns.distances":   "",
	"tracker.columns.rewards":     "",

	"scrape.interval":         "30m",
	"scrape.lookback":         "168h",
	"scrape.max_candidates":   DefaultMaxCandidates,
	"scrape.processed_delay":  "5s",
	"scrape.skipped_delay":    "1s",
	"scrape.max_run_failures": DefaultMaxRunFailures,
	"scrape.output_dir":       DefaultOutputDir,
	"scrape.output_owner":     "",
	"scrape.file_prefix":      DefaultFilePrefix,

	"state.driver":            DriverSQLite,
	"state.sqlite.path":       filepath.Join(DefaultOutputDir, ".runsync.db"),
	"state.postgres.host":     "localhost",
	"state.postgres.port":     5432,
	"state.postgres.user":     "",
	"state.postgres.password": "",
	"state.postgres.database": "runsync",
	"state.postgres.ssl_mode": "disable",

	"publish.backend":                  BackendHuggingFace,
	"publish.huggingface.endpoint":     DefaultHubEndpoint,
	"publish.huggingface.token":        "",
	"publish.huggingface.repo":         "",
	"publish.huggingface.repo_type":    "dataset",
	"publish.huggingface.revision":     "main",
	"publish.s3.endpoint_url":          "",
	"publish.s3.region":                "",
	"publish.s3.bucket":                "",
	"publish.s3.prefix":                "",
	"publish.s3.access_key_id":         "",
	"publish.s3.secret_access_key":     "",
	"publish.s3.force_path_style":      false,
	"publish.s3.storage_class":         "",
	"retry.initial_interval":           "1s",
	"retry.max_interval":               "30s",
	"retry.max_elapsed_time":           "5m",
	"retry.max_retries":                5,
	"sync.mode":                        SyncModeRecent,
	"sync.lookback_days":               7,
	"sync.concurrency":                 4,
	"server.listen":                    "",
	"server.cors_origins":              []string{},
}

// legacyEnv maps config keys to the environment names the service has
// always been deployed with. RUNSYNC_* names take precedence.
var legacyEnv = map[string]string{
	"tracker.api_key":           "WANDB_API_KEY",
	"publish.huggingface.token": "HF_TOKEN",
	"publish.huggingface.repo":  "HF_REPO",
}

// Load reads and merges the given configuration files (in order), applies
// environment overrides and returns the decoded configuration. With no
// paths, only defaults and the environment are used.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	for key, legacy := range legacyEnv {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	for i, path := range paths {
		v.SetConfigFile(path)

		read := v.MergeInConfig
		if i == 0 {
			read = v.ReadInConfig
		}

		if err := read(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		Result:           &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills values that decode to their zero value but must not be
// zero, e.g. when a file sets a key to an empty string.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Tracker.BaseURL == "" {
		c.Tracker.BaseURL = DefaultTrackerBaseURL
	}

	c.Tracker.BaseURL = strings.TrimRight(c.Tracker.BaseURL, "/")

	if c.Scrape.OutputDir == "" {
		c.Scrape.OutputDir = DefaultOutputDir
	}

	if c.Scrape.FilePrefix == "" {
		c.Scrape.FilePrefix = DefaultFilePrefix
	}

	if c.Publish.HuggingFace.Endpoint == "" {
		c.Publish.HuggingFace.Endpoint = DefaultHubEndpoint
	}

	c.Publish.HuggingFace.Endpoint = strings.TrimRight(c.Publish.HuggingFace.Endpoint, "/")
}

// ValidateScrape checks the configuration needed by the scrape service.
func (c *Config) ValidateScrape() error {
	if c.Tracker.APIKey == "" {
		return fmt.Errorf("tracker.api_key is required (or set WANDB_API_KEY)")
	}

	if c.Tracker.Entity == "" || c.Tracker.Project == "" {
		return fmt.Errorf("tracker.entity and tracker.project are required")
	}

	if c.Tracker.PageSize <= 0 {
		return fmt.Errorf("tracker.page_size must be positive, got %d", c.Tracker.PageSize)
	}

	if c.Tracker.RequestsPerMinute < 0 {
		return fmt.Errorf("tracker.requests_per_minute must not be negative")
	}

	if c.Scrape.Interval <= 0 {
		return fmt.Errorf("scrape.interval must be positive")
	}

	if c.Scrape.Lookback <= 0 {
		return fmt.Errorf("scrape.lookback must be positive")
	}

	if c.Scrape.MaxCandidates <= 0 {
		return fmt.Errorf("scrape.max_candidates must be positive, got %d", c.Scrape.MaxCandidates)
	}

	if c.Scrape.ProcessedDelay < 0 || c.Scrape.SkippedDelay < 0 {
		return fmt.Errorf("scrape delays must not be negative")
	}

	if c.Scrape.MaxRunFailures < 0 {
		return fmt.Errorf("scrape.max_run_failures must not be negative, got %d", c.Scrape.MaxRunFailures)
	}

	if err := c.validateOutput(); err != nil {
		return err
	}

	if err := c.State.Validate(); err != nil {
		return fmt.Errorf("state: %w", err)
	}

	if err := c.Publish.Validate(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	return nil
}

// ValidateSync checks the configuration needed by the sync utility.
func (c *Config) ValidateSync() error {
	if err := c.validateOutput(); err != nil {
		return err
	}

	switch c.Sync.Mode {
	case SyncModeAll, SyncModeRecent:
	default:
		return fmt.Errorf("sync.mode must be %q or %q, got %q",
			SyncModeAll, SyncModeRecent, c.Sync.Mode)
	}

	if c.Sync.Mode == SyncModeRecent && c.Sync.LookbackDays <= 0 {
		return fmt.Errorf("sync.lookback_days must be positive, got %d", c.Sync.LookbackDays)
	}

	if err := c.Publish.Validate(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	return nil
}

func (c *Config) validateOutput() error {
	if c.Scrape.OutputDir == "" {
		return fmt.Errorf("scrape.output_dir is required")
	}

	if c.Scrape.FilePrefix == "" {
		return fmt.Errorf("scrape.file_prefix is required")
	}

	if strings.ContainsAny(c.Scrape.FilePrefix, `/\*?[`) {
		return fmt.Errorf("scrape.file_prefix %q contains path or glob characters", c.Scrape.FilePrefix)
	}

	if c.Scrape.OutputOwner != "" {
		parts := strings.Split(c.Scrape.OutputOwner, ":")
		if len(parts) != 2 {
			return fmt.Errorf("scrape.output_owner %q must be UID:GID", c.Scrape.OutputOwner)
		}
	}

	return nil
}

// Redacted returns a copy of the configuration with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c

	out.Tracker.APIKey = redact(c.Tracker.APIKey)
	out.Publish.HuggingFace.Token = redact(c.Publish.HuggingFace.Token)
	out.Publish.S3.AccessKeyID = redact(c.Publish.S3.AccessKeyID)
	out.Publish.S3.SecretAccessKey = redact(c.Publish.S3.SecretAccessKey)
	out.State.Postgres.Password = redact(c.State.Postgres.Password)

	return &out
}

func redact(s string) string {
	if s == "" {
		return ""
	}

	return "<redacted>"
}
