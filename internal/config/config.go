package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"assetxfer/internal/transfer"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. ASSETXFER_API_TOKEN
const EnvPrefix = "ASSETXFER"

// Config represents the application configuration
type Config struct {
	Backend      BackendConfig    `yaml:"backend"`
	Transfer     TransferConfig   `yaml:"transfer"`
	Checkpoint   CheckpointConfig `yaml:"checkpoint"`
	Metrics      MetricsConfig    `yaml:"metrics"`
	LogLevel     string           `yaml:"log_level" validate:"oneof=debug info warn warning error"`
	ShowProgress bool             `yaml:"show_progress"`
}

// BackendConfig locates the service issuing credentials and deduplicating content
type BackendConfig struct {
	URL     string        `yaml:"url" validate:"omitempty,url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// TransferConfig tunes the manager and its sessions
type TransferConfig struct {
	MaxConcurrent     int             `yaml:"max_concurrent" validate:"min=1"`
	Parallelism       int             `yaml:"parallelism" validate:"min=0,max=64"`
	Retries           int             `yaml:"retries" validate:"min=0"`
	RetryBackoffMs    int             `yaml:"retry_backoff_ms" validate:"min=1"`
	TransportTimeout  time.Duration   `yaml:"transport_timeout" validate:"gt=0"`
	MaxFileSize       int64           `yaml:"max_file_size" validate:"min=1"`
	AllowedExtensions []string        `yaml:"allowed_extensions" validate:"dive,startswith=."`
	CheckpointEvery   int             `yaml:"checkpoint_every" validate:"min=1"`
	ProgressInterval  time.Duration   `yaml:"progress_interval" validate:"gt=0"`
	SpeedWindow       time.Duration   `yaml:"speed_window" validate:"gt=0"`
	HashParallelism   int             `yaml:"hash_parallelism" validate:"min=1"`
	Policy            transfer.Policy `yaml:"policy"`
}

// CheckpointConfig selects where tasks and checkpoints are persisted
type CheckpointConfig struct {
	Backend       string        `yaml:"backend" validate:"oneof=sqlite badger"`
	Path          string        `yaml:"path" validate:"required"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gt=0"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
}

// envOverrides are read from ASSETXFER_* variables; secrets belong here rather than in files
type envOverrides struct {
	APIURL         string `envconfig:"API_URL"`
	APIToken       string `envconfig:"API_TOKEN"`
	LogLevel       string `envconfig:"LOG_LEVEL"`
	CheckpointPath string `envconfig:"CHECKPOINT_PATH"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		ShowProgress: true,
		Backend: BackendConfig{
			Timeout: 30 * time.Second,
		},
		Transfer: TransferConfig{
			MaxConcurrent:     3,
			Retries:           3,
			RetryBackoffMs:    1000,
			TransportTimeout:  5 * time.Minute,
			MaxFileSize:       20 * transfer.GB,
			AllowedExtensions: []string{".ma", ".mb", ".zip", ".rar", ".blend", ".c4d", ".max", ".fbx"},
			CheckpointEvery:   10,
			ProgressInterval:  time.Second,
			SpeedWindow:       5 * time.Second,
			HashParallelism:   4,
			Policy:            transfer.DefaultPolicy,
		},
		Checkpoint: CheckpointConfig{
			Backend:       "sqlite",
			Path:          "./assetxfer.db",
			FlushInterval: 500 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load loads configuration from file, environment and command line flags, in that order
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}

	if env.APIURL != "" {
		cfg.Backend.URL = env.APIURL
	}
	if env.APIToken != "" {
		cfg.Backend.Token = env.APIToken
	}
	if env.LogLevel != "" {
		cfg.LogLevel = env.LogLevel
	}
	if env.CheckpointPath != "" {
		cfg.Checkpoint.Path = env.CheckpointPath
	}
	return nil
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("api-url") {
		cfg.Backend.URL, _ = flags.GetString("api-url")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("show-progress") {
		cfg.ShowProgress, _ = flags.GetBool("show-progress")
	}

	if flags.Changed("max-concurrent") {
		cfg.Transfer.MaxConcurrent, _ = flags.GetInt("max-concurrent")
	}
	if flags.Changed("parallelism") {
		cfg.Transfer.Parallelism, _ = flags.GetInt("parallelism")
	}
	if flags.Changed("retries") {
		cfg.Transfer.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("retry-backoff-ms") {
		cfg.Transfer.RetryBackoffMs, _ = flags.GetInt("retry-backoff-ms")
	}

	if flags.Changed("checkpoint-backend") {
		cfg.Checkpoint.Backend, _ = flags.GetString("checkpoint-backend")
	}
	if flags.Changed("checkpoint-path") {
		cfg.Checkpoint.Path, _ = flags.GetString("checkpoint-path")
	}

	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr, _ = flags.GetString("metrics-addr")
		cfg.Metrics.Enabled = cfg.Metrics.Addr != ""
	}

	return nil
}

// Validate checks field constraints and the chunk policy table
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if err := c.Transfer.Policy.Validate(); err != nil {
		return fmt.Errorf("transfer.policy: %w", err)
	}

	// Uploads of the largest accepted file must fit the store's part limit
	chunk, _ := c.Transfer.Policy.For(c.Transfer.MaxFileSize)
	chunk = transfer.UploadChunkSize(chunk, transfer.MinPartSize)
	if parts := (c.Transfer.MaxFileSize + chunk - 1) / chunk; parts > transfer.MaxParts {
		return fmt.Errorf("transfer.policy: a %d byte upload needs %d parts of %d bytes, more than the %d allowed",
			c.Transfer.MaxFileSize, parts, chunk, transfer.MaxParts)
	}
	return nil
}

// RetryBackoff returns the initial retry delay
func (t TransferConfig) RetryBackoff() time.Duration {
	return time.Duration(t.RetryBackoffMs) * time.Millisecond
}
