package common

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"

	"github.com/ternarybob/harvest/internal/models"
	"github.com/ternarybob/harvest/internal/scrape/stages"
)

// Config represents the application configuration
type Config struct {
	Environment  string                   `toml:"environment"` // "development" or "production"
	Server       ServerConfig             `toml:"server"`
	Storage      StorageConfig            `toml:"storage"`
	Logging      LoggingConfig            `toml:"logging"`
	Orchestrator OrchestratorConfig       `toml:"orchestrator"`
	Backoff      BackoffConfig            `toml:"backoff"`
	WebSocket    WebSocketConfig          `toml:"websocket"`
	Backends     map[string]BackendConfig `toml:"backends"`
}

type ServerConfig struct {
	Port           int      `toml:"port"`
	Host           string   `toml:"host"`
	AllowedOrigins []string `toml:"allowed_origins"` // CORS origins; empty allows any
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Directory for the badger files
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete the database before opening
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // debug|info|warn|error
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Go time layout for console and file writers
}

// OrchestratorConfig holds the control plane defaults shared by all backends
type OrchestratorConfig struct {
	Concurrency      int    `toml:"concurrency"`       // Jobs per batch
	MaxConcurrency   int    `toml:"max_concurrency"`   // Upper bound for set-concurrency
	ConfirmThreshold int    `toml:"confirm_threshold"` // Queue size above which a start must be confirmed (0 disables)
	LogCapacity      int    `toml:"log_capacity"`      // Entries retained per backend
	IdleTimeout      string `toml:"idle_timeout"`      // e.g. "90s"; "0s" disables
	ProgressTick     string `toml:"progress_tick"`     // e.g. "2s"; "0s" disables creep
	UseBatch         bool   `toml:"use_batch"`         // Dispatch through batch_url when a backend has one
}

// BackoffConfig holds the retry policy
type BackoffConfig struct {
	RateLimitWait    string `toml:"rate_limit_wait"`   // Wait when a 429 carries no Retry-After
	MaxRetries       int    `toml:"max_retries"`       // Retries per job before failing
	TransientInitial string `toml:"transient_initial"` // First transient retry delay
	TransientMax     string `toml:"transient_max"`     // Cap on transient retry delay
}

// WebSocketConfig controls the live stream
type WebSocketConfig struct {
	JobUpdateInterval string `toml:"job_update_interval"` // Min interval between job snapshots per job
	SendBuffer        int    `toml:"send_buffer"`         // Messages buffered per client before dropping
}

// BackendConfig describes one scrape backend
type BackendConfig struct {
	URL             string                   `toml:"url"`
	BatchURL        string                   `toml:"batch_url"`
	Enabled         bool                     `toml:"enabled"`
	Schedule        string                   `toml:"schedule"`         // 5-field cron; empty disables scheduled runs
	RequestInterval string                   `toml:"request_interval"` // Minimum gap between stream opens
	Concurrency     int                      `toml:"concurrency"`      // Overrides [orchestrator] concurrency
	LogCapacity     int                      `toml:"log_capacity"`     // Overrides [orchestrator] log_capacity
	Stages          []string                 `toml:"stages"`           // Custom stage names
	Progress        map[string]stages.Anchor `toml:"progress"`         // Event type -> anchor overrides
	Headers         map[string]string        `toml:"headers"`
	Options         map[string]interface{}   `toml:"options"` // Sent with every dispatch
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Orchestrator: OrchestratorConfig{
			Concurrency:      3,
			MaxConcurrency:   10,
			ConfirmThreshold: 20,
			LogCapacity:      300,
			IdleTimeout:      "90s",
			ProgressTick:     "2s",
			UseBatch:         true,
		},
		Backoff: BackoffConfig{
			RateLimitWait:    "60s",
			MaxRetries:       2,
			TransientInitial: "2s",
			TransientMax:     "30s",
		},
		WebSocket: WebSocketConfig{
			JobUpdateInterval: "250ms",
			SendBuffer:        256,
		},
		Backends: map[string]BackendConfig{},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env.
// CLI flags are applied afterwards by ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal merges into the existing values
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("HARVEST_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("HARVEST_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("HARVEST_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if level := os.Getenv("HARVEST_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if path := os.Getenv("HARVEST_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}

	// HARVEST_<BACKEND>_URL, e.g. HARVEST_ANNOUNCEMENTS_URL
	for name, backend := range config.Backends {
		prefix := "HARVEST_" + envName(name)
		if url := os.Getenv(prefix + "_URL"); url != "" {
			backend.URL = url
		}
		if url := os.Getenv(prefix + "_BATCH_URL"); url != "" {
			backend.BatchURL = url
		}
		config.Backends[name] = backend
	}
}

// envName upper-cases a backend name and maps non-alphanumerics to underscores
func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks the loaded configuration for values the services cannot start with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	o := c.Orchestrator
	if o.MaxConcurrency < 1 {
		return fmt.Errorf("orchestrator.max_concurrency must be at least 1")
	}
	if o.Concurrency < 1 || o.Concurrency > o.MaxConcurrency {
		return fmt.Errorf("orchestrator.concurrency must be between 1 and %d", o.MaxConcurrency)
	}
	if o.LogCapacity < 1 {
		return fmt.Errorf("orchestrator.log_capacity must be at least 1")
	}
	if c.Backoff.MaxRetries < 0 {
		return fmt.Errorf("backoff.max_retries must not be negative")
	}

	durations := map[string]string{
		"orchestrator.idle_timeout":     o.IdleTimeout,
		"orchestrator.progress_tick":    o.ProgressTick,
		"backoff.rate_limit_wait":       c.Backoff.RateLimitWait,
		"backoff.transient_initial":     c.Backoff.TransientInitial,
		"backoff.transient_max":         c.Backoff.TransientMax,
		"websocket.job_update_interval": c.WebSocket.JobUpdateInterval,
	}
	for key, value := range durations {
		if _, err := ParseDuration(value, 0); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	for _, name := range c.BackendNames() {
		if err := c.Backends[name].validate(o.MaxConcurrency); err != nil {
			return fmt.Errorf("backends.%s: %w", name, err)
		}
	}
	return nil
}

func (b BackendConfig) validate(maxConcurrency int) error {
	if !b.Enabled {
		return nil
	}
	if b.URL == "" {
		return fmt.Errorf("url is required")
	}
	if b.Concurrency < 0 || b.Concurrency > maxConcurrency {
		return fmt.Errorf("concurrency must be between 1 and %d", maxConcurrency)
	}
	if b.Schedule != "" {
		if err := ValidateSchedule(b.Schedule); err != nil {
			return err
		}
	}
	if _, err := ParseDuration(b.RequestInterval, 0); err != nil {
		return fmt.Errorf("request_interval: %w", err)
	}
	if _, err := b.Profile("check"); err != nil {
		return err
	}
	return nil
}

// BackendNames returns the configured backend names sorted
func (c *Config) BackendNames() []string {
	names := make([]string, 0, len(c.Backends))
	for name := range c.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profile builds the stage profile for a backend: the default stages and
// table, with configured stages replacing the list and progress entries
// overriding individual event anchors.
func (b BackendConfig) Profile(name string) (stages.Profile, error) {
	profile := stages.DefaultProfile(name)
	if len(b.Stages) > 0 {
		profile.Stages = append([]string(nil), b.Stages...)
	}
	for event, anchor := range b.Progress {
		t := models.EventType(event)
		if !t.IsKnown() {
			return profile, fmt.Errorf("progress: unknown event type %q", event)
		}
		profile.Table[t] = anchor
	}
	if err := profile.Validate(); err != nil {
		return profile, fmt.Errorf("progress: %w", err)
	}
	return profile, nil
}

// ParseDuration parses a configured duration, returning fallback for an empty value
func ParseDuration(value string, fallback time.Duration) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	if d < 0 {
		return fallback, fmt.Errorf("negative duration %q", value)
	}
	return d, nil
}

// MustDuration parses a duration that Validate has already accepted
func MustDuration(value string, fallback time.Duration) time.Duration {
	d, err := ParseDuration(value, fallback)
	if err != nil {
		return fallback
	}
	return d
}

// ValidateSchedule validates a cron schedule expression and ensures minimum 5-minute interval
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	parts := strings.Fields(schedule)
	if len(parts) != 5 {
		return fmt.Errorf("invalid cron format: expected 5 fields")
	}

	minuteField := parts[0]
	if minuteField == "*" {
		return fmt.Errorf("schedule must have minimum 5-minute interval (every minute is not allowed)")
	}
	if strings.HasPrefix(minuteField, "*/") {
		interval, err := strconv.Atoi(strings.TrimPrefix(minuteField, "*/"))
		if err == nil && interval < 5 {
			return fmt.Errorf("schedule interval must be at least 5 minutes, got %d", interval)
		}
	}

	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
