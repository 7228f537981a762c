package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Provider names accepted in PROVIDER.
const (
	ProviderFake  = "fake"
	ProviderHTTP  = "http"
	ProviderPutio = "putio"
)

// Config struct for environment variables.
type Config struct {
	Provider string `envconfig:"PROVIDER" default:"fake"`

	SourceBaseURL string `envconfig:"SOURCE_BASE_URL"`

	PutioToken  string `envconfig:"PUTIO_TOKEN"`
	PutioFolder string `envconfig:"PUTIO_FOLDER" default:"bundles"`

	InstallDir           string `envconfig:"INSTALL_DIR" required:"true"`
	MaxParallel          int    `envconfig:"MAX_PARALLEL" default:"3"`
	QueueSize            int    `envconfig:"QUEUE_SIZE" default:"64"`
	ConfirmDownloadAbove int64  `envconfig:"CONFIRM_DOWNLOAD_ABOVE" default:"0"`
	ConfirmInstall       bool   `envconfig:"CONFIRM_INSTALL" default:"false"`
	ProgressInterval     int64  `envconfig:"PROGRESS_INTERVAL" default:"1048576"`
	MaxLogEntries        int    `envconfig:"MAX_LOG_ENTRIES" default:"128"`

	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string        `envconfig:"DB_PATH" default:"journal.db"`
	KeepHistoryFor    time.Duration `envconfig:"KEEP_HISTORY_FOR" default:"168h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	Fake struct {
		Chunks              int           `split_words:"true" default:"10"`
		TickInterval        time.Duration `split_words:"true" default:"500ms"`
		TotalBytes          int64         `split_words:"true" default:"10485760"`
		NetworkError        bool          `split_words:"true" default:"false"`
		RequireConfirmation bool          `split_words:"true" default:"false"`
	}

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"bundle_fetcher"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the settings required by the selected provider.
func (c *Config) Validate() error {
	var errs []error

	switch c.Provider {
	case ProviderFake:
		if c.Fake.Chunks <= 0 {
			errs = append(errs, errors.New("FAKE_CHUNKS must be positive"))
		}
	case ProviderHTTP:
		if c.SourceBaseURL == "" {
			errs = append(errs, errors.New("SOURCE_BASE_URL is required for the http provider"))
		}
	case ProviderPutio:
		if c.PutioToken == "" {
			errs = append(errs, errors.New("PUTIO_TOKEN is required for the putio provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}

	if c.MaxParallel <= 0 {
		errs = append(errs, errors.New("MAX_PARALLEL must be positive"))
	}

	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("QUEUE_SIZE must be positive"))
	}

	if c.CleanupInterval <= 0 {
		errs = append(errs, errors.New("CLEANUP_INTERVAL must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
