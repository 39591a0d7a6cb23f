package emrsync

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/brunobiangulo/emrsync/chunker"
	"github.com/brunobiangulo/emrsync/extract"
	"github.com/brunobiangulo/emrsync/llm"
	"github.com/brunobiangulo/emrsync/reconcile"
	"github.com/brunobiangulo/emrsync/store"
)

// Config holds all configuration for the emrsync engine.
type Config struct {
	Database store.Config `json:"database" yaml:"database" mapstructure:"database"`

	// Chat is the model that reads document text.
	Chat llm.Config `json:"chat" yaml:"chat" mapstructure:"chat"`

	Chunking   chunker.Config    `json:"chunking" yaml:"chunking" mapstructure:"chunking"`
	Extraction extract.Config    `json:"extraction" yaml:"extraction" mapstructure:"extraction"`
	Reconcile  reconcile.Options `json:"reconcile" yaml:"reconcile" mapstructure:"reconcile"`

	Server ServerConfig `json:"server" yaml:"server" mapstructure:"server"`

	LogLevel string `json:"log_level" yaml:"log_level" mapstructure:"log_level"` // debug, info, warn, error
	LogJSON  bool   `json:"log_json" yaml:"log_json" mapstructure:"log_json"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr" mapstructure:"addr"`
	// APIKey enables bearer authentication when set.
	APIKey string `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
	// UploadDir is where uploaded documents are kept for ingestion.
	UploadDir   string `json:"upload_dir" yaml:"upload_dir" mapstructure:"upload_dir"`
	MaxUploadMB int64  `json:"max_upload_mb" yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
	// CORSOrigins is a comma-separated list of allowed origins.
	CORSOrigins string `json:"cors_origins" yaml:"cors_origins" mapstructure:"cors_origins"`
}

// DefaultConfig returns a Config for a local SQLite database and Gemini.
// The database is stored in ~/.emrsync/emrsync.db by default.
func DefaultConfig() Config {
	return Config{
		Database: store.Config{
			Driver: "sqlite3",
			Path:   defaultDataPath("emrsync.db"),
		},
		Chat: llm.Config{
			Provider:    "gemini",
			Model:       "gemini-2.5-flash",
			Temperature: 0.1,
			Timeout:     120 * time.Second,
			MaxRetries:  4,
		},
		Chunking: chunker.DefaultConfig(),
		Extraction: extract.Config{
			Temperature:   0.1,
			Concurrency:   2,
			WindowTimeout: 5 * time.Minute,
		},
		Reconcile: reconcile.DefaultOptions(),
		Server: ServerConfig{
			Addr:        ":8080",
			UploadDir:   defaultDataPath("uploads"),
			MaxUploadMB: 50,
		},
		LogLevel: "info",
	}
}

// defaultDataPath places name under ~/.emrsync, or the working directory
// when there is no home.
func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".emrsync", name)
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if _, err := store.ParseDialect(c.Database.Driver); err != nil {
		return fmt.Errorf("%w: database.driver: %v", ErrInvalidConfig, err)
	}
	if c.Database.DSN == "" && c.Database.Path == "" {
		return fmt.Errorf("%w: database.dsn or database.path is required", ErrInvalidConfig)
	}
	if c.Chat.Provider == "" {
		return fmt.Errorf("%w: chat.provider is required", ErrInvalidConfig)
	}
	if err := c.Reconcile.Validate(); err != nil {
		return fmt.Errorf("%w: reconcile: %v", ErrInvalidConfig, err)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.ChunkSize < 0 || c.Chunking.MaxTokens < 0 {
		return fmt.Errorf("%w: chunking sizes must not be negative", ErrInvalidConfig)
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	return nil
}

// EnvPrefix prefixes every environment variable LoadConfig reads, as in
// EMRSYNC_DATABASE_DSN.
const EnvPrefix = "EMRSYNC"

// LoadConfig builds a Config from defaults, an optional config file (YAML,
// JSON or TOML, picked by extension), a .env file in the working directory
// and EMRSYNC_* environment variables, later sources winning.
func LoadConfig(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: reading %s: %v", ErrInvalidConfig, path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadDotEnv copies KEY=value pairs from a .env file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	env := viper.New()
	env.SetConfigFile(path)
	env.SetConfigType("env")
	if err := env.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrInvalidConfig, path, err)
	}
	for _, k := range env.AllKeys() {
		name := strings.ToUpper(k)
		if _, set := os.LookupEnv(name); set {
			continue
		}
		os.Setenv(name, env.GetString(k))
	}
	return nil
}

// setDefaults registers every key so that AutomaticEnv can override it
// during Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)

	v.SetDefault("chat.provider", d.Chat.Provider)
	v.SetDefault("chat.model", d.Chat.Model)
	v.SetDefault("chat.base_url", d.Chat.BaseURL)
	v.SetDefault("chat.api_key", d.Chat.APIKey)
	v.SetDefault("chat.temperature", d.Chat.Temperature)
	v.SetDefault("chat.timeout", d.Chat.Timeout)
	v.SetDefault("chat.max_retries", d.Chat.MaxRetries)

	v.SetDefault("chunking.chunk_size", d.Chunking.ChunkSize)
	v.SetDefault("chunking.overlap", d.Chunking.Overlap)
	v.SetDefault("chunking.max_tokens", d.Chunking.MaxTokens)

	v.SetDefault("extraction.temperature", d.Extraction.Temperature)
	v.SetDefault("extraction.concurrency", d.Extraction.Concurrency)
	v.SetDefault("extraction.window_timeout", d.Extraction.WindowTimeout)
	v.SetDefault("extraction.allow_partial", d.Extraction.AllowPartial)

	v.SetDefault("reconcile.null_keys", string(d.Reconcile.NullKeys))
	v.SetDefault("reconcile.ambiguous_match", string(d.Reconcile.AmbiguousMatch))
	v.SetDefault("reconcile.unresolved_visit", string(d.Reconcile.UnresolvedVisit))
	v.SetDefault("reconcile.stamp_patient_id", d.Reconcile.StampPatientID)
	v.SetDefault("reconcile.hoist_visit_notes", d.Reconcile.HoistVisitNotes)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.api_key", d.Server.APIKey)
	v.SetDefault("server.upload_dir", d.Server.UploadDir)
	v.SetDefault("server.max_upload_mb", d.Server.MaxUploadMB)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)

	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_json", d.LogJSON)
}

// NewLogger returns the slog logger described by LogLevel and LogJSON.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
