// Package config loads the seqd configuration file.
//
// The file is YAML. It is checked against the embedded CUE definition
// #Config, which is closed, so misspelled keys are rejected, and then
// decoded strictly into Config on top of Default().
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSrc string

// Backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config is the full process configuration.
type Config struct {
	Backend     string `yaml:"backend"`
	Database    string `yaml:"database"`
	PostgresDSN string `yaml:"postgres_dsn"`
	LockDir     string `yaml:"lock_dir"`
	NotifyDir   string `yaml:"notify_dir"`

	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Sequencer SequencerConfig `yaml:"sequencer"`
	Reversal  ReversalConfig  `yaml:"reversal"`
	Firehose  FirehoseConfig  `yaml:"firehose"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables
// it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SequencerConfig struct {
	Enabled    bool          `yaml:"enabled"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	Jitter     time.Duration `yaml:"jitter"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	PageSize   int           `yaml:"page_size"`
}

type ReversalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseDelay time.Duration `yaml:"base_delay"`
	Jitter    time.Duration `yaml:"jitter"`
	Interval  time.Duration `yaml:"interval"`
}

type FirehoseConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	PageSize     int           `yaml:"page_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Backend:  BackendSQLite,
		Database: "seqd.db",
		Log:      LogConfig{Level: "info", Format: "text"},
		Sequencer: SequencerConfig{
			Enabled:    true,
			BaseDelay:  time.Second,
			Jitter:     500 * time.Millisecond,
			RetryDelay: time.Second,
			PageSize:   500,
		},
		Reversal: ReversalConfig{
			Enabled:   true,
			BaseDelay: 10 * time.Second,
			Jitter:    2 * time.Second,
			Interval:  time.Minute,
		},
		Firehose: FirehoseConfig{
			Concurrency:  30,
			PageSize:     500,
			PollInterval: 5 * time.Second,
		},
	}
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates data against the schema and decodes it over Default().
func Parse(data []byte) (Config, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := checkSchema(raw); err != nil {
		return Config{}, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.Finalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidationError reports a schema violation at a path in the file.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

func checkSchema(raw any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSrc).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

// formatCUEError keeps the first error and its field path.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	format, args := first.Msg()
	return &ValidationError{
		Path:    strings.Join(first.Path(), "."),
		Message: fmt.Sprintf(format, args...),
	}
}

// Finalize fills values derived from other fields.
func (c *Config) Finalize() {
	if c.Backend == BackendSQLite {
		if c.LockDir == "" {
			c.LockDir = c.Database + ".locks"
		}
		if c.NotifyDir == "" {
			c.NotifyDir = c.Database + ".notify"
		}
	}
}

// Validate checks constraints the schema cannot express.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendSQLite:
		if c.Database == "" {
			return &ValidationError{Path: "database", Message: "required for the sqlite backend"}
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return &ValidationError{Path: "postgres_dsn", Message: "required for the postgres backend"}
		}
	default:
		return &ValidationError{Path: "backend", Message: fmt.Sprintf("unknown backend %q", c.Backend)}
	}
	if c.Sequencer.Jitter > c.Sequencer.BaseDelay {
		return &ValidationError{Path: "sequencer.jitter", Message: "must not exceed base_delay"}
	}
	if c.Reversal.Jitter > c.Reversal.BaseDelay {
		return &ValidationError{Path: "reversal.jitter", Message: "must not exceed base_delay"}
	}
	if c.Reversal.Interval <= 0 {
		return &ValidationError{Path: "reversal.interval", Message: "must be positive"}
	}
	return nil
}

// SlogLevel maps Log.Level to a slog level.
func (c Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
