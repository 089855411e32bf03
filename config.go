package crudkit

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file form of the engine settings.
//
//	admin_role: admin
//	loader:
//	  wait: 2ms
//	  max_batch: 100
//	transactions:
//	  isolation: read_committed
//	  read_only_reads: true
//	log:
//	  level: debug
//	  format: json
type Config struct {
	AdminRole    string            `yaml:"admin_role"`
	Loader       LoaderConfig      `yaml:"loader,omitempty"`
	Transactions TransactionConfig `yaml:"transactions,omitempty"`
	Log          LogConfig         `yaml:"log,omitempty"`
}

// LoaderConfig configures request-scoped loaders.
type LoaderConfig struct {
	// Wait is the batch window. An explicit 0 turns the window off; see
	// WithWait.
	Wait     time.Duration `yaml:"wait,omitempty"`
	MaxBatch int           `yaml:"max_batch,omitempty"`
}

// TransactionConfig configures the transactions opened by resolvers.
type TransactionConfig struct {
	// Isolation is one of default, read_uncommitted, read_committed,
	// write_committed, repeatable_read, snapshot, serializable, linearizable.
	Isolation string `yaml:"isolation,omitempty"`

	// ReadOnlyReads runs list and get inside read-only transactions.
	ReadOnlyReads bool `yaml:"read_only_reads,omitempty"`
}

// LogConfig configures the logger built by NewLogger.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

var isolationLevels = map[string]sql.IsolationLevel{
	"":                 sql.LevelDefault,
	"default":          sql.LevelDefault,
	"read_uncommitted": sql.LevelReadUncommitted,
	"read_committed":   sql.LevelReadCommitted,
	"write_committed":  sql.LevelWriteCommitted,
	"repeatable_read":  sql.LevelRepeatableRead,
	"snapshot":         sql.LevelSnapshot,
	"serializable":     sql.LevelSerializable,
	"linearizable":     sql.LevelLinearizable,
}

// DefaultConfig returns the settings used when no file is given.
func DefaultConfig() Config {
	return Config{
		Loader: LoaderConfig{Wait: DefaultLoaderWait, MaxBatch: 100},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: read config: %w", ErrConfiguration, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse config: %w", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.AdminRole == "" {
		return ErrNoAdminRole
	}
	if c.Loader.Wait < 0 {
		return Errorf(ErrConfiguration, "loader.wait must not be negative")
	}
	if c.Loader.MaxBatch < 0 {
		return Errorf(ErrConfiguration, "loader.max_batch must not be negative")
	}
	if _, err := c.IsolationLevel(); err != nil {
		return err
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return Errorf(ErrConfiguration, "unknown log format %q", c.Log.Format)
	}
	return nil
}

// IsolationLevel returns the configured isolation level.
func (c Config) IsolationLevel() (sql.IsolationLevel, error) {
	level, ok := isolationLevels[strings.ToLower(c.Transactions.Isolation)]
	if !ok {
		return 0, Errorf(ErrConfiguration, "unknown isolation level %q", c.Transactions.Isolation)
	}
	return level, nil
}

// LoaderOptions returns the loader options matching the settings.
func (c Config) LoaderOptions() []LoaderOption {
	return []LoaderOption{WithWait(c.Loader.Wait), WithMaxBatch(c.Loader.MaxBatch)}
}

// NewLogger builds a slog.Logger writing to w at the configured level and
// format.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, Errorf(ErrConfiguration, "unknown log level %q", s)
	}
	return level, nil
}
