package satellite

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines Satellite replication configuration.
type Config struct {
	// URL is the replication endpoint, e.g. "ws://localhost:5133/ws".
	URL string `yaml:"url"`

	// Console configures the token service endpoint used by glue code to
	// refresh credentials. The core never dials it; it is carried so a
	// single file configures the whole client.
	Console ConsoleConfig `yaml:"console"`

	// PollingInterval is how often a snapshot is requested regardless of
	// write activity. Default: 2s.
	PollingInterval time.Duration `yaml:"polling_interval"`

	// MinSnapshotWindow is the minimum spacing between two snapshots.
	// Requests inside the window coalesce into one trailing snapshot.
	// Default: 40ms.
	MinSnapshotWindow time.Duration `yaml:"min_snapshot_window"`

	// ClearOnBehindWindow enables automatic recovery when the server
	// reports the client fell behind its retention window: local
	// replication state is reset and previously fulfilled shapes are
	// re-subscribed. Default: true.
	ClearOnBehindWindow *bool `yaml:"clear_on_behind_window"`

	// Namespace is the schema prefix for user tables in statements.
	// Default: "main".
	Namespace string `yaml:"namespace"`

	// MetaTable, OplogTable, ShadowTable, MigrationsTable, TriggersTable
	// override the internal table names. Defaults: _electric_meta,
	// _electric_oplog, _electric_shadow, _electric_migrations,
	// _electric_triggers.
	MetaTable       string `yaml:"meta_table"`
	OplogTable      string `yaml:"oplog_table"`
	ShadowTable     string `yaml:"shadow_table"`
	MigrationsTable string `yaml:"migrations_table"`
	TriggersTable   string `yaml:"triggers_table"`

	// Logger receives structured logs. If nil, slog.Default() is used.
	Logger *slog.Logger `yaml:"-"`
}

// ConsoleConfig locates the token service.
type ConsoleConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	SSL  bool   `yaml:"ssl"`
}

// DefaultConfig returns a configuration with production defaults.
func DefaultConfig() Config {
	return Config{
		URL:               "ws://localhost:5133/ws",
		PollingInterval:   2 * time.Second,
		MinSnapshotWindow: 40 * time.Millisecond,
		Namespace:         "main",
		MetaTable:         "_electric_meta",
		OplogTable:        "_electric_oplog",
		ShadowTable:       "_electric_shadow",
		MigrationsTable:   "_electric_migrations",
		TriggersTable:     "_electric_triggers",
	}
}

// normalize fills zero-valued fields with defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.URL == "" {
		c.URL = def.URL
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = def.PollingInterval
	}
	if c.MinSnapshotWindow <= 0 {
		c.MinSnapshotWindow = def.MinSnapshotWindow
	}
	if c.ClearOnBehindWindow == nil {
		t := true
		c.ClearOnBehindWindow = &t
	}
	if c.Namespace == "" {
		c.Namespace = def.Namespace
	}
	if c.MetaTable == "" {
		c.MetaTable = def.MetaTable
	}
	if c.OplogTable == "" {
		c.OplogTable = def.OplogTable
	}
	if c.ShadowTable == "" {
		c.ShadowTable = def.ShadowTable
	}
	if c.MigrationsTable == "" {
		c.MigrationsTable = def.MigrationsTable
	}
	if c.TriggersTable == "" {
		c.TriggersTable = def.TriggersTable
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// clearOnBehindWindow reports the effective recovery setting.
func (c *Config) clearOnBehindWindow() bool {
	return c.ClearOnBehindWindow == nil || *c.ClearOnBehindWindow
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}
