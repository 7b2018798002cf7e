// Package config loads the YAML configuration with viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cloudtree/cloudtree/pkg/mirror"
	"github.com/cloudtree/cloudtree/pkg/remote"
)

// EnvPrefix prefixes environment overrides, e.g. CLOUDTREE_LOG_LEVEL.
const EnvPrefix = "CLOUDTREE"

// Config holds all configuration.
type Config struct {
	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Metrics listen address, empty disables the endpoint
	MetricsAddr string `mapstructure:"metrics_addr"`

	Refresh Refresh `mapstructure:"refresh"`

	ActiveConnection string       `mapstructure:"active_connection"`
	Connections      []Connection `mapstructure:"connections"`
}

// Refresh configures the per-namespace refresh schedulers.
type Refresh struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	MutationDelay time.Duration `mapstructure:"mutation_delay"`
}

// Connection pairs one remote API root with a local sync folder.
type Connection struct {
	Name       string `mapstructure:"name"`
	Platform   string `mapstructure:"platform"`
	APIRootURL string `mapstructure:"api_root_url"`
	Token      string `mapstructure:"token"`

	LocalSyncFolder     string            `mapstructure:"local_sync_folder"`
	LocalSyncSubfolders map[string]string `mapstructure:"local_sync_subfolders"`
	ExportFormats       map[string]string `mapstructure:"export_formats"`

	// Optional change feed (Server-Sent Events)
	EventsURL string        `mapstructure:"events_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// DefaultSubfolders maps mirrored namespaces to their folder below the
// local sync folder.
func DefaultSubfolders() map[string]string {
	return map[string]string{
		remote.Workspace: "Workspace",
		remote.DBFS:      "DBFS",
	}
}

// Load reads the config file at path. An empty path looks for
// $HOME/.config/cloudtree/config.yaml and falls back to defaults when
// there is none.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "cloudtree"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("active_connection", "")
	v.SetDefault("refresh.enabled", true)
	v.SetDefault("refresh.interval", 10*time.Second)
	v.SetDefault("refresh.max_age", time.Duration(0))
	v.SetDefault("refresh.mutation_delay", time.Second)
}

func (c *Config) normalize() error {
	for i := range c.Connections {
		conn := &c.Connections[i]
		conn.Platform = strings.ToLower(strings.TrimSpace(conn.Platform))
		conn.APIRootURL = strings.TrimRight(strings.TrimSpace(conn.APIRootURL), "/")

		folder, err := expandHome(conn.LocalSyncFolder)
		if err != nil {
			return fmt.Errorf("connection %q: %w", conn.Name, err)
		}
		conn.LocalSyncFolder = folder

		if conn.LocalSyncSubfolders == nil {
			conn.LocalSyncSubfolders = DefaultSubfolders()
		}
		if len(conn.ExportFormats) == 0 {
			conn.ExportFormats = mirror.DefaultExportFormats()
		}
		if conn.Timeout == 0 {
			conn.Timeout = 30 * time.Second
		}
	}
	return nil
}

// Validate checks connection names and platforms.
func (c *Config) Validate() error {
	if c.Refresh.Interval < 0 || c.Refresh.MaxAge < 0 || c.Refresh.MutationDelay < 0 {
		return fmt.Errorf("refresh durations must not be negative")
	}

	seen := make(map[string]bool)
	for i, conn := range c.Connections {
		if conn.Name == "" {
			return fmt.Errorf("connection %d: name is required", i)
		}
		if seen[conn.Name] {
			return fmt.Errorf("connection %q: duplicate name", conn.Name)
		}
		seen[conn.Name] = true

		switch conn.Platform {
		case remote.PlatformDatabricks, remote.PlatformPowerBI:
		default:
			return fmt.Errorf("connection %q: unknown platform %q", conn.Name, conn.Platform)
		}
		if conn.APIRootURL == "" {
			return fmt.Errorf("connection %q: api_root_url is required", conn.Name)
		}
	}

	if c.ActiveConnection != "" && !seen[c.ActiveConnection] {
		return fmt.Errorf("active_connection %q is not configured", c.ActiveConnection)
	}
	return nil
}

// Connection returns the connection named name.
func (c *Config) Connection(name string) (*Connection, bool) {
	for i := range c.Connections {
		if c.Connections[i].Name == name {
			return &c.Connections[i], true
		}
	}
	return nil, false
}

// Active returns the active connection, defaulting to the first one.
func (c *Config) Active() (*Connection, error) {
	if c.ActiveConnection != "" {
		if conn, ok := c.Connection(c.ActiveConnection); ok {
			return conn, nil
		}
		return nil, fmt.Errorf("connection %q not found", c.ActiveConnection)
	}
	if len(c.Connections) == 0 {
		return nil, errors.New("no connections configured")
	}
	return &c.Connections[0], nil
}

// Subfolder returns the folder below the local sync folder that mirrors
// namespace, and whether the namespace is mirrored at all.
func (c *Connection) Subfolder(namespace string) (string, bool) {
	if c.LocalSyncFolder == "" {
		return "", false
	}
	sub, ok := c.LocalSyncSubfolders[namespace]
	return sub, ok
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
