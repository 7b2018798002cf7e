package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
refresh:
  interval: 30s
  max_age: 5m
active_connection: prod
connections:
  - name: dev
    platform: powerbi
    api_root_url: https://api.powerbi.com/
  - name: prod
    platform: Databricks
    api_root_url: https://adb-123.azuredatabricks.net//
    token: dapi-secret
    local_sync_folder: /tmp/sync
    local_sync_subfolders:
      workspace: ws
    export_formats:
      python: .py
    events_url: https://events.example.com/feed
    timeout: 5s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" || cfg.LogFormat != "console" {
		t.Errorf("unexpected logging config %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.Refresh.Interval != 30*time.Second || cfg.Refresh.MaxAge != 5*time.Minute {
		t.Errorf("unexpected refresh config %+v", cfg.Refresh)
	}
	if !cfg.Refresh.Enabled || cfg.Refresh.MutationDelay != time.Second {
		t.Errorf("expected refresh defaults, got %+v", cfg.Refresh)
	}

	active, err := cfg.Active()
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if active.Name != "prod" || active.Platform != "databricks" {
		t.Errorf("unexpected active connection %+v", active)
	}
	if active.APIRootURL != "https://adb-123.azuredatabricks.net" {
		t.Errorf("trailing slashes not trimmed: %q", active.APIRootURL)
	}
	if active.Timeout != 5*time.Second || active.EventsURL == "" {
		t.Errorf("unexpected connection %+v", active)
	}
	if sub, ok := active.Subfolder("workspace"); !ok || sub != "ws" {
		t.Errorf("Subfolder(workspace) = %q, %v", sub, ok)
	}
	if _, ok := active.Subfolder("dbfs"); ok {
		t.Error("dbfs is not mirrored when subfolders are configured without it")
	}

	dev, ok := cfg.Connection("dev")
	if !ok {
		t.Fatal("missing dev connection")
	}
	if dev.Timeout != 30*time.Second || dev.ExportFormats["sql"] != ".sql" {
		t.Errorf("expected connection defaults, got %+v", dev)
	}
	if _, ok := dev.Subfolder("workspace"); ok {
		t.Error("connection without local_sync_folder has no mirror")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")
	t.Setenv("CLOUDTREE_LOG_LEVEL", "warn")
	t.Setenv("CLOUDTREE_REFRESH_INTERVAL", "1m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("expected env override, got %q", cfg.LogLevel)
	}
	if cfg.Refresh.Interval != time.Minute {
		t.Errorf("expected 1m interval, got %v", cfg.Refresh.Interval)
	}
	if _, err := cfg.Active(); err == nil {
		t.Error("expected error without connections")
	}
}

func TestLoadExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := writeConfig(t, `
connections:
  - name: a
    platform: databricks
    api_root_url: https://x
    local_sync_folder: ~/sync
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	conn := cfg.Connections[0]
	if conn.LocalSyncFolder != filepath.Join(home, "sync") {
		t.Errorf("LocalSyncFolder = %q", conn.LocalSyncFolder)
	}
	if sub, ok := conn.Subfolder("dbfs"); !ok || sub != "DBFS" {
		t.Errorf("expected default dbfs subfolder, got %q, %v", sub, ok)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing name",
			content: `
connections:
  - platform: databricks
    api_root_url: https://x
`,
			wantErr: "name is required",
		},
		{
			name: "duplicate name",
			content: `
connections:
  - {name: a, platform: databricks, api_root_url: https://x}
  - {name: a, platform: powerbi, api_root_url: https://y}
`,
			wantErr: "duplicate name",
		},
		{
			name: "unknown platform",
			content: `
connections:
  - {name: a, platform: snowflake, api_root_url: https://x}
`,
			wantErr: "unknown platform",
		},
		{
			name: "missing url",
			content: `
connections:
  - {name: a, platform: databricks}
`,
			wantErr: "api_root_url is required",
		},
		{
			name: "unknown active",
			content: `
active_connection: b
connections:
  - {name: a, platform: databricks, api_root_url: https://x}
`,
			wantErr: "not configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}
