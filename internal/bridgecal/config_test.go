package bridgecal

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "google:\n  calendar_id: primary\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Sync.PastDays != 30 || cfg.Sync.FutureDays != 180 {
		t.Fatalf("window defaults wrong: %+v", cfg.Sync)
	}
	if cfg.Sync.IntervalSeconds != 120 {
		t.Fatalf("interval default wrong: %d", cfg.Sync.IntervalSeconds)
	}
	if cfg.Sync.RedactionMode != RedactionNone {
		t.Fatalf("redaction default wrong: %q", cfg.Sync.RedactionMode)
	}
	if cfg.MappingStoreDSN == "" {
		t.Fatalf("expected mapping store default under data dir")
	}
	if !filepath.IsAbs(cfg.Google.CredentialsPath) {
		t.Fatalf("expected credentials path resolved, got %q", cfg.Google.CredentialsPath)
	}
}

func TestLoadConfigReadsValues(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/bridgecal-test
mapping_store: memory://
outlook:
  endpoint: http://127.0.0.1:9999
google:
  calendar_id: work@example.com
sync:
  past_days: 7
  future_days: 60
  interval_seconds: 30
  redaction_mode: busy-only
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Outlook.Endpoint != "http://127.0.0.1:9999" {
		t.Fatalf("endpoint wrong: %q", cfg.Outlook.Endpoint)
	}
	if cfg.Sync.PastDays != 7 || cfg.Sync.FutureDays != 60 || cfg.Sync.IntervalSeconds != 30 {
		t.Fatalf("sync values wrong: %+v", cfg.Sync)
	}
	if cfg.Sync.RedactionMode != RedactionBusyOnly {
		t.Fatalf("redaction wrong: %q", cfg.Sync.RedactionMode)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad redaction mode", "sync:\n  redaction_mode: loud\n"},
		{"negative past days", "sync:\n  past_days: -1\n"},
		{"wrong type", "sync:\n  interval_seconds: soon\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			if _, err := LoadConfig(path); !errors.Is(err, ErrConfig) {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected config error for missing file, got %v", err)
	}
	if _, err := LoadConfig(""); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected config error for empty path, got %v", err)
	}
}

func TestConfigSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := DefaultConfig()
	cfg.Google.CalendarID = "primary"
	cfg.Sync.PastDays = 14
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat failed: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
		}
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.Google.CalendarID != "primary" || loaded.Sync.PastDays != 14 {
		t.Fatalf("round trip lost values: %+v", loaded)
	}
}
