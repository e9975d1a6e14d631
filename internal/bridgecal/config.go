package bridgecal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Redaction modes for mirror payloads.
const (
	RedactionNone     = "none"
	RedactionBusyOnly = "busy-only"
)

// OutlookConfig selects how the Outlook side is reached. Endpoint is a DSN:
// http(s):// for the local COM bridge helper, file:// or webcal:// (or a
// bare .ics path) for a published read-only calendar feed.
type OutlookConfig struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

type GoogleConfig struct {
	CalendarID      string `yaml:"calendar_id" json:"calendar_id"`
	CredentialsPath string `yaml:"credentials_path" json:"credentials_path"`
	TokenPath       string `yaml:"token_path" json:"token_path"`
}

type SyncConfig struct {
	PastDays        int    `yaml:"past_days" json:"past_days"`
	FutureDays      int    `yaml:"future_days" json:"future_days"`
	IntervalSeconds int    `yaml:"interval_seconds" json:"interval_seconds"`
	// Schedule, when set, is a cron expression that replaces the fixed
	// interval in daemon mode.
	Schedule      string `yaml:"schedule" json:"schedule"`
	RedactionMode string `yaml:"redaction_mode" json:"redaction_mode"`
}

// Config is the top-level application configuration.
type Config struct {
	DataDir         string        `yaml:"data_dir" json:"data_dir"`
	MappingStoreDSN string        `yaml:"mapping_store" json:"mapping_store"`
	Outlook         OutlookConfig `yaml:"outlook" json:"outlook"`
	Google          GoogleConfig  `yaml:"google" json:"google"`
	Sync            SyncConfig    `yaml:"sync" json:"sync"`
}

const configSchema = `{
  "type": "object",
  "properties": {
    "data_dir": {"type": "string"},
    "mapping_store": {"type": "string"},
    "outlook": {
      "type": "object",
      "properties": {
        "endpoint": {"type": "string"}
      }
    },
    "google": {
      "type": "object",
      "properties": {
        "calendar_id": {"type": "string"},
        "credentials_path": {"type": "string"},
        "token_path": {"type": "string"}
      }
    },
    "sync": {
      "type": "object",
      "properties": {
        "past_days": {"type": "integer", "minimum": 0},
        "future_days": {"type": "integer", "minimum": 1},
        "interval_seconds": {"type": "integer", "minimum": 1},
        "schedule": {"type": "string"},
        "redaction_mode": {"enum": ["none", "busy-only"]}
      }
    }
  }
}`

// DefaultDataDir is %APPDATA%\BridgeCal on Windows, ~/.bridgecal elsewhere.
func DefaultDataDir() string {
	if appdata := os.Getenv("APPDATA"); appdata != "" {
		return filepath.Join(appdata, "BridgeCal")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bridgecal"
	}
	return filepath.Join(home, ".bridgecal")
}

func DefaultConfig() *Config {
	dataDir := DefaultDataDir()
	cfg := &Config{DataDir: dataDir}
	cfg.Normalize()
	return cfg
}

// Normalize fills missing values with defaults and resolves relative paths
// against the data directory.
func (c *Config) Normalize() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.MappingStoreDSN == "" {
		c.MappingStoreDSN = filepath.Join(c.DataDir, "state.db")
	}
	if c.Outlook.Endpoint == "" {
		c.Outlook.Endpoint = "http://127.0.0.1:8721"
	}
	if c.Google.CredentialsPath == "" {
		c.Google.CredentialsPath = "google_client_secret.json"
	}
	if c.Google.TokenPath == "" {
		c.Google.TokenPath = "google_token.json"
	}
	if !filepath.IsAbs(c.Google.CredentialsPath) {
		c.Google.CredentialsPath = filepath.Join(c.DataDir, c.Google.CredentialsPath)
	}
	if !filepath.IsAbs(c.Google.TokenPath) {
		c.Google.TokenPath = filepath.Join(c.DataDir, c.Google.TokenPath)
	}
	if c.Sync.PastDays <= 0 {
		c.Sync.PastDays = 30
	}
	if c.Sync.FutureDays <= 0 {
		c.Sync.FutureDays = 180
	}
	if c.Sync.IntervalSeconds <= 0 {
		c.Sync.IntervalSeconds = 120
	}
	if c.Sync.RedactionMode == "" {
		c.Sync.RedactionMode = RedactionNone
	}
}

// LoadConfig reads, validates, and normalizes a YAML config file.
func LoadConfig(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: config path is empty", ErrConfig)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: config file %s does not exist", ErrConfig, path)
		}
		return nil, fmt.Errorf("%w: read config: %v", ErrConfig, err)
	}

	if err := validateConfig(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", ErrConfig, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// validateConfig checks the raw YAML document against the embedded schema.
// The document is routed through JSON so the validator sees the value shapes
// it expects.
func validateConfig(raw []byte) error {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if generic == nil {
		return nil
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("convert config: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return fmt.Errorf("convert config: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	if err := compiler.AddResource("bridgecal-config.json", schemaDoc); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	schema, err := compiler.Compile("bridgecal-config.json")
	if err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return schema.Validate(doc)
}

// Save writes the configuration atomically with 0600 permissions.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: config path is empty", ErrConfig)
	}
	c.Normalize()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".bridgecal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
