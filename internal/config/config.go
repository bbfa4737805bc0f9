package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"tm-go/internal/tm"
)

// Config represents the main configuration for tm.
type Config struct {
	DataDir              string           `toml:"data_dir"`
	LogDir               string           `toml:"log_dir"`
	CredentialsFile      string           `toml:"credentials_file"`
	CrawlerNameMaxLength int              `toml:"crawler_name_max_length"`
	CheckInterval        Duration         `toml:"check_interval"`
	LogInterval          Duration         `toml:"log_interval"`
	PersistIdleInterval  Duration         `toml:"persist_idle_interval"`
	StreamFields         []string         `toml:"stream_fields,omitempty"`
	Tiers                []TierConfig     `toml:"tiers"`
	Provider             ProviderConfig   `toml:"provider"`
	Database             DatabaseConfig   `toml:"database"`
	Archive              ArchiveConfig    `toml:"archive"`
	Encryption           EncryptionConfig `toml:"encryption"`
	Control              ControlConfig    `toml:"control"`
}

// Duration is a time.Duration written as a string ("10s", "5m") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// TierConfig describes one credential capability tier.
type TierConfig struct {
	Name          string `toml:"name"`
	MaxRules      int    `toml:"max_rules"`
	MaxRuleLength int    `toml:"max_rule_length"`
	ProbeCount    int    `toml:"probe_count"`
}

// ProviderConfig selects the stream provider.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ProviderConfig struct {
	Type string `toml:"type"` // "twitter" or "memory"

	// Twitter-specific fields (only used when Type == "twitter")
	BaseURL        string   `toml:"base_url,omitempty"`
	RequestsPerMin int      `toml:"requests_per_minute,omitempty"`
	MaxBackoff     Duration `toml:"max_backoff,omitempty"`

	// Memory-specific fields (only used when Type == "memory")
	ProbeLimit int `toml:"probe_limit,omitempty"`
}

// DatabaseConfig represents configuration for the operation history database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// ArchiveConfig represents configuration for the archive of completed event files.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ArchiveConfig struct {
	Type     string   `toml:"type"` // "none", "memory", "filesystem" or "s3"
	Name     string   `toml:"name,omitempty"`
	Interval Duration `toml:"interval,omitempty"`
	Grace    Duration `toml:"grace,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket string `toml:"s3_bucket,omitempty"`
	S3Prefix string `toml:"s3_prefix,omitempty"`
	S3Region string `toml:"s3_region,omitempty"`

	// S3Endpoint targets an S3-compatible store instead of AWS.
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`
}

// EncryptionConfig holds paths to the age key pair protecting the credentials file.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// ControlConfig configures the control API server.
type ControlConfig struct {
	Listen string `toml:"listen"`
}

// DefaultListen is the default address of the control API.
const DefaultListen = "127.0.0.1:8427"

// NewConfig creates a new Config rooted at baseDir with default values.
func NewConfig(baseDir string) *Config {
	settings := tm.DefaultSettings(filepath.Join(baseDir, "data"))

	tiers := make([]TierConfig, len(settings.Tiers))
	for i, t := range settings.Tiers {
		tiers[i] = TierConfig{
			Name:          t.Name,
			MaxRules:      t.MaxRules,
			MaxRuleLength: t.MaxRuleLength,
			ProbeCount:    t.ProbeCount,
		}
	}

	return &Config{
		DataDir:              settings.DataDir,
		LogDir:               filepath.Join(baseDir, "log"),
		CredentialsFile:      filepath.Join(baseDir, "credentials.jsonl"),
		CrawlerNameMaxLength: settings.CrawlerNameMaxLen,
		CheckInterval:        Duration{settings.CheckInterval},
		LogInterval:          Duration{settings.LogInterval},
		PersistIdleInterval:  Duration{settings.PersistIdleInterval},
		Tiers:                tiers,
		Provider:             ProviderConfig{Type: "twitter", BaseURL: "https://api.twitter.com", RequestsPerMin: 50, MaxBackoff: Duration{5 * time.Minute}},
		Database:             DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Archive:              ArchiveConfig{Type: "none"},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "tm.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "tm.key"),
		},
		Control: ControlConfig{Listen: DefaultListen},
	}
}

// Settings converts the configuration into validated monitor settings.
func (c *Config) Settings() (tm.Settings, error) {
	s := tm.Settings{
		DataDir:             c.DataDir,
		CrawlerNameMaxLen:   c.CrawlerNameMaxLength,
		CheckInterval:       c.CheckInterval.Duration,
		LogInterval:         c.LogInterval.Duration,
		PersistIdleInterval: c.PersistIdleInterval.Duration,
		StreamFields:        c.StreamFields,
	}
	for _, t := range c.Tiers {
		s.Tiers = append(s.Tiers, tm.Tier{
			Name:          t.Name,
			MaxRules:      t.MaxRules,
			MaxRuleLength: t.MaxRuleLength,
			ProbeCount:    t.ProbeCount,
		})
	}
	return s.Validate()
}

// Validate checks the configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	if _, err := c.Settings(); err != nil {
		return err
	}
	if c.CredentialsFile == "" {
		return fmt.Errorf("credentials_file is required")
	}
	switch c.Provider.Type {
	case "twitter":
		if c.Provider.BaseURL == "" {
			return fmt.Errorf("provider.base_url required for twitter provider")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown provider type: %s", c.Provider.Type)
	}
	switch c.Archive.Type {
	case "", "none", "memory":
	case "filesystem":
		if c.Archive.FSRoot == "" {
			return fmt.Errorf("archive.fs_root required for filesystem archive")
		}
	case "s3":
		if c.Archive.S3Bucket == "" {
			return fmt.Errorf("archive.s3_bucket required for s3 archive")
		}
	default:
		return fmt.Errorf("unknown archive type: %s", c.Archive.Type)
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
