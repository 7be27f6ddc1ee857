// Package config loads the daemon's configuration: flag > env > file >
// default, the same precedence the teacher's CLI uses for its client
// config, built on spf13/viper.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/filesyncd/filesync/internal/utils"
)

// Config is the daemon's resolved configuration.
type Config struct {
	DataDir              string        `json:"dataDir" mapstructure:"data_dir"`
	StoreID              string        `json:"storeID" mapstructure:"store_id"`
	SignerURL            string        `json:"signerURL" mapstructure:"signer_url"`
	Bucket               string        `json:"bucket" mapstructure:"bucket"`
	ReadPathAddr         string        `json:"readPathAddr" mapstructure:"read_path_addr"`
	ReadPathPrefix       string        `json:"readPathPrefix" mapstructure:"read_path_prefix"`
	CacheRemoteResponses bool          `json:"cacheRemoteResponses" mapstructure:"cache_remote_responses"`

	// Remote backend selection: "signer" (default, production) or
	// "s3direct" (self-hosted deployments that trust the client with
	// direct credentials; also used by the local devstack).
	RemoteBackend string `json:"remoteBackend" mapstructure:"remote_backend"`
	S3Endpoint    string `json:"s3Endpoint" mapstructure:"s3_endpoint"`
	S3Region      string `json:"s3Region" mapstructure:"s3_region"`
	S3AccessKey   string `json:"s3AccessKey" mapstructure:"s3_access_key"`
	S3SecretKey   string `json:"s3SecretKey" mapstructure:"s3_secret_key"`

	ClientID string `json:"clientID" mapstructure:"client_id"`

	MaxConcurrentUploads   int           `json:"maxConcurrentUploads" mapstructure:"max_concurrent_uploads"`
	MaxConcurrentDownloads int           `json:"maxConcurrentDownloads" mapstructure:"max_concurrent_downloads"`
	MaxRetries             int           `json:"maxRetries" mapstructure:"max_retries"`
	BaseDelay              time.Duration `json:"baseDelayMs" mapstructure:"base_delay_ms"`
	MaxDelay               time.Duration `json:"maxDelayMs" mapstructure:"max_delay_ms"`
	Jitter                 time.Duration `json:"jitterMs" mapstructure:"jitter_ms"`

	LeaseTTL time.Duration `json:"leaseTTLMs" mapstructure:"lease_ttl_ms"`
}

// LogValue implements slog.LogValuer, redacting credentials the way the
// teacher's own config redacts tokens when logged.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("dataDir", c.DataDir),
		slog.String("storeID", c.StoreID),
		slog.String("signerURL", c.SignerURL),
		slog.String("bucket", c.Bucket),
		slog.String("remoteBackend", c.RemoteBackend),
		slog.String("readPathAddr", c.ReadPathAddr),
		slog.String("s3AccessKey", utils.MaskSecret(c.S3AccessKey)),
	)
}

// DefaultPath is ~/.filesync/config.json, overridable via FILESYNC_CONFIG_PATH.
func DefaultPath() string {
	if p := os.Getenv("FILESYNC_CONFIG_PATH"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".filesync", "config.json")
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	v.SetDefault("data_dir", filepath.Join(home, ".filesync", "data"))
	v.SetDefault("read_path_addr", "127.0.0.1:8787")
	v.SetDefault("read_path_prefix", "/livestore-filesync-files/")
	v.SetDefault("cache_remote_responses", true)
	v.SetDefault("remote_backend", "signer")
	v.SetDefault("max_concurrent_uploads", 2)
	v.SetDefault("max_concurrent_downloads", 2)
	v.SetDefault("max_retries", 5)
	v.SetDefault("base_delay_ms", 500)
	v.SetDefault("max_delay_ms", 30000)
	v.SetDefault("jitter_ms", 200)
	v.SetDefault("lease_ttl_ms", 15000)
}

// Load resolves configuration from the package-level viper singleton with
// precedence flag > env > file > default — the caller is expected to have
// already bound CLI flags onto viper (viper.BindPFlag) before calling Load,
// the same division of responsibility the teacher's CLI uses. path, if
// empty, defaults to DefaultPath(); a missing file is not an error, since
// flags and env alone can fully specify the config.
func Load(path string) (*Config, error) {
	setDefaults(viper.GetViper())

	viper.SetEnvPrefix("FILESYNC")
	viper.AutomaticEnv()

	if path == "" {
		path = DefaultPath()
	}
	viper.SetConfigFile(path)
	viper.SetConfigType("json")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	// viper unmarshals duration fields from raw milliseconds ints as
	// nanoseconds unless told otherwise; the *_ms keys are plain
	// milliseconds, so convert explicitly rather than fight mapstructure
	// hooks for this small a surface.
	cfg.BaseDelay = time.Duration(viper.GetInt64("base_delay_ms")) * time.Millisecond
	cfg.MaxDelay = time.Duration(viper.GetInt64("max_delay_ms")) * time.Millisecond
	cfg.Jitter = time.Duration(viper.GetInt64("jitter_ms")) * time.Millisecond
	cfg.LeaseTTL = time.Duration(viper.GetInt64("lease_ttl_ms")) * time.Millisecond

	if cfg.DataDir != "" {
		resolved, err := utils.ResolvePath(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("config: resolve dataDir: %w", err)
		}
		cfg.DataDir = resolved
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the minimal set of fields every deployment must set.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: dataDir is required")
	}
	if c.StoreID == "" {
		return fmt.Errorf("config: storeID is required")
	}
	switch c.RemoteBackend {
	case "signer":
		if c.SignerURL == "" {
			return fmt.Errorf("config: signerURL is required when remoteBackend=signer")
		}
	case "s3direct":
		if c.Bucket == "" {
			return fmt.Errorf("config: bucket is required when remoteBackend=s3direct")
		}
	default:
		return fmt.Errorf("config: unknown remoteBackend %q", c.RemoteBackend)
	}
	return nil
}

// Save writes c as indented JSON to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
