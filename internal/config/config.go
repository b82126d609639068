package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingRevision indicates BUILDBOT_GOT_REVISION is unset for a shape
// that transfers archives
var ErrMissingRevision = errors.New("missing revision: BUILDBOT_GOT_REVISION is not set")

// Config represents the bot configuration
type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	Storage   StorageConfig   `yaml:"storage"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Worker    WorkerConfig    `yaml:"worker"`
	Logging   LoggingConfig   `yaml:"logging"`
	Status    StatusConfig    `yaml:"status"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// WorkspaceConfig locates the checkout and its build output
type WorkspaceConfig struct {
	Root     string `yaml:"root"`
	OutDir   string `yaml:"out_dir"`   // relative to root
	DebugLog string `yaml:"debug_log"` // relative to root
	DartARM  string `yaml:"dart_arm"`  // relative to root
}

// StorageConfig selects where cross-build archives are exchanged
type StorageConfig struct {
	Kind   string      `yaml:"kind"` // s3, sftp or local
	Bucket string      `yaml:"bucket"`
	S3     S3Config    `yaml:"s3"`
	SFTP   SFTPConfig  `yaml:"sftp"`
	Local  LocalConfig `yaml:"local"`
}

// LocalConfig points the local backend at a shared directory
type LocalConfig struct {
	Dir string `yaml:"dir"` // bucket is appended
}

// S3Config contains S3-compatible endpoint settings
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// SFTPConfig contains SSH settings for the sftp backend
type SFTPConfig struct {
	Addr       string        `yaml:"addr"`
	User       string        `yaml:"user"`
	Password   string        `yaml:"password"`
	PrivateKey string        `yaml:"private_key"` // PEM contents
	KnownHosts string        `yaml:"known_hosts"` // path, empty skips host key checks
	Dir        string        `yaml:"dir"`         // remote root, bucket is appended
	Timeout    time.Duration `yaml:"timeout"`
}

// ArchiveConfig selects the archive compression
type ArchiveConfig struct {
	Codec string `yaml:"codec"` // bzip2 or zstd
}

// WorkerConfig contains daemon supervision settings
type WorkerConfig struct {
	StopGrace time.Duration `yaml:"stop_grace"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// StatusConfig contains the optional status API settings
type StatusConfig struct {
	Addr    string   `yaml:"addr"` // empty disables the server
	APIKeys []APIKey `yaml:"api_keys"`
}

// APIKey represents an API key for authentication
type APIKey struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

// TelemetryConfig contains tracing settings
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads and parses the configuration file. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables in the config
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = "."
	}
	if cfg.Workspace.OutDir == "" {
		cfg.Workspace.OutDir = "out"
	}
	if cfg.Workspace.DebugLog == "" {
		cfg.Workspace.DebugLog = ".debug.log"
	}
	if cfg.Workspace.DartARM == "" {
		cfg.Workspace.DartARM = "third_party/bin/linux/dart-arm"
	}
	if cfg.Storage.Kind == "" {
		cfg.Storage.Kind = "s3"
	}
	if cfg.Storage.Bucket == "" {
		cfg.Storage.Bucket = "fletch-cross-compiled-binaries"
	}
	if cfg.Storage.S3.Endpoint == "" {
		cfg.Storage.S3.Endpoint = "storage.googleapis.com"
		cfg.Storage.S3.UseSSL = true
	}
	if cfg.Storage.S3.Region == "" {
		cfg.Storage.S3.Region = "us-east-1"
	}
	if cfg.Storage.SFTP.Timeout == 0 {
		cfg.Storage.SFTP.Timeout = 30 * time.Second
	}
	if cfg.Archive.Codec == "" {
		cfg.Archive.Codec = "bzip2"
	}
	if cfg.Worker.StopGrace == 0 {
		cfg.Worker.StopGrace = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "fletch-ci"
	}
}

// Validate checks enumerated settings
func (cfg *Config) Validate() error {
	switch cfg.Storage.Kind {
	case "s3", "sftp":
	case "local":
		if cfg.Storage.Local.Dir == "" {
			return fmt.Errorf("storage.local.dir is required for the local backend")
		}
	default:
		return fmt.Errorf("unsupported storage kind: %s", cfg.Storage.Kind)
	}
	switch cfg.Archive.Codec {
	case "bzip2", "zstd":
	default:
		return fmt.Errorf("unsupported archive codec: %s", cfg.Archive.Codec)
	}
	if cfg.Worker.StopGrace < 0 {
		return fmt.Errorf("worker stop_grace must not be negative")
	}
	return nil
}

// Revision returns the pipeline-wide revision identifier from getenv
func Revision(getenv func(string) string) (string, error) {
	revision := getenv("BUILDBOT_GOT_REVISION")
	if revision == "" {
		return "", ErrMissingRevision
	}
	return revision, nil
}
