package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logpkg "github.com/rzbill/csvsync/pkg/log"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// DataDir holds log files, the ledger and the node id. Empty means DefaultDataDir().
	DataDir   string   `json:"dataDir"`
	Filename  string   `json:"filename"`
	Header    []string `json:"header"`
	LogTime   bool     `json:"logTime"`
	LogMillis bool     `json:"logMillis"`
	Precision int      `json:"precision"`
	ToConsole bool     `json:"toConsole"`

	Remote Remote        `json:"remote"`
	Sync   Sync          `json:"sync"`
	Log    logpkg.Config `json:"log"`
	Ingest Ingest        `json:"ingest"`
}

// Remote selects and configures the push transport.
type Remote struct {
	// Kind is one of none|http|grpc|postgres|sqlite|minio|s3.
	Kind string `json:"kind"`
	// URL is the endpoint: base URL for http, host:port for grpc/minio,
	// DSN for postgres/sqlite, optional custom endpoint for s3.
	URL         string `json:"url"`
	Token       string `json:"token"`
	Compression string `json:"compression"`
	TimeoutMs   int    `json:"timeoutMs"`
	Bucket      string `json:"bucket"`
	Prefix      string `json:"prefix"`
	Table       string `json:"table"`
	Region      string `json:"region"`
	AccessKey   string `json:"accessKey"`
	SecretKey   string `json:"secretKey"`
	Secure      bool   `json:"secure"`
}

// Sync tunes the remote syncer.
type Sync struct {
	// RetryIntervalMs enables a background catch-up loop when > 0.
	RetryIntervalMs int     `json:"retryIntervalMs"`
	RatePerSec      float64 `json:"ratePerSec"`
	Burst           int     `json:"burst"`
}

// Ingest configures the reference ingest server.
type Ingest struct {
	HTTPAddr string `json:"httpAddr"`
	GRPCAddr string `json:"grpcAddr"`
	// DataDir holds the received rows. Empty means "ingest" under the data dir.
	DataDir string `json:"dataDir"`
	// Fsync is always|interval|never.
	Fsync string `json:"fsync"`
	// TokenHash is a bcrypt hash of the accepted bearer token. Empty disables auth.
	TokenHash    string `json:"tokenHash"`
	MaxBodyBytes int64  `json:"maxBodyBytes"`
}

// Default returns built-in defaults, matching the logger's historic defaults:
// timestamps with milliseconds, two decimal places, no console mirroring.
func Default() Config {
	return Config{
		Filename:  "log.csv",
		LogTime:   true,
		LogMillis: true,
		Precision: 2,
		Remote: Remote{
			Kind:        "none",
			Compression: "zstd",
			TimeoutMs:   5000,
			Table:       "csv_rows",
		},
		Sync: Sync{
			Burst: 1,
		},
		Log: logpkg.Config{Level: "info", Format: "text", Redact: []string{"token"}},
		Ingest: Ingest{
			HTTPAddr:     ":8080",
			GRPCAddr:     ":50051",
			Fsync:        "always",
			MaxBodyBytes: 8 << 20,
		},
	}
}

// Load reads configuration from a JSON file. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return Config{}, errors.New("yaml config not supported; use JSON")
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Validate reports settings that cannot work at runtime.
func (c Config) Validate() error {
	if c.Precision < 0 {
		return fmt.Errorf("precision must be >= 0, got %d", c.Precision)
	}
	switch c.Remote.Kind {
	case "", "none":
	case "http", "grpc", "postgres", "sqlite":
		if c.Remote.URL == "" {
			return fmt.Errorf("remote.url is required for kind %q", c.Remote.Kind)
		}
	case "minio", "s3":
		if c.Remote.Bucket == "" {
			return fmt.Errorf("remote.bucket is required for kind %q", c.Remote.Kind)
		}
	default:
		return fmt.Errorf("unknown remote.kind %q", c.Remote.Kind)
	}
	return nil
}
