package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return err
		}
	}
	return nil
}

// FromEnv overlays CSVSYNC_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("CSVSYNC_DATA_DIR", &cfg.DataDir)
	str("CSVSYNC_FILENAME", &cfg.Filename)
	if v := os.Getenv("CSVSYNC_HEADER"); v != "" {
		cfg.Header = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Header = append(cfg.Header, p)
			}
		}
	}
	boolean("CSVSYNC_LOG_TIME", &cfg.LogTime)
	boolean("CSVSYNC_LOG_MILLIS", &cfg.LogMillis)
	integer("CSVSYNC_PRECISION", &cfg.Precision)
	boolean("CSVSYNC_TO_CONSOLE", &cfg.ToConsole)

	str("CSVSYNC_REMOTE_KIND", &cfg.Remote.Kind)
	str("CSVSYNC_REMOTE_URL", &cfg.Remote.URL)
	str("CSVSYNC_REMOTE_TOKEN", &cfg.Remote.Token)
	str("CSVSYNC_REMOTE_COMPRESSION", &cfg.Remote.Compression)
	integer("CSVSYNC_REMOTE_TIMEOUT_MS", &cfg.Remote.TimeoutMs)
	str("CSVSYNC_REMOTE_BUCKET", &cfg.Remote.Bucket)
	str("CSVSYNC_REMOTE_PREFIX", &cfg.Remote.Prefix)
	str("CSVSYNC_REMOTE_TABLE", &cfg.Remote.Table)
	str("CSVSYNC_REMOTE_REGION", &cfg.Remote.Region)
	str("CSVSYNC_REMOTE_ACCESS_KEY", &cfg.Remote.AccessKey)
	str("CSVSYNC_REMOTE_SECRET_KEY", &cfg.Remote.SecretKey)
	boolean("CSVSYNC_REMOTE_SECURE", &cfg.Remote.Secure)

	integer("CSVSYNC_SYNC_RETRY_INTERVAL_MS", &cfg.Sync.RetryIntervalMs)
	if v := os.Getenv("CSVSYNC_SYNC_RATE_PER_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sync.RatePerSec = f
		}
	}
	integer("CSVSYNC_SYNC_BURST", &cfg.Sync.Burst)

	str("CSVSYNC_LOG_LEVEL", &cfg.Log.Level)
	str("CSVSYNC_LOG_FORMAT", &cfg.Log.Format)

	str("CSVSYNC_INGEST_HTTP_ADDR", &cfg.Ingest.HTTPAddr)
	str("CSVSYNC_INGEST_GRPC_ADDR", &cfg.Ingest.GRPCAddr)
	str("CSVSYNC_INGEST_DATA_DIR", &cfg.Ingest.DataDir)
	str("CSVSYNC_INGEST_FSYNC", &cfg.Ingest.Fsync)
	str("CSVSYNC_INGEST_TOKEN_HASH", &cfg.Ingest.TokenHash)
}
