/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Artifact backend selection. The empty backend disables uploads.
type ArtifactBackend string

const (
	ArtifactNone       ArtifactBackend = ""
	ArtifactFilesystem ArtifactBackend = "fs"
	ArtifactS3         ArtifactBackend = "s3"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment  string
	TickInterval time.Duration
	MetricsBind  string // empty disables the ops HTTP server

	// Dashboard listener
	DashboardBind             string
	DashboardPort             int
	DashboardMaxConns         int
	DashboardHandshakeTimeout time.Duration

	// Sequence catalog and playback
	SequenceDir    string
	WatchSequences bool
	RecordingDir   string

	// Remote worker
	RemoteWorker      bool
	OrchestratorURL   string
	HeartbeatInterval time.Duration
	HeartbeatJitter   float64
	RequestTimeout    time.Duration
	ClientGUID        string // optional fixed client guid

	// Assignment journal
	DBBackend DatabaseBackend
	DBDSN     string // empty disables the journal

	// Event mirrors
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string
	NATSURL       string
	NATSSubject   string

	// Recording artifacts
	ArtifactBackend ArtifactBackend
	ArtifactDir     string

	// S3 Object Storage configuration
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string // For S3-compatible services (MinIO, Spaces, etc.)
	S3Prefix          string
	S3UsePathStyle    bool // Required for MinIO

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:  getEnvAny([]string{"SEQWORKER_ENV"}, "development"),
		TickInterval: getEnvDurationAny([]string{"SEQWORKER_TICK_INTERVAL"}, 100*time.Millisecond),
		MetricsBind:  getEnvAny([]string{"SEQWORKER_METRICS_BIND"}, "127.0.0.1:9095"),

		DashboardBind:             getEnvAny([]string{"SEQWORKER_DASHBOARD_BIND"}, "127.0.0.1"),
		DashboardPort:             getEnvIntAny([]string{"SEQWORKER_DASHBOARD_PORT"}, 8085),
		DashboardMaxConns:         getEnvIntAny([]string{"SEQWORKER_DASHBOARD_MAX_CONNS"}, 4),
		DashboardHandshakeTimeout: getEnvDurationAny([]string{"SEQWORKER_DASHBOARD_HANDSHAKE_TIMEOUT"}, 0),

		SequenceDir:    getEnvAny([]string{"SEQWORKER_SEQUENCE_DIR"}, "./sequences"),
		WatchSequences: getEnvBoolAny([]string{"SEQWORKER_WATCH_SEQUENCES"}, true),
		RecordingDir:   getEnvAny([]string{"SEQWORKER_RECORDING_DIR"}, "./recordings"),

		RemoteWorker:      getEnvBoolAny([]string{"SEQWORKER_REMOTE_WORKER"}, false),
		OrchestratorURL:   getEnvAny([]string{"SEQWORKER_ORCHESTRATOR_URL", "RG_HOST"}, ""),
		HeartbeatInterval: getEnvDurationAny([]string{"SEQWORKER_HEARTBEAT_INTERVAL"}, 10*time.Second),
		HeartbeatJitter:   getEnvFloatAny([]string{"SEQWORKER_HEARTBEAT_JITTER"}, 0),
		RequestTimeout:    getEnvDurationAny([]string{"SEQWORKER_REQUEST_TIMEOUT"}, 0),
		ClientGUID:        getEnvAny([]string{"SEQWORKER_CLIENT_GUID"}, ""),

		DBBackend: DatabaseBackend(getEnvAny([]string{"SEQWORKER_DB_BACKEND"}, string(DatabaseSQLite))),
		DBDSN:     getEnvAny([]string{"SEQWORKER_DB_DSN"}, ""),

		RedisAddr:     getEnvAny([]string{"SEQWORKER_REDIS_ADDR"}, ""),
		RedisPassword: getEnvAny([]string{"SEQWORKER_REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"SEQWORKER_REDIS_DB"}, 0),
		RedisChannel:  getEnvAny([]string{"SEQWORKER_REDIS_CHANNEL"}, "seqworker:events"),
		NATSURL:       getEnvAny([]string{"SEQWORKER_NATS_URL"}, ""),
		NATSSubject:   getEnvAny([]string{"SEQWORKER_NATS_SUBJECT"}, "seqworker.events"),

		ArtifactBackend: ArtifactBackend(strings.ToLower(getEnvAny([]string{"SEQWORKER_ARTIFACT_BACKEND"}, ""))),
		ArtifactDir:     getEnvAny([]string{"SEQWORKER_ARTIFACT_DIR"}, "./artifacts"),

		S3AccessKeyID:     getEnvAny([]string{"SEQWORKER_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"SEQWORKER_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"SEQWORKER_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Bucket:          getEnvAny([]string{"SEQWORKER_S3_BUCKET", "S3_BUCKET"}, ""),
		S3Endpoint:        getEnvAny([]string{"SEQWORKER_S3_ENDPOINT", "S3_ENDPOINT"}, ""),
		S3Prefix:          getEnvAny([]string{"SEQWORKER_S3_PREFIX"}, "recordings/"),
		S3UsePathStyle:    getEnvBoolAny([]string{"SEQWORKER_S3_USE_PATH_STYLE", "S3_USE_PATH_STYLE"}, false),

		TracingEnabled:    getEnvBoolAny([]string{"SEQWORKER_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"SEQWORKER_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"SEQWORKER_TRACING_SAMPLE_RATE"}, 1.0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

// Validate checks the combination of settings.
func (c *Config) Validate() error {
	if c.DBBackend != DatabasePostgres && c.DBBackend != DatabaseMySQL && c.DBBackend != DatabaseSQLite {
		return fmt.Errorf("unsupported database backend %q", c.DBBackend)
	}

	switch c.ArtifactBackend {
	case ArtifactNone, ArtifactFilesystem:
	case ArtifactS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("SEQWORKER_S3_BUCKET must be provided for the s3 artifact backend")
		}
	default:
		return fmt.Errorf("unsupported artifact backend %q", c.ArtifactBackend)
	}

	if c.RemoteWorker && c.OrchestratorURL == "" {
		return fmt.Errorf("SEQWORKER_ORCHESTRATOR_URL must be provided when SEQWORKER_REMOTE_WORKER is enabled")
	}
	if c.ClientGUID != "" {
		if _, err := uuid.Parse(c.ClientGUID); err != nil {
			return fmt.Errorf("SEQWORKER_CLIENT_GUID is not a valid uuid: %w", err)
		}
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("SEQWORKER_HEARTBEAT_INTERVAL must be positive")
	}
	if c.HeartbeatJitter < 0 || c.HeartbeatJitter > 1 {
		return fmt.Errorf("SEQWORKER_HEARTBEAT_JITTER must be between 0 and 1, got %v", c.HeartbeatJitter)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("SEQWORKER_TICK_INTERVAL must be positive")
	}
	if c.DashboardPort <= 0 || c.DashboardPort > 65535 {
		return fmt.Errorf("SEQWORKER_DASHBOARD_PORT out of range: %d", c.DashboardPort)
	}
	return nil
}

// DashboardAddr returns the dashboard listen address.
func (c *Config) DashboardAddr() string {
	return fmt.Sprintf("%s:%d", c.DashboardBind, c.DashboardPort)
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"RG_HOST":         "use SEQWORKER_ORCHESTRATOR_URL",
		"RG_API_KEY":      "API keys are not sent; the orchestrator connection is unauthenticated",
		"TRACING_ENABLED": "use SEQWORKER_TRACING_ENABLED",
		"OTLP_ENDPOINT":   "use SEQWORKER_OTLP_ENDPOINT",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvDurationAny accepts Go durations ("250ms") or a bare number of seconds.
func getEnvDurationAny(keys []string, def time.Duration) time.Duration {
	for _, k := range keys {
		v := strings.TrimSpace(os.Getenv(k))
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return def
}
