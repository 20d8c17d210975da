// Package config reads process configuration from the environment, after
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const prefix = "GITMIRROR_"

type Config struct {
	StoreDSN string

	NATSURL            string
	NATSStream         string
	NATSDurable        string
	NATSStreamSubjects []string
	ConsumerLookback   time.Duration
	ConsumerWorkers    int
	HandlerTimeout     time.Duration
	MaxDeliver         int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	ScopeFile string

	GitHubToken      string
	GitHubGraphQLURL string

	SyncSchedule          string
	SyncOnStartup         bool
	SyncMaxPageSize       int
	SyncMinPageSize       int
	SyncCriticalRemaining int
	SyncHealthyRemaining  int
	SyncMaxPages          int
	SyncParallelTenants   int

	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

// Load reads envFile when set, otherwise ./.env when present, then the
// environment. Variables already set in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

func FromEnv() (Config, error) {
	storeDSN, err := storeDSNFromEnv()
	if err != nil {
		return Config{}, err
	}
	token := stringEnv("GITHUB_TOKEN", "")
	if token == "" {
		token = strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))
	}
	return Config{
		StoreDSN:              storeDSN,
		NATSURL:               stringEnv("NATS_URL", "memory://"),
		NATSStream:            stringEnv("NATS_STREAM", "GIT_EVENTS"),
		NATSDurable:           stringEnv("NATS_DURABLE", "gitmirror"),
		NATSStreamSubjects:    listEnv("NATS_STREAM_SUBJECTS"),
		ConsumerLookback:      durationEnv("CONSUMER_LOOKBACK", 72*time.Hour),
		ConsumerWorkers:       intEnv("CONSUMER_WORKERS", 8),
		HandlerTimeout:        durationEnv("HANDLER_TIMEOUT", 60*time.Second),
		MaxDeliver:            intEnv("CONSUMER_MAX_DELIVER", 0),
		ReconnectBaseDelay:    durationEnv("RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:     durationEnv("RECONNECT_MAX_DELAY", time.Minute),
		ScopeFile:             stringEnv("SCOPE_FILE", "workspaces.yaml"),
		GitHubToken:           token,
		GitHubGraphQLURL:      stringEnv("GITHUB_GRAPHQL_URL", ""),
		SyncSchedule:          stringEnv("SYNC_SCHEDULE", "0 */6 * * *"),
		SyncOnStartup:         boolEnv("SYNC_ON_STARTUP", false),
		SyncMaxPageSize:       intEnv("SYNC_MAX_PAGE_SIZE", 100),
		SyncMinPageSize:       intEnv("SYNC_MIN_PAGE_SIZE", 10),
		SyncCriticalRemaining: intEnv("SYNC_CRITICAL_REMAINING", 50),
		SyncHealthyRemaining:  intEnv("SYNC_HEALTHY_REMAINING", 1000),
		SyncMaxPages:          intEnv("SYNC_MAX_PAGES", 200),
		SyncParallelTenants:   intEnv("SYNC_PARALLEL_TENANTS", 4),
		MetricsAddr:           stringEnv("METRICS_ADDR", ":9090"),
		LogLevel:              stringEnv("LOG_LEVEL", "info"),
		LogFormat:             stringEnv("LOG_FORMAT", "json"),
	}, nil
}

// storeDSNFromEnv prefers an explicit DSN and falls back to the backend
// profile's default.
func storeDSNFromEnv() (string, error) {
	if dsn := stringEnv("STORE_DSN", ""); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(stringEnv("BACKEND_PROFILE", ""))
	switch profile {
	case "", "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(stringEnv("DATA_DIR", ".gitmirror"), "mirror.json"), nil
	case "production", "prod":
		dsn := stringEnv("POSTGRES_DSN", "")
		if dsn == "" {
			return "", fmt.Errorf("%sPOSTGRES_DSN is required when %sBACKEND_PROFILE=%s", prefix, prefix, profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported %sBACKEND_PROFILE: %s", prefix, profile)
	}
}

func stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(prefix + name)); raw != "" {
		return raw
	}
	return fallback
}

func listEnv(name string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(prefix+name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(prefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer setting, using fallback", "name", prefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(prefix + name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration setting, using fallback", "name", prefix+name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(prefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid boolean setting, using fallback", "name", prefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}
