package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("GITMIRROR_TEST_INT", "42")
	if got := intEnv("TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("GITMIRROR_TEST_INT_BAD", "not-a-number")
	if got := intEnv("TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("GITMIRROR_TEST_DURATION", "150ms")
	if got := durationEnv("TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("GITMIRROR_TEST_DURATION_BAD", "soon")
	if got := durationEnv("TEST_DURATION_BAD", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestBoolEnv(t *testing.T) {
	t.Setenv("GITMIRROR_TEST_BOOL", "true")
	t.Setenv("GITMIRROR_TEST_BOOL_BAD", "maybe")
	if !boolEnv("TEST_BOOL", false) {
		t.Fatalf("expected true")
	}
	if !boolEnv("TEST_BOOL_BAD", true) {
		t.Fatalf("expected fallback true")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("GITMIRROR_STORE_DSN", "")
	t.Setenv("GITMIRROR_BACKEND_PROFILE", "")
	t.Setenv("GITMIRROR_CONSUMER_LOOKBACK", "")
	t.Setenv("GITMIRROR_GITHUB_TOKEN", "")
	t.Setenv("GITHUB_TOKEN", "ghp_fallback")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.StoreDSN != "memory://" {
		t.Fatalf("expected memory store, got %q", cfg.StoreDSN)
	}
	if cfg.ConsumerLookback != 72*time.Hour {
		t.Fatalf("expected 72h lookback, got %s", cfg.ConsumerLookback)
	}
	if cfg.GitHubToken != "ghp_fallback" {
		t.Fatalf("expected GITHUB_TOKEN fallback, got %q", cfg.GitHubToken)
	}
	if cfg.SyncMaxPageSize != 100 || cfg.SyncMinPageSize != 10 {
		t.Fatalf("unexpected page sizes %d/%d", cfg.SyncMaxPageSize, cfg.SyncMinPageSize)
	}
}

func TestBackendProfiles(t *testing.T) {
	t.Setenv("GITMIRROR_STORE_DSN", "")
	t.Setenv("GITMIRROR_DATA_DIR", "/var/lib/gitmirror")
	t.Setenv("GITMIRROR_BACKEND_PROFILE", "durable-local")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("durable-local: %v", err)
	}
	if want := "file:///var/lib/gitmirror/mirror.json"; cfg.StoreDSN != want {
		t.Fatalf("expected %q, got %q", want, cfg.StoreDSN)
	}

	t.Setenv("GITMIRROR_BACKEND_PROFILE", "production")
	t.Setenv("GITMIRROR_POSTGRES_DSN", "")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected production profile without dsn to fail")
	}

	t.Setenv("GITMIRROR_BACKEND_PROFILE", "cloud")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected unknown profile to fail")
	}
}

func TestLoadReadsEnvFileWithoutOverridingEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gitmirror.env")
	content := "GITMIRROR_NATS_STREAM_SUBJECTS=github.>, gitlab.>\nGITMIRROR_CONSUMER_WORKERS=3\nGITMIRROR_SYNC_ON_STARTUP=true\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("GITMIRROR_STORE_DSN", "memory://")
	t.Setenv("GITMIRROR_CONSUMER_WORKERS", "5")
	t.Setenv("GITMIRROR_NATS_STREAM_SUBJECTS", "")
	t.Setenv("GITMIRROR_SYNC_ON_STARTUP", "")
	// t.Setenv registers cleanup; unset so the file can supply the values.
	_ = os.Unsetenv("GITMIRROR_NATS_STREAM_SUBJECTS")
	_ = os.Unsetenv("GITMIRROR_SYNC_ON_STARTUP")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConsumerWorkers != 5 {
		t.Fatalf("expected environment to win, got %d workers", cfg.ConsumerWorkers)
	}
	if !cfg.SyncOnStartup {
		t.Fatalf("expected sync on startup from file")
	}
	if len(cfg.NATSStreamSubjects) != 2 || cfg.NATSStreamSubjects[1] != "gitlab.>" {
		t.Fatalf("unexpected stream subjects %v", cfg.NATSStreamSubjects)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("expected missing explicit env file to fail")
	}
}
