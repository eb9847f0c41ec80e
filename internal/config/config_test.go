package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != DefaultHTTPAddr {
		t.Fatalf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Knowledge.TopK != DefaultTopK || cfg.LLM.MaxTokens != DefaultMaxTokens || cfg.LLM.HistoryTurns != DefaultHistoryTurns {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Knowledge, cfg.LLM)
	}
	if cfg.LLM.TimeoutDuration() != 10*time.Second {
		t.Fatalf("unexpected llm timeout: %s", cfg.LLM.TimeoutDuration())
	}
	if cfg.Platforms.SendTimeoutDuration() != 5*time.Second {
		t.Fatalf("unexpected send timeout: %s", cfg.Platforms.SendTimeoutDuration())
	}
	if cfg.Dedup.Enabled {
		t.Fatal("dedup must be off by default")
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
addr = ":9090"

[platforms.messenger]
verify_token = "${CHATGATE_TEST_VERIFY}"

[knowledge]
backend = "qdrant"
top_k = 5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CHATGATE_TEST_VERIFY", "secret-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Platforms.Messenger.VerifyToken != "secret-token" {
		t.Fatalf("env not expanded: %q", cfg.Platforms.Messenger.VerifyToken)
	}
	if cfg.Knowledge.Backend != "qdrant" || cfg.Knowledge.TopK != 5 {
		t.Fatalf("unexpected knowledge config: %+v", cfg.Knowledge)
	}
	if cfg.Postgres.Host != DefaultPGHost {
		t.Fatalf("defaults lost: %+v", cfg.Postgres)
	}
}

func TestLoadRejectsInvalidBackend(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[knowledge]\nbackend = \"sqlite\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestParseDurationFallback(t *testing.T) {
	t.Parallel()

	if got := parseDuration("bogus", "3s"); got != 3*time.Second {
		t.Fatalf("unexpected fallback: %s", got)
	}
	if got := parseDuration("-1s", "3s"); got != 3*time.Second {
		t.Fatalf("negative duration should fall back: %s", got)
	}
	if got := parseDuration("250ms", "3s"); got != 250*time.Millisecond {
		t.Fatalf("unexpected parse: %s", got)
	}
}

func TestPostgresDSN(t *testing.T) {
	t.Parallel()

	cfg := PostgresConfig{Host: "db", Port: 5433, User: "u", Password: "p", Database: "d"}
	if got := cfg.DSN(); got != "postgres://u:p@db:5433/d?sslmode=disable" {
		t.Fatalf("unexpected dsn: %s", got)
	}
}
