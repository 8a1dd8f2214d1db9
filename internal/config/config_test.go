package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KafClaw/clawcore/internal/policy"
)

// bareNames are the unprefixed names envconfig falls back to.
var bareNames = []string{
	"WORKSPACE", "DATA_DIR", "MODULES_DIR", "MODEL", "MAX_TOKENS", "TEMPERATURE",
	"API_KEY", "API_BASE", "MAX_RETRIES", "AUTONOMY_MODE", "MAX_ITERATIONS",
	"HISTORY_BUDGET", "SUMMARIZE_HISTORY", "RATE_LIMIT_PER_HOUR",
	"APPROVAL_TIMEOUT_SECONDS", "TOOL_TIMEOUT_SECONDS", "LOG", "SQLITE",
	"KAFKA_BROKERS", "KAFKA_TOPIC", "SLACK_BOT_TOKEN", "SLACK_CHANNEL",
	"SLACK_API_BASE", "HOST", "PORT", "AUTH_TOKEN", "LEVEL", "LOG_FILE", "JOURNAL",
}

// isolate points HOME and the config path at a temp dir and clears the
// variables Load consults.
func isolate(t *testing.T) string {
	t.Helper()
	for _, k := range bareNames {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CLAWCORE_HOME", "")
	t.Setenv("CLAWCORE_CONFIG", "")
	t.Setenv("CLAWCORE_ENV_FILE", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	return home
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("expected gateway host 127.0.0.1, got %s", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 18790 {
		t.Errorf("expected gateway port 18790, got %d", cfg.Gateway.Port)
	}
	if cfg.Agent.RateLimitPerHour != 20 {
		t.Errorf("expected rate limit 20, got %d", cfg.Agent.RateLimitPerHour)
	}
	mode, err := cfg.Agent.Mode()
	if err != nil || mode != policy.ModeSupervised {
		t.Errorf("expected supervised default, got %s (%v)", mode, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Agent.MaxIterations != 20 {
		t.Errorf("expected maxIterations 20, got %d", cfg.Agent.MaxIterations)
	}
	if want := filepath.Join(home, ".clawcore"); cfg.Paths.DataDir != want {
		t.Errorf("expected data dir %s, got %s", want, cfg.Paths.DataDir)
	}
	if want := filepath.Join(home, ".clawcore", "audit.jsonl"); cfg.Audit.Path != want {
		t.Errorf("expected audit path %s, got %s", want, cfg.Audit.Path)
	}
	if want := filepath.Join(home, ".clawcore", "sessions"); cfg.Paths.SessionsDir() != want {
		t.Errorf("expected sessions dir %s, got %s", want, cfg.Paths.SessionsDir())
	}
}

func TestLoadFromFile(t *testing.T) {
	home := isolate(t)
	configDir := filepath.Join(home, ".clawcore")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatal(err)
	}
	configJSON := `{
		"model": {"name": "gpt-4.1", "maxTokens": 2048},
		"agent": {"autonomyMode": "full", "rateLimitPerHour": 5},
		"gateway": {"port": 9999}
	}`
	if err := os.WriteFile(filepath.Join(configDir, "config.json"), []byte(configJSON), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Model.Name != "gpt-4.1" || cfg.Model.MaxTokens != 2048 {
		t.Errorf("model not loaded: %+v", cfg.Model)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Gateway.Port)
	}
	if cfg.Agent.MaxIterations != 20 {
		t.Errorf("unset fields should keep defaults, got maxIterations %d", cfg.Agent.MaxIterations)
	}
	if mode, _ := cfg.Agent.Mode(); mode != policy.ModeFull {
		t.Errorf("expected full mode, got %s", mode)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("CLAWCORE_AGENT_AUTONOMY_MODE", "read-only")
	t.Setenv("CLAWCORE_AGENT_MAX_ITERATIONS", "7")
	t.Setenv("CLAWCORE_AUDIT_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("CLAWCORE_GATEWAY_PORT", "8088")
	t.Setenv("OPENAI_API_KEY", "sk-from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if mode, _ := cfg.Agent.Mode(); mode != policy.ModeReadOnly {
		t.Errorf("expected read-only, got %s", mode)
	}
	if cfg.Agent.MaxIterations != 7 {
		t.Errorf("expected 7 iterations, got %d", cfg.Agent.MaxIterations)
	}
	if len(cfg.Audit.KafkaBrokers) != 2 || cfg.Audit.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers: %v", cfg.Audit.KafkaBrokers)
	}
	if cfg.Gateway.Port != 8088 {
		t.Errorf("expected port 8088, got %d", cfg.Gateway.Port)
	}
	if cfg.Provider.APIKey != "sk-from-env" {
		t.Errorf("expected API key fallback, got %q", cfg.Provider.APIKey)
	}
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	isolate(t)
	t.Setenv("CLAWCORE_AGENT_AUTONOMY_MODE", "yolo")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an unknown autonomy mode")
	}
}

func TestLoadIncludesAndSubstitution(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, "cfg")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	base := `{"gateway": {"host": "0.0.0.0", "port": 1234}}`
	main := `{"$include": "base.json", "gateway": {"authToken": "${GW_TOKEN}"}, "model": {"name": "${CLAWCORE_TEST_MODEL:-local/qwen}"}, "audit": {"kafkaTopic": "${CLAWCORE_TEST_UNSET}"}}`
	if err := os.WriteFile(filepath.Join(dir, "base.json"), []byte(base), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.json"), []byte(main), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CLAWCORE_CONFIG", filepath.Join(dir, "main.json"))
	t.Setenv("GW_TOKEN", "s3cret")
	t.Setenv("CLAWCORE_TEST_MODEL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Gateway.Host != "0.0.0.0" || cfg.Gateway.Port != 1234 || cfg.Gateway.AuthToken != "s3cret" {
		t.Errorf("unexpected gateway config: %+v", cfg.Gateway)
	}
	if cfg.Model.Name != "local/qwen" {
		t.Errorf("fallback not applied, model = %q", cfg.Model.Name)
	}
	if cfg.Audit.KafkaTopic != "${CLAWCORE_TEST_UNSET}" {
		t.Errorf("unset reference should stay verbatim, got %q", cfg.Audit.KafkaTopic)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	home := isolate(t)
	a := filepath.Join(home, "a.json")
	b := filepath.Join(home, "b.json")
	os.WriteFile(a, []byte(`{"$include": "b.json"}`), 0o600)
	os.WriteFile(b, []byte(`{"$include": "a.json"}`), 0o600)
	t.Setenv("CLAWCORE_CONFIG", a)

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestEnsureWorkspace(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ws", "nested")
	if err := EnsureWorkspace(dir); err != nil {
		t.Fatal(err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("workspace not created: %v", err)
	}
	if err := EnsureWorkspace("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
