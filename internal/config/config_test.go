package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CALLWIRE_IDENTITY", "doc-17")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.NoAnswerTimeout != 60*time.Second {
		t.Fatalf("NoAnswerTimeout = %v, want 60s", cfg.NoAnswerTimeout)
	}
	if cfg.WatchdogInterval != 10*time.Second {
		t.Fatalf("WatchdogInterval = %v, want 10s", cfg.WatchdogInterval)
	}
	if cfg.WatchdogGrace != 10*time.Second {
		t.Fatalf("WatchdogGrace = %v, want 10s", cfg.WatchdogGrace)
	}
	if cfg.PostEndDelay != 3*time.Second {
		t.Fatalf("PostEndDelay = %v, want 3s", cfg.PostEndDelay)
	}
	if cfg.MetricsNamespace != "callwire" {
		t.Fatalf("MetricsNamespace = %q", cfg.MetricsNamespace)
	}
}

func TestLoadRequiresIdentity(t *testing.T) {
	setCoreEnvEmpty(t)

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should fail without CALLWIRE_IDENTITY")
	}
}

func TestLoadParsesDurations(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CALLWIRE_IDENTITY", "doc-17")
	t.Setenv("CALLWIRE_NO_ANSWER_TIMEOUT", "90s")
	t.Setenv("CALLWIRE_POST_END_DELAY", "1500ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.NoAnswerTimeout != 90*time.Second {
		t.Fatalf("NoAnswerTimeout = %v, want 90s", cfg.NoAnswerTimeout)
	}
	if cfg.PostEndDelay != 1500*time.Millisecond {
		t.Fatalf("PostEndDelay = %v, want 1.5s", cfg.PostEndDelay)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CALLWIRE_IDENTITY", "doc-17")
	t.Setenv("CALLWIRE_WATCHDOG_GRACE", "soon")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject an unparseable duration")
	}
}

func TestLoadRejectsNegativeDuration(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CALLWIRE_IDENTITY", "doc-17")
	t.Setenv("CALLWIRE_NO_ANSWER_TIMEOUT", "-10s")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject a negative duration")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"CALLWIRE_BIND_ADDR",
		"CALLWIRE_SHUTDOWN_TIMEOUT",
		"CALLWIRE_IDENTITY",
		"CALLWIRE_RELAY_URL",
		"CALLWIRE_REGISTRY_URL",
		"CALLWIRE_NO_ANSWER_TIMEOUT",
		"CALLWIRE_WATCHDOG_INTERVAL",
		"CALLWIRE_WATCHDOG_GRACE",
		"CALLWIRE_POST_END_DELAY",
		"CALLWIRE_METRICS_NAMESPACE",
		"CALLWIRE_LOG_LEVEL",
		"CALLWIRE_ALLOW_ANY_ORIGIN",
		"DATABASE_URL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
