package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the call coordinator service.
type Config struct {
	BindAddr        string
	ShutdownTimeout time.Duration

	// Identity is the stable user id of the local participant.
	Identity string

	RelayURL    string
	RegistryURL string
	DatabaseURL string

	NoAnswerTimeout  time.Duration
	WatchdogInterval time.Duration
	WatchdogGrace    time.Duration
	PostEndDelay     time.Duration

	MetricsNamespace string
	LogLevel         string
	AllowAnyOrigin   bool
}

// Load reads a .env file (if present) and environment variables, applying
// safe defaults. Environment variables take precedence over .env values.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:         envOrDefault("CALLWIRE_BIND_ADDR", ":8080"),
		Identity:         strings.TrimSpace(os.Getenv("CALLWIRE_IDENTITY")),
		RelayURL:         envOrDefault("CALLWIRE_RELAY_URL", "ws://localhost:9000/relay"),
		RegistryURL:      envOrDefault("CALLWIRE_REGISTRY_URL", "http://localhost:9001"),
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		MetricsNamespace: envOrDefault("CALLWIRE_METRICS_NAMESPACE", "callwire"),
		LogLevel:         envOrDefault("CALLWIRE_LOG_LEVEL", "info"),
	}

	var err error
	if cfg.ShutdownTimeout, err = envDuration("CALLWIRE_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.NoAnswerTimeout, err = envDuration("CALLWIRE_NO_ANSWER_TIMEOUT", 60*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.WatchdogInterval, err = envDuration("CALLWIRE_WATCHDOG_INTERVAL", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.WatchdogGrace, err = envDuration("CALLWIRE_WATCHDOG_GRACE", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PostEndDelay, err = envDuration("CALLWIRE_POST_END_DELAY", 3*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = envBool("CALLWIRE_ALLOW_ANY_ORIGIN", false); err != nil {
		return Config{}, err
	}

	if cfg.Identity == "" {
		return Config{}, fmt.Errorf("CALLWIRE_IDENTITY is required")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be positive, got %q", key, v)
	}
	return d, nil
}

func envBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid bool %q: %w", key, v, err)
	}
	return b, nil
}
