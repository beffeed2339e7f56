package config

import (
	"testing"
	"time"

	"github.com/webshopkit/addonrules/internal/engine"
)

func TestLoad_RequiredDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail when DATABASE_URL is empty")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("STREAM_POLL_INTERVAL", "")
	t.Setenv("CASCADE_MAX_PASSES", "")
	t.Setenv("CONFLICT_STRATEGY", "")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("TS_HOSTNAME", "")
	t.Setenv("TS_AUTH_KEY", "")
	t.Setenv("TS_STATE_DIR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.StreamPollInterval != time.Second {
		t.Errorf("StreamPollInterval = %v, want 1s", cfg.StreamPollInterval)
	}
	if cfg.CascadeMaxPasses != engine.DefaultMaxPasses {
		t.Errorf("CascadeMaxPasses = %d, want %d", cfg.CascadeMaxPasses, engine.DefaultMaxPasses)
	}
	if cfg.ConflictStrategy != engine.DefaultStrategy {
		t.Errorf("ConflictStrategy = %q, want %q", cfg.ConflictStrategy, engine.DefaultStrategy)
	}
	if cfg.TSStateDir != "tsnet-state" {
		t.Errorf("TSStateDir = %q, want tsnet-state", cfg.TSStateDir)
	}
	if cfg.AuthRateLimit != 10 {
		t.Errorf("AuthRateLimit = %d, want 10", cfg.AuthRateLimit)
	}
	if cfg.CacheResyncInterval != time.Minute {
		t.Errorf("CacheResyncInterval = %v, want 1m", cfg.CacheResyncInterval)
	}
}

func TestLoad_StreamPollInterval_Invalid(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("STREAM_POLL_INTERVAL", "not-a-duration")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail for invalid STREAM_POLL_INTERVAL")
	}
}

func TestLoad_StreamPollInterval_Zero(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("STREAM_POLL_INTERVAL", "0s")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail for zero STREAM_POLL_INTERVAL")
	}
}

func TestLoad_CascadeMaxPasses(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	t.Run("custom", func(t *testing.T) {
		t.Setenv("CASCADE_MAX_PASSES", "25")
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.CascadeMaxPasses != 25 {
			t.Errorf("CascadeMaxPasses = %d, want 25", cfg.CascadeMaxPasses)
		}
	})

	t.Run("zero rejected", func(t *testing.T) {
		t.Setenv("CASCADE_MAX_PASSES", "0")
		if _, err := Load(); err == nil {
			t.Fatal("Load() should fail for zero CASCADE_MAX_PASSES")
		}
	})

	t.Run("garbage rejected", func(t *testing.T) {
		t.Setenv("CASCADE_MAX_PASSES", "many")
		if _, err := Load(); err == nil {
			t.Fatal("Load() should fail for non-numeric CASCADE_MAX_PASSES")
		}
	})
}

func TestLoad_ConflictStrategy(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	t.Run("known", func(t *testing.T) {
		t.Setenv("CONFLICT_STRATEGY", "last_wins")
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.ConflictStrategy != engine.StrategyLastWins {
			t.Errorf("ConflictStrategy = %q, want %q", cfg.ConflictStrategy, engine.StrategyLastWins)
		}
	})

	t.Run("unknown rejected", func(t *testing.T) {
		t.Setenv("CONFLICT_STRATEGY", "coin_flip")
		if _, err := Load(); err == nil {
			t.Fatal("Load() should fail for unknown CONFLICT_STRATEGY")
		}
	})
}

func TestLoad_TSHostnameRequiresAuthKey(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("TS_HOSTNAME", "addonrules")
	t.Setenv("TS_AUTH_KEY", "")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail when TS_HOSTNAME set without TS_AUTH_KEY")
	}
}

func TestLoad_CustomAddr(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("HTTP_ADDR", ":3000")
	t.Setenv("STREAM_POLL_INTERVAL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPAddr != ":3000" {
		t.Errorf("HTTPAddr = %q, want :3000", cfg.HTTPAddr)
	}
}

func TestLoad_CustomStreamPollInterval(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("STREAM_POLL_INTERVAL", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StreamPollInterval != 5*time.Second {
		t.Errorf("StreamPollInterval = %v, want 5s", cfg.StreamPollInterval)
	}
}

func TestEnvOrDefault_EmptyReturnsDefault(t *testing.T) {
	t.Setenv("TEST_KEY", "")
	got := envOrDefault("TEST_KEY", "fallback")
	if got != "fallback" {
		t.Errorf("envOrDefault() = %q, want %q", got, "fallback")
	}
}

func TestEnvOrDefault_WhitespaceReturnsDefault(t *testing.T) {
	t.Setenv("TEST_KEY", "   ")
	got := envOrDefault("TEST_KEY", "fallback")
	if got != "fallback" {
		t.Errorf("envOrDefault() = %q, want %q", got, "fallback")
	}
}

func TestEnvOrDefault_ValueReturnsValue(t *testing.T) {
	t.Setenv("TEST_KEY", " value ")
	got := envOrDefault("TEST_KEY", "fallback")
	if got != "value" {
		t.Errorf("envOrDefault() = %q, want %q", got, "value")
	}
}
