package config_test

import (
	"os"
	"testing"

	"chronotrial/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Timing.StaleWindowDays != 2 {
		t.Errorf("stale_window_days = %d", cfg.Timing.StaleWindowDays)
	}
	if cfg.Report.OutputDir != "reports" {
		t.Errorf("output_dir = %q", cfg.Report.OutputDir)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" || cfg.Server.BasePath != "/v0" {
		t.Errorf("server = %+v", cfg.Server)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("timing:\n  stale_window_days: 7\nreport:\n  output_dir: out\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Timing.StaleWindowDays != 7 || cfg.Report.OutputDir != "out" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	// untouched sections keep their defaults
	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Fatalf("server defaults lost: %+v", cfg.Server)
	}
}

func TestFromYAMLRejectsBadValues(t *testing.T) {
	if _, err := config.FromYAML([]byte("timing:\n  stale_window_days: 0\n")); err == nil {
		t.Fatal("expected validation error for zero window")
	}
	if _, err := config.FromYAML([]byte("report:\n  output_dir: \"\"\n")); err == nil {
		t.Fatal("expected validation error for empty output dir")
	}
	if _, err := config.FromYAML([]byte("not: [valid")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestJWTSecretEnvOverride(t *testing.T) {
	t.Setenv("CHRONOTRIAL_JWT_SECRET", "from-env")
	cfg, err := config.FromYAML([]byte("server:\n  jwt_secret: from-file\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.JWTSecret != "from-env" {
		t.Fatalf("jwt_secret = %q", cfg.Server.JWTSecret)
	}
}

func TestLoadOptionalAndWriteDefault(t *testing.T) {
	workspace := t.TempDir()

	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Timing.StaleWindowDays != 2 {
		t.Fatalf("missing file should yield defaults: %+v", cfg)
	}

	created, err := config.WriteDefault(workspace)
	if err != nil || !created {
		t.Fatalf("first write: created=%v err=%v", created, err)
	}
	created, err = config.WriteDefault(workspace)
	if err != nil || created {
		t.Fatalf("second write should be a no-op: created=%v err=%v", created, err)
	}
	if _, err := os.Stat(config.Path(workspace)); err != nil {
		t.Fatalf("config file missing: %v", err)
	}
	if _, err := config.Load(workspace); err != nil {
		t.Fatalf("load written default: %v", err)
	}
}
