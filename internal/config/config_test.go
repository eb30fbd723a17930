package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Engine.RateVarianceBps != 1500 || cfg.Engine.DefaultMaxApplicants != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg.Engine)
	}
	if cfg.Server.BasePath != "/v1" {
		t.Fatalf("base path = %q", cfg.Server.BasePath)
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("engine:\n  rate_variance_bps: 1000\nexpiry:\n  sweep_interval: 30s\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Engine.RateVarianceBps != 1000 {
		t.Fatalf("bps = %d", cfg.Engine.RateVarianceBps)
	}
	if cfg.Engine.DefaultMaxApplicants != 5 {
		t.Fatalf("unset key lost its default: %d", cfg.Engine.DefaultMaxApplicants)
	}
	if cfg.Expiry.SweepInterval != 30*time.Second {
		t.Fatalf("sweep interval = %s", cfg.Expiry.SweepInterval)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"variance above 100%": "engine:\n  rate_variance_bps: 10001\n",
		"no applicants":       "engine:\n  default_max_applicants: 0\n",
		"page sizes":          "engine:\n  default_page_size: 100\n  max_page_size: 10\n",
		"negative interval":   "expiry:\n  sweep_interval: -1s\n",
		"relative base path":  "server:\n  base_path: v1\n",
		"unknown level":       "logging:\n  level: LOUD\n",
		"not yaml":            "engine: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(doc)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg.Engine.RateVarianceBps != 1500 {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("Load without file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "marketline.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load generated default: %v", err)
	}
}

func TestConfigureLogging(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "debug"
	if err := cfg.ConfigureLogging(); err != nil {
		t.Fatalf("configure: %v", err)
	}
}
