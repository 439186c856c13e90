package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("svc")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Service.ID != "svc" {
		t.Fatalf("service id = %q", cfg.Service.ID)
	}
	if cfg.Disputes.SLA.Duration != 48*time.Hour {
		t.Fatalf("sla = %v", cfg.Disputes.SLA)
	}
	if cfg.Scheduler.Interval.Duration != time.Minute {
		t.Fatalf("interval = %v", cfg.Scheduler.Interval)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
service:
  id: prod
disputes:
  sla: 24h
webhooks:
  - url: http://example.test/hook
    events: [violation.ban]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Disputes.SLA.Duration != 24*time.Hour {
		t.Fatalf("sla = %v", cfg.Disputes.SLA)
	}
	if cfg.Disputes.SystemArbiterID != "system-arbiter" {
		t.Fatalf("system arbiter default lost: %q", cfg.Disputes.SystemArbiterID)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Events[0] != "violation.ban" {
		t.Fatalf("webhooks = %+v", cfg.Webhooks)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad duration":      "service:\n  id: x\ndisputes:\n  sla: soon\n",
		"postgres sans dsn": "service:\n  id: x\nstorage:\n  driver: postgres\n",
		"unknown driver":    "service:\n  id: x\nstorage:\n  driver: mysql\n",
		"empty hook url":    "service:\n  id: x\nwebhooks:\n  - events: [a]\n",
		"relative base":     "service:\n  id: x\nhttp:\n  base_path: v1\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config, got %v %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "marketline.yml"), []byte(GenerateDefault("ws")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.ID != "ws" {
		t.Fatalf("service id = %q", cfg.Service.ID)
	}
	out, err := cfg.YAML()
	if err != nil || !strings.Contains(out, "sla: 48h0m0s") {
		t.Fatalf("yaml render: %v\n%s", err, out)
	}
}
