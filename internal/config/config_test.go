package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got := cfg.SweepInterval(); got != 5*time.Minute {
		t.Fatalf("sweep interval = %v", got)
	}
	if got := cfg.StallAfter(); got != 15*time.Minute {
		t.Fatalf("stall after = %v", got)
	}
	if got := cfg.EscalateAfter(); got != time.Hour {
		t.Fatalf("escalate after = %v", got)
	}
	if got := cfg.HeartbeatTimeout(); got != 2*time.Minute {
		t.Fatalf("heartbeat timeout = %v", got)
	}
	if cfg.Orchestrator.MaxDelegationDepth != 4 {
		t.Fatalf("max depth = %d", cfg.Orchestrator.MaxDelegationDepth)
	}
	if len(cfg.Resources.Tiers) != 4 || cfg.Resources.Tiers[0].Name != "serverless-function" {
		t.Fatalf("unexpected tiers: %+v", cfg.Resources.Tiers)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("generated template does not parse: %v", err)
	}
	if cfg.Orchestrator.SweepInterval != Default().Orchestrator.SweepInterval {
		t.Fatalf("template and Default disagree on sweep_interval")
	}
}

func TestFromYAMLRejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing duration",
			yaml: `
orchestrator:
  stall_after: 15m
  escalate_after: 1h
  heartbeat_timeout: 2m
  max_delegation_depth: 4
resources:
  tiers:
    - name: any
`,
			want: "sweep_interval is required",
		},
		{
			name: "bad duration",
			yaml: `
orchestrator:
  sweep_interval: soon
  stall_after: 15m
  escalate_after: 1h
  heartbeat_timeout: 2m
  max_delegation_depth: 4
resources:
  tiers:
    - name: any
`,
			want: "sweep_interval",
		},
		{
			name: "non-positive depth",
			yaml: `
orchestrator:
  sweep_interval: 5m
  stall_after: 15m
  escalate_after: 1h
  heartbeat_timeout: 2m
  max_delegation_depth: 0
resources:
  tiers:
    - name: any
`,
			want: "max_delegation_depth must be positive",
		},
		{
			name: "no tiers",
			yaml: `
orchestrator:
  sweep_interval: 5m
  stall_after: 15m
  escalate_after: 1h
  heartbeat_timeout: 2m
  max_delegation_depth: 4
`,
			want: "tiers is required",
		},
		{
			name: "duplicate tier",
			yaml: `
orchestrator:
  sweep_interval: 5m
  stall_after: 15m
  escalate_after: 1h
  heartbeat_timeout: 2m
  max_delegation_depth: 4
resources:
  tiers:
    - name: any
    - name: any
`,
			want: "duplicate name any",
		},
		{
			name: "negative max_seconds",
			yaml: `
orchestrator:
  sweep_interval: 5m
  stall_after: 15m
  escalate_after: 1h
  heartbeat_timeout: 2m
  max_delegation_depth: 4
resources:
  tiers:
    - name: any
      max_seconds: -1
`,
			want: "must not be negative",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Orchestrator.SweepInterval != Default().Orchestrator.SweepInterval {
		t.Fatalf("expected default config, got %+v", cfg)
	}

	custom := strings.Replace(GenerateDefault(), "sweep_interval: 5m", "sweep_interval: 30s", 1)
	if err := os.WriteFile(filepath.Join(dir, "crewline.yml"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional with file: %v", err)
	}
	if cfg.SweepInterval() != 30*time.Second {
		t.Fatalf("sweep interval = %v, want 30s", cfg.SweepInterval())
	}
}

func TestLoadMissingFileIsActionable(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "cw init") {
		t.Fatalf("expected init hint, got %v", err)
	}
}
