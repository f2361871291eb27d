package config

import (
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
samplingIntervalMs: 1500
conflictStrategy: lastActivated
mods:
  - id: gaming
    type: profile
    priority: 8
    conflictsWith: [night]
  - id: night
    type: profile
    priority: 3
rules:
  - id: gaming-on
    name: Gaming detected
    priority: 10
    conditions:
      - type: process
        params:
          names: [steam]
    actions:
      - type: mod_activate
        params:
          mod: gaming
channels:
  - name: ops
    type: webhook
    url: https://example.test/hook
    types: [metric.critical]
    minSeverity: 5
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.SamplingInterval() != 1500*time.Millisecond {
		t.Fatalf("sampling interval = %v", cfg.SamplingInterval())
	}
	if cfg.EvaluationInterval() != time.Second {
		t.Fatalf("evaluation interval default = %v", cfg.EvaluationInterval())
	}
	if cfg.HistoryLength != defaultHistoryLength {
		t.Fatalf("history length default = %d", cfg.HistoryLength)
	}
	if cfg.Thresholds.DiskPercent != 95 {
		t.Fatalf("disk threshold default = %v", cfg.Thresholds.DiskPercent)
	}
	if cfg.CommandTimeout() != 10*time.Second {
		t.Fatalf("command timeout default = %v", cfg.CommandTimeout())
	}
	if !cfg.Rules[0].IsEnabled() {
		t.Fatalf("rules must be enabled by default")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]string{
		"unknown strategy": `
conflictStrategy: bogus
`,
		"duplicate mod": `
mods:
  - id: gaming
  - id: gaming
`,
		"unknown conflict target": `
mods:
  - id: gaming
    conflictsWith: [missing]
`,
		"rule without actions": `
rules:
  - id: r1
    conditions:
      - type: idle
`,
		"bad combine": `
rules:
  - id: r1
    combine: XOR
    conditions:
      - type: idle
    actions:
      - type: notify
`,
		"webhook without url": `
channels:
  - name: ops
    type: webhook
`,
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestValidateErrorNamesOffender(t *testing.T) {
	_, err := Parse([]byte("rules:\n  - id: r1\n    conditions:\n      - type: idle\n"))
	if err == nil || !strings.Contains(err.Error(), "r1") {
		t.Fatalf("error should name the rule, got %v", err)
	}
}
