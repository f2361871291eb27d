package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestRunCheckSuccess(t *testing.T) {
	cfg := `mods:
  - id: gaming
    type: performance
    priority: 5
rules:
  - id: game-detected
    conditions:
      - type: process
        params:
          name: steam
    actions:
      - type: mod_activate
        params:
          mod: gaming
`
	path := writeTempConfig(t, cfg)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if err := runCheck([]string{"--config", path}, &stdout, &stderr); err != nil {
		t.Fatalf("runCheck returned error: %v", err)
	}
	if !strings.Contains(stdout.String(), "Configuration OK") {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
	if strings.TrimSpace(stderr.String()) != "" {
		t.Fatalf("expected no stderr, got %q", stderr.String())
	}
}

func TestRunCheckFailure(t *testing.T) {
	cfg := `rules:
  - id: broken
    conditions: []
    actions: []
`
	path := writeTempConfig(t, cfg)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	err := runCheck([]string{"--config", path}, &stdout, &stderr)
	if err == nil {
		t.Fatalf("expected error from runCheck")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Fatalf("error should name the offending rule: %v", err)
	}
}

func TestRunCheckMissingPath(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if err := runCheck(nil, &stdout, &stderr); err == nil {
		t.Fatalf("expected error without --config")
	}
}
