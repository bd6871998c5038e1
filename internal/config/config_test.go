package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "rules: rules.yaml\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HistoryLimit != defaultHistoryLimit {
		t.Fatalf("expected default history limit, got %d", cfg.HistoryLimit)
	}
	if cfg.MaxWorkspace != defaultMaxWorkspace {
		t.Fatalf("expected default max workspace, got %d", cfg.MaxWorkspace)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log level, got %q", cfg.LogLevel)
	}
	if !filepath.IsAbs(cfg.RulesPath) {
		t.Fatalf("expected rules path resolved against config dir, got %q", cfg.RulesPath)
	}
}

func TestLoadRejectsMissingRules(t *testing.T) {
	path := writeConfig(t, "logLevel: debug\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for config without rules file")
	}
}

func TestLoadAcceptsLegacyFieldNames(t *testing.T) {
	path := writeConfig(t, "rulesFile: rules.yaml\nworkspaceLimit: 20\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if filepath.Base(cfg.RulesPath) != "rules.yaml" {
		t.Fatalf("expected legacy rulesFile honored, got %q", cfg.RulesPath)
	}
	if cfg.MaxWorkspace != 20 {
		t.Fatalf("expected legacy workspaceLimit honored, got %d", cfg.MaxWorkspace)
	}
}

func TestLoadRejectsNonPositiveMaxWorkspace(t *testing.T) {
	path := writeConfig(t, "rules: rules.yaml\nmaxWorkspace: -1\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for negative maxWorkspace")
	}
}
