package config

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/swayspace/swayspace/internal/rules"
	"github.com/swayspace/swayspace/internal/util"
)

const reloaderRules = `
rules:
  - identifier: editor
    workspace: 2
`

const reloaderRulesRevised = `
rules:
  - identifier: editor
    workspace: 4
`

func writeReloaderRules(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	return path
}

func TestReloadRejectsInvalidRevision(t *testing.T) {
	path := writeReloaderRules(t, reloaderRules)
	logger := util.NewLoggerWithWriter(util.LevelError, os.Stderr)

	var applied atomic.Int64
	r, err := NewReloader(path, "", logger, func(*rules.Registry) error {
		applied.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("NewReloader: %v", err)
	}

	if err := os.WriteFile(path, []byte("rules: [{name: broken"), 0o600); err != nil {
		t.Fatalf("rewrite rules: %v", err)
	}
	if err := r.Reload("test"); err == nil {
		t.Fatal("expected reload of invalid revision to fail")
	}
	if got := applied.Load(); got != 0 {
		t.Fatalf("apply ran %d times for a rejected revision", got)
	}

	if err := os.WriteFile(path, []byte(reloaderRulesRevised), 0o600); err != nil {
		t.Fatalf("rewrite rules: %v", err)
	}
	if err := r.Reload("test"); err != nil {
		t.Fatalf("reload valid revision: %v", err)
	}
	if got := applied.Load(); got != 1 {
		t.Fatalf("apply ran %d times, want 1", got)
	}
}

func TestReloadSerializesConcurrentCallers(t *testing.T) {
	path := writeReloaderRules(t, reloaderRules)
	logger := util.NewLoggerWithWriter(util.LevelError, os.Stderr)

	var inApply atomic.Int64
	var applied atomic.Int64
	r, err := NewReloader(path, "", logger, func(*rules.Registry) error {
		if inApply.Add(1) != 1 {
			t.Error("apply entered concurrently")
		}
		applied.Add(1)
		inApply.Add(-1)
		return nil
	})
	if err != nil {
		t.Fatalf("NewReloader: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Reload("test"); err != nil {
				t.Errorf("reload: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := applied.Load(); got != callers {
		t.Fatalf("apply ran %d times, want %d", got, callers)
	}
}
