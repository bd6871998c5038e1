package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/swayspace/swayspace/internal/rules"
	"github.com/swayspace/swayspace/internal/util"
)

// Reloader rebuilds the rule registry from disk and hands it to apply. It is
// invoked from several goroutines (file watcher, SIGHUP, diagnostic
// requests), so the whole load-diff-apply sequence runs under one lock. A
// rejected revision keeps the last good serialization for diff logging.
type Reloader struct {
	rulesPath string
	appsPath  string
	logger    *util.Logger
	apply     func(*rules.Registry) error

	mu       sync.Mutex
	lastGood []byte
}

// NewReloader captures the active registry serialization for later diffs.
func NewReloader(rulesPath, appsPath string, logger *util.Logger, apply func(*rules.Registry) error) (*Reloader, error) {
	raw, err := os.ReadFile(rulesPath)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return &Reloader{
		rulesPath: rulesPath,
		appsPath:  appsPath,
		logger:    logger,
		apply:     apply,
		lastGood:  raw,
	}, nil
}

// Reload loads and applies the registry files. On rejection the active
// registry stays in place and the diff against it is logged.
func (r *Reloader) Reload(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Infof("%s, reloading rule registry", reason)
	current, readErr := os.ReadFile(r.rulesPath)
	fresh, err := rules.Load(r.rulesPath, r.appsPath)
	if err != nil {
		if readErr == nil {
			if diff := DiffSerialized(r.lastGood, current); diff != "" {
				r.logger.Warnf("rejected registry revision differs from active one:\n%s", diff)
			}
		}
		return fmt.Errorf("load rule registry: %w", err)
	}
	if err := r.apply(fresh); err != nil {
		return err
	}
	if readErr == nil {
		r.lastGood = current
	}
	return nil
}
