package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/swayspace/swayspace/internal/assign"
	"github.com/swayspace/swayspace/internal/config"
	"github.com/swayspace/swayspace/internal/control"
	"github.com/swayspace/swayspace/internal/engine"
	"github.com/swayspace/swayspace/internal/env"
	"github.com/swayspace/swayspace/internal/filter"
	"github.com/swayspace/swayspace/internal/ipc"
	"github.com/swayspace/swayspace/internal/registry"
	"github.com/swayspace/swayspace/internal/rules"
	"github.com/swayspace/swayspace/internal/state"
	"github.com/swayspace/swayspace/internal/util"
)

func main() {
	home, _ := os.UserHomeDir()
	defaultConfig := filepath.Join(home, ".config", "swayspace", "config.yaml")

	cfgPath := flag.String("config", defaultConfig, "path to YAML config")
	logLevel := flag.String("log-level", "", "log level (trace|debug|info|warn|error), overrides config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		exitErr(fmt.Errorf("load config: %w", err))
	}
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := util.NewLogger(util.ParseLogLevel(level))

	reg, err := rules.Load(cfg.RulesPath, cfg.AppsPath)
	if err != nil {
		exitErr(fmt.Errorf("load rule registry: %w", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := registry.Open(ctx, cfg.RegistryDB)
	if err != nil {
		exitErr(fmt.Errorf("open window registry: %w", err))
	}
	defer store.Close()

	wm, err := ipc.NewClient()
	if err != nil {
		exitErr(fmt.Errorf("connect to window manager: %w", err))
	}
	defer wm.Close()

	tracker := state.NewTracker(cfg.HistoryLimit)
	metrics := assign.NewCollector()
	assigner := assign.New(wm, wm, logger, metrics, cfg.MaxWorkspace)
	filterEngine := filter.New(wm, wm, store, tracker, logger)
	pipeline := engine.New(wm, tracker, env.NewResolver(), assigner, filterEngine, reg, logger)
	pipeline.SetReconcileInterval(time.Duration(cfg.ReconcileSeconds) * time.Second)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		exitErr(fmt.Errorf("watch rule registry: %w", err))
	}
	defer watcher.Close()
	rulesFullPath, err := filepath.Abs(cfg.RulesPath)
	if err != nil {
		exitErr(fmt.Errorf("resolve rules path: %w", err))
	}
	rulesFullPath = filepath.Clean(rulesFullPath)
	if err := watcher.Add(filepath.Dir(rulesFullPath)); err != nil {
		exitErr(fmt.Errorf("watch rules dir: %w", err))
	}
	if err := watcher.Add(rulesFullPath); err != nil {
		logger.Debugf("unable to watch rules file directly: %v", err)
	}
	reloadRequests := make(chan string, 1)
	go watchRules(logger, watcher, rulesFullPath, reloadRequests)

	// Reloads arrive from the watcher, SIGHUP, and diagnostic requests;
	// the reloader serializes them.
	reloader, err := config.NewReloader(cfg.RulesPath, cfg.AppsPath, logger, func(fresh *rules.Registry) error {
		pipeline.ReloadRegistry(fresh)
		if err := pipeline.Reconcile(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("reconcile after reload: %w", err)
		}
		return nil
	})
	if err != nil {
		exitErr(err)
	}
	reload := reloader.Reload

	diagSrv, err := control.NewServer(pipeline, tracker, metrics, logger, reload)
	if err != nil {
		exitErr(fmt.Errorf("start diagnostic server: %w", err))
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	errs := make(chan error, 2)
	go func() {
		errs <- pipeline.Run(ctx)
	}()
	go func() {
		errs <- diagSrv.Serve(ctx)
	}()

	for {
		select {
		case err := <-errs:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("daemon exited: %v", err)
				os.Exit(1)
			}
			logger.Infof("daemon stopped")
			return
		case reason := <-reloadRequests:
			if err := reload(reason); err != nil {
				logger.Errorf("reload failed: %v", err)
			}
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				if err := reload("received SIGHUP"); err != nil {
					logger.Errorf("reload failed: %v", err)
				}
			case os.Interrupt, syscall.SIGTERM:
				logger.Infof("received %s, shutting down", sig)
				cancel()
			}
		}
	}
}

func watchRules(logger *util.Logger, watcher *fsnotify.Watcher, target string, reloadRequests chan<- string) {
	const debounceWindow = 250 * time.Millisecond
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					<-timerCh
				}
				timer.Reset(debounceWindow)
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			select {
			case reloadRequests <- "rules file updated":
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("rules watcher error: %v", err)
		}
	}
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
