package rules

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Strategy selects how a rule's identifier is compared against a window.
type Strategy string

const (
	StrategyExact      Strategy = "exact"
	StrategyInstance   Strategy = "instance"
	StrategyNormalized Strategy = "normalized"
	StrategyRegex      Strategy = "regex"
)

// FallbackPolicy controls what happens when a rule's target workspace is not
// a legal workspace number.
type FallbackPolicy string

const (
	FallbackStayCurrent FallbackPolicy = "stay-current"
	FallbackCreate      FallbackPolicy = "create"
	FallbackError       FallbackPolicy = "error"
)

// WorkspaceRule is one record from the rule registry.
type WorkspaceRule struct {
	Identifier string         `yaml:"identifier"`
	Strategy   Strategy       `yaml:"strategy"`
	Aliases    []string       `yaml:"aliases"`
	Workspace  int            `yaml:"workspace"`
	Fallback   FallbackPolicy `yaml:"fallback"`
	Priority   int            `yaml:"priority"`

	order int
	re    *regexp.Regexp
}

// AppEntry is one record from the per-application-instance registry used by
// the instrumented launcher.
type AppEntry struct {
	Name               string `yaml:"name"`
	Command            string `yaml:"command"`
	Scope              string `yaml:"scope"`
	ExpectedClass      string `yaml:"expected_class"`
	PreferredWorkspace int    `yaml:"preferred_workspace"`
	MultiInstance      bool   `yaml:"multi_instance"`
}

// Registry holds the compiled rule set and app registry. It is immutable
// after construction; hot reload builds a replacement.
type Registry struct {
	rules        []WorkspaceRule
	byIdentifier map[string]*WorkspaceRule
	apps         map[string]AppEntry
}

type rulesDocument struct {
	Rules []WorkspaceRule `yaml:"rules"`
}

type appsDocument struct {
	Apps []AppEntry `yaml:"apps"`
}

// LintError describes one registry validation failure.
type LintError struct {
	Path    string
	Message string
}

func (e LintError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ParseRules compiles a rule registry document.
func ParseRules(raw []byte) ([]WorkspaceRule, error) {
	var doc rulesDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse rule registry: %w", err)
	}
	for i := range doc.Rules {
		rule := &doc.Rules[i]
		rule.order = i
		if rule.Strategy == "" {
			rule.Strategy = StrategyExact
		}
		if rule.Fallback == "" {
			rule.Fallback = FallbackStayCurrent
		}
		if rule.Strategy == StrategyRegex {
			re, err := regexp.Compile(rule.Identifier)
			if err != nil {
				return nil, fmt.Errorf("rule %q: compile regex: %w", rule.Identifier, err)
			}
			rule.re = re
		}
	}
	return doc.Rules, nil
}

// ParseApps compiles an app registry document.
func ParseApps(raw []byte) ([]AppEntry, error) {
	var doc appsDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse app registry: %w", err)
	}
	return doc.Apps, nil
}

// Lint validates parsed rules, accumulating every problem found.
func Lint(rules []WorkspaceRule, apps []AppEntry) []LintError {
	var errs []LintError
	seen := map[string]struct{}{}
	for i, rule := range rules {
		path := fmt.Sprintf("rules[%d]", i)
		if rule.Identifier == "" {
			errs = append(errs, LintError{Path: path, Message: "identifier is required"})
		}
		switch rule.Strategy {
		case StrategyExact, StrategyInstance, StrategyNormalized, StrategyRegex:
		default:
			errs = append(errs, LintError{Path: path, Message: fmt.Sprintf("unknown strategy %q", rule.Strategy)})
		}
		switch rule.Fallback {
		case FallbackStayCurrent, FallbackCreate, FallbackError:
		default:
			errs = append(errs, LintError{Path: path, Message: fmt.Sprintf("unknown fallback policy %q", rule.Fallback)})
		}
		if rule.Workspace <= 0 {
			errs = append(errs, LintError{Path: path, Message: fmt.Sprintf("workspace %d is not a positive workspace number", rule.Workspace)})
		}
		if rule.Strategy != StrategyRegex {
			if _, dup := seen[rule.Identifier]; dup {
				errs = append(errs, LintError{Path: path, Message: fmt.Sprintf("duplicate identifier %q", rule.Identifier)})
			}
			seen[rule.Identifier] = struct{}{}
		}
	}
	seenApps := map[string]struct{}{}
	for i, app := range apps {
		path := fmt.Sprintf("apps[%d]", i)
		if app.Name == "" {
			errs = append(errs, LintError{Path: path, Message: "name is required"})
		}
		if app.Scope != "" && app.Scope != "scoped" && app.Scope != "global" {
			errs = append(errs, LintError{Path: path, Message: fmt.Sprintf("unknown scope %q", app.Scope)})
		}
		if _, dup := seenApps[app.Name]; dup {
			errs = append(errs, LintError{Path: path, Message: fmt.Sprintf("duplicate app %q", app.Name)})
		}
		seenApps[app.Name] = struct{}{}
	}
	return errs
}

// NewRegistry assembles a registry from compiled rules and apps. Rules are
// kept in declaration order; tie-breaking by priority happens at match time.
func NewRegistry(rules []WorkspaceRule, apps []AppEntry) *Registry {
	reg := &Registry{
		rules:        append([]WorkspaceRule(nil), rules...),
		byIdentifier: make(map[string]*WorkspaceRule, len(rules)),
		apps:         make(map[string]AppEntry, len(apps)),
	}
	for i := range reg.rules {
		rule := &reg.rules[i]
		if rule.Strategy == StrategyRegex {
			continue
		}
		if _, exists := reg.byIdentifier[rule.Identifier]; !exists {
			reg.byIdentifier[rule.Identifier] = rule
		}
	}
	for _, app := range apps {
		reg.apps[app.Name] = app
	}
	return reg
}

// Load reads and compiles both registry files. An empty appsPath loads rules
// only.
func Load(rulesPath, appsPath string) (*Registry, error) {
	rawRules, err := os.ReadFile(rulesPath)
	if err != nil {
		return nil, fmt.Errorf("read rule registry: %w", err)
	}
	rules, err := ParseRules(rawRules)
	if err != nil {
		return nil, err
	}
	var apps []AppEntry
	if appsPath != "" {
		rawApps, err := os.ReadFile(appsPath)
		if err != nil {
			return nil, fmt.Errorf("read app registry: %w", err)
		}
		apps, err = ParseApps(rawApps)
		if err != nil {
			return nil, err
		}
	}
	if errs := Lint(rules, apps); len(errs) > 0 {
		return nil, fmt.Errorf("registry validation failed: %s", errs[0].Error())
	}
	return NewRegistry(rules, apps), nil
}

// LintFiles parses both registry files and returns every lint finding
// without building a registry. An empty appsPath lints rules only.
func LintFiles(rulesPath, appsPath string) ([]LintError, error) {
	rawRules, err := os.ReadFile(rulesPath)
	if err != nil {
		return nil, fmt.Errorf("read rule registry: %w", err)
	}
	rules, err := ParseRules(rawRules)
	if err != nil {
		return nil, err
	}
	var apps []AppEntry
	if appsPath != "" {
		rawApps, err := os.ReadFile(appsPath)
		if err != nil {
			return nil, fmt.Errorf("read app registry: %w", err)
		}
		apps, err = ParseApps(rawApps)
		if err != nil {
			return nil, err
		}
	}
	return Lint(rules, apps), nil
}

// Lookup returns the rule whose identifier equals name, the fast path for
// windows launched through the instrumented launcher.
func (r *Registry) Lookup(name string) (*WorkspaceRule, bool) {
	rule, ok := r.byIdentifier[name]
	return rule, ok
}

// App returns the app registry entry for name.
func (r *Registry) App(name string) (AppEntry, bool) {
	app, ok := r.apps[name]
	return app, ok
}

// Rules returns the rule set in declaration order.
func (r *Registry) Rules() []WorkspaceRule {
	out := make([]WorkspaceRule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Apps returns the app registry sorted by name.
func (r *Registry) Apps() []AppEntry {
	out := make([]AppEntry, 0, len(r.apps))
	for _, app := range r.apps {
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports the number of rules.
func (r *Registry) Len() int {
	return len(r.rules)
}

// normalizeAlias lower-cases an alias for comparison.
func normalizeAlias(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}
