package rules

import (
	"regexp"
	"strings"
)

// Tier names one step of the fallback matching sequence. TierNone is a valid
// terminal outcome, not an error.
type Tier string

const (
	TierExact      Tier = "exact"
	TierInstance   Tier = "instance"
	TierNormalized Tier = "normalized"
	TierRegex      Tier = "regex"
	TierNone       Tier = "no-match"
)

// Match is the outcome of resolving a window against the rule set. Conflicts
// lists same-tier same-priority rules that also matched; the daemon reports
// these rather than picking between them silently.
type Match struct {
	Rule      *WorkspaceRule
	Tier      Tier
	Conflicts []string
}

var rdnsShape = regexp.MustCompile(`^[a-z0-9_-]+(\.[a-z0-9_-]+)+$`)

// Normalize lower-cases a raw window class and collapses reverse-domain
// notation (org.mozilla.firefox) to its final token.
func Normalize(rawClass string) string {
	lower := strings.ToLower(strings.TrimSpace(rawClass))
	if rdnsShape.MatchString(lower) {
		parts := strings.Split(lower, ".")
		return parts[len(parts)-1]
	}
	return lower
}

// Browsers known to host installed web applications. A window whose
// normalized class lands here gets the extra instance/title inspection so two
// PWAs served by the same browser binary resolve to different identities.
var pwaHostClasses = map[string]struct{}{
	"chrome":          {},
	"chromium":        {},
	"google-chrome":   {},
	"brave":           {},
	"brave-browser":   {},
	"vivaldi-stable":  {},
	"msedge":          {},
	"microsoft-edge":  {},
	"firefox":         {},
	"firefoxpwa":      {},
	"librewolf":       {},
	"epiphany":        {},
	"thorium-browser": {},
}

// IsPWAHost reports whether the normalized class belongs to a PWA-hosting
// browser.
func IsPWAHost(normalizedClass string) bool {
	_, ok := pwaHostClasses[normalizedClass]
	return ok
}

// PWAToken extracts the app-specific identifier for a browser-hosted app.
// Chromium-family browsers report instance "crx_<extension id>"; firefoxpwa
// reports class/instance "FFPWA-<ULID>". When neither shape is present but
// the instance differs from the hosting class, the instance itself is the
// distinguishing token. Falls back to the first word of the title.
func PWAToken(normalizedClass, rawInstance, title string) string {
	instance := strings.ToLower(strings.TrimSpace(rawInstance))
	switch {
	case strings.HasPrefix(instance, "crx_"):
		return instance
	case strings.HasPrefix(instance, "ffpwa-"):
		return instance
	case instance != "" && instance != normalizedClass:
		return instance
	}
	fields := strings.Fields(title)
	if len(fields) > 0 {
		return strings.ToLower(fields[0])
	}
	return ""
}

// MatchWindow resolves a window's raw class and instance against the rule
// set using tiered fallback: exact class equality, instance equality,
// normalized class/alias equality, then regex rules. The first tier with any
// hit wins; within a tier the highest-priority rule wins and declaration
// order breaks remaining ties.
func (r *Registry) MatchWindow(rawClass, rawInstance, title string) Match {
	if hit := r.matchTier(TierExact, func(rule *WorkspaceRule) bool {
		if rule.Identifier == rawClass {
			return true
		}
		for _, alias := range rule.Aliases {
			if alias == rawClass {
				return true
			}
		}
		return false
	}); hit.Rule != nil {
		return hit
	}

	if rawInstance != "" {
		if hit := r.matchTier(TierInstance, func(rule *WorkspaceRule) bool {
			return rule.Identifier == rawInstance
		}); hit.Rule != nil {
			return hit
		}
	}

	normalized := Normalize(rawClass)
	if IsPWAHost(normalized) {
		if token := PWAToken(normalized, rawInstance, title); token != "" {
			tokenNorm := Normalize(token)
			if hit := r.matchTier(TierInstance, func(rule *WorkspaceRule) bool {
				return ruleAnswersTo(rule, tokenNorm)
			}); hit.Rule != nil {
				return hit
			}
		}
	}

	if hit := r.matchTier(TierNormalized, func(rule *WorkspaceRule) bool {
		return ruleAnswersTo(rule, normalized)
	}); hit.Rule != nil {
		return hit
	}

	if hit := r.matchTier(TierRegex, func(rule *WorkspaceRule) bool {
		return rule.re != nil && (rule.re.MatchString(rawClass) || rule.re.MatchString(normalized))
	}); hit.Rule != nil {
		return hit
	}

	return Match{Tier: TierNone}
}

// ruleAnswersTo checks a normalized token against a rule's normalized
// identifier and aliases.
func ruleAnswersTo(rule *WorkspaceRule, token string) bool {
	if Normalize(rule.Identifier) == token {
		return true
	}
	for _, alias := range rule.Aliases {
		if normalizeAlias(alias) == token || Normalize(alias) == token {
			return true
		}
	}
	return false
}

func (r *Registry) matchTier(tier Tier, matches func(*WorkspaceRule) bool) Match {
	var best *WorkspaceRule
	var conflicts []string
	for i := range r.rules {
		rule := &r.rules[i]
		if !matches(rule) {
			continue
		}
		switch {
		case best == nil:
			best = rule
		case rule.Priority > best.Priority:
			best = rule
			conflicts = nil
		case rule.Priority == best.Priority:
			conflicts = append(conflicts, rule.Identifier)
		}
	}
	if best == nil {
		return Match{Tier: TierNone}
	}
	return Match{Rule: best, Tier: tier, Conflicts: conflicts}
}
