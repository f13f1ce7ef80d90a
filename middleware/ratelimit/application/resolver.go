package application

import (
	"sort"
	"strings"

	"admission-gateway/middleware/ratelimit/domain"
)

// RulePattern associa um padrão de path a uma regra.
// O padrão aceita um único '*' no final ("/api/auth/*").
type RulePattern struct {
	Pattern string
	Rule    domain.Rule
}

// RuleResolver escolhe a regra de um path e os perfis de tier.
//
// Entre padrões que casam, vence o maior (mais específico). Sem casamento,
// a regra default é usada.
type RuleResolver struct {
	patterns    []RulePattern
	defaultRule domain.Rule
	tiers       map[string][]domain.Window
}

func NewRuleResolver(defaultRule domain.Rule, patterns []RulePattern, tiers map[string][]domain.Window) *RuleResolver {
	sorted := make([]RulePattern, len(patterns))
	copy(sorted, patterns)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Pattern) > len(sorted[j].Pattern)
	})

	t := make(map[string][]domain.Window, len(tiers))
	for name, ws := range tiers {
		t[strings.ToLower(name)] = ws
	}

	return &RuleResolver{patterns: sorted, defaultRule: defaultRule, tiers: t}
}

// Resolve retorna a regra do path (ou a default).
func (r *RuleResolver) Resolve(path string) domain.Rule {
	for _, p := range r.patterns {
		if MatchPattern(p.Pattern, path) {
			return p.Rule
		}
	}
	return r.defaultRule
}

// TierWindows retorna as janelas extras do tier, quando ele existe.
func (r *RuleResolver) TierWindows(tier string) ([]domain.Window, bool) {
	if tier == "" {
		return nil, false
	}
	ws, ok := r.tiers[strings.ToLower(tier)]
	return ws, ok
}

// MatchPattern compara path com um padrão exato ou com '*' final (prefixo).
func MatchPattern(pattern, path string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(path, prefix)
	}
	return pattern == path
}
