package matcher

import (
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
)

//go:embed patterns.json
var embeddedPatterns embed.FS

// PatternConfig is the JSON form of the extraction library.
type PatternConfig struct {
	Calibers           []NamedPatterns     `json:"calibers"`
	Brands             map[string][]string `json:"brands"`
	BulletTypes        []NamedPatterns     `json:"bulletTypes"`
	CaseTypes          []NamedPatterns     `json:"caseTypes"`
	GrainPatterns      []string            `json:"grainPatterns"`
	RoundCountPatterns []string            `json:"roundCountPatterns"`
}

// NamedPatterns maps a canonical value to the title patterns that recognize it.
type NamedPatterns struct {
	Name     string   `json:"name"`
	Patterns []string `json:"patterns"`
}

type namedRegexps struct {
	name string
	res  []*regexp.Regexp
}

type brandAlias struct {
	alias string
	re    *regexp.Regexp
	brand string
}

// Patterns is the compiled extraction library.
type Patterns struct {
	calibers    []namedRegexps
	bulletTypes []namedRegexps
	caseTypes   []namedRegexps
	grain       []*regexp.Regexp
	roundCount  []*regexp.Regexp
	// brands is ordered longest alias first so "federal premium" wins over "federal".
	brands []brandAlias
	// canonical lowercased names of calibers and brands, for normalizing structured fields
	caliberNames map[string]string
	brandNames   map[string]string
}

// LoadPatterns loads the pattern library. An explicit path overrides the embedded
// patterns.json; if neither parses the built-in defaults are used.
func LoadPatterns(path string) (*Patterns, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			p, parseErr := ParsePatterns(data)
			if parseErr == nil {
				slog.Info("Loaded matcher patterns from external file", "path", path)
				return p, nil
			}
			slog.Warn("External matcher patterns failed to parse, trying embedded", "path", path, "error", parseErr)
		} else {
			slog.Warn("Failed to read external matcher patterns, trying embedded", "path", path, "error", err)
		}
	}

	data, err := embeddedPatterns.ReadFile("patterns.json")
	if err == nil {
		p, parseErr := ParsePatterns(data)
		if parseErr == nil {
			slog.Debug("Loaded matcher patterns from embedded config")
			return p, nil
		}
		slog.Warn("Embedded matcher patterns failed to parse, using defaults", "error", parseErr)
	}

	return Compile(DefaultPatternConfig())
}

// ParsePatterns parses and compiles a JSON pattern library.
func ParsePatterns(data []byte) (*Patterns, error) {
	var cfg PatternConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse pattern config JSON: %w", err)
	}
	return Compile(cfg)
}

// Compile turns a pattern config into matchers. Every pattern is case-insensitive.
func Compile(cfg PatternConfig) (*Patterns, error) {
	p := &Patterns{
		caliberNames: make(map[string]string),
		brandNames:   make(map[string]string),
	}
	var err error
	if p.calibers, err = compileNamed(cfg.Calibers); err != nil {
		return nil, fmt.Errorf("calibers: %w", err)
	}
	if p.bulletTypes, err = compileNamed(cfg.BulletTypes); err != nil {
		return nil, fmt.Errorf("bullet types: %w", err)
	}
	if p.caseTypes, err = compileNamed(cfg.CaseTypes); err != nil {
		return nil, fmt.Errorf("case types: %w", err)
	}
	if p.grain, err = compileAll(cfg.GrainPatterns); err != nil {
		return nil, fmt.Errorf("grain: %w", err)
	}
	if p.roundCount, err = compileAll(cfg.RoundCountPatterns); err != nil {
		return nil, fmt.Errorf("round count: %w", err)
	}
	for _, c := range cfg.Calibers {
		p.caliberNames[strings.ToLower(c.Name)] = c.Name
	}

	for brand, aliases := range cfg.Brands {
		p.brandNames[strings.ToLower(brand)] = brand
		for _, alias := range append([]string{brand}, aliases...) {
			alias = strings.ToLower(strings.TrimSpace(alias))
			if alias == "" {
				continue
			}
			re, err := regexp.Compile(`(?i)(^|[^a-z0-9])` + regexp.QuoteMeta(alias) + `($|[^a-z0-9])`)
			if err != nil {
				return nil, fmt.Errorf("brand %q: %w", alias, err)
			}
			p.brands = append(p.brands, brandAlias{alias: alias, re: re, brand: brand})
			p.brandNames[alias] = brand
		}
	}
	sort.SliceStable(p.brands, func(i, j int) bool {
		if len(p.brands[i].alias) != len(p.brands[j].alias) {
			return len(p.brands[i].alias) > len(p.brands[j].alias)
		}
		return p.brands[i].alias < p.brands[j].alias
	})
	return p, nil
}

func compileNamed(in []NamedPatterns) ([]namedRegexps, error) {
	out := make([]namedRegexps, 0, len(in))
	for _, n := range in {
		res, err := compileAll(n.Patterns)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.Name, err)
		}
		out = append(out, namedRegexps{name: n.Name, res: res})
	}
	return out, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// DefaultPatternConfig is the fallback library when no JSON file loads.
func DefaultPatternConfig() PatternConfig {
	return PatternConfig{
		Calibers: []NamedPatterns{
			{Name: "9mm Luger", Patterns: []string{`\b9\s?mm(\s?luger)?\b`, `\b9x19(mm)?\b`}},
			{Name: ".45 ACP", Patterns: []string{`\.?45\s?(acp|auto)\b`}},
			{Name: ".223 Remington", Patterns: []string{`\.?223\s?(rem(ington)?)?\b`}},
			{Name: "5.56 NATO", Patterns: []string{`\b5\.56(\s?x\s?45)?(\s?(mm|nato))?\b`}},
		},
		Brands: map[string][]string{
			"Federal":    {"federal", "american eagle"},
			"Winchester": {"winchester"},
			"Hornady":    {"hornady"},
			"CCI":        {"cci"},
		},
		BulletTypes: []NamedPatterns{
			{Name: "FMJ", Patterns: []string{`\bfmj\b`, `\bfull metal jacket\b`}},
			{Name: "JHP", Patterns: []string{`\bjhp\b`, `\bhollow ?point\b`}},
		},
		CaseTypes: []NamedPatterns{
			{Name: "Brass", Patterns: []string{`\bbrass\b`}},
			{Name: "Steel", Patterns: []string{`\bsteel\b`}},
		},
		GrainPatterns:      []string{`\b(\d{2,3})\s?(gr|grain|grains)\b`},
		RoundCountPatterns: []string{`\b(\d{1,5})\s?(rd|rds|round|rounds|ct|count)\b`},
	}
}
