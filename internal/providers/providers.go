// Package providers loads provider interest lists.
package providers

import (
	"embed"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Rorqualx/captcharelay-go/internal/intercept"
	"github.com/Rorqualx/captcharelay-go/internal/types"
)

//go:embed providers.yaml
var defaultProvidersFS embed.FS

// File is the on-disk layout of a providers file.
type File struct {
	Providers []intercept.ProviderRule `yaml:"providers"`
}

var (
	instance intercept.RuleSet
	once     sync.Once
)

// Defaults returns a copy of the embedded provider rules.
func Defaults() intercept.RuleSet {
	once.Do(func() {
		var err error
		instance, err = load()
		if err != nil {
			log.Error().Err(err).Msg("Failed to load embedded providers, using built-in rules")
			instance = builtinRules()
		}
	})
	return instance.Clone()
}

func load() (intercept.RuleSet, error) {
	data, err := defaultProvidersFS.ReadFile("providers.yaml")
	if err != nil {
		return nil, err
	}
	rules, err := Parse(data)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Strs("providers", rules.IDs()).
		Msg("Embedded providers loaded")
	return rules, nil
}

// Parse decodes and validates a providers file.
func Parse(data []byte) (intercept.RuleSet, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: invalid YAML: %v", types.ErrInvalidProviders, err)
	}
	rules := intercept.RuleSet(f.Providers)
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return rules, nil
}

// Merge overlays external on base by provider id. Providers only present in
// external are appended in their file order.
func Merge(base, external intercept.RuleSet) intercept.RuleSet {
	merged := base.Clone()
	index := make(map[string]int, len(merged))
	for i, r := range merged {
		index[r.ID] = i
	}
	for _, r := range external.Clone() {
		if i, ok := index[r.ID]; ok {
			merged[i] = r
			continue
		}
		index[r.ID] = len(merged)
		merged = append(merged, r)
	}
	return merged
}

// builtinRules is used only if the embedded file cannot be read.
func builtinRules() intercept.RuleSet {
	return intercept.RuleSet{
		{
			ID: "recap",
			URLPatterns: []string{
				"/recaptcha/api2/reload",
				"/recaptcha/api2/userverify",
				"/recaptcha/enterprise/reload",
				"/recaptcha/enterprise/userverify",
			},
		},
		{
			ID:          "lemin",
			URLPatterns: []string{"/captcha/v1/cropped/pre-validate"},
		},
	}
}
