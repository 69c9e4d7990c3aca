package features

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// SuspiciousPattern is one named entry in an optional override catalog,
// letting operators extend the built-in suspicious-command regexes
// without a rebuild.
type SuspiciousPattern struct {
	Name        string `yaml:"name"`
	Regex       string `yaml:"regex"`
	Description string `yaml:"description"`
}

type suspiciousPatternsConfig struct {
	Patterns []SuspiciousPattern `yaml:"patterns"`
}

// LoadSuspiciousPatterns reads a YAML file of additional suspicious
// patterns and compiles them, for callers that want to layer
// site-specific signatures onto the built-in catalog via
// WithExtraSuspiciousPatterns.
func LoadSuspiciousPatterns(path string) ([]*regexp.Regexp, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading suspicious patterns file: %w", err)
	}

	var cfg suspiciousPatternsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing suspicious patterns YAML: %w", err)
	}

	compiled := make([]*regexp.Regexp, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile("(?i)" + p.Regex)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %s: %w", p.Name, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
