package classifier

import (
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/xkilldash9x/cartographer/internal/config"
	"gopkg.in/yaml.v3"
)

// RuleSet is the on-disk form of a classifier rules file. Empty sections leave
// the corresponding configuration untouched.
//
//	dangerous:
//	  - name: wipe
//	    pattern: '\bwipe\b'
//	login_gate:
//	  label_patterns: ['\bpin\b']
//	  min_signals: 2
//	permission_patterns: ['grant_access']
type RuleSet struct {
	Dangerous          []config.DangerRule `yaml:"dangerous"`
	LoginGate          *loginGateRules     `yaml:"login_gate"`
	PermissionPatterns []string            `yaml:"permission_patterns"`
}

type loginGateRules struct {
	LabelPatterns      []string `yaml:"label_patterns"`
	MinSignals         int      `yaml:"min_signals"`
	RequireMaskedInput *bool    `yaml:"require_masked_input"`
	AncestorLevels     int      `yaml:"ancestor_levels"`
}

// LoadRules reads and parses a YAML rules file. A leading "~" is expanded.
func LoadRules(path string) (*RuleSet, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expanding rules path %q: %w", path, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a rules document.
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}
	for i, r := range rs.Dangerous {
		if r.Pattern == "" {
			return nil, fmt.Errorf("danger rule %d (%q) has no pattern", i, r.Name)
		}
	}
	return &rs, nil
}

// Apply overlays the rule set on cfg and returns the result.
func (rs *RuleSet) Apply(cfg config.ClassifierConfig) config.ClassifierConfig {
	if len(rs.Dangerous) > 0 {
		cfg.Dangerous = rs.Dangerous
	}
	if len(rs.PermissionPatterns) > 0 {
		cfg.PermissionPatterns = rs.PermissionPatterns
	}
	if lg := rs.LoginGate; lg != nil {
		if len(lg.LabelPatterns) > 0 {
			cfg.LoginGate.LabelPatterns = lg.LabelPatterns
		}
		if lg.MinSignals > 0 {
			cfg.LoginGate.MinSignals = lg.MinSignals
		}
		if lg.RequireMaskedInput != nil {
			cfg.LoginGate.RequireMaskedInput = *lg.RequireMaskedInput
		}
		if lg.AncestorLevels > 0 {
			cfg.LoginGate.AncestorLevels = lg.AncestorLevels
		}
	}
	return cfg
}
