package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/merge"
)

// TuningProfile is a deployment-specific policy profile: score weights,
// rule set limits, and eligibility mode. Profiles carry values that are
// policy rather than engineering; operators tune them per deployment
// without a rebuild.
type TuningProfile struct {
	Name      string        `yaml:"name" json:"name"`
	Code      string        `yaml:"code" json:"code"`
	MergeMode string        `yaml:"merge_mode,omitempty" json:"merge_mode,omitempty"`
	Weights   merge.Weights `yaml:"weights" json:"weights"`
	Limits    LimitsConfig  `yaml:"limits" json:"limits"`
}

// LimitsConfig bounds the rule source a deployment accepts.
type LimitsConfig struct {
	MaxRuleFileBytes int `yaml:"max_rule_file_bytes" json:"max_rule_file_bytes"`
	MaxRuleCount     int `yaml:"max_rule_count" json:"max_rule_count"`
}

// LoadProfile loads a tuning profile YAML by deployment code.
// It searches the profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*TuningProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile TuningProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}
	applyWeightDefaults(&profile)

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles
// directory, keyed by code.
func LoadAllProfiles(profilesDir string) (map[string]*TuningProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TuningProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile TuningProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_main.yaml -> main
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		applyWeightDefaults(&profile)

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// applyWeightDefaults fills unset weights so a profile can override
// selectively.
func applyWeightDefaults(p *TuningProfile) {
	defaults := merge.DefaultWeights()
	if p.Weights.Sentiment == 0 && p.Weights.Volume == 0 && p.Weights.CrossSource == 0 {
		p.Weights = defaults
	}
	if p.Weights.CrossSourceBonus == 0 {
		p.Weights.CrossSourceBonus = defaults.CrossSourceBonus
	}
}
