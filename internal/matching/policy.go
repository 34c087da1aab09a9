package matching

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy holds the tunables of the matcher. Zero values are replaced by
// defaults in Normalize, so a partial YAML file only overrides what it names.
type Policy struct {
	BotSuffixes    []string    `yaml:"bot_suffixes"`
	SystemAccounts []string    `yaml:"system_accounts"`
	FuzzyThreshold float64     `yaml:"fuzzy_threshold"`
	MergeThreshold int         `yaml:"merge_threshold"`
	Confidence     Confidences `yaml:"confidence"`
}

type Confidences struct {
	ExactID     int `yaml:"exact_id"`
	ExactHandle int `yaml:"exact_handle"`
	SourceName  int `yaml:"source_name"`
	DisplayName int `yaml:"display_name"`
	PartialName int `yaml:"partial_name"`
}

func DefaultPolicy() Policy {
	return Policy{
		BotSuffixes:    []string{"bot"},
		SystemAccounts: []string{"orbo", "bot", "telegram"},
		FuzzyThreshold: 0.70,
		MergeThreshold: 70,
		Confidence: Confidences{
			ExactID:     100,
			ExactHandle: 95,
			SourceName:  92,
			DisplayName: 90,
			PartialName: 85,
		},
	}
}

// LoadPolicyFile reads a YAML policy. An empty path yields the defaults.
func LoadPolicyFile(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read match policy: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse match policy %s: %w", path, err)
	}
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Normalize fills zero values from DefaultPolicy and lowercases the bot lists.
func (p Policy) Normalize() Policy {
	d := DefaultPolicy()
	if len(p.BotSuffixes) == 0 {
		p.BotSuffixes = d.BotSuffixes
	}
	if len(p.SystemAccounts) == 0 {
		p.SystemAccounts = d.SystemAccounts
	}
	if p.FuzzyThreshold == 0 {
		p.FuzzyThreshold = d.FuzzyThreshold
	}
	if p.MergeThreshold == 0 {
		p.MergeThreshold = d.MergeThreshold
	}
	if p.Confidence.ExactID == 0 {
		p.Confidence.ExactID = d.Confidence.ExactID
	}
	if p.Confidence.ExactHandle == 0 {
		p.Confidence.ExactHandle = d.Confidence.ExactHandle
	}
	if p.Confidence.SourceName == 0 {
		p.Confidence.SourceName = d.Confidence.SourceName
	}
	if p.Confidence.DisplayName == 0 {
		p.Confidence.DisplayName = d.Confidence.DisplayName
	}
	if p.Confidence.PartialName == 0 {
		p.Confidence.PartialName = d.Confidence.PartialName
	}
	p.BotSuffixes = lowerAll(p.BotSuffixes)
	p.SystemAccounts = lowerAll(p.SystemAccounts)
	return p
}

func (p Policy) Validate() error {
	if p.FuzzyThreshold <= 0 || p.FuzzyThreshold > 1 {
		return fmt.Errorf("fuzzy_threshold must be in (0, 1], got %v", p.FuzzyThreshold)
	}
	if p.MergeThreshold < 0 || p.MergeThreshold > 100 {
		return fmt.Errorf("merge_threshold must be in [0, 100], got %d", p.MergeThreshold)
	}
	c := p.Confidence
	for name, v := range map[string]int{
		"exact_id": c.ExactID, "exact_handle": c.ExactHandle, "source_name": c.SourceName,
		"display_name": c.DisplayName, "partial_name": c.PartialName,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("confidence.%s must be in [0, 100], got %d", name, v)
		}
	}
	// tiers must stay ordered by trust
	if !(c.ExactID >= c.ExactHandle && c.ExactHandle >= c.SourceName &&
		c.SourceName >= c.DisplayName && c.DisplayName >= c.PartialName) {
		return fmt.Errorf("confidence values must not increase for lower tiers")
	}
	return nil
}

// IsBot reports whether an author looks like an automated account.
func (p Policy) IsBot(name string, handle *string) bool {
	lowerName := strings.ToLower(strings.TrimSpace(name))
	lowerHandle := ""
	if handle != nil {
		lowerHandle = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(*handle), "@"))
	}

	for _, suffix := range p.BotSuffixes {
		if suffix == "" {
			continue
		}
		if lowerHandle != "" && strings.HasSuffix(lowerHandle, suffix) {
			return true
		}
		if lowerName != "" && strings.HasSuffix(lowerName, suffix) {
			return true
		}
	}
	for _, known := range p.SystemAccounts {
		if lowerName == known || (lowerHandle != "" && lowerHandle == known) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
