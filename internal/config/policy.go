package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"aegisflux/agents/mitigation-agent/internal/classifier"
	"aegisflux/agents/mitigation-agent/internal/settings"
	"aegisflux/agents/mitigation-agent/internal/types"
)

// Policy is the optional YAML policy file
type Policy struct {
	AutoResponse *bool `yaml:"auto_response"`

	Thresholds struct {
		Malicious  *float64 `yaml:"malicious"`
		Suspicious *float64 `yaml:"suspicious"`
		Suspend    *float64 `yaml:"suspend"`
	} `yaml:"thresholds"`

	Costs struct {
		Terminate  *float64 `yaml:"terminate"`
		Block      *float64 `yaml:"block"`
		Quarantine *float64 `yaml:"quarantine"`
	} `yaml:"costs"`

	StruggleFactor *float64 `yaml:"struggle_factor"`
	EruptionBase   float64  `yaml:"eruption_base"`

	Signatures         []classifier.SignatureRule `yaml:"signatures"`
	FlagEnergies       map[string]float64         `yaml:"flag_energies"`
	TrustedCredentials []string                   `yaml:"trusted_credentials"`

	// C2Addresses are flagged by the connection scanner
	C2Addresses []string `yaml:"c2_addresses"`
}

// LoadPolicy reads a policy file. An empty path yields an empty policy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return &Policy{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses and validates policy YAML
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return &p, nil
}

// Validate checks every override against the settings rules
func (p *Policy) Validate() error {
	if err := settings.ValidateSnapshot(p.Settings()); err != nil {
		return err
	}
	if p.EruptionBase < 0 {
		return fmt.Errorf("eruption_base cannot be negative")
	}
	for _, rule := range p.Signatures {
		if rule.Name == "" || rule.Pattern == "" {
			return fmt.Errorf("signature rules need a name and a pattern")
		}
		if rule.Level < 0 || rule.Level > classifier.MaxSignatureLevel {
			return fmt.Errorf("signature %s: level %d out of range 0..%d", rule.Name, rule.Level, classifier.MaxSignatureLevel)
		}
	}
	for _, addr := range p.C2Addresses {
		if net.ParseIP(addr) == nil {
			return fmt.Errorf("c2 address %q is not an IP", addr)
		}
	}
	for flag, energy := range p.FlagEnergies {
		if energy < 0 || energy > 1 {
			return fmt.Errorf("flag %s: energy %v out of range [0,1]", flag, energy)
		}
	}
	return nil
}

// Settings returns the overrides as settings entries
func (p *Policy) Settings() types.Snapshot {
	var snap types.Snapshot
	add := func(key string, v *float64) {
		if v != nil {
			snap = append(snap, types.KV{Key: key, Value: settings.FormatFloat(*v)})
		}
	}

	if p.AutoResponse != nil {
		snap = append(snap, types.KV{Key: settings.KeyAutoResponse, Value: fmt.Sprintf("%t", *p.AutoResponse)})
	}
	add(settings.KeyMaliciousThreshold, p.Thresholds.Malicious)
	add(settings.KeySuspiciousThreshold, p.Thresholds.Suspicious)
	add(settings.KeySuspendThreshold, p.Thresholds.Suspend)
	add(settings.KeyCostTerminate, p.Costs.Terminate)
	add(settings.KeyCostBlock, p.Costs.Block)
	add(settings.KeyCostQuarantine, p.Costs.Quarantine)
	add(settings.KeyStruggleFactor, p.StruggleFactor)
	return snap
}

// ClassifierOptions builds classifier options from the policy
func (p *Policy) ClassifierOptions() []classifier.Option {
	var opts []classifier.Option
	if len(p.Signatures) > 0 {
		opts = append(opts, classifier.WithMatcher(classifier.NewPatternMatcher(p.Signatures)))
	}
	if len(p.TrustedCredentials) > 0 {
		opts = append(opts, classifier.WithVerifier(classifier.NewTokenVerifier(p.TrustedCredentials)))
	}
	if len(p.FlagEnergies) > 0 {
		opts = append(opts, classifier.WithFlagEnergies(p.FlagEnergies))
	}
	return opts
}
