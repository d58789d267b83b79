package classifier

import (
	"time"

	"github.com/google/uuid"

	"aegisflux/agents/mitigation-agent/internal/settings"
	"aegisflux/agents/mitigation-agent/internal/types"
)

// Behavioral flags reported by collectors
const (
	FlagSuspiciousName      = "suspicious_name"
	FlagSuspiciousPattern   = "suspicious_pattern"
	FlagSuspiciousPort      = "suspicious_port"
	FlagC2Address           = "c2_address"
	FlagRansomwareExtension = "ransomware_extension"
	FlagPortScan            = "port_scan"
	FlagExfiltration        = "exfiltration"
	FlagInjection           = "injection"
)

// DefaultFlagEnergies maps behavioral flags to their severity
var DefaultFlagEnergies = map[string]float64{
	FlagSuspiciousName:      0.8,
	FlagSuspiciousPattern:   0.5,
	FlagSuspiciousPort:      0.6,
	FlagC2Address:           0.9,
	FlagRansomwareExtension: 0.95,
	FlagPortScan:            0.7,
	FlagExfiltration:        0.75,
	FlagInjection:           0.85,
}

const (
	// UnknownEnergy is assigned when an observation carries no measurement
	UnknownEnergy = 0.4
	// UnknownFlagEnergy is assigned to flags with no configured energy
	UnknownFlagEnergy = types.G5
	// MaxSignatureLevel is the top of the signature severity scale
	MaxSignatureLevel = 10
)

// EntropyFactor buckets Shannon entropy (bits per byte) into a severity
func EntropyFactor(entropy float64) float64 {
	switch {
	case entropy > 7.5:
		return 0.8
	case entropy > 6.5:
		return 0.4
	default:
		return 0.1
	}
}

// Matcher is a signature engine. Implementations are treated as black boxes.
type Matcher interface {
	Match(obs types.Observation) []types.SignatureMatch
}

// Verifier checks trust credentials
type Verifier interface {
	Verify(credential string) bool
}

// Thresholds supplies classification thresholds at event time
type Thresholds interface {
	Float(key string) float64
}

// Classifier turns raw observations into threat events
type Classifier struct {
	matcher      Matcher
	verifier     Verifier
	thresholds   Thresholds
	flagEnergies map[string]float64
	now          func() time.Time
}

// Option configures a Classifier
type Option func(*Classifier)

// WithMatcher sets the signature matcher
func WithMatcher(m Matcher) Option {
	return func(c *Classifier) { c.matcher = m }
}

// WithVerifier sets the credential verifier
func WithVerifier(v Verifier) Option {
	return func(c *Classifier) { c.verifier = v }
}

// WithFlagEnergies overrides or extends the flag energy table
func WithFlagEnergies(energies map[string]float64) Option {
	return func(c *Classifier) {
		for k, v := range energies {
			c.flagEnergies[k] = clamp(v)
		}
	}
}

// New creates a classifier reading thresholds from the given source
func New(thresholds Thresholds, opts ...Option) *Classifier {
	c := &Classifier{
		thresholds:   thresholds,
		flagEnergies: make(map[string]float64, len(DefaultFlagEnergies)),
		now:          time.Now,
	}
	for k, v := range DefaultFlagEnergies {
		c.flagEnergies[k] = v
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify produces a threat event from a raw observation
func (c *Classifier) Classify(obs types.Observation) types.ThreatEvent {
	if c.matcher != nil {
		if extra := c.matcher.Match(obs); len(extra) > 0 {
			sigs := make([]types.SignatureMatch, 0, len(obs.Signatures)+len(extra))
			sigs = append(sigs, obs.Signatures...)
			obs.Signatures = append(sigs, extra...)
		}
	}

	ts := obs.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}

	energy := c.Energy(obs)
	credentialed := obs.Credential != "" && c.verifier != nil && c.verifier.Verify(obs.Credential)

	return types.ThreatEvent{
		ID:             uuid.NewString(),
		Kind:           obs.Kind,
		Source:         obs.Source,
		AttackEnergy:   energy,
		Details:        obs.Details,
		Timestamp:      ts,
		Classification: c.classify(energy, credentialed),
		Credentialed:   credentialed,
	}
}

func (c *Classifier) classify(energy float64, credentialed bool) types.Classification {
	if credentialed {
		return types.ClassTrusted
	}
	malicious := c.thresholds.Float(settings.KeyMaliciousThreshold)
	suspicious := c.thresholds.Float(settings.KeySuspiciousThreshold)

	switch {
	case energy >= malicious:
		return types.ClassMalicious
	case energy >= suspicious:
		return types.ClassSuspicious
	default:
		return types.ClassNeutral
	}
}

// Energy combines every measurement into attack energy in [0,1]. Components
// combine as independent evidence, so adding a measurement never lowers the
// result.
func (c *Classifier) Energy(obs types.Observation) float64 {
	if !obs.HasMeasurements() {
		return UnknownEnergy
	}

	var components []float64
	if obs.Entropy != nil {
		components = append(components, EntropyFactor(*obs.Entropy))
	}
	if len(obs.Signatures) > 0 {
		components = append(components, signatureEnergy(obs.Signatures))
	}
	for _, flag := range obs.Flags {
		e, ok := c.flagEnergies[flag]
		if !ok {
			e = UnknownFlagEnergy
		}
		components = append(components, e)
	}

	miss := 1.0
	for _, e := range components {
		miss *= 1.0 - clamp(e)
	}
	return clamp(1.0 - miss)
}

func signatureEnergy(matches []types.SignatureMatch) float64 {
	best := 0
	for _, m := range matches {
		if m.Level > best {
			best = m.Level
		}
	}
	if best > MaxSignatureLevel {
		best = MaxSignatureLevel
	}
	return float64(best) / MaxSignatureLevel
}

func clamp(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
