package pipeline

import (
	"aegisflux/agents/mitigation-agent/internal/types"
)

// Amplifier compresses absorbed pressure into defense energy
type Amplifier struct {
	// Compression multiplies pressure into velocity (three windings of Phi)
	Compression float64
	// CrossSection divides velocity into throat pressure
	CrossSection float64
	// Critical is the throat value above which the supersonic branch is taken
	Critical float64
	// Expansion multiplies supersonic output
	Expansion float64
	// SubCritical scales output below the critical threshold
	SubCritical float64
}

// Conversion is the result of one amplification
type Conversion struct {
	Velocity   float64 `json:"velocity"`
	Throat     float64 `json:"throat"`
	Energy     float64 `json:"energy"`
	Supersonic bool    `json:"supersonic"`
}

// NewAmplifier returns an amplifier with the reference constants
func NewAmplifier() Amplifier {
	return Amplifier{
		Compression:  types.Phi * types.Phi * types.Phi,
		CrossSection: types.G1,
		Critical:     types.CriticalThreshold,
		Expansion:    types.Expansion * types.Phi,
		SubCritical:  types.G1,
	}
}

// Amplify converts pressure to velocity
func (a Amplifier) Amplify(pressure float64) float64 {
	return pressure * a.Compression
}

// Expand applies the hard branch on a throat value. Equality is sub-critical.
func (a Amplifier) Expand(throat float64) (float64, bool) {
	if throat > a.Critical {
		return throat * a.Expansion, true
	}
	return throat * a.SubCritical, false
}

// ToDefenseEnergy converts velocity to defense energy
func (a Amplifier) ToDefenseEnergy(velocity float64) (float64, bool) {
	return a.Expand(velocity / a.CrossSection)
}

// Convert runs Amplify and ToDefenseEnergy on a pressure delta
func (a Amplifier) Convert(pressure float64) Conversion {
	velocity := a.Amplify(pressure)
	throat := velocity / a.CrossSection
	energy, supersonic := a.Expand(throat)
	return Conversion{
		Velocity:   velocity,
		Throat:     throat,
		Energy:     energy,
		Supersonic: supersonic,
	}
}
