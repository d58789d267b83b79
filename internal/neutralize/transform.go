package neutralize

import (
	"math"
	"sync"

	"aegisflux/agents/mitigation-agent/internal/types"
)

const (
	// Channels is the number of output channels an eruption spreads across
	Channels = 64
	// ChannelPeriod is the modulus applied to the channel index when weighting intensity
	ChannelPeriod = 88
	// DefaultBaseSignal is the eruption base signal unless configured otherwise
	DefaultBaseSignal = 88.0
	// StefanBoltzmann scales radiated korona output
	StefanBoltzmann = 5.670374419e-8
	// CreditRate is the share of light energy credited to the defense budget
	CreditRate = types.G5
)

// Korona returns the radiated share of an energy amount
func Korona(energy float64) float64 {
	return energy * StefanBoltzmann * types.G5
}

// Transformation is the accounting produced by one Transform call
type Transformation struct {
	Light     float64   `json:"light"`
	Credit    float64   `json:"credit"`
	Eruptions []float64 `json:"eruptions,omitempty"`
}

// EruptionTotal sums the outputs of every eruption this call triggered
func (t Transformation) EruptionTotal() float64 {
	total := 0.0
	for _, e := range t.Eruptions {
		total += e
	}
	return total
}

// Stats is a copy of the transformer accumulators
type Stats struct {
	TotalLight     float64 `json:"total_light"`
	KoronaOutput   float64 `json:"korona_output"`
	Eruptions      uint64  `json:"eruptions"`
	EruptionOutput float64 `json:"eruption_output"`
	ActiveBeams    int     `json:"active_beams"`
}

// Transformer converts uncredentialed energy into accounted light energy and
// discharges it in eruptions each time the running total crosses another
// multiple of the eruption threshold.
type Transformer struct {
	mu             sync.Mutex
	critical       float64
	threshold      float64
	baseSignal     float64
	beams          [Channels]float64
	totalLight     float64
	korona         float64
	eruptions      uint64
	eruptionOutput float64
}

// NewTransformer creates a transformer. The eruption threshold is twice the
// critical threshold.
func NewTransformer(critical, baseSignal float64) *Transformer {
	if critical <= 0 {
		critical = types.CriticalThreshold
	}
	if baseSignal <= 0 {
		baseSignal = DefaultBaseSignal
	}
	return &Transformer{
		critical:   critical,
		threshold:  2 * critical,
		baseSignal: baseSignal,
	}
}

// Transform neutralizes foreign energy. Credentialed energy passes through
// unchanged and is not accumulated.
func (t *Transformer) Transform(foreign float64, credentialed bool) Transformation {
	if credentialed {
		return Transformation{Light: foreign}
	}
	if math.IsNaN(foreign) || math.IsInf(foreign, 0) {
		return Transformation{}
	}

	light := math.Abs(foreign) * t.critical

	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalLight += light

	beamCount := int(light * 100)
	if beamCount > Channels {
		beamCount = Channels
	}
	for i := 0; i < beamCount; i++ {
		t.beams[i] += light / float64(beamCount)
	}
	t.korona += Korona(light)

	result := Transformation{
		Light:  light,
		Credit: light * CreditRate,
	}

	for t.totalLight >= float64(t.eruptions+1)*t.threshold {
		t.eruptions++
		result.Eruptions = append(result.Eruptions, t.erupt(t.baseSignal))
	}
	return result
}

// Eruption fires every channel at once. It does not advance the crossing
// counter.
func (t *Transformer) Eruption(baseSignal float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.erupt(baseSignal)
}

func (t *Transformer) erupt(base float64) float64 {
	total := 0.0
	for i := 0; i < Channels; i++ {
		intensity := (base / Channels) * (1.0 + float64(i%ChannelPeriod)*types.G5)
		t.beams[i] = intensity
		total += intensity
	}
	if base > t.critical {
		total *= types.Expansion
	}
	t.eruptionOutput += total
	t.korona += Korona(total)
	return total
}

// Stats returns a copy of the accumulators
func (t *Transformer) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	active := 0
	for _, b := range t.beams {
		if b > 0 {
			active++
		}
	}
	return Stats{
		TotalLight:     t.totalLight,
		KoronaOutput:   t.korona,
		Eruptions:      t.eruptions,
		EruptionOutput: t.eruptionOutput,
		ActiveBeams:    active,
	}
}

// Beams returns a copy of the channel intensities
func (t *Transformer) Beams() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]float64, Channels)
	copy(out, t.beams[:])
	return out
}
