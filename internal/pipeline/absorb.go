package pipeline

import (
	"sync"

	"aegisflux/agents/mitigation-agent/internal/types"
)

const (
	// DefaultLayers is the number of damping layers in a network
	DefaultLayers = 7
	// BaseFrequency is the frequency step between layers; layer i runs at BaseFrequency*(i+1)
	BaseFrequency = 53.0
	// CutoffFrequency is where damping reaches zero
	CutoffFrequency = 1440.0
	// AbsorbFraction is the share of the damped energy each layer keeps
	AbsorbFraction = types.G3
)

// Damping returns the resistance of a layer tuned to frequency f.
// Higher frequencies resist less; the result is clamped to [0,1].
func Damping(f float64) float64 {
	r := 1.0 - f/CutoffFrequency
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// PipelineState is a copy of the per-network accumulators
type PipelineState struct {
	Layers        []float64 `json:"layers"`
	TotalPressure float64   `json:"total_pressure"`
}

// AbsorptionNetwork is a fixed chain of damping layers that turns attack energy
// into accumulated pressure.
type AbsorptionNetwork struct {
	mu          sync.Mutex
	frequencies []float64
	layers      []float64
	pressure    float64
}

// NewAbsorptionNetwork creates a network with n layers (DefaultLayers if n <= 0)
func NewAbsorptionNetwork(n int) *AbsorptionNetwork {
	if n <= 0 {
		n = DefaultLayers
	}
	freqs := make([]float64, n)
	for i := range freqs {
		freqs[i] = BaseFrequency * float64(i+1)
	}
	return &AbsorptionNetwork{
		frequencies: freqs,
		layers:      make([]float64, n),
	}
}

// Absorb pushes energy through every layer and returns the total absorbed.
// The whole read-modify-write happens under one lock.
func (n *AbsorptionNetwork) Absorb(energy float64) float64 {
	energy = clampUnit(energy)

	n.mu.Lock()
	defer n.mu.Unlock()

	remaining := energy
	total := 0.0
	for i, f := range n.frequencies {
		r := Damping(f)
		absorbed := remaining * r * AbsorbFraction
		n.layers[i] += absorbed
		total += absorbed
		remaining *= 1.0 - r
	}
	n.pressure += total
	return total
}

// Reset clears all layers and the total pressure
func (n *AbsorptionNetwork) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i := range n.layers {
		n.layers[i] = 0
	}
	n.pressure = 0
}

// Pressure returns the accumulated total pressure
func (n *AbsorptionNetwork) Pressure() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pressure
}

// State returns a copy of the layer pressures and total
func (n *AbsorptionNetwork) State() PipelineState {
	n.mu.Lock()
	defer n.mu.Unlock()

	layers := make([]float64, len(n.layers))
	copy(layers, n.layers)
	return PipelineState{Layers: layers, TotalPressure: n.pressure}
}

// LayerCount returns the number of layers
func (n *AbsorptionNetwork) LayerCount() int {
	return len(n.frequencies)
}

func clampUnit(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
