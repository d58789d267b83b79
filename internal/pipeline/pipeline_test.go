package pipeline

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/agents/mitigation-agent/internal/types"
)

func TestDamping_DecreasesWithFrequency(t *testing.T) {
	prev := Damping(0)
	assert.Equal(t, 1.0, prev)
	for f := 53.0; f <= 1600; f += 53 {
		r := Damping(f)
		assert.LessOrEqual(t, r, prev)
		assert.GreaterOrEqual(t, r, 0.0)
		prev = r
	}
	assert.Equal(t, 0.0, Damping(CutoffFrequency))
}

func TestAbsorptionNetwork_SingleLayer(t *testing.T) {
	n := NewAbsorptionNetwork(1)
	got := n.Absorb(0.6)

	expected := 0.6 * (1 - 53.0/1440.0) * (1.0 / 3.0)
	assert.InDelta(t, expected, got, 1e-12)
	assert.InDelta(t, expected, n.Pressure(), 1e-12)
}

func TestAbsorptionNetwork_Deterministic(t *testing.T) {
	a := NewAbsorptionNetwork(DefaultLayers)
	b := NewAbsorptionNetwork(DefaultLayers)

	da := a.Absorb(0.6)
	db := b.Absorb(0.6)
	assert.Equal(t, da, db)
	assert.Greater(t, da, 0.0)
	assert.Less(t, da, 0.6)

	sa := a.State()
	require.Len(t, sa.Layers, DefaultLayers)
	sum := 0.0
	for i, l := range sa.Layers {
		sum += l
		if i > 0 {
			assert.Less(t, l, sa.Layers[i-1], "each layer sees less energy than the one before")
		}
	}
	assert.InDelta(t, da, sum, 1e-12)
}

func TestAbsorptionNetwork_MonotonicInEnergy(t *testing.T) {
	prev := 0.0
	for e := 0.0; e <= 1.0; e += 0.05 {
		got := NewAbsorptionNetwork(DefaultLayers).Absorb(e)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestAbsorptionNetwork_ClampsInput(t *testing.T) {
	n := NewAbsorptionNetwork(DefaultLayers)
	assert.Equal(t, 0.0, n.Absorb(-3))
	assert.Equal(t, 0.0, n.Absorb(math.NaN()))

	over := n.Absorb(5)
	one := NewAbsorptionNetwork(DefaultLayers).Absorb(1)
	assert.Equal(t, one, over)
}

func TestAbsorptionNetwork_Reset(t *testing.T) {
	n := NewAbsorptionNetwork(3)
	n.Absorb(0.9)
	require.Greater(t, n.Pressure(), 0.0)

	n.Reset()
	state := n.State()
	assert.Equal(t, 0.0, state.TotalPressure)
	assert.Equal(t, []float64{0, 0, 0}, state.Layers)
}

func TestAbsorptionNetwork_ConcurrentAbsorb(t *testing.T) {
	n := NewAbsorptionNetwork(DefaultLayers)
	single := NewAbsorptionNetwork(DefaultLayers).Absorb(0.5)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.Absorb(0.5)
		}()
	}
	wg.Wait()

	assert.InDelta(t, single*50, n.Pressure(), 1e-9)
}

func TestAmplifier_Branches(t *testing.T) {
	a := NewAmplifier()

	tests := []struct {
		name       string
		throat     float64
		supersonic bool
		expected   float64
	}{
		{"exactly_critical_is_subcritical", types.CriticalThreshold, false, types.CriticalThreshold * types.G1},
		{"below_critical", 0.5, false, 0.5 * types.G1},
		{"above_critical", 1.0, true, 1.0 * types.Expansion * types.Phi},
		{"zero", 0, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			energy, supersonic := a.Expand(tt.throat)
			assert.Equal(t, tt.supersonic, supersonic)
			assert.InDelta(t, tt.expected, energy, 1e-12)
		})
	}
}

func TestAmplifier_Convert(t *testing.T) {
	a := NewAmplifier()
	assert.InDelta(t, 4.2360679775, a.Compression, 1e-9)

	c1 := a.Convert(0.2)
	c2 := a.Convert(0.2)
	assert.Equal(t, c1, c2)
	assert.InDelta(t, 0.2*a.Compression, c1.Velocity, 1e-12)
	assert.InDelta(t, c1.Velocity/types.G1, c1.Throat, 1e-12)
	assert.True(t, c1.Supersonic)

	low := a.Convert(0.01)
	assert.False(t, low.Supersonic)
	energy, supersonic := a.ToDefenseEnergy(a.Amplify(0.01))
	assert.Equal(t, low.Energy, energy)
	assert.Equal(t, low.Supersonic, supersonic)
}
