package neutralize

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/agents/mitigation-agent/internal/types"
)

func TestTransformer_Credentialed(t *testing.T) {
	tr := NewTransformer(types.CriticalThreshold, DefaultBaseSignal)

	got := tr.Transform(-0.7, true)
	assert.Equal(t, -0.7, got.Light)
	assert.Equal(t, 0.0, got.Credit)
	assert.Empty(t, got.Eruptions)
	assert.Equal(t, 0.0, tr.Stats().TotalLight)
}

func TestTransformer_Uncredentialed(t *testing.T) {
	tr := NewTransformer(types.CriticalThreshold, DefaultBaseSignal)

	tests := []struct {
		name    string
		foreign float64
	}{
		{"positive", 0.5},
		{"negative", -0.5},
		{"zero", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tr.Transform(tt.foreign, false)
			expected := math.Abs(tt.foreign) * types.CriticalThreshold
			assert.InDelta(t, expected, got.Light, 1e-12)
			assert.GreaterOrEqual(t, got.Light, 0.0)
			assert.InDelta(t, expected*types.G5, got.Credit, 1e-12)
		})
	}
}

func TestTransformer_BeamsAndKorona(t *testing.T) {
	tr := NewTransformer(types.CriticalThreshold, DefaultBaseSignal)

	got := tr.Transform(0.1, false)
	light := 0.1 * types.CriticalThreshold
	beams := tr.Beams()
	active := int(light * 100)
	for i := 0; i < active; i++ {
		assert.InDelta(t, light/float64(active), beams[i], 1e-12)
	}
	for i := active; i < Channels; i++ {
		assert.Equal(t, 0.0, beams[i])
	}

	stats := tr.Stats()
	assert.Equal(t, active, stats.ActiveBeams)
	assert.InDelta(t, Korona(got.Light), stats.KoronaOutput, 1e-20)
}

func TestTransformer_EruptionOncePerCrossing(t *testing.T) {
	tr := NewTransformer(types.CriticalThreshold, DefaultBaseSignal)
	threshold := 2 * types.CriticalThreshold
	light := 0.9 * types.CriticalThreshold

	total := 0.0
	fired := 0
	for i := 0; i < 19; i++ {
		res := tr.Transform(0.9, false)
		total += light
		fired += len(res.Eruptions)
		assert.Equal(t, int(math.Floor(total/threshold+1e-12)), fired, "step %d", i)
	}

	assert.Equal(t, uint64(fired), tr.Stats().Eruptions)
	assert.Greater(t, fired, 0)
}

func TestTransformer_MultipleCrossingsInOneCall(t *testing.T) {
	tr := NewTransformer(types.CriticalThreshold, DefaultBaseSignal)

	// 5 units of foreign energy give 4.44 light, crossing 1.78 twice
	res := tr.Transform(5, false)
	assert.Len(t, res.Eruptions, 2)

	res = tr.Transform(0.01, false)
	assert.Empty(t, res.Eruptions)
}

func TestTransformer_EruptionOutput(t *testing.T) {
	tr := NewTransformer(types.CriticalThreshold, DefaultBaseSignal)

	expected := 0.0
	for i := 0; i < Channels; i++ {
		expected += (88.0 / 64.0) * (1 + float64(i%88)*types.G5)
	}
	expected *= types.Expansion

	got := tr.Eruption(88)
	assert.InDelta(t, expected, got, 1e-9)
	assert.InDelta(t, 396*types.Expansion, got, 1e-9)

	// no expansion boost at or below the critical threshold
	sub := tr.Eruption(types.CriticalThreshold)
	assert.InDelta(t, types.CriticalThreshold/88*396, sub, 1e-9)

	stats := tr.Stats()
	assert.Equal(t, uint64(0), stats.Eruptions, "manual eruptions do not advance the crossing counter")
	assert.Equal(t, Channels, stats.ActiveBeams)
}

func TestTransformer_Concurrent(t *testing.T) {
	tr := NewTransformer(types.CriticalThreshold, 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	fired := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := tr.Transform(0.37, false)
			mu.Lock()
			fired += len(res.Eruptions)
			mu.Unlock()
		}()
	}
	wg.Wait()

	stats := tr.Stats()
	require.InDelta(t, 100*0.37*types.CriticalThreshold, stats.TotalLight, 1e-9)
	assert.Equal(t, uint64(fired), stats.Eruptions)
	assert.Equal(t, uint64(math.Floor(stats.TotalLight/(2*types.CriticalThreshold))), stats.Eruptions)
}
