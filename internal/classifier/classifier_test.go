package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/agents/mitigation-agent/internal/settings"
	"aegisflux/agents/mitigation-agent/internal/types"
)

func ptr(v float64) *float64 { return &v }

func TestEntropyFactor(t *testing.T) {
	tests := []struct {
		entropy  float64
		expected float64
	}{
		{0, 0.1},
		{6.5, 0.1},
		{6.51, 0.4},
		{7.5, 0.4},
		{7.9, 0.8},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, EntropyFactor(tt.entropy), "entropy %v", tt.entropy)
	}
}

func TestClassifier_Energy(t *testing.T) {
	c := New(settings.NewStore())

	tests := []struct {
		name     string
		obs      types.Observation
		expected float64
	}{
		{
			name:     "no_measurements_is_unknown",
			obs:      types.Observation{Kind: types.KindProcessSuspicious},
			expected: UnknownEnergy,
		},
		{
			name:     "entropy_only",
			obs:      types.Observation{Entropy: ptr(7.8)},
			expected: 0.8,
		},
		{
			name:     "max_signature_level",
			obs:      types.Observation{Signatures: []types.SignatureMatch{{Name: "a", Level: 3}, {Name: "b", Level: 7}}},
			expected: 0.7,
		},
		{
			name:     "signature_level_capped",
			obs:      types.Observation{Signatures: []types.SignatureMatch{{Name: "a", Level: 42}}},
			expected: 1.0,
		},
		{
			name:     "flag_only",
			obs:      types.Observation{Flags: []string{FlagSuspiciousPort}},
			expected: 0.6,
		},
		{
			name:     "unknown_flag",
			obs:      types.Observation{Flags: []string{"odd"}},
			expected: UnknownFlagEnergy,
		},
		{
			name:     "combined",
			obs:      types.Observation{Entropy: ptr(7.0), Flags: []string{FlagSuspiciousPattern}},
			expected: 1 - (1-0.4)*(1-0.5),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Energy(tt.obs)
			assert.InDelta(t, tt.expected, got, 1e-12)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func TestClassifier_EnergyIsMonotonic(t *testing.T) {
	c := New(settings.NewStore())

	prev := 0.0
	for e := 0.0; e <= 8.0; e += 0.25 {
		got := c.Energy(types.Observation{Entropy: ptr(e)})
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}

	obs := types.Observation{Entropy: ptr(5)}
	base := c.Energy(obs)
	for _, level := range []int{1, 4, 9} {
		obs.Signatures = append(obs.Signatures, types.SignatureMatch{Name: "s", Level: level})
		got := c.Energy(obs)
		assert.GreaterOrEqual(t, got, base)
		base = got
	}
	for _, flag := range []string{FlagSuspiciousName, FlagC2Address} {
		obs.Flags = append(obs.Flags, flag)
		got := c.Energy(obs)
		assert.GreaterOrEqual(t, got, base)
		base = got
	}
}

func TestClassifier_Classify(t *testing.T) {
	store := settings.NewStore()
	c := New(store, WithVerifier(NewTokenVerifier([]string{"s3cret"})))

	tests := []struct {
		name     string
		obs      types.Observation
		expected types.Classification
	}{
		{
			name:     "malicious",
			obs:      types.Observation{Kind: types.KindNetworkC2, Source: "10.0.0.1:4444", Flags: []string{FlagC2Address}},
			expected: types.ClassMalicious,
		},
		{
			name:     "suspicious",
			obs:      types.Observation{Kind: types.KindProcessSuspicious, Source: "1234", Flags: []string{FlagSuspiciousPort}},
			expected: types.ClassSuspicious,
		},
		{
			name:     "unknown_is_mildly_suspicious",
			obs:      types.Observation{Kind: types.KindProcessSuspicious, Source: "1234"},
			expected: types.ClassSuspicious,
		},
		{
			name:     "neutral",
			obs:      types.Observation{Kind: types.KindFileModification, Source: "/tmp/a", Entropy: ptr(3)},
			expected: types.ClassNeutral,
		},
		{
			name:     "trusted_overrides_energy",
			obs:      types.Observation{Kind: types.KindNetworkC2, Source: "10.0.0.1:4444", Flags: []string{FlagC2Address}, Credential: "s3cret"},
			expected: types.ClassTrusted,
		},
		{
			name:     "wrong_credential_is_ignored",
			obs:      types.Observation{Kind: types.KindNetworkC2, Source: "10.0.0.1:4444", Flags: []string{FlagC2Address}, Credential: "guess"},
			expected: types.ClassMalicious,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := c.Classify(tt.obs)
			assert.Equal(t, tt.expected, e.Classification)
			assert.NotEmpty(t, e.ID)
			assert.False(t, e.Timestamp.IsZero())
			assert.Equal(t, tt.obs.Source, e.Source)
			assert.Nil(t, e.DefenseEnergy)
		})
	}
}

func TestClassifier_ThresholdsFollowSettings(t *testing.T) {
	store := settings.NewStore()
	c := New(store)
	obs := types.Observation{Flags: []string{FlagSuspiciousPort}}

	assert.Equal(t, types.ClassSuspicious, c.Classify(obs).Classification)

	require.NoError(t, store.Set(settings.KeyMaliciousThreshold, "0.55"))
	assert.Equal(t, types.ClassMalicious, c.Classify(obs).Classification)
}

func TestClassifier_UsesMatcher(t *testing.T) {
	m := NewPatternMatcher([]SignatureRule{
		{Name: "mimikatz", Pattern: "MimiKatz", Level: 10},
		{Name: "empty", Pattern: "", Level: 10},
	})
	c := New(settings.NewStore(), WithMatcher(m))

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := c.Classify(types.Observation{
		Kind:      types.KindProcessSuspicious,
		Source:    "4242",
		Details:   "cmdline: mimikatz.exe sekurlsa",
		Timestamp: ts,
	})
	assert.Equal(t, 1.0, e.AttackEnergy)
	assert.Equal(t, types.ClassMalicious, e.Classification)
	assert.Equal(t, ts, e.Timestamp)

	assert.Empty(t, m.Match(types.Observation{Details: "bash"}))
}

func TestClassifier_FlagEnergyOverride(t *testing.T) {
	c := New(settings.NewStore(), WithFlagEnergies(map[string]float64{"beacon": 0.99, FlagSuspiciousPort: 2}))

	assert.InDelta(t, 0.99, c.Energy(types.Observation{Flags: []string{"beacon"}}), 1e-12)
	assert.Equal(t, 1.0, c.Energy(types.Observation{Flags: []string{FlagSuspiciousPort}}))
}
