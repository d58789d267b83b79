package capture

import (
	"sort"
	"sync"
	"time"

	"aegisflux/agents/mitigation-agent/internal/types"
)

const (
	gravitationalConstant = 6.67430e-11
	speedOfLight          = 299792458.0

	// InitialMass is the registry mass before anything is captured
	InitialMass = 1.0
	// DrainRate is the per-entity yield of one drain tick at struggle factor 1
	DrainRate = types.G5
)

// Horizon returns the capture radius for a given mass
func Horizon(mass float64) float64 {
	return 2 * gravitationalConstant * mass / (speedOfLight * speedOfLight)
}

// Entity is a captured source
type Entity struct {
	ID         string    `json:"id"`
	Energy     float64   `json:"energy"`
	Harvested  float64   `json:"harvested"`
	CapturedAt time.Time `json:"captured_at"`
}

// Stats is a copy of the registry accumulators
type Stats struct {
	Mass            float64 `json:"mass"`
	Horizon         float64 `json:"horizon"`
	Captured        int     `json:"captured"`
	HarvestedEnergy float64 `json:"harvested_energy"`
	DrainedEnergy   float64 `json:"drained_energy"`
}

// Registry tracks entities whose energy falls inside the capture band. Mass
// only grows; captured entities are held until the process exits.
type Registry struct {
	mu        sync.RWMutex
	critical  float64
	mass      float64
	horizon   float64
	captured  map[string]*Entity
	harvested float64
	drained   float64
}

// NewRegistry creates a registry using the given critical threshold
func NewRegistry(critical float64) *Registry {
	if critical <= types.CaptureFloor {
		critical = types.CriticalThreshold
	}
	return &Registry{
		critical: critical,
		mass:     InitialMass,
		horizon:  Horizon(InitialMass),
		captured: make(map[string]*Entity),
	}
}

// CanCapture reports whether energy is strictly inside (floor, critical)
func (r *Registry) CanCapture(energy float64) bool {
	return energy > types.CaptureFloor && energy < r.critical
}

// Trap captures id and returns the harvested energy. Capturing an id that is
// already held, or energy outside the band, returns 0 and changes nothing.
func (r *Registry) Trap(id string, energy float64) float64 {
	if !r.CanCapture(energy) {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.captured[id]; exists {
		return 0
	}

	harvested := energy * r.critical
	r.captured[id] = &Entity{
		ID:         id,
		Energy:     energy,
		Harvested:  harvested,
		CapturedAt: time.Now(),
	}
	r.mass += energy
	r.horizon = Horizon(r.mass)
	r.harvested += harvested
	return harvested
}

// Drain yields energy from every held entity
func (r *Registry) Drain(struggle float64) float64 {
	if struggle <= 0 || struggle != struggle {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.captured) == 0 {
		return 0
	}
	energy := float64(len(r.captured)) * struggle * DrainRate
	r.drained += energy
	return energy
}

// IsCaptured reports whether id is held
func (r *Registry) IsCaptured(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.captured[id]
	return ok
}

// Count returns the number of held entities
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.captured)
}

// Mass returns the current mass
func (r *Registry) Mass() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mass
}

// Stats returns a copy of the accumulators
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Mass:            r.mass,
		Horizon:         r.horizon,
		Captured:        len(r.captured),
		HarvestedEnergy: r.harvested,
		DrainedEnergy:   r.drained,
	}
}

// Entities lists held entities ordered by capture time
func (r *Registry) Entities() []Entity {
	r.mu.RLock()
	out := make([]Entity, 0, len(r.captured))
	for _, e := range r.captured {
		out = append(out, *e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CapturedAt.Equal(out[j].CapturedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CapturedAt.Before(out[j].CapturedAt)
	})
	return out
}
