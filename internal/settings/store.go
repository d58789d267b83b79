package settings

import (
	"fmt"
	"strconv"
	"sync"

	"aegisflux/agents/mitigation-agent/internal/types"
)

// Setting keys
const (
	KeyAutoResponse        = "dispatch.auto_response"
	KeyCostTerminate       = "dispatch.cost.terminate"
	KeyCostBlock           = "dispatch.cost.block"
	KeyCostQuarantine      = "dispatch.cost.quarantine"
	KeySuspendThreshold    = "dispatch.suspend_threshold"
	KeyMaliciousThreshold  = "classifier.malicious_threshold"
	KeySuspiciousThreshold = "classifier.suspicious_threshold"
	KeyStruggleFactor      = "capture.struggle_factor"
)

type kind int

const (
	kindBool kind = iota
	kindUnit      // float in [0,1]
	kindNonNegative
)

type definition struct {
	key  string
	kind kind
	def  string
}

var definitions = []definition{
	{KeyAutoResponse, kindBool, "true"},
	{KeyCostTerminate, kindNonNegative, "0.1"},
	{KeyCostBlock, kindNonNegative, "0.2"},
	{KeyCostQuarantine, kindNonNegative, "0.15"},
	{KeySuspendThreshold, kindUnit, FormatFloat(types.G1)},
	{KeyMaliciousThreshold, kindUnit, "0.8"},
	{KeySuspiciousThreshold, kindUnit, FormatFloat(types.G3)},
	{KeyStruggleFactor, kindNonNegative, "1"},
}

// FormatFloat renders a float the way the store keeps it
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Store holds the runtime policy as string key/value pairs. It is the state
// that shadow runs copy and rollback points restore.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewStore creates a store populated with defaults
func NewStore() *Store {
	values := make(map[string]string, len(definitions))
	for _, d := range definitions {
		values[d.key] = d.def
	}
	return &Store{values: values}
}

// Keys lists every known key in stable order
func Keys() []string {
	keys := make([]string, len(definitions))
	for i, d := range definitions {
		keys[i] = d.key
	}
	return keys
}

func lookup(key string) (definition, bool) {
	for _, d := range definitions {
		if d.key == key {
			return d, true
		}
	}
	return definition{}, false
}

// ValidateValue checks a single key/value pair in isolation
func ValidateValue(key, value string) error {
	d, ok := lookup(key)
	if !ok {
		return fmt.Errorf("unknown setting: %s", key)
	}

	switch d.kind {
	case kindBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("setting %s expects a boolean: %w", key, err)
		}
	case kindUnit, kindNonNegative:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("setting %s expects a number: %w", key, err)
		}
		if v != v || v < 0 {
			return fmt.Errorf("setting %s must be non-negative", key)
		}
		if d.kind == kindUnit && v > 1 {
			return fmt.Errorf("setting %s must be within [0,1]", key)
		}
	}
	return nil
}

// ValidateSnapshot checks a whole snapshot, including cross-key constraints
func ValidateSnapshot(s types.Snapshot) error {
	merged := make(map[string]string, len(definitions))
	for _, d := range definitions {
		merged[d.key] = d.def
	}
	for _, kv := range s {
		if err := ValidateValue(kv.Key, kv.Value); err != nil {
			return err
		}
		merged[kv.Key] = kv.Value
	}
	return checkThresholds(merged)
}

func checkThresholds(values map[string]string) error {
	malicious, _ := strconv.ParseFloat(values[KeyMaliciousThreshold], 64)
	suspicious, _ := strconv.ParseFloat(values[KeySuspiciousThreshold], 64)
	if suspicious > malicious {
		return fmt.Errorf("suspicious threshold %v exceeds malicious threshold %v", suspicious, malicious)
	}
	return nil
}

// Set validates and stores a single value
func (s *Store) Set(key, value string) error {
	if err := ValidateValue(key, value); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.values[key]
	s.values[key] = value
	if err := checkThresholds(s.values); err != nil {
		s.values[key] = prev
		return err
	}
	return nil
}

// Get returns the raw value for key
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Float returns a numeric setting, or 0 if it is missing or malformed
func (s *Store) Float(key string) float64 {
	v, ok := s.Get(key)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

// Bool returns a boolean setting
func (s *Store) Bool(key string) bool {
	v, ok := s.Get(key)
	if !ok {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

// Snapshot returns every setting in definition order
func (s *Store) Snapshot() types.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make(types.Snapshot, 0, len(definitions))
	for _, d := range definitions {
		snap = append(snap, types.KV{Key: d.key, Value: s.values[d.key]})
	}
	return snap
}

// Restore replaces the stored values with the snapshot. Nothing changes if
// the snapshot is invalid.
func (s *Store) Restore(snap types.Snapshot) error {
	if err := ValidateSnapshot(snap); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, kv := range snap {
		s.values[kv.Key] = kv.Value
	}
	return nil
}

// Apply merges changes onto the live values. The merged result is
// validated and committed under one lock; nothing changes on error.
func (s *Store) Apply(changes types.Snapshot) error {
	for _, kv := range changes {
		if err := ValidateValue(kv.Key, kv.Value); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[string]string, len(s.values))
	for k, v := range s.values {
		merged[k] = v
	}
	for _, kv := range changes {
		merged[kv.Key] = kv.Value
	}
	if err := checkThresholds(merged); err != nil {
		return err
	}
	s.values = merged
	return nil
}

// Provider adapts the store to a snapshot provider function
func (s *Store) Provider() func() types.Snapshot {
	return s.Snapshot
}

// Restorer adapts the store to a snapshot restorer function
func (s *Store) Restorer() func(types.Snapshot) error {
	return s.Restore
}
