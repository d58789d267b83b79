package types

import (
	"fmt"
	"sort"
)

// KV is a single snapshot entry
type KV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Snapshot is an ordered list of key/value pairs describing externally owned state
type Snapshot []KV

// Get returns the value for key
func (s Snapshot) Get(key string) (string, bool) {
	for _, kv := range s {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Set replaces the value for key or appends a new entry
func (s Snapshot) Set(key, value string) Snapshot {
	for i := range s {
		if s[i].Key == key {
			s[i].Value = value
			return s
		}
	}
	return append(s, KV{Key: key, Value: value})
}

// Clone returns a deep copy
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	copy(out, s)
	return out
}

// Equal compares two snapshots entry by entry, order included
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Lines renders the snapshot as "k = v" lines sorted by key
func (s Snapshot) Lines() []string {
	lines := make([]string, 0, len(s))
	for _, kv := range s {
		lines = append(lines, fmt.Sprintf("%s = %s", kv.Key, kv.Value))
	}
	sort.Strings(lines)
	return lines
}

// Map converts the snapshot to a map
func (s Snapshot) Map() map[string]string {
	m := make(map[string]string, len(s))
	for _, kv := range s {
		m[kv.Key] = kv.Value
	}
	return m
}
