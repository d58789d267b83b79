package oshost

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cilium/ebpf"
)

// Blocker drops traffic from an IPv4 address
type Blocker interface {
	Block(ip net.IP) error
	Unblock(ip net.IP) error
	Close() error
}

// ParseIPv4 extracts the address from "ip" or "ip:port"
func ParseIPv4(source string) (net.IP, error) {
	host := strings.TrimSpace(source)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return nil, fmt.Errorf("not an IPv4 source: %q", source)
	}
	return ip, nil
}

// blockMap is the part of *ebpf.Map the blocker uses
type blockMap interface {
	Update(key, value interface{}, flags ebpf.MapUpdateFlags) error
	Delete(key interface{}) error
	Close() error
}

// MapBlocker writes blocked addresses into a pinned BPF hash map keyed by the
// IPv4 address in network order. The value is the block time in unix nanoseconds.
type MapBlocker struct {
	m blockMap
}

// OpenMapBlocker loads the map pinned at path
func OpenMapBlocker(path string) (*MapBlocker, error) {
	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load pinned block map %s: %w", path, err)
	}
	return &MapBlocker{m: m}, nil
}

func mapKey(ip net.IP) [4]byte {
	var key [4]byte
	copy(key[:], ip.To4())
	return key
}

// Block inserts ip, refreshing the timestamp if present
func (b *MapBlocker) Block(ip net.IP) error {
	if err := b.m.Update(mapKey(ip), uint64(time.Now().UnixNano()), ebpf.UpdateAny); err != nil {
		return fmt.Errorf("failed to block %s: %w", ip, err)
	}
	return nil
}

// Unblock removes ip
func (b *MapBlocker) Unblock(ip net.IP) error {
	if err := b.m.Delete(mapKey(ip)); err != nil {
		return fmt.Errorf("failed to unblock %s: %w", ip, err)
	}
	return nil
}

// Close releases the map handle
func (b *MapBlocker) Close() error {
	return b.m.Close()
}

// ListBlocker keeps blocked addresses in memory. It is used when no block map
// is pinned and in dry-run mode.
type ListBlocker struct {
	mu      sync.RWMutex
	blocked map[string]time.Time
}

// NewListBlocker creates an empty list
func NewListBlocker() *ListBlocker {
	return &ListBlocker{blocked: make(map[string]time.Time)}
}

// Block records ip
func (b *ListBlocker) Block(ip net.IP) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked[ip.String()] = time.Now()
	return nil
}

// Unblock forgets ip
func (b *ListBlocker) Unblock(ip net.IP) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blocked, ip.String())
	return nil
}

// Blocked lists the recorded addresses in sorted order
func (b *ListBlocker) Blocked() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.blocked))
	for ip := range b.blocked {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

// Close is a no-op
func (b *ListBlocker) Close() error {
	return nil
}
