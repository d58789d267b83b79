package collector

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"aegisflux/agents/mitigation-agent/internal/classifier"
	"aegisflux/agents/mitigation-agent/internal/types"
)

const tcpEstablished = "01"

// DefaultSuspiciousPorts are remote or local ports associated with backdoors and C2
var DefaultSuspiciousPorts = []uint16{
	4444, 5555, 6666, 6667, 8080, 8443, 31337,
	12345, 12346, 27374, 1234, 9001, 9030,
	3389, 22, 445, 135, 139,
}

// ConnectionScanner parses an IPv4 procfs tcp table for established
// connections to suspicious ports or known C2 addresses
type ConnectionScanner struct {
	Path  string
	Ports map[uint16]bool
	C2    map[string]bool
}

// NewConnectionScanner scans /proc/net/tcp with the default port list
func NewConnectionScanner(c2 []string) *ConnectionScanner {
	s := &ConnectionScanner{
		Path:  "/proc/net/tcp",
		Ports: make(map[uint16]bool, len(DefaultSuspiciousPorts)),
		C2:    make(map[string]bool, len(c2)),
	}
	for _, p := range DefaultSuspiciousPorts {
		s.Ports[p] = true
	}
	for _, ip := range c2 {
		s.C2[ip] = true
	}
	return s
}

// Scan implements PollFunc
func (s *ConnectionScanner) Scan(ctx context.Context) ([]types.Observation, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", s.Path, err)
	}
	defer f.Close()

	var out []types.Observation
	scanner := bufio.NewScanner(f)
	scanner.Scan() // header
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[3] != tcpEstablished {
			continue
		}
		_, localPort, err := parseHexAddr(fields[1])
		if err != nil {
			continue
		}
		remoteIP, remotePort, err := parseHexAddr(fields[2])
		if err != nil {
			continue
		}
		if obs, ok := s.check(remoteIP, remotePort, localPort); ok {
			out = append(out, obs)
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("failed to read %s: %w", s.Path, err)
	}
	return out, nil
}

func (s *ConnectionScanner) check(ip string, remotePort, localPort uint16) (types.Observation, bool) {
	if s.Ports[remotePort] || s.Ports[localPort] {
		return types.Observation{
			Kind:    types.KindNetworkSuspicious,
			Source:  fmt.Sprintf("%s:%d", ip, remotePort),
			Details: "Suspicious port detected",
			Flags:   []string{classifier.FlagSuspiciousPort},
		}, true
	}
	if s.C2[ip] {
		return types.Observation{
			Kind:    types.KindNetworkC2,
			Source:  ip,
			Details: "Known C2 IP detected",
			Flags:   []string{classifier.FlagC2Address},
		}, true
	}
	return types.Observation{}, false
}

// parseHexAddr decodes "0100007F:1F90" into ("127.0.0.1", 8080).
// procfs stores the IPv4 address little-endian.
func parseHexAddr(s string) (string, uint16, error) {
	host, port, ok := strings.Cut(s, ":")
	if !ok || len(host) != 8 {
		return "", 0, fmt.Errorf("malformed address %q", s)
	}
	ip, err := strconv.ParseUint(host, 16, 32)
	if err != nil {
		return "", 0, fmt.Errorf("malformed address %q: %w", s, err)
	}
	p, err := strconv.ParseUint(port, 16, 16)
	if err != nil {
		return "", 0, fmt.Errorf("malformed port %q: %w", s, err)
	}
	return fmt.Sprintf("%d.%d.%d.%d", ip&0xff, (ip>>8)&0xff, (ip>>16)&0xff, (ip>>24)&0xff), uint16(p), nil
}
