package collector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"aegisflux/agents/mitigation-agent/internal/classifier"
	"aegisflux/agents/mitigation-agent/internal/types"
)

// DefaultSuspiciousNames are tool names that are flagged outright
var DefaultSuspiciousNames = []string{
	"keylogger", "mimikatz", "lazagne", "pwdump",
	"procdump", "meterpreter", "cobaltstrike", "empire",
	"netcat", "psexec", "wce", "fgdump", "gsecdump",
	"secretsdump", "crackmapexec", "bloodhound",
	"sharphound", "rubeus", "kekeo",
}

// DefaultSuspiciousPatterns are name fragments worth a second look
var DefaultSuspiciousPatterns = []string{
	"dump", "crack", "hack", "exploit", "inject",
	"hook", "spy", "sniff", "capture", "steal",
	"ransom", "crypt", "locker",
}

// ProcessScanner walks a procfs tree and flags processes by name
type ProcessScanner struct {
	Root     string
	Names    []string
	Patterns []string
}

// NewProcessScanner scans /proc with the default name lists
func NewProcessScanner() *ProcessScanner {
	return &ProcessScanner{
		Root:     "/proc",
		Names:    DefaultSuspiciousNames,
		Patterns: DefaultSuspiciousPatterns,
	}
}

// Scan implements PollFunc
func (s *ProcessScanner) Scan(ctx context.Context) ([]types.Observation, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.Root, err)
	}

	self := strconv.Itoa(os.Getpid())
	var out []types.Observation
	for _, entry := range entries {
		if ctx.Err() != nil {
			return out, nil
		}
		pid := entry.Name()
		if !entry.IsDir() || !isNumeric(pid) || pid == self {
			continue
		}

		comm, err := os.ReadFile(filepath.Join(s.Root, pid, "comm"))
		if err != nil {
			// process exited between listing and reading
			continue
		}
		name := strings.TrimSpace(string(comm))
		if obs, ok := s.check(pid, name); ok {
			out = append(out, obs)
		}
	}
	return out, nil
}

func (s *ProcessScanner) check(pid, name string) (types.Observation, bool) {
	lower := strings.ToLower(name)

	for _, sus := range s.Names {
		if strings.Contains(lower, sus) {
			return types.Observation{
				Kind:    types.KindProcessSniffing,
				Source:  pid,
				Details: "Suspicious process name: " + name,
				Flags:   []string{classifier.FlagSuspiciousName},
			}, true
		}
	}
	for _, pattern := range s.Patterns {
		if strings.Contains(lower, pattern) {
			return types.Observation{
				Kind:    types.KindProcessSuspicious,
				Source:  pid,
				Details: "Suspicious pattern in name: " + name,
				Flags:   []string{classifier.FlagSuspiciousPattern},
			}, true
		}
	}
	return types.Observation{}, false
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
