package oshost

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultCriticalProcesses must never be signalled, whatever the verdict
var DefaultCriticalProcesses = []string{
	"systemd", "init", "kthreadd", "systemd-journal",
	"systemd-logind", "systemd-udevd", "dbus-daemon",
	"sshd", "containerd", "dockerd", "kubelet",
	"mitigation-agent",
}

// ErrProtected is returned when an action targets a protected process
var ErrProtected = errors.New("protected process")

// Guard decides whether a pid may be signalled
type Guard struct {
	procRoot string
	critical map[string]bool
	self     int
}

// NewGuard creates a guard over procRoot with the given critical names
func NewGuard(procRoot string, critical []string) *Guard {
	if procRoot == "" {
		procRoot = "/proc"
	}
	g := &Guard{
		procRoot: procRoot,
		critical: make(map[string]bool, len(critical)),
		self:     os.Getpid(),
	}
	for _, name := range critical {
		g.critical[strings.ToLower(name)] = true
	}
	return g
}

// IsCritical checks a process name against the protected list
func (g *Guard) IsCritical(name string) bool {
	return g.critical[strings.ToLower(strings.TrimSpace(name))]
}

// Check returns ErrProtected for init, the agent itself and critical processes
func (g *Guard) Check(pid int) error {
	if pid <= 1 {
		return fmt.Errorf("%w: pid %d", ErrProtected, pid)
	}
	if pid == g.self {
		return fmt.Errorf("%w: refusing to signal self", ErrProtected)
	}

	comm, err := os.ReadFile(filepath.Join(g.procRoot, strconv.Itoa(pid), "comm"))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("process %d not found", pid)
		}
		return fmt.Errorf("failed to read process %d: %w", pid, err)
	}
	if name := strings.TrimSpace(string(comm)); g.IsCritical(name) {
		return fmt.Errorf("%w: %s (pid %d)", ErrProtected, name, pid)
	}
	return nil
}

// ParsePID returns the pid encoded in a process source
func ParsePID(source string) (int, bool) {
	pid, err := strconv.Atoi(strings.TrimSpace(source))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
