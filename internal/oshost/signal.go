package oshost

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// KillFunc delivers a signal to a pid
type KillFunc func(pid int, sig syscall.Signal) error

// Signaller sends guarded signals to processes
type Signaller struct {
	guard *Guard
	kill  KillFunc
}

// NewSignaller signals through unix.Kill
func NewSignaller(guard *Guard) *Signaller {
	return &Signaller{guard: guard, kill: unix.Kill}
}

// Kill sends SIGKILL
func (s *Signaller) Kill(pid int) error {
	return s.send(pid, unix.SIGKILL)
}

// Stop sends SIGSTOP so the process can be inspected before a verdict
func (s *Signaller) Stop(pid int) error {
	return s.send(pid, unix.SIGSTOP)
}

func (s *Signaller) send(pid int, sig syscall.Signal) error {
	if err := s.guard.Check(pid); err != nil {
		return err
	}
	if err := s.kill(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			// already gone
			return nil
		}
		return fmt.Errorf("failed to send %s to %d: %w", unix.SignalName(sig), pid, err)
	}
	return nil
}
