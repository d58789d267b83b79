package oshost

import (
	"context"
	"fmt"
	"log/slog"
)

// Actuator carries out mitigation actions on the local host.
//
// Process sources are pids. Terminate sends SIGKILL; Block on a pid sends
// SIGSTOP, which is how a suspended process is held. Network sources are
// "ip" or "ip:port" and Block writes the address to the blocker. File
// sources are paths and Quarantine moves them into the jail.
type Actuator struct {
	logger  *slog.Logger
	signals *Signaller
	blocker Blocker
	jail    *Jail
}

// NewActuator wires the host collaborators
func NewActuator(logger *slog.Logger, signals *Signaller, blocker Blocker, jail *Jail) *Actuator {
	return &Actuator{
		logger:  logger,
		signals: signals,
		blocker: blocker,
		jail:    jail,
	}
}

// Terminate kills a pid source
func (a *Actuator) Terminate(ctx context.Context, source string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pid, ok := ParsePID(source)
	if !ok {
		return fmt.Errorf("cannot terminate non-process source %q", source)
	}
	if err := a.signals.Kill(pid); err != nil {
		return err
	}
	a.logger.Warn("Process terminated", "pid", pid)
	return nil
}

// Block stops a pid source or drops traffic from an address source
func (a *Actuator) Block(ctx context.Context, source string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if pid, ok := ParsePID(source); ok {
		if err := a.signals.Stop(pid); err != nil {
			return err
		}
		a.logger.Warn("Process suspended", "pid", pid)
		return nil
	}

	ip, err := ParseIPv4(source)
	if err != nil {
		return err
	}
	if err := a.blocker.Block(ip); err != nil {
		return err
	}
	a.logger.Warn("Address blocked", "ip", ip.String())
	return nil
}

// Quarantine jails a file source
func (a *Actuator) Quarantine(ctx context.Context, source string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := a.jail.Lockup(source)
	if err != nil {
		return err
	}
	a.logger.Warn("File quarantined", "path", source, "jailed_as", name)
	return nil
}

// Close releases the blocker
func (a *Actuator) Close() error {
	return a.blocker.Close()
}

// DryRun logs the actions it would take and records blocks in memory
type DryRun struct {
	logger  *slog.Logger
	blocked *ListBlocker
}

// NewDryRun creates a logging actuator
func NewDryRun(logger *slog.Logger) *DryRun {
	return &DryRun{logger: logger, blocked: NewListBlocker()}
}

// Terminate logs the kill
func (d *DryRun) Terminate(_ context.Context, source string) error {
	d.logger.Info("Dry run: would terminate", "source", source)
	return nil
}

// Block logs the block and remembers address sources
func (d *DryRun) Block(_ context.Context, source string) error {
	d.logger.Info("Dry run: would block", "source", source)
	if ip, err := ParseIPv4(source); err == nil {
		return d.blocked.Block(ip)
	}
	return nil
}

// Quarantine logs the quarantine
func (d *DryRun) Quarantine(_ context.Context, source string) error {
	d.logger.Info("Dry run: would quarantine", "source", source)
	return nil
}

// Blocked lists addresses that would have been blocked
func (d *DryRun) Blocked() []string {
	return d.blocked.Blocked()
}
