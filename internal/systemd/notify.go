package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

// Notifier speaks the sd_notify protocol over NOTIFY_SOCKET
type Notifier struct {
	socket string
	mu     sync.Mutex
	conn   net.Conn
}

// NewNotifier creates a notifier from the environment
func NewNotifier() *Notifier {
	return &Notifier{socket: os.Getenv("NOTIFY_SOCKET")}
}

// IsAvailable reports whether a notify socket was provided
func (n *Notifier) IsAvailable() bool {
	return n.socket != "" && (n.socket[0] == '@' || n.socket[0] == '/')
}

func (n *Notifier) send(message string) error {
	if !n.IsAvailable() {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		conn, err := net.Dial("unixgram", n.socket)
		if err != nil {
			return fmt.Errorf("failed to connect to systemd socket: %w", err)
		}
		n.conn = conn
	}

	if _, err := n.conn.Write([]byte(message)); err != nil {
		return fmt.Errorf("failed to notify systemd: %w", err)
	}
	return nil
}

// NotifyReady notifies systemd that the service is ready
func (n *Notifier) NotifyReady() error {
	return n.send("READY=1\n")
}

// NotifyStopping notifies systemd that the service is stopping
func (n *Notifier) NotifyStopping() error {
	return n.send("STOPPING=1\n")
}

// NotifyWatchdog pets the watchdog
func (n *Notifier) NotifyWatchdog() error {
	return n.send("WATCHDOG=1\n")
}

// NotifyStatus updates the free-form status line
func (n *Notifier) NotifyStatus(status string) error {
	return n.send(fmt.Sprintf("STATUS=%s\n", status))
}

// Close closes the notification connection
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		err := n.conn.Close()
		n.conn = nil
		return err
	}
	return nil
}

// WatchdogInterval returns half of WATCHDOG_USEC, or 0 when the watchdog is off
func WatchdogInterval() time.Duration {
	usec, err := strconv.ParseInt(os.Getenv("WATCHDOG_USEC"), 10, 64)
	if err != nil || usec <= 0 {
		return 0
	}
	return time.Duration(usec) * time.Microsecond / 2
}

// RunWatchdog pets the watchdog every interval until ctx is cancelled
func (n *Notifier) RunWatchdog(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if !n.IsAvailable() || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.NotifyWatchdog(); err != nil {
				logger.Warn("Failed to notify systemd watchdog", "error", err)
			}
		}
	}
}
