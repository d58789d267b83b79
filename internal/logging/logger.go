package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"aegisflux/agents/mitigation-agent/internal/config"
	"aegisflux/agents/mitigation-agent/internal/types"
)

// Logger provides structured logging with systemd integration
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new structured logger
func NewLogger(cfg *config.Config) *Logger {
	var output io.Writer = os.Stdout
	addSource := true

	if isSystemd() {
		// systemd captures stderr for the journal
		output = os.Stderr
		addSource = false
	} else if err := os.MkdirAll(cfg.CacheDir, 0o755); err == nil {
		logFile := filepath.Join(cfg.CacheDir, "agent.log")
		if file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			output = file
		}
	}

	return New(output, cfg.LogLevel, addSource).with(
		"host_id", cfg.HostID,
		"service", "aegisflux-mitigation-agent",
	)
}

// New creates a JSON logger writing to w
func New(w io.Writer, level string, addSource bool) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: addSource,
	})
	return &Logger{Logger: slog.New(handler)}
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// ParseLevel parses a log level string
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// isSystemd checks if running under systemd
func isSystemd() bool {
	if os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getenv("NOTIFY_SOCKET") != "" {
		return true
	}
	return os.Getpid() == 1
}

// WithComponent creates a logger with component context
func (l *Logger) WithComponent(component string) *Logger {
	return l.with("component", component)
}

// LogThreatEvent logs a processed event at a level matching its verdict
func (l *Logger) LogThreatEvent(result types.Result) {
	args := []any{
		"event_id", result.Event.ID,
		"kind", result.Event.Kind,
		"source", result.Event.Source,
		"attack_energy", result.Event.AttackEnergy,
		"classification", result.Classification,
		"action", result.Action,
		"outcome", result.Outcome,
	}

	switch result.Classification {
	case types.ClassMalicious:
		l.Warn("Malicious activity", args...)
	case types.ClassSuspicious:
		l.Info("Suspicious activity", args...)
	case types.ClassCaptured:
		l.Info("Captured source reappeared", args...)
	default:
		l.Debug("Threat event", args...)
	}
}

// LogActionEvent logs a dispatched action
func (l *Logger) LogActionEvent(record types.ActionRecord) {
	args := []any{
		"action_id", record.ID,
		"event_id", record.EventID,
		"action", record.Action,
		"source", record.Source,
		"cost", record.Cost,
		"outcome", record.Outcome,
	}

	switch record.Outcome {
	case types.OutcomeFailed:
		l.Error("Action failed", append(args, "error", record.Error)...)
	case types.OutcomeInsufficientBudget, types.OutcomeRateLimited:
		l.Warn("Action skipped", args...)
	case types.OutcomeSucceeded:
		l.Info("Action executed", args...)
	default:
		l.Debug("Action recorded", args...)
	}
}

// LogShadowEvent logs shadow lifecycle events
func (l *Logger) LogShadowEvent(event string, shadowID uint64, additional ...any) {
	args := []any{
		"event", event,
		"shadow_id", shadowID,
	}
	args = append(args, additional...)

	switch event {
	case "shadow_simulated":
		l.Info("Shadow simulated", args...)
	case "shadow_applied":
		l.Info("Shadow applied", args...)
	case "shadow_rejected":
		l.Warn("Shadow rejected", args...)
	default:
		l.Info("Shadow event", args...)
	}
}

// LogRollbackEvent logs rollback events
func (l *Logger) LogRollbackEvent(pointID uint64, reason string, status string, additional ...any) {
	args := []any{
		"point_id", pointID,
		"reason", reason,
		"status", status,
	}
	args = append(args, additional...)

	if status == "failed" {
		l.Error("Rollback failed", args...)
		return
	}
	l.Warn("Rollback performed", args...)
}

type eventMessage struct {
	level slog.Level
	msg   string
}

var systemEvents = map[string]eventMessage{
	"agent_started":       {slog.LevelInfo, "Mitigation agent started"},
	"agent_stopped":       {slog.LevelInfo, "Mitigation agent stopped"},
	"config_loaded":       {slog.LevelInfo, "Configuration loaded"},
	"policy_loaded":       {slog.LevelInfo, "Policy loaded"},
	"http_server_started": {slog.LevelInfo, "Operator API listening"},
	"http_server_stopped": {slog.LevelInfo, "Operator API stopped"},
}

var natsEvents = map[string]eventMessage{
	"nats_connected":    {slog.LevelInfo, "Connected to NATS"},
	"nats_reconnected":  {slog.LevelInfo, "Reconnected to NATS"},
	"nats_disconnected": {slog.LevelWarn, "Disconnected from NATS"},
}

func (l *Logger) logEvent(table map[string]eventMessage, fallback, event string, additional []any) {
	m, ok := table[event]
	if !ok {
		m = eventMessage{slog.LevelInfo, fallback}
	}
	l.Log(context.Background(), m.level, m.msg, append([]any{"event", event}, additional...)...)
}

// LogSystemEvent logs agent lifecycle events
func (l *Logger) LogSystemEvent(event string, additional ...any) {
	l.logEvent(systemEvents, "System event", event, additional)
}

// LogNATSEvent logs connection state changes
func (l *Logger) LogNATSEvent(event string, additional ...any) {
	l.logEvent(natsEvents, "NATS event", event, additional)
}
