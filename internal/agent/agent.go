package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"aegisflux/agents/mitigation-agent/internal/audit"
	"aegisflux/agents/mitigation-agent/internal/collector"
	"aegisflux/agents/mitigation-agent/internal/config"
	"aegisflux/agents/mitigation-agent/internal/dispatch"
	"aegisflux/agents/mitigation-agent/internal/engine"
	"aegisflux/agents/mitigation-agent/internal/http"
	"aegisflux/agents/mitigation-agent/internal/logging"
	"aegisflux/agents/mitigation-agent/internal/metrics"
	"aegisflux/agents/mitigation-agent/internal/oshost"
	"aegisflux/agents/mitigation-agent/internal/rollback"
	"aegisflux/agents/mitigation-agent/internal/settings"
	"aegisflux/agents/mitigation-agent/internal/shadow"
	"aegisflux/agents/mitigation-agent/internal/store"
	"aegisflux/agents/mitigation-agent/internal/systemd"
	"aegisflux/agents/mitigation-agent/internal/telemetry"
	"aegisflux/agents/mitigation-agent/internal/types"
)

// Version is stamped at build time
var Version = "dev"

// Conn is the subset of *nats.Conn the agent uses
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// Agent is the host mitigation agent: it feeds collector observations into
// the engine and fans results out to logs, metrics, NATS and the audit sink.
type Agent struct {
	logger     *logging.Logger
	config     *config.Config
	conn       Conn
	engine     *engine.Engine
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	journal    *store.Journal
	sender     *telemetry.Sender
	collectors *collector.Group
	httpServer *http.Server
	notifier   *systemd.Notifier
	audit      audit.Sink
	actuator   dispatch.Actuator
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// New connects to NATS and builds the agent
func New(ctx context.Context, logger *logging.Logger, cfg *config.Config) (*Agent, error) {
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("mitigation-agent-"+cfg.HostID),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.LogNATSEvent("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.LogNATSEvent("nats_reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.LogNATSEvent("nats_connected", "url", nc.ConnectedUrl())

	sink := audit.Sink(audit.Discard{})
	if cfg.AuditDSN != "" {
		pg, err := audit.NewPostgresSink(ctx, cfg.AuditDSN, cfg.HostID, logger.WithComponent("audit").Logger)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to open audit sink: %w", err)
		}
		sink = pg
	}

	a, err := build(logger, cfg, nc, sink)
	if err != nil {
		sink.Close()
		nc.Close()
		return nil, err
	}
	return a, nil
}

func build(logger *logging.Logger, cfg *config.Config, conn Conn, sink audit.Sink) (*Agent, error) {
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	logger.LogSystemEvent("policy_loaded",
		"path", cfg.PolicyFile,
		"overrides", len(policy.Settings()),
		"signatures", len(policy.Signatures))

	live, err := buildSettings(cfg, policy)
	if err != nil {
		return nil, err
	}

	actuator, err := buildActuator(logger.WithComponent("actuator").Logger, cfg)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(logger.WithComponent("engine").Logger, live, actuator, engine.Config{
		InitialBudget: cfg.InitialBudget,
		EruptionBase:  policy.EruptionBase,
		Dispatch: dispatch.Config{
			ActionsPerSecond: cfg.ActionsPerSec,
			Burst:            cfg.ActionBurst,
		},
		Shadow: shadow.Config{
			Timeout:       cfg.ShadowTimeout,
			RiskThreshold: cfg.ShadowRiskThreshold,
			HistorySize:   cfg.ShadowHistory,
		},
		Rollback: rollback.Config{
			HostID:    cfg.HostID,
			MaxPoints: cfg.RollbackMaxPoints,
			PruneTo:   cfg.RollbackPruneTo,
		},
	}, policy.ClassifierOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	validator, err := collector.NewValidator()
	if err != nil {
		eng.Close()
		return nil, err
	}

	a := &Agent{
		logger:   logger,
		config:   cfg,
		conn:     conn,
		engine:   eng,
		metrics:  metrics.NewMetrics(registry),
		registry: registry,
		journal:  store.NewJournal(cfg.JournalSize, cfg.JournalDedupe),
		sender:   telemetry.NewSender(logger.WithComponent("telemetry").Logger, conn, cfg.EventSubject, cfg.HostID),
		notifier: systemd.NewNotifier(),
		audit:    sink,
		actuator: actuator,
		stopChan: make(chan struct{}),
	}

	a.sender.SetHeartbeat(telemetry.DefaultHeartbeatInterval, eng.Status)
	a.sender.OnError(func(error) { a.metrics.IncrementPublishErrors() })

	eng.AddObserver(a.handleResult)
	eng.Dispatcher().AddCallback(a.handleAction)
	eng.Rollbacks().AddCallback(a.handleRollback)
	eng.Rollbacks().SetPublisher(conn)
	eng.Shadows().AddCallback(a.handleShadow)

	a.collectors = a.buildCollectors(validator, policy.C2Addresses)

	a.httpServer = http.NewServer(logger.WithComponent("http").Logger, cfg.HostID, Version,
		fmt.Sprintf("%s:%d", cfg.HTTPAddress, cfg.HTTPPort),
		http.Deps{
			Engine:   eng,
			Journal:  a.journal,
			Decoder:  validator,
			Gatherer: registry,
		})

	return a, nil
}

// buildSettings seeds the live settings with the policy overrides and the
// struggle factor from the environment, in that order
func buildSettings(cfg *config.Config, policy *config.Policy) (*settings.Store, error) {
	live := settings.NewStore()
	if err := live.Restore(policy.Settings()); err != nil {
		return nil, fmt.Errorf("failed to apply policy: %w", err)
	}
	if cfg.StruggleFactor >= 0 {
		if err := live.Set(settings.KeyStruggleFactor, settings.FormatFloat(cfg.StruggleFactor)); err != nil {
			return nil, fmt.Errorf("invalid struggle factor: %w", err)
		}
	}
	return live, nil
}

func buildActuator(logger *slog.Logger, cfg *config.Config) (dispatch.Actuator, error) {
	if cfg.DryRun {
		logger.Warn("Dry run enabled, no OS actions will be taken")
		return oshost.NewDryRun(logger), nil
	}

	var blocker oshost.Blocker = oshost.NewListBlocker()
	if cfg.BlockMapPin != "" {
		m, err := oshost.OpenMapBlocker(cfg.BlockMapPin)
		if err != nil {
			return nil, err
		}
		blocker = m
	} else {
		logger.Warn("No block map pinned, blocked addresses are only recorded")
	}

	signals := oshost.NewSignaller(oshost.NewGuard("/proc", oshost.DefaultCriticalProcesses))
	return oshost.NewActuator(logger, signals, blocker, oshost.NewJail(cfg.QuarantineDir)), nil
}

func (a *Agent) buildCollectors(validator *collector.Validator, c2 []string) *collector.Group {
	logger := a.logger.WithComponent("collector").Logger
	group := collector.NewGroup(logger)

	ingest := collector.NewNATSCollector(logger, a.conn, a.config.IngestSubject, validator)
	ingest.OnInvalid(func(error) { a.metrics.IncrementInvalid() })
	group.Add(ingest)

	if a.config.ScanInterval > 0 {
		group.Add(collector.NewPoller(logger, "processes", a.config.ScanInterval, collector.NewProcessScanner().Scan))
		group.Add(collector.NewPoller(logger, "connections", a.config.ScanInterval, collector.NewConnectionScanner(c2).Scan))
	}
	return group
}

// Run starts every loop and blocks until ctx is cancelled or Stop is called
func (a *Agent) Run(ctx context.Context) error {
	a.logger.LogSystemEvent("agent_started", "version", Version, "collectors", a.collectors.Len())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.sender.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event sender: %w", err)
	}
	defer a.sender.Stop()

	if err := a.engine.Rollbacks().Start(ctx, a.conn); err != nil {
		return fmt.Errorf("failed to start rollback manager: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.engine.RunDrain(ctx, a.config.DrainInterval)
	}()
	go func() {
		defer wg.Done()
		if err := a.collectors.Run(ctx, a.ingest(ctx)); err != nil {
			a.logger.Error("Collectors stopped with errors", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		a.logger.LogSystemEvent("http_server_started", "port", a.config.HTTPPort)
		if err := a.httpServer.Start(ctx); err != nil {
			a.logger.Error("HTTP server error", "error", err)
		}
		a.logger.LogSystemEvent("http_server_stopped")
	}()

	if err := a.notifier.NotifyReady(); err != nil {
		a.logger.Warn("Failed to notify systemd ready", "error", err)
	}
	go a.notifier.RunWatchdog(ctx, systemd.WatchdogInterval(), a.logger.Logger)

	statusTicker := time.NewTicker(a.config.DrainInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Agent context cancelled, shutting down")
			cancel()
			wg.Wait()
			return a.shutdown()

		case <-a.stopChan:
			a.logger.Info("Agent stop signal received, shutting down")
			cancel()
			wg.Wait()
			return a.shutdown()

		case <-statusTicker.C:
			status := a.engine.Status()
			a.metrics.ObserveStatus(status)
			if err := a.notifier.NotifyStatus(fmt.Sprintf("budget=%.3f captured=%d events=%d",
				status.Budget, status.CapturedCount, status.EventsProcessed)); err != nil {
				a.logger.Debug("Failed to update systemd status", "error", err)
			}
		}
	}
}

// Stop stops the agent
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stopChan) })
}

// Engine returns the mitigation engine
func (a *Agent) Engine() *engine.Engine {
	return a.engine
}

func (a *Agent) ingest(ctx context.Context) collector.Sink {
	return func(obs types.Observation) {
		a.engine.ProcessEvent(ctx, obs)
	}
}

func (a *Agent) shutdown() error {
	if err := a.notifier.NotifyStopping(); err != nil {
		a.logger.Warn("Failed to notify systemd stopping", "error", err)
	}

	if err := a.conn.Drain(); err != nil {
		a.logger.Warn("Failed to drain NATS connection", "error", err)
	}
	if err := a.audit.Close(); err != nil {
		a.logger.Warn("Failed to close audit sink", "error", err)
	}
	if c, ok := a.actuator.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("Failed to close actuator", "error", err)
		}
	}
	a.engine.Close()
	a.notifier.Close()

	a.logger.LogSystemEvent("agent_stopped")
	return nil
}

func (a *Agent) handleResult(result types.Result) {
	a.journal.Add(result)
	a.metrics.ObserveResult(result)
	a.logger.LogThreatEvent(result)

	if result.Classification == types.ClassTrusted || result.Classification == types.ClassNeutral {
		return
	}
	if err := a.sender.SendResult(result); err != nil {
		a.logger.Warn("Failed to queue threat event", "error", err)
	}
}

func (a *Agent) handleAction(record types.ActionRecord) {
	a.metrics.ObserveAction(record)
	a.logger.LogActionEvent(record)

	if record.Action == types.ActionNone {
		return
	}
	if err := a.sender.SendAction(record); err != nil {
		a.logger.Warn("Failed to queue action", "record_id", record.ID, "error", err)
	}
	if err := a.audit.Record(context.Background(), record); err != nil {
		a.logger.Error("Failed to audit action", "record_id", record.ID, "error", err)
	}
}

func (a *Agent) handleRollback(event rollback.Event) {
	a.metrics.ObserveRollback(event.Status)
	a.logger.LogRollbackEvent(event.PointID, string(event.Reason), event.Status, "error", event.Error)

	if err := a.sender.SendRollback(event); err != nil {
		a.logger.Warn("Failed to queue rollback event", "error", err)
	}
}

func (a *Agent) handleShadow(entry shadow.Entry) {
	a.metrics.ObserveShadow(entry.Result.SafeToApply)

	event := "shadow_simulated"
	if !entry.Result.SafeToApply {
		event = "shadow_rejected"
	}
	a.logger.LogShadowEvent(event, entry.State.ID,
		"description", entry.State.Description,
		"risk_score", entry.Result.RiskScore,
		"recommendation", entry.Result.Recommendation)

	if err := a.sender.SendShadow(&entry.State, entry.Result); err != nil {
		a.logger.Warn("Failed to queue shadow event", "error", err)
	}
}
