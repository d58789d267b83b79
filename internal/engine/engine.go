package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"aegisflux/agents/mitigation-agent/internal/budget"
	"aegisflux/agents/mitigation-agent/internal/capture"
	"aegisflux/agents/mitigation-agent/internal/classifier"
	"aegisflux/agents/mitigation-agent/internal/dispatch"
	"aegisflux/agents/mitigation-agent/internal/neutralize"
	"aegisflux/agents/mitigation-agent/internal/pipeline"
	"aegisflux/agents/mitigation-agent/internal/rollback"
	"aegisflux/agents/mitigation-agent/internal/settings"
	"aegisflux/agents/mitigation-agent/internal/shadow"
	"aegisflux/agents/mitigation-agent/internal/types"
)

// Config holds engine construction parameters
type Config struct {
	InitialBudget float64
	Layers        int
	EruptionBase  float64
	Dispatch      dispatch.Config
	Shadow        shadow.Config
	Rollback      rollback.Config
}

// Observer receives every processed event
type Observer func(result types.Result)

// Engine owns every mitigation stage and the shadow/rollback layer. It is
// built once per process and passed to whatever drives it.
type Engine struct {
	logger *slog.Logger

	settings    *settings.Store
	classifier  *classifier.Classifier
	network     *pipeline.AbsorptionNetwork
	amplifier   pipeline.Amplifier
	registry    *capture.Registry
	transformer *neutralize.Transformer
	budget      *budget.Manager
	dispatcher  *dispatch.Dispatcher
	shadows     *shadow.Simulator
	rollbacks   *rollback.Manager

	started         time.Time
	eventsProcessed atomic.Uint64
	supersonic      atomic.Bool

	observers     []Observer
	observerMutex sync.RWMutex

	pendingMutex sync.Mutex
	pending      map[uint64]func() error
	pendingLimit int
}

// New wires the stages together around a settings store
func New(logger *slog.Logger, store *settings.Store, actuator dispatch.Actuator, cfg Config, opts ...classifier.Option) (*Engine, error) {
	if store == nil {
		store = settings.NewStore()
	}

	b := budget.NewManager(logger.With("component", "budget"), cfg.InitialBudget)

	rollbacks, err := rollback.NewManager(logger.With("component", "rollback"), store.Provider(), store.Restorer(), cfg.Rollback)
	if err != nil {
		return nil, fmt.Errorf("failed to create rollback manager: %w", err)
	}

	pendingLimit := cfg.Shadow.HistorySize
	if pendingLimit <= 0 {
		pendingLimit = shadow.DefaultHistorySize
	}

	e := &Engine{
		logger:       logger,
		settings:     store,
		classifier:   classifier.New(store, opts...),
		network:      pipeline.NewAbsorptionNetwork(cfg.Layers),
		amplifier:    pipeline.NewAmplifier(),
		registry:     capture.NewRegistry(types.CriticalThreshold),
		transformer:  neutralize.NewTransformer(types.CriticalThreshold, cfg.EruptionBase),
		budget:       b,
		dispatcher:   dispatch.New(logger.With("component", "dispatcher"), b, actuator, store, cfg.Dispatch),
		rollbacks:    rollbacks,
		started:      time.Now(),
		pending:      make(map[uint64]func() error),
		pendingLimit: pendingLimit,
	}
	e.shadows = shadow.New(logger.With("component", "shadow"), store.Provider(), rollbacks, cfg.Shadow)
	return e, nil
}

// Close releases resources held by the engine
func (e *Engine) Close() {
	e.rollbacks.Close()
}

// AddObserver registers a callback invoked after every processed event
func (e *Engine) AddObserver(o Observer) {
	e.observerMutex.Lock()
	defer e.observerMutex.Unlock()
	e.observers = append(e.observers, o)
}

// ProcessEvent runs one observation through classify, absorb, amplify,
// capture, neutralize, budget and dispatch, in that order. It never fails;
// an internal fault yields a Neutral result with no action.
func (e *Engine) ProcessEvent(ctx context.Context, obs types.Observation) types.Result {
	result := e.safeProcess(ctx, obs)

	e.eventsProcessed.Add(1)
	e.notifyObservers(result)
	return result
}

func (e *Engine) safeProcess(ctx context.Context, obs types.Observation) (result types.Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Event processing panicked",
				"source", obs.Source,
				"kind", obs.Kind,
				"panic", r)
			result = types.Result{
				Event:          types.ThreatEvent{Kind: obs.Kind, Source: obs.Source, Classification: types.ClassNeutral},
				Classification: types.ClassNeutral,
				Action:         types.ActionNone,
				Outcome:        types.OutcomeNoop,
			}
		}
	}()

	return e.process(ctx, e.classifier.Classify(obs))
}

func (e *Engine) process(ctx context.Context, event types.ThreatEvent) types.Result {
	if event.Classification == types.ClassTrusted {
		record := e.dispatcher.Dispatch(ctx, event)
		e.logger.Debug("Trusted event bypasses mitigation",
			"event_id", event.ID,
			"source", event.Source)
		return types.Result{
			Event:          event,
			Classification: event.Classification,
			Action:         record.Action,
			Outcome:        record.Outcome,
		}
	}

	pressure := e.network.Absorb(event.AttackEnergy)
	conv := e.amplifier.Convert(pressure)
	e.supersonic.Store(conv.Supersonic)
	event = event.Resolve(conv.Energy)

	result := types.Result{
		DefenseEnergy: conv.Energy,
		Supersonic:    conv.Supersonic,
	}

	// Capture and neutralization both see the classified energy.
	wasHeld := e.registry.IsCaptured(event.Source)
	result.Harvested = e.registry.Trap(event.Source, event.AttackEnergy)
	if wasHeld && (event.Classification == types.ClassNeutral || event.Classification == types.ClassSuspicious) {
		event.Classification = types.ClassCaptured
	}

	t := e.transformer.Transform(event.AttackEnergy, event.Credentialed)
	result.NeutralCredit = t.Credit
	result.EruptionCredit = t.EruptionTotal()
	for _, eruption := range t.Eruptions {
		e.logger.Info("Eruption fired", "output", eruption, "event_id", event.ID)
	}

	if err := e.budget.Credit(result.Credited()); err != nil {
		e.logger.Warn("Failed to credit defense energy",
			"event_id", event.ID,
			"amount", result.Credited(),
			"error", err)
	}

	record := e.dispatcher.Dispatch(ctx, event)

	result.Event = event
	result.Classification = event.Classification
	result.Action = record.Action
	result.Outcome = record.Outcome
	result.EnergySpent = record.Cost

	e.logger.Debug("Event processed",
		"event_id", event.ID,
		"kind", event.Kind,
		"source", event.Source,
		"attack_energy", event.AttackEnergy,
		"classification", event.Classification,
		"defense_energy", conv.Energy,
		"supersonic", conv.Supersonic,
		"action", record.Action,
		"outcome", record.Outcome)
	return result
}

func (e *Engine) notifyObservers(result types.Result) {
	e.observerMutex.RLock()
	defer e.observerMutex.RUnlock()

	for _, o := range e.observers {
		o(result)
	}
}

// Drain credits the budget with the continuous yield of held entities
func (e *Engine) Drain() float64 {
	energy := e.registry.Drain(e.settings.Float(settings.KeyStruggleFactor))
	if energy <= 0 {
		return 0
	}
	if err := e.budget.Credit(energy); err != nil {
		e.logger.Warn("Failed to credit drained energy", "amount", energy, "error", err)
		return 0
	}
	return energy
}

// RunDrain drains held entities every interval until ctx is cancelled
func (e *Engine) RunDrain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Drain loop stopped")
			return
		case <-ticker.C:
			if energy := e.Drain(); energy > 0 {
				e.logger.Debug("Drained held entities", "energy", energy)
			}
		}
	}
}

// Status returns a consistent-enough view of every accumulator. Each field is
// read under its own component lock.
func (e *Engine) Status() types.Status {
	ps := e.network.State()
	cs := e.registry.Stats()
	ns := e.transformer.Stats()

	return types.Status{
		Budget:          e.budget.Balance(),
		Pressure:        ps.TotalPressure,
		Layers:          ps.Layers,
		CapturedCount:   cs.Captured,
		CaptureMass:     cs.Mass,
		CaptureHorizon:  cs.Horizon,
		HarvestedEnergy: cs.HarvestedEnergy + cs.DrainedEnergy,
		NeutralEnergy:   ns.TotalLight,
		KoronaOutput:    ns.KoronaOutput,
		ActiveBeams:     ns.ActiveBeams,
		Eruptions:       ns.Eruptions,
		EruptionOutput:  ns.EruptionOutput,
		Supersonic:      e.supersonic.Load(),
		EventsProcessed: e.eventsProcessed.Load(),
		ActionsTaken:    e.dispatcher.ActionsTaken(),
		Outcomes:        e.dispatcher.Outcomes(),
		UptimeSeconds:   time.Since(e.started).Seconds(),
	}
}

// Settings returns the live policy snapshot
func (e *Engine) Settings() types.Snapshot {
	return e.settings.Snapshot()
}

// Budget returns the defense budget manager
func (e *Engine) Budget() *budget.Manager { return e.budget }

// Dispatcher returns the response dispatcher
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Rollbacks returns the rollback manager
func (e *Engine) Rollbacks() *rollback.Manager { return e.rollbacks }

// Shadows returns the shadow simulator
func (e *Engine) Shadows() *shadow.Simulator { return e.shadows }

// Captured lists the entities held by the capture registry
func (e *Engine) Captured() []capture.Entity { return e.registry.Entities() }
