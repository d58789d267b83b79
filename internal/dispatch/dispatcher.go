package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"aegisflux/agents/mitigation-agent/internal/settings"
	"aegisflux/agents/mitigation-agent/internal/types"
)

// DefaultHistorySize bounds the in-memory action history
const DefaultHistorySize = 1000

// Actuator performs OS-facing side effects. Implementations must be safe to
// call repeatedly for the same source.
type Actuator interface {
	Terminate(ctx context.Context, source string) error
	Block(ctx context.Context, source string) error
	Quarantine(ctx context.Context, source string) error
}

// Budget is the debit side of the defense budget
type Budget interface {
	Debit(amount float64) bool
}

// Policy supplies costs and switches at dispatch time
type Policy interface {
	Float(key string) float64
	Bool(key string) bool
}

// RecordCallback is invoked after every dispatch
type RecordCallback func(record types.ActionRecord)

// Config holds dispatcher limits
type Config struct {
	ActionsPerSecond float64
	Burst            int
	HistorySize      int
}

// Dispatcher maps classified events to mitigation actions gated on budget
type Dispatcher struct {
	logger   *slog.Logger
	budget   Budget
	actuator Actuator
	policy   Policy
	limiter  *rate.Limiter

	mu          sync.RWMutex
	history     []types.ActionRecord
	historySize int
	outcomes    map[types.Outcome]uint64

	callbackMutex sync.RWMutex
	callbacks     []RecordCallback
}

// New creates a dispatcher
func New(logger *slog.Logger, b Budget, actuator Actuator, policy Policy, cfg Config) *Dispatcher {
	limit := rate.Inf
	if cfg.ActionsPerSecond > 0 {
		limit = rate.Limit(cfg.ActionsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
		if cfg.ActionsPerSecond > 1 {
			burst = int(cfg.ActionsPerSecond)
		}
	}
	size := cfg.HistorySize
	if size <= 0 {
		size = DefaultHistorySize
	}

	return &Dispatcher{
		logger:      logger,
		budget:      b,
		actuator:    actuator,
		policy:      policy,
		limiter:     rate.NewLimiter(limit, burst),
		history:     make([]types.ActionRecord, 0, size),
		historySize: size,
		outcomes:    make(map[types.Outcome]uint64),
	}
}

// Decide picks the action for an event without side effects
func (d *Dispatcher) Decide(event types.ThreatEvent) types.Action {
	var action types.Action

	switch event.Classification {
	case types.ClassTrusted, types.ClassNeutral:
		action = types.ActionNone
	case types.ClassCaptured:
		action = types.ActionHarvest
	case types.ClassSuspicious:
		action = types.ActionMonitor
		if event.AttackEnergy >= d.policy.Float(settings.KeySuspendThreshold) {
			action = types.ActionSuspend
		}
	case types.ClassMalicious:
		action = Containment(event.Kind)
	default:
		action = types.ActionNone
	}

	if action.External() && !d.policy.Bool(settings.KeyAutoResponse) {
		return types.ActionMonitor
	}
	return action
}

// Containment returns the action that contains a malicious event of the given kind
func Containment(kind types.ThreatKind) types.Action {
	switch kind.Domain() {
	case types.DomainProcess, types.DomainMemory, types.DomainPrivilege:
		return types.ActionTerminate
	case types.DomainNetwork:
		return types.ActionBlock
	case types.DomainFile:
		return types.ActionQuarantine
	default:
		return types.ActionMonitor
	}
}

// Cost returns the budget charge of an action
func (d *Dispatcher) Cost(action types.Action) float64 {
	switch action {
	case types.ActionTerminate:
		return d.policy.Float(settings.KeyCostTerminate)
	case types.ActionBlock, types.ActionSuspend:
		return d.policy.Float(settings.KeyCostBlock)
	case types.ActionQuarantine:
		return d.policy.Float(settings.KeyCostQuarantine)
	default:
		return 0
	}
}

// Dispatch decides, gates on budget, invokes the actuator and records the
// outcome. A failed action keeps its budget charge.
func (d *Dispatcher) Dispatch(ctx context.Context, event types.ThreatEvent) types.ActionRecord {
	action := d.Decide(event)
	record := types.ActionRecord{
		ID:             uuid.NewString(),
		EventID:        event.ID,
		Kind:           event.Kind,
		Source:         event.Source,
		Classification: event.Classification,
		Action:         action,
		Outcome:        types.OutcomeNoop,
		Timestamp:      time.Now(),
	}

	if !action.External() {
		d.record(record)
		return record
	}

	if !d.limiter.Allow() {
		record.Outcome = types.OutcomeRateLimited
		d.logger.Warn("Action rate limited, skipping",
			"action", action,
			"source", event.Source,
			"event_id", event.ID)
		d.record(record)
		return record
	}

	cost := d.Cost(action)
	if !d.budget.Debit(cost) {
		record.Outcome = types.OutcomeInsufficientBudget
		d.logger.Warn("Insufficient budget, skipping action",
			"action", action,
			"cost", cost,
			"source", event.Source,
			"event_id", event.ID)
		d.record(record)
		return record
	}
	record.Cost = cost

	if err := d.execute(ctx, action, event.Source); err != nil {
		record.Outcome = types.OutcomeFailed
		record.Error = err.Error()
		d.logger.Error("Action failed",
			"action", action,
			"source", event.Source,
			"event_id", event.ID,
			"error", err)
	} else {
		record.Outcome = types.OutcomeSucceeded
		d.logger.Info("Action executed",
			"action", action,
			"source", event.Source,
			"cost", cost,
			"event_id", event.ID)
	}

	d.record(record)
	return record
}

func (d *Dispatcher) execute(ctx context.Context, action types.Action, source string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actuator panic: %v", r)
		}
	}()

	switch action {
	case types.ActionTerminate:
		return d.actuator.Terminate(ctx, source)
	case types.ActionBlock, types.ActionSuspend:
		return d.actuator.Block(ctx, source)
	case types.ActionQuarantine:
		return d.actuator.Quarantine(ctx, source)
	default:
		return fmt.Errorf("action %s has no actuator", action)
	}
}

func (d *Dispatcher) record(record types.ActionRecord) {
	d.mu.Lock()
	if len(d.history) >= d.historySize {
		copy(d.history, d.history[1:])
		d.history = d.history[:len(d.history)-1]
	}
	d.history = append(d.history, record)
	d.outcomes[record.Outcome]++
	d.mu.Unlock()

	d.notifyCallbacks(record)
}

// AddCallback registers a record callback
func (d *Dispatcher) AddCallback(callback RecordCallback) {
	d.callbackMutex.Lock()
	defer d.callbackMutex.Unlock()
	d.callbacks = append(d.callbacks, callback)
}

func (d *Dispatcher) notifyCallbacks(record types.ActionRecord) {
	d.callbackMutex.RLock()
	defer d.callbackMutex.RUnlock()

	for _, callback := range d.callbacks {
		callback(record)
	}
}

// History returns up to n most recent records, newest first. n <= 0 returns all.
func (d *Dispatcher) History(n int) []types.ActionRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if n <= 0 || n > len(d.history) {
		n = len(d.history)
	}
	out := make([]types.ActionRecord, 0, n)
	for i := len(d.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, d.history[i])
	}
	return out
}

// Outcomes returns dispatch counts per outcome
func (d *Dispatcher) Outcomes() map[types.Outcome]uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[types.Outcome]uint64, len(d.outcomes))
	for k, v := range d.outcomes {
		out[k] = v
	}
	return out
}

// ActionsTaken counts actions that reached the actuator
func (d *Dispatcher) ActionsTaken() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.outcomes[types.OutcomeSucceeded] + d.outcomes[types.OutcomeFailed]
}
