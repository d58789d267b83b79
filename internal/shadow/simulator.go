package shadow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"aegisflux/agents/mitigation-agent/internal/types"
)

const (
	// DefaultTimeout bounds one Execute call before it is flagged
	DefaultTimeout = 5 * time.Second
	// DefaultRiskThreshold is the risk above which a run is unsafe
	DefaultRiskThreshold = 0.7
	// DefaultHistorySize bounds the shadow history
	DefaultHistorySize = 1000
	// SequenceAbortRisk stops a sequence once any step exceeds it
	SequenceAbortRisk = 0.9
	// MaxWarnings is the most warnings a run may carry and still be safe
	MaxWarnings = 2

	noChanges = "(no state changes)"
)

// State is one shadow run over an isolated copy of caller state
type State struct {
	ID             uint64         `json:"id"`
	Description    string         `json:"description"`
	CreatedAt      time.Time      `json:"created_at"`
	Snapshot       types.Snapshot `json:"snapshot"`
	Executed       bool           `json:"executed"`
	Success        bool           `json:"success"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Confidence     float64        `json:"confidence"`
	OperationCount int            `json:"operation_count"`
	WarningCount   int            `json:"warning_count"`
	ErrorCount     int            `json:"error_count"`
}

func (s *State) clone() State {
	c := *s
	c.Snapshot = s.Snapshot.Clone()
	return c
}

// Result is the verdict of one simulation
type Result struct {
	SafeToApply      bool     `json:"safe_to_apply"`
	RiskScore        float64  `json:"risk_score"`
	Recommendation   string   `json:"recommendation"`
	Warnings         []string `json:"warnings"`
	ChangesPreview   []string `json:"changes_preview"`
	RollbackCommand  string   `json:"rollback_command,omitempty"`
	RollbackPossible bool     `json:"rollback_possible"`
}

// Entry is a finished run as kept in history
type Entry struct {
	State  State  `json:"state"`
	Result Result `json:"result"`
}

// Checkpointer creates a rollback point before a shadow is applied
type Checkpointer interface {
	Checkpoint(description string) (uint64, error)
}

// Callback is invoked with every recorded run
type Callback func(entry Entry)

// Config holds simulator tunables
type Config struct {
	Timeout       time.Duration
	RiskThreshold float64
	HistorySize   int
}

// Simulator test-executes plans against snapshots of caller state
type Simulator struct {
	logger      *slog.Logger
	provider    func() types.Snapshot
	checkpoints Checkpointer

	timeout       time.Duration
	riskThreshold float64
	historySize   int

	mu      sync.RWMutex
	nextID  uint64
	history []Entry

	callbacks     []Callback
	callbackMutex sync.RWMutex
}

// New creates a simulator
func New(logger *slog.Logger, provider func() types.Snapshot, checkpoints Checkpointer, cfg Config) *Simulator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RiskThreshold <= 0 || cfg.RiskThreshold > 1 {
		cfg.RiskThreshold = DefaultRiskThreshold
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	return &Simulator{
		logger:        logger,
		provider:      provider,
		checkpoints:   checkpoints,
		timeout:       cfg.Timeout,
		riskThreshold: cfg.RiskThreshold,
		historySize:   cfg.HistorySize,
	}
}

// CreateSnapshot captures a point-in-time copy of caller state
func (s *Simulator) CreateSnapshot(description string) *State {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	var snap types.Snapshot
	if s.provider != nil {
		snap = s.provider().Clone()
	}
	return &State{
		ID:          id,
		Description: description,
		CreatedAt:   time.Now(),
		Snapshot:    snap,
		Confidence:  1.0,
	}
}

// Simulate validates and executes plan against state and records the run
func (s *Simulator) Simulate(ctx context.Context, state *State, plan Plan) Result {
	result := s.run(ctx, state, plan)
	s.append(state, result)

	s.logger.Info("Shadow simulation completed",
		"shadow_id", state.ID,
		"action", plan.Name,
		"risk_score", result.RiskScore,
		"safe_to_apply", result.SafeToApply)
	return result
}

// SimulateSequence runs plans in order over one snapshot. Risk is the max over
// steps; the run stops at the first failed step or once risk exceeds
// SequenceAbortRisk.
func (s *Simulator) SimulateSequence(ctx context.Context, description string, plans []Plan) (*State, Result) {
	state := s.CreateSnapshot(description)
	agg := Result{
		SafeToApply:      true,
		Warnings:         []string{},
		ChangesPreview:   []string{},
		RollbackPossible: true,
	}

	for _, plan := range plans {
		step := s.run(ctx, state, plan)

		if step.RiskScore > agg.RiskScore {
			agg.RiskScore = step.RiskScore
		}
		agg.SafeToApply = agg.SafeToApply && step.SafeToApply
		agg.RollbackPossible = agg.RollbackPossible && step.RollbackPossible
		for _, w := range step.Warnings {
			agg.Warnings = append(agg.Warnings, fmt.Sprintf("[%s] %s", plan.Name, w))
		}
		for _, line := range step.ChangesPreview {
			agg.ChangesPreview = append(agg.ChangesPreview, fmt.Sprintf("[%s] %s", plan.Name, line))
		}

		if !state.Success || step.RiskScore > SequenceAbortRisk {
			agg.SafeToApply = false
			agg.Warnings = append(agg.Warnings, fmt.Sprintf("Sequence aborted at %s", plan.Name))
			break
		}
	}

	if len(plans) == 0 {
		agg.SafeToApply = false
		agg.Warnings = append(agg.Warnings, "Empty sequence")
	}
	agg.Recommendation = s.recommend(agg.RiskScore, state.ErrorCount, state.WarningCount)
	agg.RollbackCommand = fmt.Sprintf("rollback sequence #%d", state.ID)

	s.append(state, agg)
	return state, agg
}

func (s *Simulator) run(ctx context.Context, state *State, plan Plan) Result {
	state.OperationCount++

	result := Result{
		Warnings:         []string{},
		ChangesPreview:   []string{},
		RollbackCommand:  fmt.Sprintf("rollback %s", plan.Name),
		RollbackPossible: plan.rollbackPossible(),
	}

	if plan.Action == nil {
		return s.rejectInvalid(state, result, fmt.Errorf("plan %q has no action", plan.Name))
	}
	if err := safeValidate(plan.Action, state); err != nil {
		return s.rejectInvalid(state, result, err)
	}

	if plan.RequiresConfirmation {
		result.Warnings = append(result.Warnings, "Action requires operator confirmation")
		state.WarningCount++
	}

	before := state.Snapshot.Clone()

	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	start := time.Now()
	err := safeExecute(execCtx, plan.Action, state)
	elapsed := time.Since(start)
	cancel()

	state.Executed = true
	if err != nil {
		state.Success = false
		state.ErrorMessage = err.Error()
		state.ErrorCount++
		state.Confidence *= 0.5
		result.Warnings = append(result.Warnings, fmt.Sprintf("Execution failed: %v", err))
	} else {
		state.Success = true
	}

	if elapsed > s.timeout {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Execution exceeded timeout (%dms > %dms)", elapsed.Milliseconds(), s.timeout.Milliseconds()))
		state.WarningCount++
	}

	result.ChangesPreview = diff(before, state.Snapshot)
	result.RiskScore = RiskScore(plan, state)
	result.Recommendation = s.recommend(result.RiskScore, state.ErrorCount, state.WarningCount)
	result.SafeToApply = state.Success &&
		result.RiskScore <= s.riskThreshold &&
		state.ErrorCount == 0 &&
		state.WarningCount <= MaxWarnings
	return result
}

func (s *Simulator) rejectInvalid(state *State, result Result, err error) Result {
	state.ErrorCount++
	state.Success = false
	state.ErrorMessage = err.Error()

	result.SafeToApply = false
	result.RiskScore = 1.0
	result.Warnings = append(result.Warnings, fmt.Sprintf("Validation failed: %v", err))
	result.Recommendation = "REJECTED - validation failed, action was not executed"
	return result
}

func (s *Simulator) recommend(risk float64, errors, warnings int) string {
	switch {
	case risk > s.riskThreshold:
		return "HIGH RISK - manual review required before applying"
	case errors > 0:
		return "NOT SAFE - execution errors occurred"
	case warnings > MaxWarnings:
		return "CAUTION - multiple warnings, review before applying"
	default:
		return "OK - safe to apply"
	}
}

// RiskScore combines declared risk with what the run observed, clamped to [0,1]
func RiskScore(plan Plan, state *State) float64 {
	risk := plan.EstimatedRisk
	risk += 0.2 * float64(state.ErrorCount)
	risk += 0.05 * float64(state.WarningCount)
	risk -= 0.1 * state.Confidence
	risk += 0.05 * float64(len(plan.AffectedComponents))

	if risk < 0 {
		return 0
	}
	if risk > 1 {
		return 1
	}
	return risk
}

func safeValidate(a Action, state *State) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validate panic: %v", r)
		}
	}()
	return a.Validate(state)
}

func safeExecute(ctx context.Context, a Action, state *State) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execute panic: %v", r)
		}
	}()
	return a.Execute(ctx, state)
}

func diff(before, after types.Snapshot) []string {
	old := before.Map()
	cur := after.Map()

	var lines []string
	for _, kv := range after {
		if prev, ok := old[kv.Key]; !ok || prev != kv.Value {
			lines = append(lines, fmt.Sprintf("%s = %s", kv.Key, kv.Value))
		}
	}
	for _, kv := range before {
		if _, ok := cur[kv.Key]; !ok {
			lines = append(lines, fmt.Sprintf("%s = (removed)", kv.Key))
		}
	}
	if len(lines) == 0 {
		return []string{noChanges}
	}
	sort.Strings(lines)
	return lines
}

func (s *Simulator) append(state *State, result Result) {
	entry := Entry{State: state.clone(), Result: result}

	s.mu.Lock()
	if len(s.history) >= s.historySize {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, entry)
	s.mu.Unlock()

	s.callbackMutex.RLock()
	defer s.callbackMutex.RUnlock()
	for _, callback := range s.callbacks {
		go callback(copyEntry(entry))
	}
}

// AddCallback registers a callback for finished runs
func (s *Simulator) AddCallback(callback Callback) {
	s.callbackMutex.Lock()
	defer s.callbackMutex.Unlock()
	s.callbacks = append(s.callbacks, callback)
}

// Get returns the recorded run for a shadow id
func (s *Simulator) Get(id uint64) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].State.ID == id {
			return copyEntry(s.history[i]), true
		}
	}
	return Entry{}, false
}

// History returns up to n most recent runs, newest first. n <= 0 returns all.
func (s *Simulator) History(n int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	out := make([]Entry, 0, n)
	for i := len(s.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, copyEntry(s.history[i]))
	}
	return out
}

func copyEntry(e Entry) Entry {
	e.State.Snapshot = e.State.Snapshot.Clone()
	e.Result.Warnings = append([]string(nil), e.Result.Warnings...)
	e.Result.ChangesPreview = append([]string(nil), e.Result.ChangesPreview...)
	return e
}

// ApplyShadow checks that a shadow ran cleanly and creates the rollback point
// that precedes applying it for real.
func (s *Simulator) ApplyShadow(id uint64) (uint64, error) {
	entry, ok := s.Get(id)
	if !ok {
		return 0, fmt.Errorf("shadow not found: %d", id)
	}
	if !entry.State.Executed || !entry.State.Success {
		return 0, fmt.Errorf("shadow #%d did not execute successfully", id)
	}
	if !entry.Result.SafeToApply {
		return 0, fmt.Errorf("shadow #%d is not safe to apply: %s", id, entry.Result.Recommendation)
	}
	if s.checkpoints == nil {
		return 0, fmt.Errorf("no rollback manager configured")
	}

	pointID, err := s.checkpoints.Checkpoint(fmt.Sprintf("Before applying shadow #%d", id))
	if err != nil {
		return 0, fmt.Errorf("failed to create rollback point: %w", err)
	}

	s.logger.Info("Shadow approved for application",
		"shadow_id", id,
		"rollback_point", pointID)
	return pointID, nil
}
