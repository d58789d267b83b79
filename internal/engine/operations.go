package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"aegisflux/agents/mitigation-agent/internal/rollback"
	"aegisflux/agents/mitigation-agent/internal/settings"
	"aegisflux/agents/mitigation-agent/internal/shadow"
	"aegisflux/agents/mitigation-agent/internal/types"
)

// PressureKey is the preview key a pipeline reset writes into its shadow
const PressureKey = "pipeline.pressure"

// ErrNoPendingChange is returned when a shadow has nothing left to apply
var ErrNoPendingChange = errors.New("no pending change")

// CreateShadow snapshots the live policy for a shadow run
func (e *Engine) CreateShadow(description string) *shadow.State {
	return e.shadows.CreateSnapshot(description)
}

// Simulate test-executes a plan against a shadow state
func (e *Engine) Simulate(ctx context.Context, state *shadow.State, plan shadow.Plan) shadow.Result {
	return e.shadows.Simulate(ctx, state, plan)
}

// ProposeSetting shadow-runs a single policy change. The change is only
// applied once ApplyShadow is called with the returned state's id.
func (e *Engine) ProposeSetting(ctx context.Context, key, value string) (*shadow.State, shadow.Result) {
	state := e.shadows.CreateSnapshot(fmt.Sprintf("Set %s = %s", key, value))

	plan := shadow.NewPlan("set "+key, fmt.Sprintf("Change %s to %s", key, value), shadow.Funcs{
		ValidateFunc: func(*shadow.State) error {
			return settings.ValidateValue(key, value)
		},
		ExecuteFunc: func(_ context.Context, s *shadow.State) error {
			s.Snapshot = s.Snapshot.Set(key, value)
			return settings.ValidateSnapshot(s.Snapshot)
		},
		RollbackFunc: func(s *shadow.State) error {
			return nil
		},
	})
	plan.AffectedComponents = []string{componentOf(key)}

	result := e.shadows.Simulate(ctx, state, plan)
	if result.SafeToApply {
		e.addPending(state.ID, func() error {
			return e.settings.Set(key, value)
		})
	}
	return state, result
}

// ProposeSettings shadow-runs several policy changes as one sequence
func (e *Engine) ProposeSettings(ctx context.Context, changes types.Snapshot) (*shadow.State, shadow.Result) {
	plans := make([]shadow.Plan, 0, len(changes))
	for _, kv := range changes {
		key, value := kv.Key, kv.Value
		plan := shadow.NewPlan("set "+key, fmt.Sprintf("Change %s to %s", key, value), shadow.Funcs{
			ValidateFunc: func(*shadow.State) error {
				return settings.ValidateValue(key, value)
			},
			ExecuteFunc: func(_ context.Context, s *shadow.State) error {
				s.Snapshot = s.Snapshot.Set(key, value)
				return settings.ValidateSnapshot(s.Snapshot)
			},
			RollbackFunc: func(*shadow.State) error { return nil },
		})
		plan.AffectedComponents = []string{componentOf(key)}
		plans = append(plans, plan)
	}

	var names []string
	for _, kv := range changes {
		names = append(names, kv.Key)
	}
	state, result := e.shadows.SimulateSequence(ctx, "Set "+strings.Join(names, ", "), plans)
	if result.SafeToApply {
		proposed := changes.Clone()
		e.addPending(state.ID, func() error {
			return e.settings.Apply(proposed)
		})
	}
	return state, result
}

// ResetPipeline shadow-runs a pipeline reset and applies it if the run is
// safe. It fails validation when there is no pressure to clear.
func (e *Engine) ResetPipeline(ctx context.Context) (shadow.Result, uint64, error) {
	pressure := e.network.Pressure()
	state := e.shadows.CreateSnapshot("Reset absorption network")

	plan := shadow.NewPlan("pipeline_reset", "Clear layer pressure", shadow.Funcs{
		ValidateFunc: func(*shadow.State) error {
			if pressure <= 0 {
				return fmt.Errorf("pipeline pressure is already zero")
			}
			return nil
		},
		ExecuteFunc: func(_ context.Context, s *shadow.State) error {
			s.Snapshot = s.Snapshot.Set(PressureKey, "0")
			return nil
		},
	})
	plan.AffectedComponents = []string{"pipeline"}

	result := e.shadows.Simulate(ctx, state, plan)
	if !result.SafeToApply {
		return result, 0, fmt.Errorf("pipeline reset rejected: %s", result.Recommendation)
	}

	e.addPending(state.ID, func() error {
		e.network.Reset()
		return nil
	})
	pointID, err := e.ApplyShadow(state.ID)
	return result, pointID, err
}

// ApplyShadow checkpoints the live policy and then commits the change that
// shadow id proved safe. Each shadow can be applied once.
func (e *Engine) ApplyShadow(id uint64) (uint64, error) {
	e.pendingMutex.Lock()
	apply, ok := e.pending[id]
	delete(e.pending, id)
	e.pendingMutex.Unlock()
	if !ok {
		return 0, fmt.Errorf("shadow #%d: %w", id, ErrNoPendingChange)
	}

	pointID, err := e.shadows.ApplyShadow(id)
	if err != nil {
		e.pendingMutex.Lock()
		e.pending[id] = apply
		e.pendingMutex.Unlock()
		return 0, err
	}

	if err := apply(); err != nil {
		e.logger.Error("Failed to apply shadow, restoring checkpoint",
			"shadow_id", id,
			"point_id", pointID,
			"error", err)
		if rbErr := e.rollbacks.RollbackTo(pointID); rbErr != nil {
			return pointID, fmt.Errorf("failed to apply shadow #%d: %w (restore failed: %v)", id, err, rbErr)
		}
		return pointID, fmt.Errorf("failed to apply shadow #%d: %w", id, err)
	}

	e.logger.Info("Shadow applied", "shadow_id", id, "point_id", pointID)
	return pointID, nil
}

func (e *Engine) addPending(id uint64, apply func() error) {
	e.pendingMutex.Lock()
	defer e.pendingMutex.Unlock()

	e.pending[id] = apply
	if len(e.pending) <= e.pendingLimit {
		return
	}

	ids := make([]uint64, 0, len(e.pending))
	for k := range e.pending {
		ids = append(ids, k)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, k := range ids[:len(ids)-e.pendingLimit] {
		delete(e.pending, k)
	}
}

// ShadowHistory returns up to n shadow runs, newest first
func (e *Engine) ShadowHistory(n int) []shadow.Entry {
	return e.shadows.History(n)
}

// ActionHistory returns up to n dispatched actions, newest first
func (e *Engine) ActionHistory(n int) []types.ActionRecord {
	return e.dispatcher.History(n)
}

// Checkpoint creates a rollback point of the live policy
func (e *Engine) Checkpoint(description string) (uint64, error) {
	return e.rollbacks.Checkpoint(description)
}

// RollbackLast restores the second most recent rollback point
func (e *Engine) RollbackLast() error {
	return e.rollbacks.RollbackLast()
}

// RollbackTo restores a rollback point and discards newer ones
func (e *Engine) RollbackTo(id uint64) error {
	return e.rollbacks.RollbackTo(id)
}

// ListRollbackPoints returns up to n points, newest first
func (e *Engine) ListRollbackPoints(n int) []rollback.Point {
	return e.rollbacks.ListPoints(n)
}

func componentOf(key string) string {
	if i := strings.Index(key, "."); i > 0 {
		return key[:i]
	}
	return key
}
