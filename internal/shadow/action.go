package shadow

import (
	"context"
	"errors"
)

// DefaultEstimatedRisk is the base risk of a plan that does not declare one
const DefaultEstimatedRisk = 0.5

// ErrRollbackUnsupported is returned by actions that cannot be undone
var ErrRollbackUnsupported = errors.New("rollback not supported")

// Action is a proposed change. Execute runs against the isolated snapshot
// held in the state, never against live state.
type Action interface {
	Validate(state *State) error
	Execute(ctx context.Context, state *State) error
	Rollback(state *State) error
}

// Reversible is implemented by actions that can report whether Rollback works
type Reversible interface {
	CanRollback() bool
}

// Funcs adapts plain functions to Action. Nil functions succeed, except a nil
// RollbackFunc which reports ErrRollbackUnsupported.
type Funcs struct {
	ValidateFunc func(state *State) error
	ExecuteFunc  func(ctx context.Context, state *State) error
	RollbackFunc func(state *State) error
}

// Validate implements Action
func (f Funcs) Validate(state *State) error {
	if f.ValidateFunc == nil {
		return nil
	}
	return f.ValidateFunc(state)
}

// Execute implements Action
func (f Funcs) Execute(ctx context.Context, state *State) error {
	if f.ExecuteFunc == nil {
		return nil
	}
	return f.ExecuteFunc(ctx, state)
}

// Rollback implements Action
func (f Funcs) Rollback(state *State) error {
	if f.RollbackFunc == nil {
		return ErrRollbackUnsupported
	}
	return f.RollbackFunc(state)
}

// CanRollback implements Reversible
func (f Funcs) CanRollback() bool {
	return f.RollbackFunc != nil
}

// Plan describes an action together with its risk metadata
type Plan struct {
	Name                 string   `json:"name"`
	Description          string   `json:"description"`
	EstimatedRisk        float64  `json:"estimated_risk"`
	RequiresConfirmation bool     `json:"requires_confirmation"`
	AffectedComponents   []string `json:"affected_components,omitempty"`
	Action               Action   `json:"-"`
}

// NewPlan creates a plan with the default estimated risk
func NewPlan(name, description string, action Action) Plan {
	return Plan{
		Name:          name,
		Description:   description,
		EstimatedRisk: DefaultEstimatedRisk,
		Action:        action,
	}
}

func (p Plan) rollbackPossible() bool {
	if p.Action == nil {
		return false
	}
	if r, ok := p.Action.(Reversible); ok {
		return r.CanRollback()
	}
	return true
}
