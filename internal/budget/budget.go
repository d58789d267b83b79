package budget

import (
	"log/slog"
	"math"
	"sync"
)

// BudgetError represents a budget-related error
type BudgetError struct {
	Message string
	Type    string
}

func (e BudgetError) Error() string {
	return e.Message
}

// ErrInsufficientBudget is returned when a debit would drive the balance negative
var ErrInsufficientBudget = BudgetError{
	Message: "insufficient defense budget",
	Type:    "insufficient_budget",
}

// ErrInvalidAmount is returned for negative, NaN or infinite amounts
var ErrInvalidAmount = BudgetError{
	Message: "invalid budget amount",
	Type:    "invalid_amount",
}

// Manager holds the shared defense budget. Every stage credits it and the
// dispatcher debits it; the balance never goes negative.
type Manager struct {
	mu       sync.Mutex
	balance  float64
	credited float64
	debited  float64
	credits  uint64
	debits   uint64
	rejected uint64
	logger   *slog.Logger
}

// NewManager creates a budget manager with an initial balance
func NewManager(logger *slog.Logger, initial float64) *Manager {
	if !validAmount(initial) {
		initial = 0
	}
	return &Manager{
		balance: initial,
		logger:  logger,
	}
}

func validAmount(amount float64) bool {
	return amount >= 0 && !math.IsNaN(amount) && !math.IsInf(amount, 0)
}

// Credit adds amount to the balance
func (m *Manager) Credit(amount float64) error {
	if !validAmount(amount) {
		m.logger.Warn("Rejected budget credit", "amount", amount)
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}

	m.mu.Lock()
	m.balance += amount
	m.credited += amount
	m.credits++
	m.mu.Unlock()
	return nil
}

// Debit subtracts amount iff the balance covers it. A failed debit leaves the
// balance untouched.
func (m *Manager) Debit(amount float64) bool {
	if !validAmount(amount) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balance < amount {
		m.rejected++
		return false
	}
	m.balance -= amount
	m.debited += amount
	m.debits++
	return true
}

// Spend is Debit with an error result for callers that propagate failures
func (m *Manager) Spend(amount float64) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	if !m.Debit(amount) {
		return ErrInsufficientBudget
	}
	return nil
}

// Balance returns the current balance
func (m *Manager) Balance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance
}

// GetStats returns budget statistics
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	return map[string]interface{}{
		"balance":        m.balance,
		"total_credited": m.credited,
		"total_debited":  m.debited,
		"credits":        m.credits,
		"debits":         m.debits,
		"rejected":       m.rejected,
	}
}
