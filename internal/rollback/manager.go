package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"aegisflux/agents/mitigation-agent/internal/types"
)

const (
	DefaultMaxPoints = 100
	DefaultPruneTo   = 50

	StatusSubject = "mitigation.rollback.status"
)

var (
	// ErrNotFound is returned for an unknown or discarded checkpoint id
	ErrNotFound = errors.New("not found")
	// ErrNoPreviousPoint is returned by RollbackLast with fewer than two points
	ErrNoPreviousPoint = errors.New("no previous point")
)

// Reason records who asked for a rollback
type Reason string

const (
	ReasonManual         Reason = "manual"
	ReasonOperatorSignal Reason = "operator_signal"
)

// Point is a named checkpoint of caller state
type Point struct {
	ID          uint64         `json:"id"`
	Description string         `json:"description"`
	CreatedAt   time.Time      `json:"created_at"`
	Snapshot    types.Snapshot `json:"snapshot,omitempty"`
	StoredBytes int            `json:"stored_bytes"`
}

type storedPoint struct {
	id          uint64
	description string
	createdAt   time.Time
	data        []byte
}

// Event reports the progress of a rollback
type Event struct {
	Type      string `json:"type"`
	HostID    string `json:"host_id"`
	PointID   uint64 `json:"point_id,omitempty"`
	Reason    Reason `json:"reason"`
	Status    string `json:"status"` // "completed", "failed"
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Callback is called after every rollback attempt
type Callback func(event Event)

// Publisher emits rollback status
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Subscriber delivers operator rollback signals
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Signal is the payload of an operator rollback request
type Signal struct {
	PointID uint64 `json:"point_id,omitempty"`
	Last    bool   `json:"last,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Config holds rollback manager settings
type Config struct {
	HostID    string
	MaxPoints int
	PruneTo   int
}

// Manager keeps an ordered, bounded list of checkpoints
type Manager struct {
	logger   *slog.Logger
	hostID   string
	provider func() types.Snapshot
	restorer func(types.Snapshot) error
	codec    *codec

	maxPoints int
	pruneTo   int

	// mu serializes checkpoint creation against rollbacks
	mu     sync.Mutex
	nextID uint64
	points []storedPoint

	publisher     Publisher
	callbacks     []Callback
	callbackMutex sync.RWMutex
}

// NewManager creates a rollback manager over a provider/restorer pair
func NewManager(logger *slog.Logger, provider func() types.Snapshot, restorer func(types.Snapshot) error, cfg Config) (*Manager, error) {
	if provider == nil || restorer == nil {
		return nil, fmt.Errorf("rollback manager needs a state provider and restorer")
	}
	if cfg.MaxPoints <= 0 {
		cfg.MaxPoints = DefaultMaxPoints
	}
	if cfg.PruneTo <= 0 || cfg.PruneTo > cfg.MaxPoints {
		cfg.PruneTo = cfg.MaxPoints / 2
		if cfg.PruneTo == 0 {
			cfg.PruneTo = 1
		}
	}

	c, err := newCodec()
	if err != nil {
		return nil, err
	}

	return &Manager{
		logger:    logger,
		hostID:    cfg.HostID,
		provider:  provider,
		restorer:  restorer,
		codec:     c,
		maxPoints: cfg.MaxPoints,
		pruneTo:   cfg.PruneTo,
	}, nil
}

// SetPublisher sets where rollback status events go
func (m *Manager) SetPublisher(p Publisher) {
	m.callbackMutex.Lock()
	defer m.callbackMutex.Unlock()
	m.publisher = p
}

// Start subscribes to operator rollback signals for this host
func (m *Manager) Start(ctx context.Context, sub Subscriber) error {
	subject := fmt.Sprintf("mitigation.rollback.%s", m.hostID)

	subscription, err := sub.Subscribe(subject, func(msg *nats.Msg) {
		m.handleSignal(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to rollback signals: %w", err)
	}

	m.logger.Info("Subscribed to operator rollback signals", "subject", subject)

	go func() {
		<-ctx.Done()
		_ = subscription.Unsubscribe()
	}()
	return nil
}

// Close releases the snapshot codec
func (m *Manager) Close() {
	m.codec.close()
}

// Checkpoint captures the current state and returns its id
func (m *Manager) Checkpoint(description string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.codec.encode(m.provider())
	if err != nil {
		return 0, fmt.Errorf("failed to create checkpoint: %w", err)
	}

	m.nextID++
	m.points = append(m.points, storedPoint{
		id:          m.nextID,
		description: description,
		createdAt:   time.Now(),
		data:        data,
	})

	if len(m.points) > m.maxPoints {
		dropped := len(m.points) - m.pruneTo
		m.points = append([]storedPoint(nil), m.points[dropped:]...)
		m.logger.Debug("Pruned rollback points", "dropped", dropped, "kept", len(m.points))
	}

	m.logger.Info("Rollback point created",
		"point_id", m.nextID,
		"description", description,
		"stored_bytes", len(data))
	return m.nextID, nil
}

// RollbackTo restores the state saved in point id and discards every newer
// point. Unknown ids return ErrNotFound and change nothing.
func (m *Manager) RollbackTo(id uint64) error {
	return m.rollbackTo(id, ReasonManual)
}

// RollbackLast restores the second most recent point
func (m *Manager) RollbackLast() error {
	return m.rollbackLast(ReasonManual)
}

func (m *Manager) rollbackTo(id uint64, reason Reason) error {
	return m.rollback(reason, func(points []storedPoint) (int, error) {
		for i := range points {
			if points[i].id == id {
				return i, nil
			}
		}
		return 0, fmt.Errorf("%w: %d", ErrNotFound, id)
	})
}

func (m *Manager) rollbackLast(reason Reason) error {
	return m.rollback(reason, func(points []storedPoint) (int, error) {
		if len(points) < 2 {
			return 0, ErrNoPreviousPoint
		}
		return len(points) - 2, nil
	})
}

func (m *Manager) rollback(reason Reason, pick func([]storedPoint) (int, error)) error {
	m.mu.Lock()
	idx, err := pick(m.points)
	var target storedPoint
	if err == nil {
		target = m.points[idx]
		err = m.restore(target)
		if err == nil {
			m.points = m.points[:idx+1]
		}
	}
	m.mu.Unlock()

	event := Event{
		Type:      "rollback_status",
		HostID:    m.hostID,
		PointID:   target.id,
		Reason:    reason,
		Status:    "completed",
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if err != nil {
		event.Status = "failed"
		event.Error = err.Error()
		m.logger.Warn("Rollback failed", "reason", reason, "error", err)
	} else {
		m.logger.Info("Rolled back to point",
			"point_id", target.id,
			"description", target.description,
			"reason", reason)
	}

	m.notifyCallbacks(event)
	m.emitStatus(event)
	return err
}

func (m *Manager) restore(p storedPoint) error {
	snap, err := m.codec.decode(p.data)
	if err != nil {
		return err
	}
	if err := m.restorer(snap); err != nil {
		return fmt.Errorf("failed to restore point %d: %w", p.id, err)
	}
	return nil
}

// ListPoints returns up to n points newest first, without snapshots.
// n <= 0 returns all.
func (m *Manager) ListPoints(n int) []Point {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || n > len(m.points) {
		n = len(m.points)
	}
	out := make([]Point, 0, n)
	for i := len(m.points) - 1; i >= 0 && len(out) < n; i-- {
		p := m.points[i]
		out = append(out, Point{
			ID:          p.id,
			Description: p.description,
			CreatedAt:   p.createdAt,
			StoredBytes: len(p.data),
		})
	}
	return out
}

// GetPoint returns one point with its decoded snapshot
func (m *Manager) GetPoint(id uint64) (Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.points {
		if p.id != id {
			continue
		}
		snap, err := m.codec.decode(p.data)
		if err != nil {
			return Point{}, err
		}
		return Point{
			ID:          p.id,
			Description: p.description,
			CreatedAt:   p.createdAt,
			Snapshot:    snap,
			StoredBytes: len(p.data),
		}, nil
	}
	return Point{}, fmt.Errorf("%w: %d", ErrNotFound, id)
}

// Count returns the number of retained points
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points)
}

func (m *Manager) handleSignal(data []byte) {
	var signal Signal
	if err := json.Unmarshal(data, &signal); err != nil {
		m.logger.Error("Failed to unmarshal rollback signal", "error", err)
		return
	}

	m.logger.Info("Received operator rollback signal",
		"point_id", signal.PointID,
		"last", signal.Last,
		"reason", signal.Reason)

	switch {
	case signal.Last:
		_ = m.rollbackLast(ReasonOperatorSignal)
	case signal.PointID > 0:
		_ = m.rollbackTo(signal.PointID, ReasonOperatorSignal)
	default:
		m.logger.Error("Invalid rollback signal: missing point_id")
	}
}

func (m *Manager) emitStatus(event Event) {
	m.callbackMutex.RLock()
	publisher := m.publisher
	m.callbackMutex.RUnlock()
	if publisher == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("Failed to marshal rollback status", "error", err)
		return
	}
	if err := publisher.Publish(StatusSubject, data); err != nil {
		m.logger.Error("Failed to publish rollback status", "error", err)
		return
	}

	m.logger.Debug("Emitted rollback status",
		"subject", StatusSubject,
		"point_id", event.PointID,
		"status", event.Status)
}

// AddCallback adds a rollback callback
func (m *Manager) AddCallback(callback Callback) {
	m.callbackMutex.Lock()
	defer m.callbackMutex.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

func (m *Manager) notifyCallbacks(event Event) {
	m.callbackMutex.RLock()
	defer m.callbackMutex.RUnlock()

	for _, callback := range m.callbacks {
		go callback(event)
	}
}
