package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aegisflux/agents/mitigation-agent/internal/rollback"
	"aegisflux/agents/mitigation-agent/internal/shadow"
	"aegisflux/agents/mitigation-agent/internal/types"
)

const (
	DefaultQueueSize         = 1000
	DefaultHeartbeatInterval = 30 * time.Second
)

// NATSPublisher is the subset of *nats.Conn the sender needs
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// Envelope wraps every published message
type Envelope struct {
	Type      string `json:"type"`
	HostID    string `json:"host_id"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// ShadowReport is the payload of a shadow event
type ShadowReport struct {
	ShadowID    uint64        `json:"shadow_id"`
	Description string        `json:"description"`
	Result      shadow.Result `json:"result"`
}

// Sender publishes mitigation events to NATS from a bounded queue
type Sender struct {
	logger    *slog.Logger
	nc        NATSPublisher
	subject   string
	hostID    string
	queue     chan Envelope
	stopChan  chan struct{}
	stopOnce  sync.Once
	heartbeat time.Duration
	status    func() types.Status
	onError   func(error)
}

// NewSender creates a new sender
func NewSender(logger *slog.Logger, nc NATSPublisher, subject, hostID string) *Sender {
	return &Sender{
		logger:    logger,
		nc:        nc,
		subject:   subject,
		hostID:    hostID,
		queue:     make(chan Envelope, DefaultQueueSize),
		stopChan:  make(chan struct{}),
		heartbeat: DefaultHeartbeatInterval,
	}
}

// SetHeartbeat enables periodic status heartbeats
func (s *Sender) SetHeartbeat(interval time.Duration, status func() types.Status) {
	if interval > 0 {
		s.heartbeat = interval
	}
	s.status = status
}

// OnError registers a hook called for every failed publish
func (s *Sender) OnError(fn func(error)) {
	s.onError = fn
}

// Start starts the send loop
func (s *Sender) Start(ctx context.Context) error {
	s.logger.Info("Starting event sender", "subject", s.subject)

	go s.sendLoop(ctx)
	return nil
}

// Stop stops the send loop
func (s *Sender) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping event sender")
		close(s.stopChan)
	})
}

// SendResult queues a processed event
func (s *Sender) SendResult(result types.Result) error {
	return s.enqueue("threat_event", result)
}

// SendAction queues a dispatched action
func (s *Sender) SendAction(record types.ActionRecord) error {
	return s.enqueue("action", record)
}

// SendShadow queues a finished shadow run
func (s *Sender) SendShadow(state *shadow.State, result shadow.Result) error {
	return s.enqueue("shadow", ShadowReport{
		ShadowID:    state.ID,
		Description: state.Description,
		Result:      result,
	})
}

// SendRollback queues a rollback event
func (s *Sender) SendRollback(event rollback.Event) error {
	return s.enqueue("rollback", event)
}

func (s *Sender) enqueue(kind string, data any) error {
	env := Envelope{
		Type:      kind,
		HostID:    s.hostID,
		Timestamp: time.Now().Format(time.RFC3339),
		Data:      data,
	}

	select {
	case s.queue <- env:
		return nil
	default:
		return fmt.Errorf("event queue is full")
	}
}

func (s *Sender) sendLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Event sender context cancelled")
			return

		case <-s.stopChan:
			s.logger.Info("Event sender stopped")
			return

		case env := <-s.queue:
			if err := s.publish(env); err != nil {
				s.logger.Error("Failed to publish event",
					"error", err,
					"event_type", env.Type)
				if s.onError != nil {
					s.onError(err)
				}
			}

		case <-ticker.C:
			if s.status == nil {
				continue
			}
			if err := s.enqueue("heartbeat", s.status()); err != nil {
				s.logger.Debug("Failed to queue heartbeat", "error", err)
			}
		}
	}
}

func (s *Sender) publish(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := s.nc.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	s.logger.Debug("Event published",
		"subject", s.subject,
		"event_type", env.Type,
		"size", len(data))
	return nil
}
