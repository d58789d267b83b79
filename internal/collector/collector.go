package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aegisflux/agents/mitigation-agent/internal/types"
)

// DefaultPollInterval is used by pollers created with a zero interval
const DefaultPollInterval = 10 * time.Second

// Sink receives observations from collectors. It must be safe for concurrent use.
type Sink func(types.Observation)

// Collector produces observations until its context is cancelled
type Collector interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// PollFunc returns the observations found in one scan
type PollFunc func(ctx context.Context) ([]types.Observation, error)

// Poller runs a PollFunc on a fixed interval
type Poller struct {
	name     string
	interval time.Duration
	poll     PollFunc
	logger   *slog.Logger
}

// NewPoller wraps poll as a Collector
func NewPoller(logger *slog.Logger, name string, interval time.Duration, poll PollFunc) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		name:     name,
		interval: interval,
		poll:     poll,
		logger:   logger,
	}
}

// Name returns the collector name
func (p *Poller) Name() string {
	return p.name
}

// Run scans immediately and then on every tick
func (p *Poller) Run(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.scan(ctx, sink)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Poller) scan(ctx context.Context, sink Sink) {
	observations, err := p.poll(ctx)
	if err != nil {
		p.logger.Warn("Collector scan failed", "collector", p.name, "error", err)
		return
	}
	for _, obs := range observations {
		if obs.Timestamp.IsZero() {
			obs.Timestamp = time.Now()
		}
		sink(obs)
	}
}

// Group runs collectors in parallel, one goroutine each
type Group struct {
	logger     *slog.Logger
	collectors []Collector
}

// NewGroup creates a group over the given collectors
func NewGroup(logger *slog.Logger, collectors ...Collector) *Group {
	return &Group{logger: logger, collectors: collectors}
}

// Add appends a collector. It must be called before Run.
func (g *Group) Add(c Collector) {
	g.collectors = append(g.collectors, c)
}

// Len returns the number of collectors
func (g *Group) Len() int {
	return len(g.collectors)
}

// Run blocks until every collector returns. A failing collector does not
// stop the others; their errors are joined.
func (g *Group) Run(ctx context.Context, sink Sink) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, c := range g.collectors {
		wg.Add(1)
		go func(c Collector) {
			defer wg.Done()
			g.logger.Info("Collector started", "collector", c.Name())

			if err := c.Run(ctx, sink); err != nil {
				g.logger.Error("Collector failed", "collector", c.Name(), "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("collector %s: %w", c.Name(), err))
				mu.Unlock()
				return
			}
			g.logger.Info("Collector stopped", "collector", c.Name())
		}(c)
	}

	wg.Wait()
	return errors.Join(errs...)
}
