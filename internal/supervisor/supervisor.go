// Package supervisor implements the Supervisor (C7): process lifecycle
// around the Orchestrator — startup recovery, a pool of raw-items pull
// workers, and graceful/hard shutdown with owner-lease release.
//
// Grounded on cmd/semspec/app.go's embedded-server start / signal-driven
// Shutdown(timeout) lifecycle and the processor/*/component.go Start/Stop
// convention (derived cancelable context, background consumeLoop goroutine,
// Stop cancels and waits).
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/veriflow/internal/domain"
	"github.com/c360studio/veriflow/internal/eventbus"
	"github.com/c360studio/veriflow/internal/orchestrator"
)

// Orchestrator is the narrow slice of *orchestrator.Orchestrator the
// Supervisor drives.
type Orchestrator interface {
	ProcessRawItem(ctx context.Context, item domain.RawItem) error
	Recover(ctx context.Context) (int, error)
}

// Bus is the narrow slice of *eventbus.Gateway the Supervisor consumes
// from.
type Bus interface {
	Consume(ctx context.Context, topic eventbus.Topic, cfg eventbus.ConsumerConfig, handler eventbus.Handler) error
}

// Config configures the Supervisor's worker pool and shutdown behavior.
type Config struct {
	// WorkerCount is the number of concurrent raw-items pull loops.
	// NATS JetStream work-queue consumers distribute messages across
	// concurrent pullers on the same durable group rather than requiring
	// explicit partition assignment.
	WorkerCount int
	// ConsumerDurable names the shared durable consumer group every
	// worker pulls from.
	ConsumerDurable string
	// GraceDeadline bounds how long Stop waits for in-flight nodes to
	// finish before returning regardless (spec default 30s).
	GraceDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 1
	}
	if c.ConsumerDurable == "" {
		c.ConsumerDurable = "orchestrator-workers"
	}
	if c.GraceDeadline <= 0 {
		c.GraceDeadline = 30 * time.Second
	}
	return c
}

// Supervisor owns the lifecycle of a pool of raw-items workers driving a
// single Orchestrator.
type Supervisor struct {
	bus    Bus
	orch   Orchestrator
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Supervisor.
func New(bus Bus, orch Orchestrator, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{bus: bus, orch: orch, cfg: cfg.withDefaults(), logger: logger}
}

// Start runs the startup Recovery pass, then launches cfg.WorkerCount
// raw-items pull workers. It returns once Recovery and worker launch
// succeed; the workers themselves run until Stop is called or ctx is
// cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.running = true
	workCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	recovered, err := s.orch.Recover(workCtx)
	if err != nil {
		s.rollbackStart()
		return fmt.Errorf("recovery pass: %w", err)
	}
	s.logger.Info("supervisor recovery pass complete", "recovered", recovered)

	consumerCfg := eventbus.ConsumerConfig{Durable: s.cfg.ConsumerDurable}
	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go func(worker int) {
			defer s.wg.Done()
			if err := s.bus.Consume(workCtx, eventbus.TopicRawItems, consumerCfg, s.handleRawItem); err != nil {
				s.logger.Error("supervisor worker exited", "worker", worker, "error", err)
			}
		}(i)
	}

	s.logger.Info("supervisor started", "workers", s.cfg.WorkerCount, "durable", s.cfg.ConsumerDurable)
	return nil
}

func (s *Supervisor) rollbackStart() {
	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.mu.Unlock()
}

func (s *Supervisor) handleRawItem(ctx context.Context, msg *eventbus.Message) error {
	var item domain.RawItem
	if err := json.Unmarshal(msg.Payload, &item); err != nil {
		return fmt.Errorf("decode raw item: %w", err)
	}
	if err := s.orch.ProcessRawItem(ctx, item); err != nil {
		return err
	}
	return msg.Ack()
}

// Stop performs a graceful drain: it stops accepting new messages
// immediately (cancelling workCtx, which unwinds each Consume pull loop at
// its next Fetch boundary) and waits up to cfg.GraceDeadline for in-flight
// node work to finish before returning.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("supervisor stopped cleanly")
	case <-time.After(s.cfg.GraceDeadline):
		s.logger.Warn("supervisor grace deadline exceeded, workers may still be draining", "grace_deadline", s.cfg.GraceDeadline)
	}
	return nil
}

// HardAbort cancels immediately without waiting for the grace deadline.
func (s *Supervisor) HardAbort() {
	s.mu.Lock()
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
