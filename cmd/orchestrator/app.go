package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/veriflow/internal/collaborators"
	"github.com/c360studio/veriflow/internal/config"
	"github.com/c360studio/veriflow/internal/eventbus"
	"github.com/c360studio/veriflow/internal/metrics"
	"github.com/c360studio/veriflow/internal/observer"
	"github.com/c360studio/veriflow/internal/orchestrator"
	"github.com/c360studio/veriflow/internal/review"
	"github.com/c360studio/veriflow/internal/reviewindex"
	"github.com/c360studio/veriflow/internal/statestore"
	"github.com/c360studio/veriflow/internal/supervisor"
	"github.com/c360studio/veriflow/internal/telemetry"
)

// App wires together every component of the Verification Orchestrator
// process: the State Store, Event Bus Gateway, DAG Orchestrator,
// Supervisor, Review Coordinator, Review Index, Observer Plane, and the
// Telemetry & Metrics registries they all share.
//
// Modeled on cmd/semspec/app.go's App: an embedded-or-external NATS
// connection, a Start(ctx)/Shutdown(timeout) lifecycle, and a struct that
// owns every long-lived collaborator rather than leaving main to juggle
// them directly.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	owner  string

	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	store     *statestore.Store
	workflows *statestore.WorkflowStore
	bus       *eventbus.Gateway
	index     *reviewindex.Index

	orch       *orchestrator.Orchestrator
	supervisor *supervisor.Supervisor
	reviews    *review.Coordinator
	hub        *observer.Hub

	metrics  *metrics.Registry
	tracing  *telemetry.Provider
	opServer *http.Server

	hubCancel       context.CancelFunc
	remindersCancel context.CancelFunc
	ttlCancel       context.CancelFunc
}

// NewApp creates an application instance bound to cfg. ownerID identifies
// this process for the Orchestrator's owner-lease and recovery.
func NewApp(cfg *config.Config, ownerID string, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, owner: ownerID, logger: logger}
}

// Start initializes every component and begins serving: the Supervisor's
// worker pool, the Observer Plane's State Store watch, the Review
// Coordinator's reminder sweep, the Orchestrator's TTL extension sweep, and
// the /metrics + /observe HTTP mux. It returns once every component has
// started; the workers themselves run until Shutdown is called or ctx is
// cancelled.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	store, err := statestore.EnsureBucket(ctx, a.js, a.cfg.Orchestrator.WorkflowTTL)
	if err != nil {
		return fmt.Errorf("ensure state store bucket: %w", err)
	}
	a.store = store
	a.workflows = statestore.NewWorkflowStore(store)

	a.bus = eventbus.New(a.js, a.cfg.Bus.DLQAttemptCap)
	if err := a.bus.EnsureTopology(ctx); err != nil {
		return fmt.Errorf("ensure event bus topology: %w", err)
	}

	index, err := reviewindex.Dial(ctx, a.cfg.Review.RedisAddr)
	if err != nil {
		return fmt.Errorf("dial review index: %w", err)
	}
	a.index = index

	a.metrics = metrics.New(a.cfg.Metrics.Namespace)

	tracing, err := telemetry.NewProvider(telemetry.Config{
		Enabled:      a.cfg.Tracing.Enabled,
		Exporter:     a.cfg.Tracing.Exporter,
		OTLPEndpoint: a.cfg.Tracing.OTLPEndpoint,
		SampleRate:   a.cfg.Tracing.SampleRate,
		ServiceName:  a.cfg.Tracing.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("start tracing: %w", err)
	}
	a.tracing = tracing

	stages := orchestrator.BuildStageSet(collaborators.Build(
		a.cfg.Orchestrator.CollaboratorEndpoints,
		a.cfg.Orchestrator.CollaboratorTimeout,
	))

	orch, err := orchestrator.New(a.owner, a.cfg.Orchestrator, a.workflows, a.bus, a.index, stages, a.logger)
	if err != nil {
		return fmt.Errorf("construct orchestrator: %w", err)
	}
	orch.WithObservability(a.metrics, tracing.Tracer())
	a.orch = orch

	a.bus.WithMetrics(a.metrics)

	a.reviews = review.New(a.workflows, a.index, a.bus, a.orch, a.cfg.Review, a.logger)
	a.reviews.WithMetrics(a.metrics)

	a.hub = observer.New(a.store, a.cfg.Observer, a.logger)
	a.hub.WithMetrics(a.metrics)
	observerHandler := observer.NewHandler(a.hub, a.cfg.Observer)

	hubCtx, hubCancel := context.WithCancel(ctx)
	a.hubCancel = hubCancel
	go func() {
		if err := a.hub.Run(hubCtx); err != nil {
			a.logger.Error("observer hub stopped", "error", err)
		}
	}()

	remindersCtx, remindersCancel := context.WithCancel(ctx)
	a.remindersCancel = remindersCancel
	go a.reviews.RunReminders(remindersCtx)

	ttlCtx, ttlCancel := context.WithCancel(ctx)
	a.ttlCancel = ttlCancel
	go a.orch.RunTTLExtension(ttlCtx)

	a.supervisor = supervisor.New(a.bus, a.orch, supervisor.Config{
		WorkerCount:     a.cfg.Orchestrator.ClaimParallelism,
		ConsumerDurable: "orchestrator-workers",
		GraceDeadline:   30 * time.Second,
	}, a.logger)
	if err := a.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	observerHandler.RegisterHTTPHandlers("/observe/", mux)
	a.opServer = &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		if err := a.opServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("operator http server stopped", "error", err)
		}
	}()

	a.logger.Info("orchestrator started",
		"owner", a.owner,
		"operator_addr", a.cfg.Metrics.ListenAddr,
		"workers", a.cfg.Orchestrator.ClaimParallelism,
	)
	return nil
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.Bus.URL != "" && !a.cfg.Bus.Embedded {
		a.logger.Info("connecting to NATS", "url", a.cfg.Bus.URL)
		conn, err := nats.Connect(a.cfg.Bus.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("starting embedded NATS server")
		opts := &server.Options{
			Port:      -1,
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}
		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

// Shutdown stops every component. The Supervisor's worker pool drains
// in-flight node work within the Supervisor's own grace deadline; timeout
// bounds the operator HTTP server and tracer provider shutdowns.
func (a *App) Shutdown(timeout time.Duration) {
	a.logger.Info("shutting down orchestrator")

	if a.supervisor != nil {
		if err := a.supervisor.Stop(); err != nil {
			a.logger.Warn("supervisor stop returned error", "error", err)
		}
	}
	if a.hubCancel != nil {
		a.hubCancel()
	}
	if a.remindersCancel != nil {
		a.remindersCancel()
	}
	if a.ttlCancel != nil {
		a.ttlCancel()
	}

	if a.opServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.opServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("operator http server shutdown error", "error", err)
		}
	}

	if a.tracing != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.tracing.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("tracing shutdown error", "error", err)
		}
	}

	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.logger.Warn("review index close error", "error", err)
		}
	}

	if a.natsConn != nil {
		a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}

	a.logger.Info("orchestrator stopped")
}

// HardAbort cancels every worker immediately without waiting for
// in-flight work to drain.
func (a *App) HardAbort() {
	if a.supervisor != nil {
		a.supervisor.HardAbort()
	}
	if a.hubCancel != nil {
		a.hubCancel()
	}
	if a.remindersCancel != nil {
		a.remindersCancel()
	}
	if a.ttlCancel != nil {
		a.ttlCancel()
	}
}

// runRecoveryOnly connects every component except the Supervisor's worker
// pool and runs a single Recovery pass, for the "recover" subcommand's
// manual/offline use.
func (a *App) runRecoveryOnly(ctx context.Context) (int, error) {
	if err := a.startNATS(ctx); err != nil {
		return 0, fmt.Errorf("start NATS: %w", err)
	}
	store, err := statestore.EnsureBucket(ctx, a.js, a.cfg.Orchestrator.WorkflowTTL)
	if err != nil {
		return 0, fmt.Errorf("ensure state store bucket: %w", err)
	}
	a.store = store
	a.workflows = statestore.NewWorkflowStore(store)

	a.bus = eventbus.New(a.js, a.cfg.Bus.DLQAttemptCap)
	if err := a.bus.EnsureTopology(ctx); err != nil {
		return 0, fmt.Errorf("ensure event bus topology: %w", err)
	}

	index, err := reviewindex.Dial(ctx, a.cfg.Review.RedisAddr)
	if err != nil {
		return 0, fmt.Errorf("dial review index: %w", err)
	}
	a.index = index

	stages := orchestrator.BuildStageSet(collaborators.Build(
		a.cfg.Orchestrator.CollaboratorEndpoints,
		a.cfg.Orchestrator.CollaboratorTimeout,
	))
	orch, err := orchestrator.New(a.owner, a.cfg.Orchestrator, a.workflows, a.bus, a.index, stages, a.logger)
	if err != nil {
		return 0, fmt.Errorf("construct orchestrator: %w", err)
	}
	a.orch = orch

	return orch.Recover(ctx)
}

// printStatus fetches and prints a single workflow's current snapshot, for
// the "status" subcommand.
func (a *App) printStatus(ctx context.Context, workflowID string) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}
	store, err := statestore.EnsureBucket(ctx, a.js, a.cfg.Orchestrator.WorkflowTTL)
	if err != nil {
		return fmt.Errorf("ensure state store bucket: %w", err)
	}
	a.workflows = statestore.NewWorkflowStore(store)

	w, err := a.workflows.Get(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("get workflow %s: %w", workflowID, err)
	}
	fmt.Fprintf(os.Stdout, "workflow_id: %s\nstatus: %s\ncurrent_node: %s\n", w.WorkflowID, w.Status, w.CurrentNode)
	if w.RiskScore != nil {
		fmt.Fprintf(os.Stdout, "risk_score: %.3f\n", *w.RiskScore)
	}
	return nil
}
