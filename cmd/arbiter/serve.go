package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"arbiter/internal/apl"
	"arbiter/internal/approval"
	"arbiter/internal/breaker"
	"arbiter/internal/budget"
	"arbiter/internal/config"
	"arbiter/internal/credentials"
	"arbiter/internal/interrupt"
	"arbiter/internal/kg"
	"arbiter/internal/llm"
	"arbiter/internal/llm/router"
	"arbiter/internal/logging"
	"arbiter/internal/memory"
	"arbiter/internal/observability"
	"arbiter/internal/orchestrator"
	"arbiter/internal/policy"
	"arbiter/internal/reinforce"
	"arbiter/internal/server"
	"arbiter/internal/skills"
	"arbiter/internal/storage"
	"arbiter/internal/types"
)

const natsEventSubjectPrefix = "arbiter.task-events."

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the runtime: scheduler, workers, and the HTTP/WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg *config.Config) error {
	logging.SetGlobalLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewComponentLogger("boot")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage and queue: JetStream when a NATS URL is configured, in-process
	// otherwise.
	var (
		stores storage.Stores
		queue  orchestrator.Queue
		nc     *nats.Conn
	)
	if cfg.NATS.URL != "" {
		var err error
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("arbiter"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Drain()

		_, stores, err = storage.NewJetStream(ctx, nc)
		if err != nil {
			return fmt.Errorf("open jetstream storage: %w", err)
		}
		queue, err = orchestrator.NewJSQueue(ctx, nc, logging.NewComponentLogger("queue"))
		if err != nil {
			return fmt.Errorf("open job queue: %w", err)
		}
		logger.Info("storage: jetstream at %s", cfg.NATS.URL)
	} else {
		_, stores = storage.NewMem()
		queue = orchestrator.NewMemQueue(logging.NewComponentLogger("queue"))
		logger.Info("storage: in-memory (standalone mode)")
	}

	// Policy boots exactly once; everything judgment-related flows from it.
	pf, err := loadPolicyFile(cfg.PolicyPath)
	if err != nil {
		return err
	}
	policyEngine := policy.New()
	if err := policyEngine.Boot(pf.Constraints, pf.Triggers, pf.ConfidenceMap); err != nil {
		return fmt.Errorf("boot policy: %w", err)
	}
	logger.Info("policy: booted with %d constraints, %d triggers", len(pf.Constraints), len(pf.Triggers))

	var vault *credentials.Vault
	if cfg.CredentialKey != "" {
		vault, err = credentials.NewVault(stores.Credentials, cfg.CredentialKey, logging.NewComponentLogger("credentials"))
		if err != nil {
			return fmt.Errorf("open credential vault: %w", err)
		}
	}

	providers, model, err := buildProviders(ctx, cfg, vault)
	if err != nil {
		return err
	}

	brk := breaker.New(breaker.Config{
		MaxIterations:      cfg.Breaker.MaxIterations,
		MaxNoProgress:      cfg.Breaker.MaxNoProgress,
		DuplicateThreshold: cfg.Breaker.DuplicateThreshold,
		DuplicateWindow:    cfg.Breaker.DuplicateWindow,
		ProviderWindow:     cfg.Breaker.ProviderWindow,
		RecoveryDelay:      cfg.Breaker.RecoveryDelay,
	})
	budgetEngine := budget.New(budget.Config{
		SessionCeilingUSD: cfg.Budget.SessionCeilingUSD,
		HourlyCapUSD:      cfg.Budget.HourlyCapUSD,
	})
	interrupts := interrupt.NewStore(cfg.InterruptTTL, logging.NewComponentLogger("interrupt"))
	gate := approval.NewGate(approval.Config{
		PollInterval:  cfg.Approval.PollInterval,
		Timeout:       cfg.Approval.Timeout,
		TimeoutAction: approval.TimeoutAction(cfg.Approval.TimeoutAction),
		TrainingURL:   cfg.Approval.TrainingURL,
	}, stores.Approvals, logging.NewComponentLogger("approval"))

	rules := make(map[router.Classification]string, len(cfg.Router.Rules))
	for class, providerID := range cfg.Router.Rules {
		rules[router.Classification(class)] = providerID
	}
	rtr := router.New(router.Config{Rules: rules}, providers, policyEngine, brk.IsProviderHealthy, logging.NewComponentLogger("router"))

	loop := reinforce.NewLoop(reinforce.Config{Alpha: cfg.Reinforce.Alpha}, stores.Params, stores.Audit, logging.NewComponentLogger("reinforce"))
	routing := reinforce.NewRouterPolicyAdapter(loop, rtr, logging.NewComponentLogger("reinforce"))

	graph, err := kg.New(stores.Graph, logging.NewComponentLogger("kg"))
	if err != nil {
		return fmt.Errorf("open knowledge graph: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := orchestrator.MustNewMetrics(registry)

	tracer, err := observability.NewTracerProvider(observability.TracingConfig{
		Enabled:        cfg.Observability.OTLPEndpoint != "",
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	events := orchestrator.NewEventBus(logging.NewComponentLogger("events"))
	orch := orchestrator.New(orchestrator.Config{
		Concurrency: cfg.Worker.Concurrency,
		CompanyGoal: cfg.CompanyGoal,
	}, orchestrator.Deps{
		Queue:      queue,
		Events:     events,
		Policy:     policyEngine,
		Budget:     budgetEngine,
		Breaker:    brk,
		Interrupts: interrupts,
		Gate:       gate,
		Router:     rtr,
		Routing:    routing,
		Loop:       loop,
		Graph:      graph,
		Stores:     stores,
		Metrics:    metrics,
		Tracer:     tracer,
		Logger:     logging.NewComponentLogger("orchestrator"),
	})

	memStore, err := memory.New(memory.Config{PersistPath: cfg.MemoryDir}, logging.NewComponentLogger("memory"))
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	skillsRegistry, err := skills.NewRegistry(skillsDir(cfg), logging.NewComponentLogger("skills"))
	if err != nil {
		return fmt.Errorf("open skills registry: %w", err)
	}

	aplJob := apl.NewJob(apl.Config{
		Enabled:  cfg.APL.Enabled,
		Schedule: cfg.APL.Schedule,
		AgentID:  cfg.AgentID,
	}, stores.Telemetry, stores.APL, logging.NewComponentLogger("apl"))

	srv := server.New(server.Config{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		EnableCORS: cfg.Server.EnableCORS,
		Debug:      cfg.Server.Debug,
		Model:      model,
		AgentID:    cfg.AgentID,
		CompanyID:  cfg.CompanyID,
	}, server.Deps{
		Orchestrator: orch,
		Interrupts:   interrupts,
		Budget:       budgetEngine,
		Gate:         gate,
		Memory:       memStore,
		Skills:       skillsRegistry,
		LogRing:      logging.GlobalRing(),
		Registry:     registry,
		Shutdown:     stop,
		Logger:       logging.NewComponentLogger("server"),
	})

	if err := aplJob.Start(); err != nil {
		return fmt.Errorf("start apl job: %w", err)
	}
	defer aplJob.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(ctx)
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(drainCtx)
	})
	if nc != nil {
		g.Go(func() error {
			bridgeEvents(ctx, events, nc, logging.NewComponentLogger("events"))
			return nil
		})
	}
	g.Go(func() error {
		heartbeat(ctx, cfg.Heartbeat, orch, budgetEngine, logging.NewComponentLogger("heartbeat"))
		return nil
	})

	logger.Info("arbiter %s up: agent=%s concurrency=%d", version, cfg.AgentID, cfg.Worker.Concurrency)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("arbiter stopped")
	return nil
}

// buildProviders registers every configured endpoint, resolving credential
// references through the vault. No configured providers yields the mock
// provider so standalone mode works offline.
func buildProviders(ctx context.Context, cfg *config.Config, vault *credentials.Vault) ([]llm.Provider, string, error) {
	if len(cfg.Providers) == 0 {
		return []llm.Provider{llm.NewMock("mock")}, "mock", nil
	}

	out := make([]llm.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		apiKey := pc.APIKeyRef
		if credentials.IsRef(pc.APIKeyRef) {
			if vault == nil {
				return nil, "", fmt.Errorf("provider %s: api_key_ref needs credential_key to be set", pc.ID)
			}
			resolved, err := vault.Resolve(ctx, pc.APIKeyRef)
			if err != nil {
				return nil, "", fmt.Errorf("provider %s: %w", pc.ID, err)
			}
			apiKey = resolved
		}
		out = append(out, llm.NewOpenAIProvider(llm.OpenAIConfig{
			ID:      pc.ID,
			Name:    pc.Name,
			Model:   pc.Model,
			BaseURL: pc.BaseURL,
			APIKey:  apiKey,
			Timeout: pc.Timeout,
			Local:   pc.LocalOnly,
		}, logging.NewComponentLogger("llm")))
	}
	return out, cfg.Providers[0].Model, nil
}

func skillsDir(cfg *config.Config) string {
	if cfg.SkillsDir != "" {
		return cfg.SkillsDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "skills"
	}
	return filepath.Join(home, ".arbiter", "skills")
}

// bridgeEvents mirrors the event firehose onto per-task NATS subjects so
// external consumers can follow tasks without holding a websocket.
func bridgeEvents(ctx context.Context, bus *orchestrator.EventBus, nc *nats.Conn, logger logging.Logger) {
	ch, cancel := bus.Subscribe("")
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			frame, err := types.MarshalEvent(event)
			if err != nil {
				logger.Warn("encode %s event: %v", event.Type(), err)
				continue
			}
			if err := nc.Publish(natsEventSubjectPrefix+event.TaskID(), frame); err != nil {
				logger.Warn("publish %s event: %v", event.Type(), err)
			}
		}
	}
}

// heartbeat logs a periodic liveness line with the scheduler and spend state.
func heartbeat(ctx context.Context, interval time.Duration, orch *orchestrator.Orchestrator, budgetEngine *budget.Engine, logger logging.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tokens, dollars := budgetEngine.Usage()
			logger.Debug("active=%d tokens=%d spend=$%.2f", len(orch.DAG().Active()), tokens, dollars)
		}
	}
}
