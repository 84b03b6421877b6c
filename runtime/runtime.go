// Package runtime wires every subsystem together into a single
// running process: the Persistent Store, Router, Messaging Bus,
// Shared State, Health Monitor, Cache, Workflow Engine, Cron
// Scheduler, Webhook Server, and a default Credentials Lookup. It is
// the one place that knows about every other package in this module;
// nothing outside it (notably the cli package) reaches into store,
// workflow, scheduler, etc. directly.
//
// The lifecycle shape is grounded in coordinator.Coordinator's
// New/Connect/Close and its ctx/cancel/wg.Wait() pattern: New builds
// every component (the Messaging Bus sweep loop, the Workflow Engine
// worker pool and the Cron Scheduler wake loop start inside their
// constructors), Start launches the webhook listener, and Close
// cancels the root context and waits for everything to stop.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"forgehome.dev/core/cache"
	"forgehome.dev/core/clock"
	"forgehome.dev/core/common"
	"forgehome.dev/core/config"
	"forgehome.dev/core/credentials"
	"forgehome.dev/core/health"
	"forgehome.dev/core/messaging"
	"forgehome.dev/core/router"
	"forgehome.dev/core/scheduler"
	"forgehome.dev/core/state"
	"forgehome.dev/core/store"
	"forgehome.dev/core/workflow"
)

const shutdownGrace = 5 * time.Second

// Runtime holds every subsystem service, constructed and wired
// according to a RuntimeConfig.
type Runtime struct {
	Config config.RuntimeConfig

	Store       store.Store
	Clock       clock.Clock
	Router      *router.Router
	Messaging   *messaging.Bus
	State       *state.Store
	Health      *health.Monitor
	Cache       *cache.Cache
	Workflow    *workflow.Engine
	Cron        *scheduler.CronScheduler
	Webhook     *scheduler.WebhookServer
	Credentials credentials.Lookup

	log *common.ContextLogger

	ctx    context.Context
	cancel context.CancelFunc

	started bool
	mu      sync.Mutex
}

// New constructs every subsystem from cfg. The store is opened
// immediately (it has no separate Start step), and the Messaging Bus
// sweep loop, the Workflow Engine worker pool and the Cron Scheduler
// wake loop start inside their constructors; only the webhook
// listener waits for Start.
func New(ctx context.Context, cfg config.RuntimeConfig) (*Runtime, error) {
	common.ConfigureLevel(cfg.Service.LogLevel)
	common.ConfigureFormat(cfg.Service.LogFormat)

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	clk := clock.NewSystemClock()
	rtr := router.New("")

	bus := messaging.New(st, clk, messaging.Config{
		RetentionWindow: cfg.Messaging.RetentionWindow,
		SweepInterval:   cfg.Messaging.SweepInterval,
	})

	stateStore := state.New(st, clk)

	hm := health.New(st, clk, bus, health.Config{
		Window:         cfg.Health.Window,
		DebounceWindow: cfg.Health.AlertDebounce,
		AlertRecipient: cfg.Health.AlertRecipient,
	})

	c := cache.New(st, clk)

	engine := workflow.New(st, clk, rtr, hm, workflow.Config{
		Workers:           cfg.Workflow.Workers,
		MaxQueueDepth:     cfg.Workflow.MaxQueueDepth,
		MaxRecursionDepth: cfg.Workflow.MaxRecursionDepth,
	})

	cron, err := scheduler.NewCronScheduler(ctx, st, clk, engine)
	if err != nil {
		engine.Close()
		st.Close()
		return nil, fmt.Errorf("starting cron scheduler: %w", err)
	}

	webhook := scheduler.NewWebhookServer(st, clk, engine, scheduler.WebhookConfig{
		Addr:         cfg.Webhook.Addr,
		PathPrefix:   cfg.Webhook.PathPrefix,
		RateLimit:    cfg.Webhook.RateLimit,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
	})

	creds, err := buildCredentials(ctx, cfg.Credentials)
	if err != nil {
		cron.Close()
		engine.Close()
		st.Close()
		return nil, fmt.Errorf("building credentials lookup: %w", err)
	}

	rootCtx, cancel := context.WithCancel(ctx)

	return &Runtime{
		Config:      cfg,
		Store:       st,
		Clock:       clk,
		Router:      rtr,
		Messaging:   bus,
		State:       stateStore,
		Health:      hm,
		Cache:       c,
		Workflow:    engine,
		Cron:        cron,
		Webhook:     webhook,
		Credentials: creds,
		log:         common.ComponentLogger("runtime"),
		ctx:         rootCtx,
		cancel:      cancel,
	}, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "redis":
		return store.OpenRedis(ctx, store.RedisConfig{
			URL:       cfg.RedisURL,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
	default:
		return store.OpenBolt(cfg.BoltPath)
	}
}

func buildCredentials(ctx context.Context, cfg config.CredentialsConfig) (credentials.Lookup, error) {
	switch cfg.Backend {
	case "infisical":
		return credentials.NewInfisical(ctx, credentials.InfisicalConfig{
			Host:         cfg.InfisicalHost,
			ClientID:     cfg.InfisicalClientID,
			ClientSecret: cfg.InfisicalClientSecret,
			ProjectID:    cfg.InfisicalProjectID,
			Environment:  cfg.InfisicalEnvironment,
		})
	default:
		return credentials.NewEnv(cfg.EnvPrefix), nil
	}
}

// Start launches the webhook HTTP listener. The Messaging Bus's sweep
// loop and the Cron Scheduler's wake loop are already running from
// New (they have no separate start step); Start only covers the one
// component that binds a socket.
func (r *Runtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	r.Webhook.Start()
	r.started = true
	return nil
}

// Close stops every background loop and releases the store. It is
// safe to call even if Start was never called.
func (r *Runtime) Close() error {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := r.Webhook.Stop(shutdownCtx); err != nil {
		r.log.WithError(err).Warn("webhook server shutdown error")
	}
	r.cancel()
	r.Cron.Close()
	r.Messaging.Close()
	r.Workflow.Close()
	return r.Store.Close()
}
