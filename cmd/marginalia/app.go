package main

import (
	"context"
	"fmt"

	"marginalia/pkg/config"
	"marginalia/pkg/federation"
	"marginalia/pkg/keys"
	"marginalia/pkg/store"
	"marginalia/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// app is the wired component graph shared by the subcommands.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      *store.Store
	registry   *prometheus.Registry
	metrics    *federation.Metrics
	dispatcher *federation.Dispatcher
	resolver   *federation.Resolver
	queue      *federation.Queue
	inbox      *federation.Inbox
	publisher  *federation.Publisher
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	kv, err := store.NewKVFromConfig(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	st := store.New(kv)

	a := &app{cfg: cfg, logger: logger, store: st}
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = federation.NewMetrics(a.registry)
	}

	reg := keys.NewRegistry(st.KV(), logger.Named("keys"))
	a.dispatcher = federation.NewDispatcher(cfg.BaseURL, st, reg, logger.Named("dispatcher"))

	// Fetches and deliveries share one guarded client.
	guard := federation.NewAddressGuard(cfg.Federation.AllowPrivateAddress)
	client := guard.Client(cfg.Federation.RequestTimeout.Std())
	a.resolver = federation.NewResolver(client, federation.NewKeyCache(cfg.Federation.KeyCacheTTL.Std()), logger.Named("resolver"))
	a.resolver.SetAddressGuard(guard)

	deliverer := federation.NewDeliverer(client, a.dispatcher, a.metrics, logger.Named("delivery"))
	deliverer.ConfigureRetry(cfg.Federation.MaxDeliveryAttempts, cfg.Federation.RetryBaseDelay.Std())
	a.queue = federation.NewQueue(deliverer, logger.Named("queue"))

	a.inbox = federation.NewInbox(a.dispatcher, st, a.resolver, a.queue, a.metrics, logger.Named("inbox"))
	a.publisher = federation.NewPublisher(a.dispatcher, st, a.resolver, a.queue, cfg.InstanceHandle, a.metrics, logger.Named("publisher"))
	return a, nil
}

// provisionConfigured ensures the instance actor and every configured user
// exist with keys. Key generation failure is fatal.
func (a *app) provisionConfigured(ctx context.Context) error {
	if _, err := a.dispatcher.Provision(ctx, a.cfg.InstanceHandle, "Annotation aggregator", "", types.ActorService); err != nil {
		return fmt.Errorf("failed to provision instance actor %q: %w", a.cfg.InstanceHandle, err)
	}
	for _, u := range a.cfg.Users {
		name := u.Name
		if name == "" {
			name = u.Handle
		}
		if _, err := a.dispatcher.Provision(ctx, u.Handle, name, u.Summary, types.ActorPerson); err != nil {
			return fmt.Errorf("failed to provision user %q: %w", u.Handle, err)
		}
	}
	return nil
}

func (a *app) Close() error {
	return a.store.Close()
}
