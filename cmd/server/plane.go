package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/auth"
	"github.com/t77yq/fleet-orchestrator/internal/config"
	"github.com/t77yq/fleet-orchestrator/internal/coordinator"
	"github.com/t77yq/fleet-orchestrator/internal/executor"
	"github.com/t77yq/fleet-orchestrator/internal/kvstore"
	"github.com/t77yq/fleet-orchestrator/internal/queue"
	"github.com/t77yq/fleet-orchestrator/internal/registry"
	"github.com/t77yq/fleet-orchestrator/internal/scheduler"
	"github.com/t77yq/fleet-orchestrator/internal/service"
	"github.com/t77yq/fleet-orchestrator/internal/storage"
)

// plane is the shared state every control-plane command works on
type plane struct {
	logger    *zap.Logger
	nc        *nats.Conn
	js        nats.JetStreamContext
	issuer    *auth.Issuer
	ledger    *storage.Ledger
	store     *kvstore.NATSStore
	locks     *kvstore.NATSStore
	queue     *queue.JetStream
	events    *service.EventService
	service   *scheduler.Service
	registry  *registry.Registry
	client    *executor.Client
	consensus *coordinator.Consensus
}

// openPlane connects to the bus and opens the ledger. The issuer is nil when
// no secret is configured.
func openPlane(ctx context.Context, cfg *config.Config, url string, logger *zap.Logger, opts ...scheduler.ServiceOption) (_ *plane, err error) {
	p := &plane{logger: logger}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	if cfg.Auth.Secret != "" {
		if p.issuer, err = auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer); err != nil {
			return nil, err
		}
	}

	if p.nc, err = connectNATS(ctx, cfg.NATS, url, logger); err != nil {
		return nil, err
	}
	if p.js, err = p.nc.JetStream(); err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if p.ledger, err = storage.NewLedger(logger, cfg.Storage.LedgerPath); err != nil {
		return nil, err
	}
	p.store, err = kvstore.NewNATSStore(p.js, kvstore.BucketConfig{
		Name:    cfg.Storage.Bucket,
		TTL:     cfg.Storage.BucketTTL,
		Storage: nats.FileStorage,
	}, logger)
	if err != nil {
		return nil, err
	}
	p.locks, err = kvstore.NewNATSStore(p.js, kvstore.BucketConfig{
		Name:    cfg.Storage.LockBucket,
		TTL:     cfg.Storage.LockBucketTTL,
		Storage: nats.FileStorage,
	}, logger)
	if err != nil {
		return nil, err
	}
	if p.queue, err = queue.NewJetStream(p.js, cfg.Queue, logger); err != nil {
		return nil, err
	}
	if p.events, err = service.NewEventService(p.js, cfg.Events, logger); err != nil {
		return nil, err
	}

	enqueuer := scheduler.NewEnqueuer(p.queue, p.ledger, cfg.Scheduler.EnqueuerConfig, logger)
	opts = append([]scheduler.ServiceOption{scheduler.WithNotifier(p.events)}, opts...)
	p.service = scheduler.NewService(p.ledger, enqueuer, cfg.Scheduler.ServiceConfig, logger, opts...)
	p.registry = registry.NewRegistry(p.store, p.issuer, cfg.Registry, logger)
	p.client = executor.NewClient(p.nc, p.issuer, cfg.Executor)
	p.consensus = coordinator.NewConsensus(p.registry, p.client, p.ledger, cfg.Consensus, logger)
	return p, nil
}

// coordinator builds the client-facing facade over the plane
func (p *plane) coordinator(opts ...coordinator.Option) *coordinator.Coordinator {
	opts = append([]coordinator.Option{
		coordinator.WithLogFetcher(p.client),
		coordinator.WithNotifier(p.events),
	}, opts...)
	return coordinator.New(p.service, p.ledger, p.registry, p.queue, p.consensus, p.logger, opts...)
}

// Close releases the queue consumers, the ledger and the connection
func (p *plane) Close() {
	if p.queue != nil {
		p.queue.Close()
	}
	if p.ledger != nil {
		if err := p.ledger.Close(); err != nil {
			p.logger.Warn("Failed to close ledger", zap.Error(err))
		}
	}
	if p.nc != nil {
		p.nc.Drain()
	}
}
