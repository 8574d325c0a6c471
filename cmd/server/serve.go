package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/fleet-orchestrator/internal/auth"
	"github.com/t77yq/fleet-orchestrator/internal/autoscaler"
	"github.com/t77yq/fleet-orchestrator/internal/config"
	"github.com/t77yq/fleet-orchestrator/internal/coordinator"
	"github.com/t77yq/fleet-orchestrator/internal/flow"
	"github.com/t77yq/fleet-orchestrator/internal/monitor"
	"github.com/t77yq/fleet-orchestrator/internal/registry"
	"github.com/t77yq/fleet-orchestrator/internal/scheduler"
)

func newServeCommand(opts *options) *cobra.Command {
	var embedded bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("embedded-nats") {
				cfg.NATS.Embedded = embedded
			}
			return serve(cmd.Context(), cfg, opts.loader, opts.logger)
		},
	}
	cmd.Flags().BoolVar(&embedded, "embedded-nats", false, "run a JetStream server in process")
	return cmd
}

func dispatcherID(configured string) string {
	if configured != "" {
		return configured
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.New().String()
}

// scalerConfig prices new agents at the docker provisioner's rate when the
// pools do not name a price themselves
func scalerConfig(cfg config.AutoscalerConfig) autoscaler.Config {
	out := cfg.Config
	if cfg.Provisioner == "docker" && out.Defaults.AgentCostPerHour <= 0 {
		out.Defaults.AgentCostPerHour = cfg.Docker.CostPerHour
	}
	return out
}

func serve(ctx context.Context, cfg *config.Config, loader *config.Loader, logger *zap.Logger) error {
	if cfg.Auth.Secret == "" {
		return fmt.Errorf("%w: auth.secret is required to serve", config.ErrInvalidConfig)
	}

	url := cfg.NATS.URL
	if cfg.NATS.Embedded {
		srv, err := startEmbeddedNATS(cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer func() {
			srv.Shutdown()
			srv.WaitForShutdown()
		}()
		url = srv.ClientURL()
	}

	shutdownTracing, err := setupTracing(ctx, cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := monitor.NewMetrics(promRegistry)
	if err != nil {
		return err
	}

	p, err := openPlane(ctx, cfg, url, logger, scheduler.WithObserver(metrics))
	if err != nil {
		return err
	}
	defer p.Close()

	verifier, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	// Breaker transitions feed the metrics and the shared mirror other
	// dispatchers read.
	breakers := flow.NewBreakerSet(cfg.Flow.Breaker, func(agentID string, from, to gobreaker.State) {
		metrics.BreakerChanged(agentID, from, to)
		go func() {
			mirrorCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.registry.MirrorBreaker(mirrorCtx, agentID, to.String()); err != nil {
				logger.Warn("Failed to mirror breaker state", zap.String("agent_id", agentID), zap.Error(err))
			}
		}()
	}, logger)

	gates := newGates(cfg.Flow, verifier, breakers, metrics.AdmissionRejected, logger)

	strategy, err := scheduler.NewStrategy(cfg.Dispatcher.Strategy, cfg.Dispatcher.BaseDuration)
	if err != nil {
		return err
	}
	dispatcherCfg := cfg.Dispatcher
	dispatcherCfg.ID = dispatcherID(dispatcherCfg.ID)
	dispatcher := scheduler.NewDispatcher(dispatcherCfg, p.service, p.registry, p.locks, gates.dispatch, strategy, p.client, logger,
		scheduler.WithVerifier(p.consensus))

	coord := p.coordinator(coordinator.WithReclaimer(dispatcher.ReclaimTasks))

	registryServer := registry.NewServer(p.nc, p.registry, gates.api, logger,
		registry.WithCoalescing(cfg.Flow.Coalesce))
	sweeper := registry.NewSweeper(p.registry, p.client, coord.AgentOffline, logger)
	retries := scheduler.NewRetryManager(p.ledger, p.service, cfg.Scheduler.RetryInterval, logger)
	criticalPath := scheduler.NewCriticalPathMonitor(p.service, cfg.Dispatcher.BaseDuration, cfg.Scheduler.CriticalPathInterval, logger)

	cron := scheduler.NewCronScheduler(p.js, p.service, logger)
	if err := cron.ScheduleCleanup(cfg.Storage.CleanupSchedule, cfg.Storage.Retention); err != nil {
		return err
	}

	alerts := monitor.NewAlertManager(p.js, p.events, cfg.Alerts, logger)
	for _, rule := range monitor.DefaultRules() {
		if err := alerts.AddRule(rule); err != nil {
			return err
		}
	}
	alerts.AddChannel("log", monitor.NewLogChannel(logger))

	collector := monitor.NewMetricsCollector(p.js, p.registry, metrics, cfg.Metrics.Interval, logger)

	var provisioner autoscaler.Provisioner
	if cfg.Autoscaler.Provisioner == "docker" {
		docker, err := autoscaler.NewDockerProvisioner(cfg.Autoscaler.Docker, p.issuer, logger)
		if err != nil {
			return err
		}
		defer docker.Close()
		provisioner = docker
	}
	scaler := autoscaler.NewController(scalerConfig(cfg.Autoscaler), p.store, p.registry, p.ledger, provisioner, dispatcher.ReclaimTasks, logger,
		autoscaler.WithObserver(metrics))

	loader.Watch(func(next *config.Config) {
		if err := scaler.UpdateConfig(scalerConfig(next.Autoscaler)); err != nil {
			logger.Error("Rejected autoscaler config", zap.Error(err))
		}
		gates.setLimits(next.Flow)
	})

	if err := registryServer.Start(ctx); err != nil {
		return err
	}
	defer registryServer.Stop()
	if err := cron.Start(ctx); err != nil {
		return err
	}
	defer cron.Stop()
	if err := alerts.Start(ctx); err != nil {
		return err
	}
	defer alerts.Stop()
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop()

	sweeper.Start(ctx)
	defer sweeper.Stop()
	retries.Start(ctx)
	defer retries.Stop()
	criticalPath.Start(ctx)
	defer criticalPath.Stop()
	if cfg.Autoscaler.Enabled {
		scaler.Start(ctx)
		defer scaler.Stop()
	}
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !p.nc.IsConnected() {
			http.Error(w, "nats disconnected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	httpServer := &http.Server{
		Addr:              cfg.Metrics.Listen,
		Handler:           otelhttp.NewHandler(mux, "orchestrator"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Serving metrics", zap.String("listen", cfg.Metrics.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	logger.Info("Orchestrator running",
		zap.String("dispatcher_id", dispatcherCfg.ID),
		zap.String("strategy", strategy.Name()),
		zap.Bool("autoscaler", cfg.Autoscaler.Enabled))

	err = g.Wait()
	logger.Info("Orchestrator shutting down")
	return err
}
