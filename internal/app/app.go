// Package app wires the authority core, its external collaborators, and
// the ops HTTP surface into a running service. It is the only place that
// knows about every subsystem at once; everything is passed explicitly.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wisbric/triad/internal/config"
	"github.com/wisbric/triad/internal/opsserver"
	"github.com/wisbric/triad/internal/platform"
	"github.com/wisbric/triad/internal/telemetry"
	"github.com/wisbric/triad/pkg/authority"
	"github.com/wisbric/triad/pkg/eventfabric"
	"github.com/wisbric/triad/pkg/triad"
	"github.com/wisbric/triad/pkg/triadreplica"
)

const serviceVersion = "0.1.0"

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the requested mode (serve or migrate).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting triadauthd",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	switch cfg.Mode {
	case "migrate":
		if err := platform.RunReplicaMigrations(cfg.ReplicaDatabaseURL, cfg.ReplicaMigrationsDir); err != nil {
			return err
		}
		logger.Info("replica migrations applied")
		return nil
	case "serve":
		return runServe(ctx, cfg, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Tracing
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "triadauthd", serviceVersion)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	auth := authority.New(authority.Config{
		ThisAuthority:         cfg.ThisAuthority,
		AdminRole:             cfg.AdminRole,
		ChallengeTTL:          cfg.ChallengeTTL,
		SessionDefaultTTL:     cfg.SessionDefaultTTL,
		SessionMaxTTL:         cfg.SessionMaxTTL,
		HighRiskThreshold:     cfg.HighRiskThreshold,
		MaxDevicesPerIdentity: cfg.MaxDevicesPerIdentity,
		RateLimitMax:          cfg.RateLimitMax,
		RateWindow:            cfg.RateWindow,
		MaxFailedAttempts:     cfg.MaxFailedAttempts,
		LockoutDuration:       cfg.LockoutDuration,
		MaxQueueSize:          cfg.MaxQueueSize,
		MaxRetries:            cfg.MaxRetries,
		DefaultBatchSize:      cfg.DefaultBatchSize,
	}, logger)

	auth.VerifyObserver = func(code triad.Code) {
		telemetry.VerificationsTotal.WithLabelValues(string(code)).Inc()
		if code == triad.CodeRateLimited {
			telemetry.RateLimitRejectionsTotal.Inc()
		}
	}
	attachMetricsSubscriber(auth.Fabric)

	// External replication sink (Postgres).
	var replica *triadreplica.Sink
	var replicaPinger opsserver.Pinger
	if cfg.ReplicaDatabaseURL != "" {
		if err := platform.RunReplicaMigrations(cfg.ReplicaDatabaseURL, cfg.ReplicaMigrationsDir); err != nil {
			return fmt.Errorf("running replica migrations: %w", err)
		}
		pool, err := platform.NewPostgresPool(ctx, cfg.ReplicaDatabaseURL)
		if err != nil {
			return fmt.Errorf("connecting to replica database: %w", err)
		}
		defer pool.Close()

		replica = triadreplica.New(pool, logger)
		replicaPinger = replica
		attachReplication(auth, replica, logger)
		logger.Info("identity replication enabled")
	} else {
		logger.Info("identity replication disabled (TRIAD_REPLICA_DATABASE_URL not set)")
	}

	// Redis event fan-out (optional).
	if cfg.RedisURL != "" {
		rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("closing redis", "error", err)
			}
		}()
		eventfabric.NewRedisSubscriber(rdb, cfg.RedisChannel, logger).Attach(auth.Fabric, "redis-fanout", eventfabric.Filter{})
		logger.Info("redis event fan-out enabled", "channel", cfg.RedisChannel)
	}

	// Slack ops notifications (optional — noop when no token configured).
	slackSub := eventfabric.NewSlackSubscriber(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	if slackSub.IsEnabled() {
		slackSub.Attach(auth.Fabric, "slack-ops", eventfabric.Filter{})
		logger.Info("slack ops notifications enabled", "channel", cfg.SlackAlertChannel)
	} else {
		logger.Info("slack ops notifications disabled (SLACK_BOT_TOKEN or SLACK_ALERT_CHANNEL not set)")
	}

	go schedulerLoop(ctx, auth, cfg, logger)

	metricsReg := telemetry.NewMetricsRegistry()
	srv := opsserver.NewServer(logger, auth, replicaPinger, metricsReg, cfg.CORSAllowedOrigins)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down ops server", "error", err)
		}
	}()

	logger.Info("ops server listening", "addr", cfg.ListenAddr())
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// schedulerLoop is the single periodic driver the core expects: it drains
// the event fabric, sweeps the nonce and rate-limit ledgers, refreshes
// queue gauges, and applies retention pruning.
func schedulerLoop(ctx context.Context, auth *authority.Authority, cfg *config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler loop stopped")
			return
		case now := <-ticker.C:
			auth.RunCycle(now, cfg.DefaultBatchSize)
			auth.Sweep(now)

			m := auth.Fabric.Metrics()
			for p := eventfabric.PriorityCritical; p <= eventfabric.PriorityLow; p++ {
				telemetry.EventQueueDepth.WithLabelValues(p.String()).Set(float64(m.QueueSizes[p]))
			}
			telemetry.EventFabricErrorRate.Set(m.ErrorRate())

			if cfg.AutoPrune {
				cutoff := now.AddDate(0, 0, -cfg.RetentionDays)
				auth.Fabric.PruneHistory(cutoff, cfg.PreserveCritical)
				auth.Correlation.Prune(cutoff)
			}
		}
	}
}

// attachMetricsSubscriber feeds the domain Prometheus counters off the
// audit stream itself, so counting stays consistent with what downstream
// subscribers observe.
func attachMetricsSubscriber(fabric *eventfabric.Fabric) {
	fabric.Subscribe("prometheus", eventfabric.Filter{}, func(e eventfabric.Envelope) error {
		switch e.Type {
		case eventfabric.EventSessionIssued:
			telemetry.SessionsIssuedTotal.Inc()
		case eventfabric.EventSessionRevoked:
			telemetry.SessionsRevokedTotal.WithLabelValues("explicit").Inc()
		case eventfabric.EventDeviceRevoked:
			telemetry.SessionsRevokedTotal.WithLabelValues("device_revoked").Inc()
		case eventfabric.EventSecurityIncident:
			telemetry.LockoutsTotal.Inc()
		}
		return nil
	})
}

// attachReplication mirrors every identity mutation into the replication
// sink by re-reading the authoritative record when its mutation event
// lands on the fabric. A failed write is logged and counted, never
// retried into the core: the fabric's own retry queue redelivers.
func attachReplication(auth *authority.Authority, sink *triadreplica.Sink, logger *slog.Logger) {
	mutations := map[eventfabric.EventType]struct{}{
		eventfabric.EventIdentityCreated:  {},
		eventfabric.EventIdentityDisabled: {},
		eventfabric.EventDeviceAdded:      {},
		eventfabric.EventDeviceRevoked:    {},
		eventfabric.EventDeviceKeyRotated: {},
		eventfabric.EventRoleGranted:      {},
		eventfabric.EventRoleRevoked:      {},
		eventfabric.EventWalletLinked:     {},
	}

	auth.Fabric.Subscribe("replication", eventfabric.Filter{EventTypes: mutations}, func(e eventfabric.Envelope) error {
		id := triad.IdentityId(e.Metadata["principal"])
		rec, ok := auth.Identities.Get(id)
		if !ok {
			return fmt.Errorf("replicating %s: identity %q not found", e.Type, id)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sink.SaveSnapshot(ctx, rec); err != nil {
			telemetry.ReplicaWritesTotal.WithLabelValues("error").Inc()
			logger.Error("replicating identity snapshot", "identity_id", string(id), "error", err)
			return err
		}
		telemetry.ReplicaWritesTotal.WithLabelValues("ok").Inc()
		return nil
	})
}
