// Command controlplane runs the platform control plane: the metered /v1
// gateway, the fleet command channel, billing crons, and the admin API,
// all in one process over one Postgres database.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wopr/platform/internal/api"
	"github.com/wopr/platform/internal/audit"
	"github.com/wopr/platform/internal/billing"
	"github.com/wopr/platform/internal/config"
	"github.com/wopr/platform/internal/credit"
	"github.com/wopr/platform/internal/database"
	"github.com/wopr/platform/internal/deletion"
	"github.com/wopr/platform/internal/gateway"
	"github.com/wopr/platform/internal/imagewatch"
	"github.com/wopr/platform/internal/ledger"
	"github.com/wopr/platform/internal/meter"
	"github.com/wopr/platform/internal/metrics"
	"github.com/wopr/platform/internal/migration"
	"github.com/wopr/platform/internal/nodes"
	"github.com/wopr/platform/internal/notify"
	"github.com/wopr/platform/internal/placement"
	"github.com/wopr/platform/internal/snapshot"
	"github.com/wopr/platform/internal/store"
)

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		slog.Error("database open failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := database.Migrate(db); err != nil {
		slog.Error("migrations failed", "error", err)
		os.Exit(1)
	}
	stores := store.New(db)

	// Balance cache is optional: no Redis means every read hits Postgres.
	var cache store.BalanceCache = store.NopBalanceCache{}
	closeCache := func() error { return nil }
	if cfg.Redis.Addr != "" {
		rc, err := store.NewRedisBalanceCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, 30*time.Second)
		if err != nil {
			slog.Warn("redis unavailable, running without balance cache", "error", err)
		} else {
			cache = rc
			closeCache = rc.Close
		}
	}
	defer closeCache()

	met := metrics.New()
	auditor := audit.NewRecorder(stores.Audit)
	notifier := notify.New(cfg.Notify.AdminWebhookURL)
	defer notifier.Close()

	led := ledger.NewService(stores.Ledger, cache, met)
	bill := billing.NewService(stores.BotBilling, stores.Addons, led, auditor,
		credit.FromCents(cfg.Billing.PerBotDailyCents))
	led.OnCredit(func(ctx context.Context, tenantID string) {
		if _, err := bill.CheckReactivation(ctx, tenantID); err != nil {
			slog.Warn("reactivation check failed", "tenant", tenantID, "error", err)
		}
	})

	emitter, err := meter.NewEmitter(stores.Meter, met, meter.EmitterOptions{
		WALPath:       cfg.Meter.WALPath,
		DLQPath:       cfg.Meter.DLQPath,
		FlushInterval: cfg.Meter.FlushInterval,
		BatchSize:     cfg.Meter.BatchSize,
		MaxRetries:    cfg.Meter.MaxRetries,
	})
	if err != nil {
		slog.Error("meter emitter init failed", "error", err)
		os.Exit(1)
	}
	agg := meter.NewAggregator(stores.Meter, stores.Summary, time.Minute)
	agg.Start()

	// Fleet: transport carries the command channel, the monitor watches
	// heartbeats, and offline nodes trigger automatic recovery.
	transport := nodes.NewTransport(stores.Nodes, met)
	registry := nodes.NewRegistry(stores.Nodes, stores.NodeSecrets, stores.Tokens, auditor, cfg.NodeSecret)
	monitor := nodes.NewMonitor(stores.Nodes, met, cfg.Fleet.HeartbeatGrace)
	transport.OnHeartbeat(monitor.HeartbeatReceived)

	placer := placement.NewService(stores.Nodes, stores.Bots, stores.Recovery, transport, notifier, met)
	monitor.OnOffline(func(ctx context.Context, nodeID string) {
		if _, err := placer.TriggerRecovery(ctx, nodeID, store.RecoveryAuto); err != nil {
			slog.Error("auto recovery failed", "node", nodeID, "error", err)
		}
	})
	migrator := migration.NewOrchestrator(stores.Bots, stores.Nodes, placer, transport, notifier, met)

	watcher := imagewatch.NewWatcher(stores.Bots, transport, imagewatch.NewRegistryProber(),
		func(ctx context.Context, botID, newDigest string) {
			bot, err := stores.Bots.Get(ctx, botID)
			if err != nil || !bot.NodeID.Valid {
				return
			}
			_, err = transport.Send(ctx, bot.NodeID.String, nodes.CmdBotRestart, map[string]interface{}{
				"botId":       botID,
				"imageDigest": newDigest,
			}, cfg.Fleet.CommandTimeout)
			if err != nil {
				slog.Warn("image update restart failed", "bot", botID, "error", err)
			}
		})

	snaps := snapshot.NewManager(stores.Snapshots, cfg.SnapshotDir)
	snaps.SetRetain(cfg.Snapshots.RetainPerInstance)

	deletions := deletion.NewService(stores.Deletions, auditor,
		func(ctx context.Context, tenantID string) (map[string]interface{}, error) {
			bots, err := stores.Bots.ListByTenant(ctx, tenantID)
			if err != nil {
				return nil, err
			}
			removed, stopFailures := 0, 0
			for _, bot := range bots {
				if bot.NodeID.Valid && transport.Connected(bot.NodeID.String) {
					if _, err := transport.Send(ctx, bot.NodeID.String, nodes.CmdBotStop,
						map[string]interface{}{"botId": bot.ID}, cfg.Fleet.CommandTimeout); err != nil {
						stopFailures++
					}
				}
				if err := stores.Bots.Delete(ctx, bot.ID); err != nil {
					return nil, err
				}
				removed++
			}
			return map[string]interface{}{
				"botsRemoved":  removed,
				"stopFailures": stopFailures,
			}, nil
		})

	// Gateway pipeline.
	limiter := gateway.NewRateLimiter(stores.RateLimits, cfg.Gateway.RateLimits, cfg.Gateway.RateLimitDefault, met)
	breaker := gateway.NewBreaker(stores.Breakers, cfg.Gateway.BreakerThreshold,
		cfg.Gateway.BreakerWindow, cfg.Gateway.BreakerResetAfter, met)
	spend := gateway.NewSpendChecker(stores.Spending, stores.Summary, stores.Meter, notifier, met)
	providers := gateway.NewRegistry(cfg.Providers, stores.ProviderHealth, cfg.Gateway.UpstreamTimeout)
	twilio := gateway.NewTwilioValidator(cfg.Gateway.TwilioAuthToken, cfg.Gateway.WebhookBaseURL, stores.RateLimits)
	gw := gateway.New(cfg.Gateway, gateway.NewAuthenticator(stores.ServiceKeys),
		limiter, breaker, spend, providers, twilio, emitter, led, stores.WebhookSeen, met)

	srv := api.NewServer(registry, transport, placer, migrator, snaps, deletions, stores,
		func(ctx context.Context, tenantID string) (int64, error) {
			bal, err := led.Balance(ctx, tenantID)
			return bal.Raw(), err
		},
		api.Options{
			PlatformDomain: cfg.PlatformDomain,
			FleetAPIToken:  cfg.FleetAPIToken,
			AdminToken:     os.Getenv("ADMIN_API_TOKEN"),
			DLQPath:        cfg.Meter.DLQPath,
			HomeBase:       cfg.HomeBase,
		})
	router := srv.Router()
	gw.Routes(router)

	// Background loops.
	monitor.Start()
	if err := bill.Start(ctx); err != nil {
		slog.Error("billing cron start failed", "error", err)
		os.Exit(1)
	}
	if err := deletions.Start(); err != nil {
		slog.Error("deletion cron start failed", "error", err)
		os.Exit(1)
	}
	if err := watcher.TrackAll(ctx); err != nil {
		slog.Warn("image watcher startup scan failed", "error", err)
	}
	go limiter.PurgeLoop(ctx)
	go purgeWebhookSeen(ctx, stores.WebhookSeen)

	slog.Info("control plane listening", "port", cfg.Server.Port, "env", cfg.Server.Env)
	if err := api.Serve(ctx, ":"+cfg.Server.Port, router); err != nil {
		slog.Error("server exited", "error", err)
	}

	// Stop order: no new work, then flush what is in flight.
	watcher.Stop()
	monitor.Stop()
	bill.Stop()
	deletions.Stop()
	agg.Stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	emitter.Close(flushCtx)

	slog.Info("control plane stopped")
}

// purgeWebhookSeen trims the webhook dedupe table. Twilio retries for at
// most a few hours, so 48h of history is plenty.
func purgeWebhookSeen(ctx context.Context, seen store.WebhookSeenRepo) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := seen.PurgeExpired(ctx, 48*time.Hour); err != nil {
				slog.Warn("webhook dedupe purge failed", "error", err)
			} else if n > 0 {
				slog.Debug("webhook dedupe purged", "rows", n)
			}
		}
	}
}
