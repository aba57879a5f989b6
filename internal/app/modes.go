package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/quantfold/fundinghunter/internal/blob/s3"
	"github.com/quantfold/fundinghunter/internal/crypto"
	"github.com/quantfold/fundinghunter/internal/domain"
	"github.com/quantfold/fundinghunter/internal/engine"
	"github.com/quantfold/fundinghunter/internal/feed"
	"github.com/quantfold/fundinghunter/internal/metrics"
	"github.com/quantfold/fundinghunter/internal/notify"
	"github.com/quantfold/fundinghunter/internal/platform/binance"
	"github.com/quantfold/fundinghunter/internal/scheduler"
	"github.com/quantfold/fundinghunter/internal/server"
	"github.com/quantfold/fundinghunter/internal/server/handler"
	"github.com/quantfold/fundinghunter/internal/server/ws"
	"github.com/quantfold/fundinghunter/internal/service"
	"github.com/quantfold/fundinghunter/internal/signal"
)

// acceptConcurrency bounds how many entries one scan cycle drives in
// parallel.
const acceptConcurrency = 4

// exchange bundles the Binance adapter pieces shared by the modes.
type exchange struct {
	client  *binance.Client
	feed    *binance.Feed
	gateway *binance.Gateway
}

// buildExchange constructs the authenticated Binance adapter. The API secret
// may come from config, environment, or an encrypted secret file.
func (a *App) buildExchange(deps *Dependencies) (*exchange, error) {
	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:           a.cfg.Binance.ApiSecret,
		EncryptedSecretPath: a.cfg.Binance.EncryptedSecretPath,
		Password:            a.cfg.Binance.SecretPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("load api secret: %w", err)
	}

	signer := crypto.NewHMACSigner(a.cfg.Binance.ApiKey, secret)
	client := binance.NewClient(a.cfg.Binance.BaseURL, signer, a.cfg.Binance.RecvWindowMs, a.logger)
	if deps.RateLimiter != nil && a.cfg.Binance.OrdersPerSecond > 0 {
		client.SetRateLimiter(deps.RateLimiter, a.cfg.Binance.OrdersPerSecond)
	}

	rateFeed := binance.NewFeed(client)
	return &exchange{
		client:  client,
		feed:    rateFeed,
		gateway: binance.NewGateway(client, rateFeed, a.logger),
	}, nil
}

// engineConfig maps the file configuration onto the lifecycle engine.
func (a *App) engineConfig() engine.Config {
	ec := a.cfg.Engine
	return engine.Config{
		OrderTimeout:      ec.OrderTimeout.Duration,
		ReconcileInterval: ec.ReconcileInterval.Duration,
		EntryBackoff: engine.BackoffPolicy{
			Base:        ec.EntryBackoffBase.Duration,
			MaxAttempts: ec.EntryMaxAttempts,
		},
		ProtectionBackoff: engine.BackoffPolicy{
			Base:    ec.ProtectionBackoffBase.Duration,
			Ceiling: ec.ProtectionBackoffCeiling.Duration,
		},
		CancelBackoff: engine.BackoffPolicy{
			Base:        ec.EntryBackoffBase.Duration,
			MaxAttempts: ec.CancelMaxAttempts,
		},
		StopLossPct:         a.cfg.Risk.StopLossPct,
		TakeProfitBufferPct: a.cfg.Risk.TakeProfitBufferPct,
		DistributedLock:     ec.DistributedLock,
		LockTTL:             ec.LockTTL.Duration,
	}
}

// evaluatorConfig maps the strategy configuration onto the signal evaluator.
func (a *App) evaluatorConfig() signal.Config {
	sc := a.cfg.Strategy
	return signal.Config{
		ThresholdPct:      sc.ThresholdPct,
		LongThresholdPct:  sc.LongThresholdPct,
		ShortThresholdPct: sc.ShortThresholdPct,
		Policy:            signal.DirectionPolicy(sc.DirectionPolicy),
		QuoteAmount:       sc.QuoteAmount,
		MaxSignals:        sc.MaxNewEntries,
		TTL:               sc.SignalTTL.Duration,
	}
}

// TradeMode runs the trading core: scheduled funding scans feeding the
// lifecycle engine, the user data stream, and the ops server.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")
	return a.runTrading(ctx, deps, false)
}

// FullMode runs everything TradeMode runs plus the retention archiver and
// the WebSocket event hub.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	return a.runTrading(ctx, deps, true)
}

func (a *App) runTrading(ctx context.Context, deps *Dependencies, full bool) error {
	g, ctx := errgroup.WithContext(ctx)

	exch, err := a.buildExchange(deps)
	if err != nil {
		return fmt.Errorf("app: exchange: %w", err)
	}

	publisher := notify.NewPublisher(deps.Notifier, a.logger)
	positionSvc := service.NewPositionService(
		deps.PositionStore, deps.OrderStore, deps.AuditStore,
		deps.SignalBus, publisher, a.logger,
	)

	eng := engine.New(a.engineConfig(), exch.gateway, positionSvc, a.logger)
	if a.cfg.Engine.DistributedLock && deps.LockManager != nil {
		eng.SetLockManager(deps.LockManager)
	}

	// Rebuild the in-memory registry from the store before anything trades,
	// so a restart picks up live exposure where it left off. The first
	// reconciliation sweep repairs whatever shifted while we were down.
	if deps.PositionStore != nil {
		restored, err := positionSvc.ActivePositions(ctx)
		if err != nil {
			return fmt.Errorf("app: restore positions: %w", err)
		}
		eng.Restore(restored)
		if len(restored) > 0 {
			a.logger.InfoContext(ctx, "restored active positions", slog.Int("count", len(restored)))
		}
	}

	g.Go(func() error {
		return eng.Run(ctx)
	})

	// User data stream: protective fills reach the engine push-style; the
	// reconciliation sweep backstops anything the stream drops.
	stream := binance.NewUserStream(exch.client, a.cfg.Binance.WsURL, a.logger)
	stream.OnOrderUpdate(eng.OnOrderUpdate)
	if err := stream.Connect(ctx); err != nil {
		return fmt.Errorf("app: user stream: %w", err)
	}
	g.Go(func() error {
		<-ctx.Done()
		_ = stream.Close()
		return ctx.Err()
	})

	scanner := feed.NewScanner(exch.feed, deps.RateCache, a.cfg.Scheduler.ScanRetries, a.logger)
	evaluator := signal.NewEvaluator(a.evaluatorConfig(), a.logger)
	sched := scheduler.New(
		scheduler.Mode(a.cfg.Scheduler.Mode),
		a.cfg.Scheduler.WindowSec,
		a.cfg.Scheduler.ScanInterval.Duration,
		a.logger,
	)
	g.Go(func() error {
		return sched.Run(ctx, a.scanCycle(scanner, evaluator, eng))
	})

	var hub *ws.Hub
	if full {
		if a.cfg.Archive.Enabled && deps.ArchiveWriter != nil &&
			deps.PositionStore != nil && deps.OrderStore != nil {
			archiver := s3blob.NewArchiver(s3blob.ArchiverConfig{
				RetentionDays: a.cfg.Archive.RetentionDays,
				Interval:      a.cfg.Archive.Interval.Duration,
			}, deps.ArchiveWriter, deps.PositionStore, deps.OrderStore, deps.AuditStore, a.logger)
			g.Go(func() error {
				archiver.Run(ctx)
				return ctx.Err()
			})
		}

		if deps.SignalBus != nil {
			hub = ws.NewHub(deps.SignalBus, service.EventsChannel, ws.Config{
				Mode:      a.cfg.Mode,
				StartedAt: a.startedAt,
			}, a.logger)
			g.Go(func() error {
				return hub.Run(ctx)
			})
		}
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, eng, positionSvc, exch.feed, hub)
	}

	return g.Wait()
}

// MonitorMode scans and evaluates without ever placing an order. Candidate
// signals are logged and published; the ops server serves rates and health.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	exch, err := a.buildExchange(deps)
	if err != nil {
		return fmt.Errorf("app: exchange: %w", err)
	}

	scanner := feed.NewScanner(exch.feed, deps.RateCache, a.cfg.Scheduler.ScanRetries, a.logger)
	evaluator := signal.NewEvaluator(a.evaluatorConfig(), a.logger)
	sched := scheduler.New(
		scheduler.Mode(a.cfg.Scheduler.Mode),
		a.cfg.Scheduler.WindowSec,
		a.cfg.Scheduler.ScanInterval.Duration,
		a.logger,
	)

	g.Go(func() error {
		return sched.Run(ctx, func(ctx context.Context) {
			start := time.Now()
			samples, err := scanner.Scan(ctx)
			metrics.RecordScan(err, time.Since(start).Seconds())
			if err != nil {
				a.logger.ErrorContext(ctx, "scan failed", slog.String("error", err.Error()))
				return
			}
			observeRates(samples)

			for _, sig := range evaluator.Evaluate(samples, nil) {
				metrics.SignalsGenerated.WithLabelValues(string(sig.Direction)).Inc()
				a.logger.InfoContext(ctx, "signal candidate (monitor mode, not traded)",
					slog.String("symbol", sig.Symbol),
					slog.String("direction", string(sig.Direction)),
					slog.Float64("rate_pct", sig.TriggerRate*100),
				)
			}
		})
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, nil, nil, exch.feed, nil)
	}

	return g.Wait()
}

// scanCycle returns the TickFunc for one trading scan: fetch rates, evaluate
// against current exposure, and drive accepted signals into the engine.
func (a *App) scanCycle(scanner *feed.Scanner, evaluator *signal.Evaluator, eng *engine.Engine) scheduler.TickFunc {
	return func(ctx context.Context) {
		start := time.Now()
		samples, err := scanner.Scan(ctx)
		metrics.RecordScan(err, time.Since(start).Seconds())
		if err != nil {
			a.logger.ErrorContext(ctx, "scan failed", slog.String("error", err.Error()))
			return
		}
		observeRates(samples)

		signals := evaluator.Evaluate(samples, eng.ActiveSymbols())
		if len(signals) == 0 {
			return
		}

		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(acceptConcurrency)
		for _, sig := range signals {
			metrics.SignalsGenerated.WithLabelValues(string(sig.Direction)).Inc()
			g.Go(func() error {
				if err := eng.Accept(ctx, sig); err != nil {
					a.logger.WarnContext(ctx, "signal not entered",
						slog.String("symbol", sig.Symbol),
						slog.String("error", err.Error()),
					)
				}
				// Entry failures never abort the cycle's other entries.
				return nil
			})
		}
		_ = g.Wait()
	}
}

// startHTTPServer registers the ops API routes available for the current
// dependency set and runs the server on the errgroup. eng and positionSvc
// are nil in monitor mode.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	eng *engine.Engine,
	positionSvc *service.PositionService,
	rateFeed *binance.Feed,
	hub *ws.Hub,
) {
	health := handler.NewHealthHandler(a.logger)
	if deps.Postgres != nil {
		health.Register("postgres", deps.Postgres.Pool().Ping)
	}
	if deps.RedisClient != nil {
		health.Register("redis", deps.RedisClient.Ping)
	}
	if deps.S3Client != nil {
		health.Register("s3", deps.S3Client.Health)
	}

	handlers := server.Handlers{
		Health: health,
		Rates:  handler.NewRatesHandler(rateFeed, deps.RateCache, a.logger),
	}

	if eng != nil {
		handlers.Status = handler.NewStatusHandler(a.cfg.Mode, a.startedAt, eng)
		var history handler.PositionHistory
		if positionSvc != nil && deps.PositionStore != nil {
			history = positionSvc
		}
		handlers.Positions = handler.NewPositionHandler(eng, history, a.logger)
	} else {
		handlers.Status = handler.NewStatusHandler(a.cfg.Mode, a.startedAt, nil)
	}

	if positionSvc != nil && deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(positionSvc, a.logger)
	}
	if deps.ArchiveReader != nil {
		handlers.Archives = handler.NewArchiveHandler(deps.ArchiveReader, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimiter:     deps.RateLimiter,
		RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	})
}

// observeRates feeds scan samples into the funding-rate histogram.
func observeRates(samples []domain.RateSample) {
	for _, s := range samples {
		metrics.FundingRateObserved.Observe(s.RatePct())
	}
}
