package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"tracking-core/internal/api"
	"tracking-core/internal/engine"
	"tracking-core/internal/events"
	"tracking-core/internal/mode"
	"tracking-core/internal/monitor"
	"tracking-core/internal/notify"
	"tracking-core/internal/persistence"
	"tracking-core/internal/reconciliation"
	"tracking-core/internal/risk"
	"tracking-core/internal/scheduler"
	"tracking-core/internal/store"
	"tracking-core/internal/tracker"
	"tracking-core/internal/venue"
	"tracking-core/pkg/config"
	"tracking-core/pkg/crypto"
	"tracking-core/pkg/db"
	"tracking-core/pkg/logger"
	"tracking-core/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(cfg.LogLevel, cfg.Development, "tracking-core")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	app := fx.New(
		fx.Supply(cfg, zl),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		tracingModule(),
		storeModule(),
		venueModule(),
		coreModule(),
		alertsModule(),
		apiModule(),
	)
	app.Run()
	if err := app.Err(); err != nil {
		zl.Error("app stopped", zap.Error(err))
		os.Exit(1)
	}
}

func tracingModule() fx.Option {
	return fx.Module("tracing",
		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) error {
			_, closer, err := tracing.Init(tracing.Config{
				ServiceName: "tracking-core",
				Host:        cfg.TracingHost,
				Port:        cfg.TracingPort,
				SampleRate:  cfg.TracingSampleRate,
			}, log)
			if err != nil {
				return err
			}
			lc.Append(fx.Hook{OnStop: func(context.Context) error { return closer.Close() }})
			return nil
		}),
	)
}

func storeModule() fx.Option {
	return fx.Module("store",
		fx.Provide(
			func(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*store.Router, error) {
				r, err := store.Open(store.DSNs{Demo: cfg.DemoDSN, Real: cfg.RealDSN, Catalog: cfg.CatalogDSN}, log)
				if err != nil {
					return nil, err
				}
				lc.Append(fx.Hook{OnStop: func(context.Context) error { return r.Close() }})
				return r, nil
			},
			func(lc fx.Lifecycle, cfg *config.Config, r *store.Router, log *zap.Logger) (*persistence.PriceLogs, error) {
				dbs := make(map[mode.Mode]*db.Database, len(mode.All))
				for _, m := range mode.All {
					st, err := r.Store(m)
					if err != nil {
						return nil, err
					}
					dbs[m] = st.Database()
				}
				logs := persistence.NewPriceLogs(dbs, cfg.PriceLogBatch, cfg.PriceLogFlush, log.Named("price_log"))
				lc.Append(fx.Hook{OnStop: func(context.Context) error { return logs.Close() }})
				return logs, nil
			},
		),
		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, r *store.Router, log *zap.Logger) {
			lc.Append(fx.Hook{OnStart: func(ctx context.Context) error {
				n, err := r.Catalog().SeedFile(ctx, cfg.CatalogFile)
				if err != nil {
					return err
				}
				if n > 0 {
					log.Info("catalog seeded", zap.Int("providers", n), zap.String("path", cfg.CatalogFile))
				}
				return nil
			}})
		}),
	)
}

func venueModule() fx.Option {
	return fx.Module("venue",
		fx.Provide(
			events.NewBus,
			venue.NewCachePrices,
			func(cfg *config.Config) (venue.CredentialStore, error) {
				if cfg.CredentialsFile == "" {
					return venue.NewStaticCredentials(), nil
				}
				keys, err := crypto.NewKeyring(cfg.EncryptionKeys...)
				if err != nil {
					return nil, err
				}
				data, err := os.ReadFile(cfg.CredentialsFile)
				if err != nil {
					return nil, err
				}
				return venue.LoadSealedCredentials(data, keys)
			},
			func(cfg *config.Config, prices *venue.CachePrices, log *zap.Logger) *venue.Registry {
				paper := venue.DefaultPaperConfig()
				paper.FeeRate = decimal.NewFromFloat(cfg.PaperFeeRate)
				paper.SlippageBps = cfg.PaperSlippageBps
				paper.InitialBalance = decimal.NewFromFloat(cfg.PaperInitialBalance)
				reg := venue.NewRegistry()
				reg.Register(venue.KindPaper, venue.PaperFactory(prices, paper, log))
				return reg
			},
			func(cfg *config.Config, r *store.Router, reg *venue.Registry, creds venue.CredentialStore, log *zap.Logger) *venue.Manager {
				vcfg := venue.DefaultConfig()
				vcfg.RatePerSecond = cfg.VenueRatePerSecond
				vcfg.Burst = cfg.VenueBurst
				if cfg.VenuePoolSize > 0 {
					vcfg.MaxSize = cfg.VenuePoolSize
				}
				if cfg.VenueIdleTimeout > 0 {
					vcfg.IdleTimeout = cfg.VenueIdleTimeout
				}
				return venue.NewManager(r.Catalog(), reg, creds, vcfg, log)
			},
		),
		fx.Invoke(func(lc fx.Lifecycle, mgr *venue.Manager) {
			ctx, cancel := context.WithCancel(context.Background())
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error { mgr.Start(ctx); return nil },
				OnStop: func(context.Context) error {
					cancel()
					mgr.Stop()
					return nil
				},
			})
		}),
		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, prices *venue.CachePrices, bus *events.Bus) {
			if len(cfg.PaperStartPrices) == 0 {
				return
			}
			start := make(map[string]decimal.Decimal, len(cfg.PaperStartPrices))
			for sym, p := range cfg.PaperStartPrices {
				start[sym] = decimal.NewFromFloat(p)
			}
			walk := &venue.RandomWalk{Prices: prices, Bus: bus, Start: start, StepPct: cfg.PaperWalkStepPct, Interval: cfg.PaperWalkInterval}
			ctx, cancel := context.WithCancel(context.Background())
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error { walk.Run(ctx); return nil },
				OnStop:  func(context.Context) error { cancel(); return nil },
			})
		}),
	)
}

func riskConfig(s config.RiskSettings) risk.Config {
	rc := risk.DefaultConfig()
	rc.DefaultStopLossPct = decimal.NewFromFloat(s.DefaultStopLossPct)
	rc.DefaultTakeProfitPct = decimal.NewFromFloat(s.DefaultTakeProfitPct)
	rc.UseTrailingStop = s.UseTrailingStop
	if s.TrailingDistancePct > 0 {
		rc.TrailingDistancePct = decimal.NewFromFloat(s.TrailingDistancePct)
	}
	if s.TrailingActivationPct > 0 {
		rc.TrailingActivationPct = decimal.NewFromFloat(s.TrailingActivationPct)
	}
	rc.UseBreakEven = s.UseBreakEven
	if s.BreakEvenActivationPct > 0 {
		rc.BreakEvenActivationPct = decimal.NewFromFloat(s.BreakEvenActivationPct)
	}
	return rc
}

func coreModule() fx.Option {
	return fx.Module("core",
		fx.Provide(
			monitor.NewSweepMetrics,
			func(cfg *config.Config, r *store.Router, mgr *venue.Manager, bus *events.Bus, metrics *monitor.SweepMetrics, log *zap.Logger) *reconciliation.OrderMonitor {
				om := reconciliation.NewOrderMonitor(r, mgr, reconciliation.Config{
					BatchSize:    cfg.BatchSize,
					BatchPause:   cfg.BatchPause,
					VenueTimeout: cfg.VenueTimeout,
					Risk:         riskConfig(cfg.Risk),
				}, bus, log)
				om.ObserveVenueLatency(metrics.VenueLatency)
				return om
			},
			func(cfg *config.Config, r *store.Router, mgr *venue.Manager, logs *persistence.PriceLogs, bus *events.Bus, metrics *monitor.SweepMetrics, log *zap.Logger) *tracker.Tracker {
				t := tracker.New(r, mgr, nil, logs, bus, tracker.Config{
					BatchSize:    cfg.BatchSize,
					BatchPause:   cfg.BatchPause,
					VenueTimeout: cfg.VenueTimeout,
				}, log)
				t.ObserveVenueLatency(metrics.VenueLatency)
				return t
			},
			func(cfg *config.Config, r *store.Router, mgr *venue.Manager, reg *venue.Registry, om *reconciliation.OrderMonitor, t *tracker.Tracker, bus *events.Bus, metrics *monitor.SweepMetrics, log *zap.Logger) engine.Service {
				return engine.NewImpl(engine.Config{
					Router:  r,
					Venues:  mgr,
					Orders:  om,
					Tracker: t,
					Bus:     bus,
					Log:     log,
					Meta:    engine.SystemMeta{Version: cfg.Version, PaperOnly: len(reg.Kinds()) == 1},
					Pool:    mgr,
					Kinds:   reg,
					Sweeps:  metrics,
				})
			},
			func(cfg *config.Config, om *reconciliation.OrderMonitor, t *tracker.Tracker, mgr *venue.Manager, metrics *monitor.SweepMetrics, bus *events.Bus, log *zap.Logger) *scheduler.Scheduler {
				return scheduler.New(om, t, mgr, metrics, bus, scheduler.Config{
					OrderInterval:    cfg.OrderInterval,
					PositionInterval: cfg.PositionInterval,
				}, log)
			},
		),
		fx.Invoke(func(lc fx.Lifecycle, s *scheduler.Scheduler, _ engine.Service) {
			ctx, cancel := context.WithCancel(context.Background())
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error { s.Start(ctx); return nil },
				OnStop: func(context.Context) error {
					cancel()
					s.Stop()
					return nil
				},
			})
		}),
	)
}

func alertsModule() fx.Option {
	return fx.Module("alerts",
		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, bus *events.Bus, log *zap.Logger) {
			sinks := notify.Multi{notify.NewLog(log)}
			if cfg.TelegramToken != "" {
				tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
				if err != nil {
					log.Warn("telegram alerts disabled", zap.Error(err))
				} else {
					sinks = append(sinks, tg)
				}
			}
			m := &monitor.Monitor{Bus: bus, Sink: sinks, Rules: monitor.DefaultRules(), Log: log}
			ctx, cancel := context.WithCancel(context.Background())
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error { m.Start(ctx); return nil },
				OnStop:  func(context.Context) error { cancel(); return nil },
			})
		}),
	)
}

func apiModule() fx.Option {
	return fx.Module("api",
		fx.Provide(func(cfg *config.Config, svc engine.Service, bus *events.Bus, metrics *monitor.SweepMetrics, log *zap.Logger) *api.Server {
			if !cfg.Development {
				gin.SetMode(gin.ReleaseMode)
			}
			return api.NewServer(svc, bus, metrics, api.Options{
				JWTSecret:      cfg.JWTSecret,
				RequestTimeout: cfg.RequestTimeout,
				RatePerSecond:  cfg.APIRatePerSecond,
				RateBurst:      cfg.APIRateBurst,
			}, log)
		}),
		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, s *api.Server, log *zap.Logger) {
			srv := s.HTTPServer(":" + cfg.Port)
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					go func() {
						log.Info("api listening", zap.String("addr", srv.Addr))
						if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
							log.Error("api server stopped", zap.Error(err))
						}
					}()
					return nil
				},
				OnStop: func(ctx context.Context) error { return srv.Shutdown(ctx) },
			})
		}),
	)
}
