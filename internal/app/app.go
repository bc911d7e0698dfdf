package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"dropwatch/internal/acquire"
	"dropwatch/internal/adapter"
	"dropwatch/internal/alerting"
	"dropwatch/internal/cache"
	"dropwatch/internal/config"
	"dropwatch/internal/domain"
	"dropwatch/internal/health"
	"dropwatch/internal/hotwindow"
	"dropwatch/internal/model"
	"dropwatch/internal/predict"
	"dropwatch/internal/scan"
	"dropwatch/internal/scheduler"
	"dropwatch/internal/service"
	"dropwatch/internal/signals"
	"dropwatch/internal/storage"
	"dropwatch/internal/trainer"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// runtime holds the components shared by every command.
type runtime struct {
	store      storage.Repository
	kv         cache.Store
	fetcher    *acquire.Fetcher
	monitor    *health.Monitor
	adapters   *adapter.Registry
	models     *model.Registry
	classifier *predict.Classifier
	engine     *predict.Engine
	refresher  *hotwindow.Refresher
	closers    []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *App) build(ctx context.Context) (*runtime, error) {
	rt := &runtime{}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	rt.store = store
	rt.closers = append(rt.closers, store.Close)
	if a.Config.Database.DSN == "" {
		a.Logger.Info().Msg("database.dsn not configured; using in-memory store")
	}

	var redisClient *redis.Client
	if addr := a.Config.Cache.RedisAddr; addr != "" {
		rs := cache.NewRedisStore(&redis.Options{
			Addr:     addr,
			Password: a.Config.Cache.RedisPassword,
			DB:       a.Config.Cache.RedisDB,
		})
		redisClient = rs.Client
		rt.kv = rs
		rt.closers = append(rt.closers, func() { _ = rs.Close() })
	} else {
		rt.kv = cache.NewMemoryStore()
	}

	var pacer acquire.Pacer
	if a.Config.Acquire.SharedPacer && redisClient != nil {
		pacer = acquire.NewRedisPacer(redisClient, a.Config.Cache.KeyPrefix)
	}
	sessions, err := acquire.NewSessionPool(a.Config.Acquire.Proxies)
	if err != nil {
		rt.Close()
		return nil, err
	}
	var renderer acquire.Renderer
	if r := acquire.NewRemoteRenderer(a.Config.Acquire.RenderEndpoint, a.Config.Acquire.RenderToken, a.Config.Acquire.RenderTimeout, a.Config.Acquire.MaxBodyBytes); r != nil {
		renderer = r
	}
	rt.fetcher = acquire.NewFetcher(acquire.FetcherOptions{
		RequestTimeout: a.Config.Acquire.RequestTimeout,
		RenderTimeout:  a.Config.Acquire.RenderTimeout,
		ScrapeFloor:    a.Config.Acquire.ScrapeFloor,
		MaxBodyBytes:   a.Config.Acquire.MaxBodyBytes,
	}, pacer, sessions, renderer, a.Logger)

	rt.monitor = health.NewMonitor(health.Options{
		Window:    a.Config.Health.Window,
		MinSample: a.Config.Health.MinSample,
	}, a.Logger)
	rt.adapters = adapter.NewRegistry(a.overrides(), adapter.Deps{Fetcher: rt.fetcher, Logger: a.Logger}, rt.fetcher, rt.monitor)

	if err := a.seedCatalog(ctx, rt); err != nil {
		rt.Close()
		return nil, err
	}

	snap, err := model.Load(a.Config.Trainer.ArtifactPath)
	if err != nil {
		a.Logger.Warn().Err(err).Str("path", a.Config.Trainer.ArtifactPath).Msg("hour model unreadable; starting empty")
		snap = model.Empty()
	}
	rt.models = model.NewRegistry(snap)

	shadow := a.Config.Predict.Shadow
	cal, err := model.LoadCalibration(shadow.CalibrationPath)
	if err != nil {
		a.Logger.Warn().Err(err).Str("path", shadow.CalibrationPath).Msg("calibration unreadable; using defaults")
		cal = model.DefaultCalibration()
	}
	rt.classifier = predict.NewClassifier(store, store, cal, predict.ClassifierOptions{
		RecentWindow:         shadow.RecentWindow,
		NormalizationCap:     shadow.NormalizationCap,
		AvailabilityLookback: shadow.AvailabilityLookback,
	})
	rt.engine = predict.NewEngine(rt.models, store, rt.classifier, predict.Options{
		DefaultHorizonMinutes: a.Config.Predict.DefaultHorizonMinutes,
		DefaultTopK:           a.Config.Predict.DefaultTopK,
		Shadow: predict.ShadowOptions{
			Enabled:           shadow.Enabled,
			Primary:           shadow.Primary,
			AllowUncalibrated: shadow.AllowUncalibrated,
			Threshold:         shadow.Threshold,
		},
	}, a.Logger)

	hw := a.Config.HotWindow
	rt.refresher = hotwindow.NewRefresher(rt.engine, store, rt.kv, hotwindow.Config{
		KeyPrefix:   a.Config.Cache.KeyPrefix,
		Concurrency: hw.Concurrency,
		PairTimeout: hw.PairTimeout,
	}, a.Logger)

	return rt, nil
}

func (a *App) overrides() map[string]adapter.Override {
	out := make(map[string]adapter.Override, len(a.Config.Retailers))
	for slug, rc := range a.Config.Retailers {
		out[slug] = adapter.Override{
			Enabled:           rc.Enabled,
			BaseURL:           rc.BaseURL,
			APIKey:            rc.APIKey,
			RequestsPerMinute: rc.RequestsPerMinute,
			FetchDetail:       rc.FetchDetail,
		}
	}
	return out
}

// seedCatalog upserts the registered retailers and configured products.
func (a *App) seedCatalog(ctx context.Context, rt *runtime) error {
	for _, r := range rt.adapters.Retailers() {
		if err := rt.store.UpsertRetailer(ctx, r); err != nil {
			return fmt.Errorf("seed retailer %s: %w", r.Slug, err)
		}
	}
	for _, p := range a.Config.Catalog.Products {
		if err := rt.store.UpsertProduct(ctx, productFromConfig(p)); err != nil {
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		}
	}
	return nil
}

func productFromConfig(p config.ProductConfig) domain.Product {
	return domain.Product{ID: p.ID, Name: p.Name, UPC: p.UPC, SKU: p.SKU, Popularity: p.Popularity, Active: true}
}

func (a *App) product(id string) (domain.Product, bool) {
	for _, p := range a.Config.Catalog.Products {
		if p.ID == id {
			return productFromConfig(p), true
		}
	}
	return domain.Product{}, false
}

func (a *App) newTrainer(rt *runtime) *trainer.Trainer {
	return trainer.New(rt.store, rt.models, trainer.Options{
		HorizonDays:     a.Config.Trainer.HorizonDays,
		MaxRows:         a.Config.Trainer.MaxRows,
		ArtifactPath:    a.Config.Trainer.ArtifactPath,
		Calibrate:       a.Config.Trainer.Calibrate,
		CalibrationPath: a.Config.Predict.Shadow.CalibrationPath,
	}, a.Logger).WithCalibrationSink(rt.classifier)
}

func (a *App) newWatcher() *alerting.Watcher {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	var notifier alerting.Notifier
	if tg := a.Config.Alerting.Telegram; tg.Enabled {
		notifier = alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NewWatcher(notifier, a.Config.Alerting.Channels, a.Config.Alerting.Cooldown, a.Logger)
}

// Run executes the long-running scan service.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	bus := signals.NewBus(rt.store, 1024, a.Logger)
	observer := signals.NewObserver(bus, rt.store, a.Logger)
	sc := a.Config.Scan
	if opts.Workers > 0 {
		sc.Workers = opts.Workers
	}
	retailers := rt.adapters.Slugs()
	pool := scan.New(rt.adapters, rt.store, observer, rt.refresher, scan.Options{
		Workers:      sc.Workers,
		Interval:     sc.Interval,
		HotInterval:  sc.HotInterval,
		CallTimeout:  sc.CallTimeout,
		RetryBackoff: sc.RetryBackoff,
		TopProducts:  sc.TopProducts,
		Retailers:    retailers,
	}, a.Logger)

	var tr *trainer.Trainer
	if !opts.SkipTrain {
		tr = a.newTrainer(rt)
	}

	hw := a.Config.HotWindow
	svc := service.New(service.Deps{
		Bus:       bus,
		Recorder:  signals.NewRecorder(rt.store, a.Logger),
		Scan:      pool,
		Refresher: rt.refresher,
		Trainer:   tr,
		Monitor:   rt.monitor,
		Watcher:   a.newWatcher(),
		Locker:    rt.store,
	}, service.Options{
		ScanTick: scheduler.Options{
			Interval:   sc.HotInterval,
			RunAtStart: true,
		},
		RefreshTick: scheduler.Options{
			Interval:     hw.Interval,
			AlignToStart: hw.AlignToBucket,
			StartupDelay: hw.StartupDelay,
			RunAtStart:   true,
		},
		Refresh: hotwindow.Options{
			TopN:           hw.TopN,
			Retailers:      hw.Retailers,
			HorizonMinutes: hw.HorizonMinutes,
			TopK:           hw.TopK,
		},
		TrainSchedule: a.Config.Trainer.Schedule,
		LockKey:       hw.AdvisoryLockKey,
	}, a.Logger)

	a.Logger.Info().Strs("retailers", retailers).Int("workers", sc.Workers).Msg("starting scan service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("scan service stopped")
	return nil
}

// RunOptions override service settings from the command line.
type RunOptions struct {
	Workers   int
	SkipTrain bool
}

// CheckOptions select one retailer lookup.
type CheckOptions struct {
	Retailer  string
	ProductID string
	UPC       string
	SKU       string
	Query     string
	ZIP       string
	Radius    int
	JSON      bool
}

// PredictOptions mirror predict.Query plus output format.
type PredictOptions struct {
	ProductID      string
	Retailer       string
	HorizonMinutes int
	TopK           int
	JSON           bool
}

// ExportOptions hold parameters for exporting the hour model and outcomes.
type ExportOptions struct {
	CSVPath         string
	PNGPath         string
	OutcomesCSVPath string
	Retailers       []string
	MaxRows         int
}

// OutcomesOptions configure the outcomes command.
type OutcomesOptions struct {
	Limit int
}

// ReplayOptions configure re-deriving drop outcomes from stored signals.
type ReplayOptions struct {
	From      time.Time
	To        time.Time
	DryRun    bool
	BatchSize int
}
