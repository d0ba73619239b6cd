package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"commodity-ratewatch/internal/alerting"
	"commodity-ratewatch/internal/api"
	"commodity-ratewatch/internal/city"
	"commodity-ratewatch/internal/config"
	"commodity-ratewatch/internal/fetcher"
	"commodity-ratewatch/internal/ingest"
	"commodity-ratewatch/internal/logging"
	"commodity-ratewatch/internal/metrics"
	"commodity-ratewatch/internal/rates"
	"commodity-ratewatch/internal/scheduler"
	"commodity-ratewatch/internal/storage"
	"commodity-ratewatch/internal/storage/clickhouse"
	"commodity-ratewatch/internal/storage/memory"
	"commodity-ratewatch/internal/storage/postgres"
	"commodity-ratewatch/internal/storage/sqlite"
)

// ErrPairsFailed is returned by one-shot commands when a pair could not be stored.
var ErrPairsFailed = errors.New("one or more city/commodity pairs failed")

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Out     io.Writer

	resolver *city.Resolver
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config:   cfg,
		Logger:   logging.Component(logger, "app"),
		Metrics:  metrics.New(cfg.Metrics.Namespace),
		Out:      os.Stdout,
		resolver: city.Default(),
	}
}

func (a *App) location() *time.Location {
	loc, err := a.Config.Location()
	if err != nil {
		return time.UTC
	}
	return loc
}

// openStore opens the configured backend and applies its schema. Dry runs
// use an in-memory store.
func (a *App) openStore(ctx context.Context, dryRun bool) (storage.PriceStore, func(), error) {
	driver := a.Config.Database.Driver
	if dryRun {
		driver = config.DriverMemory
		a.Logger.Warn().Msg("dry run: records are kept in memory only")
	}

	var (
		store storage.PriceStore
		err   error
	)
	switch driver {
	case config.DriverPostgres:
		store, err = postgres.Open(ctx, a.Config.Database)
	case config.DriverClickHouse:
		store, err = clickhouse.Open(ctx, a.Config.Database)
	case config.DriverSQLite:
		store, err = sqlite.New(a.Config.Database.SQLitePath)
	case config.DriverMemory:
		store = memory.New()
	default:
		return nil, nil, fmt.Errorf("database.driver %q is not supported", driver)
	}
	if err != nil {
		return nil, nil, err
	}

	if m, ok := store.(storage.Migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("migrate %s: %w", driver, err)
		}
	}

	closer := func() {
		if err := store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close store")
		}
	}
	return store, closer, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	cfg := a.Config.Alerting
	var out alerting.Multi
	for _, channel := range cfg.Channels {
		switch strings.ToLower(strings.TrimSpace(channel)) {
		case "slack":
			if cfg.Slack.Enabled {
				out = append(out, alerting.NewSlackNotifier(cfg.Slack.WebhookURL, cfg.Timeout, a.Logger))
			}
		case "telegram":
			if cfg.Telegram.Enabled {
				out = append(out, alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.Timeout, a.Logger))
			}
		case "log":
			out = append(out, alerting.NewLogNotifier(a.Logger))
		default:
			a.Logger.Warn().Str("channel", channel).Msg("unknown alerting channel ignored")
		}
	}
	if len(out) == 0 {
		a.Logger.Warn().Msg("alerting enabled without a configured channel; notifications go to the log")
		return alerting.NewLogNotifier(a.Logger)
	}
	return out
}

func (a *App) newRegistry() fetcher.Registry {
	sc := a.Config.Scraper
	client := fetcher.NewClient(fetcher.HTTPOptions{
		Timeout:         sc.Timeout,
		UserAgent:       sc.UserAgent,
		MaxRetries:      sc.MaxRetries,
		BackoffBase:     sc.BackoffBase,
		BackoffMax:      sc.BackoffMax,
		BreakerFailures: sc.BreakerFailures,
		BreakerOpenFor:  sc.BreakerOpenFor,
	}, a.Logger)

	return fetcher.Registry{
		rates.Egg:   fetcher.NewEggPriceToday(client, a.Config.Source(rates.Egg).BaseURL),
		rates.Copra: fetcher.NewIndiaMartCopra(client, a.Config.Source(rates.Copra).BaseURL),
		rates.Chicken: fetcher.NewOneIndiaChicken(client, a.Config.Source(rates.Chicken).BaseURL,
			a.resolver, sc.PageCacheEntries, sc.PageCacheTTL),
	}
}

// plan lists the sources of the selected commodities.
func (a *App) plan(commodities []rates.Commodity) []fetcher.Source {
	var out []fetcher.Source
	for _, c := range commodities {
		sc := a.Config.Source(c)
		out = append(out, fetcher.Sources(c, fetcher.SourceSpec{
			Cities:        sc.Cities,
			SlugOverrides: sc.SlugOverrides,
		}, a.resolver)...)
	}
	return out
}

func (a *App) commodities(names []string) ([]rates.Commodity, error) {
	if len(names) == 0 {
		names = a.Config.Ingestion.Commodities
	}
	return rates.ParseCommodities(names)
}

func (a *App) newOrchestrator(store storage.PriceStore, registry fetcher.Registry, notifier alerting.Notifier) *ingest.Orchestrator {
	return ingest.New(ingest.Deps{
		Store:    store,
		Live:     registry,
		Fallback: fetcher.Static{},
		Resolver: a.resolver,
		Notifier: notifier,
		Metrics:  a.Metrics,
	}, ingest.Options{
		Workers:      a.Config.Ingestion.Workers,
		Window:       a.Config.Ingestion.HistoryWindow,
		FetchTimeout: a.Config.Scraper.Timeout,
		Location:     a.location(),
		LockKey:      a.Config.Scheduler.AdvisoryLockKey,
		Channels:     a.Config.Alerting.Channels,
	}, a.Logger)
}

func (a *App) newAPI(store storage.PriceStore) (*fiber.App, *api.Queries) {
	queries := api.NewQueries(store, a.resolver, a.Config.API.CacheSize, a.Config.API.CacheTTL)
	return api.NewApp(queries, a.Metrics, api.Options{Name: a.Config.App.Name}, a.Logger), queries
}

// Run executes the scheduler and the query API until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer closeStore()

	commodities, err := a.commodities(nil)
	if err != nil {
		return err
	}
	sched, err := scheduler.New(scheduler.Options{
		Cron:         a.Config.Scheduler.Cron,
		Location:     a.location(),
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)
	if err != nil {
		return err
	}

	orchestrator := a.newOrchestrator(store, a.newRegistry(), a.newNotifier())
	server, queries := a.newAPI(store)
	plan := a.plan(commodities)

	serverErr := a.serve(server)
	defer a.shutdown(server)

	a.Logger.Info().Str("cron", a.Config.Scheduler.Cron).Int("pairs", len(plan)).Msg("starting ingestion service")
	schedErr := make(chan error, 1)
	go func() {
		schedErr <- sched.Run(ctx, func(ctx context.Context, at time.Time) error {
			report, err := orchestrator.Run(ctx, plan)
			if err != nil {
				return err
			}
			queries.Invalidate()
			if report.Failed() > 0 {
				return fmt.Errorf("%w: %d", ErrPairsFailed, report.Failed())
			}
			return nil
		})
	}()

	select {
	case err = <-serverErr:
		cancel()
		<-schedErr
		return err
	case err = <-schedErr:
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("ingestion service stopped")
	return nil
}

// Serve runs only the query API until interrupted.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer closeStore()

	server, _ := a.newAPI(store)
	serverErr := a.serve(server)
	defer a.shutdown(server)

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (a *App) serve(server *fiber.App) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("listen", a.Config.API.Listen).Msg("query api listening")
		if err := server.Listen(a.Config.API.Listen); err != nil {
			errCh <- fmt.Errorf("query api: %w", err)
		}
	}()
	return errCh
}

func (a *App) shutdown(server *fiber.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.ShutdownWithContext(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("error during api shutdown")
	}
}

// IngestOptions configure a one-shot run.
type IngestOptions struct {
	Commodities []string
	DryRun      bool
}

// Ingest runs every configured pair once. It returns ErrPairsFailed when any
// pair failed.
func (a *App) Ingest(ctx context.Context, opts IngestOptions) (*ingest.Report, error) {
	commodities, err := a.commodities(opts.Commodities)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := a.openStore(ctx, opts.DryRun)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	var notifier alerting.Notifier
	if !opts.DryRun {
		notifier = a.newNotifier()
	}
	report, err := a.newOrchestrator(store, a.newRegistry(), notifier).Run(ctx, a.plan(commodities))
	if err != nil {
		return nil, err
	}

	if report.LockHeld {
		fmt.Fprintln(a.Out, "another run holds the ingestion lock; nothing done")
		return report, nil
	}
	for _, c := range report.Commodities() {
		s := report.Summarise(c)
		fmt.Fprintf(a.Out, "%-8s stored=%d skipped=%d no_data=%d fallback=%d failed=%d\n",
			c, s.Stored, s.Skipped, s.NoData, s.Degraded, s.Failed)
	}
	if report.Failed() > 0 {
		return report, fmt.Errorf("%w: %d", ErrPairsFailed, report.Failed())
	}
	return report, nil
}

// Migrate applies the schema of the configured backend.
func (a *App) Migrate(ctx context.Context) error {
	_, closeStore, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	closeStore()
	fmt.Fprintf(a.Out, "schema ready for %s\n", a.Config.Database.Driver)
	return nil
}

// NotifyTest sends a sample success notification to the configured channels.
func (a *App) NotifyTest(ctx context.Context) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}
	notifier := a.newNotifier()
	return notifier.Notify(ctx, alerting.Notification{
		RunID:         "notify-test",
		Commodity:     rates.Egg.String(),
		Success:       true,
		Timestamp:     time.Now().UTC(),
		Channels:      a.Config.Alerting.Channels,
		AdditionalMsg: "test notification",
	})
}

// ExportOptions hold parameters for exporting stored history.
type ExportOptions struct {
	Commodity string
	City      string
	Bucket    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Commodity string
	City      string
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	Commodity string
	Cities    []string
	From      time.Time
	To        time.Time
	DryRun    bool
}
