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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dcabot/internal/alerting"
	"dcabot/internal/cache"
	"dcabot/internal/config"
	"dcabot/internal/exchange"
	"dcabot/internal/execution"
	"dcabot/internal/fetcher"
	"dcabot/internal/lock"
	"dcabot/internal/plans"
	"dcabot/internal/reconcile"
	"dcabot/internal/schedule"
	"dcabot/internal/scheduler"
	"dcabot/internal/service"
	"dcabot/internal/storage"
	"dcabot/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output.
	Out io.Writer

	// Built once per process so commands issued through one App share the
	// in-memory ledger and paper balances.
	memory *storage.Memory
	market *fetcher.Provider
	venues *exchange.Registry
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// deps is everything one command needs, opened together and closed together.
type deps struct {
	repo     storage.Repository
	redis    redis.UniversalClient
	resolver *schedule.Resolver
	venues   *exchange.Registry
	market   *fetcher.Provider
	locker   lock.Locker
	balances storage.BalanceCache
	notifier alerting.Notifier
}

func (d *deps) Close() {
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.repo != nil {
		d.repo.Close()
	}
}

func (a *App) newResolver() (*schedule.Resolver, error) {
	loc, err := a.Config.Scheduler.Location()
	if err != nil {
		return nil, err
	}
	return schedule.NewResolver(schedule.Options{Location: loc}), nil
}

func (a *App) newMarket() *fetcher.Provider {
	if !a.Config.Market.Enabled {
		return nil
	}
	cfg := a.Config.Market
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	coins := fetcher.NewMarket(fetcher.MarketOptions{
		BaseURL:   cfg.CoinGeckoBaseURL,
		Timeout:   cfg.RequestTimeout,
		UserAgent: userAgent,
	}, a.Logger)
	sentiment := fetcher.NewSentiment(fetcher.SentimentOptions{
		URL:       cfg.FearGreedURL,
		Timeout:   cfg.RequestTimeout,
		UserAgent: userAgent,
	}, a.Logger)
	return fetcher.NewProvider(coins, sentiment, cfg.CacheTTL, a.Logger)
}

func (a *App) newVenues(market *fetcher.Provider) (*exchange.Registry, error) {
	registry := exchange.NewRegistry()
	for _, vc := range a.Config.Venues {
		venue, err := newPaperVenue(vc, market)
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", vc.Name, err)
		}
		registry.Register(venue)
	}
	return registry, nil
}

func newPaperVenue(vc config.VenueConfig, market *fetcher.Provider) (*exchange.Paper, error) {
	balances, err := parseDecimals(vc.Balances, func(k string) string { return strings.ToUpper(k) })
	if err != nil {
		return nil, fmt.Errorf("balances: %w", err)
	}
	static, err := parseDecimals(vc.Prices, func(k string) string { return strings.ToUpper(k) })
	if err != nil {
		return nil, fmt.Errorf("prices: %w", err)
	}
	var prices exchange.FallbackPrices
	if len(static) > 0 {
		prices = append(prices, exchange.StaticPrices(static))
	}
	if market != nil {
		prices = append(prices, market)
	}
	feeRate, err := parseOptionalDecimal(vc.FeeRate)
	if err != nil {
		return nil, fmt.Errorf("fee_rate: %w", err)
	}
	minOrder, err := parseOptionalDecimal(vc.MinOrder)
	if err != nil {
		return nil, fmt.Errorf("min_order: %w", err)
	}
	return exchange.NewPaper(exchange.PaperOptions{
		Name:        vc.Name,
		Balances:    balances,
		Prices:      prices,
		FeeRate:     feeRate,
		MinOrder:    minOrder,
		Precision:   vc.Precision,
		PageSize:    vc.PageSize,
		SettleDelay: vc.SettleDelay,
	}), nil
}

func parseDecimals(raw map[string]string, key func(string) string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(raw))
	for k, v := range raw {
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[key(k)] = d
	}
	return out, nil
}

func parseOptionalDecimal(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.TrimSpace(raw))
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return alerting.Nop{}
	}
	var multi alerting.Multi
	for _, channel := range a.Config.Alerting.Channels {
		if strings.EqualFold(strings.TrimSpace(channel), "log") {
			multi = append(multi, alerting.NewLogNotifier(a.Logger))
		}
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		multi = append(multi, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, a.Config.Execution.NotifyTimeout, a.Logger))
	}
	if len(multi) == 0 {
		return alerting.Nop{}
	}
	return multi
}

func (a *App) openStore(ctx context.Context) (storage.Repository, *storage.Store, error) {
	if a.Config.Database.DSN == "" {
		if a.memory == nil {
			a.Logger.Warn().Msg("database.dsn not configured; plans and transactions are kept in memory")
			a.memory = storage.NewMemory()
		}
		return a.memory, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool, a.Config.Scheduler.AdvisoryLockNamespace)
	return store, store, nil
}

func (a *App) openRedis(ctx context.Context) (redis.UniversalClient, error) {
	if a.Config.Redis.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// open builds the dependency graph shared by the engine commands.
func (a *App) open(ctx context.Context) (*deps, error) {
	resolver, err := a.newResolver()
	if err != nil {
		return nil, err
	}

	repo, store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	d := &deps{repo: repo, resolver: resolver, balances: repo}

	d.redis, err = a.openRedis(ctx)
	if err != nil {
		d.Close()
		return nil, err
	}

	if a.venues == nil {
		a.market = a.newMarket()
		a.venues, err = a.newVenues(a.market)
		if err != nil {
			d.Close()
			return nil, err
		}
	}
	d.market, d.venues = a.market, a.venues

	// The in-process lock answers first; the shared locks stop other
	// processes from running the same plan.
	chain := lock.Chain{lock.NewMemory()}
	if store != nil {
		chain = append(chain, lock.Func(store.TryPlanLock))
	}
	if d.redis != nil {
		chain = append(chain, lock.NewRedis(d.redis, a.Config.Redis.KeyPrefix, a.Config.Redis.LockTTL, a.Logger))
		d.balances = cache.NewBalances(&cache.RedisStore{Client: d.redis}, repo, a.Config.Redis.KeyPrefix, a.Config.Redis.BalanceTTL, a.Logger)
	}
	d.locker = chain
	d.notifier = a.newNotifier()
	return d, nil
}

func (a *App) newCoordinator(d *deps) *execution.Coordinator {
	cfg := a.Config.Execution
	var market execution.MarketContextProvider
	if d.market != nil {
		market = d.market
	}
	return execution.New(execution.Deps{
		Plans:    d.repo,
		Ledger:   d.repo,
		Balances: d.balances,
		Venues:   d.venues,
		Locker:   d.locker,
		Resolver: d.resolver,
		Market:   market,
		Notifier: d.notifier,
	}, execution.Options{
		BalanceTimeout:          cfg.BalanceTimeout,
		OrderTimeout:            cfg.OrderTimeout,
		WithdrawTimeout:         cfg.WithdrawTimeout,
		MarketTimeout:           cfg.MarketTimeout,
		NotifyTimeout:           cfg.NotifyTimeout,
		PersistTimeout:          cfg.PersistTimeout,
		Workers:                 cfg.Workers,
		LowBalanceThresholdDays: cfg.LowBalanceThreshold(),
		DefaultPrecision:        cfg.DefaultPrecision,
	}, a.Logger)
}

func (a *App) newPlans(d *deps) *plans.Service {
	return plans.NewService(d.repo, d.resolver, d.locker, a.Config.Execution.EVMAssets, a.Logger)
}

func (a *App) newImporter(d *deps) *reconcile.Importer {
	return reconcile.NewImporter(d.repo, reconcile.Options{
		PageRate:    a.Config.Import.PageRatePerSec,
		PageTimeout: a.Config.Import.PageTimeout,
		MaxPages:    a.Config.Import.MaxPages,
	}, a.Logger)
}

// Run executes the long-running scheduling service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.PollInterval,
		AlignToStart: a.Config.Scheduler.AlignToInterval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		MinWakeDelay: a.Config.Scheduler.MinWakeDelay,
	}, a.Logger)

	svc := service.New(sched, a.newCoordinator(d), d.repo, service.Options{Wake: true}, a.Logger)

	a.Logger.Info().Strs("venues", d.venues.Names()).Msg("starting scheduling service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("scheduling service stopped")
	return nil
}

// ExportOptions hold parameters for exporting the ledger.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PlanID    *int64
	Crypto    string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	PlanID *int64
	Status string
}

// ImportOptions configure the import commands.
type ImportOptions struct {
	PlanID int64
	Path   string
	Format string
}
