// Package di wires the application: databases, repositories, services and
// background jobs, in that order.
package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/config"
	"github.com/aristath/finagent/internal/database"
	"github.com/aristath/finagent/internal/events"
	"github.com/aristath/finagent/internal/modules/analysis"
	"github.com/aristath/finagent/internal/modules/audit"
	"github.com/aristath/finagent/internal/modules/backtest"
	"github.com/aristath/finagent/internal/modules/jobs"
	"github.com/aristath/finagent/internal/modules/live"
	"github.com/aristath/finagent/internal/modules/marketdata"
	"github.com/aristath/finagent/internal/modules/preflight"
	"github.com/aristath/finagent/internal/modules/providers"
	"github.com/aristath/finagent/internal/modules/ratelimit"
	"github.com/aristath/finagent/internal/modules/sandbox"
	"github.com/aristath/finagent/internal/modules/screener"
	"github.com/aristath/finagent/internal/modules/session"
	"github.com/aristath/finagent/internal/modules/strategy"
	"github.com/aristath/finagent/internal/modules/tax"
	"github.com/aristath/finagent/internal/modules/tuning"
	"github.com/aristath/finagent/internal/modules/worldstate"
	"github.com/aristath/finagent/internal/observability"
	"github.com/aristath/finagent/internal/reliability"
	"github.com/aristath/finagent/internal/scheduler"
	"github.com/aristath/finagent/internal/security"
	"github.com/aristath/finagent/internal/server"
)

// Container holds every constructed dependency.
type Container struct {
	Config *config.Config
	Log    zerolog.Logger

	StateDB     *database.DB
	AnalyticsDB *database.DB

	Structured *observability.StructuredLog
	Bus        *events.Bus
	Scheduler  *scheduler.Scheduler
	Backup     *reliability.BackupService

	Market        *marketdata.Repository
	Importer      *marketdata.Importer
	WorldStates   *worldstate.Repository
	World         *worldstate.Service
	Strategies    *strategy.Repository
	BacktestRuns  *backtest.Repository
	Backtests     *backtest.Service
	TuningRuns    *tuning.Repository
	Tuning        *tuning.Service
	LiveStates    *live.Repository
	Live          *live.Service
	Preflight     *preflight.Service
	Analysis      *analysis.Service
	TaxReports    *tax.Repository
	Tax           *tax.Service
	Screener      *screener.Service
	Sessions      *session.Service
	ProviderStore *providers.Repository
	Providers     *providers.Service
	JobStore      *jobs.Repository
	Jobs          *jobs.Manager
	Audit         *audit.Repository
	Sandbox       *sandbox.Runner
}

// Wire builds the container. Order matters: databases, then repositories,
// then services, then job registration and schedules.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{Config: cfg, Log: log}

	if err := c.initDatabases(); err != nil {
		return nil, err
	}
	if err := c.initRepositories(); err != nil {
		c.Close()
		return nil, err
	}
	c.initServices()
	if err := c.registerJobs(); err != nil {
		c.Close()
		return nil, err
	}

	log.Info().Msg("Dependency wiring completed")
	return c, nil
}

func (c *Container) initDatabases() error {
	stateDB, err := database.New(database.Config{
		Path:    c.Config.Paths.StateDBPath,
		Profile: database.ProfileState,
		Name:    "state",
	})
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	c.StateDB = stateDB

	analyticsDB, err := database.New(database.Config{
		Path:    c.Config.Paths.AnalyticsDBPath,
		Profile: database.ProfileAnalytics,
		Name:    "analytics",
	})
	if err != nil {
		stateDB.Close()
		return fmt.Errorf("failed to open analytics database: %w", err)
	}
	c.AnalyticsDB = analyticsDB
	return nil
}

func (c *Container) initRepositories() error {
	log := c.Log
	state := c.StateDB.Conn()
	analytics := c.AnalyticsDB.Conn()

	var err error
	if c.Market, err = marketdata.NewRepository(analytics, log); err != nil {
		return fmt.Errorf("failed to init marketdata repository: %w", err)
	}
	if c.WorldStates, err = worldstate.NewRepository(state, log); err != nil {
		return fmt.Errorf("failed to init worldstate repository: %w", err)
	}
	if c.Strategies, err = strategy.NewRepository(state, log); err != nil {
		return fmt.Errorf("failed to init strategy repository: %w", err)
	}
	if c.BacktestRuns, err = backtest.NewRepository(state, log); err != nil {
		return fmt.Errorf("failed to init backtest repository: %w", err)
	}
	if c.TuningRuns, err = tuning.NewRepository(state, log); err != nil {
		return fmt.Errorf("failed to init tuning repository: %w", err)
	}
	if c.LiveStates, err = live.NewRepository(state, log); err != nil {
		return fmt.Errorf("failed to init live repository: %w", err)
	}
	if c.TaxReports, err = tax.NewRepository(state, log); err != nil {
		return fmt.Errorf("failed to init tax repository: %w", err)
	}
	if c.Audit, err = audit.NewRepository(state, log); err != nil {
		return fmt.Errorf("failed to init audit repository: %w", err)
	}
	if c.JobStore, err = jobs.NewRepository(state, log); err != nil {
		return fmt.Errorf("failed to init jobs repository: %w", err)
	}

	sessionRepo, err := session.NewRepository(state, log)
	if err != nil {
		return fmt.Errorf("failed to init session repository: %w", err)
	}
	c.Sessions = session.NewService(sessionRepo, log)

	cipher, err := security.NewCipher(c.Config.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to init token cipher: %w", err)
	}
	if c.ProviderStore, err = providers.NewRepository(state, cipher, log); err != nil {
		return fmt.Errorf("failed to init providers repository: %w", err)
	}
	return nil
}

func (c *Container) initServices() {
	cfg := c.Config
	log := c.Log

	c.Structured = observability.NewStructuredLog(cfg.Paths.StructuredLogPath(), log)
	c.Bus = events.NewBus()
	c.Scheduler = scheduler.New(log)

	c.Sandbox = sandbox.NewRunner(cfg.Paths, cfg.Sandbox.WorkerBinary, log)
	c.Importer = marketdata.NewImporter(c.Market, c.Audit, log)
	c.World = worldstate.NewService(c.Market, c.WorldStates, log)
	c.Preflight = preflight.NewService(c.Market, log)
	c.Backtests = backtest.NewService(c.Market, c.Strategies, c.World, c.Sandbox,
		c.BacktestRuns, c.Audit, cfg.Paths, log)
	c.Tuning = tuning.NewService(c.Backtests, c.World, c.TuningRuns, c.Audit, log)
	c.Live = live.NewService(c.Market, c.Strategies, c.BacktestRuns, c.Sandbox,
		c.LiveStates, c.Audit, cfg.Paths, log)
	c.Analysis = analysis.NewService(c.BacktestRuns, log)
	c.Tax = tax.NewService(c.BacktestRuns, c.TaxReports, c.Audit, log)
	c.Screener = screener.NewService(c.Market, log)
	c.Jobs = jobs.NewManager(c.JobStore, c.Bus, log)

	// The kite client stays nil when the env is incomplete; provider calls
	// then fail with a config error while the rest of the app runs.
	var kiteClient *providers.KiteClient
	kiteCfg, kiteErr := config.LoadKiteConfig()
	if kiteErr == nil {
		kiteClient = providers.NewKiteClient(kiteCfg, log)
	}
	c.Providers = providers.NewService(
		kiteClient, kiteErr,
		providers.NewNSEClient(log),
		providers.NewTradingViewClient(cfg.TradingViewSessionID, log),
		c.ProviderStore, c.Market,
		ratelimit.NewLimiter(cfg.RateLimits),
		c.Audit, cfg.RateLimits, log)

	c.Backup = reliability.NewBackupService(map[string]*database.DB{
		"state":     c.StateDB,
		"analytics": c.AnalyticsDB,
	}, nil, cfg.Paths.Root, log)
}

// StartBackground connects optional backends and starts the scheduler. Kept
// separate from Wire so tests can build a container without side effects.
func (c *Container) StartBackground(ctx context.Context) error {
	if c.Config.Backup.Enabled {
		s3, err := reliability.NewS3Client(ctx, c.Config.Backup, c.Log)
		if err != nil {
			return fmt.Errorf("failed to init backup storage: %w", err)
		}
		c.Backup = reliability.NewBackupService(map[string]*database.DB{
			"state":     c.StateDB,
			"analytics": c.AnalyticsDB,
		}, s3, c.Config.Paths.Root, c.Log)
		if err := c.scheduleBackups(); err != nil {
			return err
		}
	}
	if err := c.scheduleLiveRefresh(); err != nil {
		return err
	}
	c.Scheduler.Start()
	return nil
}

// ServerDeps projects the container onto the HTTP server's dependency set.
func (c *Container) ServerDeps() server.Deps {
	return server.Deps{
		Config:     c.Config,
		Log:        c.Log,
		Structured: c.Structured,
		Databases: map[string]*database.DB{
			"state":     c.StateDB,
			"analytics": c.AnalyticsDB,
		},
		Market:       c.Market,
		Importer:     c.Importer,
		World:        c.World,
		Strategies:   c.Strategies,
		Backtests:    c.Backtests,
		BacktestRuns: c.BacktestRuns,
		Tuning:       c.Tuning,
		TuningRuns:   c.TuningRuns,
		Live:         c.Live,
		LiveStates:   c.LiveStates,
		Preflight:    c.Preflight,
		Analysis:     c.Analysis,
		Tax:          c.Tax,
		Screener:     c.Screener,
		Sessions:     c.Sessions,
		Providers:    c.Providers,
		Jobs:         c.Jobs,
		JobEvents:    c.JobStore,
		Audit:        c.Audit,
		Sandbox:      c.Sandbox,
	}
}

// Close stops the scheduler, waits for in-flight jobs and closes databases.
func (c *Container) Close() {
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.Jobs != nil {
		c.Jobs.Wait()
	}
	if c.AnalyticsDB != nil {
		if err := c.AnalyticsDB.Close(); err != nil {
			c.Log.Error().Err(err).Msg("Failed to close analytics database")
		}
	}
	if c.StateDB != nil {
		if err := c.StateDB.Close(); err != nil {
			c.Log.Error().Err(err).Msg("Failed to close state database")
		}
	}
}
