// Package server exposes the HTTP API: routing, trace middleware and the
// error mapping from typed module errors to response bodies.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/config"
	"github.com/aristath/finagent/internal/database"
	"github.com/aristath/finagent/internal/modules/analysis"
	"github.com/aristath/finagent/internal/modules/audit"
	"github.com/aristath/finagent/internal/modules/backtest"
	"github.com/aristath/finagent/internal/modules/jobs"
	"github.com/aristath/finagent/internal/modules/live"
	"github.com/aristath/finagent/internal/modules/marketdata"
	"github.com/aristath/finagent/internal/modules/preflight"
	"github.com/aristath/finagent/internal/modules/providers"
	"github.com/aristath/finagent/internal/modules/sandbox"
	"github.com/aristath/finagent/internal/modules/screener"
	"github.com/aristath/finagent/internal/modules/session"
	"github.com/aristath/finagent/internal/modules/strategy"
	"github.com/aristath/finagent/internal/modules/tax"
	"github.com/aristath/finagent/internal/modules/tuning"
	"github.com/aristath/finagent/internal/modules/worldstate"
	"github.com/aristath/finagent/internal/observability"
)

// Deps carries every service the handlers dispatch to. The DI container
// fills it; tests fill only what the exercised routes need.
type Deps struct {
	Config     *config.Config
	Log        zerolog.Logger
	Structured *observability.StructuredLog
	Databases  map[string]*database.DB

	Market       *marketdata.Repository
	Importer     *marketdata.Importer
	World        *worldstate.Service
	Strategies   *strategy.Repository
	Backtests    *backtest.Service
	BacktestRuns *backtest.Repository
	Tuning       *tuning.Service
	TuningRuns   *tuning.Repository
	Live         *live.Service
	LiveStates   *live.Repository
	Preflight    *preflight.Service
	Analysis     *analysis.Service
	Tax          *tax.Service
	Screener     *screener.Service
	Sessions     *session.Service
	Providers    *providers.Service
	Jobs         *jobs.Manager
	JobEvents    *jobs.Repository
	Audit        *audit.Repository
	Sandbox      *sandbox.Runner
}

// Server is the HTTP front-end.
type Server struct {
	deps       Deps
	router     *chi.Mux
	httpServer *http.Server
	log        zerolog.Logger
}

// New builds the router and binds every route.
func New(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		router: chi.NewRouter(),
		log:    deps.Log.With().Str("component", "server").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", deps.Config.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Router returns the handler, for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.traceMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Trace-Id"},
		ExposedHeaders:   []string{"X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		// Broker OAuth and provider adapters.
		r.Get("/auth/kite/connect", s.handleKiteConnect)
		r.Get("/auth/kite/callback", s.handleKiteCallback)
		r.Get("/auth/kite/status", s.handleKiteStatus)
		r.Get("/kite/profile", s.handleKiteProfile)
		r.Get("/kite/holdings", s.handleKiteHoldings)
		r.Post("/kite/instruments/sync", s.handleKiteInstrumentsSync)
		r.Post("/kite/candles/fetch", s.handleKiteCandlesFetch)
		r.Post("/kite/quotes/fetch", s.handleKiteQuotesFetch)
		r.Post("/nse/quote", s.handleNSEQuote)
		r.Post("/tradingview/screener/run", s.handleTradingViewScreenerRun)
		r.Get("/providers/health", s.handleProvidersHealth)

		// Market data ingest and derived features.
		r.Post("/data/import", s.handleImportOHLCV)
		r.Post("/data/import/fundamentals", s.handleImportFundamentals)
		r.Post("/data/import/corporate-actions", s.handleImportCorporateActions)
		r.Post("/data/import/ratings", s.handleImportRatings)
		r.Post("/data/fundamentals/as-of", s.handleFundamentalsAsOf)
		r.Post("/data/technicals/compute", s.handleTechnicalsCompute)
		r.Post("/universe/resolve", s.handleUniverseResolve)

		// World state.
		r.Post("/world-state/build", s.handleWorldStateBuild)
		r.Post("/world-state/completeness", s.handleWorldStateCompleteness)
		r.Post("/world-state/validate-pit", s.handleWorldStateValidatePIT)

		// Preflight budgets.
		r.Post("/preflight/world-state", s.handlePreflightWorldState)
		r.Post("/preflight/custom-code", s.handlePreflightCustomCode)
		r.Post("/preflight/backtest", s.legacyEndpoint("/v1/preflight/backtest"))
		r.Post("/preflight/tuning", s.legacyEndpoint("/v1/preflight/tuning"))

		// Code strategies.
		r.Post("/code-strategy/validate", s.handleCodeStrategyValidate)
		r.Post("/code-strategy/save", s.handleCodeStrategySave)
		r.Post("/code-strategy/run-sandbox", s.handleCodeStrategyRunSandbox)
		r.Post("/code-strategy/backtest", s.handleCodeStrategyBacktest)
		r.Post("/code-strategy/analyze", s.handleCodeStrategyAnalyze)
		r.Get("/code-strategies", s.handleCodeStrategiesList)
		r.Get("/code-strategies/{strategyID}/versions", s.handleCodeStrategyVersionsList)

		// Legacy intent/manual strategy flow.
		r.Post("/brainstorm/lock", s.legacyEndpoint("/v1/brainstorm/lock"))
		r.Post("/brainstorm/agent-decides/propose", s.legacyEndpoint("/v1/brainstorm/agent-decides/propose"))
		r.Post("/brainstorm/agent-decides/confirm", s.legacyEndpoint("/v1/brainstorm/agent-decides/confirm"))
		r.Post("/strategy/from-intent", s.legacyEndpoint("/v1/strategy/from-intent"))
		r.Get("/strategies", s.legacyEndpoint("/v1/strategies"))
		r.Get("/strategies/{strategyID}/versions", s.legacyEndpoint("/v1/strategies/{strategy_id}/versions"))

		// Backtests.
		r.Get("/backtests/runs", s.handleBacktestRunsList)
		r.Get("/backtests/runs/{runID}", s.handleBacktestRunDetail)
		r.Post("/backtests/compare", s.handleBacktestCompare)
		r.Post("/backtests/tax/report", s.handleBacktestTaxReport)
		r.Post("/backtests/run", s.legacyEndpoint("/v1/backtests/run"))
		r.Post("/backtests/run-async", s.legacyEndpoint("/v1/backtests/run-async"))

		// Tuning.
		r.Post("/tuning/run", s.handleTuningRun)
		r.Post("/tuning/search-space/derive", s.handleTuningSearchSpaceDerive)
		r.Get("/tuning/runs", s.handleTuningRunsList)
		r.Get("/tuning/runs/{tuningRunID}", s.handleTuningRunDetail)

		// Analysis and visualization.
		r.Post("/analysis/deep-dive", s.handleAnalysisDeepDive)
		r.Post("/visualize/trade-blotter", s.handleVisualizeTradeBlotter)
		r.Post("/visualize/boundary", s.handleVisualizeBoundary)

		// Live lifecycle.
		r.Post("/live/activate", s.handleLiveActivate)
		r.Post("/live/pause", s.handleLivePause)
		r.Post("/live/stop", s.handleLiveStop)
		r.Get("/live/states", s.handleLiveStatesList)
		r.Get("/live/states/{strategyVersionID}", s.handleLiveStateDetail)
		r.Get("/live/feed", s.handleLiveFeed)
		r.Get("/live/boundary-candidates", s.handleLiveBoundaryCandidates)

		// Screener.
		r.Post("/screener/formula/validate", s.handleScreenerFormulaValidate)
		r.Post("/screener/run", s.handleScreenerRun)

		// Jobs, sessions, diagnostics.
		r.Get("/jobs/{jobID}", s.handleJobStatus)
		r.Get("/events/jobs", s.handleJobEventsSSE)
		r.Get("/events/jobs/ws", s.handleJobEventsWS)
		r.Post("/context/delta", s.handleContextDelta)
		r.Post("/session/snapshot", s.handleSessionSnapshot)
		r.Post("/session/rehydrate", s.handleSessionRehydrate)
		r.Get("/session/diff", s.handleSessionDiff)
		r.Get("/audit/events", s.handleAuditEvents)
		r.Get("/observability/metrics", s.handleObservabilityMetrics)
		r.Get("/diagnostics/readiness", s.handleDiagnosticsReadiness)
		r.Get("/artifacts", s.handleArtifactsList)
		r.Get("/artifacts/file", s.handleArtifactFile)
	})
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}
