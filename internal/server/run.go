package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mohammad-safakhou/autoresearch/config"
	"github.com/mohammad-safakhou/autoresearch/internal/budget"
	"github.com/mohammad-safakhou/autoresearch/internal/guard"
	"github.com/mohammad-safakhou/autoresearch/internal/httpclient"
	"github.com/mohammad-safakhou/autoresearch/internal/logging"
	"github.com/mohammad-safakhou/autoresearch/internal/metrics"
	"github.com/mohammad-safakhou/autoresearch/internal/oracle"
	"github.com/mohammad-safakhou/autoresearch/internal/queue"
	"github.com/mohammad-safakhou/autoresearch/internal/research"
	"github.com/mohammad-safakhou/autoresearch/internal/retriever"
	"github.com/mohammad-safakhou/autoresearch/internal/store"
	"github.com/mohammad-safakhou/autoresearch/internal/sweeper"
	"github.com/mohammad-safakhou/autoresearch/internal/telemetry"
)

// App holds the long-lived components of a serving process.
type App struct {
	cfg     *config.Config
	logger  *zerolog.Logger
	store   *store.Store
	rdb     *redis.Client
	guard   *guard.Guard
	search  *retriever.Client
	queue   *queue.Queue
	sweeper *sweeper.Sweeper
	tel     *telemetry.Telemetry
}

// NewApp connects storage and wires retriever, oracle, orchestrator, queue and sweeper.
func NewApp(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	if cfg.Telemetry.MetricsEnabled {
		metrics.MustRegister()
	}
	tel, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	dsn := cfg.Storage.Postgres.DSN()
	if err := store.Migrate("file://migrations", dsn, "up", 0); err != nil {
		logger.Warn().Err(err).Msg("auto migration failed; continuing with existing schema")
	}
	timeout := cfg.Storage.Postgres.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	st, err := store.NewWithDSN(pingCtx, dsn)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	app := &App{cfg: cfg, logger: logger, store: st, tel: tel}

	var queueOpts []queue.Option
	queueOpts = append(queueOpts, queue.WithPollInterval(cfg.Queue.PollInterval))
	if rc := cfg.Storage.Redis; rc.Enabled() {
		port := rc.Port
		if port == "" {
			port = "6379"
		}
		rdb, err := store.NewRedisClient(ctx, net.JoinHostPort(rc.Host, port), rc.Password, rc.DB, rc.Timeout)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.rdb = rdb
		queueOpts = append(queueOpts, queue.WithCache(store.NewStatusCache(rdb, rc.StatusTTL)))
	}

	app.guard = guard.New(cfg.RateLimit.Cooldown, guard.WithPatterns(cfg.RateLimit.BlockPatterns))
	app.search = newRetriever(cfg.Retriever, logger)
	orc := newOracle(cfg.Oracle, logger)

	orch := research.NewOrchestrator(research.Config{
		MaxRequests:        cfg.Research.MaxRequests,
		FirstSearchResults: cfg.Research.FirstSearchResults,
		VideoResults:       cfg.Research.VideoResults,
		ImageResults:       cfg.Research.ImageResults,
		Limits: budget.Limits{
			Ceiling:          int64(cfg.Research.MaxContextTokens),
			Tolerance:        int64(cfg.Research.TokenTolerance),
			CharsPerToken:    cfg.Research.CharsPerToken,
			MinPartialTokens: int64(cfg.Research.MinPartialTokens),
		},
	}, app.search, orc, app.guard, st, logger)

	app.queue = queue.New(st, orch, logging.Component(logger, "queue"), queueOpts...)

	if cfg.Sweeper.Enabled {
		sw, err := NewSweeper(st, cfg.Sweeper, logger)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.sweeper = sw
	}
	return app, nil
}

// NewSweeper builds the retention sweeper from config.
func NewSweeper(st *store.Store, cfg config.SweeperConfig, logger *zerolog.Logger) (*sweeper.Sweeper, error) {
	return sweeper.New(st, cfg.Schedule, cfg.Retention, cfg.BatchSize, logging.Component(logger, "sweeper"))
}

func newRetriever(cfg config.RetrieverConfig, logger *zerolog.Logger) *retriever.Client {
	hc := httpclient.New(cfg.Timeout, cfg.Retries, 500*time.Millisecond)
	var fetcher retriever.Fetcher
	proxy := cfg.Proxy.URL()
	if proxy != nil {
		logger.Info().Str("proxy", proxy.Redacted()).Msg("page fetches use outbound proxy")
	}
	if cfg.FetchPages {
		fetcher = retriever.Router{
			Direct: retriever.NewHTTPFetcher(cfg.Timeout, cfg.UserAgent, cfg.MaxContentChars, 4, proxy),
			Browser: retriever.BrowserFetcher{
				Timeout:   2 * cfg.Timeout,
				UserAgent: cfg.UserAgent,
				MaxChars:  cfg.MaxContentChars,
				Proxy:     proxy,
			},
			BrowserDomains: cfg.BrowserDomains,
			Fallback:       cfg.BrowserFallback,
		}
	}
	var rr *retriever.Reranker
	if cfg.Rerank {
		rr = retriever.NewReranker(logger)
	}
	return retriever.NewClient(hc, retriever.Options{
		BaseURL:    cfg.SearxngURL,
		FetchPages: cfg.FetchPages,
		Fetcher:    fetcher,
		Reranker:   rr,
		Logger:     logger,
	})
}

func newOracle(cfg config.OracleConfig, logger *zerolog.Logger) *oracle.Client {
	// only the cost lookup goes through hc; decide retries are handled by oracle.Client
	hc := httpclient.New(cfg.Timeout, 1, time.Second)
	chat := oracle.NewChatClient(hc, oracle.ChatOptions{
		Timeout:     cfg.Timeout,
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Referer:     cfg.Referer,
		Title:       cfg.Title,
	})
	return oracle.NewClient(chat, oracle.Config{
		DecideRetries:   cfg.DecideRetries,
		RetryBackoff:    cfg.RetryBackoff,
		CostLookupURL:   cfg.CostLookupURL,
		CostPer1K:       cfg.CostPer1K,
		CostPer1KOutput: cfg.CostPer1KOutput,
	}, logger)
}

func (a *App) Close() {
	if a.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tel.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("telemetry shutdown")
		}
		cancel()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// Serve runs the HTTP API, the queue drain and the sweeper until ctx is done,
// then shuts the API down and waits for the in-flight job.
func (a *App) Serve(ctx context.Context) error {
	e := New(Deps{
		Queue:     a.queue,
		Steps:     a.store,
		Guard:     a.guard,
		Retriever: a.search,
		Logger:    logging.Component(a.logger, "http"),
		Metrics:   a.cfg.Telemetry.MetricsEnabled,
		JWTSecret: []byte(a.cfg.Server.JWTSecret),
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.queue.Start(ctx)
	}()
	if a.sweeper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.sweeper.Start(ctx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("address", a.cfg.Server.Address).Msg("listening")
		if err := e.Start(a.cfg.Server.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("http shutdown")
	}
	if serveErr != nil {
		return serveErr
	}
	wg.Wait()
	a.queue.Wait()
	a.logger.Info().Msg("stopped")
	return nil
}

// Run builds the application and serves until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) error {
	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()
	return app.Serve(ctx)
}
