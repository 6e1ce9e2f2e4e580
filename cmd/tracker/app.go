package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/helixir/research-tracker/internal/aggregator"
	"github.com/helixir/research-tracker/internal/config"
	"github.com/helixir/research-tracker/internal/domain"
	"github.com/helixir/research-tracker/internal/events"
	"github.com/helixir/research-tracker/internal/observability"
	"github.com/helixir/research-tracker/internal/papersources"
	"github.com/helixir/research-tracker/internal/papersources/arxiv"
	"github.com/helixir/research-tracker/internal/papersources/cache"
	"github.com/helixir/research-tracker/internal/papersources/openalex"
	"github.com/helixir/research-tracker/internal/papersources/scholar"
	"github.com/helixir/research-tracker/internal/papersources/semanticscholar"
	"github.com/helixir/research-tracker/internal/pipeline"
	"github.com/helixir/research-tracker/internal/repository"
	"github.com/helixir/research-tracker/internal/summarizer"
)

const (
	metricsNamespace = "tracker"

	// keywordParallelism is used when aggregator.parallel is enabled.
	keywordParallelism = 4
)

// app holds the dependencies shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	store    repository.PaperStore

	closers []func() error
}

// loadConfig loads configuration and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, &configError{err: err}
	}
	if databaseURL != "" {
		cfg.Database.URL = databaseURL
	}
	return cfg, nil
}

// newApp loads configuration, sets up logging and metrics and opens the
// paper store. Command output goes to stdout, so logs configured for stdout
// are sent to stderr unless logsOnStdout is set.
func newApp(ctx context.Context, logsOnStdout bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logCfg := observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	}
	if !logsOnStdout && (logCfg.Output == "" || logCfg.Output == "stdout") {
		logCfg.Output = "stderr"
	}
	logger := observability.NewLogger(logCfg).With().Str("component", "tracker").Logger()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  observability.NewMetricsWith(metricsNamespace, registry),
		store:    store,
	}
	a.closers = append(a.closers, store.Close)
	return a, nil
}

// openStore opens the configured paper store. An unusable URL is a
// configuration error; anything else means the store is unavailable.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (repository.PaperStore, error) {
	store, err := repository.Open(ctx, cfg.Database.StoreURL(), &cfg.Database, logger)
	switch {
	case err == nil:
		return store, nil
	case errors.Is(err, domain.ErrInvalidInput):
		return nil, &configError{err: err}
	case errors.Is(err, domain.ErrStoreUnavailable):
		return nil, err
	default:
		return nil, domain.NewStoreUnavailableError("store", err)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
}

// runner builds the fetch pipeline with the configured providers and publisher.
func (a *app) runner(ctx context.Context) (*pipeline.Runner, error) {
	registry, closeCache, err := buildRegistry(ctx, a.cfg, a.metrics, a.logger)
	if err != nil {
		return nil, err
	}
	if closeCache != nil {
		a.closers = append(a.closers, closeCache)
	}

	publisher, err := buildPublisher(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, publisher.Close)

	parallel := 0
	if a.cfg.Aggregator.Parallel {
		parallel = keywordParallelism
	}

	return pipeline.NewRunner(pipeline.Config{
		Registry:       registry,
		ProviderOrder:  a.cfg.Aggregator.ProviderOrder,
		Store:          a.store,
		Publisher:      publisher,
		Metrics:        a.metrics,
		Parallel:       parallel,
		CitationLookup: citationLookup(a.cfg, registry),
		EnrichLimit:    a.cfg.Aggregator.EnrichCitations,
	}, a.logger), nil
}

// citationLookup returns the registered Semantic Scholar adapter, unwrapped
// from the response cache, for arXiv citation enrichment. It is nil when
// enrichment is off or the adapter is disabled.
func citationLookup(cfg *config.Config, registry *papersources.Registry) aggregator.ArXivLookup {
	if cfg.Aggregator.EnrichCitations <= 0 {
		return nil
	}
	p := registry.Get(config.ProviderSemanticScholar)
	if wrapped, ok := p.(interface{ Unwrap() papersources.Provider }); ok {
		p = wrapped.Unwrap()
	}
	lookup, ok := p.(aggregator.ArXivLookup)
	if !ok {
		return nil
	}
	return lookup
}

// fetchDefaults is the fetch request built from configuration alone.
func (a *app) fetchDefaults() pipeline.Request {
	return pipeline.Request{
		Keywords:        append([]string(nil), a.cfg.Aggregator.Keywords...),
		MaxPapers:       a.cfg.Aggregator.MaxPapers,
		OneNewPaperOnly: a.cfg.Intake.OneNewPaperOnly,
		RecentDays:      a.cfg.Aggregator.RecentDays,
	}
}

// processor builds the summarization processor. It fails when the
// summarizer is disabled.
func (a *app) processor() (*summarizer.Processor, error) {
	s, err := buildSummarizer(a.cfg, a.metrics)
	if err != nil {
		return nil, err
	}
	return summarizer.NewProcessor(a.store, s, a.metrics, a.logger), nil
}

// buildRegistry registers every enabled provider. When the cache is enabled
// each provider is wrapped with the Redis response cache; a cache that cannot
// be reached is logged and skipped. The returned closer releases the cache.
func buildRegistry(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger zerolog.Logger) (*papersources.Registry, func() error, error) {
	clock := domain.NewFetchClock(nil)
	src := cfg.PaperSources

	var observer papersources.RequestObserver
	if metrics != nil {
		observer = metrics
	}

	var providers []papersources.Provider
	if src.ArXiv.Enabled {
		providers = append(providers, arxiv.NewClient(arxiv.Config{
			BaseURL:     src.ArXiv.BaseURL,
			Timeout:     src.ArXiv.Timeout,
			MinDelay:    src.ArXiv.MinDelay,
			MaxResults:  src.ArXiv.MaxResults,
			MaxAttempts: src.ArXiv.MaxAttempts,
			Backoff:     backoff(src.ArXiv),
			Observer:    observer,
		}, nil, clock, logger))
	}
	if src.SemanticScholar.Enabled {
		providers = append(providers, semanticscholar.NewClient(semanticscholar.Config{
			BaseURL:     src.SemanticScholar.BaseURL,
			APIKey:      src.SemanticScholar.APIKey,
			Timeout:     src.SemanticScholar.Timeout,
			MinDelay:    src.SemanticScholar.MinDelay,
			MaxResults:  src.SemanticScholar.MaxResults,
			MaxAttempts: src.SemanticScholar.MaxAttempts,
			Backoff:     backoff(src.SemanticScholar),
			Observer:    observer,
		}, nil, clock, logger))
	}
	if src.OpenAlex.Enabled {
		providers = append(providers, openalex.NewClient(openalex.Config{
			BaseURL:     src.OpenAlex.BaseURL,
			Email:       src.OpenAlex.Email,
			Timeout:     src.OpenAlex.Timeout,
			MinDelay:    src.OpenAlex.MinDelay,
			MaxResults:  src.OpenAlex.MaxResults,
			MaxAttempts: src.OpenAlex.MaxAttempts,
			Backoff:     backoff(src.OpenAlex),
			Observer:    observer,
		}, nil, clock, logger))
	}
	if src.Scholar.Enabled {
		providers = append(providers, scholar.NewClient(scholar.Config{
			BaseURL:     src.Scholar.BaseURL,
			Timeout:     src.Scholar.Timeout,
			MinDelay:    src.Scholar.MinDelay,
			MaxResults:  src.Scholar.MaxResults,
			MaxAttempts: src.Scholar.MaxAttempts,
			Backoff:     backoff(src.Scholar),
			Observer:    observer,
		}, nil, clock, logger))
	}

	var closer func() error
	if cfg.Cache.Enabled {
		backend, err := cache.NewRedisBackend(ctx, cache.RedisConfig{
			Addr:        cfg.Cache.Addr,
			Password:    cfg.Cache.Password,
			DB:          cfg.Cache.DB,
			DialTimeout: cfg.Cache.DialTimeout,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("provider cache unavailable, continuing without it")
		} else {
			closer = backend.Close
			for i, p := range providers {
				providers[i] = cache.New(p, backend, cfg.Cache.TTL, clock, logger)
			}
		}
	}

	registry := papersources.NewRegistry()
	for _, p := range providers {
		registry.Register(p)
	}

	if len(registry.Ordered(cfg.Aggregator.ProviderOrder)) == 0 {
		if closer != nil {
			_ = closer()
		}
		return nil, nil, &configError{err: fmt.Errorf("no enabled provider in aggregator.provider_order %v", cfg.Aggregator.ProviderOrder)}
	}

	logger.Debug().Strs("providers", registry.Names()).Bool("cache", closer != nil).Msg("providers registered")
	return registry, closer, nil
}

func backoff(c config.PaperSourceConfig) papersources.Backoff {
	if c.BackoffBase <= 0 {
		return papersources.Backoff{}
	}
	return papersources.Backoff{Base: c.BackoffBase, Max: papersources.DefaultBackoff.Max}
}

// buildPublisher returns the Kafka publisher when enabled and a no-op otherwise.
func buildPublisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, error) {
	if !cfg.Kafka.Enabled {
		return events.NopPublisher{}, nil
	}
	p, err := events.NewKafkaPublisher(events.KafkaConfig{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.Topic,
		BatchSize:    cfg.Kafka.BatchSize,
		BatchTimeout: cfg.Kafka.BatchTimeout,
	}, logger)
	if err != nil {
		return nil, &configError{err: err}
	}
	return p, nil
}

// buildSummarizer returns the Azure OpenAI summarizer.
func buildSummarizer(cfg *config.Config, metrics *observability.Metrics) (summarizer.Summarizer, error) {
	if !cfg.Summarizer.Enabled {
		return nil, &configError{err: errors.New("summarizer is disabled; set TRACKER_SUMMARIZER_ENABLED=true")}
	}

	var observer papersources.RequestObserver
	if metrics != nil {
		observer = metrics
	}

	s, err := summarizer.NewAzureOpenAI(summarizer.AzureConfig{
		Endpoint:    cfg.Summarizer.Endpoint,
		Deployment:  cfg.Summarizer.Deployment,
		APIVersion:  cfg.Summarizer.APIVersion,
		APIKey:      cfg.Summarizer.APIKey,
		Temperature: cfg.Summarizer.Temperature,
		MaxTokens:   cfg.Summarizer.MaxTokens,
		Timeout:     cfg.Summarizer.Timeout,
		Observer:    observer,
	})
	if err != nil {
		return nil, &configError{err: err}
	}
	return s, nil
}
