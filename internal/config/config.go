// Package config provides configuration management for the research tracker.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
	// Scheduler timezones must resolve on hosts without a zoneinfo database.
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// SSL mode constants for database connections.
const (
	// SSLModeDisable disables SSL (use only for local development).
	SSLModeDisable = "disable"
	// SSLModeRequire requires SSL but does not verify certificates.
	SSLModeRequire = "require"
	// SSLModeVerifyCA verifies the server certificate against a CA.
	SSLModeVerifyCA = "verify-ca"
	// SSLModeVerifyFull verifies the server certificate and hostname.
	SSLModeVerifyFull = "verify-full"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "TRACKER"

// Provider names accepted in aggregator.provider_order.
const (
	ProviderArXiv           = "arxiv"
	ProviderSemanticScholar = "semantic_scholar"
	ProviderOpenAlex        = "openalex"
	ProviderScholar         = "google_scholar"
)

// Config holds all configuration for the research tracker.
type Config struct {
	// Server contains HTTP server settings.
	Server ServerConfig `mapstructure:"server"`
	// Database contains paper store connection settings.
	Database DatabaseConfig `mapstructure:"database"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// PaperSources contains the provider adapter settings.
	PaperSources PaperSourcesConfig `mapstructure:"paper_sources"`
	// Aggregator contains keyword and fallback settings for a fetch run.
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	// Intake contains persistence policy settings.
	Intake IntakeConfig `mapstructure:"intake"`
	// Cache contains the Redis provider response cache settings.
	Cache CacheConfig `mapstructure:"cache"`
	// Kafka contains paper event publisher settings.
	Kafka KafkaConfig `mapstructure:"kafka"`
	// Summarizer contains the Azure OpenAI summarizer settings.
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
	// Scheduler contains the daily run schedule.
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the HTTP server port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
//
// URL selects the store backend (postgres://, sqlite://, memory://). When it
// is empty, a PostgreSQL DSN is built from the discrete fields.
type DatabaseConfig struct {
	// URL is the store URL. It overrides the discrete PostgreSQL fields.
	URL string `mapstructure:"url"`
	// Host is the PostgreSQL server hostname.
	Host string `mapstructure:"host"`
	// Port is the PostgreSQL server port (default: 5432).
	Port int `mapstructure:"port"`
	// User is the database username.
	User string `mapstructure:"user"`
	// Password is loaded from TRACKER_DATABASE_PASSWORD only.
	Password string `mapstructure:"-"`
	// Name is the database name.
	Name string `mapstructure:"name"`
	// SSLMode controls SSL connection security (require, verify-ca, verify-full, disable).
	SSLMode string `mapstructure:"ssl_mode"`
	// MaxConns is the maximum number of connections in the pool (default: 10).
	MaxConns int32 `mapstructure:"max_conns"`
	// MinConns is the minimum number of connections to keep open (default: 1).
	MinConns int32 `mapstructure:"min_conns"`
	// MaxConnLifetime is the maximum lifetime of a connection before it's closed.
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// MaxConnIdleTime is the maximum time a connection can be idle before it's closed.
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// HealthCheckPeriod is the interval between health checks of idle connections.
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	// ConnectTimeout is the maximum time to wait for a connection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// MigrationAutoRun applies the embedded migrations when a PostgreSQL store opens.
	MigrationAutoRun bool `mapstructure:"migration_auto_run"`
	// StatementCacheCapacity is the size of the prepared statement cache.
	StatementCacheCapacity int `mapstructure:"statement_cache_capacity"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr, file path).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled enables metrics collection and exposure.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for metrics endpoint.
	Path string `mapstructure:"path"`
}

// PaperSourcesConfig holds configuration for all provider adapters.
type PaperSourcesConfig struct {
	ArXiv           PaperSourceConfig `mapstructure:"arxiv"`
	SemanticScholar PaperSourceConfig `mapstructure:"semantic_scholar"`
	OpenAlex        PaperSourceConfig `mapstructure:"openalex"`
	Scholar         PaperSourceConfig `mapstructure:"scholar"`
}

// PaperSourceConfig holds configuration for one provider adapter.
type PaperSourceConfig struct {
	// Enabled controls whether the provider is registered.
	Enabled bool `mapstructure:"enabled"`
	// BaseURL is the provider API base URL.
	BaseURL string `mapstructure:"base_url"`
	// Timeout is the per-request timeout.
	Timeout time.Duration `mapstructure:"timeout"`
	// MinDelay is the minimum delay between consecutive requests.
	MinDelay time.Duration `mapstructure:"min_delay"`
	// MaxResults is the default number of records requested per search.
	MaxResults int `mapstructure:"max_results"`
	// MaxAttempts is the total number of tries for a transient failure.
	MaxAttempts int `mapstructure:"max_attempts"`
	// BackoffBase is the first retry delay; later delays double.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	// Email is sent to providers with a polite pool (OpenAlex).
	Email string `mapstructure:"email"`
	// APIKey is loaded from the environment only.
	APIKey string `mapstructure:"-"`
}

// AggregatorConfig holds the settings of one fetch run.
type AggregatorConfig struct {
	// Keywords are the search terms queried on every run.
	Keywords []string `mapstructure:"keywords"`
	// ProviderOrder lists provider names, primary first.
	ProviderOrder []string `mapstructure:"provider_order"`
	// MaxPapers truncates the ranked result; zero disables truncation.
	MaxPapers int `mapstructure:"max_papers"`
	// RecentDays switches providers to their Recent query when positive.
	RecentDays int `mapstructure:"recent_days"`
	// Parallel fans keywords out concurrently.
	Parallel bool `mapstructure:"parallel"`
	// EnrichCitations caps the arXiv candidates per run whose citation count
	// is looked up on Semantic Scholar; zero disables the lookup.
	EnrichCitations int `mapstructure:"enrich_citations"`
}

// IntakeConfig holds the persistence policy.
type IntakeConfig struct {
	// OneNewPaperOnly stops inserting after the first new paper of a run.
	OneNewPaperOnly bool `mapstructure:"one_new_paper_only"`
}

// CacheConfig holds the Redis response cache configuration.
type CacheConfig struct {
	// Enabled wraps every provider with the response cache.
	Enabled bool `mapstructure:"enabled"`
	// Addr is the Redis host:port.
	Addr string `mapstructure:"addr"`
	// Password is loaded from TRACKER_CACHE_PASSWORD only.
	Password string `mapstructure:"-"`
	// DB is the Redis database number.
	DB int `mapstructure:"db"`
	// TTL is how long a provider response stays cached.
	TTL time.Duration `mapstructure:"ttl"`
	// DialTimeout bounds the initial connection.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// KafkaConfig holds Kafka publisher configuration.
type KafkaConfig struct {
	// Enabled controls whether Kafka publishing is active.
	Enabled bool `mapstructure:"enabled"`
	// Brokers is the list of Kafka broker addresses.
	Brokers []string `mapstructure:"brokers"`
	// Topic receives one message per inserted paper.
	Topic string `mapstructure:"topic"`
	// BatchSize is the maximum number of messages to batch before sending.
	BatchSize int `mapstructure:"batch_size"`
	// BatchTimeout is the maximum time to wait for a batch to fill before sending.
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// SummarizerConfig holds the summarization step configuration.
type SummarizerConfig struct {
	// Enabled controls whether `process` and the scheduler summarize papers.
	Enabled bool `mapstructure:"enabled"`
	// Endpoint is the Azure OpenAI resource endpoint.
	Endpoint string `mapstructure:"endpoint"`
	// Deployment is the chat model deployment name.
	Deployment string `mapstructure:"deployment"`
	// APIVersion is the Azure OpenAI REST API version.
	APIVersion string `mapstructure:"api_version"`
	// APIKey is loaded from TRACKER_SUMMARIZER_API_KEY only.
	APIKey string `mapstructure:"-"`
	// Temperature is the sampling temperature.
	Temperature float64 `mapstructure:"temperature"`
	// MaxTokens caps the completion length.
	MaxTokens int `mapstructure:"max_tokens"`
	// Timeout is the per-request timeout.
	Timeout time.Duration `mapstructure:"timeout"`
	// BatchLimit is the number of unprocessed papers handled per run.
	BatchLimit int `mapstructure:"batch_limit"`
}

// SchedulerConfig holds the daily run schedule.
type SchedulerConfig struct {
	// Time is the local run time in HH:MM.
	Time string `mapstructure:"time"`
	// Timezone is an IANA zone name.
	Timezone string `mapstructure:"timezone"`
	// RunOnStart executes one run before waiting for the first slot.
	RunOnStart bool `mapstructure:"run_on_start"`
}

// DSN returns the PostgreSQL connection string built from the discrete fields.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}
	if c.StatementCacheCapacity > 0 {
		params.Set("statement_cache_capacity", fmt.Sprintf("%d", c.StatementCacheCapacity))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// StoreURL returns URL when set and the PostgreSQL DSN otherwise.
func (c *DatabaseConfig) StoreURL() string {
	if c.URL != "" {
		return c.URL
	}
	return c.DSN()
}

// IsPostgres reports whether the store URL points at PostgreSQL.
func (c *DatabaseConfig) IsPostgres() bool {
	u := c.StoreURL()
	return strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://")
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// Location resolves the configured timezone.
func (c *SchedulerConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Load reads configuration from defaults, an optional config.yaml, a .env
// file and TRACKER_* environment variables, in increasing precedence.
func Load() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file if present
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/research-tracker")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Comma-separated env values arrive as a single element.
	cfg.Aggregator.Keywords = splitList(cfg.Aggregator.Keywords)
	cfg.Aggregator.ProviderOrder = splitList(cfg.Aggregator.ProviderOrder)
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)

	// Secrets use mapstructure:"-" and never come from config files.
	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func loadSecrets(cfg *Config) {
	cfg.Database.Password = os.Getenv(EnvPrefix + "_DATABASE_PASSWORD")
	cfg.Cache.Password = os.Getenv(EnvPrefix + "_CACHE_PASSWORD")
	cfg.Summarizer.APIKey = os.Getenv(EnvPrefix + "_SUMMARIZER_API_KEY")
	cfg.PaperSources.SemanticScholar.APIKey = os.Getenv(EnvPrefix + "_PAPER_SOURCES_SEMANTIC_SCHOLAR_API_KEY")
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.url", "sqlite://data/papers.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "tracker")
	v.SetDefault("database.name", "research_tracker")
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_auto_run", true)
	v.SetDefault("database.statement_cache_capacity", 512)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Paper source defaults
	v.SetDefault("paper_sources.arxiv.enabled", true)
	v.SetDefault("paper_sources.arxiv.base_url", "https://export.arxiv.org/api")
	v.SetDefault("paper_sources.arxiv.timeout", "30s")
	v.SetDefault("paper_sources.arxiv.min_delay", "3s")
	v.SetDefault("paper_sources.arxiv.max_results", 50)

	v.SetDefault("paper_sources.semantic_scholar.enabled", true)
	v.SetDefault("paper_sources.semantic_scholar.base_url", "https://api.semanticscholar.org/graph/v1")
	v.SetDefault("paper_sources.semantic_scholar.timeout", "30s")
	v.SetDefault("paper_sources.semantic_scholar.min_delay", "1s")
	v.SetDefault("paper_sources.semantic_scholar.max_results", 100)

	v.SetDefault("paper_sources.openalex.enabled", true)
	v.SetDefault("paper_sources.openalex.base_url", "https://api.openalex.org")
	v.SetDefault("paper_sources.openalex.timeout", "30s")
	v.SetDefault("paper_sources.openalex.min_delay", "1s")
	v.SetDefault("paper_sources.openalex.max_results", 100)
	v.SetDefault("paper_sources.openalex.email", "")

	v.SetDefault("paper_sources.scholar.enabled", false)
	v.SetDefault("paper_sources.scholar.base_url", "https://scholar.google.com")
	v.SetDefault("paper_sources.scholar.timeout", "30s")
	v.SetDefault("paper_sources.scholar.min_delay", "5s")
	v.SetDefault("paper_sources.scholar.max_results", 20)

	for _, name := range []string{"arxiv", "semantic_scholar", "openalex", "scholar"} {
		v.SetDefault("paper_sources."+name+".max_attempts", 3)
		v.SetDefault("paper_sources."+name+".backoff_base", "5s")
	}

	// Aggregator defaults
	v.SetDefault("aggregator.keywords", []string{
		"artificial intelligence", "machine learning", "deep learning", "robotics",
	})
	v.SetDefault("aggregator.provider_order", []string{
		ProviderSemanticScholar, ProviderOpenAlex, ProviderArXiv, ProviderScholar,
	})
	v.SetDefault("aggregator.max_papers", 100)
	v.SetDefault("aggregator.recent_days", 180)
	v.SetDefault("aggregator.parallel", false)
	v.SetDefault("aggregator.enrich_citations", 20)

	// Intake defaults
	v.SetDefault("intake.one_new_paper_only", false)

	// Cache defaults
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", "6h")
	v.SetDefault("cache.dial_timeout", "5s")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "research-tracker.papers")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", "1s")

	// Summarizer defaults
	v.SetDefault("summarizer.enabled", false)
	v.SetDefault("summarizer.endpoint", "")
	v.SetDefault("summarizer.deployment", "gpt-4")
	v.SetDefault("summarizer.api_version", "2024-02-15-preview")
	v.SetDefault("summarizer.temperature", 0.7)
	v.SetDefault("summarizer.max_tokens", 1000)
	v.SetDefault("summarizer.timeout", "60s")
	v.SetDefault("summarizer.batch_limit", 10)

	// Scheduler defaults
	v.SetDefault("scheduler.time", "09:00")
	v.SetDefault("scheduler.timezone", "Asia/Shanghai")
	v.SetDefault("scheduler.run_on_start", true)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate server port
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}

	// Validate database config
	if c.Database.URL == "" {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("invalid database port: %d", c.Database.Port)
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database name is required")
		}
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	// Validate provider order
	if len(c.Aggregator.ProviderOrder) == 0 {
		return fmt.Errorf("aggregator provider_order must name at least one provider")
	}
	for _, name := range c.Aggregator.ProviderOrder {
		switch name {
		case ProviderArXiv, ProviderSemanticScholar, ProviderOpenAlex, ProviderScholar:
		default:
			return fmt.Errorf("unknown provider in provider_order: %q", name)
		}
	}
	if c.Aggregator.MaxPapers < 0 {
		return fmt.Errorf("aggregator max_papers must not be negative")
	}
	if c.Aggregator.RecentDays < 0 {
		return fmt.Errorf("aggregator recent_days must not be negative")
	}
	if c.Aggregator.EnrichCitations < 0 {
		return fmt.Errorf("aggregator enrich_citations must not be negative")
	}

	if c.Cache.Enabled && c.Cache.Addr == "" {
		return fmt.Errorf("cache addr is required when the cache is enabled")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka brokers and topic are required when kafka is enabled")
	}

	if c.Summarizer.Enabled {
		if c.Summarizer.Endpoint == "" || c.Summarizer.Deployment == "" {
			return fmt.Errorf("summarizer endpoint and deployment are required when the summarizer is enabled")
		}
		if c.Summarizer.APIKey == "" {
			return fmt.Errorf("summarizer requires %s_SUMMARIZER_API_KEY to be set", EnvPrefix)
		}
	}

	// Validate schedule
	if _, err := ParseClock(c.Scheduler.Time); err != nil {
		return err
	}
	if _, err := c.Scheduler.Location(); err != nil {
		return fmt.Errorf("invalid scheduler timezone %q: %w", c.Scheduler.Timezone, err)
	}

	return nil
}

// ParseClock parses an HH:MM time of day into hour and minute.
func ParseClock(s string) ([2]int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return [2]int{}, fmt.Errorf("invalid scheduler time %q: want HH:MM", s)
	}
	return [2]int{t.Hour(), t.Minute()}, nil
}

// splitList expands comma-separated elements and drops blanks.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
