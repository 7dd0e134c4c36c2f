package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL       string
	Port              string
	DiscordWebhookURL string
	ProjectID         string
	FetcherURL        string
	GeminiAPIKey      string
	GeminiModel       string
	PatternsPath      string
	LogFile           string
	LogLevel          slog.Level

	Breaker   BreakerConfig
	Scheduler SchedulerConfig
	Matcher   MatcherConfig
	Benchmark BenchmarkConfig
	Worker    WorkerConfig
}

// BreakerConfig holds the circuit breaker thresholds.
type BreakerConfig struct {
	AbsoluteExpiryCap           int
	MinActiveForPercentageCheck int
	MinExpiryCountForSpike      int
	MaxExpiryPercentage         float64
	AbsoluteFallbackCap         int
	MaxFallbackPercentage       float64
	Bypass                      bool
}

type SchedulerConfig struct {
	TickInterval     time.Duration
	ClaimLimit       int
	RunRetention     time.Duration
	CleanupBatchSize int
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	FailureLimit     int
	StaleJobAfter    time.Duration

	// SellerGracePeriod is how long a seller whose feed was marked failed keeps benchmark
	// eligibility.
	SellerGracePeriod time.Duration
}

type MatcherConfig struct {
	BatchSize int
}

type BenchmarkConfig struct {
	Lookback              time.Duration
	IQRMultiplier         float64
	HighBandPercent       float64
	MediumBandPercent     float64
	InsightBucket         time.Duration
	StockOpportunityLimit int
}

type WorkerConfig struct {
	Concurrency  int
	MaxAttempts  int
	PollInterval time.Duration
}

// DefaultBreakerConfig returns the production circuit breaker thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		AbsoluteExpiryCap:           500,
		MinActiveForPercentageCheck: 100,
		MinExpiryCountForSpike:      10,
		MaxExpiryPercentage:         30,
		AbsoluteFallbackCap:         1000,
		MaxFallbackPercentage:       50,
	}
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TickInterval:      time.Minute,
		ClaimLimit:        50,
		RunRetention:      30 * 24 * time.Hour,
		CleanupBatchSize:  500,
		RetryMaxAttempts:  3,
		RetryBaseDelay:    time.Second,
		FailureLimit:      5,
		StaleJobAfter:     15 * time.Minute,
		SellerGracePeriod: 72 * time.Hour,
	}
}

func DefaultBenchmarkConfig() BenchmarkConfig {
	return BenchmarkConfig{
		Lookback:              7 * 24 * time.Hour,
		IQRMultiplier:         1.5,
		HighBandPercent:       15,
		MediumBandPercent:     8,
		InsightBucket:         2 * time.Hour,
		StockOpportunityLimit: 10,
	}
}

// Load reads configuration from the environment. A .env file in the working directory is
// loaded first when present; real environment variables take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required but not set")
	}

	discordWebhookURL := os.Getenv("DISCORD_WEBHOOK_URL")
	if discordWebhookURL == "" {
		slog.Warn("DISCORD_WEBHOOK_URL not set, circuit breaker notifications will only be logged")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
		slog.Info("Defaulting to port", "port", port)
	}

	geminiModel := os.Getenv("GEMINI_MODEL")
	if geminiModel == "" {
		geminiModel = "gemini-2.5-flash"
	}

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "pricefeed.log"
	}

	cfg := &Config{
		DatabaseURL:       databaseURL,
		Port:              port,
		DiscordWebhookURL: discordWebhookURL,
		ProjectID:         os.Getenv("GOOGLE_CLOUD_PROJECT"),
		FetcherURL:        os.Getenv("FETCHER_URL"),
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
		GeminiModel:       geminiModel,
		PatternsPath:      os.Getenv("MATCHER_PATTERNS_PATH"),
		LogFile:           logFile,
		LogLevel:          parseLogLevel(os.Getenv("LOG_LEVEL")),
		Breaker:           DefaultBreakerConfig(),
		Scheduler:         DefaultSchedulerConfig(),
		Matcher:           MatcherConfig{BatchSize: 200},
		Benchmark:         DefaultBenchmarkConfig(),
		Worker: WorkerConfig{
			Concurrency:  4,
			MaxAttempts:  5,
			PollInterval: time.Second,
		},
	}

	e := envReader{}
	b := &cfg.Breaker
	b.AbsoluteExpiryCap = e.getInt("BREAKER_ABSOLUTE_EXPIRY_CAP", b.AbsoluteExpiryCap)
	b.MinActiveForPercentageCheck = e.getInt("BREAKER_MIN_ACTIVE_FOR_PERCENTAGE", b.MinActiveForPercentageCheck)
	b.MinExpiryCountForSpike = e.getInt("BREAKER_MIN_EXPIRY_FOR_SPIKE", b.MinExpiryCountForSpike)
	b.MaxExpiryPercentage = e.getFloat("BREAKER_MAX_EXPIRY_PERCENT", b.MaxExpiryPercentage)
	b.AbsoluteFallbackCap = e.getInt("BREAKER_ABSOLUTE_FALLBACK_CAP", b.AbsoluteFallbackCap)
	b.MaxFallbackPercentage = e.getFloat("BREAKER_MAX_FALLBACK_PERCENT", b.MaxFallbackPercentage)
	b.Bypass = e.getBool("BREAKER_BYPASS", false)

	s := &cfg.Scheduler
	s.TickInterval = e.getDuration("SCHEDULER_TICK_INTERVAL", s.TickInterval)
	s.ClaimLimit = e.getInt("SCHEDULER_CLAIM_LIMIT", s.ClaimLimit)
	s.RunRetention = e.getDuration("RUN_RETENTION", s.RunRetention)
	s.CleanupBatchSize = e.getInt("CLEANUP_BATCH_SIZE", s.CleanupBatchSize)
	s.RetryMaxAttempts = e.getInt("RETRY_MAX_ATTEMPTS", s.RetryMaxAttempts)
	s.FailureLimit = e.getInt("FEED_FAILURE_LIMIT", s.FailureLimit)
	s.StaleJobAfter = e.getDuration("STALE_JOB_AFTER", s.StaleJobAfter)
	s.SellerGracePeriod = e.getDuration("SELLER_GRACE_PERIOD", s.SellerGracePeriod)

	cfg.Matcher.BatchSize = e.getInt("MATCH_BATCH_SIZE", cfg.Matcher.BatchSize)

	bm := &cfg.Benchmark
	bm.Lookback = e.getDuration("BENCHMARK_LOOKBACK", bm.Lookback)
	bm.IQRMultiplier = e.getFloat("BENCHMARK_IQR_MULTIPLIER", bm.IQRMultiplier)
	bm.HighBandPercent = e.getFloat("INSIGHT_HIGH_BAND", bm.HighBandPercent)
	bm.MediumBandPercent = e.getFloat("INSIGHT_MEDIUM_BAND", bm.MediumBandPercent)
	bm.InsightBucket = e.getDuration("INSIGHT_BUCKET", bm.InsightBucket)
	bm.StockOpportunityLimit = e.getInt("STOCK_OPPORTUNITY_LIMIT", bm.StockOpportunityLimit)

	w := &cfg.Worker
	w.Concurrency = e.getInt("WORKER_CONCURRENCY", w.Concurrency)
	w.MaxAttempts = e.getInt("JOB_MAX_ATTEMPTS", w.MaxAttempts)
	w.PollInterval = e.getDuration("WORKER_POLL_INTERVAL", w.PollInterval)

	if e.err != nil {
		return nil, e.err
	}
	if cfg.Matcher.BatchSize <= 0 {
		return nil, fmt.Errorf("MATCH_BATCH_SIZE must be positive, got %d", cfg.Matcher.BatchSize)
	}
	if w.Concurrency <= 0 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", w.Concurrency)
	}
	return cfg, nil
}

// envReader parses optional variables, keeping the first malformed value as its error.
type envReader struct {
	err error
}

func (e *envReader) getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return parsed
}

func (e *envReader) getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return parsed
}

func (e *envReader) getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return parsed
}

func (e *envReader) getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return parsed
}

func (e *envReader) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
