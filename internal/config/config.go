package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Bus backends.
const (
	BusMemory = "memory"
	BusPulse  = "pulse"
	BusNATS   = "nats"
)

const (
	defaultListenAddr       = ":8080"
	defaultStore            = StoreSQLite
	defaultDBPath           = "concierge.db"
	defaultRedisURL         = "redis://localhost:6379/0"
	defaultBus              = BusMemory
	defaultNATSURL          = "nats://localhost:4222"
	defaultNATSStream       = "CONCIERGE"
	defaultConsumerGroup    = "orchestrator-group"
	defaultSessionTTL       = time.Hour
	defaultSweepInterval    = 5 * time.Second
	defaultLocale           = "en"
	defaultPrimaryProvider  = "anthropic"
	defaultFallbackProvider = "openai"
	defaultAnthropicModel   = "claude-3-5-haiku-latest"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultLLMRatePerMinute = 60

	envListenAddr       = "CONCIERGE_LISTEN_ADDR"
	envLogLevel         = "CONCIERGE_LOG_LEVEL"
	envStore            = "CONCIERGE_STORE"
	envDBPath           = "CONCIERGE_DB_PATH"
	envRedisURL         = "CONCIERGE_REDIS_URL"
	envBus              = "CONCIERGE_BUS"
	envNATSURL          = "CONCIERGE_NATS_URL"
	envNATSStream       = "CONCIERGE_NATS_STREAM"
	envConsumerGroup    = "CONCIERGE_CONSUMER_GROUP"
	envSessionTTL       = "CONCIERGE_SESSION_TTL"
	envSweepInterval    = "CONCIERGE_SWEEP_INTERVAL"
	envRoutesFile       = "CONCIERGE_ROUTES_FILE"
	envTemplatesFile    = "CONCIERGE_TEMPLATES_FILE"
	envLocale           = "CONCIERGE_LOCALE"
	envPrimaryProvider  = "CONCIERGE_PRIMARY_PROVIDER"
	envFallbackProvider = "CONCIERGE_FALLBACK_PROVIDER"
	envAnthropicModel   = "CONCIERGE_ANTHROPIC_MODEL"
	envOpenAIModel      = "CONCIERGE_OPENAI_MODEL"
	envLLMRatePerMinute = "CONCIERGE_LLM_RATE_PER_MINUTE"
	envSharedRegistry   = "CONCIERGE_SHARED_REGISTRY"
	envEchoAgents       = "CONCIERGE_ECHO_AGENTS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	LogLevel   slog.Level

	Store    string
	DBPath   string
	RedisURL string

	Bus           string
	NATSURL       string
	NATSStream    string
	ConsumerGroup string

	SessionTTL    time.Duration
	SweepInterval time.Duration

	RoutesFile    string
	TemplatesFile string
	Locale        string

	PrimaryProvider  string
	FallbackProvider string
	AnthropicModel   string
	OpenAIModel      string
	LLMRatePerMinute int

	// SharedRegistry mirrors pending requests into the redis store so any
	// replica consuming a result can claim it.
	SharedRegistry bool
	// EchoAgents runs the in-process echo agent against the configured bus.
	EchoAgents bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:       defaultListenAddr,
		LogLevel:         slog.LevelInfo,
		Store:            defaultStore,
		DBPath:           defaultDBPath,
		RedisURL:         defaultRedisURL,
		Bus:              defaultBus,
		NATSURL:          defaultNATSURL,
		NATSStream:       defaultNATSStream,
		ConsumerGroup:    defaultConsumerGroup,
		SessionTTL:       defaultSessionTTL,
		SweepInterval:    defaultSweepInterval,
		Locale:           defaultLocale,
		PrimaryProvider:  defaultPrimaryProvider,
		FallbackProvider: defaultFallbackProvider,
		AnthropicModel:   defaultAnthropicModel,
		OpenAIModel:      defaultOpenAIModel,
		LLMRatePerMinute: defaultLLMRatePerMinute,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envStore); v != "" {
		cfg.Store = parseChoice(v, defaultStore, StoreSQLite, StoreRedis)
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envRedisURL); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv(envBus); v != "" {
		cfg.Bus = parseChoice(v, defaultBus, BusMemory, BusPulse, BusNATS)
	}
	if v := os.Getenv(envNATSURL); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv(envNATSStream); v != "" {
		cfg.NATSStream = v
	}
	if v := os.Getenv(envConsumerGroup); v != "" {
		cfg.ConsumerGroup = v
	}
	if v := os.Getenv(envSessionTTL); v != "" {
		cfg.SessionTTL = parseDuration(v, defaultSessionTTL)
	}
	if v := os.Getenv(envSweepInterval); v != "" {
		cfg.SweepInterval = parseDuration(v, defaultSweepInterval)
	}
	cfg.RoutesFile = os.Getenv(envRoutesFile)
	cfg.TemplatesFile = os.Getenv(envTemplatesFile)
	if v := os.Getenv(envLocale); v != "" {
		cfg.Locale = strings.ToLower(v)
	}
	if v := os.Getenv(envPrimaryProvider); v != "" {
		cfg.PrimaryProvider = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv(envFallbackProvider); ok {
		cfg.FallbackProvider = strings.ToLower(v)
	}
	if v := os.Getenv(envAnthropicModel); v != "" {
		cfg.AnthropicModel = v
	}
	if v := os.Getenv(envOpenAIModel); v != "" {
		cfg.OpenAIModel = v
	}
	if v := os.Getenv(envLLMRatePerMinute); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.LLMRatePerMinute = n
		}
	}
	cfg.SharedRegistry = parseBool(os.Getenv(envSharedRegistry))
	cfg.EchoAgents = parseBool(os.Getenv(envEchoAgents))

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseChoice(s, def string, allowed ...string) string {
	s = strings.ToLower(s)
	for _, a := range allowed {
		if s == a {
			return s
		}
	}
	return def
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
