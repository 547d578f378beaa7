package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/storyfab/storyfab/orchestrator/llm"
	"github.com/storyfab/storyfab/orchestrator/state"
)

// Config is the full runtime configuration. One long-running process, no
// positional arguments, everything by environment.
type Config struct {
	// Provider
	GeminiAPIKey string
	MockMode     bool
	ModelChain   []llm.ModelSpec
	APITimeout   time.Duration

	// Directories
	BaseDir       string
	IncomingDir   string
	ProcessedDir  string
	ProjectsDir   string
	DataDir       string
	DeadLetterDir string
	AlertsPath    string

	// Fabric sizing
	RateLimitRPM   int
	MaxConcurrency int
	MaxWaiting     int
	PoolMin        int
	PoolMax        int
	PoolIdle       time.Duration
	PoolAcquire    time.Duration
	MaxRetries     int
	BackoffBase    time.Duration

	// Heartbeat and failure policy
	HeartbeatInterval  time.Duration
	StaleThresholds    map[state.Status]time.Duration
	MaxStaleRecoveries int

	// Audio collaborator
	AudioEnabled   bool
	AudioLanguages []string

	// Trend source seeds for dev and mock runs
	TrendSeeds []string

	// Ops surface
	ListenAddr string
	LogLevel   string

	// Optional backends
	EventJournalDSN string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
}

// LoadConfig reads .env if present, then the environment, applying
// defaults sized for a single-node deployment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
		MockMode:          envBool("MOCK_MODE", false),
		APITimeout:        envDuration("API_TIMEOUT", 120*time.Second),
		BaseDir:           envStr("BASE_DIR", "."),
		RateLimitRPM:      envInt("RATE_LIMIT_RPM", 60),
		MaxConcurrency:    envInt("MAX_CONCURRENCY", 4),
		MaxWaiting:        envInt("MAX_WAITING", 32),
		PoolMin:           envInt("POOL_MIN", 1),
		PoolMax:           envInt("POOL_MAX", 4),
		PoolIdle:          envDuration("POOL_IDLE_TIMEOUT", 5*time.Minute),
		PoolAcquire:       envDuration("POOL_ACQUIRE_TIMEOUT", 30*time.Second),
		MaxRetries:        envInt("MAX_RETRIES", 3),
		BackoffBase:       envDuration("BACKOFF_BASE", time.Second),
		HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", 60*time.Second),
		AudioEnabled:      envBool("AUDIO_ENABLED", false),
		AudioLanguages:    envList("AUDIO_LANGUAGES", []string{"en", "zh"}),
		TrendSeeds:        envList("TREND_KEYWORDS", nil),
		ListenAddr:        envStr("LISTEN_ADDR", ":8085"),
		LogLevel:          envStr("LOG_LEVEL", "info"),
		EventJournalDSN:   os.Getenv("EVENT_JOURNAL_DSN"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           envInt("REDIS_DB", 0),
	}

	cfg.IncomingDir = envStr("INCOMING_DIR", cfg.BaseDir+"/incoming")
	cfg.ProcessedDir = envStr("PROCESSED_DIR", cfg.IncomingDir+"/processed")
	cfg.ProjectsDir = envStr("PROJECTS_DIR", cfg.BaseDir+"/projects")
	cfg.DataDir = envStr("DATA_DIR", cfg.BaseDir+"/data")
	cfg.DeadLetterDir = envStr("DEAD_LETTER_DIR", cfg.BaseDir+"/dead-letter")
	cfg.AlertsPath = envStr("ALERTS_PATH", cfg.BaseDir+"/logs/alerts.log")

	cfg.ModelChain = parseChain(envStr("MODEL_CHAIN",
		"gemini-2.0-flash,gemini-2.0-flash-lite,gemini-1.5-flash:strict"))

	cfg.MaxStaleRecoveries = envInt("MAX_STALE_RECOVERY_COUNT", state.MaxStaleRecoveryCount)
	cfg.StaleThresholds = map[state.Status]time.Duration{
		state.StatusAnalyzing:     envDuration("STALE_ANALYZING", state.DefaultStaleThresholds[state.StatusAnalyzing]),
		state.StatusRendering:     envDuration("STALE_RENDERING", state.DefaultStaleThresholds[state.StatusRendering]),
		state.StatusUploading:     envDuration("STALE_UPLOADING", state.DefaultStaleThresholds[state.StatusUploading]),
		state.StatusDegradedRetry: envDuration("STALE_DEGRADED_RETRY", state.DefaultStaleThresholds[state.StatusDegradedRetry]),
	}

	if !cfg.MockMode && cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required unless MOCK_MODE is set")
	}
	if len(cfg.ModelChain) == 0 {
		return nil, fmt.Errorf("MODEL_CHAIN must name at least one model")
	}
	return cfg, nil
}

// parseChain parses "model-a,model-b:strict" into the fallback chain.
func parseChain(raw string) []llm.ModelSpec {
	var chain []llm.ModelSpec
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		spec := llm.ModelSpec{Name: part}
		if name, ok := strings.CutSuffix(part, ":strict"); ok {
			spec = llm.ModelSpec{Name: name, Strict: true}
		}
		chain = append(chain, spec)
	}
	return chain
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
