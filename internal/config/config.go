// Package config loads daemon-level configuration from environment
// variables, grounded on the teacher's internal/config package: the same
// defaults-then-override Load() shape and NewLogger helper, expanded to
// cover the pool, rate limiter, chat client, and execution settings this
// daemon adds over the teacher's single listen-addr/db-path surface.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/neurovisor/control-plane/internal/agent"
	"github.com/neurovisor/control-plane/internal/chatclient"
	"github.com/neurovisor/control-plane/internal/model"
	"github.com/neurovisor/control-plane/internal/pool"
	"github.com/neurovisor/control-plane/internal/ratelimit"
	"github.com/neurovisor/control-plane/internal/vm"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "neurovisor.db"

	envListenAddr = "NEUROVISOR_LISTEN_ADDR"
	envDBPath     = "NEUROVISOR_DB_PATH"
	envLogLevel   = "NEUROVISOR_LOG_LEVEL"

	envPoolWarmTarget     = "NEUROVISOR_POOL_WARM_TARGET"
	envPoolMaxTotal       = "NEUROVISOR_POOL_MAX_TOTAL"
	envPoolVMSize         = "NEUROVISOR_POOL_VM_SIZE"
	envPoolAcquireTimeout = "NEUROVISOR_POOL_ACQUIRE_TIMEOUT_SECONDS"

	envRateCapacity = "NEUROVISOR_RATE_CAPACITY"
	envRateRefill   = "NEUROVISOR_RATE_REFILL"

	envChatBaseURL = "NEUROVISOR_CHAT_BASE_URL"
	envChatAPIKey  = "NEUROVISOR_CHAT_API_KEY"
	envChatModel   = "NEUROVISOR_CHAT_MODEL"
	envChatTimeout = "NEUROVISOR_CHAT_TIMEOUT_SECONDS"

	envExecTimeout  = "NEUROVISOR_EXEC_TIMEOUT_SECONDS"
	envMaxIterations = "NEUROVISOR_AGENT_MAX_ITERATIONS"

	defaultPoolWarmTarget = 2
	defaultPoolMaxTotal   = 8
	defaultChatModel      = "gpt-4o"
)

// Config holds daemon configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	Pool pool.Config
	Rate struct {
		Capacity float64
		Refill   float64
	}
	Chat         chatclient.Config
	ChatModel    string
	Agent        agent.Config
	VM           vm.Config
}

// Load reads configuration from environment variables with sensible
// defaults (spec.md §3, §4.2, §4.6, §4.7).
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		ChatModel:  defaultChatModel,
		VM:         vm.LoadConfig(),
	}

	cfg.Pool = pool.Config{
		WarmTarget:     defaultPoolWarmTarget,
		MaxTotal:       defaultPoolMaxTotal,
		Size:           poolSizeFromEnv(envPoolVMSize),
		AcquireTimeout: pool.DefaultAcquireTimeout,
	}
	cfg.Rate.Capacity = ratelimit.DefaultCapacity
	cfg.Rate.Refill = ratelimit.DefaultRefillRate
	cfg.Chat.Timeout = chatclient.DefaultTimeout
	cfg.Agent.MaxIterations = agent.DefaultMaxIterations
	cfg.Agent.ExecutionTimeout = agent.DefaultExecutionTimeout
	// The guest execution server listens on cfg.VM.VsockPort inside every
	// VM (vm.LoadConfig, NEUROVISOR_VM_VSOCK_PORT); the agent loop must
	// dial that same port when it tunnels a request in, so it is not an
	// independent setting.
	cfg.Agent.GuestPort = int(cfg.VM.VsockPort)

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := envInt(envPoolWarmTarget); v > 0 {
		cfg.Pool.WarmTarget = v
	}
	if v := envInt(envPoolMaxTotal); v > 0 {
		cfg.Pool.MaxTotal = v
	}
	if v := envInt(envPoolAcquireTimeout); v > 0 {
		cfg.Pool.AcquireTimeout = time.Duration(v) * time.Second
	}
	if v := envFloat(envRateCapacity); v > 0 {
		cfg.Rate.Capacity = v
	}
	if v := envFloat(envRateRefill); v > 0 {
		cfg.Rate.Refill = v
	}
	if v := os.Getenv(envChatBaseURL); v != "" {
		cfg.Chat.BaseURL = v
	}
	if v := os.Getenv(envChatAPIKey); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv(envChatModel); v != "" {
		cfg.ChatModel = v
	}
	if v := envInt(envChatTimeout); v > 0 {
		cfg.Chat.Timeout = time.Duration(v) * time.Second
	}
	if v := envInt(envExecTimeout); v > 0 {
		cfg.Agent.ExecutionTimeout = time.Duration(v) * time.Second
	}
	if v := envInt(envMaxIterations); v > 0 {
		cfg.Agent.MaxIterations = v
	}

	return cfg
}

func envInt(key string) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return v
}

func envFloat(key string) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return 0
	}
	return v
}

func poolSizeFromEnv(key string) model.VMSize {
	switch strings.ToLower(os.Getenv(key)) {
	case "medium":
		return model.SizeMedium
	case "large":
		return model.SizeLarge
	default:
		return model.SizeSmall
	}
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

// NewLogger creates a structured JSON logger writing to w at the
// configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
