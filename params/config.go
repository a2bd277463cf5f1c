package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Server struct {
	Addr    string
	LogFile string
}

type Queue struct {
	// Attempts is the total number of deliveries per job, including the
	// first. BackoffBase doubles after each failed attempt.
	Attempts     int
	BackoffBase  time.Duration
	Concurrency  int
	DispatchRate int // job starts per second
	JournalPath  string
}

type Sim struct {
	// Spread is the half-width of the simulated price band around the base
	// price. 0.03 keeps every quote in [97, 103].
	Spread         float64
	QuoteLatency   time.Duration
	ExecMinLatency time.Duration
	ExecMaxLatency time.Duration
}

type Config struct {
	Server Server
	Queue  Queue
	Sim    Sim
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:    ":8080",
			LogFile: "data/swapd.log",
		},
		Queue: Queue{
			Attempts:     3,
			BackoffBase:  1000 * time.Millisecond,
			Concurrency:  10,
			DispatchRate: 10,
			JournalPath:  "data/jobs",
		},
		Sim: Sim{
			Spread:         0.03,
			QuoteLatency:   200 * time.Millisecond,
			ExecMinLatency: 2000 * time.Millisecond,
			ExecMaxLatency: 3000 * time.Millisecond,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Server.Addr = getEnv("API_ADDR", cfg.Server.Addr)
	cfg.Server.LogFile = getEnv("LOG_FILE", cfg.Server.LogFile)
	cfg.Queue.JournalPath = getEnv("QUEUE_JOURNAL_PATH", cfg.Queue.JournalPath)

	cfg.Queue.Attempts = getEnvInt("QUEUE_ATTEMPTS", cfg.Queue.Attempts)
	cfg.Queue.Concurrency = getEnvInt("QUEUE_CONCURRENCY", cfg.Queue.Concurrency)
	cfg.Queue.DispatchRate = getEnvInt("QUEUE_DISPATCH_RATE", cfg.Queue.DispatchRate)

	cfg.Queue.BackoffBase = getEnvMillis("QUEUE_BACKOFF_MS", cfg.Queue.BackoffBase)
	cfg.Sim.QuoteLatency = getEnvMillis("SIM_QUOTE_LATENCY_MS", cfg.Sim.QuoteLatency)
	cfg.Sim.ExecMinLatency = getEnvMillis("SIM_EXEC_MIN_MS", cfg.Sim.ExecMinLatency)
	cfg.Sim.ExecMaxLatency = getEnvMillis("SIM_EXEC_MAX_MS", cfg.Sim.ExecMaxLatency)

	if spread := os.Getenv("SIM_SPREAD"); spread != "" {
		if f, err := strconv.ParseFloat(spread, 64); err == nil && f > 0 {
			cfg.Sim.Spread = f
		}
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
