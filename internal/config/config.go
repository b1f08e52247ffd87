package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"crashpoint/internal/money"
)

type Config struct {
	Port      string
	JWTSecret string

	DB    DBConfig
	Redis RedisConfig
	Game  GameConfig
	Chain ChainConfig
}

type DBConfig struct {
	Host           string
	Port           string
	Database       string
	Username       string
	Password       string
	Schema         string
	MigrationsPath string
}

// URL is the pgx connection string for this database.
func (c DBConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		c.Username, c.Password, c.Host, c.Port, c.Database, c.Schema)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type GameConfig struct {
	WaitingTime     time.Duration
	CountdownTick   time.Duration
	TickInterval    time.Duration
	Cooldown        time.Duration
	GrowthRate      float64
	InstantCrashMod uint64
	MaxCrash        money.Multiplier
	MinBet          money.Cents
	MaxBet          money.Cents
	AutoCashoutJobs int
	HistoryLimit    int
	HistoryReplay   int
	HistoryRestore  int
}

type ChainConfig struct {
	Length    int
	BatchSize int
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first.
func Load() (*Config, error) {
	maxCrash, err := money.ParseMultiplier(getEnv("MAX_CRASH", "10000.00"))
	if err != nil {
		return nil, fmt.Errorf("MAX_CRASH: %w", err)
	}
	minBet, err := money.ParseCents(getEnv("MIN_BET", "0.10"))
	if err != nil {
		return nil, fmt.Errorf("MIN_BET: %w", err)
	}
	maxBet, err := money.ParseCents(getEnv("MAX_BET", "10000.00"))
	if err != nil {
		return nil, fmt.Errorf("MAX_BET: %w", err)
	}
	growth, err := strconv.ParseFloat(getEnv("GROWTH_RATE", "0.06"), 64)
	if err != nil {
		return nil, fmt.Errorf("GROWTH_RATE: %w", err)
	}

	cfg := &Config{
		Port:      getEnv("PORT", "8443"),
		JWTSecret: getEnv("JWT_SECRET", "secretPassword"),
		DB: DBConfig{
			Host:           getEnv("BLUEPRINT_DB_HOST", "localhost"),
			Port:           getEnv("BLUEPRINT_DB_PORT", "5432"),
			Database:       getEnv("BLUEPRINT_DB_DATABASE", "crashdb"),
			Username:       getEnv("BLUEPRINT_DB_USERNAME", "postgres"),
			Password:       getEnv("BLUEPRINT_DB_PASSWORD", "postgres"),
			Schema:         getEnv("BLUEPRINT_DB_SCHEMA", "public"),
			MigrationsPath: getEnv("MIGRATIONS_PATH", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_URL", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Game: GameConfig{
			WaitingTime:     getEnvAsDuration("WAITING_TIME", 10*time.Second),
			CountdownTick:   getEnvAsDuration("COUNTDOWN_TICK", 100*time.Millisecond),
			TickInterval:    getEnvAsDuration("TICK_INTERVAL", 30*time.Millisecond),
			Cooldown:        getEnvAsDuration("COOLDOWN", 5*time.Second),
			GrowthRate:      growth,
			InstantCrashMod: uint64(getEnvAsInt("INSTANT_CRASH_MODULUS", 25)),
			MaxCrash:        maxCrash,
			MinBet:          minBet,
			MaxBet:          maxBet,
			AutoCashoutJobs: getEnvAsInt("AUTO_CASHOUT_CONCURRENCY", 16),
			HistoryLimit:    getEnvAsInt("HISTORY_LIMIT", 50),
			HistoryReplay:   getEnvAsInt("HISTORY_REPLAY", 20),
			HistoryRestore:  getEnvAsInt("HISTORY_RESTORE", 30),
		},
		Chain: ChainConfig{
			Length:    getEnvAsInt("CHAIN_LENGTH", 1_000_000),
			BatchSize: getEnvAsInt("CHAIN_BATCH_SIZE", 2000),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	g := c.Game
	switch {
	case g.InstantCrashMod == 0:
		return fmt.Errorf("INSTANT_CRASH_MODULUS must be positive")
	case g.MaxCrash < money.One:
		return fmt.Errorf("MAX_CRASH must be at least 1.00, got %s", g.MaxCrash)
	case g.MinBet <= 0 || g.MaxBet < g.MinBet:
		return fmt.Errorf("invalid bet limits %s..%s", g.MinBet, g.MaxBet)
	case g.TickInterval <= 0 || g.CountdownTick <= 0:
		return fmt.Errorf("tick intervals must be positive")
	case g.GrowthRate <= 0:
		return fmt.Errorf("GROWTH_RATE must be positive")
	case c.Chain.Length <= 0 || c.Chain.BatchSize <= 0:
		return fmt.Errorf("CHAIN_LENGTH and CHAIN_BATCH_SIZE must be positive")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
