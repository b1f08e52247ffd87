package database

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"

	"crashpoint/internal/game"
	"crashpoint/internal/hashchain"
	"crashpoint/internal/money"
)

// Service is the Postgres side of the game: rounds, bets, players and the
// hash chain links.
type Service interface {
	Health() map[string]string
	Close() error
	Pool() *pgxpool.Pool

	game.LedgerStore
	game.RoundStore
	game.RecoveryStore
	hashchain.LinkStore

	GetRound(ctx context.Context, id int64) (game.Round, error)
	RoundByChainSeq(ctx context.Context, seq int64) (game.Round, error)
	CreatePlayer(ctx context.Context, name string, balance money.Cents) (bool, error)
	ChainStats(ctx context.Context) (ChainStats, error)
	Links(ctx context.Context, fromSeq int64, limit int) ([]hashchain.Link, error)
}

type service struct {
	pool *pgxpool.Pool
}

var (
	database   = os.Getenv("BLUEPRINT_DB_DATABASE")
	password   = os.Getenv("BLUEPRINT_DB_PASSWORD")
	username   = os.Getenv("BLUEPRINT_DB_USERNAME")
	port       = os.Getenv("BLUEPRINT_DB_PORT")
	host       = os.Getenv("BLUEPRINT_DB_HOST")
	schema     = os.Getenv("BLUEPRINT_DB_SCHEMA")
	dbInstance *service
)

// New returns the shared service built from the BLUEPRINT_DB_* environment.
func New() Service {
	if dbInstance != nil {
		return dbInstance
	}

	if schema == "" {
		schema = "public"
	}
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		username, password, host, port, database, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Connect(ctx, connStr)
	if err != nil {
		log.Fatal(err)
	}
	dbInstance = s.(*service)
	return dbInstance
}

// Connect opens a pool against url and checks it answers.
func Connect(ctx context.Context, url string) (Service, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("[DB] Connected to PostgreSQL")
	return &service{pool: pool}, nil
}

func (s *service) Pool() *pgxpool.Pool {
	return s.pool
}

// Health checks the health of the database connection by pinging the database.
func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	poolStats := s.pool.Stat()
	stats["open_connections"] = strconv.Itoa(int(poolStats.TotalConns()))
	stats["in_use"] = strconv.Itoa(int(poolStats.AcquiredConns()))
	stats["idle"] = strconv.Itoa(int(poolStats.IdleConns()))
	stats["acquire_count"] = strconv.FormatInt(poolStats.AcquireCount(), 10)
	stats["wait_duration"] = poolStats.AcquireDuration().String()

	if poolStats.AcquiredConns() > 20 {
		stats["message"] = "The database is experiencing heavy load."
	}

	return stats
}

// Close closes the pool. Pending queries are allowed to finish.
func (s *service) Close() error {
	log.Printf("[DB] Disconnected from database: %s", database)
	s.pool.Close()
	if dbInstance == s {
		dbInstance = nil
	}
	return nil
}
