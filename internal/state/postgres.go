// internal/state/postgres.go
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/FairForge/poolwatch/internal/pool"
)

// PostgresConfig holds database connection settings
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// PostgresStore keeps the active-pool record in a single-row table and uses
// the generation column for compare-and-set, so multiple controllers sharing
// one database still commit at most one switch per generation.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the connection and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("state: open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: ping database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS active_config (
		id INT PRIMARY KEY CHECK (id = 1),
		active_pool VARCHAR(16) NOT NULL,
		generation BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_by VARCHAR(255)
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("state: create table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (pool.ActiveConfig, error) {
	query := `SELECT active_pool, generation, updated_at, COALESCE(updated_by, '')
		FROM active_config WHERE id = 1`

	var cfg pool.ActiveConfig
	var active string
	err := s.db.QueryRowContext(ctx, query).Scan(
		&active,
		&cfg.Generation,
		&cfg.UpdatedAt,
		&cfg.UpdatedBy,
	)

	if err == sql.ErrNoRows {
		return s.seed(ctx)
	}
	if err != nil {
		return pool.ActiveConfig{}, fmt.Errorf("state: query active config: %w", err)
	}

	cfg.ActivePool, err = pool.ParseID(active)
	if err != nil {
		return pool.ActiveConfig{}, fmt.Errorf("state: stored record invalid: %w", err)
	}
	return cfg, nil
}

// seed inserts the default record. ON CONFLICT DO NOTHING covers the race
// where two controllers seed at once; the follow-up Load returns the winner.
func (s *PostgresStore) seed(ctx context.Context) (pool.ActiveConfig, error) {
	cfg := DefaultConfig()
	cfg.UpdatedAt = time.Now().UTC()

	query := `INSERT INTO active_config (id, active_pool, generation, updated_at)
		VALUES (1, $1, $2, $3) ON CONFLICT (id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, cfg.ActivePool.String(), cfg.Generation, cfg.UpdatedAt); err != nil {
		return pool.ActiveConfig{}, fmt.Errorf("state: seed active config: %w", err)
	}
	return s.Load(ctx)
}

func (s *PostgresStore) Swap(ctx context.Context, expected uint64, next pool.ActiveConfig) error {
	query := `UPDATE active_config
		SET active_pool = $1, generation = $2, updated_at = $3, updated_by = $4
		WHERE id = 1 AND generation = $5`

	res, err := s.db.ExecContext(ctx, query,
		next.ActivePool.String(), next.Generation, next.UpdatedAt, next.UpdatedBy, expected)
	if err != nil {
		return fmt.Errorf("state: update active config: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("state: rows affected: %w", err)
	}
	if rows == 0 {
		return ErrStaleGeneration
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
